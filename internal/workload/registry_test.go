package workload

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/slogdb/internal/model"
)

func TestDefaultRegistryRejectsUnknownProcedure(t *testing.T) {
	r := Default()
	err := r.Validate([]model.ProcedureCall{{Proc: model.ProcID(9999)}})
	require.Error(t, err)
}

func TestEchoWritesFirstDeclaredKey(t *testing.T) {
	r := Default()
	exec, ok := r.Lookup(ProcEcho)
	require.True(t, ok)

	txn := model.NewTransaction(1, []model.KeyMode{{Key: model.NewKey("k1"), Mode: model.Read}}, nil)
	ctx := &ExecCtx{
		Txn:    txn,
		Call:   model.ProcedureCall{Proc: ProcEcho, Args: []string{"hi"}},
		Reads:  map[string][]byte{},
		Writes: map[string][]byte{},
	}
	require.NoError(t, exec.Execute(ctx))
	require.Equal(t, []byte("hi"), ctx.Writes["k1"])
}

func TestAddVehicleRequiresExistingOwner(t *testing.T) {
	exec := ExecutorFunc(execMovrAddVehicle)
	txn := model.NewTransaction(1, []model.KeyMode{{Key: model.NewKey("vehicle:1"), Mode: model.Write}}, nil)
	ctx := &ExecCtx{
		Txn:    txn,
		Call:   model.ProcedureCall{Args: []string{"1", "sf", "sedan", "42", "sf", "100", "available", "loc"}},
		Reads:  map[string][]byte{},
		Writes: map[string][]byte{},
	}
	require.Error(t, exec.Execute(ctx))

	ctx.Reads["42@sf"] = []byte("owner-row")
	require.NoError(t, exec.Execute(ctx))
	require.Contains(t, ctx.Writes, "vehicle:1")
}

func TestRemasterRequiresNewMaster(t *testing.T) {
	exec := ExecutorFunc(execRemaster)
	txn := model.NewTransaction(1, nil, nil)
	require.Error(t, exec.Execute(&ExecCtx{Txn: txn}))

	txn.NewMaster = 1
	require.NoError(t, exec.Execute(&ExecCtx{Txn: txn}))
}
