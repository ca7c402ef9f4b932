package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/slogdb/internal/model"
	"github.com/bdeggleston/slogdb/internal/stats"
	"github.com/bdeggleston/slogdb/internal/storage"
	"github.com/bdeggleston/slogdb/internal/workload"
)

func TestExecuteEchoCommits(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	w := New(store, workload.Default(), stats.NewCounters(nil))

	txn := model.NewTransaction(1, []model.KeyMode{{Key: model.NewKey("k1"), Mode: model.Read}},
		[]model.ProcedureCall{{Proc: workload.ProcEcho, Args: []string{"hi"}}})

	require.NoError(t, w.Execute(ctx, txn, nil))
	require.Equal(t, model.StatusCommitted, txn.Status)

	v, found, err := store.Get(ctx, model.NewKey("k1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("hi"), v)
}

func TestExecuteUnknownProcedureAborts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	w := New(store, workload.Default(), stats.NewCounters(nil))

	txn := model.NewTransaction(1, nil, []model.ProcedureCall{{Proc: model.ProcID(9001)}})
	require.NoError(t, w.Execute(ctx, txn, nil))
	require.Equal(t, model.StatusAborted, txn.Status)
	require.Equal(t, model.AbortUnknownProcedure, txn.AbortReason)
}

func TestExecuteUsesRemoteReadsForNonLocalKeys(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Put(ctx, model.NewKey("42@sf"), []byte("owner-row")))
	w := New(store, workload.Default(), stats.NewCounters(nil))

	txn := model.NewTransaction(1, []model.KeyMode{{Key: model.NewKey("vehicle:1"), Mode: model.Write}},
		[]model.ProcedureCall{{Proc: workload.ProcMovrAddVehicle,
			Args: []string{"1", "sf", "sedan", "42", "sf", "100", "available", "loc"}}})

	// The owner row is not one of txn's declared keys, so the Worker never
	// reads the local copy above; only the remote read supplies it.
	require.NoError(t, w.Execute(ctx, txn, map[string][]byte{"42@sf": []byte("owner-row")}))
	require.Equal(t, model.StatusCommitted, txn.Status)

	v, found, err := store.Get(ctx, model.NewKey("vehicle:1"))
	require.NoError(t, err)
	require.True(t, found)
	require.NotEmpty(t, v)
}

func TestExecuteDeterministicGivenSamePreImage(t *testing.T) {
	ctx := context.Background()
	store1 := storage.NewMemoryStore()
	store2 := storage.NewMemoryStore()
	w1 := New(store1, workload.Default(), stats.NewCounters(nil))
	w2 := New(store2, workload.Default(), stats.NewCounters(nil))

	mk := func() *model.Transaction {
		return model.NewTransaction(1, []model.KeyMode{{Key: model.NewKey("k1"), Mode: model.Write}},
			[]model.ProcedureCall{{Proc: workload.ProcEcho, Args: []string{"same"}}})
	}

	t1, t2 := mk(), mk()
	require.NoError(t, w1.Execute(ctx, t1, nil))
	require.NoError(t, w2.Execute(ctx, t2, nil))

	require.Equal(t, t1.Status, t2.Status)
	require.Equal(t, t1.Writes, t2.Writes)
}
