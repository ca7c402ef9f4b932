package scheduler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/slogdb/internal/lockmgr"
	"github.com/bdeggleston/slogdb/internal/model"
	"github.com/bdeggleston/slogdb/internal/stats"
	"github.com/bdeggleston/slogdb/internal/storage"
	"github.com/bdeggleston/slogdb/internal/topology"
	"github.com/bdeggleston/slogdb/internal/worker"
	"github.com/bdeggleston/slogdb/internal/workload"
)

// fakeBus routes envelopes between Scheduler instances under test and
// records every TxnResult delivered toward the (fake) Server, standing in
// for the real bus the way paxos/group_test.go's fakeNetwork does for
// paxos.Group.
type fakeBus struct {
	mu         sync.Mutex
	schedulers map[model.MachineId]*Scheduler
	results    map[model.MachineId][]*model.Transaction
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		schedulers: make(map[model.MachineId]*Scheduler),
		results:    make(map[model.MachineId][]*model.Transaction),
	}
}

func (b *fakeBus) Send(env *model.Envelope, to model.MachineId, channel model.Channel) error {
	return b.deliver(env, to, channel)
}

func (b *fakeBus) SendMulti(env *model.Envelope, tos []model.MachineId, channel model.Channel) error {
	for _, to := range tos {
		if err := b.deliver(env, to, channel); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBus) deliver(env *model.Envelope, to model.MachineId, channel model.Channel) error {
	switch channel {
	case model.ChannelServer:
		b.mu.Lock()
		b.results[to] = append(b.results[to], env.Payload.(*model.TxnResult).Txn)
		b.mu.Unlock()
	case model.ChannelScheduler:
		b.mu.Lock()
		sched := b.schedulers[to]
		b.mu.Unlock()
		if rr, ok := env.Payload.(*model.RemoteReads); ok {
			sched.HandleRemoteReads(rr)
		}
	}
	return nil
}

type noopRemaster struct{ proposed []uint64 }

func (r *noopRemaster) Propose(value uint64) error {
	r.proposed = append(r.proposed, value)
	return nil
}

func newSingleMachineScheduler(t *testing.T, locks lockmgr.LockManager) (*Scheduler, *fakeBus, model.MachineId) {
	t.Helper()
	grid := model.NewGrid(1, 1, 1)
	topo := topology.New(grid)
	self := grid.MachineId(0, 0, 0)
	store := storage.NewMemoryStore()
	w := worker.New(store, workload.Default(), stats.NewCounters(nil))
	bus := newFakeBus()
	s := New(self, topo, locks, w, model.NewMetadataStore(), stats.NewCounters(nil), bus, &noopRemaster{})
	bus.schedulers[self] = s
	return s, bus, self
}

func echoTxn(id uint64, key string, mode model.Mode, arg string) *model.Transaction {
	return model.NewTransaction(id, []model.KeyMode{{Key: model.NewKey(key), Mode: mode}},
		[]model.ProcedureCall{{Proc: workload.ProcEcho, Args: []string{arg}}})
}

func TestSchedulerSingleHomeTxnCommitsAndEmitsResult(t *testing.T) {
	s, bus, self := newSingleMachineScheduler(t, lockmgr.NewFIFOLockManager())

	txn := echoTxn(1, "k1", model.Write, "hi")
	s.Process(txn)

	require.Equal(t, model.StatusCommitted, txn.Status)
	require.Len(t, bus.results[self], 1)
	require.Same(t, txn, bus.results[self][0])
}

func TestSchedulerWrongHomeTxnIsDropped(t *testing.T) {
	grid := model.NewGrid(1, 1, 2)
	topo := topology.New(grid)
	self := grid.MachineId(0, 0, 0)

	// Find a key this partition does NOT own.
	var foreignKey string
	for i := 0; ; i++ {
		k := model.NewKey(string(rune('a' + i)))
		if topo.PartitionOf(k) != topo.Grid().Partition(self) {
			foreignKey = k.String()
			break
		}
	}

	store := storage.NewMemoryStore()
	w := worker.New(store, workload.Default(), stats.NewCounters(nil))
	bus := newFakeBus()
	s := New(self, topo, lockmgr.NewFIFOLockManager(), w, model.NewMetadataStore(), stats.NewCounters(nil), bus, &noopRemaster{})
	bus.schedulers[self] = s

	txn := echoTxn(1, foreignKey, model.Write, "x")
	s.Process(txn)

	require.Equal(t, model.StatusPending, txn.Status)
	require.Empty(t, bus.results[self])
}

func TestSchedulerDuplicateProcessIsDropped(t *testing.T) {
	s, bus, self := newSingleMachineScheduler(t, lockmgr.NewFIFOLockManager())

	txn := echoTxn(1, "k1", model.Write, "hi")
	s.Process(txn)
	s.Process(txn)

	require.Len(t, bus.results[self], 1)
}

func TestSchedulerDDRDeadlockFormsThroughRealProcessAndDrain(t *testing.T) {
	// A and B contend for the same two keys in opposite orders, submitted
	// the way the Orderer actually delivers a batch of simultaneously
	// ready transactions: every Process call in the burst runs first,
	// then Drain lets each holder request its remaining key round-robin
	// with the other, which is what gives the wait-for cycle a chance to
	// actually form (spec §8, DDR mode: "exactly one of {A,B} aborted
	// with aborted_by_deadlock_breaker, the one with higher txn id").
	s, bus, self := newSingleMachineScheduler(t, lockmgr.NewDDRLockManager())

	txnA := model.NewTransaction(1,
		[]model.KeyMode{{Key: model.NewKey("k1"), Mode: model.Write}, {Key: model.NewKey("k2"), Mode: model.Write}},
		[]model.ProcedureCall{{Proc: workload.ProcEcho, Args: []string{"a"}}})
	txnB := model.NewTransaction(2,
		[]model.KeyMode{{Key: model.NewKey("k2"), Mode: model.Write}, {Key: model.NewKey("k1"), Mode: model.Write}},
		[]model.ProcedureCall{{Proc: workload.ProcEcho, Args: []string{"b"}}})

	s.Process(txnA) // requests only k1; k2 stays queued for Drain
	s.Process(txnB) // requests only k2; k1 stays queued for Drain
	require.Equal(t, model.StatusPending, txnA.Status)
	require.Equal(t, model.StatusPending, txnB.Status)

	s.Drain()

	require.Equal(t, model.StatusAborted, txnB.Status, "DDR breaks the cycle by aborting the higher txn id")
	require.Equal(t, model.AbortDeadlockBreaker, txnB.AbortReason)
	require.Equal(t, model.StatusCommitted, txnA.Status)

	var sawCommit, sawAbort bool
	for _, r := range bus.results[self] {
		switch r.Id {
		case txnA.Id:
			sawCommit = true
		case txnB.Id:
			sawAbort = true
		}
	}
	require.True(t, sawCommit)
	require.True(t, sawAbort)
}

func TestSchedulerRemasterCommitUpdatesMetadata(t *testing.T) {
	locks := lockmgr.NewFIFOLockManager()
	grid := model.NewGrid(1, 1, 1)
	topo := topology.New(grid)
	self := grid.MachineId(0, 0, 0)
	store := storage.NewMemoryStore()
	w := worker.New(store, workload.Default(), stats.NewCounters(nil))
	bus := newFakeBus()
	remaster := &noopRemaster{}
	metadata := model.NewMetadataStore()
	metadata.Set(model.NewKey("k1"), model.Metadata{MasterRegion: 0, Counter: 0})
	s := New(self, topo, locks, w, metadata, stats.NewCounters(nil), bus, remaster)
	bus.schedulers[self] = s

	txn := model.NewTransaction(1, []model.KeyMode{{Key: model.NewKey("k1"), Mode: model.Write}},
		[]model.ProcedureCall{{Proc: workload.ProcRemaster}})
	txn.NewMaster = 1
	s.Process(txn)

	require.Equal(t, model.StatusCommitted, txn.Status)
	require.Len(t, remaster.proposed, 1)

	s.OnRemasterCommit(0, remaster.proposed[0], self)

	md, ok := metadata.Lookup(model.NewKey("k1"))
	require.True(t, ok)
	require.Equal(t, 1, md.MasterRegion)
	require.Equal(t, uint64(1), md.Counter)
}

func TestSchedulerStatsReflectActiveHolders(t *testing.T) {
	s, _, _ := newSingleMachineScheduler(t, lockmgr.NewFIFOLockManager())
	snap := s.Stats()
	require.Equal(t, int64(0), snap["active_txns"])
	require.Equal(t, int64(0), snap["num_locked_keys"])
}
