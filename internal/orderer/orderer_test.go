package orderer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/slogdb/internal/model"
	"github.com/bdeggleston/slogdb/internal/stats"
	"github.com/bdeggleston/slogdb/internal/topology"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*model.MhTxnArrived
}

func (s *fakeSender) Send(env *model.Envelope, to model.MachineId, channel model.Channel) error {
	return s.SendMulti(env, []model.MachineId{to}, channel)
}

func (s *fakeSender) SendMulti(env *model.Envelope, tos []model.MachineId, channel model.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := env.Payload.(*model.MhTxnArrived); ok {
		s.sent = append(s.sent, m)
	}
	return nil
}

type fakeMhProposer struct {
	onCommit func(slot, value uint64, leader model.MachineId)
	next     uint64
	calls    int
}

func (p *fakeMhProposer) Propose(value uint64) error {
	p.calls++
	p.next++
	p.onCommit(p.next, value, 0)
	return nil
}

func txnOn(id uint64, keys ...string) *model.Transaction {
	kms := make([]model.KeyMode, len(keys))
	for i, k := range keys {
		kms[i] = model.KeyMode{Key: model.NewKey(k), Mode: model.Write}
	}
	return model.NewTransaction(id, kms, nil)
}

func batch(region int, seq uint64, txns ...*model.Transaction) *model.Batch {
	return &model.Batch{Id: model.BatchId{Region: region, LocalSeq: seq}, Txns: txns}
}

func newTestOrderer(t *testing.T) (*Orderer, *fakeSender, *fakeMhProposer, *model.MetadataStore, *[]*model.Transaction) {
	t.Helper()
	grid := model.NewGrid(2, 1, 1)
	topo := topology.New(grid)
	self := grid.MachineId(0, 0, 0)
	metadata := model.NewMetadataStore()
	sender := &fakeSender{}
	proposer := &fakeMhProposer{}

	var emitted []*model.Transaction
	var mu sync.Mutex
	o := New(self, topo, metadata, sender, proposer, stats.NewCounters(nil), func(txn *model.Transaction) {
		mu.Lock()
		emitted = append(emitted, txn)
		mu.Unlock()
	})
	proposer.onCommit = o.OnMhCommit
	return o, sender, proposer, metadata, &emitted
}

func TestOrdererEmitsSingleHomeBatchesInOrder(t *testing.T) {
	o, _, _, _, emitted := newTestOrderer(t)

	t1, t2 := txnOn(1, "a"), txnOn(2, "a")
	o.HandleBatch(batch(0, 0, t1, t2))

	require.Equal(t, []*model.Transaction{t1, t2}, *emitted)
}

func TestOrdererOrdersAcrossRegionsByRegionNumber(t *testing.T) {
	o, _, _, _, emitted := newTestOrderer(t)

	r1txn := txnOn(1, "a")
	r0txn := txnOn(2, "b")
	o.HandleBatch(batch(1, 0, r1txn))
	o.HandleBatch(batch(0, 0, r0txn))

	require.Equal(t, []*model.Transaction{r0txn, r1txn}, *emitted)
}

func TestOrdererOnlyLowestRegionProposesMh(t *testing.T) {
	grid := model.NewGrid(2, 1, 1)
	topo := topology.New(grid)
	metadata := model.NewMetadataStore()
	metadata.Set(model.NewKey("a"), model.Metadata{MasterRegion: 0})
	metadata.Set(model.NewKey("b"), model.Metadata{MasterRegion: 1})

	mkOrderer := func(region int) (*Orderer, *fakeMhProposer) {
		self := grid.MachineId(region, 0, 0)
		proposer := &fakeMhProposer{}
		o := New(self, topo, metadata, &fakeSender{}, proposer, stats.NewCounters(nil), func(*model.Transaction) {})
		proposer.onCommit = o.OnMhCommit
		return o, proposer
	}

	region0, proposer0 := mkOrderer(0)
	region1, proposer1 := mkOrderer(1)

	txn := txnOn(1, "a", "b")
	region0.HandleForwardTxn(&model.ForwardTxn{Txn: txn, FromRegion: 0})
	region1.HandleForwardTxn(&model.ForwardTxn{Txn: txn, FromRegion: 0})

	require.Equal(t, 1, proposer0.calls)
	require.Equal(t, 0, proposer1.calls)
}

// TestOrdererMhWaitsForRemoteObservationPoint exercises the cross-region
// case that actually blocks: region0 proposes an MH txn after its own
// stream has already drained past local_seq 1, so the commit's
// ObservationPoints for region 0 is 1. Region1's orderer instance
// receives the MhTxnArrived broadcast before it has replicated any of
// region 0's batches, so it must hold the MH txn back until those
// batches arrive and its own region-0 cursor catches up.
func TestOrdererMhWaitsForRemoteObservationPoint(t *testing.T) {
	grid := model.NewGrid(2, 1, 1)
	topo := topology.New(grid)
	metadata := model.NewMetadataStore()
	metadata.Set(model.NewKey("a"), model.Metadata{MasterRegion: 0})
	metadata.Set(model.NewKey("b"), model.Metadata{MasterRegion: 1})

	var region0Emitted, region1Emitted []*model.Transaction

	proposer0 := &fakeMhProposer{}
	region0 := New(grid.MachineId(0, 0, 0), topo, metadata, &fakeSender{}, proposer0, stats.NewCounters(nil),
		func(txn *model.Transaction) { region0Emitted = append(region0Emitted, txn) })
	proposer0.onCommit = region0.OnMhCommit

	sender1 := &fakeSender{}
	proposer1 := &fakeMhProposer{}
	region1 := New(grid.MachineId(1, 0, 0), topo, metadata, sender1, proposer1, stats.NewCounters(nil),
		func(txn *model.Transaction) { region1Emitted = append(region1Emitted, txn) })
	proposer1.onCommit = region1.OnMhCommit

	r0Batch0 := batch(0, 0, txnOn(100, "a"))
	r0Batch1 := batch(0, 1, txnOn(101, "a"))
	region0.HandleBatch(r0Batch0)
	region0.HandleBatch(r0Batch1)
	require.Len(t, region0Emitted, 2, "region0's own stream must have drained both batches before proposing")

	mhTxn := txnOn(1, "a", "b")
	region0.HandleForwardTxn(&model.ForwardTxn{Txn: mhTxn, FromRegion: 0})
	require.Equal(t, 1, proposer0.calls)

	// region1's instance never saw region0's batches, so delivering the
	// arrival alone must not make the MH txn ready.
	region1.HandleMhTxnArrived(&model.MhTxnArrived{
		Txn:               mhTxn,
		MhSlot:            1,
		ObservationPoints: map[int]uint64{0: 1, 1: 0},
	})
	require.Empty(t, region1Emitted, "mh txn must wait for region1's own region-0 cursor to catch up")

	region1.HandleBatch(r0Batch0)
	region1.HandleBatch(r0Batch1)

	require.Equal(t, []*model.Transaction{r0Batch0.Txns[0], r0Batch1.Txns[0], mhTxn}, region1Emitted[:3])
}

func TestOrdererStatsCountsEmissions(t *testing.T) {
	o, _, _, _, _ := newTestOrderer(t)
	o.HandleBatch(batch(0, 0, txnOn(1, "a"), txnOn(2, "a")))
	require.Equal(t, int64(2), o.Stats()["orderer.emitted"])
}
