/*
Package sequencer implements the Sequencer component (spec §4.3): per
home region, it accumulates single-home transactions into batches,
establishes a per-region total order over them via Paxos, and replicates
each committed batch to every partition's Orderer, in this region and
every peer region.
*/
package sequencer

import (
	"container/heap"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/bdeggleston/slogdb/internal/model"
	"github.com/bdeggleston/slogdb/internal/stats"
	"github.com/bdeggleston/slogdb/internal/topology"
)

var logger = logging.MustGetLogger("sequencer")

// Sender is the subset of the bus the Sequencer needs.
type Sender interface {
	Send(env *model.Envelope, to model.MachineId, channel model.Channel) error
	SendMulti(env *model.Envelope, to []model.MachineId, channel model.Channel) error
}

// Proposer is the one method the Sequencer needs from its region's
// ordering Paxos group. Matches paxos.Group.Propose exactly.
type Proposer interface {
	Propose(value uint64) error
}

// ClockOffsets is the one query the Sequencer needs from the clock
// synchronizer: how far ahead (or behind) a peer region's clock is
// estimated to be running, used to decide whether an arriving
// transaction belongs in the future-txn buffer (spec §4.3). A nil
// ClockOffsets disables future-txn buffering entirely (every txn
// accumulates immediately) — the correct behavior for a single-region
// deployment where there is no peer clock to be ahead of.
type ClockOffsets interface {
	OffsetOf(region int) time.Duration
}

// futureTxn is one entry in the future-txn min-heap, released once the
// local clock reaches its releaseAt time.
type futureTxn struct {
	releaseAt time.Time
	txn       *model.Transaction
}

type futureHeap []futureTxn

func (h futureHeap) Len() int            { return len(h) }
func (h futureHeap) Less(i, j int) bool  { return h[i].releaseAt.Before(h[j].releaseAt) }
func (h futureHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *futureHeap) Push(x interface{}) { *h = append(*h, x.(futureTxn)) }
func (h *futureHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Sequencer is one region-replica's batching, ordering, and replication
// engine. One instance exists per (region, replica) (spec §2).
type Sequencer struct {
	self     model.MachineId
	region   int
	replica  int
	topo     *topology.Topology
	sender   Sender
	proposer Proposer
	clock    ClockOffsets
	counters *stats.Counters

	mu           sync.Mutex
	accumulator  []*model.Transaction
	nextLocalSeq uint64
	pendingBatches map[uint64]*model.Batch
	future         futureHeap
}

func New(self model.MachineId, topo *topology.Topology, sender Sender, proposer Proposer, clock ClockOffsets, counters *stats.Counters) *Sequencer {
	region, replica, _ := topo.Grid().Coordinates(self)
	s := &Sequencer{
		self:           self,
		region:         region,
		replica:        replica,
		topo:           topo,
		sender:         sender,
		proposer:       proposer,
		clock:          clock,
		counters:       counters,
		pendingBatches: make(map[uint64]*model.Batch),
	}
	heap.Init(&s.future)
	return s
}

// Enqueue admits one forwarded transaction into this region's
// accumulator, or into the future-txn buffer if the sender's region
// clock is estimated to be running ahead of this one (spec §4.3).
func (s *Sequencer) Enqueue(fwd *model.ForwardTxn) {
	fwd.Txn.RecordTrace(model.TraceEnterSequencer)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clock != nil && fwd.FromRegion != s.region {
		if offset := s.clock.OffsetOf(fwd.FromRegion); offset > 0 {
			heap.Push(&s.future, futureTxn{releaseAt: time.Now().Add(offset), txn: fwd.Txn})
			s.counters.Incr("sequencer.future_buffered", 1)
			return
		}
	}
	s.accumulator = append(s.accumulator, fwd.Txn)
}

// ReleaseDue moves every future-buffered transaction whose release time
// has passed into the accumulator. Callers drive this on the same timer
// that drives Tick (spec §4.3 "released on scheduler timer").
func (s *Sequencer) ReleaseDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.future.Len() > 0 && !s.future[0].releaseAt.After(now) {
		item := heap.Pop(&s.future).(futureTxn)
		s.accumulator = append(s.accumulator, item.txn)
	}
}

// Tick seals the current accumulator into a Batch and proposes it to
// this region's ordering Paxos group (spec §4.3: "at every tick
// T_batch ... seal the current accumulator"). Empty accumulators are
// skipped — no empty batches are ever proposed.
func (s *Sequencer) Tick() {
	s.mu.Lock()
	if len(s.accumulator) == 0 {
		s.mu.Unlock()
		return
	}
	seq := s.nextLocalSeq
	s.nextLocalSeq++
	batch := &model.Batch{Id: model.BatchId{Region: s.region, LocalSeq: seq}, Txns: s.accumulator}
	s.accumulator = nil
	s.pendingBatches[seq] = batch
	s.mu.Unlock()

	s.counters.Incr("sequencer.sealed", 1)
	if err := s.proposer.Propose(seq); err != nil {
		logger.Warningf("sequencer: proposing batch %d for region %d: %v", seq, s.region, err)
	}
}

// OnCommit is the ordering Paxos group's onCommit callback. value is the
// local_seq this Sequencer proposed when it sealed the batch; since
// local_seq is assigned before proposing and this region's Sequencer is
// the only proposer for its own batches, the Paxos slot and the batch's
// local_seq advance in lockstep under the "no acceptor failure"
// assumption, so looking the batch up by value (rather than by slot) is
// sufficient and keeps the committed Batch content out of the Paxos
// value itself (the same correlation-id pattern the Scheduler uses for
// remaster proposals).
func (s *Sequencer) OnCommit(_ uint64, value uint64, _ model.MachineId) {
	s.mu.Lock()
	batch, ok := s.pendingBatches[value]
	delete(s.pendingBatches, value)
	s.mu.Unlock()
	if !ok {
		logger.Warningf("sequencer: commit for unknown batch %d in region %d", value, s.region)
		return
	}

	s.counters.Incr("sequencer.committed", 1)
	s.replicate(batch)
}

// replicate sends the committed batch to every partition's Orderer, in
// this region and every peer region, at this Sequencer's own replica
// number (spec §4.3 "multicast the batch envelope to all peer-region
// orderers").
func (s *Sequencer) replicate(batch *model.Batch) {
	grid := s.topo.Grid()
	dests := make([]model.MachineId, 0, grid.NumRegions*grid.NumPartitions)
	for r := 0; r < grid.NumRegions; r++ {
		for p := 0; p < grid.NumPartitions; p++ {
			dests = append(dests, s.topo.OrdererMachine(r, s.replica, p))
		}
	}
	env := model.NewEnvelope(s.self, &model.BatchEnvelope{Batch: *batch})
	if err := s.sender.SendMulti(env, dests, model.ChannelOrderer); err != nil {
		logger.Warningf("sequencer: replicating batch %v: %v", batch.Id, err)
	}
}

// Stats reports the Sequencer's local counters.
func (s *Sequencer) Stats() map[string]int64 {
	return s.counters.Snapshot()
}
