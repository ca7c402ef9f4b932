/*
Package orderer implements the Multi-Home Orderer component (spec §4.4):
on every partition, it deterministically interleaves the single-home
batch streams from every region with the global multi-home (MH) stream,
producing the canonical execution order this partition's Scheduler
consumes.
*/
package orderer

import (
	"sort"
	"sync"

	logging "github.com/op/go-logging"

	"github.com/bdeggleston/slogdb/internal/model"
	"github.com/bdeggleston/slogdb/internal/stats"
	"github.com/bdeggleston/slogdb/internal/topology"
)

var logger = logging.MustGetLogger("orderer")

// Sender is the subset of the bus the Orderer needs.
type Sender interface {
	Send(env *model.Envelope, to model.MachineId, channel model.Channel) error
	SendMulti(env *model.Envelope, to []model.MachineId, channel model.Channel) error
}

// Proposer is the one method the Orderer needs from this partition's MH
// ordering Paxos group (one such group exists per (replica, partition),
// its acceptors being that partition's Orderer machine in every region).
type Proposer interface {
	Propose(value uint64) error
}

// regionCursor tracks how far one region's SH batch stream has been
// drained into the canonical order.
type regionCursor struct {
	batches        []*model.Batch
	batchIdx       int
	txnIdx         int
	lastFullySeq   uint64
	haveFullySeq   bool
}

// Orderer is one partition's deterministic merge point. One instance
// exists per (region, replica, partition) (spec §4.4 "on every
// partition").
type Orderer struct {
	self      model.MachineId
	region    int
	replica   int
	partition int
	topo      *topology.Topology
	metadata  *model.MetadataStore
	sender    Sender
	mhGroup   Proposer
	counters  *stats.Counters
	onEmit    func(txn *model.Transaction)
	onSettled func()

	mu            sync.Mutex
	regions       map[int]*regionCursor
	mhQueue       []*model.MhTxnArrived
	mhIdx         int
	pendingMh     map[uint64]*model.MhTxnArrived
	nextMhID      uint64
	seenMhTxn     map[uint64]bool // txn ids already queued, for forward-duplicate suppression
}

func New(self model.MachineId, topo *topology.Topology, metadata *model.MetadataStore, sender Sender, mhGroup Proposer,
	counters *stats.Counters, onEmit func(txn *model.Transaction)) *Orderer {
	region, replica, partition := topo.Grid().Coordinates(self)
	o := &Orderer{
		self:      self,
		region:    region,
		replica:   replica,
		partition: partition,
		topo:      topo,
		metadata:  metadata,
		sender:    sender,
		mhGroup:   mhGroup,
		counters:  counters,
		onEmit:    onEmit,
		regions:   make(map[int]*regionCursor),
		pendingMh: make(map[uint64]*model.MhTxnArrived),
		seenMhTxn: make(map[uint64]bool),
	}
	return o
}

// SetOnSettled registers fn to be called every time tryEmit has drained
// everything currently ready to emit. The Scheduler wires its Drain
// method here so that every transaction admitted in one deterministic
// burst gets a chance to request its remaining local keys round-robin
// with its batch-mates before any of them is allowed to race ahead
// (spec §8 scenario 4, DDR mode). Optional: a nil onSettled is simply
// never called.
func (o *Orderer) SetOnSettled(fn func()) {
	o.onSettled = fn
}

func (o *Orderer) homeRegion(k model.Key) int {
	if md, ok := o.metadata.Lookup(k); ok {
		return md.MasterRegion
	}
	return o.region
}

// HandleBatch admits a committed single-home batch replicated from some
// region's Sequencer (spec §4.4: "per-region queues of committed SH
// batches (ordered by local_seq)"). Batches for a given region arrive in
// order (the bus's FIFO guarantee on the sender/receiver pair), so no
// reordering is needed here.
func (o *Orderer) HandleBatch(batch *model.Batch) {
	o.mu.Lock()
	c := o.regions[batch.Id.Region]
	if c == nil {
		c = &regionCursor{}
		o.regions[batch.Id.Region] = c
	}
	c.batches = append(c.batches, batch)
	o.mu.Unlock()

	o.counters.Incr("orderer.batch_received", 1)
	o.tryEmit()
}

// HandleForwardTxn admits a multi-home transaction notification from the
// Forwarder (spec §4.2 "plus the MH orderer input queue"). Only the
// orderer instance in the transaction's lowest-numbered involved region
// proposes an MH ordering slot; every other involved region's orderer
// instance waits for that proposal's MhTxnArrived broadcast instead, so
// a given MH transaction is never proposed twice to the same
// per-partition MH Paxos group.
func (o *Orderer) HandleForwardTxn(fwd *model.ForwardTxn) {
	regions := fwd.Txn.RegionsInvolved(o.homeRegion)
	if len(regions) < 2 {
		return // not actually multi-home; nothing for the orderer to do
	}
	sort.Ints(regions)
	if regions[0] != o.region {
		return
	}

	o.mu.Lock()
	if o.seenMhTxn[fwd.Txn.Id] {
		o.mu.Unlock()
		return
	}
	o.seenMhTxn[fwd.Txn.Id] = true

	obs := make(map[int]uint64, len(regions))
	for _, r := range regions {
		obs[r] = o.observedSeqLocked(r)
	}
	id := o.nextMhID
	o.nextMhID++
	o.pendingMh[id] = &model.MhTxnArrived{Txn: fwd.Txn, ObservationPoints: obs}
	o.mu.Unlock()

	o.counters.Incr("orderer.mh_proposed", 1)
	if err := o.mhGroup.Propose(id); err != nil {
		logger.Warningf("orderer: proposing mh ordering for txn %d: %v", fwd.Txn.Id, err)
	}
}

// observedSeqLocked returns the local_seq of the last batch from region
// r that is already fully drained, or 0 if none has been drained yet —
// i.e. "how far this region's
// stream has been durably observed at this instant" (spec §4.4
// "observation point ... captured at MH propose time"). Caller holds mu.
func (o *Orderer) observedSeqLocked(region int) uint64 {
	c := o.regions[region]
	if c == nil || !c.haveFullySeq {
		return 0
	}
	return c.lastFullySeq
}

// OnMhCommit is the per-partition MH Paxos group's onCommit callback: it
// resolves the correlation id back to the buffered MhTxnArrived, assigns
// it the committed slot, and broadcasts it to this partition's Orderer
// instance in every region so every copy of the canonical order sees the
// same MH transaction at the same point (spec §4.4).
func (o *Orderer) OnMhCommit(slot uint64, value uint64, _ model.MachineId) {
	o.mu.Lock()
	arrived, ok := o.pendingMh[value]
	delete(o.pendingMh, value)
	o.mu.Unlock()
	if !ok {
		logger.Warningf("orderer: mh commit for unknown correlation id %d", value)
		return
	}
	arrived.MhSlot = slot

	grid := o.topo.Grid()
	dests := make([]model.MachineId, grid.NumRegions)
	for r := 0; r < grid.NumRegions; r++ {
		dests[r] = grid.MachineId(r, o.replica, o.partition)
	}
	env := model.NewEnvelope(o.self, arrived)
	if err := o.sender.SendMulti(env, dests, model.ChannelOrderer); err != nil {
		logger.Warningf("orderer: broadcasting mh arrival for txn %d: %v", arrived.Txn.Id, err)
	}
}

// HandleMhTxnArrived admits the broadcast announcement of a committed MH
// ordering slot into this instance's MH queue.
func (o *Orderer) HandleMhTxnArrived(m *model.MhTxnArrived) {
	o.mu.Lock()
	o.mhQueue = append(o.mhQueue, m)
	sort.Slice(o.mhQueue, func(i, j int) bool { return o.mhQueue[i].MhSlot < o.mhQueue[j].MhSlot })
	o.mu.Unlock()

	o.tryEmit()
}

// tryEmit drains every transaction that has become ready since the last
// call, in canonical order: an MH transaction emits the instant every
// involved region's SH stream has caught up to its observation point;
// otherwise the next available SH head (scanned region-ascending) emits.
// This rule, applied identically against identical replicated input on
// every partition, is what makes the produced order canonical (spec
// §4.4 "the comparator is total and identical on every partition").
func (o *Orderer) tryEmit() {
	for {
		o.mu.Lock()
		if txn := o.nextMhIfReadyLocked(); txn != nil {
			o.mu.Unlock()
			o.emit(txn)
			continue
		}
		txn, region := o.nextShLocked()
		if txn != nil {
			o.advanceShLocked(region)
			o.mu.Unlock()
			o.emit(txn)
			continue
		}
		// nextShLocked can advance a region cursor's lastFullySeq as a
		// side effect (a batch finished draining) even with nothing left
		// to emit from it; that alone can make a queued MH txn ready, so
		// it needs a recheck before giving up.
		if txn := o.nextMhIfReadyLocked(); txn != nil {
			o.mu.Unlock()
			o.emit(txn)
			continue
		}
		o.mu.Unlock()
		if o.onSettled != nil {
			o.onSettled()
		}
		return
	}
}

func (o *Orderer) nextMhIfReadyLocked() *model.Transaction {
	if o.mhIdx >= len(o.mhQueue) {
		return nil
	}
	head := o.mhQueue[o.mhIdx]
	for region, obs := range head.ObservationPoints {
		if o.observedSeqLocked(region) < obs {
			return nil
		}
	}
	o.mhIdx++
	return head.Txn
}

func (o *Orderer) nextShLocked() (*model.Transaction, int) {
	regionIds := make([]int, 0, len(o.regions))
	for r := range o.regions {
		regionIds = append(regionIds, r)
	}
	sort.Ints(regionIds)
	for _, r := range regionIds {
		c := o.regions[r]
		for c.batchIdx < len(c.batches) {
			b := c.batches[c.batchIdx]
			if c.txnIdx < len(b.Txns) {
				return b.Txns[c.txnIdx], r
			}
			c.batchIdx++
			c.txnIdx = 0
			c.lastFullySeq = b.Id.LocalSeq
			c.haveFullySeq = true
		}
	}
	return nil, -1
}

func (o *Orderer) advanceShLocked(region int) {
	c := o.regions[region]
	c.txnIdx++
}

func (o *Orderer) emit(txn *model.Transaction) {
	txn.RecordTrace(model.TraceEnterOrderer)
	o.counters.Incr("orderer.emitted", 1)
	o.onEmit(txn)
}

// Stats reports the Orderer's local counters.
func (o *Orderer) Stats() map[string]int64 {
	return o.counters.Snapshot()
}
