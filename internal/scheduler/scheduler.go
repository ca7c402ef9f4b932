/*
Package scheduler implements the Scheduler & Lock Manager component
(spec §4.5): it receives the deterministic per-partition stream, acquires
this partition's keys in a deadlock-free order, exchanges pre-image reads
with peer partitions for multi-partition transactions, dispatches ready
transactions to the Worker, and reports results upstream.
*/
package scheduler

import (
	"context"
	"sync"

	logging "github.com/op/go-logging"

	"github.com/bdeggleston/slogdb/internal/lockmgr"
	"github.com/bdeggleston/slogdb/internal/model"
	"github.com/bdeggleston/slogdb/internal/stats"
	"github.com/bdeggleston/slogdb/internal/topology"
	"github.com/bdeggleston/slogdb/internal/worker"
)

var logger = logging.MustGetLogger("scheduler")

// Sender is the subset of the bus the Scheduler needs. Kept narrow for
// tests (paxos.Sender and forwarder.Sender follow the same shape).
type Sender interface {
	Send(env *model.Envelope, to model.MachineId, channel model.Channel) error
	SendMulti(env *model.Envelope, to []model.MachineId, channel model.Channel) error
}

// RemasterProposer is the one method the Scheduler needs from the
// remaster Paxos group (spec §4.5 "Remaster"). It matches
// paxos.Group.Propose's signature exactly, so a *paxos.Group can be
// passed directly without an adapter.
type RemasterProposer interface {
	Propose(value uint64) error
}

type remasterRequest struct {
	txnId     uint64
	key       model.Key
	newRegion int
}

// txnHolder wraps the shared model.TxnHolder with the scheduler-local
// bookkeeping that decides when a transaction can be dispatched: which of
// its keys this partition owns, and which peer partitions it still owes
// or is owed a read from.
type txnHolder struct {
	*model.TxnHolder
	localKeys    map[string]bool
	peers        []model.MachineId
	needsRemote  map[string]bool // non-local keys not yet covered by a RemoteReads delivery
	pendingKeys  []model.KeyMode // local keys not yet submitted to the lock manager
}

// Scheduler is one partition's lock table, dispatch queue, and result
// path. One instance exists per (region, replica, partition) machine.
type Scheduler struct {
	self      model.MachineId
	partition int
	topo      *topology.Topology
	locks     lockmgr.LockManager
	worker    *worker.Worker
	metadata  *model.MetadataStore
	counters  *stats.Counters
	sender    Sender
	remaster  RemasterProposer

	mu                sync.Mutex
	holders           map[uint64]*txnHolder
	pendingOrder      []uint64 // ids with local keys still unsubmitted, in admission order
	admitted          map[uint64]bool // every txn id ever admitted, for duplicate suppression
	pendingRemaster   map[uint64]remasterRequest
	nextRemasterID    uint64
	onRemasterCommitted func(key model.Key)
}

// OnRemasterCommitted registers fn to be called with a key immediately
// after its mastership change commits, so a caller-supplied Forwarder can
// release transactions it buffered while that key was mid-remaster
// (spec §4.2).
func (s *Scheduler) OnRemasterCommitted(fn func(key model.Key)) {
	s.onRemasterCommitted = fn
}

func New(self model.MachineId, topo *topology.Topology, locks lockmgr.LockManager, w *worker.Worker,
	metadata *model.MetadataStore, counters *stats.Counters, sender Sender, remaster RemasterProposer) *Scheduler {
	return &Scheduler{
		self:            self,
		partition:       topo.Grid().Partition(self),
		topo:            topo,
		locks:           locks,
		worker:          w,
		metadata:        metadata,
		counters:        counters,
		sender:          sender,
		remaster:        remaster,
		holders:         make(map[uint64]*txnHolder),
		pendingRemaster: make(map[uint64]remasterRequest),
	}
}

// Process admits txn into this partition's scheduler (spec §4.5
// Process(txn): idempotent per txn_id; a second arrival is dropped).
func (s *Scheduler) Process(txn *model.Transaction) {
	s.mu.Lock()
	if s.admitted[txn.Id] {
		s.mu.Unlock()
		s.counters.Incr("scheduler.duplicate_arrival", 1)
		return
	}

	localKeys := make(map[string]bool)
	needsRemote := make(map[string]bool)
	peerSet := make(map[model.MachineId]bool)
	for _, km := range txn.Keys {
		p := s.topo.PartitionOf(km.Key)
		if p == s.partition {
			localKeys[km.Key.String()] = true
		} else {
			needsRemote[km.Key.String()] = true
			_, replica, _ := s.topo.Grid().Coordinates(s.self)
			peerSet[s.topo.Grid().MachineId(s.topo.Grid().Region(s.self), replica, p)] = true
		}
	}
	if len(localKeys) == 0 {
		// Wrong-home: this partition owns none of txn's keys (spec §7).
		s.mu.Unlock()
		logger.Warningf("scheduler: txn %d has no keys local to partition %d, dropping", txn.Id, s.partition)
		s.counters.Incr("scheduler.wrong_home", 1)
		return
	}

	peers := make([]model.MachineId, 0, len(peerSet))
	for m := range peerSet {
		peers = append(peers, m)
	}

	keys := make([]model.KeyMode, 0, len(localKeys))
	for _, km := range txn.Keys {
		if localKeys[km.Key.String()] {
			keys = append(keys, km)
		}
	}

	h := &txnHolder{
		TxnHolder:   model.NewTxnHolder(txn, 1+len(peerSet)),
		localKeys:   localKeys,
		peers:       peers,
		needsRemote: needsRemote,
		pendingKeys: keys,
	}
	h.State = model.HolderLocksRequested
	s.holders[txn.Id] = h
	if s.admitted == nil {
		s.admitted = make(map[uint64]bool)
	}
	s.admitted[txn.Id] = true
	s.pendingOrder = append(s.pendingOrder, txn.Id)
	s.mu.Unlock()

	txn.RecordTrace(model.TraceEnterSchedulerLM)

	// Only this holder's first local key is actually requested here; the
	// rest stay in h.pendingKeys until Drain gives every holder admitted
	// around the same time a turn, one key at a time, instead of letting
	// whichever txn arrived first claim its whole key set uncontested.
	// Without that, two txns racing for the same two keys in opposite
	// order can never form a wait-for cycle through this entry point:
	// the first one processed would always finish and release before the
	// second is even considered (spec §8 scenario 4, DDR mode).
	s.admitNextKey(h)
}

// admitNextKey submits h's next not-yet-requested local key to the lock
// manager, one key per call. Once h has no local keys left to submit, it
// is fully locally granted as soon as result.Ready comes back true; if
// it is still queued on that last key, finish's waiter-promotion loop
// will call onLocalLocksGranted for it once the key frees up.
func (s *Scheduler) admitNextKey(h *txnHolder) {
	if len(h.pendingKeys) == 0 {
		return
	}
	key := h.pendingKeys[0]
	h.pendingKeys = h.pendingKeys[1:]
	done := len(h.pendingKeys) == 0

	result := s.locks.Acquire(h.Txn.Id, []model.KeyMode{key})
	for _, abortedId := range result.Aborted {
		s.abortByDeadlockBreaker(abortedId)
	}
	s.handlePromoted(result.Promoted)
	if h.Txn.Status == model.StatusAborted {
		return
	}
	if done {
		s.removePending(h.Txn.Id)
		if result.Ready {
			s.onLocalLocksGranted(h)
		}
	}
}

// handlePromoted reacts to bystanders a DDR abort cascade moved from
// waiter to holder on every key they had outstanding (lockmgr.Result's
// Promoted field): a holder only dispatches once every local key it
// owns has actually been submitted, so a bystander still mid
// round-robin (pendingKeys not yet empty) is left alone for Drain to
// keep advancing rather than being dispatched early.
func (s *Scheduler) handlePromoted(ids []uint64) {
	for _, id := range ids {
		s.mu.Lock()
		h, ok := s.holders[id]
		s.mu.Unlock()
		if !ok || h.State != model.HolderLocksRequested || len(h.pendingKeys) > 0 {
			continue
		}
		s.removePending(id)
		s.onLocalLocksGranted(h)
	}
}

// Drain gives every holder still waiting to submit a local key one more
// key request, walking pendingOrder (admission order) each pass, and
// repeats passes until nothing is left to submit. Two txns admitted in
// the same pass therefore request their keys round-robin rather than
// one draining its full key list before the other gets a turn, which is
// what lets a genuine wait-for cycle form between them deterministically
// (the round boundaries are driven by admission order, not goroutine
// scheduling, so every replica processing the same input sees the same
// interleaving). The caller (the Orderer, once it has emitted everything
// immediately ready) is responsible for calling this after admitting a
// batch of simultaneously-ready transactions.
func (s *Scheduler) Drain() {
	for {
		s.mu.Lock()
		order := append([]uint64(nil), s.pendingOrder...)
		s.mu.Unlock()

		progressed := false
		for _, id := range order {
			s.mu.Lock()
			h, ok := s.holders[id]
			s.mu.Unlock()
			if !ok || h.State != model.HolderLocksRequested || len(h.pendingKeys) == 0 {
				continue
			}
			s.admitNextKey(h)
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

func (s *Scheduler) removePending(txnId uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.pendingOrder {
		if id == txnId {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			return
		}
	}
}

// abortByDeadlockBreaker marks a DDR cycle victim aborted and finishes
// it on this partition if it is currently held here.
func (s *Scheduler) abortByDeadlockBreaker(txnId uint64) {
	s.mu.Lock()
	h, ok := s.holders[txnId]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.removePending(txnId)
	h.Txn.Abort(model.AbortDeadlockBreaker)
	s.counters.Incr("scheduler.abort.deadlock_breaker", 1)
	s.finish(h)
}

// onLocalLocksGranted runs once this partition's portion of txn's locks
// are all held: it shares this partition's pre-images with every peer
// partition involved, then checks whether dispatch can proceed.
func (s *Scheduler) onLocalLocksGranted(h *txnHolder) {
	h.State = model.HolderReady
	s.mu.Lock()
	for _, km := range h.Txn.Keys {
		if h.localKeys[km.Key.String()] {
			h.LocksHeld[km.Key.String()] = km.Mode
		}
	}
	s.mu.Unlock()

	if len(h.peers) > 0 {
		values := s.peekLocalValues(h)
		env := model.NewEnvelope(s.self, &model.RemoteReads{TxnId: h.Txn.Id, Values: values})
		if err := s.sender.SendMulti(env, h.peers, model.ChannelScheduler); err != nil {
			logger.Warningf("scheduler: failed sharing reads for txn %d: %v", h.Txn.Id, err)
		}
	}

	s.maybeDispatch(h)
}

// peekLocalValues reads (without mutating) the current value of every
// locally-owned key txn declared, for peer partitions that need it as
// part of their own pre-image. A missing key is still included (as a nil
// value) so the receiving partition's needsRemote bookkeeping sees a
// positive response rather than silence indistinguishable from "not
// sent yet".
func (s *Scheduler) peekLocalValues(h *txnHolder) map[string][]byte {
	ctx := context.Background()
	out := make(map[string][]byte)
	for _, km := range h.Txn.Keys {
		ks := km.Key.String()
		if !h.localKeys[ks] {
			continue
		}
		v, _, err := s.worker.Peek(ctx, km.Key)
		if err != nil {
			logger.Warningf("scheduler: peeking local key %q for txn %d: %v", ks, h.Txn.Id, err)
			continue
		}
		out[ks] = v
	}
	return out
}

// HandleRemoteReads merges a peer partition's contribution into the
// holder's pre-image buffer and dispatches once nothing is outstanding.
func (s *Scheduler) HandleRemoteReads(rr *model.RemoteReads) {
	s.mu.Lock()
	h, ok := s.holders[rr.TxnId]
	s.mu.Unlock()
	if !ok {
		return
	}
	for k, v := range rr.Values {
		h.RemoteReads[k] = v
		delete(h.needsRemote, k)
	}
	if h.State == model.HolderReady {
		s.maybeDispatch(h)
	}
}

func (s *Scheduler) maybeDispatch(h *txnHolder) {
	if h.State != model.HolderReady || len(h.needsRemote) > 0 {
		return
	}
	s.dispatch(h)
}

// dispatch runs the ready transaction against this partition's Worker,
// triggers any remaster this partition's keys are party to, and finishes
// the transaction on this partition.
func (s *Scheduler) dispatch(h *txnHolder) {
	h.State = model.HolderDispatched
	h.Txn.RecordTrace(model.TraceDispatched)
	s.counters.Incr("scheduler.dispatched", 1)

	ctx := context.Background()
	if err := s.worker.ExecuteOwning(ctx, h.Txn, h.RemoteReads, h.localKeys); err != nil {
		logger.Warningf("scheduler: execute txn %d: %v", h.Txn.Id, err)
		h.Txn.Abort(model.AbortMalformedInput)
	}
	h.State = model.HolderExecuted

	if h.Txn.Status == model.StatusCommitted && h.Txn.NewMaster != model.NoRemaster {
		s.proposeRemasterForLocalKeys(h)
	}

	s.finish(h)
}

func (s *Scheduler) proposeRemasterForLocalKeys(h *txnHolder) {
	for _, km := range h.Txn.Keys {
		if !h.localKeys[km.Key.String()] {
			continue
		}
		s.metadata.BeginRemaster(km.Key)

		s.mu.Lock()
		id := s.nextRemasterID
		s.nextRemasterID++
		s.pendingRemaster[id] = remasterRequest{txnId: h.Txn.Id, key: km.Key, newRegion: h.Txn.NewMaster}
		s.mu.Unlock()

		if err := s.remaster.Propose(id); err != nil {
			logger.Warningf("scheduler: proposing remaster of %q to region %d: %v", km.Key, h.Txn.NewMaster, err)
		}
	}
}

// OnRemasterCommit is the remaster Paxos group's onCommit callback: it
// resolves one pending proposal by its correlation id (the opaque value
// Paxos agreed on) and commits the new mastership atomically.
func (s *Scheduler) OnRemasterCommit(_ uint64, value uint64, _ model.MachineId) {
	s.mu.Lock()
	req, ok := s.pendingRemaster[value]
	delete(s.pendingRemaster, value)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.metadata.CommitRemaster(req.key, req.newRegion)
	s.counters.Incr("scheduler.remaster_committed", 1)
	if s.onRemasterCommitted != nil {
		s.onRemasterCommitted(req.key)
	}
}

// finish releases every lock txnId holds on this partition, wakes any
// transactions that become ready as a result, and emits the result
// envelope toward the Server (spec §4.5).
func (s *Scheduler) finish(h *txnHolder) {
	released := s.locks.Release(h.Txn.Id)
	h.State = model.HolderReleased

	s.mu.Lock()
	delete(s.holders, h.Txn.Id)
	s.mu.Unlock()

	for _, id := range released {
		s.mu.Lock()
		waiter, ok := s.holders[id]
		s.mu.Unlock()
		if ok && waiter.State == model.HolderLocksRequested {
			s.onLocalLocksGranted(waiter)
		}
	}

	h.State = model.HolderDone
	env := model.NewEnvelope(s.self, &model.TxnResult{Txn: h.Txn})
	if err := s.sender.Send(env, s.self, model.ChannelServer); err != nil {
		logger.Warningf("scheduler: delivering result for txn %d: %v", h.Txn.Id, err)
	}
	if h.Txn.Status == model.StatusCommitted {
		s.counters.Incr("scheduler.committed", 1)
	} else {
		s.counters.Incr("scheduler.aborted", 1)
	}
}

// Stats reports this partition's lock-manager-facing view for
// Request.stats (spec §8 scenario 6: "active_txns" and "num_locked_keys").
func (s *Scheduler) Stats() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	locked := 0
	for _, h := range s.holders {
		locked += len(h.LocksHeld)
	}
	return map[string]int64{
		"active_txns":     int64(len(s.holders)),
		"num_locked_keys": int64(locked),
	}
}
