package lockmgr

import (
	"sync"

	"github.com/bdeggleston/slogdb/internal/model"
)

// waiter is one (txn, mode) entry in a key's FIFO queue.
type waiter struct {
	txnId   uint64
	mode    model.Mode
	granted bool
}

// keyQueue is the ordered list of waiters for one key, recomputed after
// every insertion or removal.
type keyQueue struct {
	waiters []*waiter
}

// recompute walks the queue front-to-back and grants the longest
// compatible prefix: any run of readers at the front are all granted
// together; a writer is granted only if it is first; once an entry is
// found that cannot be granted, every entry behind it also waits, even
// if a later entry's mode would otherwise be compatible with what's
// currently granted. This is what gives OLD/RMA its FIFO fairness
// guarantee (spec §8): a request never jumps an incompatible,
// earlier-arrived request.
func (q *keyQueue) recompute() (becameGranted []uint64) {
	blocked := false
	writerActive := false
	readersActive := 0

	for _, w := range q.waiters {
		wasGranted := w.granted
		if blocked {
			w.granted = false
			continue
		}
		switch w.mode {
		case model.Write:
			if readersActive == 0 && !writerActive {
				w.granted = true
				writerActive = true
			} else {
				w.granted = false
			}
			blocked = true
		default: // Read
			if writerActive {
				w.granted = false
				blocked = true
			} else {
				w.granted = true
				readersActive++
			}
		}
		if w.granted && !wasGranted {
			becameGranted = append(becameGranted, w.txnId)
		}
	}
	return becameGranted
}

func (q *keyQueue) enqueue(txnId uint64, mode model.Mode) {
	for _, w := range q.waiters {
		if w.txnId == txnId {
			return
		}
	}
	q.waiters = append(q.waiters, &waiter{txnId: txnId, mode: mode})
}

func (q *keyQueue) remove(txnId uint64) {
	out := q.waiters[:0]
	for _, w := range q.waiters {
		if w.txnId != txnId {
			out = append(out, w)
		}
	}
	q.waiters = out
}

func (q *keyQueue) isGranted(txnId uint64) bool {
	for _, w := range q.waiters {
		if w.txnId == txnId {
			return w.granted
		}
	}
	return false
}

// txnState tracks, per transaction, which of its requested keys are
// currently granted so Acquire/Release can tell overall readiness apart
// from per-key readiness.
type txnState struct {
	keys        []model.KeyMode
	grantedKeys map[string]bool
}

func (t *txnState) ready() bool {
	for _, km := range t.keys {
		if !t.grantedKeys[km.Key.String()] {
			return false
		}
	}
	return true
}

// FIFOLockManager implements the OLD/RMA queue-per-key scheme (spec
// §4.5). RMA reuses it unchanged: the spec's RMA/OLD distinction is about
// when a request is additionally gated on remote-read completion, which
// is the Scheduler's concern, not the lock table's.
type FIFOLockManager struct {
	mu     sync.Mutex
	queues map[string]*keyQueue
	txns   map[uint64]*txnState
}

func NewFIFOLockManager() *FIFOLockManager {
	return &FIFOLockManager{
		queues: make(map[string]*keyQueue),
		txns:   make(map[uint64]*txnState),
	}
}

var _ LockManager = (*FIFOLockManager)(nil)

// Acquire requests keys on behalf of txnId. A txnId seen before has any
// keys not already tracked merged into its outstanding request (so a
// transaction can grow its lock set across calls as more of it becomes
// known); keys already requested are left untouched.
func (m *FIFOLockManager) Acquire(txnId uint64, keys []model.KeyMode) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.txns[txnId]
	if !ok {
		ts = &txnState{grantedKeys: make(map[string]bool)}
		m.txns[txnId] = ts
	}

	for _, km := range keys {
		ks := km.Key.String()
		if _, seen := ts.grantedKeys[ks]; seen {
			continue
		}
		ts.keys = append(ts.keys, km)

		q, ok := m.queues[ks]
		if !ok {
			q = &keyQueue{}
			m.queues[ks] = q
		}
		q.enqueue(txnId, km.Mode)
		q.recompute()
		ts.grantedKeys[ks] = q.isGranted(txnId)
	}

	return Result{Ready: ts.ready()}
}

func (m *FIFOLockManager) Release(txnId uint64) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.txns[txnId]
	if !ok {
		return nil
	}
	delete(m.txns, txnId)

	becameGrantedSet := make(map[uint64]bool)
	for _, km := range ts.keys {
		ks := km.Key.String()
		q, ok := m.queues[ks]
		if !ok {
			continue
		}
		q.remove(txnId)
		for _, id := range q.recompute() {
			becameGrantedSet[id] = true
		}
		if len(q.waiters) == 0 {
			delete(m.queues, ks)
		}
	}

	// Update grantedKeys bookkeeping for every txn touched by the
	// recompute, then report those whose overall request is now fully
	// satisfied.
	var newlyReady []uint64
	for id := range becameGrantedSet {
		other, ok := m.txns[id]
		if !ok {
			continue
		}
		for _, km := range other.keys {
			ks := km.Key.String()
			if q, ok := m.queues[ks]; ok {
				other.grantedKeys[ks] = q.isGranted(id)
			}
		}
		if other.ready() {
			newlyReady = append(newlyReady, id)
		}
	}
	return newlyReady
}
