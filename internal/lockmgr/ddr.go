package lockmgr

import (
	"sync"

	"github.com/bdeggleston/slogdb/internal/model"
)

// ddrEntry is one holder or waiter on a key in the DDR lock table.
type ddrEntry struct {
	txnId uint64
	mode  model.Mode
}

type ddrKeyState struct {
	holders []ddrEntry
	waiters []ddrEntry
}

func compatible(holders []ddrEntry, mode model.Mode) bool {
	if len(holders) == 0 {
		return true
	}
	if mode == model.Write {
		return false
	}
	for _, h := range holders {
		if h.mode == model.Write {
			return false
		}
	}
	return true
}

func removeEntry(entries []ddrEntry, txnId uint64) []ddrEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.txnId != txnId {
			out = append(out, e)
		}
	}
	return out
}

// DDRLockManager places every request immediately and resolves deadlocks
// by detecting cycles in the wait-for graph on insertion, breaking them
// by aborting the cycle's youngest (highest id) transaction (spec §4.5).
type DDRLockManager struct {
	mu      sync.Mutex
	keys    map[string]*ddrKeyState
	txns    map[uint64]*txnState
	aborted map[uint64]bool
}

func NewDDRLockManager() *DDRLockManager {
	return &DDRLockManager{
		keys:    make(map[string]*ddrKeyState),
		txns:    make(map[uint64]*txnState),
		aborted: make(map[uint64]bool),
	}
}

var _ LockManager = (*DDRLockManager)(nil)

// Acquire places every not-yet-seen key in keys on behalf of txnId
// immediately: granted if compatible with the current holders, else
// queued as a waiter. A txnId seen before has new keys merged into its
// outstanding request rather than being treated as a no-op, so a
// transaction's lock set can grow across calls as more of it becomes
// known.
func (m *DDRLockManager) Acquire(txnId uint64, keys []model.KeyMode) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aborted[txnId] {
		return Result{Ready: false}
	}

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

		ky, ok := m.keys[ks]
		if !ok {
			ky = &ddrKeyState{}
			m.keys[ks] = ky
		}
		if compatible(ky.holders, km.Mode) {
			ky.holders = append(ky.holders, ddrEntry{txnId: txnId, mode: km.Mode})
			ts.grantedKeys[ks] = true
		} else {
			ky.waiters = append(ky.waiters, ddrEntry{txnId: txnId, mode: km.Mode})
			ts.grantedKeys[ks] = false
		}
	}

	var abortedAll []uint64
	promotedCandidates := make(map[uint64]bool)
	for {
		cycle := m.findCycle(txnId)
		if cycle == nil {
			break
		}
		victim := maxID(cycle)
		for _, id := range m.abortInternal(victim) {
			promotedCandidates[id] = true
		}
		abortedAll = append(abortedAll, victim)
		delete(promotedCandidates, victim)
		if victim == txnId {
			return Result{Ready: false, Aborted: abortedAll, Promoted: m.readyCandidates(promotedCandidates, txnId)}
		}
	}
	return Result{Ready: ts.ready(), Aborted: abortedAll, Promoted: m.readyCandidates(promotedCandidates, txnId)}
}

// readyCandidates filters candidates (transactions a DDR abort cascade
// moved from waiter to holder on some key) down to the ones now fully
// ready, excluding the caller itself (whose readiness the Result.Ready
// field already reports) and anything aborted.
func (m *DDRLockManager) readyCandidates(candidates map[uint64]bool, caller uint64) []uint64 {
	var out []uint64
	for id := range candidates {
		if id == caller || m.aborted[id] {
			continue
		}
		if ts, ok := m.txns[id]; ok && ts.ready() {
			out = append(out, id)
		}
	}
	return out
}

func (m *DDRLockManager) Release(txnId uint64) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.txns[txnId]
	if !ok {
		return nil
	}
	delete(m.txns, txnId)

	touched := make(map[string]bool)
	candidates := make(map[uint64]bool)
	for _, km := range ts.keys {
		ks := km.Key.String()
		ky, ok := m.keys[ks]
		if !ok {
			continue
		}
		ky.holders = removeEntry(ky.holders, txnId)
		ky.waiters = removeEntry(ky.waiters, txnId)
		touched[ks] = true
		for _, w := range ky.waiters {
			candidates[w.txnId] = true
		}
		if len(ky.holders) == 0 && len(ky.waiters) == 0 {
			delete(m.keys, ks)
		}
	}
	for ks := range touched {
		m.promoteKey(ks)
	}

	var newlyReady []uint64
	for id := range candidates {
		if other, ok := m.txns[id]; ok && other.ready() {
			newlyReady = append(newlyReady, id)
		}
	}
	return newlyReady
}

// abortInternal forcibly removes id from the lock table entirely: every
// key it held or was waiting on is cleared, and any waiter newly
// compatible with the resulting holder set is promoted. It returns every
// txn id promoted from waiter to holder on some key as a result, so a
// caller aborting id on someone else's behalf can tell whether the abort
// also freed up a key a third transaction was already queued behind.
func (m *DDRLockManager) abortInternal(id uint64) []uint64 {
	ts, ok := m.txns[id]
	if !ok {
		return nil
	}
	delete(m.txns, id)
	m.aborted[id] = true

	touched := make(map[string]bool)
	for _, km := range ts.keys {
		ks := km.Key.String()
		ky, ok := m.keys[ks]
		if !ok {
			continue
		}
		ky.holders = removeEntry(ky.holders, id)
		ky.waiters = removeEntry(ky.waiters, id)
		touched[ks] = true
		if len(ky.holders) == 0 && len(ky.waiters) == 0 {
			delete(m.keys, ks)
		}
	}
	var promoted []uint64
	for ks := range touched {
		promoted = append(promoted, m.promoteKey(ks)...)
	}
	return promoted
}

func (m *DDRLockManager) promoteKey(ks string) []uint64 {
	ky, ok := m.keys[ks]
	if !ok {
		return nil
	}
	var promoted []uint64
	changed := true
	for changed {
		changed = false
		for i, w := range ky.waiters {
			if compatible(ky.holders, w.mode) {
				ky.holders = append(ky.holders, w)
				ky.waiters = append(ky.waiters[:i], ky.waiters[i+1:]...)
				if ts, ok := m.txns[w.txnId]; ok {
					ts.grantedKeys[ks] = true
				}
				promoted = append(promoted, w.txnId)
				changed = true
				break
			}
		}
	}
	return promoted
}

// dependsOn returns the distinct transactions txnId is waiting behind:
// the current holders of every key it has an outstanding, ungranted
// request on.
func (m *DDRLockManager) dependsOn(txnId uint64) []uint64 {
	ts, ok := m.txns[txnId]
	if !ok {
		return nil
	}
	seen := make(map[uint64]bool)
	var out []uint64
	for _, km := range ts.keys {
		ks := km.Key.String()
		if ts.grantedKeys[ks] {
			continue
		}
		ky, ok := m.keys[ks]
		if !ok {
			continue
		}
		for _, h := range ky.holders {
			if h.txnId == txnId || seen[h.txnId] {
				continue
			}
			seen[h.txnId] = true
			out = append(out, h.txnId)
		}
	}
	return out
}

// findCycle runs a DFS over the wait-for graph starting at start and
// returns the full cycle (start included) if one is reachable back to
// start, else nil.
func (m *DDRLockManager) findCycle(start uint64) []uint64 {
	visited := make(map[uint64]bool)
	path := []uint64{start}
	visited[start] = true

	var dfs func(uint64) []uint64
	dfs = func(n uint64) []uint64 {
		for _, next := range m.dependsOn(n) {
			if next == start {
				return append(append([]uint64{}, path...))
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			path = append(path, next)
			if cyc := dfs(next); cyc != nil {
				return cyc
			}
			path = path[:len(path)-1]
		}
		return nil
	}
	return dfs(start)
}

func maxID(ids []uint64) uint64 {
	max := ids[0]
	for _, id := range ids[1:] {
		if id > max {
			max = id
		}
	}
	return max
}
