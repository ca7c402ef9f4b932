/*
Package lockmgr implements the two lock-manager modes spec §4.5 allows:
a strict FIFO reader-writer scheme (OLD/RMA) and a deadlock-resolving
wait-for-graph scheme (DDR). Both satisfy "at most one writer OR any
number of readers" and are selected once at Scheduler construction.
*/
package lockmgr

import "github.com/bdeggleston/slogdb/internal/model"

// Result is returned by Acquire: whether the requesting transaction now
// holds every key it asked for, plus any other transactions aborted as a
// side effect of granting this request (DDR cycle-breaking only; always
// empty under OLD/RMA), plus any other transactions that became fully
// ready as a side effect (DDR only: a victim's abort can free up a key a
// bystander, not the caller, was already queued behind; always empty
// under OLD/RMA, where a new request can never promote an earlier one).
type Result struct {
	Ready    bool
	Aborted  []uint64
	Promoted []uint64
}

// LockManager is the contract the Scheduler drives (spec §4.5).
type LockManager interface {
	// Acquire requests every key in keys on behalf of txnId. A second
	// call for a txnId that already has a pending or granted request
	// merges any keys it has not requested yet into that request (keys
	// already requested are left as they are) and returns the
	// transaction's overall readiness.
	Acquire(txnId uint64, keys []model.KeyMode) Result

	// Release drops every lock txnId holds or is waiting on, and returns
	// the set of other transactions that became ready as a result.
	Release(txnId uint64) []uint64
}
