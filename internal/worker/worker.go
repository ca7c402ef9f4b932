/*
Package worker implements the Worker component (spec §4.6): it runs a
ready transaction's procedures against Storage, staging writes in memory
until commit, and never originates new transactions. Reads for keys this
partition doesn't own come from the remote-read buffer the Scheduler
attaches before dispatch.
*/
package worker

import (
	"context"
	"fmt"

	logging "github.com/op/go-logging"

	"github.com/bdeggleston/slogdb/internal/model"
	"github.com/bdeggleston/slogdb/internal/stats"
	"github.com/bdeggleston/slogdb/internal/storage"
	"github.com/bdeggleston/slogdb/internal/workload"
)

var logger = logging.MustGetLogger("worker")

// Worker executes transactions against one partition's Storage.
type Worker struct {
	store    storage.Store
	registry *workload.Registry
	counters *stats.Counters
}

func New(store storage.Store, registry *workload.Registry, counters *stats.Counters) *Worker {
	return &Worker{store: store, registry: registry, counters: counters}
}

// Execute runs txn's procedure list against the gathered pre-image of
// every declared key (local reads plus remoteReads for keys this
// partition doesn't own), applies the resulting writes to Storage on
// success, and sets txn.Status (spec §4.6: "Execute(txn) is
// deterministic: given the same (txn, pre-image of all read keys) it
// produces the same writes and status on every replica.").
func (w *Worker) Execute(ctx context.Context, txn *model.Transaction, remoteReads map[string][]byte) error {
	return w.execute(ctx, txn, remoteReads, nil)
}

// ExecuteOwning is Execute with an explicit partition-ownership set:
// only keys present (and true) in localKeys are written to this
// Worker's Storage, so a multi-partition Scheduler can dispatch the same
// Transaction to every involved partition's Worker without each one
// clobbering keys it doesn't actually own. A nil localKeys treats every
// declared key as locally owned (Execute's single-partition behavior).
func (w *Worker) ExecuteOwning(ctx context.Context, txn *model.Transaction, remoteReads map[string][]byte, localKeys map[string]bool) error {
	return w.execute(ctx, txn, remoteReads, localKeys)
}

func (w *Worker) execute(ctx context.Context, txn *model.Transaction, remoteReads map[string][]byte, localKeys map[string]bool) error {
	if txn.Status != model.StatusPending {
		return fmt.Errorf("worker: txn %d is not pending (status=%v)", txn.Id, txn.Status)
	}

	reads, err := w.gatherReads(ctx, txn, remoteReads)
	if err != nil {
		txn.Abort(model.AbortMalformedInput)
		w.counters.Incr("worker.abort.read_error", 1)
		return nil
	}

	writes := make(map[string][]byte)
	for _, call := range txn.Code {
		exec, ok := w.registry.Lookup(call.Proc)
		if !ok {
			txn.Abort(model.AbortUnknownProcedure)
			w.counters.Incr("worker.abort.unknown_procedure", 1)
			return nil
		}
		execCtx := &workload.ExecCtx{Txn: txn, Call: call, Reads: reads, Writes: writes}
		if err := exec.Execute(execCtx); err != nil {
			logger.Debugf("worker: txn %d procedure %d failed: %v", txn.Id, call.Proc, err)
			txn.Abort(model.AbortMalformedInput)
			w.counters.Incr("worker.abort.procedure_error", 1)
			return nil
		}
		for k, v := range writes {
			reads[k] = v // a later call in the same txn can see an earlier call's write
		}
	}

	if err := w.applyWrites(ctx, txn, writes, localKeys); err != nil {
		return fmt.Errorf("worker: applying writes for txn %d: %w", txn.Id, err)
	}
	txn.Writes = writes
	txn.Commit()
	w.counters.Incr("worker.committed", 1)
	return nil
}

// Stats reports the Worker's local counters.
func (w *Worker) Stats() map[string]int64 {
	return w.counters.Snapshot()
}

// Peek reads a key's current committed value without staging or
// affecting any in-flight transaction; the Scheduler uses it to build the
// RemoteReads it owes peer partitions once it has granted a txn's local
// locks.
func (w *Worker) Peek(ctx context.Context, key model.Key) ([]byte, bool, error) {
	return w.store.Get(ctx, key)
}

// gatherReads builds the pre-image map: remote reads take precedence for
// keys this partition doesn't own (it has no local value for them
// anyway); every other declared key is read from local Storage.
func (w *Worker) gatherReads(ctx context.Context, txn *model.Transaction, remoteReads map[string][]byte) (map[string][]byte, error) {
	reads := make(map[string][]byte, len(txn.Keys))
	for k, v := range remoteReads {
		reads[k] = v
	}
	for _, km := range txn.Keys {
		ks := km.Key.String()
		if _, ok := reads[ks]; ok {
			continue
		}
		v, found, err := w.store.Get(ctx, km.Key)
		if err != nil {
			return nil, fmt.Errorf("worker: reading local key %q: %w", ks, err)
		}
		if found {
			reads[ks] = v
		}
	}
	return reads, nil
}

// applyWrites commits only the subset of writes this partition's
// Storage actually owns: a write keyed by something localKeys doesn't
// mark as locally owned is left for the owning partition's own Worker to
// apply when that partition dispatches the same transaction. A nil
// localKeys owns every declared key (single-partition case).
func (w *Worker) applyWrites(ctx context.Context, txn *model.Transaction, writes map[string][]byte, localKeys map[string]bool) error {
	owns := localKeys
	if owns == nil {
		owns = make(map[string]bool, len(txn.Keys))
		for _, km := range txn.Keys {
			owns[km.Key.String()] = true
		}
	}
	for k, v := range writes {
		if !owns[k] {
			continue
		}
		if err := w.store.Put(ctx, model.Key(k), v); err != nil {
			return err
		}
	}
	return nil
}
