package model

// LockRequest is a pending or held lock on behalf of one transaction.
type LockRequest struct {
	TxnId uint64
	Key   Key
	Mode  Mode
}

// HolderState is the per-txn state machine tracked by the Scheduler (spec
// §4.5): ARRIVED -> LOCKS_REQUESTED -> READY -> DISPATCHED ->
// EXECUTED -> RELEASED -> DONE, with an independent "aborting" flag that
// short-circuits straight to RELEASED.
type HolderState uint8

const (
	HolderArrived HolderState = iota
	HolderLocksRequested
	HolderReady
	HolderDispatched
	HolderExecuted
	HolderReleased
	HolderDone
)

func (s HolderState) String() string {
	switch s {
	case HolderArrived:
		return "ARRIVED"
	case HolderLocksRequested:
		return "LOCKS_REQUESTED"
	case HolderReady:
		return "READY"
	case HolderDispatched:
		return "DISPATCHED"
	case HolderExecuted:
		return "EXECUTED"
	case HolderReleased:
		return "RELEASED"
	default:
		return "DONE"
	}
}

// TxnHolder is the scheduler-local arena record for one active
// transaction on one partition (spec §3, §9 "arena-allocated records").
type TxnHolder struct {
	Txn   *Transaction
	State HolderState

	// LocksHeld is the set of local keys whose locks Txn holds on this
	// partition, recorded once all of them have been granted.
	LocksHeld map[string]Mode

	// RemoteReads buffers values received from peer partitions for keys
	// this partition does not own.
	RemoteReads map[string][]byte

	// NumDispatches counts partitions that have dispatched Txn to their
	// Worker, and AllDispatched compares it with NumPartitions. The
	// Scheduler sets NumPartitions but never increments NumDispatches or
	// consults AllDispatched: it marks a txn EXECUTED as soon as this
	// partition's Worker has run it.
	NumDispatches int
	NumPartitions int

	Aborting bool
}

func NewTxnHolder(txn *Transaction, numPartitions int) *TxnHolder {
	return &TxnHolder{
		Txn:           txn,
		State:         HolderArrived,
		LocksHeld:     make(map[string]Mode),
		RemoteReads:   make(map[string][]byte),
		NumPartitions: numPartitions,
	}
}

func (h *TxnHolder) AllDispatched() bool {
	return h.NumDispatches >= h.NumPartitions
}
