package model

import (
	"bufio"
	"time"

	"github.com/bdeggleston/slogdb/internal/serializer"
)

// Status is the lifecycle state of a Transaction. Once COMMITTED or
// ABORTED a transaction is immutable (spec §3).
type Status uint8

const (
	StatusPending Status = iota
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusCommitted:
		return "COMMITTED"
	case StatusAborted:
		return "ABORTED"
	default:
		return "PENDING"
	}
}

// AbortReason names why a transaction was aborted (spec §7 error taxonomy).
type AbortReason string

const (
	AbortNone               AbortReason = ""
	AbortMalformedInput      AbortReason = "malformed_input"
	AbortDeadlockBreaker     AbortReason = "aborted_by_deadlock_breaker"
	AbortUnknownProcedure    AbortReason = "unknown_procedure"
	AbortMissingRemasterMeta AbortReason = "missing_remaster_metadata"
)

// TraceEvent is one entry in a transaction's internal trace, accumulated
// as it passes through the pipeline (spec §8 scenario 1 names the
// well-known event names used below).
type TraceEvent struct {
	Name string
	At   time.Time
}

const (
	TraceEnterForwarder   = "ENTER_FORWARDER"
	TraceEnterSequencer   = "ENTER_SEQUENCER"
	TraceEnterOrderer     = "ENTER_ORDERER"
	TraceEnterSchedulerLM = "ENTER_SCHEDULER_LM"
	TraceDispatched       = "DISPATCHED"
	TraceCommit           = "COMMIT"
	TraceAbort            = "ABORT"
)

// ProcID names a registered procedure by a small enum value instead of a
// dynamically dispatched string (spec §9 Design Notes: "Dynamic dispatch
// by procedure name").
type ProcID uint16

// ProcedureCall is one opaque call in a Transaction's code list.
type ProcedureCall struct {
	Proc ProcID
	Args []string
}

// Transaction is the unit of work that flows Server -> Forwarder ->
// Sequencer -> [Orderer] -> Scheduler -> Worker -> Server.
type Transaction struct {
	Id     uint64
	Keys   []KeyMode
	Code   []ProcedureCall
	Status Status

	AbortReason AbortReason
	Writes      map[string][]byte

	// NewMaster, when >= 0, requests a remaster of every key in Keys to
	// the given region as part of committing this transaction.
	NewMaster int

	Trace []TraceEvent
}

// NoRemaster marks a Transaction as not requesting a remaster.
const NoRemaster = -1

func NewTransaction(id uint64, keys []KeyMode, code []ProcedureCall) *Transaction {
	return &Transaction{
		Id:        id,
		Keys:      DedupeKeyModes(keys),
		Code:      code,
		Status:    StatusPending,
		Writes:    make(map[string][]byte),
		NewMaster: NoRemaster,
	}
}

// IsMultiHome reports whether keys span more than one region, given a
// resolver from key to home region.
func (t *Transaction) IsMultiHome(homeRegion func(Key) int) bool {
	seen := -1
	for _, km := range t.Keys {
		r := homeRegion(km.Key)
		if seen == -1 {
			seen = r
		} else if seen != r {
			return true
		}
	}
	return false
}

// RegionsInvolved returns the distinct home regions touched by t's keys.
func (t *Transaction) RegionsInvolved(homeRegion func(Key) int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, km := range t.Keys {
		r := homeRegion(km.Key)
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

// RecordTrace appends a trace event with the current time. Tests that need
// deterministic traces should compare event Names only.
func (t *Transaction) RecordTrace(name string) {
	t.Trace = append(t.Trace, TraceEvent{Name: name, At: time.Now()})
}

func (t *Transaction) Abort(reason AbortReason) {
	if t.Status != StatusPending {
		return
	}
	t.Status = StatusAborted
	t.AbortReason = reason
	t.RecordTrace(TraceAbort)
}

func (t *Transaction) Commit() {
	if t.Status != StatusPending {
		return
	}
	t.Status = StatusCommitted
	t.RecordTrace(TraceCommit)
}

// Serialize/Deserialize round-trip a Transaction field by field, per the
// teacher's Serialize(*bufio.Writer)/Deserialize(*bufio.Reader) contract
// (cluster/message_test.go, store/store.go).
func (t *Transaction) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, t.Id); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, uint32(len(t.Keys))); err != nil {
		return err
	}
	for _, km := range t.Keys {
		if err := serializer.WriteFieldBytes(buf, km.Key); err != nil {
			return err
		}
		if err := serializer.WriteByte(buf, byte(km.Mode)); err != nil {
			return err
		}
	}
	if err := serializer.WriteUint32(buf, uint32(len(t.Code))); err != nil {
		return err
	}
	for _, call := range t.Code {
		if err := serializer.WriteUint32(buf, uint32(call.Proc)); err != nil {
			return err
		}
		if err := serializer.WriteStringSlice(buf, call.Args); err != nil {
			return err
		}
	}
	if err := serializer.WriteByte(buf, byte(t.Status)); err != nil {
		return err
	}
	if err := serializer.WriteString(buf, string(t.AbortReason)); err != nil {
		return err
	}
	return serializer.WriteUint32(buf, uint32(int32(t.NewMaster)))
}

func (t *Transaction) Deserialize(buf *bufio.Reader) error {
	id, err := serializer.ReadUint64(buf)
	if err != nil {
		return err
	}
	t.Id = id

	nKeys, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	t.Keys = make([]KeyMode, nKeys)
	for i := range t.Keys {
		k, err := serializer.ReadFieldBytes(buf)
		if err != nil {
			return err
		}
		m, err := serializer.ReadByte(buf)
		if err != nil {
			return err
		}
		t.Keys[i] = KeyMode{Key: Key(k), Mode: Mode(m)}
	}

	nCode, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	t.Code = make([]ProcedureCall, nCode)
	for i := range t.Code {
		proc, err := serializer.ReadUint32(buf)
		if err != nil {
			return err
		}
		args, err := serializer.ReadStringSlice(buf)
		if err != nil {
			return err
		}
		t.Code[i] = ProcedureCall{Proc: ProcID(proc), Args: args}
	}

	status, err := serializer.ReadByte(buf)
	if err != nil {
		return err
	}
	t.Status = Status(status)

	reason, err := serializer.ReadString(buf)
	if err != nil {
		return err
	}
	t.AbortReason = AbortReason(reason)

	newMaster, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	t.NewMaster = int(int32(newMaster))

	if t.Writes == nil {
		t.Writes = make(map[string][]byte)
	}
	return nil
}
