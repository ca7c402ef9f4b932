package model

import (
	"bufio"
	"fmt"

	"github.com/bdeggleston/slogdb/internal/serializer"
)

// PayloadKind tags the union payload carried by an Envelope (spec §6).
// Dynamic dispatch by procedure name is explicitly redesigned away (spec
// §9); dispatch by envelope kind is the one union this system still needs,
// and it is a fixed, closed set of wire message types rather than an
// open string space, so a small tag enum is the right shape here.
type PayloadKind byte

const (
	KindPaxosPropose PayloadKind = iota
	KindPaxosAccept
	KindPaxosAcceptOK
	KindPaxosCommit
	KindPaxosCommitOK
	KindForwardTxn
	KindBatch
	KindMhTxnArrived
	KindRemoteReads
	KindTxnResult
	KindStatsRequest
	KindStatsResponse
	KindClockPing
	KindClockPong
)

// Payload is one concrete message body. Implementations live in the
// package that owns the concern (paxos messages in internal/paxos,
// pipeline messages here in model).
type Payload interface {
	Kind() PayloadKind
	Serialize(buf *bufio.Writer) error
	Deserialize(buf *bufio.Reader) error
}

// Envelope is the unit of inter-component messaging (spec §3, §6): a
// sender machine id and one typed payload. Envelopes are immutable after
// send.
type Envelope struct {
	From    MachineId
	Payload Payload
}

func NewEnvelope(from MachineId, p Payload) *Envelope {
	return &Envelope{From: from, Payload: p}
}

// Serialize writes [from][kind][payload] to buf. The frame's outer
// [machine_id][channel] prefix (spec §6) is added by the bus at send time,
// not here; this is just the envelope_bytes portion.
func (e *Envelope) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint32(buf, uint32(e.From)); err != nil {
		return err
	}
	if err := serializer.WriteByte(buf, byte(e.Payload.Kind())); err != nil {
		return err
	}
	return e.Payload.Serialize(buf)
}

// PayloadFactory constructs a zero-value Payload for a given kind so
// Deserialize can fill it in. The bus package supplies the concrete
// registry (it is the only place raw bytes are turned back into
// envelopes, spec §4.1).
type PayloadFactory func() Payload

func DeserializeEnvelope(buf *bufio.Reader, factories map[PayloadKind]PayloadFactory) (*Envelope, error) {
	from, err := serializer.ReadUint32(buf)
	if err != nil {
		return nil, err
	}
	kindByte, err := serializer.ReadByte(buf)
	if err != nil {
		return nil, err
	}
	kind := PayloadKind(kindByte)
	factory, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("model: unknown payload kind %d", kind)
	}
	p := factory()
	if err := p.Deserialize(buf); err != nil {
		return nil, err
	}
	return &Envelope{From: MachineId(from), Payload: p}, nil
}

// ---- pipeline payload types ----

// ForwardTxn carries a transaction from the Forwarder to a home-region
// Sequencer. FromRegion names the region the client attached to (the
// Forwarder's own region), so the receiving Sequencer can tell whether
// the sender's physical clock runs ahead of its own and the transaction
// belongs in the future-txn buffer (spec §4.3).
type ForwardTxn struct {
	Txn        *Transaction
	FromRegion int
}

func (ForwardTxn) Kind() PayloadKind { return KindForwardTxn }

func (f ForwardTxn) Serialize(buf *bufio.Writer) error {
	if err := f.Txn.Serialize(buf); err != nil {
		return err
	}
	return serializer.WriteUint32(buf, uint32(f.FromRegion))
}

func (f *ForwardTxn) Deserialize(buf *bufio.Reader) error {
	f.Txn = &Transaction{}
	if err := f.Txn.Deserialize(buf); err != nil {
		return err
	}
	region, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	f.FromRegion = int(region)
	return nil
}

// BatchEnvelope carries a sealed Batch from a Sequencer to peer-region
// Orderers.
type BatchEnvelope struct {
	Batch Batch
}

func (BatchEnvelope) Kind() PayloadKind { return KindBatch }

func (b BatchEnvelope) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint32(buf, uint32(b.Batch.Id.Region)); err != nil {
		return err
	}
	if err := serializer.WriteUint64(buf, b.Batch.Id.LocalSeq); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, uint32(len(b.Batch.Txns))); err != nil {
		return err
	}
	for _, t := range b.Batch.Txns {
		if err := t.Serialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (b *BatchEnvelope) Deserialize(buf *bufio.Reader) error {
	region, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	seq, err := serializer.ReadUint64(buf)
	if err != nil {
		return err
	}
	n, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	txns := make([]*Transaction, n)
	for i := range txns {
		t := &Transaction{}
		if err := t.Deserialize(buf); err != nil {
			return err
		}
		txns[i] = t
	}
	b.Batch = Batch{Id: BatchId{Region: int(region), LocalSeq: seq}, Txns: txns}
	return nil
}

// MhTxnArrived announces a multi-home transaction to every involved
// region's orderer, along with the observation point captured at MH
// propose time (spec §4.4): for each involved region, the local_seq of
// the last SH batch from that region the proposing orderer had already
// fully drained (0 if none).
type MhTxnArrived struct {
	Txn               *Transaction
	MhSlot            uint64
	ObservationPoints map[int]uint64 // region -> local_seq observed
}

func (MhTxnArrived) Kind() PayloadKind { return KindMhTxnArrived }

func (m MhTxnArrived) Serialize(buf *bufio.Writer) error {
	if err := m.Txn.Serialize(buf); err != nil {
		return err
	}
	if err := serializer.WriteUint64(buf, m.MhSlot); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, uint32(len(m.ObservationPoints))); err != nil {
		return err
	}
	for region, seq := range m.ObservationPoints {
		if err := serializer.WriteUint32(buf, uint32(region)); err != nil {
			return err
		}
		if err := serializer.WriteUint64(buf, seq); err != nil {
			return err
		}
	}
	return nil
}

func (m *MhTxnArrived) Deserialize(buf *bufio.Reader) error {
	m.Txn = &Transaction{}
	if err := m.Txn.Deserialize(buf); err != nil {
		return err
	}
	slot, err := serializer.ReadUint64(buf)
	if err != nil {
		return err
	}
	m.MhSlot = slot
	n, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	m.ObservationPoints = make(map[int]uint64, n)
	for i := uint32(0); i < n; i++ {
		region, err := serializer.ReadUint32(buf)
		if err != nil {
			return err
		}
		seq, err := serializer.ReadUint64(buf)
		if err != nil {
			return err
		}
		m.ObservationPoints[int(region)] = seq
	}
	return nil
}

// RemoteReads carries key->value pairs read by one partition on behalf
// of a txn dispatched elsewhere.
type RemoteReads struct {
	TxnId  uint64
	Values map[string][]byte
}

func (RemoteReads) Kind() PayloadKind { return KindRemoteReads }

func (r RemoteReads) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, r.TxnId); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, uint32(len(r.Values))); err != nil {
		return err
	}
	for k, v := range r.Values {
		if err := serializer.WriteString(buf, k); err != nil {
			return err
		}
		if err := serializer.WriteFieldBytes(buf, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *RemoteReads) Deserialize(buf *bufio.Reader) error {
	id, err := serializer.ReadUint64(buf)
	if err != nil {
		return err
	}
	r.TxnId = id
	n, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	r.Values = make(map[string][]byte, n)
	for i := uint32(0); i < n; i++ {
		k, err := serializer.ReadString(buf)
		if err != nil {
			return err
		}
		v, err := serializer.ReadFieldBytes(buf)
		if err != nil {
			return err
		}
		r.Values[k] = v
	}
	return nil
}

// TxnResult carries a completed Transaction (with trace) back toward the
// Server.
type TxnResult struct {
	Txn *Transaction
}

func (TxnResult) Kind() PayloadKind { return KindTxnResult }

func (r TxnResult) Serialize(buf *bufio.Writer) error {
	return r.Txn.Serialize(buf)
}

func (r *TxnResult) Deserialize(buf *bufio.Reader) error {
	r.Txn = &Transaction{}
	return r.Txn.Deserialize(buf)
}

// StatsRequest asks a component to report its local stats at a verbosity
// level (spec §6).
type StatsRequest struct {
	Module string
	Level  int
}

func (StatsRequest) Kind() PayloadKind { return KindStatsRequest }

func (r StatsRequest) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteString(buf, r.Module); err != nil {
		return err
	}
	return serializer.WriteUint32(buf, uint32(r.Level))
}

func (r *StatsRequest) Deserialize(buf *bufio.Reader) error {
	m, err := serializer.ReadString(buf)
	if err != nil {
		return err
	}
	r.Module = m
	level, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	r.Level = int(level)
	return nil
}

// StatsResponse carries a JSON-encoded stats document.
type StatsResponse struct {
	JSON string
}

func (StatsResponse) Kind() PayloadKind { return KindStatsResponse }

func (r StatsResponse) Serialize(buf *bufio.Writer) error {
	return serializer.WriteString(buf, r.JSON)
}

func (r *StatsResponse) Deserialize(buf *bufio.Reader) error {
	s, err := serializer.ReadString(buf)
	if err != nil {
		return err
	}
	r.JSON = s
	return nil
}

// Factories returns the PayloadFactory registrations for every pipeline
// wire message defined in this package, for merging into a bus's
// deserialization registry alongside paxos.Factories() and
// clocksync.Factories().
func Factories() map[PayloadKind]PayloadFactory {
	return map[PayloadKind]PayloadFactory{
		KindForwardTxn:    func() Payload { return &ForwardTxn{} },
		KindBatch:         func() Payload { return &BatchEnvelope{} },
		KindMhTxnArrived:  func() Payload { return &MhTxnArrived{} },
		KindRemoteReads:   func() Payload { return &RemoteReads{} },
		KindTxnResult:     func() Payload { return &TxnResult{} },
		KindStatsRequest:  func() Payload { return &StatsRequest{} },
		KindStatsResponse: func() Payload { return &StatsResponse{} },
	}
}
