/*
Package clocksync implements the clock synchronizer supplemented feature
(spec §4.3 "future-txn buffer ... per clock synchronizer"): a small
component that periodically exchanges physical-clock pings with every
peer region and keeps a running offset estimate per region, so the
Sequencer can tell whether a transaction arriving from another region's
clock is running ahead of the local one and should be deferred rather
than sequenced immediately.

Grounded in the wire constant `kClockSynchronizerChannel` (spec §6) that
names this as a first-class channel with its own dedicated port, the
same way the Forwarder and Sequencer get dedicated ports.
*/
package clocksync

import (
	"bufio"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/bdeggleston/slogdb/internal/model"
	"github.com/bdeggleston/slogdb/internal/serializer"
)

var logger = logging.MustGetLogger("clocksync")

// Ping carries the sender's local timestamp (as nanoseconds since the
// Unix epoch, so it can cross the wire without a timezone) to one peer
// region's Synchronizer.
type Ping struct {
	FromRegion int
	SentAtNs   int64
}

func (Ping) Kind() model.PayloadKind { return model.KindClockPing }

func (p Ping) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint32(buf, uint32(p.FromRegion)); err != nil {
		return err
	}
	return serializer.WriteUint64(buf, uint64(p.SentAtNs))
}

func (p *Ping) Deserialize(buf *bufio.Reader) error {
	region, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	p.FromRegion = int(region)
	sentAt, err := serializer.ReadUint64(buf)
	if err != nil {
		return err
	}
	p.SentAtNs = int64(sentAt)
	return nil
}

// Pong answers a Ping, echoing the original send time back alongside the
// responder's own local time, the same round-trip shape NTP uses to
// estimate clock offset under a symmetric-latency assumption.
type Pong struct {
	FromRegion  int
	EchoedSentAtNs int64
	RepliedAtNs    int64
}

func (Pong) Kind() model.PayloadKind { return model.KindClockPong }

func (p Pong) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint32(buf, uint32(p.FromRegion)); err != nil {
		return err
	}
	if err := serializer.WriteUint64(buf, uint64(p.EchoedSentAtNs)); err != nil {
		return err
	}
	return serializer.WriteUint64(buf, uint64(p.RepliedAtNs))
}

func (p *Pong) Deserialize(buf *bufio.Reader) error {
	region, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	p.FromRegion = int(region)
	echoed, err := serializer.ReadUint64(buf)
	if err != nil {
		return err
	}
	p.EchoedSentAtNs = int64(echoed)
	replied, err := serializer.ReadUint64(buf)
	if err != nil {
		return err
	}
	p.RepliedAtNs = int64(replied)
	return nil
}

// Factories returns the PayloadFactory registrations for clocksync's wire
// messages, for merging into a bus's deserialization registry.
func Factories() map[model.PayloadKind]model.PayloadFactory {
	return map[model.PayloadKind]model.PayloadFactory{
		model.KindClockPing: func() model.Payload { return &Ping{} },
		model.KindClockPong: func() model.Payload { return &Pong{} },
	}
}

// Sender is the subset of the bus the Synchronizer needs.
type Sender interface {
	Send(env *model.Envelope, to model.MachineId, channel model.Channel) error
	SendMulti(env *model.Envelope, to []model.MachineId, channel model.Channel) error
}

// Clock abstracts wall-clock reads so tests can substitute a fake one.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Synchronizer tracks one machine's best estimate of every peer region's
// clock offset from its own, refreshed by periodic ping/pong exchange.
type Synchronizer struct {
	self   model.MachineId
	region int
	peers  map[int]model.MachineId // region -> that region's clocksync machine
	sender Sender
	clock  Clock

	mu      sync.RWMutex
	offsets map[int]time.Duration // region -> estimated (peer clock - local clock)
}

func New(self model.MachineId, region int, peers map[int]model.MachineId, sender Sender) *Synchronizer {
	return &Synchronizer{
		self:    self,
		region:  region,
		peers:   peers,
		sender:  sender,
		clock:   systemClock{},
		offsets: make(map[int]time.Duration),
	}
}

// Tick sends a fresh Ping to every peer region's Synchronizer. Callers
// drive this on an interval timer (spec §5 "each component owns a
// message loop"); there is no suspension point inside it.
func (s *Synchronizer) Tick() {
	now := s.clock.Now()
	for region, machine := range s.peers {
		if region == s.region {
			continue
		}
		env := model.NewEnvelope(s.self, &Ping{FromRegion: s.region, SentAtNs: now.UnixNano()})
		if err := s.sender.Send(env, machine, model.ChannelClockSync); err != nil {
			logger.Warningf("clocksync: ping to region %d: %v", region, err)
		}
	}
}

// HandleEnvelope dispatches one received clocksync message.
func (s *Synchronizer) HandleEnvelope(env *model.Envelope) {
	switch p := env.Payload.(type) {
	case *Ping:
		s.handlePing(env.From, p)
	case *Pong:
		s.handlePong(p)
	default:
		logger.Warningf("clocksync: unexpected payload type %T", env.Payload)
	}
}

func (s *Synchronizer) handlePing(from model.MachineId, p *Ping) {
	reply := model.NewEnvelope(s.self, &Pong{
		FromRegion:     s.region,
		EchoedSentAtNs: p.SentAtNs,
		RepliedAtNs:    s.clock.Now().UnixNano(),
	})
	if err := s.sender.Send(reply, from, model.ChannelClockSync); err != nil {
		logger.Warningf("clocksync: pong to %v: %v", from, err)
	}
}

// handlePong estimates region p.FromRegion's clock as running ahead of
// this machine's local clock by (their reply time - our send time) minus
// half the measured round trip (now - our send time), i.e. it assumes the
// ping and the pong took equally long on the wire.
func (s *Synchronizer) handlePong(p *Pong) {
	now := s.clock.Now()
	offset := time.Duration(p.RepliedAtNs-p.EchoedSentAtNs) - time.Duration(now.UnixNano()-p.EchoedSentAtNs)/2

	s.mu.Lock()
	s.offsets[p.FromRegion] = offset
	s.mu.Unlock()
}

// IsAhead reports whether region's clock is currently estimated to be
// running ahead of the local clock by more than a trivial amount — the
// Sequencer uses this to decide whether an incoming transaction should
// be buffered in the future-txn heap rather than sequenced immediately
// (spec §4.3).
func (s *Synchronizer) IsAhead(region int) bool {
	return s.OffsetOf(region) > 0
}

// OffsetOf returns the current best estimate of region's clock minus the
// local clock. Zero for an unknown or local region.
func (s *Synchronizer) OffsetOf(region int) time.Duration {
	if region == s.region {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[region]
}
