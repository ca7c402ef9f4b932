package clocksync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/slogdb/internal/model"
)

// fakeClock lets a test pin a Synchronizer's notion of "now".
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// pairedBus wires two Synchronizers' envelopes directly into each
// other's HandleEnvelope, standing in for the bus the way scheduler and
// sequencer tests use their own fakes.
type pairedBus struct {
	peer *Synchronizer
}

func (b *pairedBus) Send(env *model.Envelope, to model.MachineId, channel model.Channel) error {
	b.peer.HandleEnvelope(env)
	return nil
}

func (b *pairedBus) SendMulti(env *model.Envelope, tos []model.MachineId, channel model.Channel) error {
	for range tos {
		b.peer.HandleEnvelope(env)
	}
	return nil
}

func TestSynchronizerEstimatesPositiveOffsetWhenPeerClockAhead(t *testing.T) {
	grid := model.NewGrid(2, 1, 1)
	local := grid.MachineId(0, 0, 0)
	remote := grid.MachineId(1, 0, 0)

	localClock := &fakeClock{now: time.Unix(1000, 0)}
	remoteClock := &fakeClock{now: time.Unix(1000, 0).Add(500 * time.Millisecond)} // remote runs 500ms ahead

	peers := map[int]model.MachineId{0: local, 1: remote}

	remoteSync := New(remote, 1, peers, nil)
	remoteSync.clock = remoteClock
	localSync := New(local, 0, peers, nil)
	localSync.clock = localClock

	localBus := &pairedBus{peer: remoteSync}
	remoteBus := &pairedBus{peer: localSync}
	localSync.sender = localBus
	remoteSync.sender = remoteBus

	localSync.Tick() // ping goes to remote, remote replies synchronously via pairedBus

	require.InDelta(t, 500*time.Millisecond, localSync.OffsetOf(1), float64(5*time.Millisecond))
}

func TestSynchronizerOffsetOfLocalRegionIsZero(t *testing.T) {
	grid := model.NewGrid(1, 1, 1)
	self := grid.MachineId(0, 0, 0)
	s := New(self, 0, map[int]model.MachineId{0: self}, nil)
	require.Equal(t, time.Duration(0), s.OffsetOf(0))
	require.False(t, s.IsAhead(0))
}

func TestSynchronizerOffsetOfUnknownRegionIsZero(t *testing.T) {
	grid := model.NewGrid(1, 1, 1)
	self := grid.MachineId(0, 0, 0)
	s := New(self, 0, map[int]model.MachineId{0: self}, nil)
	require.Equal(t, time.Duration(0), s.OffsetOf(7))
}

func TestSynchronizerTickSkipsOwnRegion(t *testing.T) {
	grid := model.NewGrid(1, 1, 1)
	self := grid.MachineId(0, 0, 0)
	sent := 0
	s := New(self, 0, map[int]model.MachineId{0: self}, countingSender{&sent})
	s.Tick()
	require.Equal(t, 0, sent)
}

type countingSender struct{ n *int }

func (c countingSender) Send(env *model.Envelope, to model.MachineId, channel model.Channel) error {
	*c.n++
	return nil
}

func (c countingSender) SendMulti(env *model.Envelope, tos []model.MachineId, channel model.Channel) error {
	*c.n += len(tos)
	return nil
}
