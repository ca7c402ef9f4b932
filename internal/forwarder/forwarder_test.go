package forwarder

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/slogdb/internal/model"
	"github.com/bdeggleston/slogdb/internal/stats"
	"github.com/bdeggleston/slogdb/internal/topology"
)

// fakeSender records every envelope handed to it, standing in for the
// bus the way scheduler_test.go's fakeBus does for the Scheduler.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentEnvelope
}

type sentEnvelope struct {
	channel model.Channel
	dests   []model.MachineId
}

func (s *fakeSender) Send(env *model.Envelope, to model.MachineId, channel model.Channel) error {
	return s.SendMulti(env, []model.MachineId{to}, channel)
}

func (s *fakeSender) SendMulti(env *model.Envelope, tos []model.MachineId, channel model.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentEnvelope{channel: channel, dests: append([]model.MachineId(nil), tos...)})
	return nil
}

func (s *fakeSender) channelDests(channel model.Channel) []model.MachineId {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.MachineId
	for _, e := range s.sent {
		if e.channel == channel {
			out = append(out, e.dests...)
		}
	}
	return out
}

func newTestForwarder(t *testing.T) (*Forwarder, *fakeSender, *model.MetadataStore) {
	t.Helper()
	grid := model.NewGrid(2, 1, 1)
	topo := topology.New(grid)
	self := grid.MachineId(0, 0, 0)
	metadata := model.NewMetadataStore()
	sender := &fakeSender{}
	f := New(self, topo, metadata, sender, stats.NewCounters(nil))
	return f, sender, metadata
}

func txnOnKeys(id uint64, keys ...string) *model.Transaction {
	kms := make([]model.KeyMode, len(keys))
	for i, k := range keys {
		kms[i] = model.KeyMode{Key: model.NewKey(k), Mode: model.Write}
	}
	return model.NewTransaction(id, kms, nil)
}

func TestForwarderSingleHomeSendsOnlyToSequencers(t *testing.T) {
	f, sender, _ := newTestForwarder(t)
	txn := txnOnKeys(1, "a")

	f.Process(txn)

	require.Len(t, sender.channelDests(model.ChannelSequencer), 1)
	require.Empty(t, sender.channelDests(model.ChannelOrderer))
	require.Equal(t, model.TraceEnterForwarder, txn.Trace[0].Name)
}

func TestForwarderMultiHomeNotifiesOrderers(t *testing.T) {
	f, sender, metadata := newTestForwarder(t)
	metadata.Set(model.NewKey("a"), model.Metadata{MasterRegion: 0})
	metadata.Set(model.NewKey("b"), model.Metadata{MasterRegion: 1})
	txn := txnOnKeys(1, "a", "b")

	f.Process(txn)

	require.NotEmpty(t, sender.channelDests(model.ChannelSequencer))
	require.NotEmpty(t, sender.channelDests(model.ChannelOrderer))
}

func TestForwarderUnknownKeyDefaultsToLocalRegion(t *testing.T) {
	f, sender, _ := newTestForwarder(t)
	txn := txnOnKeys(1, "unknown-key")

	f.Process(txn)

	// A single unresolved key defaults to the Forwarder's own region, so
	// this is single-home: one SendMulti to sequencers, none to orderers.
	require.Len(t, sender.sent, 1)
	require.Equal(t, model.ChannelSequencer, sender.sent[0].channel)
}

func TestForwarderBuffersDuringRemasterAndReleases(t *testing.T) {
	f, sender, metadata := newTestForwarder(t)
	key := model.NewKey("a")
	metadata.Set(key, model.Metadata{MasterRegion: 0})
	metadata.BeginRemaster(key)

	txn := txnOnKeys(1, "a")
	f.Process(txn)

	require.Empty(t, sender.sent, "buffered txn must not be forwarded yet")

	metadata.CommitRemaster(key, 1)
	f.Release(key)

	require.Len(t, sender.channelDests(model.ChannelSequencer), 1)
}

func TestForwarderReleaseIsNoopForUnknownKey(t *testing.T) {
	f, sender, _ := newTestForwarder(t)
	f.Release(model.NewKey("never-buffered"))
	require.Empty(t, sender.sent)
}

func TestForwarderStatsCountsForwards(t *testing.T) {
	f, sender, _ := newTestForwarder(t)
	f.Process(txnOnKeys(1, "a"))
	f.Process(txnOnKeys(2, "b"))

	snap := f.Stats()
	require.Equal(t, int64(2), snap["forwarder.forwarded.sh"])
	require.Len(t, sender.sent, 2)
}
