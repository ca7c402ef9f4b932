/*
Package forwarder implements the Forwarder component (spec §4.2): for
each incoming transaction it resolves the home region of every key from
the local Metadata cache, classifies the transaction single-home (SH) or
multi-home (MH), and forwards one envelope per destination sequencer. A
key with no metadata defaults to the local region rather than blocking
(spec §4.2 "Unknown-key policy"); a key mid-remaster buffers the
transaction until the remaster commits.
*/
package forwarder

import (
	"sync"

	logging "github.com/op/go-logging"
	"golang.org/x/sync/errgroup"

	"github.com/bdeggleston/slogdb/internal/model"
	"github.com/bdeggleston/slogdb/internal/stats"
	"github.com/bdeggleston/slogdb/internal/topology"
)

var logger = logging.MustGetLogger("forwarder")

// Sender is the subset of the bus the Forwarder needs.
type Sender interface {
	Send(env *model.Envelope, to model.MachineId, channel model.Channel) error
	SendMulti(env *model.Envelope, to []model.MachineId, channel model.Channel) error
}

// state is the Forwarder's per-txn lifecycle (spec §4.2: RESOLVING ->
// FORWARDED; RESOLVING -> BUFFERED (remaster) -> RESOLVING).
type state uint8

const (
	stateResolving state = iota
	stateBuffered
	stateForwarded
)

// Forwarder is one machine's home-region router. One instance exists per
// machine that accepts client transactions (spec §2).
type Forwarder struct {
	self     model.MachineId
	region   int
	replica  int
	topo     *topology.Topology
	metadata *model.MetadataStore
	sender   Sender
	counters *stats.Counters

	mu       sync.Mutex
	buffered map[string][]*model.Transaction // key -> txns waiting on that key's remaster
	states   map[uint64]state
}

func New(self model.MachineId, topo *topology.Topology, metadata *model.MetadataStore, sender Sender, counters *stats.Counters) *Forwarder {
	region, replica, _ := topo.Grid().Coordinates(self)
	return &Forwarder{
		self:     self,
		region:   region,
		replica:  replica,
		topo:     topo,
		metadata: metadata,
		sender:   sender,
		counters: counters,
		buffered: make(map[string][]*model.Transaction),
		states:   make(map[uint64]state),
	}
}

// homeRegion resolves one key's current home, defaulting to this
// Forwarder's own region when metadata is absent (spec §4.2, §9 "this
// spec mandates 'local region' for consistency").
func (f *Forwarder) homeRegion(k model.Key) int {
	if md, ok := f.metadata.Lookup(k); ok {
		return md.MasterRegion
	}
	return f.region
}

// Process resolves txn's home region(s) and forwards it. If any of
// txn's keys is currently being remastered, txn is buffered until that
// remaster commits and Release is called for the key.
func (f *Forwarder) Process(txn *model.Transaction) {
	txn.RecordTrace(model.TraceEnterForwarder)

	f.mu.Lock()
	f.states[txn.Id] = stateResolving
	f.mu.Unlock()

	for _, km := range txn.Keys {
		if f.metadata.IsRemastering(km.Key) {
			f.mu.Lock()
			ks := km.Key.String()
			f.buffered[ks] = append(f.buffered[ks], txn)
			f.states[txn.Id] = stateBuffered
			f.mu.Unlock()
			f.counters.Incr("forwarder.buffered", 1)
			return
		}
	}

	f.forward(txn)
}

// Release re-resolves and forwards every transaction buffered on key,
// called once that key's remaster commits (spec §4.2).
func (f *Forwarder) Release(key model.Key) {
	f.mu.Lock()
	ks := key.String()
	pending := f.buffered[ks]
	delete(f.buffered, ks)
	f.mu.Unlock()

	for _, txn := range pending {
		f.mu.Lock()
		f.states[txn.Id] = stateResolving
		f.mu.Unlock()
		f.forward(txn)
	}
}

func (f *Forwarder) forward(txn *model.Transaction) {
	regions := txn.RegionsInvolved(f.homeRegion)
	env := model.NewEnvelope(f.self, &model.ForwardTxn{Txn: txn, FromRegion: f.region})

	if len(regions) == 1 {
		f.sendToRegionSequencers(env, regions[0])
		f.counters.Incr("forwarder.forwarded.sh", 1)
	} else {
		// A multi-home txn fans out to every involved region's
		// sequencers plus that region's MH orderers; none of these sends
		// depend on each other, so they run concurrently instead of
		// region-by-region.
		var g errgroup.Group
		for _, r := range regions {
			r := r
			g.Go(func() error {
				f.sendToRegionSequencers(env, r)
				return nil
			})
		}
		g.Go(func() error {
			f.sendToMhOrderers(env, regions)
			return nil
		})
		_ = g.Wait()
		f.counters.Incr("forwarder.forwarded.mh", 1)
	}

	f.mu.Lock()
	f.states[txn.Id] = stateForwarded
	f.mu.Unlock()
}

// sendToRegionSequencers addresses every replica's Sequencer in region
// (spec topology: "each replica of a region independently sequences and
// replicates the same SH stream").
func (f *Forwarder) sendToRegionSequencers(env *model.Envelope, region int) {
	grid := f.topo.Grid()
	dests := make([]model.MachineId, grid.NumReplicas)
	for rep := 0; rep < grid.NumReplicas; rep++ {
		dests[rep] = f.topo.SequencerMachine(region, rep)
	}
	if err := f.sender.SendMulti(env, dests, model.ChannelSequencer); err != nil {
		logger.Warningf("forwarder: forwarding to region %d sequencers: %v", region, err)
	}
}

// sendToMhOrderers additionally notifies every involved region's MH
// Orderer input queue (spec §4.2 "plus the MH orderer input queue").
// The Orderer itself runs per-partition (spec §4.4); the Forwarder
// cannot yet know which partitions txn's keys resolve to on the
// remote regions, so it addresses every partition of every involved
// region at its own replica number.
func (f *Forwarder) sendToMhOrderers(env *model.Envelope, regions []int) {
	grid := f.topo.Grid()
	var dests []model.MachineId
	for _, r := range regions {
		for p := 0; p < grid.NumPartitions; p++ {
			dests = append(dests, f.topo.OrdererMachine(r, f.replica, p))
		}
	}
	if err := f.sender.SendMulti(env, dests, model.ChannelOrderer); err != nil {
		logger.Warningf("forwarder: notifying MH orderers: %v", err)
	}
}

// Stats reports the Forwarder's local counters.
func (f *Forwarder) Stats() map[string]int64 {
	return f.counters.Snapshot()
}
