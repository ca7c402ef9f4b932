/*
Command slogd is the machine process entrypoint: it loads one machine's
static config, wires every pipeline component onto the envelope bus, and
runs until killed (spec §5, §6).
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	statsd "github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/spf13/cobra"

	"github.com/bdeggleston/slogdb/internal/bus"
	"github.com/bdeggleston/slogdb/internal/clocksync"
	"github.com/bdeggleston/slogdb/internal/config"
	"github.com/bdeggleston/slogdb/internal/forwarder"
	"github.com/bdeggleston/slogdb/internal/lockmgr"
	"github.com/bdeggleston/slogdb/internal/model"
	"github.com/bdeggleston/slogdb/internal/orderer"
	"github.com/bdeggleston/slogdb/internal/paxos"
	"github.com/bdeggleston/slogdb/internal/scheduler"
	"github.com/bdeggleston/slogdb/internal/sequencer"
	"github.com/bdeggleston/slogdb/internal/server"
	"github.com/bdeggleston/slogdb/internal/stats"
	"github.com/bdeggleston/slogdb/internal/storage"
	"github.com/bdeggleston/slogdb/internal/topology"
	"github.com/bdeggleston/slogdb/internal/worker"
	"github.com/bdeggleston/slogdb/internal/workload"
)

func main() {
	var (
		configPath  string
		statsdAddr  string
		redisAddr   string
		batchMs     int
	)

	cmd := &cobra.Command{
		Use:   "slogd",
		Short: "runs one machine of a slogdb deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, statsdAddr, redisAddr, batchMs)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the machine's TOML config file")
	cmd.Flags().StringVar(&statsdAddr, "statsd-addr", "", "statsd sidecar address (host:port); disabled if empty")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "redis address for the storage engine; in-memory if empty")
	cmd.Flags().IntVar(&batchMs, "batch-interval-ms", 0, "override the config's batch_interval_ms")
	cmd.MarkFlagRequired("config")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, statsdAddr, redisAddr string, batchMsOverride int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	statter, err := newStatter(statsdAddr)
	if err != nil {
		return err
	}

	self := cfg.Self()
	grid := cfg.Grid()
	topo := topology.New(grid)
	region, replica, partition := grid.Coordinates(self)

	factories := mergeFactories(model.Factories(), paxos.Factories(), clocksync.Factories())
	b, err := bus.New(self, config.NewLocator(cfg), factories)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := bindListeners(b, cfg); err != nil {
		return err
	}

	metadata := model.NewMetadataStore()
	store := newStore(redisAddr)
	registry := workload.Default()

	clockPeers := map[int]model.MachineId{}
	for r := 0; r < grid.NumRegions; r++ {
		clockPeers[r] = grid.MachineId(r, replica, partition)
	}
	clock := clocksync.New(self, region, clockPeers, b)

	fwd := forwarder.New(self, topo, metadata, b, stats.NewCounters(statter))

	// Each paxos.Group needs its owning component's OnCommit as a
	// constructor argument, but that component in turn needs the Group
	// as its Proposer — broken by routing the group's onCommit through a
	// forwarding closure whose target is filled in once the component
	// exists.
	var seq *sequencer.Sequencer
	var seqGroup *paxos.Group
	if topo.SequencerMachine(region, replica) == self {
		var onCommit func(slot, value uint64, leader model.MachineId)
		seqGroup = paxos.NewGroup("sequencer-log", self, paxosMembers(cfg.PaxosMembers()), model.ChannelPaxosLog, b,
			func(slot, value uint64, leader model.MachineId) { onCommit(slot, value, leader) })
		seq = sequencer.New(self, topo, b, seqGroup, clock, stats.NewCounters(statter))
		onCommit = seq.OnCommit
	}

	mhMembers := paxos.Members{Acceptors: topo.PartitionPeers(replica, partition), Learners: topo.PartitionPeers(replica, partition)}

	wk := worker.New(store, registry, stats.NewCounters(statter))

	var onRemasterCommit func(slot, value uint64, leader model.MachineId)
	remasterGroup := paxos.NewGroup("remaster", self, paxosMembers(cfg.RemasterPaxosMembers()), model.ChannelPaxosRemaster, b,
		func(slot, value uint64, leader model.MachineId) { onRemasterCommit(slot, value, leader) })
	locks := newLockManager(cfg.LockManagerMode)
	sched := scheduler.New(self, topo, locks, wk, metadata, stats.NewCounters(statter), b, remasterGroup)
	onRemasterCommit = sched.OnRemasterCommit
	sched.OnRemasterCommitted(fwd.Release)

	var onMhCommit func(slot, value uint64, leader model.MachineId)
	mhGroup := paxos.NewGroup("mh-order", self, mhMembers, model.ChannelPaxosMhOrder, b,
		func(slot, value uint64, leader model.MachineId) { onMhCommit(slot, value, leader) })
	ord := orderer.New(self, topo, metadata, b, mhGroup, stats.NewCounters(statter), sched.Process)
	ord.SetOnSettled(sched.Drain)
	onMhCommit = ord.OnMhCommit

	components := map[string]server.ComponentStats{
		"forwarder": fwd,
		"scheduler": sched,
		"worker":    wk,
		"orderer":   ord,
	}
	if seq != nil {
		components["sequencer"] = seq
	}
	srv := server.New(self, fwd, stats.NewCounters(statter), components)
	recvResults := b.Subscribe(model.ChannelServer)
	go func() {
		for {
			env, ok := recvResults()
			if !ok {
				return
			}
			if r, ok := env.Payload.(*model.TxnResult); ok {
				srv.HandleResult(r.Txn)
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runLoops(ctx, b, seqGroup, remasterGroup, mhGroup, clock, seq, ord, sched)

	batchInterval := time.Duration(cfg.BatchIntervalMs) * time.Millisecond
	if batchMsOverride > 0 {
		batchInterval = time.Duration(batchMsOverride) * time.Millisecond
	}
	if seq != nil && batchInterval > 0 {
		go runTicker(ctx, batchInterval, func() {
			seq.ReleaseDue(time.Now())
			seq.Tick()
		})
	}
	go runTicker(ctx, time.Second, clock.Tick)

	clientAddr := fmt.Sprintf(":%d", cfg.ClientServerPort)
	go func() {
		if err := srv.Serve(ctx, clientAddr); err != nil {
			fmt.Fprintf(os.Stderr, "slogd: server stopped: %v\n", err)
		}
	}()

	waitForSignal()
	cancel()
	return nil
}

// runLoops starts one goroutine per inproc channel this machine has a
// handler for, pulling from bus.Subscribe in a tight loop (spec §5:
// "each component owns a message loop... no suspension points inside
// handlers").
func runLoops(ctx context.Context, b *bus.Bus, seqGroup, remasterGroup, mhGroup *paxos.Group,
	clock *clocksync.Synchronizer, seq *sequencer.Sequencer, ord *orderer.Orderer, sched *scheduler.Scheduler) {

	pull := func(channel model.Channel, handle func(*model.Envelope)) {
		recv := b.Subscribe(channel)
		go func() {
			for {
				env, ok := recv()
				if !ok {
					return
				}
				handle(env)
			}
		}()
	}

	pull(model.ChannelPaxosRemaster, remasterGroup.HandleEnvelope)
	pull(model.ChannelClockSync, clock.HandleEnvelope)

	if seqGroup != nil {
		pull(model.ChannelPaxosLog, seqGroup.HandleEnvelope)
		pull(model.ChannelSequencer, func(env *model.Envelope) {
			if fw, ok := env.Payload.(*model.ForwardTxn); ok {
				seq.Enqueue(fw)
			}
		})
	}

	pull(model.ChannelPaxosMhOrder, mhGroup.HandleEnvelope)
	pull(model.ChannelOrderer, func(env *model.Envelope) {
		switch p := env.Payload.(type) {
		case *model.BatchEnvelope:
			ord.HandleBatch(&p.Batch)
		case *model.ForwardTxn:
			ord.HandleForwardTxn(p)
		case *model.MhTxnArrived:
			ord.HandleMhTxnArrived(p)
		}
	})

	pull(model.ChannelScheduler, func(env *model.Envelope) {
		if rr, ok := env.Payload.(*model.RemoteReads); ok {
			sched.HandleRemoteReads(rr)
		}
	})

	<-ctx.Done()
}

func runTicker(ctx context.Context, interval time.Duration, fn func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

func bindListeners(b *bus.Bus, cfg *config.Config) error {
	addr := cfg.Machines[cfg.LocalMachineID]
	seen := map[int]bool{}
	bind := func(port int) error {
		if port == 0 || seen[port] {
			return nil
		}
		seen[port] = true
		return b.Listen(fmt.Sprintf(":%d", port))
	}
	if err := bind(addr.ForwarderPort); err != nil {
		return err
	}
	if err := bind(addr.SequencerPort); err != nil {
		return err
	}
	if err := bind(addr.ClockSyncPort); err != nil {
		return err
	}
	for _, p := range addr.BrokerPorts {
		if err := bind(p); err != nil {
			return err
		}
	}
	return nil
}

func newStatter(addr string) (statsd.Statter, error) {
	if addr == "" {
		return nil, nil
	}
	return statsd.NewClientWithConfig(&statsd.ClientConfig{
		Address: addr,
		Prefix:  "slogdb",
	})
}

func newStore(redisAddr string) storage.Store {
	if redisAddr == "" {
		return storage.NewMemoryStore()
	}
	return storage.NewRedisStore(redisAddr, 0, "slogdb")
}

func newLockManager(mode config.LockManagerMode) lockmgr.LockManager {
	if mode == config.ModeDDR {
		return lockmgr.NewDDRLockManager()
	}
	return lockmgr.NewFIFOLockManager()
}

func mergeFactories(maps ...map[model.PayloadKind]model.PayloadFactory) map[model.PayloadKind]model.PayloadFactory {
	out := make(map[model.PayloadKind]model.PayloadFactory)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

type paxosMembersLike interface {
	AcceptorIDs() []model.MachineId
	LearnerIDs() []model.MachineId
}

func paxosMembers(m paxosMembersLike) paxos.Members {
	return paxos.Members{Acceptors: m.AcceptorIDs(), Learners: m.LearnerIDs()}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
