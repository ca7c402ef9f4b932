/*
Package topology describes the static grid of machines spec §2 requires:
one instance of every core component per (region, replica, partition).
Unlike the teacher's topology.DatacenterContainer/Ring (a dynamic
consistent-hash ring over joining/leaving nodes), membership here is
static and config-driven (spec §1 Non-goals: "no dynamic membership") —
the Ring's "add/remove node, redistribute tokens" machinery has no job to
do, so this package keeps only the part of the teacher's design that
still applies: grouping machines by region and answering "who is
responsible for X" queries.
*/
package topology

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/bdeggleston/slogdb/internal/model"
)

// Topology is the read-mostly map from grid coordinates to MachineId and
// back, built once from static configuration at process start.
type Topology struct {
	grid model.Grid

	mu      sync.RWMutex
	regions map[int][]model.MachineId // region -> machines across all replicas/partitions
}

func New(grid model.Grid) *Topology {
	t := &Topology{grid: grid, regions: make(map[int][]model.MachineId)}
	for r := 0; r < grid.NumRegions; r++ {
		for rep := 0; rep < grid.NumReplicas; rep++ {
			for p := 0; p < grid.NumPartitions; p++ {
				t.regions[r] = append(t.regions[r], grid.MachineId(r, rep, p))
			}
		}
	}
	return t
}

func (t *Topology) Grid() model.Grid { return t.grid }

// SequencerMachine returns the MachineId that hosts the Sequencer for a
// given region's given replica (a region's sequencer is addressed
// per-replica because each replica of a region independently sequences
// and replicates the same SH stream, spec §4.3).
func (t *Topology) SequencerMachine(region, replica int) model.MachineId {
	return t.grid.MachineId(region, replica, 0)
}

// SchedulerMachine returns the MachineId owning the Scheduler for
// (region, replica, partition) — one per partition, since locks are
// partition-local (spec §4.5).
func (t *Topology) SchedulerMachine(region, replica, partition int) model.MachineId {
	return t.grid.MachineId(region, replica, partition)
}

// OrdererMachine returns the MachineId owning the Multi-Home Orderer for
// (region, replica, partition) — one per partition, co-located with its
// Scheduler (spec §4.4 "on every partition").
func (t *Topology) OrdererMachine(region, replica, partition int) model.MachineId {
	return t.grid.MachineId(region, replica, partition)
}

// RegionMachines returns every MachineId belonging to a region, across
// all replicas and partitions.
func (t *Topology) RegionMachines(region int) ([]model.MachineId, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	machines, ok := t.regions[region]
	if !ok {
		return nil, fmt.Errorf("topology: unknown region %d", region)
	}
	out := make([]model.MachineId, len(machines))
	copy(out, machines)
	return out, nil
}

// PartitionPeers returns the MachineId of the given partition in every
// region at the given replica — used by the Orderer/Scheduler to address
// "the same partition in every other region" for multi-home fan-out.
func (t *Topology) PartitionPeers(replica, partition int) []model.MachineId {
	out := make([]model.MachineId, 0, t.grid.NumRegions)
	for r := 0; r < t.grid.NumRegions; r++ {
		out = append(out, t.grid.MachineId(r, replica, partition))
	}
	return out
}

// PartitionOf assigns key to one of the grid's partitions by a stable
// hash. Unlike the teacher's Partitioner (a consistent-hash Token ring
// that redistributes on membership change), the partition count here is
// fixed for the deployment's lifetime, so a plain modulo hash is enough:
// there is never a rebalance to make consistent-hashing worth its
// complexity (spec §1 Non-goals: "no dynamic membership").
func (t *Topology) PartitionOf(key model.Key) int {
	if t.grid.NumPartitions <= 1 {
		return 0
	}
	h := fnv.New64a()
	h.Write(key)
	return int(h.Sum64() % uint64(t.grid.NumPartitions))
}
