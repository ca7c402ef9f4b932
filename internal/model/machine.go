// Package model defines the wire and data types shared by every component
// in the pipeline: machine addressing, envelopes, keys, metadata, and
// transactions.
package model

import "fmt"

// MachineId identifies a single (region, replica, partition) triple.
// It is bijective with grid coordinates and stable for the lifetime of
// the process that owns it.
type MachineId uint32

// Channel is a small integer naming an inproc queue on a machine. A few
// values are well-known; the rest are component-assigned.
type Channel uint32

const (
	ChannelForwarder Channel = iota
	ChannelSequencer
	ChannelOrderer
	ChannelScheduler
	ChannelWorker
	ChannelPaxosLog
	ChannelPaxosRemaster
	ChannelPaxosMhOrder
	ChannelClockSync
	ChannelServer
	ChannelBroker
	// kMaxChannel: channels at or above this value share the last
	// broker port (spec §4.1).
	KMaxChannel
)

// Grid converts between MachineId and (region, replica, partition)
// coordinates. It must be constructed with the same dimensions on every
// machine in the deployment, or the bijection breaks.
type Grid struct {
	NumRegions    int
	NumReplicas   int
	NumPartitions int
}

func NewGrid(regions, replicas, partitions int) Grid {
	return Grid{NumRegions: regions, NumReplicas: replicas, NumPartitions: partitions}
}

// MachineId computes the stable id for a coordinate triple.
func (g Grid) MachineId(region, replica, partition int) MachineId {
	return MachineId(uint32((region*g.NumReplicas+replica)*g.NumPartitions + partition))
}

// Coordinates is the inverse of MachineId.
func (g Grid) Coordinates(id MachineId) (region, replica, partition int) {
	n := int(id)
	partition = n % g.NumPartitions
	n /= g.NumPartitions
	replica = n % g.NumReplicas
	n /= g.NumReplicas
	region = n
	return
}

func (g Grid) Region(id MachineId) int {
	region, _, _ := g.Coordinates(id)
	return region
}

func (g Grid) Partition(id MachineId) int {
	_, _, partition := g.Coordinates(id)
	return partition
}

func (g Grid) Replica(id MachineId) int {
	_, replica, _ := g.Coordinates(id)
	return replica
}

// MachinesInRegion returns the MachineIds of every partition's machine
// for the given replica of a region, used for fan-out addressing that
// targets all partitions of one region replica.
func (g Grid) MachinesInRegion(region, replica int) []MachineId {
	out := make([]MachineId, 0, g.NumPartitions)
	for p := 0; p < g.NumPartitions; p++ {
		out = append(out, g.MachineId(region, replica, p))
	}
	return out
}

func (id MachineId) String() string {
	return fmt.Sprintf("machine(%d)", uint32(id))
}
