/*
Package config loads the static, machine-local configuration file spec §6
describes: local machine id, transport addresses, per-channel ports,
grid dimensions, lock-manager mode, batching interval, and Paxos
membership. No environment variables are mandatory.
*/
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/bdeggleston/slogdb/internal/bus"
	"github.com/bdeggleston/slogdb/internal/model"
)

// LockManagerMode selects the Scheduler's lock manager implementation
// (spec §4.5).
type LockManagerMode string

const (
	ModeOld LockManagerMode = "OLD"
	ModeRMA LockManagerMode = "RMA"
	ModeDDR LockManagerMode = "DDR"
)

// MachineAddr is one machine's host and per-port-class listen ports.
type MachineAddr struct {
	Host           string `toml:"host"`
	ForwarderPort  int    `toml:"forwarder_port"`
	SequencerPort  int    `toml:"sequencer_port"`
	ClockSyncPort  int    `toml:"clock_sync_port"`
	BrokerPorts    []int  `toml:"broker_ports"`
}

// Config is the fully parsed contents of one machine's static config
// file (spec §6).
type Config struct {
	LocalMachineID int           `toml:"local_machine_id"`
	Protocol       string        `toml:"protocol"`
	Machines       []MachineAddr `toml:"machines"`

	NumRegions    int `toml:"num_regions"`
	NumReplicas   int `toml:"num_replicas"`
	NumPartitions int `toml:"num_partitions"`

	// DistanceRanking[i] lists region ids ordered nearest-to-farthest
	// from region i, used by workload partitioning hints.
	DistanceRanking [][]int `toml:"distance_ranking"`

	LockManagerMode   LockManagerMode `toml:"lock_manager_mode"`
	BatchIntervalMs   int             `toml:"batch_interval_ms"`
	PaxosAcceptors    []int           `toml:"paxos_acceptors"`
	PaxosLearners     []int           `toml:"paxos_learners"`

	RemasterPaxosAcceptors []int `toml:"remaster_paxos_acceptors"`
	RemasterPaxosLearners  []int `toml:"remaster_paxos_learners"`

	ClientServerPort int `toml:"client_server_port"`
}

// Load parses a TOML config file at path.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.LocalMachineID < 0 || c.LocalMachineID >= len(c.Machines) {
		return fmt.Errorf("local_machine_id %d out of range of %d machines", c.LocalMachineID, len(c.Machines))
	}
	if c.NumRegions*c.NumReplicas*c.NumPartitions != len(c.Machines) {
		return fmt.Errorf("grid dimensions %dx%dx%d do not match %d configured machines",
			c.NumRegions, c.NumReplicas, c.NumPartitions, len(c.Machines))
	}
	switch c.LockManagerMode {
	case ModeOld, ModeRMA, ModeDDR:
	default:
		return fmt.Errorf("unknown lock_manager_mode %q", c.LockManagerMode)
	}
	return nil
}

func (c *Config) Grid() model.Grid {
	return model.NewGrid(c.NumRegions, c.NumReplicas, c.NumPartitions)
}

func (c *Config) Self() model.MachineId {
	return model.MachineId(c.LocalMachineID)
}

// Locator implements bus.Locator over the static machine address table.
type Locator struct {
	cfg *Config
}

func NewLocator(cfg *Config) *Locator {
	return &Locator{cfg: cfg}
}

var _ bus.Locator = (*Locator)(nil)

func (l *Locator) Address(machine model.MachineId, channel model.Channel) (string, error) {
	idx := int(machine)
	if idx < 0 || idx >= len(l.cfg.Machines) {
		return "", fmt.Errorf("config: no address for machine %d", machine)
	}
	addr := l.cfg.Machines[idx]

	switch bus.ClassOf(channel) {
	case bus.PortForwarder:
		return fmt.Sprintf("%s:%d", addr.Host, addr.ForwarderPort), nil
	case bus.PortSequencer:
		return fmt.Sprintf("%s:%d", addr.Host, addr.SequencerPort), nil
	case bus.PortClockSync:
		return fmt.Sprintf("%s:%d", addr.Host, addr.ClockSyncPort), nil
	default:
		if len(addr.BrokerPorts) == 0 {
			return "", fmt.Errorf("config: machine %d has no broker_ports configured", machine)
		}
		// Channels >= kMaxChannel (and any other shared channel) use the
		// last broker port (spec §4.1).
		port := addr.BrokerPorts[len(addr.BrokerPorts)-1]
		if int(channel) < len(addr.BrokerPorts) {
			port = addr.BrokerPorts[channel]
		}
		return fmt.Sprintf("%s:%d", addr.Host, port), nil
	}
}

func machineIDs(ints []int) []model.MachineId {
	out := make([]model.MachineId, len(ints))
	for i, v := range ints {
		out[i] = model.MachineId(v)
	}
	return out
}

func (c *Config) PaxosMembers() paxosMembers {
	return paxosMembers{Acceptors: machineIDs(c.PaxosAcceptors), Learners: machineIDs(c.PaxosLearners)}
}

func (c *Config) RemasterPaxosMembers() paxosMembers {
	return paxosMembers{Acceptors: machineIDs(c.RemasterPaxosAcceptors), Learners: machineIDs(c.RemasterPaxosLearners)}
}

// paxosMembers mirrors paxos.Members without importing the paxos package,
// keeping config dependency-free of the pipeline packages it configures;
// callers convert with paxos.Members{Acceptors: m.Acceptors, Learners: m.Learners}.
type paxosMembers struct {
	Acceptors []model.MachineId
	Learners  []model.MachineId
}

func (m paxosMembers) AcceptorIDs() []model.MachineId { return m.Acceptors }
func (m paxosMembers) LearnerIDs() []model.MachineId  { return m.Learners }
