package bus

import (
	"encoding/binary"
	"fmt"

	"github.com/bdeggleston/slogdb/internal/model"
)

// frameMessage builds the three-part wire frame from spec §6:
// [sender_machine_id: u32 LE][channel: u32 LE][envelope_bytes].
func frameMessage(from model.MachineId, channel model.Channel, envBytes []byte) []byte {
	frame := make([]byte, 4+4+len(envBytes))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(from))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(channel))
	copy(frame[8:], envBytes)
	return frame
}

func unframeMessage(frame []byte) (model.MachineId, model.Channel, []byte, error) {
	if len(frame) < 8 {
		return 0, 0, nil, fmt.Errorf("bus: frame too short (%d bytes)", len(frame))
	}
	from := model.MachineId(binary.LittleEndian.Uint32(frame[0:4]))
	channel := model.Channel(binary.LittleEndian.Uint32(frame[4:8]))
	return from, channel, frame[8:], nil
}

// PortClass maps a Channel to the logical port class it is delivered on
// (spec §4.1: "Forwarder, Sequencer, ClockSynchronizer have dedicated
// ports; other channels share broker ports. Channels >= kMaxChannel use
// the last broker port.").
type PortClass int

const (
	PortForwarder PortClass = iota
	PortSequencer
	PortClockSync
	PortBroker
)

// ClassOf returns the port class a channel is routed to.
func ClassOf(channel model.Channel) PortClass {
	switch channel {
	case model.ChannelForwarder:
		return PortForwarder
	case model.ChannelSequencer:
		return PortSequencer
	case model.ChannelClockSync:
		return PortClockSync
	default:
		return PortBroker
	}
}
