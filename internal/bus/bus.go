/*
Package bus implements the envelope bus and transport described in spec
§4.1: inproc delivery between components on one machine, and PUSH-socket
delivery between machines, framed as [machine_id][channel][envelope_bytes].
*/
package bus

import (
	"bufio"
	"bytes"
	"fmt"
	"sync"

	logging "github.com/op/go-logging"
	zmq "github.com/pebbe/zmq4"

	"github.com/bdeggleston/slogdb/internal/model"
)

var logger = logging.MustGetLogger("bus")

// Locator resolves addressing for the grid: the host:port a remote
// machine's broker/forwarder/sequencer/clocksync listens on.
type Locator interface {
	// Address returns the "host:port" a machine listens on for the
	// given channel's port class.
	Address(machine model.MachineId, channel model.Channel) (string, error)
}

// Bus is one machine's message substrate: it owns the inproc channel
// queues for every local component and lazily dials PUSH sockets to
// remote machines. One Bus per process (spec §5 "the envelope bus
// context is shared (read-only after init)").
type Bus struct {
	self     model.MachineId
	locator  Locator
	factories map[model.PayloadKind]model.PayloadFactory

	mu      sync.Mutex
	inproc  map[model.Channel]*unboundedQueue
	remote  map[remoteKey]*zmq.Socket
	zctx    *zmq.Context

	listeners map[string]*zmq.Socket // one PULL socket per locally-bound port
}

type remoteKey struct {
	machine model.MachineId
	channel model.Channel
}

func New(self model.MachineId, locator Locator, factories map[model.PayloadKind]model.PayloadFactory) (*Bus, error) {
	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("bus: create zmq context: %w", err)
	}
	return &Bus{
		self:      self,
		locator:   locator,
		factories: factories,
		inproc:    make(map[model.Channel]*unboundedQueue),
		remote:    make(map[remoteKey]*zmq.Socket),
		listeners: make(map[string]*zmq.Socket),
		zctx:      zctx,
	}, nil
}

// Subscribe registers channel for inproc delivery and returns a receive
// function the owning component's message loop should call in a tight
// loop (spec §5: "each component owns a message loop that pulls
// envelopes from its inproc channel").
func (b *Bus) Subscribe(channel model.Channel) func() (*model.Envelope, bool) {
	b.mu.Lock()
	q, ok := b.inproc[channel]
	if !ok {
		q = newUnboundedQueue()
		b.inproc[channel] = q
	}
	b.mu.Unlock()
	return q.pop
}

// Close stops delivery to every local queue and tears down remote sockets.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.inproc {
		q.close()
	}
	for _, sock := range b.remote {
		sock.Close()
	}
	for _, sock := range b.listeners {
		sock.Close()
	}
}

// Send delivers env to toMachine on channel: inproc if toMachine is self,
// otherwise a single serialize-and-push over the remote PUSH socket
// (spec §4.1).
func (b *Bus) Send(env *model.Envelope, toMachine model.MachineId, channel model.Channel) error {
	if toMachine == b.self {
		b.deliverLocal(env, channel)
		return nil
	}
	payload, err := serializeEnvelope(env)
	if err != nil {
		return err
	}
	return b.sendSerialized(payload, toMachine, channel)
}

// SendMulti serializes env once and fans it out to every machine in
// toMachines, delivering the local copy inproc if self is among them
// (spec §4.1 "send(env, to_machines[], channel)").
func (b *Bus) SendMulti(env *model.Envelope, toMachines []model.MachineId, channel model.Channel) error {
	var serialized []byte
	needSerialized := false
	for _, m := range toMachines {
		if m != b.self {
			needSerialized = true
			break
		}
	}
	if needSerialized {
		var err error
		serialized, err = serializeEnvelope(env)
		if err != nil {
			return err
		}
	}
	for _, m := range toMachines {
		if m == b.self {
			b.deliverLocal(env, channel)
			continue
		}
		if err := b.sendSerialized(serialized, m, channel); err != nil {
			logger.Warningf("bus: send to %v on channel %v failed: %v", m, channel, err)
		}
	}
	return nil
}

func (b *Bus) deliverLocal(env *model.Envelope, channel model.Channel) {
	b.mu.Lock()
	q, ok := b.inproc[channel]
	if !ok {
		q = newUnboundedQueue()
		b.inproc[channel] = q
	}
	b.mu.Unlock()
	q.push(env)
}

func (b *Bus) sendSerialized(envBytes []byte, toMachine model.MachineId, channel model.Channel) error {
	sock, err := b.getRemoteSocket(toMachine, channel)
	if err != nil {
		return err
	}
	frame := frameMessage(b.self, channel, envBytes)
	_, err = sock.SendBytes(frame, 0)
	return err
}

// getRemoteSocket lazily dials and caches a PUSH socket for
// (machine, channel)'s port class, mirroring the teacher's
// RemoteNode.getConnection connection cache.
func (b *Bus) getRemoteSocket(machine model.MachineId, channel model.Channel) (*zmq.Socket, error) {
	key := remoteKey{machine: machine, channel: channel}

	b.mu.Lock()
	if sock, ok := b.remote[key]; ok {
		b.mu.Unlock()
		return sock, nil
	}
	b.mu.Unlock()

	addr, err := b.locator.Address(machine, channel)
	if err != nil {
		return nil, fmt.Errorf("bus: resolve address for %v: %w", machine, err)
	}

	sock, err := b.zctx.NewSocket(zmq.PUSH)
	if err != nil {
		return nil, fmt.Errorf("bus: new PUSH socket: %w", err)
	}
	if err := sock.SetSndhwm(0); err != nil {
		return nil, err
	}
	if err := sock.Connect("tcp://" + addr); err != nil {
		return nil, fmt.Errorf("bus: connect to %v: %w", addr, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.remote[key]; ok {
		sock.Close()
		return existing, nil
	}
	b.remote[key] = sock
	return sock, nil
}

// Listen binds a PULL socket on addr and dispatches received frames to
// the matching inproc channel queue, forever, until the bus is closed.
func (b *Bus) Listen(addr string) error {
	sock, err := b.zctx.NewSocket(zmq.PULL)
	if err != nil {
		return fmt.Errorf("bus: new PULL socket: %w", err)
	}
	if err := sock.Bind("tcp://" + addr); err != nil {
		return fmt.Errorf("bus: bind %v: %w", addr, err)
	}

	b.mu.Lock()
	b.listeners[addr] = sock
	b.mu.Unlock()

	go func() {
		for {
			frame, err := sock.RecvBytes(0)
			if err != nil {
				logger.Debugf("bus: listener on %v stopped: %v", addr, err)
				return
			}
			fromMachine, channel, envBytes, err := unframeMessage(frame)
			if err != nil {
				logger.Warningf("bus: malformed frame from socket %v: %v", addr, err)
				continue
			}
			env, err := b.deserializeEnvelope(envBytes)
			if err != nil {
				logger.Warningf("bus: failed to deserialize envelope from %v: %v", fromMachine, err)
				continue
			}
			b.deliverLocal(env, channel)
		}
	}()
	return nil
}

func serializeEnvelope(env *model.Envelope) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	if err := env.Serialize(w); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *Bus) deserializeEnvelope(envBytes []byte) (*model.Envelope, error) {
	r := bufio.NewReader(bytes.NewReader(envBytes))
	return model.DeserializeEnvelope(r, b.factories)
}
