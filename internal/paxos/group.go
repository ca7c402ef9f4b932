package paxos

import (
	"sync"

	logging "github.com/op/go-logging"

	"github.com/bdeggleston/slogdb/internal/model"
)

var logger = logging.MustGetLogger("paxos")

// kPaxosDefaultLeaderPosition names the fixed index into Members.Acceptors
// that is always the elected leader. Leader re-election is out of scope
// (spec §4.7).
const kPaxosDefaultLeaderPosition = 0

// Sender is the subset of the bus a paxos Group needs. Kept narrow so
// tests can substitute an in-memory fake without pulling in zmq.
type Sender interface {
	Send(env *model.Envelope, to model.MachineId, channel model.Channel) error
	SendMulti(env *model.Envelope, to []model.MachineId, channel model.Channel) error
}

// Members is the static voting membership of one Paxos group.
type Members struct {
	Acceptors []model.MachineId
	Learners  []model.MachineId
}

func (m Members) ElectedLeader() model.MachineId {
	return m.Acceptors[kPaxosDefaultLeaderPosition]
}

func (m Members) isAcceptor(id model.MachineId) (int, bool) {
	for i, a := range m.Acceptors {
		if a == id {
			return i, true
		}
	}
	return 0, false
}

func (m Members) isLearner(id model.MachineId) bool {
	for _, l := range m.Learners {
		if l == id {
			return true
		}
	}
	return false
}

// leaderInstance is the leader's bookkeeping for one in-flight slot.
type leaderInstance struct {
	ballot      uint64
	value       uint64
	numAccepts  int
	numCommits  int
}

// Group is one participant in a simulated multi-Paxos group: it plays
// whichever of {leader, acceptor, learner} roles its membership in
// Members implies, exactly as spec §4.7 describes.
type Group struct {
	name    string
	self    model.MachineId
	members Members
	channel model.Channel
	sender  Sender

	onCommit func(slot, value uint64, leader model.MachineId)

	isElectedLeader bool
	ballot          uint64 // this machine's ballot, if it is an acceptor

	mu sync.Mutex

	// leader-side state
	nextSlot  uint64
	instances map[uint64]*leaderInstance

	// acceptor-side state
	highestSeenBallot uint64
	acceptedValue     map[uint64]uint64

	// learner-side state: slots already delivered upstream, enforcing
	// "OnCommit is delivered at most once per slot at each learner"
	// (spec §4.7 invariant).
	delivered map[uint64]bool
}

// NewGroup constructs a Group. onCommit is invoked synchronously from the
// group's own handler goroutine, matching spec §5's "no suspension points
// inside handlers" rule — callers must not block in it.
func NewGroup(name string, self model.MachineId, members Members, channel model.Channel, sender Sender, onCommit func(slot, value uint64, leader model.MachineId)) *Group {
	g := &Group{
		name:          name,
		self:          self,
		members:       members,
		channel:       channel,
		sender:        sender,
		onCommit:      onCommit,
		instances:     make(map[uint64]*leaderInstance),
		acceptedValue: make(map[uint64]uint64),
		delivered:     make(map[uint64]bool),
	}
	if pos, ok := members.isAcceptor(self); ok {
		g.ballot = uint64(pos)
		g.isElectedLeader = pos == kPaxosDefaultLeaderPosition
	}
	return g
}

// Propose asks the group to agree on value (spec §4.7). If this machine
// is the elected leader it starts a new instance directly; otherwise it
// forwards the proposal to the elected leader.
func (g *Group) Propose(value uint64) error {
	if g.isElectedLeader {
		g.startNewInstance(value)
		return nil
	}
	env := model.NewEnvelope(g.self, &Propose{Value: value})
	return g.sender.Send(env, g.members.ElectedLeader(), g.channel)
}

func (g *Group) startNewInstance(value uint64) {
	g.mu.Lock()
	slot := g.nextSlot
	g.nextSlot++
	g.instances[slot] = &leaderInstance{ballot: g.ballot, value: value}
	g.mu.Unlock()

	env := model.NewEnvelope(g.self, &Accept{Ballot: g.ballot, Slot: slot, Value: value})
	if err := g.sender.SendMulti(env, g.members.Acceptors, g.channel); err != nil {
		logger.Warningf("%s: failed broadcasting accept for slot %d: %v", g.name, slot, err)
	}
}

// HandleEnvelope dispatches one received paxos message to the
// appropriate role handler. It is the single entry point a component's
// message loop calls for this group's channel.
func (g *Group) HandleEnvelope(env *model.Envelope) {
	switch p := env.Payload.(type) {
	case *Propose:
		g.handlePropose(p)
	case *Accept:
		g.handleAccept(env.From, p)
	case *AcceptOK:
		g.handleAcceptOK(p)
	case *Commit:
		g.handleCommit(p)
	case *CommitOK:
		g.handleCommitOK(p)
	default:
		logger.Warningf("%s: unexpected payload type %T", g.name, env.Payload)
	}
}

// handlePropose only runs at the elected leader: every non-leader
// forwards instead of accepting a Propose locally.
func (g *Group) handlePropose(p *Propose) {
	if !g.isElectedLeader {
		logger.Warningf("%s: received Propose while not elected leader, ignoring", g.name)
		return
	}
	g.startNewInstance(p.Value)
}

// handleAccept runs at every acceptor: vote for ballot if it is not
// behind the highest ballot this acceptor has already seen.
func (g *Group) handleAccept(from model.MachineId, a *Accept) {
	if _, ok := g.members.isAcceptor(g.self); !ok {
		return
	}

	g.mu.Lock()
	if a.Ballot < g.highestSeenBallot {
		g.mu.Unlock()
		return
	}
	g.highestSeenBallot = a.Ballot
	g.acceptedValue[a.Slot] = a.Value
	g.mu.Unlock()

	env := model.NewEnvelope(g.self, &AcceptOK{Slot: a.Slot})
	if err := g.sender.Send(env, from, g.channel); err != nil {
		logger.Warningf("%s: failed replying AcceptOK for slot %d: %v", g.name, a.Slot, err)
	}
}

// handleAcceptOK runs at the leader: once a majority of acceptors have
// voted for a slot, commit it to the learners.
func (g *Group) handleAcceptOK(a *AcceptOK) {
	g.mu.Lock()
	inst, ok := g.instances[a.Slot]
	if !ok {
		g.mu.Unlock()
		return
	}
	inst.numAccepts++
	quorum := len(g.members.Acceptors)/2 + 1
	shouldCommit := inst.numAccepts == quorum
	value := inst.value
	g.mu.Unlock()

	if !shouldCommit {
		return
	}
	env := model.NewEnvelope(g.self, &Commit{Slot: a.Slot, Value: value, Leader: g.self})
	if err := g.sender.SendMulti(env, g.members.Learners, g.channel); err != nil {
		logger.Warningf("%s: failed broadcasting commit for slot %d: %v", g.name, a.Slot, err)
	}
}

// handleCommit runs at every learner: deliver OnCommit at most once per
// slot, then ack the leader.
func (g *Group) handleCommit(c *Commit) {
	if !g.members.isLearner(g.self) {
		return
	}

	g.mu.Lock()
	alreadyDelivered := g.delivered[c.Slot]
	g.delivered[c.Slot] = true
	g.mu.Unlock()

	if !alreadyDelivered && g.onCommit != nil {
		g.onCommit(c.Slot, c.Value, c.Leader)
	}

	env := model.NewEnvelope(g.self, &CommitOK{Slot: c.Slot})
	if err := g.sender.Send(env, c.Leader, g.channel); err != nil {
		logger.Warningf("%s: failed acking commit for slot %d: %v", g.name, c.Slot, err)
	}
}

// handleCommitOK runs at the leader: once every acceptor has acked the
// commit, the instance's bookkeeping can be evicted.
func (g *Group) handleCommitOK(c *CommitOK) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inst, ok := g.instances[c.Slot]
	if !ok {
		return
	}
	inst.numCommits++
	if inst.numCommits >= len(g.members.Acceptors) {
		delete(g.instances, c.Slot)
	}
}
