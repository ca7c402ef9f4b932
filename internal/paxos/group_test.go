package paxos

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/slogdb/internal/model"
)

// fakeNetwork wires a set of in-memory Groups together, delivering Send
// synchronously so tests don't need to sleep/poll.
type fakeNetwork struct {
	mu     sync.Mutex
	groups map[model.MachineId]*Group
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{groups: make(map[model.MachineId]*Group)}
}

func (n *fakeNetwork) register(id model.MachineId, g *Group) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups[id] = g
}

func (n *fakeNetwork) Send(env *model.Envelope, to model.MachineId, channel model.Channel) error {
	n.mu.Lock()
	g := n.groups[to]
	n.mu.Unlock()
	g.HandleEnvelope(env)
	return nil
}

func (n *fakeNetwork) SendMulti(env *model.Envelope, tos []model.MachineId, channel model.Channel) error {
	for _, to := range tos {
		if err := n.Send(env, to, channel); err != nil {
			return err
		}
	}
	return nil
}

func newTestGroup(net *fakeNetwork, id model.MachineId, members Members, commits *[]uint64, mu *sync.Mutex) *Group {
	g := NewGroup("test", id, members, model.ChannelPaxosLog, net, func(slot, value uint64, leader model.MachineId) {
		mu.Lock()
		defer mu.Unlock()
		*commits = append(*commits, value)
	})
	net.register(id, g)
	return g
}

func TestGroupCommitsProposedValueToAllLearners(t *testing.T) {
	net := newFakeNetwork()
	members := Members{
		Acceptors: []model.MachineId{1, 2, 3},
		Learners:  []model.MachineId{1, 2, 3, 4},
	}

	var mu sync.Mutex
	commits1, commits4 := []uint64{}, []uint64{}
	newTestGroup(net, 1, members, &commits1, &mu)
	newTestGroup(net, 2, members, &[]uint64{}, &mu)
	newTestGroup(net, 3, members, &[]uint64{}, &mu)
	newTestGroup(net, 4, members, &commits4, &mu)

	leader := net.groups[1]
	require.NoError(t, leader.Propose(42))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{42}, commits1)
	require.Equal(t, []uint64{42}, commits4)
}

func TestNonLeaderForwardsProposeToElectedLeader(t *testing.T) {
	net := newFakeNetwork()
	members := Members{
		Acceptors: []model.MachineId{10, 20},
		Learners:  []model.MachineId{10, 20},
	}

	var mu sync.Mutex
	var commits []uint64
	newTestGroup(net, 10, members, &commits, &mu)
	follower := newTestGroup(net, 20, members, &[]uint64{}, &mu)

	require.NoError(t, follower.Propose(7))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{7}, commits)
}

func TestLearnerDeliversCommitAtMostOnce(t *testing.T) {
	net := newFakeNetwork()
	members := Members{
		Acceptors: []model.MachineId{1},
		Learners:  []model.MachineId{1, 2},
	}

	var mu sync.Mutex
	var deliveries int
	g2 := NewGroup("test", 2, members, model.ChannelPaxosLog, net, func(slot, value uint64, leader model.MachineId) {
		mu.Lock()
		defer mu.Unlock()
		deliveries++
	})
	net.register(2, g2)
	newTestGroup(net, 1, members, &[]uint64{}, &mu)

	commit := &Commit{Slot: 0, Value: 99, Leader: 1}
	env := model.NewEnvelope(1, commit)
	g2.HandleEnvelope(env)
	g2.HandleEnvelope(env)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, deliveries)
}

func TestAcceptorRejectsStaleBallot(t *testing.T) {
	net := newFakeNetwork()
	members := Members{Acceptors: []model.MachineId{1, 2}, Learners: []model.MachineId{1}}
	var mu sync.Mutex
	acceptor := newTestGroup(net, 2, members, &[]uint64{}, &mu)

	acceptor.handleAccept(1, &Accept{Ballot: 5, Slot: 0, Value: 1})
	require.Equal(t, uint64(5), acceptor.highestSeenBallot)

	acceptor.handleAccept(1, &Accept{Ballot: 2, Slot: 0, Value: 2})
	require.Equal(t, uint64(5), acceptor.highestSeenBallot, "stale ballot must not overwrite the highest seen ballot")
}
