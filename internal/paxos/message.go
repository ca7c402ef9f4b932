/*
Package paxos implements the simulated multi-Paxos group described in
spec §4.7: a single statically elected leader, acceptors that vote on
accept requests, and learners that deliver commits at most once. Callers
instantiate independent groups — one for sequencer log ordering, one for
remaster decisions, and one per partition for multi-home ordering.
*/
package paxos

import (
	"bufio"

	"github.com/bdeggleston/slogdb/internal/model"
	"github.com/bdeggleston/slogdb/internal/serializer"
)

// Propose asks the group to agree on value. Sent by any machine that is
// not the elected leader, forwarded on to it (spec §4.7).
type Propose struct {
	Value uint64
}

func (Propose) Kind() model.PayloadKind { return model.KindPaxosPropose }

func (p Propose) Serialize(buf *bufio.Writer) error {
	return serializer.WriteUint64(buf, p.Value)
}

func (p *Propose) Deserialize(buf *bufio.Reader) error {
	v, err := serializer.ReadUint64(buf)
	if err != nil {
		return err
	}
	p.Value = v
	return nil
}

// Accept is the leader's instruction to acceptors to vote for value at
// (ballot, slot).
type Accept struct {
	Ballot uint64
	Slot   uint64
	Value  uint64
}

func (Accept) Kind() model.PayloadKind { return model.KindPaxosAccept }

func (a Accept) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, a.Ballot); err != nil {
		return err
	}
	if err := serializer.WriteUint64(buf, a.Slot); err != nil {
		return err
	}
	return serializer.WriteUint64(buf, a.Value)
}

func (a *Accept) Deserialize(buf *bufio.Reader) error {
	var err error
	if a.Ballot, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	if a.Slot, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	a.Value, err = serializer.ReadUint64(buf)
	return err
}

// AcceptOK is an acceptor's vote acknowledgement.
type AcceptOK struct {
	Slot uint64
}

func (AcceptOK) Kind() model.PayloadKind { return model.KindPaxosAcceptOK }

func (a AcceptOK) Serialize(buf *bufio.Writer) error {
	return serializer.WriteUint64(buf, a.Slot)
}

func (a *AcceptOK) Deserialize(buf *bufio.Reader) error {
	v, err := serializer.ReadUint64(buf)
	if err != nil {
		return err
	}
	a.Slot = v
	return nil
}

// Commit is the leader's announcement, after a quorum of AcceptOKs, that
// slot is decided.
type Commit struct {
	Slot   uint64
	Value  uint64
	Leader model.MachineId
}

func (Commit) Kind() model.PayloadKind { return model.KindPaxosCommit }

func (c Commit) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, c.Slot); err != nil {
		return err
	}
	if err := serializer.WriteUint64(buf, c.Value); err != nil {
		return err
	}
	return serializer.WriteUint32(buf, uint32(c.Leader))
}

func (c *Commit) Deserialize(buf *bufio.Reader) error {
	var err error
	if c.Slot, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	if c.Value, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	leader, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	c.Leader = model.MachineId(leader)
	return nil
}

// CommitOK is a learner's acknowledgement of a delivered commit, used by
// the leader to know when it can evict the instance's bookkeeping.
type CommitOK struct {
	Slot uint64
}

func (CommitOK) Kind() model.PayloadKind { return model.KindPaxosCommitOK }

func (c CommitOK) Serialize(buf *bufio.Writer) error {
	return serializer.WriteUint64(buf, c.Slot)
}

func (c *CommitOK) Deserialize(buf *bufio.Reader) error {
	v, err := serializer.ReadUint64(buf)
	if err != nil {
		return err
	}
	c.Slot = v
	return nil
}

// Factories returns the PayloadFactory registrations for every paxos
// wire message, for merging into a bus's deserialization registry.
func Factories() map[model.PayloadKind]model.PayloadFactory {
	return map[model.PayloadKind]model.PayloadFactory{
		model.KindPaxosPropose:  func() model.Payload { return &Propose{} },
		model.KindPaxosAccept:   func() model.Payload { return &Accept{} },
		model.KindPaxosAcceptOK: func() model.Payload { return &AcceptOK{} },
		model.KindPaxosCommit:   func() model.Payload { return &Commit{} },
		model.KindPaxosCommitOK: func() model.Payload { return &CommitOK{} },
	}
}
