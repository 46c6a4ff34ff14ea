package raft

import "github.com/isparth/Distributed-Systems/raft-broadcast/internal/raftpb"

// event is one unit of work for the event loop. Every concrete event is
// listed in Node.step.
type event interface {
	isEvent()
}

// electionTimeout fires when no leader was heard from within the randomized
// election timeout.
type electionTimeout struct{}

// replicationTimeout is the leader's heartbeat tick.
type replicationTimeout struct{}

// proposal carries a client payload. result is buffered so the loop never
// blocks on it.
type proposal struct {
	payload []byte
	result  chan proposalResult
}

type proposalResult struct {
	index uint64
	err   error
}

// message is an envelope received from a peer.
type message struct {
	env raftpb.Envelope
}

func (electionTimeout) isEvent()    {}
func (replicationTimeout) isEvent() {}
func (proposal) isEvent()           {}
func (message) isEvent()            {}

func eventName(ev event) string {
	switch ev := ev.(type) {
	case electionTimeout:
		return "election_timeout"
	case replicationTimeout:
		return "replication_timeout"
	case proposal:
		return "proposal"
	case message:
		if ev.env.Msg == nil {
			return "message"
		}
		return ev.env.Msg.Type().String()
	default:
		return "unknown"
	}
}
