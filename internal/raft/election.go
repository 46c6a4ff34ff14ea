package raft

import (
	"fmt"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raftpb"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

// stepElectionTimeout starts a new election unless this node already leads.
func (n *Node) stepElectionTimeout() {
	if n.role == types.RoleLeader {
		n.resetElectionTimer()
		return
	}

	n.currentTerm++
	n.role = types.RoleCandidate
	n.votedFor = n.id
	n.votesReceived = map[types.NodeID]struct{}{n.id: {}}
	n.currentLeader = ""
	n.progress = nil
	n.resetElectionTimer()

	logger.Infow("starting election", "id", n.id, "term", n.currentTerm)

	if len(n.votesReceived) >= n.quorum() {
		n.becomeLeader()
		return
	}

	req := &raftpb.VoteRequest{
		Term:          n.currentTerm,
		CandidateID:   n.id,
		LastLogTerm:   n.log.LastTerm(),
		LastLogLength: n.log.Len(),
	}
	n.broadcast(func(types.NodeID) raftpb.Message { return req })
}

func (n *Node) handleVoteRequest(from types.NodeID, req *raftpb.VoteRequest) error {
	if req.Term > n.currentTerm {
		n.becomeFollower(req.Term)
	}

	lastTerm := n.log.LastTerm()
	logOK := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogLength >= n.log.Len())
	canVote := n.votedFor == "" || n.votedFor == req.CandidateID

	if req.Term == n.currentTerm && canVote && logOK {
		n.votedFor = req.CandidateID
		n.resetElectionTimer()
		logger.Debugw("vote granted", "id", n.id, "candidate", req.CandidateID, "term", n.currentTerm)
		n.send(from, &raftpb.VoteResponse{Term: n.currentTerm, Granted: true})
		return nil
	}

	n.send(from, &raftpb.VoteResponse{Term: n.currentTerm, Granted: false})
	if req.Term < n.currentTerm {
		return fmt.Errorf("vote request from %s at term %d, current %d: %w", from, req.Term, n.currentTerm, ErrStaleTerm)
	}
	return nil
}

func (n *Node) handleVoteResponse(from types.NodeID, resp *raftpb.VoteResponse) error {
	if resp.Term > n.currentTerm {
		n.becomeFollower(resp.Term)
		return nil
	}
	if resp.Term < n.currentTerm {
		return fmt.Errorf("vote response from %s at term %d, current %d: %w", from, resp.Term, n.currentTerm, ErrStaleTerm)
	}
	if !resp.Granted {
		logger.Debugw("vote rejected", "id", n.id, "voter", from, "term", n.currentTerm)
		return nil
	}

	// Late votes for a won election are still recorded for the term.
	switch n.role {
	case types.RoleCandidate:
		n.votesReceived[from] = struct{}{}
		logger.Debugw("vote received", "id", n.id, "voter", from, "term", n.currentTerm, "votes", len(n.votesReceived))
		if len(n.votesReceived) >= n.quorum() {
			n.becomeLeader()
		}
	case types.RoleLeader:
		n.votesReceived[from] = struct{}{}
	}
	return nil
}

func (n *Node) becomeLeader() {
	n.role = types.RoleLeader
	n.currentLeader = n.id
	n.progress = make(map[types.NodeID]*progress, len(n.peers))
	for _, p := range n.peers {
		n.progress[p] = &progress{sentLength: n.log.Len(), ackedLength: 0}
	}

	logger.Infow("became leader", "id", n.id, "term", n.currentTerm, "votes", len(n.votesReceived), "log_length", n.log.Len())

	n.broadcast(n.logRequestFor)
}
