package raft

import (
	"fmt"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raftpb"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

func (n *Node) stepReplicationTimeout() {
	if n.role != types.RoleLeader {
		return
	}
	n.broadcast(n.logRequestFor)
}

func (n *Node) stepProposal(p proposal) {
	if n.role != types.RoleLeader {
		p.result <- proposalResult{err: &NotLeaderError{Leader: n.currentLeader, Term: n.currentTerm}}
		return
	}

	n.log.Append(storage.Entry{Term: n.currentTerm, Payload: p.payload})
	index := n.log.Len() - 1
	p.result <- proposalResult{index: index}

	logger.Debugw("proposal appended", "id", n.id, "term", n.currentTerm, "index", index)

	n.broadcast(n.logRequestFor)
	// A single-member cluster commits on its own.
	n.commitLogEntries()
}

// logRequestFor builds the LogRequest carrying everything past what peer was
// last known to hold.
func (n *Node) logRequestFor(peer types.NodeID) raftpb.Message {
	pr := n.progress[peer]
	prefixLen := pr.sentLength
	if prefixLen > n.log.Len() {
		prefixLen = n.log.Len()
	}

	entries, err := n.log.ReadRange(prefixLen, n.log.Len())
	if err != nil {
		logger.Errorw("read log suffix", "id", n.id, "peer", peer, "from", prefixLen, "err", err)
	}
	var prevTerm uint64
	if prefixLen > 0 {
		prevTerm, _ = n.log.TermAt(prefixLen - 1)
	}

	return &raftpb.LogRequest{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		PrevLogIndex: int64(prefixLen) - 1,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitLength,
	}
}

func (n *Node) handleLogRequest(from types.NodeID, req *raftpb.LogRequest) error {
	if req.Term < n.currentTerm {
		n.send(from, &raftpb.LogResponse{Term: n.currentTerm, Success: false})
		return fmt.Errorf("log request from %s at term %d, current %d: %w", from, req.Term, n.currentTerm, ErrStaleTerm)
	}
	if req.Term == n.currentTerm && n.role == types.RoleLeader {
		logger.Errorw("second leader in term", "id", n.id, "other", req.LeaderID, "term", n.currentTerm)
		return fmt.Errorf("log request from %s claims leadership of term %d held by %s", from, req.Term, n.id)
	}

	n.becomeFollower(req.Term)
	n.currentLeader = req.LeaderID
	n.resetElectionTimer()

	if !n.prefixMatches(req.PrevLogIndex, req.PrevLogTerm) {
		n.send(from, &raftpb.LogResponse{Term: n.currentTerm, Success: false})
		return fmt.Errorf("prev index %d term %d from %s, log length %d: %w",
			req.PrevLogIndex, req.PrevLogTerm, from, n.log.Len(), ErrLogMismatch)
	}

	prefixLen := uint64(req.PrevLogIndex + 1)
	if err := n.appendEntries(prefixLen, req.Entries); err != nil {
		logger.Errorw("append entries", "id", n.id, "leader", req.LeaderID, "err", err)
		n.send(from, &raftpb.LogResponse{Term: n.currentTerm, Success: false})
		return err
	}

	ackLength := prefixLen + uint64(len(req.Entries))
	if commit := min(req.LeaderCommit, ackLength); commit > n.commitLength {
		n.commit(commit)
	}

	n.send(from, &raftpb.LogResponse{Term: n.currentTerm, Success: true, AckLength: ackLength})
	return nil
}

// prefixMatches reports whether the log holds an entry at prevIndex with
// prevTerm. An index of -1 is the empty prefix and always matches.
func (n *Node) prefixMatches(prevIndex int64, prevTerm uint64) bool {
	if prevIndex == -1 {
		return true
	}
	if prevIndex < -1 || uint64(prevIndex) >= n.log.Len() {
		return false
	}
	term, err := n.log.TermAt(uint64(prevIndex))
	return err == nil && term == prevTerm
}

// appendEntries merges suffix into the log after the first prefixLen entries.
// A term conflict at the last overlapping position drops the local suffix;
// entries already present are left alone, so replays are no-ops.
func (n *Node) appendEntries(prefixLen uint64, suffix []storage.Entry) error {
	logLen := n.log.Len()
	if len(suffix) > 0 && logLen > prefixLen {
		index := min(logLen, prefixLen+uint64(len(suffix))) - 1
		term, err := n.log.TermAt(index)
		if err != nil {
			return err
		}
		if term != suffix[index-prefixLen].Term {
			if index < n.commitLength {
				return fmt.Errorf("conflict at committed index %d (commit length %d)", index, n.commitLength)
			}
			logger.Infow("truncating conflicting entries", "id", n.id, "from", prefixLen, "log_length", logLen)
			if err := n.log.TruncateFrom(prefixLen); err != nil {
				return err
			}
		}
	}

	logLen = n.log.Len()
	if end := prefixLen + uint64(len(suffix)); end > logLen {
		n.log.Append(suffix[logLen-prefixLen:]...)
	}
	return nil
}

func (n *Node) handleLogResponse(from types.NodeID, resp *raftpb.LogResponse) error {
	if resp.Term > n.currentTerm {
		n.becomeFollower(resp.Term)
		return nil
	}
	if resp.Term < n.currentTerm {
		return fmt.Errorf("log response from %s at term %d, current %d: %w", from, resp.Term, n.currentTerm, ErrStaleTerm)
	}
	if n.role != types.RoleLeader {
		return nil
	}
	pr := n.progress[from]
	if pr == nil {
		return nil
	}

	if resp.Success {
		if resp.AckLength >= pr.ackedLength && resp.AckLength <= n.log.Len() {
			pr.sentLength = resp.AckLength
			pr.ackedLength = resp.AckLength
			n.commitLogEntries()
		}
		return nil
	}

	// Back off by one; the next replication tick retries with the shorter prefix.
	if pr.sentLength > 0 {
		pr.sentLength--
	}
	logger.Debugw("follower rejected log request", "id", n.id, "peer", from, "sent_length", pr.sentLength)
	return nil
}

// commitLogEntries advances commitLength to the longest prefix acknowledged
// by a quorum whose last entry belongs to the current term.
func (n *Node) commitLogEntries() {
	for length := n.log.Len(); length > n.commitLength; length-- {
		if n.acks(length) < n.quorum() {
			continue
		}
		// Terms never decrease along the log, so nothing shorter can carry
		// the current term either.
		if term, _ := n.log.TermAt(length - 1); term == n.currentTerm {
			n.commit(length)
		}
		return
	}
}

// acks counts members, the leader included, holding at least length entries.
func (n *Node) acks(length uint64) int {
	count := 1
	for _, pr := range n.progress {
		if pr.ackedLength >= length {
			count++
		}
	}
	return count
}

// commit moves commitLength forward and queues the newly committed entries
// for delivery.
func (n *Node) commit(length uint64) {
	entries, err := n.log.ReadRange(n.commitLength, length)
	if err != nil {
		logger.Errorw("read committed entries", "id", n.id, "from", n.commitLength, "to", length, "err", err)
		return
	}
	for i, e := range entries {
		n.deliveries.push(types.Delivery{
			Index:   n.commitLength + uint64(i),
			Term:    e.Term,
			Payload: e.Payload,
		})
	}
	logger.Debugw("committed", "id", n.id, "term", n.currentTerm, "from", n.commitLength, "to", length)
	n.commitLength = length
}
