package raft

import (
	"errors"
	"fmt"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

// Raft errors.
var (
	// ErrNotLeader is returned when a proposal reaches a node that is not the leader.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrStaleTerm marks a message whose term is below the node's current term.
	ErrStaleTerm = errors.New("raft: stale term")

	// ErrLogMismatch marks a LogRequest whose prefix does not match the local log.
	ErrLogMismatch = errors.New("raft: log mismatch")

	// ErrUnknownPeer marks a message from a node outside the configured cluster.
	ErrUnknownPeer = errors.New("raft: unknown peer")

	// ErrNodeStopped is returned when the event loop is no longer running.
	ErrNodeStopped = errors.New("raft: node stopped")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("raft: node already running")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("raft: invalid configuration")
)

// NotLeaderError is returned by Propose on a non-leader. Leader is the node
// this one currently believes leads Term, if any.
type NotLeaderError struct {
	Leader types.NodeID
	Term   uint64
}

func (e *NotLeaderError) Error() string {
	if e.Leader == "" {
		return fmt.Sprintf("raft: not the leader, leader unknown at term %d", e.Term)
	}
	return fmt.Sprintf("raft: not the leader, leader is %s at term %d", e.Leader, e.Term)
}

func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}
