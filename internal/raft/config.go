package raft

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

// DefaultInboxSize bounds the node's inbound event queue.
const DefaultInboxSize = 1024

// TimingConfig holds the election and replication timing parameters.
type TimingConfig struct {
	ElectionTimeoutMin  time.Duration `yaml:"electionTimeoutMin"`
	ElectionTimeoutMax  time.Duration `yaml:"electionTimeoutMax"`
	ReplicationInterval time.Duration `yaml:"replicationInterval"`
}

// DefaultTimingConfig returns sensible defaults for production.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		ElectionTimeoutMin:  150 * time.Millisecond,
		ElectionTimeoutMax:  300 * time.Millisecond,
		ReplicationInterval: 50 * time.Millisecond,
	}
}

// Validate checks that the election range is non-empty and that replication
// fires more often than the shortest election timeout.
func (c TimingConfig) Validate() error {
	var errs []error
	if c.ElectionTimeoutMin <= 0 {
		errs = append(errs, errors.New("election timeout min must be positive"))
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		errs = append(errs, fmt.Errorf("election timeout range [%s, %s) is empty", c.ElectionTimeoutMin, c.ElectionTimeoutMax))
	}
	if c.ReplicationInterval <= 0 {
		errs = append(errs, errors.New("replication interval must be positive"))
	} else if c.ReplicationInterval >= c.ElectionTimeoutMin {
		errs = append(errs, fmt.Errorf("replication interval %s must be shorter than election timeout min %s", c.ReplicationInterval, c.ElectionTimeoutMin))
	}
	return errors.Join(errs...)
}

// Config holds configuration for a Raft node.
type Config struct {
	ID     types.NodeID
	Peers  []types.NodeID // other nodes (not including self)
	Timing TimingConfig

	// InboxSize bounds queued inbound events. DefaultInboxSize when zero.
	InboxSize int
	// Rand is optional: for deterministic randomness in tests.
	Rand *rand.Rand
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("node id is required"))
	}
	seen := make(map[types.NodeID]bool, len(c.Peers))
	for _, p := range c.Peers {
		switch {
		case p == "":
			errs = append(errs, errors.New("peer id must not be empty"))
		case p == c.ID:
			errs = append(errs, fmt.Errorf("peers must not include the node itself (%s)", p))
		case seen[p]:
			errs = append(errs, fmt.Errorf("duplicate peer %s", p))
		}
		seen[p] = true
	}
	if err := c.Timing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.InboxSize < 0 {
		errs = append(errs, errors.New("inbox size must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
