package types

// NodeID identifies a node in the cluster.
type NodeID string

// Role is the Raft role a node currently plays.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// MarshalText lets roles show up by name in JSON status output.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// WriteMode controls how publishes are acknowledged.
type WriteMode int

const (
	WriteModeSync WriteMode = iota
	WriteModeAsync
)

func (w WriteMode) String() string {
	switch w {
	case WriteModeSync:
		return "sync"
	case WriteModeAsync:
		return "async"
	default:
		return "unknown"
	}
}

// ParseWriteMode maps a config string onto a WriteMode. Unknown values are sync.
func ParseWriteMode(s string) WriteMode {
	if s == "async" {
		return WriteModeAsync
	}
	return WriteModeSync
}

// Delivery is one committed log entry handed to the hosting application.
type Delivery struct {
	Index   uint64 `json:"index"`
	Term    uint64 `json:"term"`
	Payload []byte `json:"payload"`
}

// LeaderHint tells clients where the leader is.
type LeaderHint struct {
	LeaderID   NodeID `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

// NodeStatus holds status info about a Raft node.
type NodeStatus struct {
	ID           NodeID     `json:"id"`
	Role         Role       `json:"role"`
	Term         uint64     `json:"term"`
	VotedFor     NodeID     `json:"voted_for,omitempty"`
	LogLength    uint64     `json:"log_length"`
	CommitLength uint64     `json:"commit_length"`
	Delivered    uint64     `json:"delivered"`
	LeaderHint   LeaderHint `json:"leader_hint"`
	Unreachable  []NodeID   `json:"unreachable,omitempty"`
}
