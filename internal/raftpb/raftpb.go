// Package raftpb defines the messages Raft nodes exchange and their wire form.
//
// Every message travels inside an Envelope naming its sender and receiver. The
// JSON form of an Envelope carries a type tag so the receiving side can decode
// the body into the right concrete message.
package raftpb

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

// ErrUnknownMessage is returned when decoding an envelope with an unknown type tag.
var ErrUnknownMessage = errors.New("raftpb: unknown message type")

// MessageType tags the concrete message inside an Envelope.
type MessageType int

const (
	MsgVoteRequest MessageType = iota + 1
	MsgVoteResponse
	MsgLogRequest
	MsgLogResponse
)

func (t MessageType) String() string {
	switch t {
	case MsgVoteRequest:
		return "vote_request"
	case MsgVoteResponse:
		return "vote_response"
	case MsgLogRequest:
		return "log_request"
	case MsgLogResponse:
		return "log_response"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Message is implemented by the four peer messages.
type Message interface {
	Type() MessageType
	// MsgTerm is the sender's term when the message was built.
	MsgTerm() uint64
}

// VoteRequest asks a peer to vote for CandidateID in Term.
type VoteRequest struct {
	Term          uint64       `json:"term"`
	CandidateID   types.NodeID `json:"candidate_id"`
	LastLogTerm   uint64       `json:"last_log_term"`
	LastLogLength uint64       `json:"last_log_length"`
}

// VoteResponse answers a VoteRequest.
type VoteResponse struct {
	Term    uint64 `json:"term"`
	Granted bool   `json:"granted"`
}

// LogRequest carries log entries (possibly none) from the leader. PrevLogIndex
// is -1 when Entries start at the beginning of the log.
type LogRequest struct {
	Term         uint64          `json:"term"`
	LeaderID     types.NodeID    `json:"leader_id"`
	PrevLogIndex int64           `json:"prev_log_index"`
	PrevLogTerm  uint64          `json:"prev_log_term"`
	Entries      []storage.Entry `json:"entries,omitempty"`
	LeaderCommit uint64          `json:"leader_commit"`
}

// LogResponse answers a LogRequest. AckLength is only meaningful on success.
type LogResponse struct {
	Term      uint64 `json:"term"`
	Success   bool   `json:"success"`
	AckLength uint64 `json:"ack_length,omitempty"`
}

func (*VoteRequest) Type() MessageType  { return MsgVoteRequest }
func (*VoteResponse) Type() MessageType { return MsgVoteResponse }
func (*LogRequest) Type() MessageType   { return MsgLogRequest }
func (*LogResponse) Type() MessageType  { return MsgLogResponse }

func (m *VoteRequest) MsgTerm() uint64  { return m.Term }
func (m *VoteResponse) MsgTerm() uint64 { return m.Term }
func (m *LogRequest) MsgTerm() uint64   { return m.Term }
func (m *LogResponse) MsgTerm() uint64  { return m.Term }

// Envelope addresses a message from one node to another.
type Envelope struct {
	From types.NodeID
	To   types.NodeID
	Msg  Message
}

func (e Envelope) String() string {
	if e.Msg == nil {
		return fmt.Sprintf("%s->%s <empty>", e.From, e.To)
	}
	return fmt.Sprintf("%s->%s %s term=%d", e.From, e.To, e.Msg.Type(), e.Msg.MsgTerm())
}

type wireEnvelope struct {
	From types.NodeID    `json:"from"`
	To   types.NodeID    `json:"to"`
	Type MessageType     `json:"type"`
	Body json.RawMessage `json:"body"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Msg == nil {
		return nil, fmt.Errorf("marshal envelope %s->%s: %w", e.From, e.To, ErrUnknownMessage)
	}
	body, err := json.Marshal(e.Msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{From: e.From, To: e.To, Type: e.Msg.Type(), Body: body})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	msg, err := newMessage(w.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(w.Body, msg); err != nil {
		return fmt.Errorf("decode %s body: %w", w.Type, err)
	}
	e.From, e.To, e.Msg = w.From, w.To, msg
	return nil
}

func newMessage(t MessageType) (Message, error) {
	switch t {
	case MsgVoteRequest:
		return &VoteRequest{}, nil
	case MsgVoteResponse:
		return &VoteResponse{}, nil
	case MsgLogRequest:
		return &LogRequest{}, nil
	case MsgLogResponse:
		return &LogResponse{}, nil
	default:
		return nil, fmt.Errorf("type %d: %w", int(t), ErrUnknownMessage)
	}
}
