package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft/transport"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raftpb"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

var logger = logging.Logger("raft")

// Transport sends envelopes to peers. Send must not block; a message that
// cannot be sent is lost. transport.ErrChannelClosed marks the peer as
// permanently unreachable.
type Transport interface {
	Send(env raftpb.Envelope) error
}

// progress is the leader's view of one follower.
type progress struct {
	sentLength  uint64
	ackedLength uint64
}

// Node is a Raft node. All Raft state is owned by the goroutine running Run;
// other goroutines talk to it through Step and Propose and read the status
// snapshot it publishes after every event.
type Node struct {
	cfg   Config
	id    types.NodeID
	peers []types.NodeID
	log   storage.LogStore
	tp    Transport
	rand  *rand.Rand

	// event loop state
	role          types.Role
	currentTerm   uint64
	votedFor      types.NodeID
	currentLeader types.NodeID
	votesReceived map[types.NodeID]struct{}
	commitLength  uint64
	progress      map[types.NodeID]*progress
	unreachable   map[types.NodeID]bool
	quorumLost    bool

	electionTimer     *time.Timer
	replicationTicker *time.Ticker

	inbox      chan event
	deliveries *deliveryQueue
	running    atomic.Bool
	stopped    chan struct{}
	status     atomic.Pointer[types.NodeStatus]
}

// NewNode creates a Raft node in the Follower role at term 0.
func NewNode(cfg Config, log storage.LogStore, tp Transport) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = storage.NewMemLogStore()
	}
	if tp == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}

	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	inboxSize := cfg.InboxSize
	if inboxSize == 0 {
		inboxSize = DefaultInboxSize
	}

	peers := slices.Clone(cfg.Peers)
	slices.Sort(peers)

	n := &Node{
		cfg:         cfg,
		id:          cfg.ID,
		peers:       peers,
		log:         log,
		tp:          tp,
		rand:        r,
		role:        types.RoleFollower,
		unreachable: make(map[types.NodeID]bool),
		inbox:       make(chan event, inboxSize),
		deliveries:  newDeliveryQueue(),
		stopped:     make(chan struct{}),
	}
	n.publishStatus()
	return n, nil
}

// ID returns the node's id.
func (n *Node) ID() types.NodeID {
	return n.id
}

// Run drives the event loop until ctx is done. It may be called once.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(n.stopped)

	ctx, cancel := context.WithCancel(ctx)
	deliverDone := make(chan struct{})
	go func() {
		defer close(deliverDone)
		n.deliveries.run(ctx)
	}()
	defer func() {
		cancel()
		<-deliverDone
	}()

	n.electionTimer = time.NewTimer(n.randomElectionTimeout())
	defer n.electionTimer.Stop()
	n.replicationTicker = time.NewTicker(n.cfg.Timing.ReplicationInterval)
	defer n.replicationTicker.Stop()

	logger.Infow("node started", "id", n.id, "peers", n.peers)

	for {
		select {
		case <-ctx.Done():
			logger.Infow("node stopped", "id", n.id, "term", n.currentTerm)
			return nil
		case ev := <-n.inbox:
			n.handle(ev)
		case <-n.electionTimer.C:
			n.handle(electionTimeout{})
		case <-n.replicationTicker.C:
			n.handle(replicationTimeout{})
		}
	}
}

// Done is closed once Run has returned.
func (n *Node) Done() <-chan struct{} {
	return n.stopped
}

// Step queues an envelope received from a peer. It blocks while the inbox is
// full and never drops the envelope.
func (n *Node) Step(ctx context.Context, env raftpb.Envelope) error {
	if env.Msg == nil {
		return fmt.Errorf("envelope from %s: %w", env.From, raftpb.ErrUnknownMessage)
	}
	if env.To != "" && env.To != n.id {
		return fmt.Errorf("envelope for %s delivered to %s", env.To, n.id)
	}
	select {
	case n.inbox <- message{env: env}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopped:
		return ErrNodeStopped
	}
}

// Propose appends payload to the log if this node is the leader and returns
// the entry's index. Non-leaders return a *NotLeaderError.
func (n *Node) Propose(ctx context.Context, payload []byte) (uint64, error) {
	p := proposal{
		payload: slices.Clone(payload),
		result:  make(chan proposalResult, 1),
	}
	select {
	case n.inbox <- p:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-n.stopped:
		return 0, ErrNodeStopped
	}

	select {
	case res := <-p.result:
		return res.index, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-n.stopped:
		return 0, ErrNodeStopped
	}
}

// Deliveries returns the stream of committed entries in index order. The
// same channel is returned on every call; it is closed when Run returns.
// Payloads must be treated as read-only.
func (n *Node) Deliveries() <-chan types.Delivery {
	return n.deliveries.out
}

// Status returns the latest published status.
func (n *Node) Status() types.NodeStatus {
	st := *n.status.Load()
	st.Delivered = n.deliveries.delivered.Load()
	return st
}

func (n *Node) IsLeader() bool {
	return n.status.Load().Role == types.RoleLeader
}

func (n *Node) LeaderHint() types.LeaderHint {
	return n.status.Load().LeaderHint
}

func (n *Node) handle(ev event) {
	if err := n.step(ev); err != nil {
		logger.Debugw("event rejected", "id", n.id, "event", eventName(ev), "term", n.currentTerm, "err", err)
	}
	n.publishStatus()
}

// step applies one event to the node state. It is only called from the
// event loop, or directly by tests that own the node.
func (n *Node) step(ev event) error {
	switch ev := ev.(type) {
	case electionTimeout:
		n.stepElectionTimeout()
		return nil
	case replicationTimeout:
		n.stepReplicationTimeout()
		return nil
	case proposal:
		n.stepProposal(ev)
		return nil
	case message:
		return n.stepMessage(ev.env)
	default:
		return fmt.Errorf("raft: unhandled event %T", ev)
	}
}

func (n *Node) stepMessage(env raftpb.Envelope) error {
	if !n.isPeer(env.From) {
		return fmt.Errorf("message from %s: %w", env.From, ErrUnknownPeer)
	}
	switch m := env.Msg.(type) {
	case *raftpb.VoteRequest:
		return n.handleVoteRequest(env.From, m)
	case *raftpb.VoteResponse:
		return n.handleVoteResponse(env.From, m)
	case *raftpb.LogRequest:
		return n.handleLogRequest(env.From, m)
	case *raftpb.LogResponse:
		return n.handleLogResponse(env.From, m)
	default:
		return fmt.Errorf("message %T from %s: %w", m, env.From, raftpb.ErrUnknownMessage)
	}
}

func (n *Node) isPeer(id types.NodeID) bool {
	_, ok := slices.BinarySearch(n.peers, id)
	return ok
}

// quorum is a strict majority of all members, self included.
func (n *Node) quorum() int {
	return (len(n.peers)+1)/2 + 1
}

// becomeFollower adopts term if it is newer and drops any candidacy or
// leadership. A newer term clears the vote and the known leader.
func (n *Node) becomeFollower(term uint64) {
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = ""
		n.currentLeader = ""
	}
	if n.role != types.RoleFollower {
		logger.Infow("stepping down", "id", n.id, "from", n.role.String(), "term", n.currentTerm)
		n.role = types.RoleFollower
		n.resetElectionTimer()
	}
	n.votesReceived = nil
	n.progress = nil
}

// send hands msg to the transport. Errors are message loss, except a closed
// channel which marks the peer unreachable for good.
func (n *Node) send(to types.NodeID, msg raftpb.Message) {
	err := n.tp.Send(raftpb.Envelope{From: n.id, To: to, Msg: msg})
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrChannelClosed):
		n.markUnreachable(to, err)
	default:
		logger.Debugw("message dropped", "id", n.id, "to", to, "type", msg.Type().String(), "err", err)
	}
}

// broadcast sends a message built per peer to every reachable peer.
func (n *Node) broadcast(build func(peer types.NodeID) raftpb.Message) {
	for _, p := range n.peers {
		if n.unreachable[p] {
			continue
		}
		n.send(p, build(p))
	}
}

func (n *Node) markUnreachable(peer types.NodeID, err error) {
	if n.unreachable[peer] {
		return
	}
	n.unreachable[peer] = true
	logger.Warnw("peer channel closed, treating peer as unreachable", "id", n.id, "peer", peer, "err", err)

	reachable := len(n.peers) + 1 - len(n.unreachable)
	if reachable < n.quorum() && !n.quorumLost {
		n.quorumLost = true
		logger.Errorw("reachable members below quorum, cluster cannot make progress",
			"id", n.id, "reachable", reachable, "quorum", n.quorum())
	}
}

func (n *Node) randomElectionTimeout() time.Duration {
	min := n.cfg.Timing.ElectionTimeoutMin
	max := n.cfg.Timing.ElectionTimeoutMax
	return min + time.Duration(n.rand.Int63n(int64(max-min)))
}

// resetElectionTimer re-draws the election timeout. It is a no-op until Run
// has created the timer.
func (n *Node) resetElectionTimer() {
	if n.electionTimer == nil {
		return
	}
	if !n.electionTimer.Stop() {
		select {
		case <-n.electionTimer.C:
		default:
		}
	}
	n.electionTimer.Reset(n.randomElectionTimeout())
}

func (n *Node) publishStatus() {
	st := types.NodeStatus{
		ID:           n.id,
		Role:         n.role,
		Term:         n.currentTerm,
		VotedFor:     n.votedFor,
		LogLength:    n.log.Len(),
		CommitLength: n.commitLength,
		LeaderHint:   types.LeaderHint{LeaderID: n.currentLeader},
	}
	for _, p := range n.peers {
		if n.unreachable[p] {
			st.Unreachable = append(st.Unreachable, p)
		}
	}
	n.status.Store(&st)
}
