package transport

import (
	"context"
	"sync"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raftpb"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

// InMemoryNetwork connects node inboxes inside one process.
type InMemoryNetwork struct {
	mu         sync.RWMutex
	handlers   map[types.NodeID]Handler
	closed     map[types.NodeID]bool
	blocked    map[link]bool
	transports []*ChannelTransport
	queueSize  int
}

type link struct {
	from, to types.NodeID
}

// NewInMemoryNetwork creates a network whose per-peer queues hold queueSize
// messages (DefaultQueueSize when zero).
func NewInMemoryNetwork(queueSize int) *InMemoryNetwork {
	return &InMemoryNetwork{
		handlers:  make(map[types.NodeID]Handler),
		closed:    make(map[types.NodeID]bool),
		blocked:   make(map[link]bool),
		queueSize: queueSize,
	}
}

// Register attaches the inbound handler for id.
func (n *InMemoryNetwork) Register(id types.NodeID, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Transport returns the sending side for id.
func (n *InMemoryNetwork) Transport(id types.NodeID) *ChannelTransport {
	t := &ChannelTransport{
		id:        id,
		net:       n,
		mailboxes: make(map[types.NodeID]*Mailbox),
	}
	n.mu.Lock()
	n.transports = append(n.transports, t)
	n.mu.Unlock()
	return t
}

// Disconnect permanently closes id's channels. Sends to or from id fail with
// ErrChannelClosed from then on.
func (n *InMemoryNetwork) Disconnect(id types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed[id] = true
}

// Partition drops every message between nodes in different groups. Nodes not
// named in any group keep talking to everyone.
func (n *InMemoryNetwork) Partition(groups ...[]types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = make(map[link]bool)
	for i, a := range groups {
		for j, b := range groups {
			if i == j {
				continue
			}
			for _, from := range a {
				for _, to := range b {
					n.blocked[link{from, to}] = true
				}
			}
		}
	}
}

// Heal removes every partition.
func (n *InMemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = make(map[link]bool)
}

// Close shuts down every transport created from the network.
func (n *InMemoryNetwork) Close() {
	n.mu.RLock()
	transports := append([]*ChannelTransport(nil), n.transports...)
	n.mu.RUnlock()
	for _, t := range transports {
		t.Close()
	}
}

func (n *InMemoryNetwork) isClosed(id types.NodeID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed[id]
}

// deliver runs on a mailbox goroutine. Partitions are checked again here for
// messages that were already queued when the partition started.
func (n *InMemoryNetwork) deliver(ctx context.Context, env raftpb.Envelope) error {
	n.mu.RLock()
	h, ok := n.handlers[env.To]
	drop := n.blocked[link{env.From, env.To}] || n.closed[env.To] || n.closed[env.From]
	n.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}
	if drop {
		return nil
	}
	return h.Step(ctx, env)
}

// ChannelTransport sends envelopes over an InMemoryNetwork.
type ChannelTransport struct {
	id  types.NodeID
	net *InMemoryNetwork

	mu        sync.Mutex
	mailboxes map[types.NodeID]*Mailbox
	closed    bool
}

// Send queues env for its receiver without blocking.
func (t *ChannelTransport) Send(env raftpb.Envelope) error {
	t.net.mu.RLock()
	_, known := t.net.handlers[env.To]
	blocked := t.net.blocked[link{t.id, env.To}]
	t.net.mu.RUnlock()
	if !known {
		return ErrUnknownPeer
	}
	if t.net.isClosed(env.To) || t.net.isClosed(t.id) {
		return ErrChannelClosed
	}
	if blocked {
		return nil
	}
	mb, err := t.mailbox(env.To)
	if err != nil {
		return err
	}
	return mb.Enqueue(env)
}

func (t *ChannelTransport) mailbox(to types.NodeID) (*Mailbox, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrChannelClosed
	}
	mb, ok := t.mailboxes[to]
	if !ok {
		mb = NewMailbox(to, t.net.queueSize, DefaultSendTimeout, t.net.deliver)
		t.mailboxes[to] = mb
	}
	return mb, nil
}

// Close stops every mailbox owned by the transport.
func (t *ChannelTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	mailboxes := t.mailboxes
	t.mailboxes = nil
	t.mu.Unlock()

	for _, mb := range mailboxes {
		mb.Close()
	}
	return nil
}
