// Package transport holds the pieces shared by every peer transport: the
// per-peer outbound Mailbox, the errors a sender can observe, and an
// in-process network used by tests and the local cluster binary.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raftpb"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

var logger = logging.Logger("transport")

var (
	// ErrChannelClosed means the peer's channel is permanently gone.
	ErrChannelClosed = errors.New("transport: peer channel closed")

	// ErrQueueFull means the peer's outbound queue is full and the message was dropped.
	ErrQueueFull = errors.New("transport: peer queue full")

	// ErrUnknownPeer means no address or channel is known for the peer.
	ErrUnknownPeer = errors.New("transport: unknown peer")
)

const (
	DefaultQueueSize   = 256
	DefaultSendTimeout = time.Second
)

// Handler accepts inbound envelopes. Step may block until the envelope is
// queued but must not drop it silently.
type Handler interface {
	Step(ctx context.Context, env raftpb.Envelope) error
}

// SendFunc delivers one envelope to a remote peer.
type SendFunc func(ctx context.Context, env raftpb.Envelope) error

// Mailbox is a bounded outbound queue for one peer, drained by its own
// goroutine. Enqueue never blocks: a full queue drops the message.
type Mailbox struct {
	peer    types.NodeID
	queue   chan raftpb.Envelope
	send    SendFunc
	timeout time.Duration

	closed  atomic.Bool
	dropped atomic.Uint64
	stopCh  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewMailbox starts a mailbox for peer. size and timeout fall back to the
// package defaults when zero.
func NewMailbox(peer types.NodeID, size int, timeout time.Duration, send SendFunc) *Mailbox {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	m := &Mailbox{
		peer:    peer,
		queue:   make(chan raftpb.Envelope, size),
		send:    send,
		timeout: timeout,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// Enqueue queues env for delivery.
func (m *Mailbox) Enqueue(env raftpb.Envelope) error {
	if m.closed.Load() {
		return ErrChannelClosed
	}
	select {
	case m.queue <- env:
		return nil
	default:
		m.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped reports how many messages were discarded because the queue was full.
func (m *Mailbox) Dropped() uint64 {
	return m.dropped.Load()
}

// Close stops the drain goroutine. Queued messages are discarded.
func (m *Mailbox) Close() {
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.stopCh)
	})
	<-m.done
}

func (m *Mailbox) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stopCh:
			return
		case env := <-m.queue:
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			err := m.send(ctx, env)
			cancel()
			if err != nil {
				logger.Debugw("send failed", "peer", m.peer, "msg", env.String(), "err", err)
			}
		}
	}
}
