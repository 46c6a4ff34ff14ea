package raft

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

// deliveryQueue decouples the event loop from the application reading
// Deliveries. push never blocks; run drains in order.
type deliveryQueue struct {
	mu      sync.Mutex
	pending []types.Delivery

	signal    chan struct{}
	out       chan types.Delivery
	delivered atomic.Uint64
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan types.Delivery),
	}
}

func (q *deliveryQueue) push(d types.Delivery) {
	q.mu.Lock()
	q.pending = append(q.pending, d)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) run(ctx context.Context) {
	defer close(q.out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
			if !q.drain(ctx) {
				return
			}
		}
	}
}

func (q *deliveryQueue) drain(ctx context.Context) bool {
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		if len(batch) == 0 {
			return true
		}
		for _, d := range batch {
			select {
			case q.out <- d:
				q.delivered.Add(1)
			case <-ctx.Done():
				return false
			}
		}
	}
}
