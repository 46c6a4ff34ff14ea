// Package broadcast turns a Raft node into a total-order message broadcast:
// Publish hands a message to the leader, Run records every delivered message
// in a ledger, and Since reads the ledger back.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/ledger"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

var logger = logging.Logger("broadcast")

// ErrStopped is returned to publishers still waiting when Run returns.
var ErrStopped = errors.New("broadcast: stopped")

// RaftNode is the subset of raft.Node the service needs.
type RaftNode interface {
	Propose(ctx context.Context, payload []byte) (uint64, error)
	Deliveries() <-chan types.Delivery
	IsLeader() bool
	LeaderHint() types.LeaderHint
	Status() types.NodeStatus
}

// Message is the payload carried through the log.
type Message struct {
	ID   uuid.UUID `json:"id"`
	Data []byte    `json:"data"`
}

func encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func decode(payload []byte) (Message, bool) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil || m.ID == uuid.Nil {
		return Message{}, false
	}
	return m, true
}

// Config configures the Service.
type Config struct {
	WriteMode types.WriteMode
	// Addrs maps node ids to client API addresses, used to fill leader hints.
	Addrs map[types.NodeID]string
}

// Result describes a published message.
type Result struct {
	ID    uuid.UUID `json:"id"`
	Index uint64    `json:"index"`
	// Delivered is set once the message is known to be in the local ledger.
	Delivered bool `json:"delivered"`
	// Duplicate is set when the id had already been delivered.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Service wraps a Raft node and a ledger into a single API for the HTTP layer.
type Service struct {
	node   RaftNode
	ledger ledger.Ledger
	cfg    Config

	mu      sync.Mutex
	seen    map[uuid.UUID]uint64
	waiters map[uuid.UUID][]chan uint64
	done    chan struct{}
	once    sync.Once
}

// New creates a new Service. Message ids already in the ledger are treated
// as delivered, so retries stay deduplicated across restarts.
func New(node RaftNode, l ledger.Ledger, cfg Config) *Service {
	s := &Service{
		node:    node,
		ledger:  l,
		cfg:     cfg,
		seen:    make(map[uuid.UUID]uint64),
		waiters: make(map[uuid.UUID][]chan uint64),
		done:    make(chan struct{}),
	}
	s.loadSeen()
	return s
}

func (s *Service) loadSeen() {
	recs, err := s.ledger.Range(0, 0)
	if err != nil {
		logger.Warnw("read ledger for dedupe", "err", err)
		return
	}
	for _, r := range recs {
		if r.ID == "" || r.Duplicate {
			continue
		}
		id, err := uuid.Parse(r.ID)
		if err != nil {
			continue
		}
		if _, ok := s.seen[id]; !ok {
			s.seen[id] = r.Index
		}
	}
	if len(s.seen) > 0 {
		logger.Infow("restored delivered message ids", "count", len(s.seen))
	}
}

func (s *Service) IsLeader() bool {
	return s.node.IsLeader()
}

// LeaderHint returns the node's leader hint with the leader's client address.
func (s *Service) LeaderHint() types.LeaderHint {
	return s.withAddr(s.node.LeaderHint())
}

func (s *Service) Status() types.NodeStatus {
	st := s.node.Status()
	st.LeaderHint = s.withAddr(st.LeaderHint)
	return st
}

func (s *Service) withAddr(h types.LeaderHint) types.LeaderHint {
	if h.LeaderID != "" && h.LeaderAddr == "" {
		h.LeaderAddr = s.cfg.Addrs[h.LeaderID]
	}
	return h
}

// WriteMode reports how Publish acknowledges.
func (s *Service) WriteMode() types.WriteMode {
	return s.cfg.WriteMode
}

// Publish broadcasts data under a fresh id.
func (s *Service) Publish(ctx context.Context, data []byte) (Result, error) {
	return s.PublishWithID(ctx, uuid.New(), data)
}

// PublishWithID broadcasts data under id. Retrying with the same id after the
// message was delivered returns the first delivery instead of publishing again.
func (s *Service) PublishWithID(ctx context.Context, id uuid.UUID, data []byte) (Result, error) {
	if id == uuid.Nil {
		return Result{}, errors.New("broadcast: message id must not be nil")
	}
	payload, err := encode(Message{ID: id, Data: data})
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	if index, ok := s.seen[id]; ok {
		s.mu.Unlock()
		return Result{ID: id, Index: index, Delivered: true, Duplicate: true}, nil
	}
	var wait chan uint64
	if s.cfg.WriteMode == types.WriteModeSync {
		// Registered before proposing so a fast delivery is not missed.
		wait = make(chan uint64, 1)
		s.waiters[id] = append(s.waiters[id], wait)
	}
	s.mu.Unlock()

	index, err := s.node.Propose(ctx, payload)
	if err != nil {
		if wait != nil {
			s.dropWaiter(id, wait)
		}
		return Result{}, err
	}
	logger.Debugw("message proposed", "id", id, "index", index)

	if wait == nil {
		return Result{ID: id, Index: index}, nil
	}
	select {
	case delivered := <-wait:
		return Result{ID: id, Index: delivered, Delivered: true}, nil
	case <-ctx.Done():
		s.dropWaiter(id, wait)
		return Result{ID: id, Index: index}, fmt.Errorf("waiting for delivery of %s: %w", id, ctx.Err())
	case <-s.done:
		return Result{ID: id, Index: index}, ErrStopped
	}
}

func (s *Service) dropWaiter(id uuid.UUID, wait chan uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := slices.DeleteFunc(s.waiters[id], func(c chan uint64) bool { return c == wait })
	if len(ws) == 0 {
		delete(s.waiters, id)
	} else {
		s.waiters[id] = ws
	}
}

// Run records deliveries until the node's delivery stream closes or ctx ends.
func (s *Service) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.done) })

	deliveries := s.node.Deliveries()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := s.record(d); err != nil {
				logger.Errorw("record delivery", "index", d.Index, "err", err)
			}
		}
	}
}

func (s *Service) record(d types.Delivery) error {
	// A restarted node is sent the cluster's log from the beginning again.
	if last, ok := s.ledger.LastIndex(); ok && d.Index <= last {
		logger.Debugw("delivery already recorded", "index", d.Index, "last", last)
		return nil
	}

	rec := ledger.Record{Index: d.Index, Term: d.Term, Delivered: time.Now().UTC()}
	msg, ok := decode(d.Payload)
	if ok {
		rec.ID = msg.ID.String()
		rec.Data = msg.Data
	} else {
		rec.Data = d.Payload
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		if _, dup := s.seen[msg.ID]; dup {
			rec.Duplicate = true
		}
	}
	if err := s.ledger.Append(rec); err != nil {
		return err
	}
	if !ok || rec.Duplicate {
		return nil
	}

	s.seen[msg.ID] = d.Index
	for _, w := range s.waiters[msg.ID] {
		w <- d.Index
	}
	delete(s.waiters, msg.ID)
	return nil
}

// Since returns up to limit delivered records starting at index from.
func (s *Service) Since(from uint64, limit int) ([]ledger.Record, error) {
	return s.ledger.Range(from, limit)
}
