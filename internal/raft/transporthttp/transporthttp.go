package transporthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	logging "github.com/ipfs/go-log/v2"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft/transport"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raftpb"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

var logger = logging.Logger("transport")

// MessagePath is the route peers post envelopes to.
const MessagePath = "/raft/message"

// --- PeerResolver ---

// PeerResolver maps NodeID to network address.
type PeerResolver struct {
	peers map[types.NodeID]string
}

func NewPeerResolver(peers map[types.NodeID]string) *PeerResolver {
	return &PeerResolver{peers: peers}
}

func (r *PeerResolver) Resolve(id types.NodeID) (string, error) {
	addr, ok := r.peers[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", transport.ErrUnknownPeer, id)
	}
	return addr, nil
}

// --- HTTPTransport (client) ---

// HTTPTransport posts envelopes to peers, one mailbox per peer so a slow
// peer never holds up the others.
type HTTPTransport struct {
	resolver  *PeerResolver
	client    *http.Client
	queueSize int

	mu        sync.Mutex
	mailboxes map[types.NodeID]*transport.Mailbox
	closed    bool
}

// NewHTTPTransport creates a transport whose per-peer queues hold queueSize
// envelopes (transport.DefaultQueueSize when zero).
func NewHTTPTransport(resolver *PeerResolver, queueSize int) *HTTPTransport {
	return &HTTPTransport{
		resolver:  resolver,
		client:    &http.Client{},
		queueSize: queueSize,
		mailboxes: make(map[types.NodeID]*transport.Mailbox),
	}
}

// Send queues env for its receiver without blocking.
func (t *HTTPTransport) Send(env raftpb.Envelope) error {
	addr, err := t.resolver.Resolve(env.To)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrChannelClosed
	}
	mb, ok := t.mailboxes[env.To]
	if !ok {
		mb = transport.NewMailbox(env.To, t.queueSize, transport.DefaultSendTimeout, func(ctx context.Context, env raftpb.Envelope) error {
			return t.post(ctx, addr, env)
		})
		t.mailboxes[env.To] = mb
	}
	t.mu.Unlock()

	return mb.Enqueue(env)
}

func (t *HTTPTransport) post(ctx context.Context, addr string, env raftpb.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+MessagePath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%s to %s returned %d", env.Msg.Type(), env.To, resp.StatusCode)
	}
	return nil
}

// Close stops every mailbox. Later sends fail with transport.ErrChannelClosed.
func (t *HTTPTransport) Close() error {
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
	t.client.CloseIdleConnections()
	return nil
}

// --- RaftHTTPServer (server router) ---

type RaftHTTPServer struct {
	handler transport.Handler
}

func NewRaftHTTPServer(handler transport.Handler) *RaftHTTPServer {
	return &RaftHTTPServer{handler: handler}
}

func (s *RaftHTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post(MessagePath, s.handleMessage)
	return r
}

func (s *RaftHTTPServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	var env raftpb.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "bad envelope: "+err.Error())
		return
	}

	if err := s.handler.Step(r.Context(), env); err != nil {
		logger.Debugw("inbound envelope rejected", "envelope", env.String(), "err", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
