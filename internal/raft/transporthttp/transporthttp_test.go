package transporthttp

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft/transport"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raftpb"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

// mockHandler implements transport.Handler for testing.
type mockHandler struct {
	got chan raftpb.Envelope
	err error
}

func newMockHandler() *mockHandler {
	return &mockHandler{got: make(chan raftpb.Envelope, 16)}
}

func (m *mockHandler) Step(_ context.Context, env raftpb.Envelope) error {
	if m.err != nil {
		return m.err
	}
	m.got <- env
	return nil
}

func (m *mockHandler) next(t *testing.T) raftpb.Envelope {
	t.Helper()
	select {
	case env := <-m.got:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return raftpb.Envelope{}
	}
}

func TestTransportHTTP_LogRequest_RoundTrip(t *testing.T) {
	handler := newMockHandler()
	raftSrv := NewRaftHTTPServer(handler)
	ts := httptest.NewServer(raftSrv.Handler())
	defer ts.Close()

	resolver := NewPeerResolver(map[types.NodeID]string{
		"node2": ts.URL,
	})
	tp := NewHTTPTransport(resolver, 0)
	defer tp.Close()

	req := &raftpb.LogRequest{
		Term:         3,
		LeaderID:     "node1",
		PrevLogIndex: -1,
		Entries: []storage.Entry{
			{Term: 3, Payload: []byte("hello")},
		},
		LeaderCommit: 0,
	}
	if err := tp.Send(raftpb.Envelope{From: "node1", To: "node2", Msg: req}); err != nil {
		t.Fatal(err)
	}

	env := handler.next(t)
	if env.From != "node1" || env.To != "node2" {
		t.Fatalf("expected node1 -> node2, got %s -> %s", env.From, env.To)
	}
	got, ok := env.Msg.(*raftpb.LogRequest)
	if !ok {
		t.Fatalf("expected *LogRequest, got %T", env.Msg)
	}
	if got.Term != 3 || got.LeaderID != "node1" || got.PrevLogIndex != -1 {
		t.Fatalf("request mismatch: %+v", got)
	}
	if len(got.Entries) != 1 || string(got.Entries[0].Payload) != "hello" {
		t.Fatalf("entries mismatch: %+v", got.Entries)
	}
}

func TestTransportHTTP_PreservesOrderPerPeer(t *testing.T) {
	handler := newMockHandler()
	ts := httptest.NewServer(NewRaftHTTPServer(handler).Handler())
	defer ts.Close()

	tp := NewHTTPTransport(NewPeerResolver(map[types.NodeID]string{"node2": ts.URL}), 0)
	defer tp.Close()

	for term := uint64(1); term <= 5; term++ {
		if err := tp.Send(raftpb.Envelope{From: "node1", To: "node2", Msg: &raftpb.VoteResponse{Term: term, Granted: true}}); err != nil {
			t.Fatal(err)
		}
	}
	for term := uint64(1); term <= 5; term++ {
		env := handler.next(t)
		if env.Msg.MsgTerm() != term {
			t.Fatalf("expected term %d, got %d", term, env.Msg.MsgTerm())
		}
	}
}

func TestTransportHTTP_BadJSON_Returns400(t *testing.T) {
	handler := newMockHandler()
	raftSrv := NewRaftHTTPServer(handler)
	ts := httptest.NewServer(raftSrv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+MessagePath, "application/json", strings.NewReader("{invalid"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestTransportHTTP_UnknownType_Returns400(t *testing.T) {
	ts := httptest.NewServer(NewRaftHTTPServer(newMockHandler()).Handler())
	defer ts.Close()

	body := `{"from":"node1","to":"node2","type":99,"body":{}}`
	resp, err := ts.Client().Post(ts.URL+MessagePath, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestTransportHTTP_HandlerError_Returns503(t *testing.T) {
	handler := newMockHandler()
	handler.err = errors.New("node stopped")
	ts := httptest.NewServer(NewRaftHTTPServer(handler).Handler())
	defer ts.Close()

	body := `{"from":"node1","to":"node2","type":2,"body":{"term":1,"granted":true}}`
	resp, err := ts.Client().Post(ts.URL+MessagePath, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 503 {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestTransportHTTP_UnknownPeer(t *testing.T) {
	tp := NewHTTPTransport(NewPeerResolver(map[types.NodeID]string{}), 0)
	defer tp.Close()

	err := tp.Send(raftpb.Envelope{From: "node1", To: "ghost", Msg: &raftpb.VoteResponse{}})
	if !errors.Is(err, transport.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestTransportHTTP_SendAfterClose(t *testing.T) {
	tp := NewHTTPTransport(NewPeerResolver(map[types.NodeID]string{"node2": "http://127.0.0.1:1"}), 0)
	if err := tp.Close(); err != nil {
		t.Fatal(err)
	}

	err := tp.Send(raftpb.Envelope{From: "node1", To: "node2", Msg: &raftpb.VoteResponse{}})
	if !errors.Is(err, transport.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if err := tp.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestTransportHTTP_UnreachablePeerDoesNotBlock(t *testing.T) {
	tp := NewHTTPTransport(NewPeerResolver(map[types.NodeID]string{"node2": "http://127.0.0.1:1"}), 1)
	defer tp.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = tp.Send(raftpb.Envelope{From: "node1", To: "node2", Msg: &raftpb.VoteResponse{Term: uint64(i)}})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send blocked on an unreachable peer")
	}
}
