package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raftpb"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

// recordingHandler implements Handler and keeps every envelope it sees.
type recordingHandler struct {
	mu   sync.Mutex
	got  []raftpb.Envelope
	seen chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{seen: make(chan struct{}, 64)}
}

func (h *recordingHandler) Step(_ context.Context, env raftpb.Envelope) error {
	h.mu.Lock()
	h.got = append(h.got, env)
	h.mu.Unlock()
	h.seen <- struct{}{}
	return nil
}

func (h *recordingHandler) envelopes() []raftpb.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]raftpb.Envelope(nil), h.got...)
}

func waitSeen(t *testing.T, h *recordingHandler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.seen:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for envelope %d of %d", i+1, n)
		}
	}
}

func voteReq(from, to types.NodeID, term uint64) raftpb.Envelope {
	return raftpb.Envelope{From: from, To: to, Msg: &raftpb.VoteRequest{Term: term, CandidateID: from}}
}

func TestMailbox_DropsWhenFull(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	mb := NewMailbox("n2", 1, time.Second, func(ctx context.Context, env raftpb.Envelope) error {
		started <- struct{}{}
		<-release
		return nil
	})
	defer mb.Close()

	if err := mb.Enqueue(voteReq("n1", "n2", 1)); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := mb.Enqueue(voteReq("n1", "n2", 2)); err != nil {
		t.Fatalf("expected room for one queued message, got %v", err)
	}
	if err := mb.Enqueue(voteReq("n1", "n2", 3)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if mb.Dropped() != 1 {
		t.Fatalf("expected 1 dropped message, got %d", mb.Dropped())
	}
	close(release)
}

func TestMailbox_ClosedRejects(t *testing.T) {
	mb := NewMailbox("n2", 4, time.Second, func(context.Context, raftpb.Envelope) error { return nil })
	mb.Close()
	mb.Close()

	if err := mb.Enqueue(voteReq("n1", "n2", 1)); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}

func TestInMemoryNetwork_DeliversInOrder(t *testing.T) {
	net := NewInMemoryNetwork(16)
	defer net.Close()

	h2 := newRecordingHandler()
	net.Register("n1", newRecordingHandler())
	net.Register("n2", h2)
	tp := net.Transport("n1")

	for term := uint64(1); term <= 5; term++ {
		if err := tp.Send(voteReq("n1", "n2", term)); err != nil {
			t.Fatal(err)
		}
	}
	waitSeen(t, h2, 5)

	got := h2.envelopes()
	for i, env := range got {
		if env.Msg.MsgTerm() != uint64(i+1) {
			t.Fatalf("expected term %d at position %d, got %d", i+1, i, env.Msg.MsgTerm())
		}
	}
}

func TestInMemoryNetwork_UnknownAndDisconnectedPeers(t *testing.T) {
	net := NewInMemoryNetwork(16)
	defer net.Close()

	net.Register("n1", newRecordingHandler())
	net.Register("n2", newRecordingHandler())
	tp := net.Transport("n1")

	if err := tp.Send(voteReq("n1", "n9", 1)); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}

	net.Disconnect("n2")
	if err := tp.Send(voteReq("n1", "n2", 1)); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}

func TestInMemoryNetwork_PartitionDropsAndHeals(t *testing.T) {
	net := NewInMemoryNetwork(16)
	defer net.Close()

	h1 := newRecordingHandler()
	h2 := newRecordingHandler()
	h3 := newRecordingHandler()
	net.Register("n1", h1)
	net.Register("n2", h2)
	net.Register("n3", h3)
	tp := net.Transport("n1")

	net.Partition([]types.NodeID{"n1"}, []types.NodeID{"n2", "n3"})

	// Dropped messages still look like a successful send to the caller.
	if err := tp.Send(voteReq("n1", "n2", 1)); err != nil {
		t.Fatal(err)
	}

	net.Heal()
	if err := tp.Send(voteReq("n1", "n3", 2)); err != nil {
		t.Fatal(err)
	}
	waitSeen(t, h3, 1)

	if err := tp.Send(voteReq("n1", "n2", 3)); err != nil {
		t.Fatal(err)
	}
	waitSeen(t, h2, 1)

	got := h2.envelopes()
	if len(got) != 1 || got[0].Msg.MsgTerm() != 3 {
		t.Fatalf("expected only the post-heal message, got %v", got)
	}
}

func TestChannelTransport_CloseRejects(t *testing.T) {
	net := NewInMemoryNetwork(16)
	net.Register("n1", newRecordingHandler())
	net.Register("n2", newRecordingHandler())
	tp := net.Transport("n1")

	if err := tp.Send(voteReq("n1", "n2", 1)); err != nil {
		t.Fatal(err)
	}
	net.Close()

	if err := tp.Send(voteReq("n1", "n2", 2)); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed after close, got %v", err)
	}
}
