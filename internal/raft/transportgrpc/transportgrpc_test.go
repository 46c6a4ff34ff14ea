package transportgrpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft/transport"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raftpb"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

type mockHandler struct {
	got chan raftpb.Envelope
	err error
}

func (m *mockHandler) Step(_ context.Context, env raftpb.Envelope) error {
	if m.err != nil {
		return m.err
	}
	m.got <- env
	return nil
}

func startServer(t *testing.T, h transport.Handler) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(h)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestTransportGRPC_RoundTrip(t *testing.T) {
	h := &mockHandler{got: make(chan raftpb.Envelope, 4)}
	addr := startServer(t, h)

	tp := NewTransport(map[types.NodeID]string{"node2": addr}, 0)
	defer tp.Close()

	req := &raftpb.LogRequest{
		Term:         2,
		LeaderID:     "node1",
		PrevLogIndex: 0,
		PrevLogTerm:  1,
		Entries:      []storage.Entry{{Term: 2, Payload: []byte{0x00, 0xff}}},
		LeaderCommit: 1,
	}
	if err := tp.Send(raftpb.Envelope{From: "node1", To: "node2", Msg: req}); err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-h.got:
		got, ok := env.Msg.(*raftpb.LogRequest)
		if !ok {
			t.Fatalf("expected *LogRequest, got %T", env.Msg)
		}
		if env.From != "node1" || got.LeaderCommit != 1 || got.PrevLogTerm != 1 {
			t.Fatalf("request mismatch: %s %+v", env.From, got)
		}
		if len(got.Entries) != 1 || string(got.Entries[0].Payload) != "\x00\xff" {
			t.Fatalf("entries mismatch: %+v", got.Entries)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestTransportGRPC_HandlerErrorIsUnavailable(t *testing.T) {
	h := &mockHandler{err: errors.New("node stopped")}
	addr := startServer(t, h)

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env := raftpb.Envelope{From: "node1", To: "node2", Msg: &raftpb.VoteRequest{Term: 1, CandidateID: "node1"}}
	err = conn.Invoke(ctx, DeliverMethod, &env, &Ack{})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

func TestTransportGRPC_UnknownPeerAndClose(t *testing.T) {
	tp := NewTransport(map[types.NodeID]string{"node2": "127.0.0.1:1"}, 0)

	err := tp.Send(raftpb.Envelope{From: "node1", To: "ghost", Msg: &raftpb.VoteResponse{}})
	if !errors.Is(err, transport.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}

	// An unreachable peer only loses messages.
	if err := tp.Send(raftpb.Envelope{From: "node1", To: "node2", Msg: &raftpb.VoteResponse{}}); err != nil {
		t.Fatalf("expected queued send, got %v", err)
	}

	if err := tp.Close(); err != nil {
		t.Fatal(err)
	}
	err = tp.Send(raftpb.Envelope{From: "node1", To: "node2", Msg: &raftpb.VoteResponse{}})
	if !errors.Is(err, transport.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}
