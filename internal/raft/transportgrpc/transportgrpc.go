// Package transportgrpc carries peer envelopes over gRPC. Envelopes are
// encoded with their JSON wire form through a custom codec, so the service is
// declared by hand rather than generated from a .proto file.
package transportgrpc

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft/transport"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raftpb"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

var logger = logging.Logger("transport")

const (
	ServiceName   = "raftpb.Peer"
	DeliverMethod = "/" + ServiceName + "/Deliver"
)

// codec moves envelopes as JSON.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (codec) Name() string                       { return "json" }

// Ack is the empty reply to Deliver.
type Ack struct{}

// PeerServer is the server side of the Peer service.
type PeerServer interface {
	Deliver(ctx context.Context, env *raftpb.Envelope) (*Ack, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftpb/peer",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(raftpb.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DeliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerServer).Deliver(ctx, req.(*raftpb.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// --- Server ---

// Server feeds envelopes received over gRPC into a transport.Handler.
type Server struct {
	handler transport.Handler
	srv     *grpc.Server
}

func NewServer(handler transport.Handler, opts ...grpc.ServerOption) *Server {
	s := &Server{handler: handler}
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(codec{})}, opts...)
	s.srv = grpc.NewServer(opts...)
	s.srv.RegisterService(&serviceDesc, s)
	return s
}

func (s *Server) Deliver(ctx context.Context, env *raftpb.Envelope) (*Ack, error) {
	if env.Msg == nil {
		return nil, status.Error(codes.InvalidArgument, raftpb.ErrUnknownMessage.Error())
	}
	if err := s.handler.Step(ctx, *env); err != nil {
		logger.Debugw("inbound envelope rejected", "envelope", env.String(), "err", err)
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &Ack{}, nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.srv.Serve(lis)
}

// Stop waits for in-flight calls and stops the server.
func (s *Server) Stop() {
	s.srv.GracefulStop()
}

// --- Transport (client) ---

// Transport sends envelopes to peers over one gRPC connection each, queued
// through a per-peer mailbox.
type Transport struct {
	peers     map[types.NodeID]string
	queueSize int

	mu        sync.Mutex
	conns     map[types.NodeID]*grpc.ClientConn
	mailboxes map[types.NodeID]*transport.Mailbox
	closed    bool
}

// NewTransport creates a transport for peers (id to host:port).
func NewTransport(peers map[types.NodeID]string, queueSize int) *Transport {
	return &Transport{
		peers:     peers,
		queueSize: queueSize,
		conns:     make(map[types.NodeID]*grpc.ClientConn),
		mailboxes: make(map[types.NodeID]*transport.Mailbox),
	}
}

// Send queues env for its receiver without blocking.
func (t *Transport) Send(env raftpb.Envelope) error {
	mb, err := t.mailbox(env.To)
	if err != nil {
		return err
	}
	return mb.Enqueue(env)
}

func (t *Transport) mailbox(to types.NodeID) (*transport.Mailbox, error) {
	addr, ok := t.peers[to]
	if !ok {
		return nil, transport.ErrUnknownPeer
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrChannelClosed
	}
	if mb, ok := t.mailboxes[to]; ok {
		return mb, nil
	}

	// NewClient does not dial; the connection is made on the first call.
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
	)
	if err != nil {
		return nil, err
	}
	mb := transport.NewMailbox(to, t.queueSize, transport.DefaultSendTimeout, func(ctx context.Context, env raftpb.Envelope) error {
		return conn.Invoke(ctx, DeliverMethod, &env, &Ack{})
	})
	t.conns[to] = conn
	t.mailboxes[to] = mb
	return mb, nil
}

// Close stops every mailbox and connection. Later sends fail with
// transport.ErrChannelClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	mailboxes, conns := t.mailboxes, t.conns
	t.mailboxes, t.conns = nil, nil
	t.mu.Unlock()

	for _, mb := range mailboxes {
		mb.Close()
	}
	for id, conn := range conns {
		if err := conn.Close(); err != nil {
			logger.Debugw("close peer connection", "peer", id, "err", err)
		}
	}
	return nil
}
