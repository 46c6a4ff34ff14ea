package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/broadcast"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/config"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/httpapi"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/ledger"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft/transportgrpc"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft/transporthttp"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

var logger = logging.Logger("server")

const shutdownTimeout = 5 * time.Second

// Run parses args, wires the node together and serves until SIGINT/SIGTERM.
func Run(args []string) error {
	fs := flag.NewFlagSet("raftnode", flag.ContinueOnError)
	cfg, err := config.Parse(fs, args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Logging.SetupLogging(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Serve(ctx, cfg)
}

// peerTransport is a raft.Transport that owns connections.
type peerTransport interface {
	raft.Transport
	Close() error
}

// raftServer accepts peer traffic on a listener.
type raftServer interface {
	Serve(lis net.Listener) error
	Stop()
}

// Serve runs one node described by cfg until ctx is done.
func Serve(ctx context.Context, cfg *config.Config) error {
	led, err := OpenLedger(cfg.Ledger)
	if err != nil {
		return err
	}
	defer led.Close()

	tp := newPeerTransport(cfg)
	defer tp.Close()

	node, err := raft.NewNode(cfg.RaftConfig(), storage.NewMemLogStore(), tp)
	if err != nil {
		return err
	}

	svc := broadcast.New(node, led, broadcast.Config{
		WriteMode: cfg.WriteMode(),
		Addrs:     cfg.APIURLs(),
	})
	api := httpapi.New(svc)
	api.PublishTimeout = cfg.Broadcast.PublishTimeout

	raftLis, err := net.Listen("tcp", cfg.Node.RaftAddress)
	if err != nil {
		return fmt.Errorf("listen raft %s: %w", cfg.Node.RaftAddress, err)
	}
	rs := newRaftServer(cfg.Node.Transport, node)
	apiSrv := &http.Server{
		Addr:    cfg.Node.APIAddress,
		Handler: api.Handler(),
	}

	logger.Infow("starting node",
		"id", cfg.Node.ID,
		"raft_addr", cfg.Node.RaftAddress,
		"api_addr", cfg.Node.APIAddress,
		"transport", cfg.Node.Transport,
		"peers", len(cfg.Peers),
		"ledger", cfg.Ledger.Backend,
	)

	nodeCtx, cancelNode := context.WithCancel(ctx)
	defer cancelNode()

	errCh := make(chan error, 4)
	go func() { errCh <- node.Run(nodeCtx) }()
	go func() { errCh <- svc.Run(nodeCtx) }()
	go func() {
		if err := rs.Serve(raftLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("raft server: %w", err)
		}
	}()
	go func() {
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Infow("shutting down", "id", cfg.Node.ID)
	case runErr = <-errCh:
		logger.Errorw("component failed, shutting down", "id", cfg.Node.ID, "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("api shutdown", "err", err)
	}
	rs.Stop()
	cancelNode()
	<-node.Done()
	return runErr
}

// OpenLedger opens the configured ledger backend.
func OpenLedger(cfg config.LedgerConfig) (ledger.Ledger, error) {
	switch cfg.Backend {
	case config.LedgerBolt:
		return ledger.OpenBolt(cfg.Path)
	case config.LedgerMemory, "":
		return ledger.NewMemLedger(), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

func newPeerTransport(cfg *config.Config) peerTransport {
	addrs := cfg.PeerAddrs()
	if cfg.Node.Transport == config.TransportGRPC {
		return transportgrpc.NewTransport(addrs, cfg.Raft.QueueSize)
	}
	urls := make(map[types.NodeID]string, len(addrs))
	for id, addr := range addrs {
		urls[id] = "http://" + addr
	}
	return transporthttp.NewHTTPTransport(transporthttp.NewPeerResolver(urls), cfg.Raft.QueueSize)
}

func newRaftServer(kind string, node *raft.Node) raftServer {
	if kind == config.TransportGRPC {
		return transportgrpc.NewServer(node)
	}
	return &httpRaftServer{srv: &http.Server{Handler: transporthttp.NewRaftHTTPServer(node).Handler()}}
}

type httpRaftServer struct {
	srv *http.Server
}

func (s *httpRaftServer) Serve(lis net.Listener) error {
	return s.srv.Serve(lis)
}

func (s *httpRaftServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		logger.Warnw("raft server shutdown", "err", err)
	}
}
