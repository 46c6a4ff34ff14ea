package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/broadcast"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/ledger"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft/storage"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft/transport"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

// LocalCluster runs several nodes in one process over an in-memory network.
type LocalCluster struct {
	IDs      []types.NodeID
	Nodes    map[types.NodeID]*raft.Node
	Services map[types.NodeID]*broadcast.Service

	ledgers []ledger.Ledger
	net     *transport.InMemoryNetwork
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// LocalOptions configures StartLocalCluster.
type LocalOptions struct {
	Size      int
	Timing    raft.TimingConfig
	WriteMode types.WriteMode
	// Addrs optionally maps node ids to client API URLs for leader hints.
	Addrs map[types.NodeID]string
}

// StartLocalCluster starts opts.Size nodes named node1..nodeN, each with a
// broadcast service over an in-memory ledger.
func StartLocalCluster(ctx context.Context, opts LocalOptions) (*LocalCluster, error) {
	if opts.Size < 1 {
		return nil, fmt.Errorf("cluster size must be at least 1, got %d", opts.Size)
	}
	ids := make([]types.NodeID, opts.Size)
	for i := range ids {
		ids[i] = types.NodeID(fmt.Sprintf("node%d", i+1))
	}

	c := &LocalCluster{
		IDs:      ids,
		Nodes:    make(map[types.NodeID]*raft.Node, len(ids)),
		Services: make(map[types.NodeID]*broadcast.Service, len(ids)),
		net:      transport.NewInMemoryNetwork(0),
	}
	for _, id := range ids {
		peers := make([]types.NodeID, 0, len(ids)-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		node, err := raft.NewNode(raft.Config{ID: id, Peers: peers, Timing: opts.Timing},
			storage.NewMemLogStore(), c.net.Transport(id))
		if err != nil {
			c.net.Close()
			return nil, err
		}
		c.net.Register(id, node)
		c.Nodes[id] = node
		led := ledger.NewMemLedger()
		c.ledgers = append(c.ledgers, led)
		c.Services[id] = broadcast.New(node, led, broadcast.Config{
			WriteMode: opts.WriteMode,
			Addrs:     opts.Addrs,
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	for _, id := range ids {
		node, svc := c.Nodes[id], c.Services[id]
		c.wg.Add(2)
		go func() {
			defer c.wg.Done()
			node.Run(runCtx)
		}()
		go func() {
			defer c.wg.Done()
			svc.Run(runCtx)
		}()
	}
	logger.Infow("local cluster started", "nodes", ids)
	return c, nil
}

// Leader returns the id of a node that currently believes it leads.
func (c *LocalCluster) Leader() (types.NodeID, bool) {
	for _, id := range c.IDs {
		if c.Nodes[id].IsLeader() {
			return id, true
		}
	}
	return "", false
}

// Publish sends data through whichever node leads, retrying while
// leadership is unsettled.
func (c *LocalCluster) Publish(ctx context.Context, data []byte) (broadcast.Result, error) {
	for {
		if id, ok := c.Leader(); ok {
			res, err := c.Services[id].Publish(ctx, data)
			if !errors.Is(err, raft.ErrNotLeader) {
				return res, err
			}
		}
		select {
		case <-ctx.Done():
			return broadcast.Result{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Stop shuts every node down and waits for them.
func (c *LocalCluster) Stop() {
	c.cancel()
	c.wg.Wait()
	c.net.Close()
	for _, led := range c.ledgers {
		led.Close()
	}
}
