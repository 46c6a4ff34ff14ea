// Command localcluster runs a small in-process cluster, publishes a few
// messages and prints what every node delivered.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/httpapi"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/server"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

func main() {
	nodes := flag.Int("nodes", 3, "Number of nodes")
	messages := flag.Int("messages", 5, "Messages to publish")
	apiPort := flag.Int("api-port", 0, "Serve each node's API from this port upward and wait for a signal (0 disables)")
	logLevel := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	lvl, err := logging.LevelFromString(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	logging.SetupLogging(logging.Config{Format: logging.ColorizedOutput, Level: lvl, Stderr: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addrs := make(map[types.NodeID]string)
	if *apiPort > 0 {
		for i := 0; i < *nodes; i++ {
			addrs[types.NodeID(fmt.Sprintf("node%d", i+1))] = fmt.Sprintf("http://127.0.0.1:%d", *apiPort+i)
		}
	}

	cluster, err := server.StartLocalCluster(ctx, server.LocalOptions{
		Size:      *nodes,
		Timing:    raft.DefaultTimingConfig(),
		WriteMode: types.WriteModeSync,
		Addrs:     addrs,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer cluster.Stop()

	for i := 0; i < *messages; i++ {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		res, err := cluster.Publish(pctx, []byte(fmt.Sprintf("message %d", i)))
		cancel()
		if err != nil {
			log.Fatalf("publish %d: %v", i, err)
		}
		fmt.Printf("published %s at index %d\n", res.ID, res.Index)
	}

	// Followers learn the final commit on the next heartbeat.
	time.Sleep(3 * raft.DefaultTimingConfig().ReplicationInterval)

	for _, id := range cluster.IDs {
		recs, err := cluster.Services[id].Since(0, 0)
		if err != nil {
			log.Fatal(err)
		}
		st := cluster.Nodes[id].Status()
		fmt.Printf("%s (%s, term %d) delivered %d:\n", id, st.Role, st.Term, len(recs))
		for _, r := range recs {
			fmt.Printf("  %3d  %s\n", r.Index, r.Data)
		}
	}

	if *apiPort == 0 {
		return
	}
	for i, id := range cluster.IDs {
		srv := &http.Server{
			Addr:    fmt.Sprintf("127.0.0.1:%d", *apiPort+i),
			Handler: httpapi.New(cluster.Services[id]).Handler(),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("%s api: %v", id, err)
			}
		}()
		defer srv.Close()
	}
	fmt.Printf("serving APIs from port %d, ctrl-c to stop\n", *apiPort)
	<-ctx.Done()
}
