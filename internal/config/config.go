// Package config loads node configuration from a YAML file and command-line
// flags. Flags override values from the file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"gopkg.in/yaml.v3"

	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/raft"
	"github.com/isparth/Distributed-Systems/raft-broadcast/internal/types"
)

// ErrInvalidConfig is returned when configuration is invalid.
var ErrInvalidConfig = errors.New("config: invalid configuration")

const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"

	LedgerMemory = "memory"
	LedgerBolt   = "bolt"
)

// Config holds the complete node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Peers     []PeerConfig    `yaml:"peers"`
	Raft      RaftConfig      `yaml:"raft"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Logging   LogConfig       `yaml:"logging"`
}

// NodeConfig describes this node.
type NodeConfig struct {
	ID string `yaml:"id"`
	// RaftAddress is the host:port peers reach this node on.
	RaftAddress string `yaml:"raftAddress"`
	// APIAddress is the host:port of the client HTTP API.
	APIAddress string `yaml:"apiAddress"`
	Transport  string `yaml:"transport"`
}

// PeerConfig describes another cluster member.
type PeerConfig struct {
	ID          string `yaml:"id"`
	RaftAddress string `yaml:"raftAddress"`
	// APIURL is advertised in leader hints, e.g. http://10.0.0.2:8080.
	APIURL string `yaml:"apiURL"`
}

// RaftConfig holds timing and queue sizes.
type RaftConfig struct {
	Timing    raft.TimingConfig `yaml:",inline"`
	InboxSize int               `yaml:"inboxSize"`
	QueueSize int               `yaml:"queueSize"`
}

// BroadcastConfig controls publish acknowledgement.
type BroadcastConfig struct {
	WriteMode      string        `yaml:"writeMode"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
}

// LedgerConfig selects where delivered messages are recorded.
type LedgerConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a single-node configuration listening on localhost.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:          "node1",
			RaftAddress: "127.0.0.1:9001",
			APIAddress:  "127.0.0.1:8080",
			Transport:   TransportHTTP,
		},
		Raft: RaftConfig{
			Timing:    raft.DefaultTimingConfig(),
			InboxSize: raft.DefaultInboxSize,
		},
		Broadcast: BroadcastConfig{
			WriteMode:      types.WriteModeSync.String(),
			PublishTimeout: 5 * time.Second,
		},
		Ledger: LedgerConfig{
			Backend: LedgerMemory,
			Path:    "ledger.db",
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "color",
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse builds the configuration from args: the file named by -config (if
// any) first, then every flag that was set explicitly.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	path := fs.String("config", "", "Path to a YAML config file")
	id := fs.String("id", "", "Node ID")
	raftAddr := fs.String("raft-addr", "", "Raft listen address (host:port)")
	apiAddr := fs.String("api-addr", "", "Client API listen address (host:port)")
	transport := fs.String("transport", "", "Peer transport: http or grpc")
	peers := fs.String("peers", "", "Comma-separated peer_id=host:port pairs (e.g. node2=localhost:9002)")
	peerAPIs := fs.String("peer-apis", "", "Comma-separated peer_id=url pairs for leader hints")
	writeMode := fs.String("write-mode", "", "Publish acknowledgement: sync or async")
	ledgerBackend := fs.String("ledger", "", "Ledger backend: memory or bolt")
	ledgerPath := fs.String("ledger-path", "", "Bolt ledger file")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: color, nocolor, json")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if *path != "" {
		var err error
		if cfg, err = Load(*path); err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	override := func(name string, dst *string, val string) {
		if set[name] {
			*dst = val
		}
	}
	override("id", &cfg.Node.ID, *id)
	override("raft-addr", &cfg.Node.RaftAddress, *raftAddr)
	override("api-addr", &cfg.Node.APIAddress, *apiAddr)
	override("transport", &cfg.Node.Transport, *transport)
	override("write-mode", &cfg.Broadcast.WriteMode, *writeMode)
	override("ledger", &cfg.Ledger.Backend, *ledgerBackend)
	override("ledger-path", &cfg.Ledger.Path, *ledgerPath)
	override("log-level", &cfg.Logging.Level, *logLevel)
	override("log-format", &cfg.Logging.Format, *logFormat)

	if set["peers"] {
		parsed, err := parsePairs(*peers)
		if err != nil {
			return nil, err
		}
		cfg.Peers = cfg.Peers[:0]
		for _, p := range parsed {
			cfg.Peers = append(cfg.Peers, PeerConfig{ID: p[0], RaftAddress: p[1]})
		}
	}
	if set["peer-apis"] {
		parsed, err := parsePairs(*peerAPIs)
		if err != nil {
			return nil, err
		}
		for _, p := range parsed {
			found := false
			for i := range cfg.Peers {
				if cfg.Peers[i].ID == p[0] {
					cfg.Peers[i].APIURL = p[1]
					found = true
				}
			}
			if !found {
				return nil, fmt.Errorf("peer-apis names unknown peer %q", p[0])
			}
		}
	}
	return cfg, nil
}

func parsePairs(s string) ([][2]string, error) {
	var out [][2]string
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, p := range strings.Split(s, ",") {
		parts := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid peer format: %q (expected id=addr)", p)
		}
		out = append(out, [2]string{parts[0], parts[1]})
	}
	return out, nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.ID == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if c.Node.RaftAddress == "" {
		errs = append(errs, errors.New("node.raftAddress is required"))
	}
	if c.Node.APIAddress == "" {
		errs = append(errs, errors.New("node.apiAddress is required"))
	}
	switch c.Node.Transport {
	case TransportHTTP, TransportGRPC:
	default:
		errs = append(errs, fmt.Errorf("node.transport must be %s or %s, got %q", TransportHTTP, TransportGRPC, c.Node.Transport))
	}

	seen := make(map[string]bool)
	for i, p := range c.Peers {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("peers[%d].id is required", i))
		case p.ID == c.Node.ID:
			errs = append(errs, fmt.Errorf("peers[%d] is the node itself", i))
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("duplicate peer %s", p.ID))
		}
		seen[p.ID] = true
		if p.RaftAddress == "" {
			errs = append(errs, fmt.Errorf("peers[%d].raftAddress is required", i))
		}
	}

	if err := c.Raft.Timing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Raft.InboxSize < 0 || c.Raft.QueueSize < 0 {
		errs = append(errs, errors.New("raft queue sizes must not be negative"))
	}

	switch c.Broadcast.WriteMode {
	case types.WriteModeSync.String(), types.WriteModeAsync.String():
	default:
		errs = append(errs, fmt.Errorf("broadcast.writeMode must be sync or async, got %q", c.Broadcast.WriteMode))
	}
	if c.Broadcast.PublishTimeout <= 0 {
		errs = append(errs, errors.New("broadcast.publishTimeout must be positive"))
	}

	switch c.Ledger.Backend {
	case LedgerMemory:
	case LedgerBolt:
		if c.Ledger.Path == "" {
			errs = append(errs, errors.New("ledger.path is required for the bolt backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.backend must be %s or %s, got %q", LedgerMemory, LedgerBolt, c.Ledger.Backend))
	}

	if _, err := logging.LevelFromString(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if _, ok := logFormats[c.Logging.Format]; !ok {
		errs = append(errs, fmt.Errorf("logging.format must be color, nocolor or json, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// RaftConfig returns the raft.Config for this node.
func (c *Config) RaftConfig() raft.Config {
	peers := make([]types.NodeID, 0, len(c.Peers))
	for _, p := range c.Peers {
		peers = append(peers, types.NodeID(p.ID))
	}
	return raft.Config{
		ID:        types.NodeID(c.Node.ID),
		Peers:     peers,
		Timing:    c.Raft.Timing,
		InboxSize: c.Raft.InboxSize,
	}
}

// PeerAddrs maps peer ids to their Raft addresses.
func (c *Config) PeerAddrs() map[types.NodeID]string {
	out := make(map[types.NodeID]string, len(c.Peers))
	for _, p := range c.Peers {
		out[types.NodeID(p.ID)] = p.RaftAddress
	}
	return out
}

// APIURLs maps every member, this node included, to its client API URL.
func (c *Config) APIURLs() map[types.NodeID]string {
	out := map[types.NodeID]string{types.NodeID(c.Node.ID): "http://" + c.Node.APIAddress}
	for _, p := range c.Peers {
		if p.APIURL != "" {
			out[types.NodeID(p.ID)] = p.APIURL
		}
	}
	return out
}

// WriteMode returns the parsed broadcast write mode.
func (c *Config) WriteMode() types.WriteMode {
	return types.ParseWriteMode(c.Broadcast.WriteMode)
}
