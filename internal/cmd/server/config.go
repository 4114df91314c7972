// Package server parses arena server configuration and runs a node.
package server

import (
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/DoyleJ11/arena-backend/internal/identity"
	"github.com/DoyleJ11/arena-backend/internal/platform/config"
)

const (
	RegistrySQLite   = "sqlite"
	RegistryPostgres = "postgres"
	RegistryMemory   = "memory"
)

type Config struct {
	NodeID  string `env:"ARENA_NODE_ID"`
	DataDir string `env:"ARENA_DATA_DIR" envDefault:"data"`

	RaftAddr          string `env:"ARENA_RAFT_ADDR" envDefault:"127.0.0.1:7000"`
	RaftAdvertiseAddr string `env:"ARENA_RAFT_ADVERTISE_ADDR"`
	GRPCAddr          string `env:"ARENA_GRPC_ADDR" envDefault:"127.0.0.1:7001"`
	GRPCAdvertiseAddr string `env:"ARENA_GRPC_ADVERTISE_ADDR"`
	HTTPAddr          string `env:"ARENA_HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	HTTPAdvertiseAddr string `env:"ARENA_HTTP_ADVERTISE_ADDR"`

	// Bootstrap forms a new cluster. Otherwise the node joins through
	// JoinAddr, or through any server listed in the registry.
	Bootstrap       bool   `env:"ARENA_BOOTSTRAP"`
	JoinAddr        string `env:"ARENA_JOIN_ADDR"`
	LeaveOnShutdown bool   `env:"ARENA_LEAVE_ON_SHUTDOWN"`

	Registry    string `env:"ARENA_REGISTRY" envDefault:"sqlite"`
	PostgresDSN string `env:"ARENA_POSTGRES_DSN"`

	JWTSecret string            `env:"ARENA_JWT_SECRET"`
	JWTIssuer string            `env:"ARENA_JWT_ISSUER"`
	DevTokens map[string]string `env:"ARENA_DEV_TOKENS"`

	// ReplayDir defaults to DataDir/replays.
	ReplayDir string `env:"ARENA_REPLAY_DIR"`

	OriginPatterns    []string      `env:"ARENA_ORIGIN_PATTERNS"`
	TickDuration      time.Duration `env:"ARENA_TICK_DURATION" envDefault:"100ms"`
	LoopInterval      time.Duration `env:"ARENA_LOOP_INTERVAL" envDefault:"50ms"`
	SnapshotEvery     uint64        `env:"ARENA_SNAPSHOT_EVERY" envDefault:"50"`
	CommandBuffer     uint64        `env:"ARENA_COMMAND_BUFFER" envDefault:"2"`
	ProposeTimeout    time.Duration `env:"ARENA_PROPOSE_TIMEOUT" envDefault:"3s"`
	HeartbeatInterval time.Duration `env:"ARENA_HEARTBEAT_INTERVAL" envDefault:"2s"`
	ServerTTL         time.Duration `env:"ARENA_SERVER_TTL" envDefault:"10s"`

	LogLevel     string `env:"ARENA_LOG_LEVEL" envDefault:"info"`
	LogDev       bool   `env:"ARENA_LOG_DEV"`
	OTLPEndpoint string `env:"ARENA_OTLP_ENDPOINT"`
}

// ParseConfig reads the environment, then lets flags override it.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "Unique id of this node")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for raft state and replays")
	fs.StringVar(&cfg.RaftAddr, "raft-addr", cfg.RaftAddr, "Raft bind address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "Cluster gRPC bind address")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "Public HTTP bind address")
	fs.BoolVar(&cfg.Bootstrap, "bootstrap", cfg.Bootstrap, "Form a new cluster with this node as the only voter")
	fs.StringVar(&cfg.JoinAddr, "join", cfg.JoinAddr, "Cluster gRPC address of an existing member")
	fs.StringVar(&cfg.Registry, "registry", cfg.Registry, "Server directory backend: sqlite, postgres or memory")
	fs.StringVar(&cfg.ReplayDir, "replay-dir", cfg.ReplayDir, "Directory for recorded games")
	fs.DurationVar(&cfg.TickDuration, "tick", cfg.TickDuration, "Logical tick duration of new games")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg = cfg.withDefaults()
	return cfg, cfg.validate()
}

func (c Config) withDefaults() Config {
	if c.RaftAdvertiseAddr == "" {
		c.RaftAdvertiseAddr = c.RaftAddr
	}
	if c.GRPCAdvertiseAddr == "" {
		c.GRPCAdvertiseAddr = c.GRPCAddr
	}
	if c.HTTPAdvertiseAddr == "" {
		c.HTTPAdvertiseAddr = c.HTTPAddr
	}
	if c.ReplayDir == "" {
		c.ReplayDir = filepath.Join(c.DataDir, "replays")
	}
	c.Registry = strings.ToLower(strings.TrimSpace(c.Registry))
	return c
}

func (c Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.NodeID) == "" {
		errs = append(errs, errors.New("node id is required"))
	}
	switch c.Registry {
	case RegistrySQLite, RegistryMemory:
	case RegistryPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres registry requires ARENA_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry backend %q", c.Registry))
	}
	if c.JWTSecret == "" && len(c.DevTokens) == 0 {
		errs = append(errs, errors.New("ARENA_JWT_SECRET or ARENA_DEV_TOKENS is required"))
	}
	if c.TickDuration < time.Millisecond {
		errs = append(errs, errors.New("tick duration must be at least 1ms"))
	}
	if c.ServerTTL <= c.HeartbeatInterval {
		errs = append(errs, errors.New("server TTL must exceed the heartbeat interval"))
	}
	if c.Bootstrap && c.JoinAddr != "" {
		errs = append(errs, errors.New("bootstrap and join are mutually exclusive"))
	}
	return errors.Join(errs...)
}

func (c Config) verifier() (identity.Verifier, error) {
	if c.JWTSecret != "" {
		return identity.NewJWTVerifier([]byte(c.JWTSecret), c.JWTIssuer)
	}
	return identity.StaticVerifier(c.DevTokens), nil
}
