package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/DoyleJ11/arena-backend/internal/clusterapi"
	"github.com/DoyleJ11/arena-backend/internal/consensus"
	"github.com/DoyleJ11/arena-backend/internal/coordinator"
	"github.com/DoyleJ11/arena-backend/internal/httpapi"
	"github.com/DoyleJ11/arena-backend/internal/hub"
	"github.com/DoyleJ11/arena-backend/internal/metrics"
	"github.com/DoyleJ11/arena-backend/internal/platform/logging"
	"github.com/DoyleJ11/arena-backend/internal/platform/otel"
	"github.com/DoyleJ11/arena-backend/internal/platform/timeouts"
	"github.com/DoyleJ11/arena-backend/internal/registry"
	"github.com/DoyleJ11/arena-backend/internal/replay"
	"github.com/DoyleJ11/arena-backend/internal/runner"
	"github.com/DoyleJ11/arena-backend/internal/statemachine"
	"github.com/DoyleJ11/arena-backend/internal/storage/sqlite"
)

const serviceName = "arena-server"

// joinTimeout covers learner catch-up on the leader side.
const joinTimeout = 2 * time.Minute

// Run starts a node and blocks until ctx ends or a component fails.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("node_id", cfg.NodeID))

	shutdownTracing, err := otel.Setup(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	}()

	verifier, err := cfg.verifier()
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := sqlite.Open(filepath.Join(cfg.DataDir, "arena.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	directory, closeDirectory, err := openRegistry(cfg, store)
	if err != nil {
		return err
	}
	defer closeDirectory()

	replays, err := replay.NewFileStore(cfg.ReplayDir)
	if err != nil {
		return err
	}

	raftLog := &zapio.Writer{Log: logger.Named("raft"), Level: zapcore.InfoLevel}
	defer raftLog.Close()
	transport, err := consensus.NewTCPTransport(cfg.RaftAddr, cfg.RaftAdvertiseAddr, raftLog)
	if err != nil {
		return err
	}
	snapshots, err := consensus.NewFileSnapshots(filepath.Join(cfg.DataDir, "raft"), raftLog)
	if err != nil {
		_ = transport.Close()
		return err
	}

	m := metrics.New()
	peers := clusterapi.NewClient()
	defer peers.Close()

	raftStore := store.Raft()
	node, err := consensus.NewNode(consensus.Config{NodeID: cfg.NodeID, ProposeTimeout: cfg.ProposeTimeout}, statemachine.New(cfg.NodeID), consensus.Stores{
		Logs:      raftStore,
		Stable:    raftStore,
		Snapshots: snapshots,
		Transport: transport,
	}, consensus.Options{Logger: logger, Metrics: m, Forwarder: peers})
	if err != nil {
		_ = transport.Close()
		return err
	}
	defer func() {
		if serr := node.Shutdown(); serr != nil {
			logger.Warn("raft shutdown", zap.Error(serr))
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}
	grpcServer := clusterapi.NewServer(clusterapi.NewService(node, peers, logger), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcServer.Serve(gctx, lis) })

	if err := formCluster(gctx, cfg, node, peers, directory, logger); err != nil {
		grpcServer.Stop()
		_ = g.Wait()
		return err
	}

	runnerCfg := runner.Config{
		LoopInterval:  cfg.LoopInterval,
		CommandBuffer: cfg.CommandBuffer,
		SnapshotEvery: cfg.SnapshotEvery,
	}
	games := hub.New(gctx, node, hub.Config{ServerID: cfg.NodeID, Runner: runnerCfg}, hub.Options{Logger: logger, Metrics: m, Replays: replays, Catalog: store.Replays()})
	defer games.Shutdown()

	coord := coordinator.New(node, coordinator.Config{
		Self: statemachine.ServerRegistration{
			ID:       cfg.NodeID,
			RaftAddr: cfg.RaftAdvertiseAddr,
			APIAddr:  cfg.GRPCAdvertiseAddr,
			HTTPAddr: cfg.HTTPAdvertiseAddr,
		},
		HeartbeatInterval: cfg.HeartbeatInterval,
		ServerTTL:         cfg.ServerTTL,
		TickDurationMs:    cfg.TickDuration.Milliseconds(),
	}, coordinator.Options{Logger: logger, Registry: directory})
	if err := coord.Register(gctx); err != nil {
		grpcServer.Stop()
		_ = g.Wait()
		return err
	}
	g.Go(func() error { return coord.Run(gctx) })

	routes := httpapi.SetupRoutes(httpapi.Deps{
		Games:          games,
		Matchmaker:     coord,
		Machine:        node.Machine(),
		Cluster:        node,
		Replays:        replays,
		Catalog:        store.Replays(),
		Verifier:       verifier,
		Metrics:        m,
		Logger:         logger,
		OriginPatterns: cfg.OriginPatterns,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           routes,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if cfg.LeaveOnShutdown {
			leave(sctx, node, peers, logger)
		}
		return httpServer.Shutdown(sctx)
	})

	return g.Wait()
}

func openRegistry(cfg Config, store *sqlite.Store) (registry.Store, func(), error) {
	switch cfg.Registry {
	case RegistryPostgres:
		pg, err := registry.OpenPostgres(cfg.PostgresDSN, &gorm.Config{})
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	case RegistryMemory:
		return registry.NewMemoryStore(), func() {}, nil
	default:
		return store.Servers(), func() {}, nil
	}
}

func isMember(node *consensus.Node, id string) bool {
	members, err := node.Members()
	if err != nil {
		return false
	}
	for _, m := range members {
		if m.ID == id {
			return true
		}
	}
	return false
}

// formCluster bootstraps, or joins through the configured address and then
// through every server the directory knows, until admitted.
func formCluster(ctx context.Context, cfg Config, node *consensus.Node, peers *clusterapi.Client, directory registry.Store, logger *zap.Logger) error {
	switch {
	case cfg.Bootstrap:
		if err := node.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	case isMember(node, cfg.NodeID):
		logger.Info("raft state already names this node, skipping join")
	default:
		self := consensus.Member{ID: cfg.NodeID, RaftAddr: cfg.RaftAdvertiseAddr, APIAddr: cfg.GRPCAdvertiseAddr}
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, join(ctx, cfg, self, peers, directory, logger)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(joinTimeout))
		if err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
	}
	wctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()
	leader, err := node.WaitForLeader(wctx)
	if err != nil {
		return err
	}
	logger.Info("cluster ready", zap.String("leader_id", leader), zap.String("role", string(node.Role())))
	return nil
}

func join(ctx context.Context, cfg Config, self consensus.Member, peers *clusterapi.Client, directory registry.Store, logger *zap.Logger) error {
	var targets []string
	if cfg.JoinAddr != "" {
		targets = append(targets, cfg.JoinAddr)
	}
	if servers, err := directory.List(ctx); err == nil {
		for _, srv := range servers {
			if srv.ID != cfg.NodeID && srv.APIAddr != "" {
				targets = append(targets, srv.APIAddr)
			}
		}
	}
	if len(targets) == 0 {
		return backoff.Permanent(errors.New("no join address and no servers in the directory"))
	}
	var errs []error
	for _, addr := range targets {
		jctx, cancel := context.WithTimeout(ctx, joinTimeout)
		err := peers.Join(jctx, addr, self)
		cancel()
		if err == nil {
			logger.Info("joined cluster", zap.String("via", addr))
			return nil
		}
		logger.Warn("join attempt failed", zap.String("via", addr), zap.Error(err))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// leave asks the leader to drop this node from the voter set.
func leave(ctx context.Context, node *consensus.Node, peers *clusterapi.Client, logger *zap.Logger) {
	leaderID, _ := node.Leader()
	if leaderID == "" || leaderID == node.ID() {
		logger.Info("not leaving: this node leads or no leader is known")
		return
	}
	srv, err := node.Machine().Server(leaderID)
	if err != nil {
		logger.Warn("leader not registered, cannot leave", zap.Error(err))
		return
	}
	if err := peers.Leave(ctx, srv.APIAddr, node.ID()); err != nil {
		logger.Warn("leave cluster", zap.Error(err))
		return
	}
	logger.Info("left cluster")
}
