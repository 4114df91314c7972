// Package coordinator creates matches, keeps this server registered and,
// on the leader, hands games away from servers that stopped heartbeating.
package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/consensus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
	"github.com/DoyleJ11/arena-backend/internal/platform/logging"
	"github.com/DoyleJ11/arena-backend/internal/registry"
	"github.com/DoyleJ11/arena-backend/internal/statemachine"
)

const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultServerTTL         = 10 * time.Second
	DefaultArenaWidth        = 60
	DefaultArenaHeight       = 40
)

// Cluster is the slice of the consensus node the coordinator needs.
type Cluster interface {
	consensus.Proposer
	Machine() *statemachine.Machine
	IsLeader() bool
}

// MatchGroup is a set of players matchmaking decided should play together.
type MatchGroup struct {
	Players        []string         `json:"players"`
	Type           engine.GameType  `json:"type"`
	QueueMode      engine.QueueMode `json:"queue_mode,omitempty"`
	Width          int              `json:"width,omitempty"`
	Height         int              `json:"height,omitempty"`
	TickDurationMs int64            `json:"tick_duration_ms,omitempty"`
}

// Match is a created and started game.
type Match struct {
	GameID   string `json:"game_id"`
	ServerID string `json:"server_id"`
	Seed     int64  `json:"seed"`
}

type Config struct {
	Self              statemachine.ServerRegistration
	HeartbeatInterval time.Duration
	ServerTTL         time.Duration
	// TickDurationMs applies to matches that do not choose their own.
	TickDurationMs int64
}

type Options struct {
	Logger   *zap.Logger
	Registry registry.Store
	Now      func() time.Time
	NewID    func() string
	NewSeed  func() (int64, error)
}

type Coordinator struct {
	cfg      Config
	cluster  Cluster
	registry registry.Store
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
	newSeed  func() (int64, error)
}

func New(cluster Cluster, cfg Config, opts Options) *Coordinator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ServerTTL <= 0 {
		cfg.ServerTTL = DefaultServerTTL
	}
	c := &Coordinator{
		cfg:      cfg,
		cluster:  cluster,
		registry: opts.Registry,
		logger:   logging.OrNop(opts.Logger),
		now:      opts.Now,
		newID:    opts.NewID,
		newSeed:  opts.NewSeed,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.newSeed == nil {
		c.newSeed = randomSeed
	}
	return c
}

func randomSeed() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("read seed: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(buf[:]) >> 1), nil
}

// CreateMatch creates a game for group and starts it on the least-loaded
// live server.
func (c *Coordinator) CreateMatch(ctx context.Context, group MatchGroup) (Match, error) {
	if len(group.Players) == 0 {
		return Match{}, apperrors.New(apperrors.CodeInvalidCommand, "a match needs players")
	}
	if group.Width == 0 {
		group.Width = DefaultArenaWidth
	}
	if group.Height == 0 {
		group.Height = DefaultArenaHeight
	}
	if group.TickDurationMs == 0 {
		group.TickDurationMs = c.cfg.TickDurationMs
	}
	seed, err := c.newSeed()
	if err != nil {
		return Match{}, err
	}
	serverID, err := c.pickServer("")
	if err != nil {
		return Match{}, err
	}
	gameID := c.newID()

	if _, err := consensus.Commit(ctx, c.cluster, statemachine.CreateGame{
		GameID:         gameID,
		Width:          group.Width,
		Height:         group.Height,
		Type:           group.Type,
		Seed:           seed,
		QueueMode:      group.QueueMode,
		TickDurationMs: group.TickDurationMs,
		Players:        group.Players,
	}.Request()); err != nil {
		return Match{}, fmt.Errorf("create game: %w", err)
	}
	if _, err := consensus.Commit(ctx, c.cluster, statemachine.StartGame{
		GameID:      gameID,
		ServerID:    serverID,
		StartTimeMs: c.now().UnixMilli(),
	}.Request()); err != nil {
		return Match{}, fmt.Errorf("start game: %w", err)
	}
	c.logger.Info("match created", zap.String("game_id", gameID), zap.String("server_id", serverID), zap.Int("players", len(group.Players)))
	return Match{GameID: gameID, ServerID: serverID, Seed: seed}, nil
}

// pickServer returns the live server owning the fewest games, ties broken by
// id, skipping exclude.
func (c *Coordinator) pickServer(exclude string) (string, error) {
	machine := c.cluster.Machine()
	live := registry.Live(machine.Servers(), c.now().UnixMilli(), c.cfg.ServerTTL.Milliseconds())
	load := machine.Load()
	best := ""
	for _, srv := range live {
		if srv.ID == exclude {
			continue
		}
		if best == "" || load[srv.ID] < load[best] {
			best = srv.ID
		}
	}
	if best == "" {
		return "", apperrors.New(apperrors.CodeUnknownServer, "no live server available")
	}
	return best, nil
}

// Register announces this server in the directory and the replicated
// registry. An existing registration is refreshed with a heartbeat.
func (c *Coordinator) Register(ctx context.Context) error {
	self := c.cfg.Self
	nowMs := c.now().UnixMilli()
	self.RegisteredAtMs = nowMs
	self.LastHeartbeatMs = nowMs
	if c.registry != nil {
		if err := c.registry.Register(ctx, self); err != nil {
			return fmt.Errorf("register in directory: %w", err)
		}
	}
	_, err := consensus.Commit(ctx, c.cluster, statemachine.RegisterServer{Server: self}.Request())
	if errors.Is(err, apperrors.ErrAlreadyRegistered) {
		return c.heartbeat(ctx)
	}
	if err != nil {
		return fmt.Errorf("register server: %w", err)
	}
	c.logger.Info("server registered", zap.String("server_id", self.ID))
	return nil
}

func (c *Coordinator) heartbeat(ctx context.Context) error {
	nowMs := c.now().UnixMilli()
	if c.registry != nil {
		if err := c.registry.Heartbeat(ctx, c.cfg.Self.ID, nowMs); err != nil {
			c.logger.Debug("directory heartbeat failed", zap.Error(err))
		}
	}
	_, err := consensus.Commit(ctx, c.cluster, statemachine.HeartbeatServer{ServerID: c.cfg.Self.ID, AtMs: nowMs}.Request())
	return err
}

// Reap moves games off servers whose heartbeat is older than the TTL and
// removes those servers. Only the leader reaps.
func (c *Coordinator) Reap(ctx context.Context) error {
	if !c.cluster.IsLeader() {
		return nil
	}
	machine := c.cluster.Machine()
	nowMs := c.now().UnixMilli()
	ttlMs := c.cfg.ServerTTL.Milliseconds()
	var errs []error
	for _, srv := range machine.Servers() {
		if nowMs-srv.LastHeartbeatMs <= ttlMs {
			continue
		}
		c.logger.Warn("server missed heartbeats", zap.String("server_id", srv.ID), zap.Int64("silent_ms", nowMs-srv.LastHeartbeatMs))
		moved := true
		for _, gameID := range machine.GamesOwnedBy(srv.ID) {
			target, err := c.pickServer(srv.ID)
			if err != nil {
				moved = false
				errs = append(errs, fmt.Errorf("reassign %s: %w", gameID, err))
				break
			}
			if _, err := consensus.Commit(ctx, c.cluster, statemachine.TransferAuthority{GameID: gameID, From: srv.ID, To: target}.Request()); err != nil {
				moved = false
				errs = append(errs, fmt.Errorf("transfer %s: %w", gameID, err))
				continue
			}
			c.logger.Info("authority transferred", zap.String("game_id", gameID), zap.String("from", srv.ID), zap.String("to", target))
		}
		if !moved {
			continue
		}
		if _, err := consensus.Commit(ctx, c.cluster, statemachine.RemoveServer{ServerID: srv.ID}.Request()); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", srv.ID, err))
			continue
		}
		if c.registry != nil {
			if err := c.registry.Remove(ctx, srv.ID); err != nil && !errors.Is(err, apperrors.ErrUnknownServer) {
				errs = append(errs, fmt.Errorf("remove %s from directory: %w", srv.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Run heartbeats and reaps until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.heartbeat(ctx); err != nil {
				c.logger.Warn("heartbeat failed", zap.Error(err))
			}
			if err := c.Reap(ctx); err != nil {
				c.logger.Warn("reap failed", zap.Error(err))
			}
		}
	}
}
