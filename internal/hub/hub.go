// Package hub runs the games this server holds authority for and routes
// clients to them.
package hub

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/consensus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	"github.com/DoyleJ11/arena-backend/internal/metrics"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
	"github.com/DoyleJ11/arena-backend/internal/platform/logging"
	"github.com/DoyleJ11/arena-backend/internal/platform/timeouts"
	"github.com/DoyleJ11/arena-backend/internal/replay"
	"github.com/DoyleJ11/arena-backend/internal/runner"
	"github.com/DoyleJ11/arena-backend/internal/statemachine"
)

const DefaultReconcileInterval = time.Second

// Cluster is the slice of the consensus node the hub needs.
type Cluster interface {
	consensus.Proposer
	Subscribe() *bus.Subscription[engine.GameEventMessage]
	Machine() *statemachine.Machine
}

type Config struct {
	ServerID          string
	Runner            runner.Config
	ReconcileInterval time.Duration
	// EventBuffer is the per-subscriber capacity of each game's bus.
	EventBuffer int
}

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Replays replay.Store
	Catalog replay.Catalog
	Now     func() time.Time
}

type hubMsg interface{ isHubMsg() }

type ensureGame struct{ GameID string }

type stopGame struct {
	GameID string
	Reason string
}

type gameExited struct {
	GameID string
	Runner *runner.Runner
}

type lookupGame struct {
	GameID string
	Reply  chan *game
}

type listGames struct{ Reply chan []string }

type reconcile struct{}

func (ensureGame) isHubMsg() {}
func (stopGame) isHubMsg()   {}
func (gameExited) isHubMsg() {}
func (lookupGame) isHubMsg() {}
func (listGames) isHubMsg()  {}
func (reconcile) isHubMsg()  {}

type game struct {
	runner *runner.Runner
	events *bus.Broadcast[engine.GameEventMessage]
}

// Hub owns the runners for games whose authority is this server. Runner
// lifecycle follows committed status changes.
type Hub struct {
	cfg      Config
	cluster  Cluster
	opts     Options
	logger   *zap.Logger
	inbox    chan hubMsg
	games    map[string]*game
	finished map[string]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(parent context.Context, cluster Cluster, cfg Config, opts Options) *Hub {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = bus.DefaultCapacity
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		cfg:      cfg,
		cluster:  cluster,
		opts:     opts,
		logger:   logging.OrNop(opts.Logger).With(zap.String("server_id", cfg.ServerID)),
		inbox:    make(chan hubMsg, 64),
		games:    make(map[string]*game),
		finished: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	committed := cluster.Subscribe()
	h.wg.Add(2)
	go h.loop()
	go h.watch(committed)
	h.send(reconcile{})
	return h
}

func (h *Hub) send(msg hubMsg) {
	select {
	case h.inbox <- msg:
	case <-h.ctx.Done():
	}
}

func (h *Hub) loop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return
		case <-ticker.C:
			h.reconcile()
		case m := <-h.inbox:
			switch msg := m.(type) {
			case ensureGame:
				h.start(msg.GameID)
			case stopGame:
				if g := h.games[msg.GameID]; g != nil {
					h.logger.Info("stopping game", zap.String("game_id", msg.GameID), zap.String("reason", msg.Reason))
					g.runner.Stop()
				}
			case gameExited:
				g := h.games[msg.GameID]
				if g == nil || g.runner != msg.Runner {
					break
				}
				if msg.Runner.Completed() {
					h.finished[msg.GameID] = struct{}{}
				}
				g.events.Close()
				delete(h.games, msg.GameID)
				h.opts.Metrics.SetActiveGames(len(h.games))
			case lookupGame:
				msg.Reply <- h.games[msg.GameID]
			case listGames:
				ids := make([]string, 0, len(h.games))
				for id := range h.games {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				msg.Reply <- ids
			case reconcile:
				h.reconcile()
			}
		}
	}
}

// watch turns committed status changes into runner starts and stops.
func (h *Hub) watch(sub *bus.Subscription[engine.GameEventMessage]) {
	defer h.wg.Done()
	defer sub.Close()
	for {
		msg, missed, err := sub.Next(h.ctx)
		if err != nil {
			return
		}
		if missed > 0 {
			h.send(reconcile{})
		}
		switch msg.Event.Type {
		case engine.EventStatusUpdated:
			status := msg.Event.Status
			if status == nil {
				continue
			}
			if status.Kind == engine.StatusStarted && status.ServerID == h.cfg.ServerID {
				h.send(ensureGame{GameID: msg.GameID})
			} else {
				h.send(stopGame{GameID: msg.GameID, Reason: "authority " + string(status.Kind) + " on " + status.ServerID})
			}
		case engine.EventGameDeleted:
			h.send(stopGame{GameID: msg.GameID, Reason: "deleted"})
		}
	}
}

func (h *Hub) reconcile() {
	owned := h.cluster.Machine().GamesOwnedBy(h.cfg.ServerID)
	want := make(map[string]struct{}, len(owned))
	for _, id := range owned {
		want[id] = struct{}{}
		h.start(id)
	}
	for id, g := range h.games {
		if _, ok := want[id]; !ok {
			g.runner.Stop()
		}
	}
}

func (h *Hub) start(gameID string) {
	if _, ok := h.games[gameID]; ok {
		return
	}
	if _, ok := h.finished[gameID]; ok {
		return
	}
	state, err := h.cluster.Machine().Game(gameID)
	if err != nil {
		h.logger.Warn("cannot start game", zap.String("game_id", gameID), zap.Error(err))
		return
	}
	if state.Status.Kind != engine.StatusStarted || state.Status.ServerID != h.cfg.ServerID {
		return
	}

	events := bus.New[engine.GameEventMessage](h.cfg.EventBuffer)
	if h.opts.Replays != nil {
		h.record(gameID, events.Subscribe())
	}

	repCtx, cancelRep := context.WithCancel(h.ctx)
	rep := runner.NewReplicator(gameID, h.cfg.ServerID, h.cluster, runner.ReplicatorOptions{Logger: h.opts.Logger})
	r := runner.New(h.ctx, gameID, state, events, h.cfg.Runner, runner.Options{
		Logger:    h.opts.Logger,
		Metrics:   h.opts.Metrics,
		Now:       h.opts.Now,
		Replicate: rep.Sink(),
	})
	repDone := make(chan struct{})
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		defer close(repDone)
		if err := rep.Run(repCtx); errors.Is(err, runner.ErrFenced) {
			r.Stop()
		}
	}()
	go func() {
		defer h.wg.Done()
		<-r.Done()
		if r.Completed() {
			select {
			case <-repDone:
			case <-time.After(2 * timeouts.Propose):
				h.logger.Warn("terminal event not replicated in time", zap.String("game_id", gameID))
			}
		}
		cancelRep()
		h.send(gameExited{GameID: gameID, Runner: r})
	}()

	h.games[gameID] = &game{runner: r, events: events}
	h.opts.Metrics.SetActiveGames(len(h.games))
	h.logger.Info("game started", zap.String("game_id", gameID), zap.Uint64("tick", state.Tick))
}

func (h *Hub) record(gameID string, sub *bus.Subscription[engine.GameEventMessage]) {
	rec := replay.NewRecorder(gameID, h.opts.Replays, replay.RecorderOptions{
		Catalog: h.opts.Catalog,
		Logger:  h.opts.Logger,
		Metrics: h.opts.Metrics,
		Now:     h.opts.Now,
	})
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer sub.Close()
		if _, err := rec.Run(h.ctx, sub); err != nil && !errors.Is(err, replay.ErrIncomplete) && !errors.Is(err, context.Canceled) {
			h.logger.Warn("recording failed", zap.String("game_id", gameID), zap.Error(err))
		}
	}()
}

func (h *Hub) shutdown() {
	for id, g := range h.games {
		g.runner.Stop()
		g.events.Close()
		delete(h.games, id)
	}
	h.opts.Metrics.SetActiveGames(0)
}

// Shutdown stops every runner and waits for background work to exit.
func (h *Hub) Shutdown() {
	h.cancel()
	h.wg.Wait()
}

func (h *Hub) lookup(ctx context.Context, gameID string) (*game, error) {
	reply := make(chan *game, 1)
	select {
	case h.inbox <- lookupGame{GameID: gameID, Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, errors.New("hub stopped")
	}
	select {
	case g := <-reply:
		if g == nil {
			return nil, h.notHere(gameID)
		}
		return g, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, errors.New("hub stopped")
	}
}

// notHere explains why gameID has no local runner, naming the authority
// when there is one.
func (h *Hub) notHere(gameID string) error {
	machine := h.cluster.Machine()
	state, err := machine.Game(gameID)
	if err != nil {
		return err
	}
	meta := map[string]string{"game_id": gameID, "status": string(state.Status.Kind)}
	if owner := state.Status.ServerID; owner != "" && owner != h.cfg.ServerID {
		meta["server_id"] = owner
		if srv, err := machine.Server(owner); err == nil {
			meta["http_addr"] = srv.HTTPAddr
		}
	}
	return apperrors.WithMetadata(apperrors.CodeNotAuthority, "game is not running on this server", meta)
}

// Subscribe attaches to a running game's event stream. The first message
// the caller sees may be any event; callers wanting a full state should
// call State first.
func (h *Hub) Subscribe(ctx context.Context, gameID string) (*bus.Subscription[engine.GameEventMessage], error) {
	g, err := h.lookup(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return g.events.Subscribe(), nil
}

// Submit forwards a client command to the game's runner.
func (h *Hub) Submit(ctx context.Context, cmd engine.GameCommandMessage) error {
	g, err := h.lookup(ctx, cmd.GameID)
	if err != nil {
		return err
	}
	return g.runner.Submit(cmd)
}

// State returns the running game's current state.
func (h *Hub) State(ctx context.Context, gameID string) (runner.View, error) {
	g, err := h.lookup(ctx, gameID)
	if err != nil {
		return runner.View{}, err
	}
	return g.runner.State(ctx)
}

// ActiveGames lists the games running here.
func (h *Hub) ActiveGames(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	select {
	case h.inbox <- listGames{Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case ids := <-reply:
		return ids, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
