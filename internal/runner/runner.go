// Package runner drives one game's tick loop on the server that holds its
// authority.
package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	"github.com/DoyleJ11/arena-backend/internal/metrics"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
	"github.com/DoyleJ11/arena-backend/internal/platform/logging"
)

const (
	DefaultLoopInterval  = 50 * time.Millisecond
	DefaultSnapshotEvery = 50
	defaultInboxSize     = 64
)

type Msg interface{ isRunnerMsg() }

// Command is a client command to schedule on the next iteration.
type Command struct {
	Msg engine.GameCommandMessage
}

func (Command) isRunnerMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isRunnerMsg() {}

type Shutdown struct{}

func (Shutdown) isRunnerMsg() {}

// View is a consistent copy of the runner's state.
type View struct {
	Sequence uint64
	State    *engine.GameState
}

type Config struct {
	LoopInterval  time.Duration
	CommandBuffer uint64
	SnapshotEvery uint64
	InboxSize     int
}

func (c Config) withDefaults() Config {
	if c.LoopInterval <= 0 {
		c.LoopInterval = DefaultLoopInterval
	}
	if c.CommandBuffer == 0 {
		c.CommandBuffer = engine.DefaultCommandBuffer
	}
	if c.SnapshotEvery == 0 {
		c.SnapshotEvery = DefaultSnapshotEvery
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
	return c
}

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	// Replicate receives confirmed commands, snapshots and the terminal
	// event for proposal, in order.
	Replicate chan<- engine.GameEventMessage
}

// Runner owns one GameState. Only its loop goroutine touches the state.
type Runner struct {
	gameID       string
	inbox        chan Msg
	state        *engine.GameState
	seq          uint64
	lastSnapshot uint64
	events       *bus.Broadcast[engine.GameEventMessage]
	replicate    chan<- engine.GameEventMessage
	outbox       []engine.GameEventMessage
	cfg          Config
	now          func() time.Time
	logger       *zap.Logger
	metrics      *metrics.Metrics
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	completed    atomic.Bool
}

// New starts the loop for state, publishing on events. The runner takes
// ownership of state.
func New(parent context.Context, gameID string, state *engine.GameState, events *bus.Broadcast[engine.GameEventMessage], cfg Config, opts Options) *Runner {
	ctx, cancel := context.WithCancel(parent)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfg = cfg.withDefaults()
	r := &Runner{
		gameID:    gameID,
		inbox:     make(chan Msg, cfg.InboxSize),
		state:     state,
		events:    events,
		replicate: opts.Replicate,
		cfg:       cfg,
		now:       now,
		logger:    logging.OrNop(opts.Logger).With(zap.String("game_id", gameID)),
		metrics:   opts.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Runner) GameID() string { return r.gameID }

// Inbox exposes the inbox for the WebSocket layer and tests.
func (r *Runner) Inbox() chan<- Msg { return r.inbox }

// Submit queues a command without blocking.
func (r *Runner) Submit(cmd engine.GameCommandMessage) error {
	select {
	case <-r.done:
		return apperrors.WithMetadata(apperrors.CodeNotAuthority, "game is not running here", map[string]string{"game_id": r.gameID})
	default:
	}
	select {
	case r.inbox <- Command{Msg: cmd}:
		return nil
	default:
		return apperrors.WithMetadata(apperrors.CodeChannelSaturated, "runner inbox is full", map[string]string{"game_id": r.gameID})
	}
}

// State asks the loop for a copy of the current state.
func (r *Runner) State(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	select {
	case r.inbox <- GetState{Reply: reply}:
	case <-r.done:
		return View{}, errors.New("runner stopped")
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		return View{}, errors.New("runner stopped")
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Stop ends the loop. It is safe to call more than once.
func (r *Runner) Stop() { r.cancel() }

// Done is closed once the loop has exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Completed reports whether the loop exited because the game ended.
func (r *Runner) Completed() bool { return r.completed.Load() }

func (r *Runner) loop() {
	defer close(r.done)
	defer r.cancel()

	snap := r.state.SnapshotEvent()
	r.publish(snap)
	r.lastSnapshot = r.state.Tick
	r.enqueue(snap)
	r.flush(false)

	ticker := time.NewTicker(r.cfg.LoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debug("runner stopped", zap.Uint64("tick", r.state.Tick))
			return
		case <-ticker.C:
			if r.iterate() {
				r.logger.Info("runner exiting", zap.Uint64("tick", r.state.Tick), zap.String("status", string(r.state.Status.Kind)))
				return
			}
		}
	}
}

// iterate runs one loop pass and reports whether the loop should exit.
func (r *Runner) iterate() bool {
drain:
	for {
		select {
		case m := <-r.inbox:
			switch msg := m.(type) {
			case Command:
				r.schedule(msg.Msg)
			case GetState:
				msg.Reply <- View{Sequence: r.seq, State: r.state.Clone()}
			case Shutdown:
				return true
			}
		default:
			break drain
		}
	}

	before := r.state.Tick
	msgs := r.state.RunUntil(r.now().UnixMilli())
	if advanced := r.state.Tick - before; advanced > 0 {
		r.metrics.Ticks(int(advanced))
	}
	terminal := false
	for _, msg := range msgs {
		r.publish(msg)
		if msg.Event.IsTerminal() && !terminal {
			terminal = true
			r.enqueue(msg)
			r.flush(true)
		}
	}
	if terminal || r.state.Status.IsComplete() {
		r.completed.Store(true)
		return true
	}
	if r.state.Tick >= r.lastSnapshot+r.cfg.SnapshotEvery {
		snap := r.state.SnapshotEvent()
		r.publish(snap)
		r.lastSnapshot = r.state.Tick
		r.enqueue(snap)
	}
	r.flush(false)
	return false
}

func (r *Runner) schedule(cmd engine.GameCommandMessage) {
	cmd.GameID = r.gameID
	_, evt, err := r.state.ScheduleCommand(cmd, r.cfg.CommandBuffer)
	if err != nil {
		r.metrics.Command(string(apperrors.CodeOf(err)))
		r.logger.Debug("command rejected", zap.String("user_id", cmd.UserID), zap.Error(err))
		r.publish(engine.GameEventMessage{
			Tick:   r.state.Tick,
			UserID: cmd.UserID,
			Event: engine.GameEvent{
				Type:    engine.EventCommandRejected,
				SnakeID: cmd.Command.SnakeID,
				UserID:  cmd.UserID,
				Command: &engine.ScheduledCommand{Command: cmd.Command, Client: cmd.Client},
				Reason:  string(apperrors.CodeOf(err)),
			},
		})
		return
	}
	r.metrics.Command("scheduled")
	r.publish(evt)
	r.enqueue(evt)
}

// publish stamps msg with the game id and next sequence and broadcasts it.
// Slow subscribers lose messages rather than stalling the loop.
func (r *Runner) publish(msg engine.GameEventMessage) {
	r.seq++
	msg.GameID = r.gameID
	msg.Sequence = r.seq
	delivery, err := r.events.Publish(msg)
	r.metrics.Published(delivery.Delivered, delivery.Dropped)
	if err != nil && !errors.Is(err, apperrors.ErrNoSubscribers) {
		r.logger.Debug("event dropped", zap.String("type", string(msg.Event.Type)), zap.Error(err))
	}
}

// enqueue adds msg to the replication outbox. A snapshot carries every
// command confirmed before it, so it replaces whatever is still unsent.
func (r *Runner) enqueue(msg engine.GameEventMessage) {
	if r.replicate == nil {
		return
	}
	msg.GameID = r.gameID
	msg.Sequence = r.seq
	if msg.Event.Type == engine.EventSnapshot && len(r.outbox) > 0 {
		r.logger.Debug("replicator behind, outbox folded into snapshot", zap.Int("dropped", len(r.outbox)), zap.Uint64("tick", msg.Tick))
		clear(r.outbox)
		r.outbox = r.outbox[:0]
	}
	r.outbox = append(r.outbox, msg)
}

// flush hands queued messages to the replicator in order. Without wait it
// stops at the first message the replicator cannot take yet.
func (r *Runner) flush(wait bool) {
	for len(r.outbox) > 0 {
		if wait {
			select {
			case r.replicate <- r.outbox[0]:
			case <-r.ctx.Done():
				return
			}
		} else {
			select {
			case r.replicate <- r.outbox[0]:
			default:
				return
			}
		}
		r.outbox[0] = engine.GameEventMessage{}
		r.outbox = r.outbox[1:]
	}
}
