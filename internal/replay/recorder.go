package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	"github.com/DoyleJ11/arena-backend/internal/metrics"
	"github.com/DoyleJ11/arena-backend/internal/platform/logging"
)

// ErrIncomplete is returned when the event stream ends before the game does.
var ErrIncomplete = errors.New("replay: stream ended before the game completed")

type RecorderOptions struct {
	Catalog Catalog
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Recorder turns one game's event subscription into a stored recording.
type Recorder struct {
	gameID  string
	store   Store
	catalog Catalog
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRecorder(gameID string, store Store, opts RecorderOptions) *Recorder {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		gameID:  gameID,
		store:   store,
		catalog: opts.Catalog,
		logger:  logging.OrNop(opts.Logger).With(zap.String("game_id", gameID)),
		metrics: opts.Metrics,
		now:     now,
	}
}

// Run consumes sub until a terminal event, then persists the recording.
func (r *Recorder) Run(ctx context.Context, sub *bus.Subscription[engine.GameEventMessage]) (*Data, error) {
	rec := &recording{gameID: r.gameID}
	for {
		msg, missed, err := sub.Next(ctx)
		if err != nil {
			r.metrics.Replay("incomplete")
			if errors.Is(err, bus.ErrClosed) {
				return nil, ErrIncomplete
			}
			return nil, err
		}
		if missed > 0 {
			r.logger.Warn("replay gap, waiting for next snapshot", zap.Uint64("missed", missed))
		}
		if !rec.observe(msg, missed, r.now().UnixMilli()) {
			continue
		}
		data := rec.data()
		if err := r.persist(ctx, data); err != nil {
			r.metrics.Replay("error")
			return data, err
		}
		r.metrics.Replay("saved")
		r.logger.Info("replay saved", zap.Int("events", len(data.Events)), zap.Uint64("final_tick", data.Metadata.FinalTick))
		return data, nil
	}
}

func (r *Recorder) persist(ctx context.Context, data *Data) error {
	if err := r.store.Save(ctx, data); err != nil {
		return fmt.Errorf("save replay: %w", err)
	}
	if r.catalog != nil {
		if err := r.catalog.Index(ctx, data.Metadata); err != nil {
			return fmt.Errorf("index replay: %w", err)
		}
	}
	return nil
}

// recording is the recorder's pure state machine.
type recording struct {
	gameID   string
	initial  *engine.GameState
	events   []RecordedEvent
	status   engine.Status
	players  []engine.Player
	resyncs  int
	waiting  bool
	lastTick uint64
	endedAt  int64
}

// observe records msg and reports whether the recording is finished.
func (rec *recording) observe(msg engine.GameEventMessage, missed uint64, nowMs int64) bool {
	if missed > 0 && rec.initial != nil {
		rec.waiting = true
	}
	evt := msg.Event
	if rec.initial == nil {
		if evt.Type != engine.EventSnapshot || evt.State == nil {
			return false
		}
		rec.initial = evt.State.Clone()
		rec.status = rec.initial.Status
		rec.players = playersOf(rec.initial)
		rec.lastTick = msg.Tick
		return false
	}
	if rec.waiting {
		if evt.Type != engine.EventSnapshot || evt.State == nil {
			return false
		}
		rec.waiting = false
		rec.resyncs++
		rec.players = playersOf(evt.State)
	}
	if msg.Tick < rec.lastTick {
		return false
	}
	rec.lastTick = msg.Tick
	rec.events = append(rec.events, RecordedEvent{Tick: msg.Tick, TimestampMs: nowMs, Message: msg})

	switch evt.Type {
	case engine.EventStatusUpdated, engine.EventMatchCompleted:
		if evt.Status != nil {
			rec.status = *evt.Status
		}
	case engine.EventPlayerJoined:
		rec.players = append(rec.players, engine.Player{UserID: evt.UserID, SnakeID: evt.SnakeID})
	}
	if evt.IsTerminal() {
		rec.endedAt = nowMs
		return true
	}
	return false
}

func (rec *recording) data() *Data {
	return &Data{
		Metadata: Metadata{
			GameID:      rec.gameID,
			Type:        rec.initial.Type,
			QueueMode:   rec.initial.QueueMode,
			Players:     rec.players,
			Seed:        rec.initial.Seed,
			StartedAtMs: rec.initial.StartTimeMs,
			EndedAtMs:   rec.endedAt,
			FinalStatus: rec.status,
			FinalTick:   rec.lastTick,
			EventCount:  len(rec.events),
			Resyncs:     rec.resyncs,
		},
		Initial: rec.initial,
		Events:  rec.events,
	}
}
