// Package replay records a game's event stream and plays it back through the
// tick engine.
package replay

import (
	"cmp"
	"slices"

	"github.com/DoyleJ11/arena-backend/internal/engine"
)

// Metadata describes one recorded game.
type Metadata struct {
	GameID      string           `json:"game_id"`
	Type        engine.GameType  `json:"type"`
	QueueMode   engine.QueueMode `json:"queue_mode,omitempty"`
	Players     []engine.Player  `json:"players"`
	Seed        int64            `json:"seed"`
	StartedAtMs int64            `json:"started_at_ms"`
	EndedAtMs   int64            `json:"ended_at_ms"`
	FinalStatus engine.Status    `json:"final_status"`
	FinalTick   uint64           `json:"final_tick"`
	EventCount  int              `json:"event_count"`
	Resyncs     int              `json:"resyncs,omitempty"`
}

// RecordedEvent is one message with the time the recorder received it.
type RecordedEvent struct {
	Tick        uint64                  `json:"tick"`
	TimestampMs int64                   `json:"timestamp_ms"`
	Message     engine.GameEventMessage `json:"message"`
}

// Data is a complete recording: the state at the first snapshot and every
// event after it in non-decreasing tick order.
type Data struct {
	Metadata Metadata          `json:"metadata"`
	Initial  *engine.GameState `json:"initial"`
	Events   []RecordedEvent   `json:"events"`
}

func playersOf(state *engine.GameState) []engine.Player {
	out := make([]engine.Player, 0, len(state.Players))
	for _, p := range state.Players {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b engine.Player) int { return cmp.Compare(a.SnakeID, b.SnakeID) })
	return out
}
