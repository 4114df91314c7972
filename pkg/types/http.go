package types

import (
	"github.com/DoyleJ11/arena-backend/internal/consensus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	"github.com/DoyleJ11/arena-backend/internal/replay"
	"github.com/DoyleJ11/arena-backend/internal/statemachine"
)

// CreateGameRequest asks the cluster to create and start a game for a
// matched group of players.
type CreateGameRequest struct {
	Players        []string         `json:"players"`
	Type           engine.GameType  `json:"type"`
	QueueMode      engine.QueueMode `json:"queue_mode,omitempty"`
	Width          int              `json:"width,omitempty"`
	Height         int              `json:"height,omitempty"`
	TickDurationMs int64            `json:"tick_duration_ms,omitempty"`
}

type CreateGameResponse struct {
	GameID   string `json:"game_id"`
	ServerID string `json:"server_id"`
	Seed     int64  `json:"seed"`
	// WebSocketURL is relative to the owning server's HTTP address.
	WebSocketURL string `json:"ws_url"`
	HTTPAddr     string `json:"http_addr,omitempty"`
}

// GameView is a game as seen by the replicated state machine.
type GameView struct {
	GameID string            `json:"game_id"`
	State  *engine.GameState `json:"state"`
}

type ReplayList struct {
	Replays []replay.Metadata `json:"replays"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

// ClusterView describes this node and the servers it knows about.
type ClusterView struct {
	Status  consensus.Status                  `json:"status"`
	Servers []statemachine.ServerRegistration `json:"servers"`
	Active  []string                          `json:"active_games"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
