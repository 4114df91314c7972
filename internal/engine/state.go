package engine

import (
	"maps"

	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
)

// DefaultTickDurationMs is the logical simulation step.
const DefaultTickDurationMs = 100

type QueueMode string

const (
	QueueQuickmatch  QueueMode = "quickmatch"
	QueueCompetitive QueueMode = "competitive"
	QueueCustom      QueueMode = "custom"
)

type StatusKind string

const (
	StatusStopped  StatusKind = "stopped"
	StatusStarted  StatusKind = "started"
	StatusComplete StatusKind = "complete"
)

// Status is the game lifecycle. ServerID names the authority while started.
type Status struct {
	Kind           StatusKind `json:"kind"`
	ServerID       string     `json:"server_id,omitempty"`
	WinningSnakeID *int       `json:"winning_snake_id,omitempty"`
	WinningTeam    *int       `json:"winning_team,omitempty"`
}

func Stopped() Status { return Status{Kind: StatusStopped} }

func Started(serverID string) Status { return Status{Kind: StatusStarted, ServerID: serverID} }

func (s Status) IsComplete() bool { return s.Kind == StatusComplete }

func (s Status) clone() Status {
	if s.WinningSnakeID != nil {
		v := *s.WinningSnakeID
		s.WinningSnakeID = &v
	}
	if s.WinningTeam != nil {
		v := *s.WinningTeam
		s.WinningTeam = &v
	}
	return s
}

type Player struct {
	UserID  string `json:"user_id"`
	SnakeID int    `json:"snake_id"`
}

// Round tracks team-match scoring and the pause between rounds.
type Round struct {
	Number          int    `json:"number"`
	Scores          []int  `json:"scores,omitempty"`
	Transitioning   bool   `json:"transitioning"`
	TransitionUntil uint64 `json:"transition_until,omitempty"`
}

// GameState is the full state of one game. It is mutated only by
// TickForward, ScheduleCommand/EnqueueScheduled, AddPlayer and ApplyEvent.
type GameState struct {
	Arena          Arena              `json:"arena"`
	Players        map[string]Player  `json:"players"`
	Tick           uint64             `json:"tick"`
	StartTimeMs    int64              `json:"start_time_ms"`
	TickDurationMs int64              `json:"tick_duration_ms"`
	Status         Status             `json:"status"`
	Pending        []ScheduledCommand `json:"pending,omitempty"`
	CommandSeq     uint64             `json:"command_seq"`
	Seed           int64              `json:"seed"`
	RNG            Rand               `json:"rng"`
	Round          Round              `json:"round"`
	QueueMode      QueueMode          `json:"queue_mode"`
	Type           GameType           `json:"type"`
}

// New builds a stopped game. An empty queueMode defaults to quickmatch.
func New(width, height int, gameType GameType, seed int64, startTimeMs int64, queueMode QueueMode) *GameState {
	if queueMode == "" {
		queueMode = QueueQuickmatch
	}
	s := &GameState{
		Arena:          Arena{Width: width, Height: height},
		Players:        map[string]Player{},
		StartTimeMs:    startTimeMs,
		TickDurationMs: DefaultTickDurationMs,
		Status:         Stopped(),
		Seed:           seed,
		RNG:            NewRand(seed),
		QueueMode:      queueMode,
		Type:           gameType,
		Round:          Round{Number: 1},
	}
	if gameType.Kind == KindTeamMatch {
		s.Round.Scores = make([]int, 2)
	}
	return s
}

// AddPlayer places a fresh snake for userID and returns its id.
func (s *GameState) AddPlayer(userID string) (int, error) {
	if userID == "" {
		return 0, apperrors.New(apperrors.CodeInvalidCommand, "user id is required")
	}
	if _, ok := s.Players[userID]; ok {
		return 0, apperrors.WithMetadata(apperrors.CodePlayerExists, "player already in game", map[string]string{"user_id": userID})
	}
	if len(s.Arena.Snakes) >= s.Type.Capacity() {
		return 0, apperrors.ErrGameFull
	}
	id := len(s.Arena.Snakes)
	head, dir := s.Type.spawnPoint(id, s.Arena.Width, s.Arena.Height)
	s.Arena.Snakes = append(s.Arena.Snakes, NewSnake(head, dir))
	if s.Players == nil {
		s.Players = map[string]Player{}
	}
	s.Players[userID] = Player{UserID: userID, SnakeID: id}
	return id, nil
}

// SnakeFor returns the snake controlled by userID.
func (s *GameState) SnakeFor(userID string) (int, bool) {
	p, ok := s.Players[userID]
	return p.SnakeID, ok
}

// AliveCount is the number of living snakes.
func (s *GameState) AliveCount() int {
	n := 0
	for i := range s.Arena.Snakes {
		if s.Arena.Snakes[i].Alive {
			n++
		}
	}
	return n
}

// Clone returns a deep copy that shares no memory with s.
func (s *GameState) Clone() *GameState {
	if s == nil {
		return nil
	}
	out := *s
	out.Arena = s.Arena.clone()
	out.Players = maps.Clone(s.Players)
	out.Status = s.Status.clone()
	out.Pending = append([]ScheduledCommand(nil), s.Pending...)
	out.Round.Scores = append([]int(nil), s.Round.Scores...)
	return &out
}
