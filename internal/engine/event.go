package engine

type EventType string

const (
	EventSnapshot         EventType = "snapshot"
	EventPlayerJoined     EventType = "player_joined"
	EventCommandScheduled EventType = "command_scheduled"
	EventCommandRejected  EventType = "command_rejected"
	EventSnakeTurned      EventType = "snake_turned"
	EventSnakeDied        EventType = "snake_died"
	EventFoodEaten        EventType = "food_eaten"
	EventFoodSpawned      EventType = "food_spawned"
	EventStatusUpdated    EventType = "status_updated"
	EventRoundCompleted   EventType = "round_completed"
	EventRoundStarted     EventType = "round_started"
	EventMatchCompleted   EventType = "match_completed"
	EventGameDeleted      EventType = "game_deleted"
)

// Collision causes carried by SnakeDied.
const (
	CauseWall   = "wall"
	CauseSelf   = "self"
	CauseSnake  = "snake"
	CauseHeadOn = "head_on"
)

// GameEvent is a tagged union; Type selects which fields are set.
type GameEvent struct {
	Type      EventType         `json:"type"`
	SnakeID   int               `json:"snake_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Direction Direction         `json:"direction,omitempty"`
	Position  *Position         `json:"position,omitempty"`
	Cause     string            `json:"cause,omitempty"`
	Command   *ScheduledCommand `json:"command,omitempty"`
	Status    *Status           `json:"status,omitempty"`
	Team      *int              `json:"team,omitempty"`
	Scores    []int             `json:"scores,omitempty"`
	Round     int               `json:"round,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	State     *GameState        `json:"state,omitempty"`
}

// GameEventMessage wraps an event with its ordering envelope. The engine
// sets Tick; the publishing side assigns GameID and Sequence.
type GameEventMessage struct {
	GameID   string    `json:"game_id"`
	Tick     uint64    `json:"tick"`
	Sequence uint64    `json:"sequence"`
	UserID   string    `json:"user_id,omitempty"`
	Event    GameEvent `json:"event"`
}

// SnapshotEvent captures a deep copy of s.
func (s *GameState) SnapshotEvent() GameEventMessage {
	return GameEventMessage{Tick: s.Tick, Event: GameEvent{Type: EventSnapshot, State: s.Clone()}}
}

// IsTerminal reports whether the event ends the game's event stream.
func (e GameEvent) IsTerminal() bool {
	switch e.Type {
	case EventMatchCompleted, EventGameDeleted:
		return true
	case EventStatusUpdated:
		return e.Status != nil && e.Status.IsComplete()
	}
	return false
}

// EventPhase says where an event is applied when re-deriving a tick.
type EventPhase int

const (
	// PhaseDerived events are produced again by TickForward itself.
	PhaseDerived EventPhase = iota
	// PhaseBeforeStep events are applied before the tick advances.
	PhaseBeforeStep
	// PhaseAfterStep events are applied once the tick has advanced.
	PhaseAfterStep
)

func (e GameEvent) Phase() EventPhase {
	switch e.Type {
	case EventSnakeTurned:
		return PhaseBeforeStep
	case EventSnapshot, EventPlayerJoined, EventCommandScheduled:
		return PhaseAfterStep
	case EventStatusUpdated:
		if e.Status != nil && e.Status.IsComplete() {
			return PhaseDerived
		}
		return PhaseAfterStep
	default:
		return PhaseDerived
	}
}
