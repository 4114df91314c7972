package engine

import (
	"fmt"

	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
)

// ApplyEvent folds a non-derived event into the state. It is the only
// mutation path besides TickForward and command scheduling.
func (s *GameState) ApplyEvent(msg GameEventMessage) error {
	evt := msg.Event
	switch evt.Type {
	case EventSnapshot:
		if evt.State == nil {
			return apperrors.New(apperrors.CodeInvalidCommand, "snapshot without state")
		}
		*s = *evt.State.Clone()
	case EventPlayerJoined:
		id, err := s.AddPlayer(evt.UserID)
		if err != nil {
			return err
		}
		if id != evt.SnakeID {
			return apperrors.New(apperrors.CodeInvalidStateTransition, fmt.Sprintf("player %s joined as snake %d, expected %d", evt.UserID, id, evt.SnakeID))
		}
	case EventCommandScheduled:
		if evt.Command == nil {
			return apperrors.New(apperrors.CodeInvalidCommand, "command_scheduled without command")
		}
		return s.EnqueueScheduled(*evt.Command)
	case EventSnakeTurned:
		if evt.SnakeID < 0 || evt.SnakeID >= len(s.Arena.Snakes) || !evt.Direction.Valid() {
			return apperrors.New(apperrors.CodeInvalidCommand, "snake_turned for unknown snake")
		}
		s.Arena.Snakes[evt.SnakeID].Direction = evt.Direction
	case EventStatusUpdated:
		if evt.Status == nil {
			return apperrors.New(apperrors.CodeInvalidCommand, "status_updated without status")
		}
		s.Status = evt.Status.clone()
	}
	return nil
}

// ReplayTick re-derives the transition to msgs' tick: before-step events,
// a TickForward without pending commands, then after-step events. Derived
// events are skipped since the step reproduces them.
func (s *GameState) ReplayTick(msgs []GameEventMessage) error {
	for _, msg := range msgs {
		if msg.Event.Phase() == PhaseBeforeStep {
			if err := s.ApplyEvent(msg); err != nil {
				return err
			}
		}
	}
	s.TickForward(false)
	return s.ApplyAfterStep(msgs)
}

// ApplyAfterStep applies the after-step events in msgs.
func (s *GameState) ApplyAfterStep(msgs []GameEventMessage) error {
	for _, msg := range msgs {
		if msg.Event.Phase() == PhaseAfterStep {
			if err := s.ApplyEvent(msg); err != nil {
				return err
			}
		}
	}
	return nil
}
