package engine

import (
	"cmp"
	"slices"
	"strconv"

	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
)

// DefaultCommandBuffer is the latency compensation, in ticks, added to the
// current tick when a command is confirmed.
const DefaultCommandBuffer = 2

type CommandType string

const (
	CmdTurn CommandType = "turn"
)

type GameCommand struct {
	Type      CommandType `json:"type"`
	SnakeID   int         `json:"snake_id"`
	Direction Direction   `json:"direction"`
}

// CommandID identifies a command by the tick it targets and its issuer.
type CommandID struct {
	Tick     uint64 `json:"tick"`
	UserID   string `json:"user_id"`
	Sequence uint64 `json:"sequence"`
}

// ScheduledCommand pairs the client prediction with the server confirmation.
// It is immutable once confirmed.
type ScheduledCommand struct {
	Command GameCommand `json:"command"`
	Client  CommandID   `json:"client"`
	Server  CommandID   `json:"server"`
}

// GameCommandMessage is a command as proposed by a client.
type GameCommandMessage struct {
	GameID  string      `json:"game_id"`
	UserID  string      `json:"user_id"`
	Command GameCommand `json:"command"`
	Client  CommandID   `json:"client"`
}

// compareScheduled is the execution order: (tick, sequence, user id).
func compareScheduled(a, b ScheduledCommand) int {
	if c := cmp.Compare(a.Server.Tick, b.Server.Tick); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Server.Sequence, b.Server.Sequence); c != 0 {
		return c
	}
	return cmp.Compare(a.Server.UserID, b.Server.UserID)
}

// ScheduleCommand validates msg, confirms it for the current tick plus
// buffer, enqueues it and returns the CommandScheduled event.
func (s *GameState) ScheduleCommand(msg GameCommandMessage, buffer uint64) (ScheduledCommand, GameEventMessage, error) {
	if err := s.validateCommand(msg); err != nil {
		return ScheduledCommand{}, GameEventMessage{}, err
	}
	scheduled := ScheduledCommand{
		Command: msg.Command,
		Client:  msg.Client,
		Server: CommandID{
			Tick:     s.Tick + buffer,
			UserID:   msg.UserID,
			Sequence: s.CommandSeq + 1,
		},
	}
	if err := s.EnqueueScheduled(scheduled); err != nil {
		return ScheduledCommand{}, GameEventMessage{}, err
	}
	evt := GameEventMessage{
		Tick:   s.Tick,
		UserID: msg.UserID,
		Event:  GameEvent{Type: EventCommandScheduled, SnakeID: msg.Command.SnakeID, Command: &scheduled},
	}
	return scheduled, evt, nil
}

// EnqueueScheduled inserts an already confirmed command. Commands whose
// target tick has passed are rejected, never retried.
func (s *GameState) EnqueueScheduled(cmd ScheduledCommand) error {
	if cmd.Server.Tick < s.Tick {
		return apperrors.WithMetadata(apperrors.CodeCommandExpired, "command target tick has passed", map[string]string{
			"target_tick":  strconv.FormatUint(cmd.Server.Tick, 10),
			"current_tick": strconv.FormatUint(s.Tick, 10),
		})
	}
	i, _ := slices.BinarySearchFunc(s.Pending, cmd, compareScheduled)
	s.Pending = slices.Insert(s.Pending, i, cmd)
	if cmd.Server.Sequence > s.CommandSeq {
		s.CommandSeq = cmd.Server.Sequence
	}
	return nil
}

func (s *GameState) validateCommand(msg GameCommandMessage) error {
	if msg.Command.Type != CmdTurn {
		return apperrors.WithMetadata(apperrors.CodeInvalidCommand, "unsupported command", map[string]string{"type": string(msg.Command.Type)})
	}
	if !msg.Command.Direction.Valid() {
		return apperrors.WithMetadata(apperrors.CodeInvalidCommand, "invalid direction", map[string]string{"direction": string(msg.Command.Direction)})
	}
	snakeID, ok := s.SnakeFor(msg.UserID)
	if !ok || snakeID != msg.Command.SnakeID {
		return apperrors.WithMetadata(apperrors.CodeInvalidCommand, "user does not control snake", map[string]string{"user_id": msg.UserID})
	}
	return nil
}

// takeDue removes and returns the commands due at the current tick in
// execution order.
func (s *GameState) takeDue() []ScheduledCommand {
	n := 0
	for n < len(s.Pending) && s.Pending[n].Server.Tick <= s.Tick {
		n++
	}
	if n == 0 {
		return nil
	}
	due := append([]ScheduledCommand(nil), s.Pending[:n]...)
	s.Pending = slices.Delete(s.Pending, 0, n)
	return due
}

// applyCommand executes a turn. Reversals against the last actual move and
// turns for dead snakes are ignored.
func (s *GameState) applyCommand(cmd ScheduledCommand) (GameEvent, bool) {
	id := cmd.Command.SnakeID
	if cmd.Command.Type != CmdTurn || id < 0 || id >= len(s.Arena.Snakes) {
		return GameEvent{}, false
	}
	snake := &s.Arena.Snakes[id]
	dir := cmd.Command.Direction
	if !snake.Alive || !dir.Valid() || dir == snake.Direction || dir == snake.lastMove().Opposite() {
		return GameEvent{}, false
	}
	snake.Direction = dir
	return GameEvent{Type: EventSnakeTurned, SnakeID: id, UserID: cmd.Server.UserID, Direction: dir}, true
}
