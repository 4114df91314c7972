package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
)

func turn(user string, snakeID int, dir Direction, clientTick uint64) GameCommandMessage {
	return GameCommandMessage{
		GameID:  "g1",
		UserID:  user,
		Command: GameCommand{Type: CmdTurn, SnakeID: snakeID, Direction: dir},
		Client:  CommandID{Tick: clientTick, UserID: user, Sequence: 1},
	}
}

func TestScheduledTurnTakesEffectAfterTargetTick(t *testing.T) {
	state := newGame(t, 40, 40, Solo(), 8, "solo")
	state.TickForward(true)
	require.Equal(t, uint64(1), state.Tick)

	scheduled, evt, err := state.ScheduleCommand(turn("solo", 0, DirUp, 1), DefaultCommandBuffer)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), scheduled.Server.Tick)
	assert.Equal(t, uint64(1), scheduled.Client.Tick)
	assert.Equal(t, EventCommandScheduled, evt.Event.Type)
	assert.Equal(t, uint64(1), evt.Tick)
	require.NotNil(t, evt.Event.Command)
	assert.Equal(t, scheduled, *evt.Event.Command)

	state.TickForward(true)
	state.TickForward(true)
	require.Equal(t, uint64(3), state.Tick)
	assert.Equal(t, DirRight, state.Arena.Snakes[0].Direction)

	msgs := state.TickForward(true)
	require.Equal(t, uint64(4), state.Tick)
	assert.Equal(t, DirUp, state.Arena.Snakes[0].Direction)
	turned := eventsOfType(msgs, EventSnakeTurned)
	require.Len(t, turned, 1)
	assert.Equal(t, DirUp, turned[0].Direction)
	assert.Equal(t, "solo", turned[0].UserID)
	assert.Empty(t, state.Pending)
}

func TestReverseTurnIsIgnored(t *testing.T) {
	state := newGame(t, 40, 40, Solo(), 8, "solo")

	_, _, err := state.ScheduleCommand(turn("solo", 0, DirLeft, 0), 0)
	require.NoError(t, err)
	msgs := state.TickForward(true)

	assert.Empty(t, eventsOfType(msgs, EventSnakeTurned))
	assert.Equal(t, DirRight, state.Arena.Snakes[0].Direction)
}

func TestDoubleTurnCannotReverseWithinOneTick(t *testing.T) {
	state := newGame(t, 40, 40, Solo(), 8, "solo")

	_, _, err := state.ScheduleCommand(turn("solo", 0, DirUp, 0), 0)
	require.NoError(t, err)
	_, _, err = state.ScheduleCommand(turn("solo", 0, DirLeft, 0), 0)
	require.NoError(t, err)
	msgs := state.TickForward(true)

	require.Len(t, eventsOfType(msgs, EventSnakeTurned), 1)
	assert.Equal(t, DirUp, state.Arena.Snakes[0].Direction)
	assert.True(t, state.Arena.Snakes[0].Alive)
}

func TestPendingOrderedByTickSequenceUser(t *testing.T) {
	state := newGame(t, 40, 40, FreeForAll(4), 1, "alice", "bob")

	cmds := []ScheduledCommand{
		{Server: CommandID{Tick: 5, UserID: "bob", Sequence: 2}},
		{Server: CommandID{Tick: 4, UserID: "bob", Sequence: 9}},
		{Server: CommandID{Tick: 5, UserID: "alice", Sequence: 2}},
		{Server: CommandID{Tick: 5, UserID: "carol", Sequence: 1}},
	}
	for _, cmd := range cmds {
		require.NoError(t, state.EnqueueScheduled(cmd))
	}

	var got []CommandID
	for _, cmd := range state.Pending {
		got = append(got, cmd.Server)
	}
	assert.Equal(t, []CommandID{
		{Tick: 4, UserID: "bob", Sequence: 9},
		{Tick: 5, UserID: "carol", Sequence: 1},
		{Tick: 5, UserID: "alice", Sequence: 2},
		{Tick: 5, UserID: "bob", Sequence: 2},
	}, got)
	assert.Equal(t, uint64(9), state.CommandSeq)
}

func TestScheduleCommandRejections(t *testing.T) {
	cases := []struct {
		name string
		msg  GameCommandMessage
		want *apperrors.Error
	}{
		{name: "unknown user", msg: turn("mallory", 0, DirUp, 0), want: apperrors.ErrInvalidCommand},
		{name: "someone else's snake", msg: turn("alice", 1, DirUp, 0), want: apperrors.ErrInvalidCommand},
		{name: "bad direction", msg: turn("alice", 0, Direction("sideways"), 0), want: apperrors.ErrInvalidCommand},
		{
			name: "unknown command type",
			msg:  GameCommandMessage{UserID: "alice", Command: GameCommand{Type: "boost", SnakeID: 0, Direction: DirUp}},
			want: apperrors.ErrInvalidCommand,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state := newGame(t, 40, 40, FreeForAll(2), 1, "alice", "bob")
			_, _, err := state.ScheduleCommand(tc.msg, DefaultCommandBuffer)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.Empty(t, state.Pending)
			assert.Zero(t, state.CommandSeq)
		})
	}
}

func TestEnqueueRejectsExpiredCommand(t *testing.T) {
	state := newGame(t, 40, 40, Solo(), 1, "solo")
	for range 5 {
		state.TickForward(true)
	}

	err := state.EnqueueScheduled(ScheduledCommand{
		Command: GameCommand{Type: CmdTurn, SnakeID: 0, Direction: DirUp},
		Server:  CommandID{Tick: 4, UserID: "solo", Sequence: 1},
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCommandExpired))
	assert.Equal(t, "4", err.(*apperrors.Error).Metadata["target_tick"])
	assert.Empty(t, state.Pending)
}

func TestAddPlayer(t *testing.T) {
	state := New(40, 40, FreeForAll(2), 1, 0, "")
	assert.Equal(t, QueueQuickmatch, state.QueueMode)

	id, err := state.AddPlayer("alice")
	require.NoError(t, err)
	assert.Equal(t, 0, id)
	assert.Len(t, state.Arena.Snakes[0].Body, 2)

	_, err = state.AddPlayer("alice")
	assert.True(t, errors.Is(err, apperrors.ErrPlayerExists))

	id, err = state.AddPlayer("bob")
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	_, err = state.AddPlayer("carol")
	assert.True(t, errors.Is(err, apperrors.ErrGameFull))
}

func TestApplyEvent(t *testing.T) {
	live := newGame(t, 40, 40, FreeForAll(2), 1, "alice", "bob")
	live.SpawnFoodToTarget()
	for range 3 {
		live.TickForward(true)
	}

	replica := New(40, 40, FreeForAll(2), 1, 0, "")
	require.NoError(t, replica.ApplyEvent(live.SnapshotEvent()))
	assert.Equal(t, live.Tick, replica.Tick)

	_, scheduled, err := live.ScheduleCommand(turn("alice", 0, DirDown, 3), DefaultCommandBuffer)
	require.NoError(t, err)
	require.NoError(t, replica.ApplyEvent(scheduled))
	assert.Equal(t, live.Pending, replica.Pending)

	started := Started("server-a")
	require.NoError(t, replica.ApplyEvent(GameEventMessage{Event: GameEvent{Type: EventStatusUpdated, Status: &started}}))
	assert.Equal(t, started, replica.Status)

	require.NoError(t, replica.ApplyEvent(GameEventMessage{Event: GameEvent{Type: EventSnakeTurned, SnakeID: 1, Direction: DirUp}}))
	assert.Equal(t, DirUp, replica.Arena.Snakes[1].Direction)

	err = replica.ApplyEvent(GameEventMessage{Event: GameEvent{Type: EventSnapshot}})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidCommand))
}

func TestEventPhase(t *testing.T) {
	complete := Status{Kind: StatusComplete}
	started := Started("s1")
	cases := []struct {
		evt  GameEvent
		want EventPhase
	}{
		{evt: GameEvent{Type: EventSnakeTurned}, want: PhaseBeforeStep},
		{evt: GameEvent{Type: EventSnapshot}, want: PhaseAfterStep},
		{evt: GameEvent{Type: EventCommandScheduled}, want: PhaseAfterStep},
		{evt: GameEvent{Type: EventPlayerJoined}, want: PhaseAfterStep},
		{evt: GameEvent{Type: EventStatusUpdated, Status: &started}, want: PhaseAfterStep},
		{evt: GameEvent{Type: EventStatusUpdated, Status: &complete}, want: PhaseDerived},
		{evt: GameEvent{Type: EventFoodSpawned}, want: PhaseDerived},
		{evt: GameEvent{Type: EventSnakeDied}, want: PhaseDerived},
		{evt: GameEvent{Type: EventCommandRejected}, want: PhaseDerived},
	}
	for _, tc := range cases {
		t.Run(string(tc.evt.Type), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.evt.Phase())
		})
	}
}
