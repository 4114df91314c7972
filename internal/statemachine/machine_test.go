package statemachine

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/arena-backend/internal/engine"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
)

// applier feeds requests with consecutive log indexes.
type applier struct {
	t     *testing.T
	m     *Machine
	index uint64
}

func newApplier(t *testing.T) *applier {
	return &applier{t: t, m: New("node-1")}
}

func (a *applier) apply(req Request) (Response, []engine.GameEventMessage) {
	a.index++
	return a.m.Apply(a.index, req)
}

func (a *applier) mustApply(req Request) []engine.GameEventMessage {
	a.t.Helper()
	resp, events := a.apply(req)
	require.NoError(a.t, resp.Err())
	return events
}

func (a *applier) seed() {
	a.t.Helper()
	a.mustApply(RegisterServer{Server: ServerRegistration{ID: "s1", RaftAddr: "10.0.0.1:7000", APIAddr: "10.0.0.1:7001", RegisteredAtMs: 10}}.Request())
	a.mustApply(RegisterServer{Server: ServerRegistration{ID: "s2", RaftAddr: "10.0.0.2:7000", APIAddr: "10.0.0.2:7001", RegisteredAtMs: 10}}.Request())
	a.mustApply(CreateGame{GameID: "g1", Width: 40, Height: 40, Type: engine.FreeForAll(4), Seed: 12345, Players: []string{"alice", "bob"}}.Request())
}

func requireCode(t *testing.T, resp Response, want *apperrors.Error) {
	t.Helper()
	require.NotNil(t, resp.Error, "expected %s", want.Code)
	assert.True(t, errors.Is(resp.Err(), want), "got %s: %s", resp.Error.Code, resp.Error.Message)
}

func TestCreateGame(t *testing.T) {
	a := newApplier(t)
	events := a.mustApply(CreateGame{GameID: "g1", Width: 40, Height: 40, Type: engine.FreeForAll(4), Seed: 12345, Players: []string{"alice", "bob"}}.Request())

	var joined, spawned int
	for _, msg := range events {
		assert.Equal(t, "g1", msg.GameID)
		switch msg.Event.Type {
		case engine.EventPlayerJoined:
			joined++
		case engine.EventFoodSpawned:
			spawned++
		}
	}
	assert.Equal(t, 2, joined)
	assert.Equal(t, 10, spawned)

	game, err := a.m.Game("g1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusStopped, game.Status.Kind)
	assert.Equal(t, engine.QueueQuickmatch, game.QueueMode)
	assert.Len(t, game.Players, 2)

	resp, _ := a.apply(CreateGame{GameID: "g1", Width: 40, Height: 40, Type: engine.Solo()}.Request())
	requireCode(t, resp, apperrors.ErrAlreadyExists)

	resp, _ = a.apply(CreateGame{GameID: "g2", Width: 40, Height: 40, Type: engine.FreeForAll(1), Players: []string{"a", "b"}}.Request())
	requireCode(t, resp, apperrors.ErrGameFull)
	assert.Equal(t, []string{"g1"}, a.m.GameIDs())
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		want *apperrors.Error
	}{
		{name: "start unknown game", req: StartGame{GameID: "nope", ServerID: "s1"}.Request(), want: apperrors.ErrUnknownGame},
		{name: "start on unknown server", req: StartGame{GameID: "g1", ServerID: "s9"}.Request(), want: apperrors.ErrUnknownServer},
		{name: "process unknown game", req: ProcessGameEvent{GameID: "nope", ServerID: "s1"}.Request(), want: apperrors.ErrUnknownGame},
		{name: "process before start", req: ProcessGameEvent{GameID: "g1", ServerID: "s1"}.Request(), want: apperrors.ErrNotAuthority},
		{name: "register twice", req: RegisterServer{Server: ServerRegistration{ID: "s1"}}.Request(), want: apperrors.ErrAlreadyRegistered},
		{name: "remove unknown server", req: RemoveServer{ServerID: "s9"}.Request(), want: apperrors.ErrUnknownServer},
		{name: "heartbeat unknown server", req: HeartbeatServer{ServerID: "s9", AtMs: 5}.Request(), want: apperrors.ErrUnknownServer},
		{name: "transfer unknown game", req: TransferAuthority{GameID: "nope", From: "s1", To: "s2"}.Request(), want: apperrors.ErrUnknownGame},
		{name: "transfer stopped game", req: TransferAuthority{GameID: "g1", From: "s1", To: "s2"}.Request(), want: apperrors.ErrInvalidStateTransition},
		{name: "delete unknown game", req: DeleteGame{GameID: "nope"}.Request(), want: apperrors.ErrUnknownGame},
		{name: "kind without payload", req: Request{Kind: KindStartGame}, want: apperrors.ErrInvalidCommand},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newApplier(t)
			a.seed()
			before := a.m.LastApplied()

			resp, events := a.apply(tc.req)

			requireCode(t, resp, tc.want)
			assert.Empty(t, events)
			assert.Equal(t, before+1, a.m.LastApplied())
		})
	}
}

func TestStartGameTwiceIsRejected(t *testing.T) {
	a := newApplier(t)
	a.seed()

	events := a.mustApply(StartGame{GameID: "g1", ServerID: "s1", StartTimeMs: 1_000}.Request())
	require.Len(t, events, 1)
	assert.Equal(t, engine.EventStatusUpdated, events[0].Event.Type)
	assert.Equal(t, engine.Started("s1"), *events[0].Event.Status)

	resp, _ := a.apply(StartGame{GameID: "g1", ServerID: "s2", StartTimeMs: 2_000}.Request())
	requireCode(t, resp, apperrors.ErrInvalidStateTransition)

	game, err := a.m.Game("g1")
	require.NoError(t, err)
	assert.Equal(t, "s1", game.Status.ServerID)
	assert.Equal(t, int64(1_000), game.StartTimeMs)
}

func TestDuplicateIndexIsNoop(t *testing.T) {
	m := New("node-1")
	for range 2 {
		resp, events := m.Apply(0, RegisterServer{Server: ServerRegistration{ID: "s0"}}.Request())
		requireCode(t, resp, apperrors.ErrInvalidCommand)
		assert.Empty(t, events)
	}
	assert.Empty(t, m.Servers())
	assert.Zero(t, m.LastApplied())

	resp, _ := m.Apply(1, RegisterServer{Server: ServerRegistration{ID: "s1"}}.Request())
	require.NoError(t, resp.Err())

	resp, events := m.Apply(1, RegisterServer{Server: ServerRegistration{ID: "s1"}}.Request())
	assert.True(t, resp.Duplicate)
	assert.Nil(t, resp.Error)
	assert.Empty(t, events)

	resp, _ = m.Apply(1, RemoveServer{ServerID: "s1"}.Request())
	assert.True(t, resp.Duplicate)
	assert.Len(t, m.Servers(), 1)
	assert.Equal(t, uint64(1), m.LastApplied())
}

func TestProcessGameEventFencing(t *testing.T) {
	a := newApplier(t)
	a.seed()
	a.mustApply(StartGame{GameID: "g1", ServerID: "s1", StartTimeMs: 0}.Request())

	live, err := a.m.Game("g1")
	require.NoError(t, err)
	for range 5 {
		live.TickForward(true)
	}
	snap := live.SnapshotEvent()

	events := a.mustApply(ProcessGameEvent{GameID: "g1", ServerID: "s1", Message: snap}.Request())
	require.Len(t, events, 1)
	assert.Equal(t, "g1", events[0].GameID)
	game, err := a.m.Game("g1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), game.Tick)

	resp, _ := a.apply(ProcessGameEvent{GameID: "g1", ServerID: "s2", Message: snap}.Request())
	requireCode(t, resp, apperrors.ErrNotAuthority)

	stale := live.Clone()
	stale.Tick = 2
	resp, _ = a.apply(ProcessGameEvent{GameID: "g1", ServerID: "s1", Message: stale.SnapshotEvent()}.Request())
	requireCode(t, resp, apperrors.ErrInvalidStateTransition)

	winner := 1
	done := engine.Status{Kind: engine.StatusComplete, ServerID: "s1", WinningSnakeID: &winner}
	a.mustApply(ProcessGameEvent{GameID: "g1", ServerID: "s1", Message: engine.GameEventMessage{
		Tick:  9,
		Event: engine.GameEvent{Type: engine.EventMatchCompleted, Status: &done},
	}}.Request())
	game, err = a.m.Game("g1")
	require.NoError(t, err)
	assert.True(t, game.Status.IsComplete())
	assert.Equal(t, 1, *game.Status.WinningSnakeID)
	assert.Empty(t, a.m.GamesOwnedBy("s1"))

	resp, _ = a.apply(ProcessGameEvent{GameID: "g1", ServerID: "s1", Message: snap}.Request())
	requireCode(t, resp, apperrors.ErrNotAuthority)
}

func TestTransferAuthority(t *testing.T) {
	a := newApplier(t)
	a.seed()
	a.mustApply(StartGame{GameID: "g1", ServerID: "s1"}.Request())
	assert.Equal(t, []string{"g1"}, a.m.GamesOwnedBy("s1"))
	assert.Equal(t, map[string]int{"s1": 1, "s2": 0}, a.m.Load())

	resp, _ := a.apply(TransferAuthority{GameID: "g1", From: "s2", To: "s1"}.Request())
	requireCode(t, resp, apperrors.ErrNotAuthority)
	resp, _ = a.apply(TransferAuthority{GameID: "g1", From: "s1", To: "s7"}.Request())
	requireCode(t, resp, apperrors.ErrUnknownServer)

	events := a.mustApply(TransferAuthority{GameID: "g1", From: "s1", To: "s2"}.Request())
	require.Len(t, events, 1)
	assert.Equal(t, engine.Started("s2"), *events[0].Event.Status)
	assert.Empty(t, a.m.GamesOwnedBy("s1"))
	assert.Equal(t, []string{"g1"}, a.m.GamesOwnedBy("s2"))

	resp, _ = a.apply(ProcessGameEvent{GameID: "g1", ServerID: "s1", Message: engine.GameEventMessage{Event: engine.GameEvent{Type: engine.EventFoodSpawned}}}.Request())
	requireCode(t, resp, apperrors.ErrNotAuthority)
}

func TestConfirmedCommandSurvivesAuthorityTransfer(t *testing.T) {
	a := newApplier(t)
	a.seed()
	a.mustApply(StartGame{GameID: "g1", ServerID: "s1", StartTimeMs: 0}.Request())

	live, err := a.m.Game("g1")
	require.NoError(t, err)
	for range 20 {
		live.TickForward(true)
	}
	a.mustApply(ProcessGameEvent{GameID: "g1", ServerID: "s1", Message: live.SnapshotEvent()}.Request())

	live.TickForward(true)
	live.TickForward(true)
	snakeID := live.Players["alice"].SnakeID
	require.Equal(t, engine.DirRight, live.Arena.Snakes[snakeID].Direction)
	scheduled, confirmed, err := live.ScheduleCommand(engine.GameCommandMessage{
		GameID:  "g1",
		UserID:  "alice",
		Command: engine.GameCommand{Type: engine.CmdTurn, SnakeID: snakeID, Direction: engine.DirDown},
		Client:  engine.CommandID{Tick: 22, UserID: "alice", Sequence: 1},
	}, engine.DefaultCommandBuffer)
	require.NoError(t, err)
	require.Equal(t, uint64(24), scheduled.Server.Tick)
	a.mustApply(ProcessGameEvent{GameID: "g1", ServerID: "s1", Message: confirmed}.Request())

	a.mustApply(TransferAuthority{GameID: "g1", From: "s1", To: "s2"}.Request())

	successor, err := a.m.Game("g1")
	require.NoError(t, err)
	assert.Equal(t, engine.Started("s2"), successor.Status)
	assert.Equal(t, uint64(20), successor.Tick)
	assert.Equal(t, []engine.ScheduledCommand{scheduled}, successor.Pending)

	var turned []engine.GameEventMessage
	for successor.Tick < 25 {
		for _, msg := range successor.TickForward(true) {
			if msg.Event.Type == engine.EventSnakeTurned {
				turned = append(turned, msg)
			}
		}
	}
	for live.Tick < 25 {
		live.TickForward(true)
	}
	require.Len(t, turned, 1)
	assert.Equal(t, uint64(25), turned[0].Tick)
	assert.Equal(t, engine.DirDown, successor.Arena.Snakes[snakeID].Direction)
	assert.Empty(t, cmp.Diff(live.Arena, successor.Arena, cmpopts.EquateEmpty()))
}

func TestServerRegistry(t *testing.T) {
	a := newApplier(t)
	a.seed()

	a.mustApply(HeartbeatServer{ServerID: "s1", AtMs: 500}.Request())
	a.mustApply(HeartbeatServer{ServerID: "s1", AtMs: 400}.Request())
	reg, err := a.m.Server("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), reg.LastHeartbeatMs)

	a.mustApply(RemoveServer{ServerID: "s1"}.Request())
	_, err = a.m.Server("s1")
	assert.True(t, errors.Is(err, apperrors.ErrUnknownServer))

	servers := a.m.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, "s2", servers[0].ID)
	assert.Equal(t, int64(10), servers[0].LastHeartbeatMs)
}

func TestDeleteGame(t *testing.T) {
	a := newApplier(t)
	a.seed()

	events := a.mustApply(DeleteGame{GameID: "g1"}.Request())
	require.Len(t, events, 1)
	assert.Equal(t, engine.EventGameDeleted, events[0].Event.Type)
	assert.True(t, events[0].Event.IsTerminal())

	_, err := a.m.Game("g1")
	assert.True(t, errors.Is(err, apperrors.ErrUnknownGame))
}

func TestGameReturnsCopy(t *testing.T) {
	a := newApplier(t)
	a.seed()

	game, err := a.m.Game("g1")
	require.NoError(t, err)
	game.Tick = 99
	game.Arena.Snakes[0].Alive = false

	again, err := a.m.Game("g1")
	require.NoError(t, err)
	assert.Zero(t, again.Tick)
	assert.True(t, again.Arena.Snakes[0].Alive)
}

func TestSnapshotRestore(t *testing.T) {
	a := newApplier(t)
	a.seed()
	a.mustApply(StartGame{GameID: "g1", ServerID: "s2", StartTimeMs: 77}.Request())
	a.mustApply(CreateGame{GameID: "g2", Width: 60, Height: 40, Type: engine.TeamMatch(2), Seed: 9, QueueMode: engine.QueueCompetitive, Players: []string{"a", "b", "c"}}.Request())

	data, err := a.m.Snapshot()
	require.NoError(t, err)

	restored := New("node-2")
	require.NoError(t, restored.Restore(data))

	assert.Equal(t, a.m.LastApplied(), restored.LastApplied())
	assert.Equal(t, a.m.Servers(), restored.Servers())
	assert.Equal(t, a.m.GameIDs(), restored.GameIDs())
	for _, id := range a.m.GameIDs() {
		want, err := a.m.Game(id)
		require.NoError(t, err)
		got, err := restored.Game(id)
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(want, got, cmpopts.EquateEmpty()))

		want.TickForward(true)
		got.TickForward(true)
		assert.Empty(t, cmp.Diff(want, got, cmpopts.EquateEmpty()), "restored game %s diverged", id)
	}
}

func TestRequestCodec(t *testing.T) {
	state := engine.New(10, 10, engine.Solo(), 1, 0, "")
	req := ProcessGameEvent{GameID: "g1", ServerID: "s1", Message: state.SnapshotEvent()}.Request()

	data, err := EncodeRequest(req)
	require.NoError(t, err)
	decoded, err := DecodeRequest(data)
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(req, decoded, cmpopts.EquateEmpty()))

	_, err = DecodeRequest([]byte{0xc1})
	assert.Error(t, err)
}
