package replay

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
)

// playLive runs a solo game to completion the way a runner does and returns
// the final state with every published message.
func playLive(t *testing.T) (*engine.GameState, []engine.GameEventMessage) {
	t.Helper()
	state := engine.New(20, 20, engine.Solo(), 7, 0, "")
	_, err := state.AddPlayer("solo")
	require.NoError(t, err)
	state.SpawnFoodToTarget()
	state.Status = engine.Started("s1")

	var msgs []engine.GameEventMessage
	emit := func(batch ...engine.GameEventMessage) {
		for _, msg := range batch {
			msg.GameID = "g1"
			msg.Sequence = uint64(len(msgs) + 1)
			msgs = append(msgs, msg)
		}
	}
	emit(state.SnapshotEvent())

	turns := map[uint64]engine.Direction{3: engine.DirDown, 8: engine.DirLeft, 12: engine.DirUp, 20: engine.DirRight}
	for i := 0; i < 500 && !state.Status.IsComplete(); i++ {
		if dir, ok := turns[state.Tick]; ok {
			_, evt, err := state.ScheduleCommand(engine.GameCommandMessage{
				GameID:  "g1",
				UserID:  "solo",
				Command: engine.GameCommand{Type: engine.CmdTurn, SnakeID: 0, Direction: dir},
				Client:  engine.CommandID{Tick: state.Tick + engine.DefaultCommandBuffer, UserID: "solo", Sequence: 1},
			}, engine.DefaultCommandBuffer)
			require.NoError(t, err)
			emit(evt)
		}
		emit(state.TickForward(true)...)
		if !state.Status.IsComplete() && state.Tick%5 == 0 {
			emit(state.SnapshotEvent())
		}
	}
	require.True(t, state.Status.IsComplete())
	return state, msgs
}

func record(t *testing.T, msgs []engine.GameEventMessage, store Store, opts RecorderOptions) (*Data, error) {
	t.Helper()
	b := bus.New[engine.GameEventMessage](len(msgs) + 1)
	sub := b.Subscribe()
	for _, msg := range msgs {
		_, err := b.Publish(msg)
		require.NoError(t, err)
	}
	b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return NewRecorder("g1", store, opts).Run(ctx, sub)
}

func stateJSON(t *testing.T, state *engine.GameState) string {
	t.Helper()
	raw, err := json.Marshal(state)
	require.NoError(t, err)
	return string(raw)
}

func TestReplayReproducesLiveGame(t *testing.T) {
	live, msgs := playLive(t)
	store := NewMemoryStore()

	data, err := record(t, msgs, store, RecorderOptions{Catalog: store})
	require.NoError(t, err)
	assert.Equal(t, live.Tick, data.Metadata.FinalTick)
	assert.True(t, data.Metadata.FinalStatus.IsComplete())
	assert.Equal(t, []engine.Player{{UserID: "solo", SnakeID: 0}}, data.Metadata.Players)

	loaded, err := store.Load(context.Background(), "g1")
	require.NoError(t, err)

	player, err := NewPlayer(loaded)
	require.NoError(t, err)
	for {
		ok, err := player.StepForward()
		require.NoError(t, err)
		if !ok {
			break
		}
	}
	assert.Equal(t, live.Tick, player.Tick())
	assert.Equal(t, stateJSON(t, live), stateJSON(t, player.State()))

	meta, err := store.Get(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, data.Metadata, meta)
}

func TestPlayerSeekAndStepBackward(t *testing.T) {
	_, msgs := playLive(t)
	data, err := record(t, msgs, NewMemoryStore(), RecorderOptions{})
	require.NoError(t, err)

	player, err := NewPlayer(data)
	require.NoError(t, err)
	require.NoError(t, player.Seek(10))
	atTen := player.State()

	_, err = player.StepForward()
	require.NoError(t, err)
	_, err = player.StepForward()
	require.NoError(t, err)
	ok, err := player.StepBackward()
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = player.StepBackward()
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, uint64(10), player.Tick())
	if diff := cmp.Diff(atTen, player.State(), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("state after stepping back differs (-want +got):\n%s", diff)
	}

	require.NoError(t, player.Seek(0))
	ok, err = player.StepBackward()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecorderWaitsForSnapshot(t *testing.T) {
	rec := &recording{gameID: "g1"}
	state := engine.New(20, 20, engine.Solo(), 1, 0, "")

	assert.False(t, rec.observe(engine.GameEventMessage{Tick: 1, Event: engine.GameEvent{Type: engine.EventFoodSpawned}}, 0, 10))
	assert.Nil(t, rec.initial)

	assert.False(t, rec.observe(state.SnapshotEvent(), 0, 11))
	require.NotNil(t, rec.initial)
	assert.Empty(t, rec.events)
}

func TestRecorderResyncsAfterGap(t *testing.T) {
	rec := &recording{gameID: "g1"}
	state := engine.New(20, 20, engine.Solo(), 1, 0, "")
	rec.observe(state.SnapshotEvent(), 0, 1)

	rec.observe(engine.GameEventMessage{Tick: 1, Event: engine.GameEvent{Type: engine.EventFoodSpawned}}, 0, 2)
	rec.observe(engine.GameEventMessage{Tick: 3, Event: engine.GameEvent{Type: engine.EventFoodSpawned}}, 4, 3)
	rec.observe(engine.GameEventMessage{Tick: 4, Event: engine.GameEvent{Type: engine.EventFoodEaten}}, 0, 4)
	require.Len(t, rec.events, 1, "events after a gap are dropped until a snapshot")

	state.Tick = 5
	rec.observe(state.SnapshotEvent(), 0, 5)
	require.Len(t, rec.events, 2)
	assert.Equal(t, engine.EventSnapshot, rec.events[1].Message.Event.Type)
	assert.Equal(t, 1, rec.resyncs)

	done := rec.observe(engine.GameEventMessage{Tick: 6, Event: engine.GameEvent{Type: engine.EventGameDeleted}}, 0, 6)
	assert.True(t, done)
	assert.Equal(t, int64(6), rec.data().Metadata.EndedAtMs)
}

func TestRecorderIncompleteStream(t *testing.T) {
	state := engine.New(20, 20, engine.Solo(), 1, 0, "")
	_, err := record(t, []engine.GameEventMessage{state.SnapshotEvent()}, NewMemoryStore(), RecorderOptions{})
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestCodecRoundTrip(t *testing.T) {
	_, msgs := playLive(t)
	data, err := record(t, msgs, NewMemoryStore(), RecorderOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, data))
	decoded, err := Decode(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(data, decoded, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("decoded replay differs (-want +got):\n%s", diff)
	}
}

func gzipLines(t *testing.T, lines ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for _, line := range lines {
		_, err := zw.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	meta := `{"game_id":"g1"}`
	initial := `{"tick":5,"arena":{"width":10,"height":10}}`
	valid := gzipLines(t, meta, initial, `{"tick":6,"message":{"tick":6,"event":{"type":"food_spawned"}}}`)

	cases := []struct {
		name  string
		input []byte
		line  string
	}{
		{name: "not gzip", input: []byte("plain text"), line: "0"},
		{name: "bad metadata", input: gzipLines(t, "{", initial), line: "1"},
		{name: "null initial", input: gzipLines(t, meta, "null"), line: "2"},
		{name: "bad event", input: gzipLines(t, meta, initial, `{"tick":`), line: "3"},
		{name: "tick goes backwards", input: gzipLines(t, meta, initial, `{"tick":4}`), line: "3"},
		{name: "missing initial", input: gzipLines(t, meta), line: "1"},
		{name: "truncated", input: valid[:len(valid)-6], line: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(tc.input))
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, apperrors.ErrMalformedReplayRecord))
			if tc.line != "" {
				var domainErr *apperrors.Error
				require.True(t, stderrors.As(err, &domainErr))
				assert.Equal(t, tc.line, domainErr.Metadata["line"])
			}
		})
	}

	data, err := Decode(bytes.NewReader(valid))
	require.NoError(t, err)
	assert.Len(t, data.Events, 1)
}

func TestFileStore(t *testing.T) {
	_, msgs := playLive(t)
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	data, err := record(t, msgs, store, RecorderOptions{})
	require.NoError(t, err)

	_, err = os.Stat(store.Path("g1"))
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")

	loaded, err := store.Load(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, data.Metadata, loaded.Metadata)

	_, err = store.Load(context.Background(), "missing")
	assert.True(t, stderrors.Is(err, apperrors.ErrReplayNotFound))
	_, err = store.Load(context.Background(), "../etc")
	assert.True(t, stderrors.Is(err, apperrors.ErrInvalidCommand))
}

func TestMemoryCatalogPaging(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Index(ctx, Metadata{GameID: id, EndedAtMs: int64(i)}))
	}

	page, err := store.List(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].GameID)
	assert.Equal(t, "b", page[1].GameID)

	page, err = store.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a", page[0].GameID)

	page, err = store.List(ctx, 0, 5)
	require.NoError(t, err)
	assert.Empty(t, page)

	_, err = store.Get(ctx, "zzz")
	assert.True(t, stderrors.Is(err, apperrors.ErrReplayNotFound))
}
