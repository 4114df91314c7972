package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	"github.com/DoyleJ11/arena-backend/internal/identity"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
	"github.com/DoyleJ11/arena-backend/internal/runner"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

type fakeGames struct {
	events    *bus.Broadcast[engine.GameEventMessage]
	view      runner.View
	submitted chan engine.GameCommandMessage
	submitErr error
}

func newFakeGames() *fakeGames {
	state := &engine.GameState{Tick: 4, Status: engine.Started("s1")}
	return &fakeGames{
		events:    bus.New[engine.GameEventMessage](16),
		view:      runner.View{Sequence: 10, State: state},
		submitted: make(chan engine.GameCommandMessage, 4),
	}
}

func (f *fakeGames) Subscribe(_ context.Context, gameID string) (*bus.Subscription[engine.GameEventMessage], error) {
	if gameID != "g1" {
		return nil, apperrors.WithMetadata(apperrors.CodeNotAuthority, "game is not running on this server", map[string]string{"server_id": "s2"})
	}
	return f.events.Subscribe(), nil
}

func (f *fakeGames) Submit(_ context.Context, cmd engine.GameCommandMessage) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted <- cmd
	return nil
}

func (f *fakeGames) State(context.Context, string) (runner.View, error) { return f.view, nil }

func serve(t *testing.T, games *fakeGames) string {
	t.Helper()
	r := chi.NewRouter()
	r.Handle("/games/{id}/ws", NewHandler(games, identity.StaticVerifier{"tok-alice": "alice"}, Options{}))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer tok-alice"}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) types.ServerMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg types.ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, msg types.ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestStreamsStateThenNewEvents(t *testing.T) {
	games := newFakeGames()
	url := serve(t, games)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, url+"/games/g1/ws")
	first := read(t, ctx, conn)
	require.Equal(t, types.ServerState, first.Type)
	assert.EqualValues(t, 10, first.Sequence)
	require.NotNil(t, first.State)
	assert.EqualValues(t, 4, first.State.Tick)

	// Already covered by the state frame.
	_, err := games.events.Publish(engine.GameEventMessage{GameID: "g1", Sequence: 9, Tick: 3, Event: engine.GameEvent{Type: engine.EventSnakeTurned}})
	require.NoError(t, err)
	_, err = games.events.Publish(engine.GameEventMessage{GameID: "g1", Sequence: 11, Tick: 5, Event: engine.GameEvent{Type: engine.EventFoodEaten}})
	require.NoError(t, err)

	next := read(t, ctx, conn)
	require.Equal(t, types.ServerEvent, next.Type)
	require.NotNil(t, next.Event)
	assert.EqualValues(t, 11, next.Sequence)
	assert.Equal(t, engine.EventFoodEaten, next.Event.Event.Type)
}

func TestCommandsCarryTheAuthenticatedUser(t *testing.T) {
	games := newFakeGames()
	url := serve(t, games)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, url+"/games/g1/ws")
	read(t, ctx, conn)

	send(t, ctx, conn, types.ClientMessage{
		Type:     types.ClientCommand,
		Command:  &engine.GameCommand{Type: engine.CmdTurn, SnakeID: 0, Direction: engine.DirUp},
		Tick:     4,
		Sequence: 1,
	})

	select {
	case cmd := <-games.submitted:
		assert.Equal(t, "g1", cmd.GameID)
		assert.Equal(t, "alice", cmd.UserID)
		assert.Equal(t, engine.DirUp, cmd.Command.Direction)
		assert.Equal(t, engine.CommandID{Tick: 4, UserID: "alice", Sequence: 1}, cmd.Client)
	case <-ctx.Done():
		t.Fatal("command never submitted")
	}
}

func TestErrorFrames(t *testing.T) {
	games := newFakeGames()
	games.submitErr = apperrors.New(apperrors.CodeChannelSaturated, "runner inbox full")
	url := serve(t, games)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, url+"/games/g1/ws")
	read(t, ctx, conn)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))
	msg := read(t, ctx, conn)
	require.Equal(t, types.ServerError, msg.Type)
	assert.Equal(t, string(apperrors.CodeInvalidCommand), msg.Error.Code)

	send(t, ctx, conn, types.ClientMessage{Type: types.ClientCommand, Command: &engine.GameCommand{Type: engine.CmdTurn, Direction: engine.DirLeft}})
	msg = read(t, ctx, conn)
	require.Equal(t, types.ServerError, msg.Type)
	assert.Equal(t, string(apperrors.CodeChannelSaturated), msg.Error.Code)
}

func TestSyncResendsState(t *testing.T) {
	games := newFakeGames()
	url := serve(t, games)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, url+"/games/g1/ws")
	read(t, ctx, conn)
	send(t, ctx, conn, types.ClientMessage{Type: types.ClientSync})
	msg := read(t, ctx, conn)
	assert.Equal(t, types.ServerState, msg.Type)
	assert.EqualValues(t, 10, msg.Sequence)
}

func TestClosesWhenGameStreamEnds(t *testing.T) {
	games := newFakeGames()
	url := serve(t, games)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, url+"/games/g1/ws")
	read(t, ctx, conn)
	games.events.Close()

	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestRejectsBeforeUpgrade(t *testing.T) {
	games := newFakeGames()
	url := serve(t, games)
	httpURL := "http" + strings.TrimPrefix(url, "ws")

	resp, err := http.Get(httpURL + "/games/g1/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, httpURL+"/games/g9/ws", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-alice")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body types.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(apperrors.CodeNotAuthority), body.Error.Code)
	assert.Equal(t, "s2", body.Error.Metadata["server_id"])
}
