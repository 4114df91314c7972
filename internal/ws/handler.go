// Package ws serves the game WebSocket: an initial state frame, then every
// event the game's runner publishes, with client commands flowing back.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/arena-backend/internal/bus"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	"github.com/DoyleJ11/arena-backend/internal/identity"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
	"github.com/DoyleJ11/arena-backend/internal/platform/logging"
	"github.com/DoyleJ11/arena-backend/internal/platform/timeouts"
	"github.com/DoyleJ11/arena-backend/internal/runner"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

// Games is the slice of the hub a connection needs.
type Games interface {
	Subscribe(ctx context.Context, gameID string) (*bus.Subscription[engine.GameEventMessage], error)
	Submit(ctx context.Context, cmd engine.GameCommandMessage) error
	State(ctx context.Context, gameID string) (runner.View, error)
}

type Options struct {
	Logger *zap.Logger
	// OriginPatterns loosens the same-origin check, e.g. "localhost:*".
	OriginPatterns []string
}

type Handler struct {
	games    Games
	verifier identity.Verifier
	logger   *zap.Logger
	origins  []string
}

func NewHandler(games Games, verifier identity.Verifier, opts Options) *Handler {
	return &Handler{
		games:    games,
		verifier: verifier,
		logger:   logging.OrNop(opts.Logger).Named("ws"),
		origins:  opts.OriginPatterns,
	}
}

var errStreamClosed = errors.New("game stream closed")

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "id")
	ident, err := h.verifier.Verify(r.Context(), identity.BearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}

	// Subscribe before reading state so nothing between the two is lost.
	sub, err := h.games.Subscribe(r.Context(), gameID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		return
	}

	s := &session{
		gameID: gameID,
		userID: ident.UserID,
		conn:   conn,
		games:  h.games,
		sub:    sub,
		out:    make(chan types.ServerMessage, 8),
		resync: make(chan struct{}, 1),
		logger: h.logger.With(zap.String("game_id", gameID), zap.String("user_id", ident.UserID)),
	}
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return s.writeLoop(ctx) })
	g.Go(func() error { return s.readLoop(ctx) })
	err = g.Wait()
	if err != nil && !errors.Is(err, errStreamClosed) && websocket.CloseStatus(err) == -1 {
		s.logger.Debug("connection closed", zap.Error(err))
	}
	_ = conn.CloseNow()
}

type session struct {
	gameID string
	userID string
	conn   *websocket.Conn
	games  Games
	sub    *bus.Subscription[engine.GameEventMessage]
	out    chan types.ServerMessage
	resync chan struct{}
	logger *zap.Logger
	// last is the newest sequence the client has seen.
	last uint64
}

// writeLoop is the only writer on the connection.
func (s *session) writeLoop(ctx context.Context) error {
	if err := s.sendState(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.resync:
			if err := s.sendState(ctx); err != nil {
				return err
			}
		case msg := <-s.out:
			if err := s.write(ctx, msg); err != nil {
				return err
			}
		case evt, ok := <-s.sub.C():
			if !ok {
				_ = s.conn.Close(websocket.StatusNormalClosure, "game stream closed")
				return errStreamClosed
			}
			if missed := s.sub.Missed(); missed > 0 {
				s.logger.Debug("client fell behind, resyncing", zap.Uint64("missed", missed))
				if err := s.sendState(ctx); err != nil {
					return err
				}
			}
			if evt.Sequence <= s.last {
				continue
			}
			s.last = evt.Sequence
			if err := s.write(ctx, types.ServerMessage{Type: types.ServerEvent, Sequence: evt.Sequence, Event: &evt}); err != nil {
				return err
			}
		}
	}
}

func (s *session) sendState(ctx context.Context) error {
	view, err := s.games.State(ctx, s.gameID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		// The runner is gone; the closed stream will end the session.
		body := types.NewErrorBody(err)
		return s.write(ctx, types.ServerMessage{Type: types.ServerError, Error: &body})
	}
	s.last = view.Sequence
	return s.write(ctx, types.ServerMessage{Type: types.ServerState, Sequence: view.Sequence, State: view.State})
}

func (s *session) write(ctx context.Context, msg types.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.WebSocketWrite)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

func (s *session) readLoop(ctx context.Context) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, timeouts.WebSocketRead)
		_, data, err := s.conn.Read(readCtx)
		cancel()
		if err != nil {
			return err
		}

		var cm types.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			s.reply(ctx, apperrors.New(apperrors.CodeInvalidCommand, "bad json"))
			continue
		}
		switch cm.Type {
		case types.ClientSync:
			select {
			case s.resync <- struct{}{}:
			default:
			}
		case types.ClientCommand:
			if cm.Command == nil {
				s.reply(ctx, apperrors.New(apperrors.CodeInvalidCommand, "command frame without command"))
				continue
			}
			err := s.games.Submit(ctx, engine.GameCommandMessage{
				GameID:  s.gameID,
				UserID:  s.userID,
				Command: *cm.Command,
				Client:  engine.CommandID{Tick: cm.Tick, UserID: s.userID, Sequence: cm.Sequence},
			})
			if err != nil {
				s.reply(ctx, err)
			}
		default:
			s.reply(ctx, apperrors.New(apperrors.CodeInvalidCommand, "unknown type"))
		}
	}
}

// reply queues an error frame for the writer.
func (s *session) reply(ctx context.Context, err error) {
	body := types.NewErrorBody(err)
	select {
	case s.out <- types.ServerMessage{Type: types.ServerError, Error: &body}:
	case <-ctx.Done():
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperrors.CodeOf(err).HTTPStatus())
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: types.NewErrorBody(err)})
}
