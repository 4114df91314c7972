// Package httpapi is the public HTTP surface: match creation, game and
// replay lookup, cluster status and the game WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/arena-backend/internal/consensus"
	"github.com/DoyleJ11/arena-backend/internal/coordinator"
	"github.com/DoyleJ11/arena-backend/internal/engine"
	"github.com/DoyleJ11/arena-backend/internal/identity"
	"github.com/DoyleJ11/arena-backend/internal/metrics"
	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
	"github.com/DoyleJ11/arena-backend/internal/platform/logging"
	"github.com/DoyleJ11/arena-backend/internal/replay"
	"github.com/DoyleJ11/arena-backend/internal/statemachine"
	"github.com/DoyleJ11/arena-backend/internal/ws"
	"github.com/DoyleJ11/arena-backend/pkg/types"
)

const (
	defaultReplayLimit = 20
	maxReplayLimit     = 100
)

// Games is the local hub.
type Games interface {
	ws.Games
	ActiveGames(ctx context.Context) ([]string, error)
}

type Matchmaker interface {
	CreateMatch(ctx context.Context, group coordinator.MatchGroup) (coordinator.Match, error)
}

// Machine is the read side of the replicated state.
type Machine interface {
	Game(id string) (*engine.GameState, error)
	Server(id string) (statemachine.ServerRegistration, error)
	Servers() []statemachine.ServerRegistration
}

type StatusReporter interface {
	Status() consensus.Status
}

type Deps struct {
	Games          Games
	Matchmaker     Matchmaker
	Machine        Machine
	Cluster        StatusReporter
	Replays        replay.Store
	Catalog        replay.Catalog
	Verifier       identity.Verifier
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	OriginPatterns []string
}

func (d Deps) withDefaults() Deps {
	d.Logger = logging.OrNop(d.Logger).Named("http")
	return d
}

// Authenticate rejects requests without a valid bearer token and stores the
// caller's identity on the request context.
func Authenticate(v identity.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.Verify(r.Context(), identity.BearerToken(r))
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
		})
	}
}

func CreateGame(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.CreateGameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.Wrap(apperrors.CodeInvalidCommand, "invalid request body", err))
			return
		}
		match, err := d.Matchmaker.CreateMatch(r.Context(), coordinator.MatchGroup{
			Players:        req.Players,
			Type:           req.Type,
			QueueMode:      req.QueueMode,
			Width:          req.Width,
			Height:         req.Height,
			TickDurationMs: req.TickDurationMs,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		caller, _ := identity.FromContext(r.Context())
		d.Logger.Info("match created",
			zap.String("game_id", match.GameID),
			zap.String("server_id", match.ServerID),
			zap.String("requested_by", caller.UserID),
		)

		resp := types.CreateGameResponse{
			GameID:       match.GameID,
			ServerID:     match.ServerID,
			Seed:         match.Seed,
			WebSocketURL: "/games/" + match.GameID + "/ws",
		}
		if srv, err := d.Machine.Server(match.ServerID); err == nil {
			resp.HTTPAddr = srv.HTTPAddr
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func GetGame(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		state, err := d.Machine.Game(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.GameView{GameID: id, State: state})
	}
}

func ListReplays(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := intParam(r, "limit", defaultReplayLimit)
		if err != nil {
			writeError(w, err)
			return
		}
		offset, err := intParam(r, "offset", 0)
		if err != nil {
			writeError(w, err)
			return
		}
		limit = min(max(limit, 1), maxReplayLimit)
		offset = max(offset, 0)

		list, err := d.Catalog.List(r.Context(), limit, offset)
		if err != nil {
			writeError(w, err)
			return
		}
		if list == nil {
			list = []replay.Metadata{}
		}
		writeJSON(w, http.StatusOK, types.ReplayList{Replays: list, Limit: limit, Offset: offset})
	}
}

func GetReplay(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := d.Replays.Load(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, data)
	}
}

// ReplayState reconstructs a recorded game at ?tick=N. A missing tick means
// the end of the recording.
func ReplayState(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := d.Replays.Load(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		player, err := replay.NewPlayer(data)
		if err != nil {
			writeError(w, err)
			return
		}
		tick := player.FinalTick()
		if raw := r.URL.Query().Get("tick"); raw != "" {
			tick, err = strconv.ParseUint(raw, 10, 64)
			if err != nil {
				writeError(w, apperrors.Wrap(apperrors.CodeInvalidCommand, "tick must be a non-negative integer", err))
				return
			}
		}
		if err := player.Seek(tick); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.GameView{GameID: data.Metadata.GameID, State: player.State()})
	}
}

func ClusterInfo(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view := types.ClusterView{
			Status:  d.Cluster.Status(),
			Servers: d.Machine.Servers(),
			Active:  []string{},
		}
		if active, err := d.Games.ActiveGames(r.Context()); err == nil {
			view.Active = active
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInvalidCommand, name+" must be an integer", err)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.CodeOf(err).HTTPStatus(), types.ErrorResponse{Error: types.NewErrorBody(err)})
}
