package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/DoyleJ11/arena-backend/internal/ws"
)

func SetupRoutes(d Deps) http.Handler {
	d = d.withDefaults()
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Get("/cluster", ClusterInfo(d))
	r.Get("/games/{id}", GetGame(d))
	r.Get("/replays", ListReplays(d))
	r.Get("/replays/{id}", GetReplay(d))
	r.Get("/replays/{id}/state", ReplayState(d))
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(Authenticate(d.Verifier))
		r.Post("/games", CreateGame(d))
	})
	r.Handle("/games/{id}/ws", ws.NewHandler(d.Games, d.Verifier, ws.Options{Logger: d.Logger, OriginPatterns: d.OriginPatterns}))
	return r
}
