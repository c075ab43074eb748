// Package api exposes installations over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/nmslite/agentprov/internal/config"
	"github.com/nmslite/agentprov/internal/middleware"
	"github.com/nmslite/agentprov/internal/store"
)

// Dependencies are the collaborators of the router.
type Dependencies struct {
	Auth      Authenticator
	Installer Installer
	Store     store.Store
	// Stream serves the WebSocket event stream.
	Stream http.HandlerFunc
	CORS   config.CORSConfig
	// ReadyChecks are run by GET /ready.
	ReadyChecks map[string]func(context.Context) error
	Logger      *slog.Logger
}

// NewRouter creates and configures the API router
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(chimw.StripSlashes)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))

	if deps.CORS.Enabled {
		r.Use(middleware.CORS(
			deps.CORS.AllowedOrigins,
			deps.CORS.AllowedMethods,
			deps.CORS.AllowedHeaders,
			deps.CORS.MaxAgeSeconds,
		))
	}

	healthHandler := NewHealthHandler(deps.ReadyChecks)
	authHandler := NewAuthHandler(deps.Auth)
	installationHandler := NewInstallationHandler(deps.Installer, deps.Store, logger)

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/login", authHandler.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.JWTAuth(deps.Auth))

			r.Route("/installations", func(r chi.Router) {
				r.Get("/", installationHandler.List)
				r.Post("/", installationHandler.Create)
				if deps.Stream != nil {
					r.Get("/stream", deps.Stream)
				}
				r.Get("/{id}", installationHandler.Get)
			})
		})
	})

	return r
}
