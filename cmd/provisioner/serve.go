package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nmslite/agentprov/internal/api"
	"github.com/nmslite/agentprov/internal/auth"
	"github.com/nmslite/agentprov/internal/config"
	"github.com/nmslite/agentprov/internal/events"
	"github.com/nmslite/agentprov/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the installation HTTP API",
	Long: `Serve the installation HTTP API and the WebSocket event stream.

Installation results are kept in PostgreSQL when database.enabled is set, in memory otherwise.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.ValidateServer(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg *config.Config) error {
	logger := initLogger(cfg.Logging, os.Stdout)
	logger.Info("Starting provisioner server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"database", cfg.Database.Enabled,
	)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	readyChecks := map[string]func(context.Context) error{}
	var st store.Store
	if cfg.Database.Enabled {
		pg, err := store.OpenPostgres(ctx, cfg.Database.GetDSN(), logger)
		if err != nil {
			return fmt.Errorf("DB init failed: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return fmt.Errorf("migrations failed: %w", err)
		}
		readyChecks["database"] = pg.Ping
		st = pg
	} else {
		st = store.NewMemory()
	}
	defer st.Close()

	authService, err := auth.NewService(
		cfg.Auth.JWTSecret,
		cfg.Auth.AdminUsername,
		cfg.Auth.AdminPassword,
		cfg.Auth.GetJWTExpiry(),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize auth service: %w", err)
	}

	hub := events.NewHub(logger.With(slog.String("component", "stream")))
	go hub.Run(ctx)

	sink := events.Multi{events.NewSlogSink(logger), hub}
	router := api.NewRouter(api.Dependencies{
		Auth:        authService,
		Installer:   newDriver(cfg, sink, logger),
		Store:       st,
		Stream:      hub.ServeWs,
		CORS:        cfg.CORS,
		ReadyChecks: readyChecks,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped gracefully")
	return nil
}
