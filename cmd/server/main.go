package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/collabdraw/docsync/internal/db"
	"github.com/collabdraw/docsync/internal/engine"
	"github.com/collabdraw/docsync/internal/httpapi"
	"github.com/collabdraw/docsync/internal/live"
	"github.com/collabdraw/docsync/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "docsync").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	// Store backend: postgres in production, memory for local hacking
	var st store.Store
	switch backend := env("STORE_BACKEND", "postgres"); backend {
	case "memory":
		log.Warn().Msg("using in-memory store, state is not durable")
		st = store.NewMemoryStore()
	case "postgres":
		pgURL := env("DATABASE_URL", "")
		if pgURL == "" {
			log.Fatal().Msg("DATABASE_URL is required")
		}
		pool, err := db.Open(ctx, pgURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		pg, err := store.NewPostgresStore(ctx, pool)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize postgres store")
		}
		st = pg
	default:
		log.Fatal().Str("backend", backend).Msg("unknown STORE_BACKEND")
	}
	defer st.Close()

	// Mutators are registered at startup; unknown names are rejected at
	// the door.
	mutators := engine.NewRegistry()
	engine.RegisterBuiltins(mutators)

	srv := &httpapi.Server{
		Push: engine.NewProcessor(st, mutators),
		Pull: engine.NewDiffer(st),
		Live: live.NewRegistry(),
	}

	httpAddr := env("HTTP_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
