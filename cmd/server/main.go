package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Nearby/internal/adapters/http"
	"github.com/dkeye/Nearby/internal/adapters/ws"
	"github.com/dkeye/Nearby/internal/app"
	"github.com/dkeye/Nearby/internal/config"
	"github.com/dkeye/Nearby/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open store")
	}
	defer st.Close()

	feed := ws.NewFeedHub()
	vault := app.NewPresenceVault(st, cfg)
	vault.Sink = feed

	coord := app.NewCoordinator(st, cfg)
	gate := app.NewRequestGate(coord)

	rooms := app.NewLifecycle(st, cfg, vault)
	rooms.Invalidator = gate
	defer rooms.Close()

	go rooms.Sched.Run(ctx)
	go rooms.RunSweep(ctx)

	api := &router.API{
		Gate:  gate,
		Rooms: rooms,
		Vault: vault,
		Store: st,
		Feed:  feed,
	}
	r := router.SetupRouter(cfg, api)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Nearby server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
