package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vrnet/facilitator/internal/config"
	"github.com/vrnet/facilitator/internal/ops"
	"github.com/vrnet/facilitator/internal/server"
	"github.com/vrnet/facilitator/internal/transport"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	udp, err := transport.ListenUDP(cfg.ListenAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.ListenAddr).Msg("failed to open UDP socket")
	}
	hub := transport.NewWSHub()
	sock := transport.NewMux(udp, hub)

	srv, err := server.New(cfg, sock, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build facilitator")
	}

	opsSrv := &http.Server{
		Addr:    cfg.OpsAddr,
		Handler: ops.SetupRouter(cfg, srv, hub),
	}
	go func() {
		log.Info().Str("addr", cfg.OpsAddr).Msg("ops API listening")
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("ops server error")
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("facilitator started")
		if err := srv.Run(ctx); err != nil {
			log.Error().Err(err).Msg("facilitator stopped with error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
