// Command cipherbased runs the cipherbase server: the REST credential
// façade and the WebSocket connection core over the encrypted
// transaction log.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/cipherbase/internal/config"
	"github.com/adred-codev/cipherbase/internal/monitoring"
	"github.com/adred-codev/cipherbase/internal/server"
	"github.com/adred-codev/cipherbase/internal/store"
)

func main() {
	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	srv, err := server.New(cfg, st, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to assemble server")
	}
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.Info().Str("signal", received.String()).Msg("Shutdown signal received")

	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
		os.Exit(1)
	}
}

func openStore(cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "dynamo":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.NewDynamo(ctx, store.DynamoConfig{
			Table:    cfg.DynamoTable,
			Region:   cfg.DynamoRegion,
			Endpoint: cfg.DynamoEndpoint,
			Logger:   logger,
		})
	default:
		return store.NewMemory(), nil
	}
}
