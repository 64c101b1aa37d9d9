// Command enginebridge serves the engines of a catalogue over HTTP.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/seantiz/enginebridge/internal/api"
	"github.com/seantiz/enginebridge/internal/bridge"
	"github.com/seantiz/enginebridge/internal/config"
	"github.com/seantiz/enginebridge/internal/events"
)

const disposeTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("load .env: %v", err)
	}
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("enginebridge: starting",
		"listen_addr", cfg.ListenAddr,
		"cache_backend", cfg.Cache.Backend,
		"engines_file", cfg.EnginesFile,
		"production", cfg.Production,
	)

	broker := events.NewBroker()
	br, closeBridge, err := bridge.Open(context.Background(), cfg, logger, bridge.WithBroker(broker))
	if err != nil {
		log.Fatalf("failed to open bridge: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
		defer cancel()
		if err := closeBridge(ctx); err != nil {
			logger.Error("dispose bridge", "error", err)
		}
	}()

	srv := api.NewServer(cfg.ListenAddr, br, broker, logger)
	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
	}
}
