// Command enginebridge-guest is the agent that runs inside a microVM. It
// listens on vsock and runs one engine process per host connection.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o enginebridge-guest ./cmd/enginebridge-guest
package main

import (
	"log"
	"os"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/enginebridge/internal/config"
	"github.com/seantiz/enginebridge/internal/guest"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)
	guest.SetupInit(logger)

	if cfg.GuestEngine == "" {
		log.Fatal("no engine binary configured")
	}

	l, err := vsock.Listen(cfg.GuestPort, nil)
	if err != nil {
		log.Fatalf("vsock listen on port %d: %v", cfg.GuestPort, err)
	}
	defer l.Close()

	logger.Info("enginebridge-guest listening", "port", cfg.GuestPort, "engine", cfg.GuestEngine)

	agent := guest.New(l, cfg.GuestEngine, guest.DefaultWorkDir,
		guest.WithArgs(cfg.GuestArgs...),
		guest.WithLogger(logger))
	if err := agent.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
