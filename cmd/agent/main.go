// The agent bridges a local POS front-end to a payment terminal: it
// serves the REST surface and drives one framed TCP session per
// transactional request.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/poslink/terminal-bridge/internal/config"
	"github.com/poslink/terminal-bridge/internal/gateway"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.AgentFromEnv()
	slog.Info("Starting POS terminal agent",
		"httpPort", cfg.HTTPPort,
		"terminal", cfg.TerminalIP,
		"terminalPort", cfg.TerminalPort,
		"ecrId", cfg.EcrID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := gateway.NewServer(cfg)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("agent: %v", err)
	}

	slog.Info("Agent stopped")
	os.Exit(0)
}
