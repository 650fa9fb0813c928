// The emulator impersonates a payment terminal for integration
// testing: framed TCP protocol on the front, acquirer-style
// transaction and batch semantics behind it.
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
	"github.com/poslink/terminal-bridge/internal/emulator"
	"github.com/poslink/terminal-bridge/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.EmulatorFromEnv(os.Getenv("EMULATOR_CONFIG"))
	if err != nil {
		log.Fatalf("emulator: %v", err)
	}

	st, err := store.Open(cfg.DataFile)
	if err != nil {
		log.Fatalf("emulator: open state: %v", err)
	}

	slog.Info("Starting terminal emulator",
		"port", cfg.Port, "portAlt", cfg.PortAlt, "dataFile", cfg.DataFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := emulator.New(cfg, st)
	serveErr := srv.ListenAndServe(ctx)

	// Flush state before exiting, whatever ended the serve loop.
	if err := st.Close(); err != nil {
		slog.Error("State flush failed", "error", err)
	}
	if serveErr != nil {
		log.Fatalf("emulator: %v", serveErr)
	}

	slog.Info("Emulator stopped")
	os.Exit(0)
}
