package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"dentalsync/internal/app"
	"dentalsync/internal/config"
	"dentalsync/internal/logging"
)

// Worker runs the sync loop headless: it probes the backend, consumes
// connectivity and sync signals from the queue, and pushes then pulls
// whenever the backend becomes reachable.
func main() {
	cfg := config.Load()

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, "dentalsync-worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal("wiring failed", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close failed", zap.Error(err))
		}
	}()

	if _, err := a.Store.Open(ctx); err != nil {
		log.Fatal("store open failed", zap.Error(err))
	}
	if n, err := a.Clinic.PendingCount(ctx); err == nil {
		log.Info("worker started", zap.Int("pending", n), zap.String("queue", cfg.QueueBackend))
	}

	if err := a.Monitor.Run(ctx); err != nil {
		log.Error("monitor stopped", zap.Error(err))
	}

	st := a.Engine.Status()
	log.Info("worker stopped", zap.String("last_push", st.LastPush.String()), zap.Int("pending", st.Pending))
}
