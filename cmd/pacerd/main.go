package main

import (
	"context"
	"log"
	"os"

	"github.com/pacerhq/pacer/internal/api"
	"github.com/pacerhq/pacer/internal/config"
	"github.com/pacerhq/pacer/internal/engine"
	"github.com/pacerhq/pacer/internal/queue"
	"github.com/pacerhq/pacer/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("pacer: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	rq := queue.New(queue.Options{
		DefaultQueueLimit: cfg.QueueLimit,
		DefaultEnvLimit:   cfg.EnvLimit,
	})

	eng := engine.New(db, rq, engine.Config{
		HeartbeatInterval:  cfg.HeartbeatInterval,
		ScanInterval:       cfg.ScanInterval,
		DefaultMaxAttempts: cfg.MaxAttempts,
		ReconcileCron:      cfg.ReconcileCron,
	}, logger)

	ctx := context.Background()
	if err := eng.Recover(ctx); err != nil {
		log.Fatalf("failed to recover queue state: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}
	defer eng.Stop()

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
