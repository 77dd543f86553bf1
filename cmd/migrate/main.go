package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/radieske/updown-round-engine/internal/shared/config"
	"github.com/radieske/updown-round-engine/internal/shared/db"
	"github.com/radieske/updown-round-engine/internal/shared/logger"
)

// uso: migrate [-down N]
func main() {
	down := flag.Int("down", 0, "desfaz as últimas N migrações em vez de aplicar")
	flag.Parse()

	cfg := config.Load()
	log, err := logger.New("migrate", cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pg, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if *down > 0 {
		if err := db.MigrateDown(pg, *down); err != nil {
			log.Fatal("migration failed", zap.Error(err))
		}
		log.Info("migrations reverted", zap.Int("steps", *down))
		return
	}
	if err := db.MigrateUp(pg); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}
	log.Info("migrations applied")
}
