// cmd/historian/main.go archives lobby destroy events from the Redis queue
// into PostgreSQL.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/lobbyd/internal/cache"
	"github.com/jason-s-yu/lobbyd/internal/config"
	"github.com/jason-s-yu/lobbyd/internal/database"
	"github.com/jason-s-yu/lobbyd/internal/historian"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}
	if cfg.Redis.Addr == "" || cfg.Postgres.URL == "" {
		logger.Fatal("historian requires REDIS_ADDR and DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := cache.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	pool, err := database.ConnectDB(ctx, cfg.Postgres.URL)
	if err != nil {
		logger.Fatalf("postgres: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Fatalf("postgres: %v", err)
	}

	archive := func(ctx context.Context, events []lobby.DestroyEvent) error {
		return database.InsertDestroyEvents(ctx, pool, events)
	}
	svc := historian.NewService(
		cache.NewConsumer(rdb, cfg.Redis.Queue),
		archive,
		cfg.Historian.BatchSize,
		cfg.Historian.FlushInterval.Duration(),
		logger,
	)
	svc.Run(ctx)
	logger.Info("Historian shutdown complete.")
}
