// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/lobbyd/internal/actor"
	"github.com/jason-s-yu/lobbyd/internal/backend"
	"github.com/jason-s-yu/lobbyd/internal/cache"
	"github.com/jason-s-yu/lobbyd/internal/config"
	"github.com/jason-s-yu/lobbyd/internal/database"
	"github.com/jason-s-yu/lobbyd/internal/handlers"
	"github.com/jason-s-yu/lobbyd/internal/lobby"
	"github.com/jason-s-yu/lobbyd/internal/middleware"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := backend.New(cfg.Backend())
	if err != nil {
		logger.Fatalf("backend: %v", err)
	}

	var (
		index    actor.Index = actor.NewMemoryIndex()
		lobbyOpt []lobby.Option
	)

	if cfg.Redis.Addr != "" {
		rdb, err := cache.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		defer rdb.Close()
		index = cache.NewTagIndex(rdb, "actor")
		lobbyOpt = append(lobbyOpt, lobby.WithEventSink(cache.NewPublisher(rdb, cfg.Redis.Queue)))
		logger.Infof("Connected to Redis at %s", cfg.Redis.Addr)
	}

	if cfg.Postgres.URL != "" {
		pool, err := database.ConnectDB(ctx, cfg.Postgres.URL)
		if err != nil {
			logger.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			logger.Fatalf("postgres: %v", err)
		}
		lobbyOpt = append(lobbyOpt, lobby.WithSnapshotStore(database.NewSnapshotStore(pool)))
		logger.Info("Connected to Postgres; lobby snapshots enabled")
	}

	driver := actor.NewLocalDriver(cfg.Server.PublicURL, logger)
	driver.Register(handlers.LobbyManagerActorName, handlers.LobbyManagerFactory(logger, cfg.Manager, be, lobbyOpt...))

	router := actor.NewRouter(index, driver, logger)

	mux := http.NewServeMux()
	mux.Handle("/actors", handlers.ActorsHandler(logger, router))
	mux.Handle("/actors/", driver)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           middleware.LogMiddleware(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("http shutdown: %v", err)
		}
	}()

	logger.WithFields(logrus.Fields{
		"backend": be.Kind(),
		"regions": cfg.Lobbies.Regions,
	}).Infof("Running on %s", cfg.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("server exited: %v", err)
	}

	router.Close()
	driver.Close()
}
