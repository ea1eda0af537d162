package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AndreaCadonna/chess-analyzer-sub001/internal/api"
	"github.com/AndreaCadonna/chess-analyzer-sub001/internal/config"
	"github.com/AndreaCadonna/chess-analyzer-sub001/internal/services"
	"github.com/AndreaCadonna/chess-analyzer-sub001/internal/store"
	"github.com/AndreaCadonna/chess-analyzer-sub001/pkg/uci"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		logrus.Fatalf("store: %v", err)
	}
	defer db.Close()

	chess := services.NewChessService()
	pool := services.NewPool(services.PoolConfig{
		PoolSize:        cfg.PoolSize,
		ReservedForLive: cfg.ReservedForLive,
		MaxQueueSize:    cfg.PoolMaxQueue,
		TaskTimeout:     cfg.TaskTimeout,
		Engine: uci.Config{
			BinaryPath: cfg.EnginePath,
			Threads:    cfg.ThreadsPerWorker,
			Hash:       cfg.HashPerWorkerMB,
		},
	}, chess)
	if err := pool.Initialize(); err != nil {
		logrus.Fatalf("engine pool: %v", err)
	}

	analyzer := services.NewAnalysisService(pool, chess, db)
	bus := services.NewEventBus()
	live := services.NewLiveService(pool, chess, bus)
	live.Start()

	server := api.NewServer(db, analyzer, pool, live, chess)
	httpServer := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: server.Router(),
	}

	go func() {
		logrus.Infof("listening on :%s", cfg.ServerPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logrus.Warnf("http shutdown: %v", err)
	}
	live.Stop()
	pool.Shutdown(ctx)
	logrus.Info("goodbye")
}
