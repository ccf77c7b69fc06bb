package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"guichet/internal/config"
	"guichet/internal/store/postgres"
	"guichet/internal/worker"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		log.Fatalf("DB_DSN is required")
	}

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	st := postgres.NewStore(pool)
	w := worker.New(st, worker.Config{
		BatchSize: cfg.BatchSize,
		Provider:  cfg.NotifyProvider,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Start(ctx, cfg.PollInterval, w)
	log.Printf("notify-worker polling every %s", cfg.PollInterval)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}
