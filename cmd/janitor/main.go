package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-message-pipeline/internal/config"
	"chat-message-pipeline/internal/queue"
	"chat-message-pipeline/internal/recovery"
	"chat-message-pipeline/internal/store"
)

// One-shot operator tool: reconcile messages stuck past the janitor threshold
// and exit. Safe to re-run; every update is conditional on the row still
// being stuck.
func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	q := queue.NewRedisQueue(redisClient, cfg)
	janitor := recovery.NewJanitor(cfg, st, q, logger)

	report, err := janitor.RunOnce(ctx)
	if err != nil {
		logger.Error("janitor run failed", "error", err)
		os.Exit(1)
	}
	logger.Info("janitor run complete",
		"scanned", report.Scanned,
		"failed", report.Failed,
		"salvaged", report.Salvaged,
		"skipped", report.Skipped)
}
