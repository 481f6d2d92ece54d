package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-message-pipeline/internal/artifacts"
	"chat-message-pipeline/internal/config"
	"chat-message-pipeline/internal/inference"
	"chat-message-pipeline/internal/queue"
	"chat-message-pipeline/internal/ratelimit"
	"chat-message-pipeline/internal/recovery"
	"chat-message-pipeline/internal/store"
	"chat-message-pipeline/internal/telemetry"
	workerpool "chat-message-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	q := queue.NewRedisQueue(redisClient, cfg)
	limiter := ratelimit.NewTokenBucket(redisClient, "ratelimit:job_starts", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	invoker := inference.NewClient(cfg)

	verifier, err := artifacts.NewVerifier(ctx, cfg)
	if err != nil {
		logger.Error("init artifact verifier", "error", err)
		os.Exit(1)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	pool := workerpool.NewPool(cfg, q, st, invoker, limiter, verifierOrNil(verifier), workerID, logger)
	scanner := recovery.NewScanner(cfg, st, q, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"worker_id", workerID,
		"concurrency", cfg.WorkerConcurrency,
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		scanner.Run(ctx)
	}()
	wg.Wait()
}

// verifierOrNil avoids a typed-nil interface when no bucket is configured.
func verifierOrNil(v *artifacts.Verifier) workerpool.ArtifactVerifier {
	if v == nil {
		return nil
	}
	return v
}
