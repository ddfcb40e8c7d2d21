// Command worker runs the queue consumer, the periodic scheduler and the
// stale-task sweeper.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/yt-autoreply/internal/adapter/cache/rediscache"
	"github.com/fairyhunter13/yt-autoreply/internal/adapter/platform/youtube"
	"github.com/fairyhunter13/yt-autoreply/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/yt-autoreply/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/yt-autoreply/internal/app"
	"github.com/fairyhunter13/yt-autoreply/internal/config"
	"github.com/fairyhunter13/yt-autoreply/internal/domain"
	"github.com/fairyhunter13/yt-autoreply/internal/observability"
	"github.com/fairyhunter13/yt-autoreply/internal/service/ratelimiter"
	"github.com/fairyhunter13/yt-autoreply/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg, "worker")
	slog.SetDefault(logger)
	observability.InitMetrics()

	// Expose worker metrics on a dedicated port for scraping.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(runCtx, cfg.DBURL, cfg.DBMaxConnsWorker)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb, err := rediscache.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	// Repositories and caches
	userRepo := postgres.NewUserRepo(pool)
	videoRepo := postgres.NewVideoRepo(pool)
	replyRepo := postgres.NewReplyRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)
	mirror := rediscache.NewDedupMirror(rdb, replyRepo)
	quota := rediscache.NewQuota(rdb, replyRepo, cfg.DailyQuotaLimit, cfg.UserDailyReplyLimit)

	limiter := ratelimiter.NewRedisLuaLimiter(rdb, map[string]ratelimiter.BucketConfig{
		"queue:reply":   ratelimiter.NewBucketConfigFromPerMinute(cfg.ReplyQueueRatePerMin),
		"queue:default": ratelimiter.NewBucketConfigFromPerMinute(cfg.DefaultQueueRatePerMin),
	})

	// Application services
	renderer := usecase.NewRenderer(0)
	pacer := usecase.NewPacer(0)
	engine := usecase.NewReplyEngine(mirror, quota, renderer, pacer,
		cfg.ReplyCost, cfg.FetchCost, int64(cfg.WorkerConcurrency))
	syncSvc := &usecase.VideoSync{
		Videos:    videoRepo,
		Quota:     quota,
		FetchCost: cfg.FetchCost,
		MaxVideos: 200,
	}
	clientFor := func(u domain.User) domain.PlatformClient {
		creds := youtube.NewCredentialHolder(u, cfg.GoogleTokenURL, cfg.GoogleClientID, cfg.GoogleClientSecret, userRepo)
		return youtube.NewClient(cfg.YouTubeBaseURL, cfg.PlatformHTTPTimeout, creds)
	}

	// Producer used by the scheduler to enqueue reply passes.
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, taskRepo)
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	consumer, err := redpanda.NewConsumer(
		cfg.KafkaBrokers,
		"yt-autoreply-workers",
		taskRepo,
		limiter,
		cfg.ConsumerMaxConcurrency,
		cfg.TaskSoftTimeout,
		cfg.TaskHardTimeout,
		redpanda.RetryPolicy{
			MaxRetries:   cfg.RetryMaxRetries,
			InitialDelay: cfg.RetryInitialDelay,
			Multiplier:   cfg.RetryMultiplier,
		},
		cfg.WorkerMaxTasks,
	)
	if err != nil {
		slog.Error("redpanda consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	handlers := &redpanda.TaskHandlers{
		Users:     userRepo,
		Videos:    videoRepo,
		Engine:    engine,
		Sync:      syncSvc,
		Mirror:    mirror,
		ClientFor: clientFor,
	}
	handlers.RegisterAll(consumer)

	scheduler := app.NewScheduler(videoRepo, producer, pacer, cfg.TickInterval, cfg.ScheduledFetchCap)
	go scheduler.Run(runCtx)

	if sweeper := app.NewStaleTaskSweeper(taskRepo, cfg.TaskHardTimeout+5*time.Minute, time.Minute); sweeper != nil {
		go sweeper.Run(runCtx)
	}

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumer.Start(runCtx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
		cancel()
		<-consumerDone
	case err := <-consumerDone:
		// Recycle or consumer failure; either way the orchestrator restarts us.
		if err != nil && err != context.Canceled {
			slog.Error("consumer stopped", slog.Any("error", err))
		}
		cancel()
	}
	slog.Info("worker stopped")
}
