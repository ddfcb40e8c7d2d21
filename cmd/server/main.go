// Command server starts the auto-reply HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/yt-autoreply/internal/adapter/cache/rediscache"
	httpserver "github.com/fairyhunter13/yt-autoreply/internal/adapter/httpserver"
	"github.com/fairyhunter13/yt-autoreply/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/yt-autoreply/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/yt-autoreply/internal/app"
	"github.com/fairyhunter13/yt-autoreply/internal/config"
	"github.com/fairyhunter13/yt-autoreply/internal/observability"
	"github.com/fairyhunter13/yt-autoreply/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "server")
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL, cfg.DBMaxConnsAPI)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb, err := rediscache.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	// Repositories
	userRepo := postgres.NewUserRepo(pool)
	videoRepo := postgres.NewVideoRepo(pool)
	replyRepo := postgres.NewReplyRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)
	templateRepo := postgres.NewTemplateRepo(pool)

	quota := rediscache.NewQuota(rdb, replyRepo, cfg.DailyQuotaLimit, cfg.UserDailyReplyLimit)

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, taskRepo)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	srv := &httpserver.Server{
		Cfg:       cfg,
		Users:     userRepo,
		Videos:    videoRepo,
		Tasks:     taskRepo,
		Templates: templateRepo,
		Queue:     producer,
		Analytics: &usecase.Analytics{Replies: replyRepo, Quota: quota},
		DBCheck:   pool.Ping,
		RedisCheck: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	}

	handler := app.BuildRouter(cfg, srv)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
