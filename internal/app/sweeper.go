package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
)

// StaleTaskSweeper fails tasks stuck in processing past the hard timeout, so
// a crashed worker cannot leave a task pinned in the status API forever.
type StaleTaskSweeper struct {
	tasks            domain.TaskRepository
	maxProcessingAge time.Duration
	interval         time.Duration
}

func NewStaleTaskSweeper(tasks domain.TaskRepository, maxProcessingAge, interval time.Duration) *StaleTaskSweeper {
	if tasks == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 15 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StaleTaskSweeper{
		tasks:            tasks,
		maxProcessingAge: maxProcessingAge,
		interval:         interval,
	}
}

func (s *StaleTaskSweeper) Run(ctx context.Context) {
	if s == nil || s.tasks == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stale task sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StaleTaskSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("tasks.sweeper")
	ctx, span := tracer.Start(ctx, "StaleTaskSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.maxProcessingAge)
	n, err := s.tasks.FailStale(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale task sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("tasks.marked_failed", n))
	if n > 0 {
		slog.Warn("marked stale tasks failed", slog.Int("count", n))
	}
}
