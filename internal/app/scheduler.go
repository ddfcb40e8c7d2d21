package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
	"github.com/fairyhunter13/yt-autoreply/internal/observability"
	"github.com/fairyhunter13/yt-autoreply/internal/usecase"
)

// maxTickErrorLogs caps per-tick error logging so one bad tick cannot flood
// the log stream.
const maxTickErrorLogs = 5

// Scheduler is the periodic driver: every tick it atomically selects the
// videos whose check interval elapsed and enqueues one reply pass per video.
// Stamping happens inside the selection, so a second scheduler instance (or
// an overlapping tick) cannot pick the same video again within its interval.
type Scheduler struct {
	videos   domain.VideoRepository
	queue    domain.Queue
	pacer    *usecase.Pacer
	interval time.Duration
	fetchCap int
}

func NewScheduler(videos domain.VideoRepository, queue domain.Queue, pacer *usecase.Pacer, interval time.Duration, fetchCap int) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		videos:   videos,
		queue:    queue,
		pacer:    pacer,
		interval: interval,
		fetchCap: fetchCap,
	}
}

// Run ticks until ctx is done. The first tick fires immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tickOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

func (s *Scheduler) tickOnce(ctx context.Context) {
	tracer := otel.Tracer("app.scheduler")
	ctx, span := tracer.Start(ctx, "Scheduler.tickOnce")
	defer span.End()

	due, err := s.videos.DueAndStamp(ctx, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		slog.Error("scheduler failed to select due videos", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("videos.due", len(due)))
	observability.VideosDuePerTick.Observe(float64(len(due)))
	if len(due) == 0 {
		return
	}
	slog.Info("scheduler tick", slog.Int("due", len(due)))

	errLogged := 0
	for i, v := range due {
		if ctx.Err() != nil {
			return
		}
		payload := domain.ReplyTaskPayload{
			VideoID:     v.VideoID,
			UserID:      v.UserID,
			MaxComments: s.fetchCap,
			// The per-pass reply cap varies so scheduled activity has no
			// fixed cadence.
			MaxReplies: s.pacer.BatchSize(),
		}
		if _, err := s.queue.SubmitReply(ctx, payload); err != nil {
			if errLogged < maxTickErrorLogs {
				slog.Error("scheduler failed to enqueue reply pass",
					slog.String("video_id", v.VideoID), slog.Any("error", err))
				errLogged++
			}
			continue
		}
		// Space enqueues across videos so their passes do not all hit the
		// platform at the same moment.
		if i < len(due)-1 {
			if err := s.pacer.BetweenVideos(ctx); err != nil {
				return
			}
		}
	}
}
