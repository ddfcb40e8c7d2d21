// Package usecase contains the application services of the auto-reply engine.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/text/cases"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
	"github.com/fairyhunter13/yt-autoreply/internal/observability"
)

// preflightFloor skips a pass outright when the global budget cannot cover a
// comment fetch plus at least one reply.
const preflightFloor = 100

// ReplyEngine runs one auto-reply pass over a video: fetch, match, dedup,
// pace, post, record. It owns the ordering guarantee that the dedup row lands
// before the quota charge for the same reply.
type ReplyEngine struct {
	Dedup    domain.DedupStore
	Quota    domain.QuotaAccountant
	Renderer *Renderer
	Pacer    *Pacer

	ReplyCost   int
	FetchCost   int
	Concurrency int64
}

func NewReplyEngine(dedup domain.DedupStore, quota domain.QuotaAccountant, renderer *Renderer, pacer *Pacer, replyCost, fetchCost int, concurrency int64) *ReplyEngine {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &ReplyEngine{
		Dedup:       dedup,
		Quota:       quota,
		Renderer:    renderer,
		Pacer:       pacer,
		ReplyCost:   replyCost,
		FetchCost:   fetchCost,
		Concurrency: concurrency,
	}
}

// matchKeyword returns the first configured keyword contained in the comment
// text under Unicode case folding, or "" when none match. Keyword order is
// the creator's configured order, so the first listed keyword wins.
func matchKeyword(text string, keywords []string) string {
	folder := cases.Fold()
	folded := folder.String(text)
	for _, kw := range keywords {
		k := strings.TrimSpace(kw)
		if k == "" {
			continue
		}
		if strings.Contains(folded, folder.String(k)) {
			return kw
		}
	}
	return ""
}

type matchedComment struct {
	comment domain.Comment
	keyword string
}

// ProcessVideo performs one pass for the given video using a platform client
// already bound to the owning user's credentials. maxReplies of zero means
// the pass is bounded only by quota and the fetched page.
func (e *ReplyEngine) ProcessVideo(ctx domain.Context, client domain.PlatformClient, video domain.Video, maxComments, maxReplies int) (domain.ReplyStats, error) {
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("video_id", video.VideoID),
		slog.String("user_id", video.UserID))
	var stats domain.ReplyStats

	if !video.Enabled {
		return stats, fmt.Errorf("op=engine.process: auto-reply disabled: %w", domain.ErrConfigInvalid)
	}
	if len(video.Keywords) == 0 || len(video.Templates) == 0 {
		return stats, fmt.Errorf("op=engine.process: keywords or templates empty: %w", domain.ErrConfigInvalid)
	}

	// Preflight: skip cleanly when the budget cannot cover a fetch plus one
	// reply, or the creator hit the daily cap.
	globalLeft, err := e.Quota.RemainingGlobal(ctx)
	if err != nil {
		return stats, err
	}
	if globalLeft < preflightFloor {
		lg.Info("skipping pass, global quota low", slog.Int("remaining", globalLeft))
		return stats, fmt.Errorf("op=engine.process: global remaining=%d: %w", globalLeft, domain.ErrQuotaExhausted)
	}
	userLeft, err := e.Quota.RemainingForUser(ctx, video.UserID)
	if err != nil {
		return stats, err
	}
	if userLeft <= 0 {
		lg.Info("skipping pass, user at daily reply cap")
		return stats, fmt.Errorf("op=engine.process: user cap reached: %w", domain.ErrQuotaExhausted)
	}

	if err := e.Quota.Reserve(ctx, e.FetchCost, ""); err != nil {
		return stats, err
	}
	observability.QuotaUnitsSpentTotal.Add(float64(e.FetchCost))
	stats.QuotaUsed += e.FetchCost

	comments, err := client.ListVideoComments(ctx, video.VideoID, maxComments)
	if err != nil {
		return stats, err
	}
	stats.TotalComments = len(comments)

	var matched []matchedComment
	ids := make([]string, 0, len(comments))
	for _, c := range comments {
		kw := matchKeyword(c.Text, video.Keywords)
		if kw == "" {
			continue
		}
		matched = append(matched, matchedComment{comment: c, keyword: kw})
		ids = append(ids, c.ID)
	}
	stats.Matched = len(matched)
	if len(matched) == 0 {
		return stats, nil
	}

	seen, err := e.Dedup.ContainsAny(ctx, ids)
	if err != nil {
		return stats, err
	}
	var fresh []matchedComment
	for _, m := range matched {
		if _, ok := seen[m.comment.ID]; !ok {
			fresh = append(fresh, m)
		}
	}
	stats.New = len(fresh)
	if maxReplies > 0 && len(fresh) > maxReplies {
		fresh = fresh[:maxReplies]
	}
	lg.Info("pass plan",
		slog.Int("total", stats.TotalComments),
		slog.Int("matched", stats.Matched),
		slog.Int("new", stats.New),
		slog.Int("replying", len(fresh)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu        sync.Mutex
		fatalErr  error
		stopped   bool
		quotaStop bool
	)
	sem := semaphore.NewWeighted(e.Concurrency)
	var wg sync.WaitGroup

	for _, m := range fresh {
		if runCtx.Err() != nil {
			break
		}
		mu.Lock()
		if stopped {
			mu.Unlock()
			break
		}
		mu.Unlock()

		if err := sem.Acquire(runCtx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(m matchedComment) {
			defer wg.Done()
			defer sem.Release(1)
			res := e.replyOne(runCtx, client, video, m)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case res.err == nil:
				stats.Succeeded++
				stats.QuotaUsed += e.ReplyCost
				stats.Results = append(stats.Results, domain.ReplyResult{
					CommentID: m.comment.ID, Success: true, ReplyText: res.text,
				})
			case errors.Is(res.err, domain.ErrQuotaExhausted):
				// Clean stop; remaining comments wait for the next window.
				stopped = true
				quotaStop = true
				stats.Results = append(stats.Results, domain.ReplyResult{
					CommentID: m.comment.ID, Success: false, Error: domain.ErrQuotaExhausted.Error(),
				})
			case errors.Is(res.err, domain.ErrCredentialRevoked):
				stopped = true
				fatalErr = res.err
				cancel()
			case errors.Is(res.err, context.Canceled):
				stopped = true
			default:
				stats.Failed++
				observability.ReplyFailuresTotal.WithLabelValues(failureReason(res.err)).Inc()
				stats.Results = append(stats.Results, domain.ReplyResult{
					CommentID: m.comment.ID, Success: false, Error: res.err.Error(),
				})
			}
		}(m)
	}
	wg.Wait()

	// A quota stop reports the unsubmitted remainder rather than dropping
	// it, so the task result shows why the pass ended short.
	if quotaStop {
		done := make(map[string]struct{}, len(stats.Results))
		for _, r := range stats.Results {
			done[r.CommentID] = struct{}{}
		}
		for _, m := range fresh {
			if _, ok := done[m.comment.ID]; !ok {
				stats.Results = append(stats.Results, domain.ReplyResult{
					CommentID: m.comment.ID, Success: false, Error: domain.ErrQuotaExhausted.Error(),
				})
			}
		}
	}

	if fatalErr != nil {
		return stats, fatalErr
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

type replyOutcome struct {
	text string
	err  error
}

func (e *ReplyEngine) replyOne(ctx domain.Context, client domain.PlatformClient, video domain.Video, m matchedComment) replyOutcome {
	ok, err := e.Quota.CanReserve(ctx, e.ReplyCost, video.UserID)
	if err != nil {
		return replyOutcome{err: err}
	}
	if !ok {
		return replyOutcome{err: domain.ErrQuotaExhausted}
	}
	if err := e.Pacer.BeforeReply(ctx); err != nil {
		return replyOutcome{err: err}
	}

	text := e.Renderer.Render(video.Templates, map[string]string{"name": m.comment.Author})
	posted, err := client.PostReply(ctx, m.comment.ID, text)
	if err != nil {
		return replyOutcome{err: err}
	}
	if posted.Text != "" {
		text = posted.Text
	}

	// Record before charging: a crash between the two leaves an uncharged
	// audit row, never an unrecorded reply.
	if _, err := e.Dedup.Insert(ctx, domain.RepliedComment{
		CommentID:      m.comment.ID,
		VideoID:        video.VideoID,
		UserID:         video.UserID,
		CommentText:    m.comment.Text,
		CommentAuthor:  m.comment.Author,
		KeywordMatched: m.keyword,
		ReplyText:      text,
		RepliedAt:      time.Now().UTC(),
	}); err != nil {
		return replyOutcome{err: err}
	}
	if err := e.Quota.Reserve(ctx, e.ReplyCost, video.UserID); err != nil {
		return replyOutcome{err: err}
	}
	observability.RepliesPostedTotal.Inc()
	observability.QuotaUnitsSpentTotal.Add(float64(e.ReplyCost))

	if err := e.Pacer.AfterReply(ctx); err != nil {
		return replyOutcome{err: err}
	}
	return replyOutcome{text: text}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrPlatformTransient):
		return "platform_transient"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "other"
	}
}
