package redpanda

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/yt-autoreply/internal/adapter/cache/rediscache"
	"github.com/fairyhunter13/yt-autoreply/internal/domain"
	"github.com/fairyhunter13/yt-autoreply/internal/usecase"
)

// ClientFactory builds a platform client bound to one user's credentials.
type ClientFactory func(u domain.User) domain.PlatformClient

// TaskHandlers binds queue records to the application services.
type TaskHandlers struct {
	Users     domain.UserRepository
	Videos    domain.VideoRepository
	Engine    *usecase.ReplyEngine
	Sync      *usecase.VideoSync
	Mirror    *rediscache.DedupMirror
	ClientFor ClientFactory
}

// RegisterAll wires every task name into the consumer.
func (h *TaskHandlers) RegisterAll(c *Consumer) {
	c.Register(domain.TaskProcessVideoReplies, h.HandleReply)
	c.Register(domain.TaskSyncUserVideos, h.HandleSync)
	c.Register(domain.TaskWarmDedupCache, h.HandleWarmCache)
}

// replyTaskResult is the stored outcome of one reply pass.
type replyTaskResult struct {
	Skipped bool               `json:"skipped,omitempty"`
	Reason  string             `json:"reason,omitempty"`
	Stats   *domain.ReplyStats `json:"stats,omitempty"`
}

// HandleReply runs one reply pass. A quota preflight skip completes the task
// with a skipped result; it is not a failure.
func (h *TaskHandlers) HandleReply(ctx domain.Context, raw json.RawMessage) ([]byte, error) {
	var p domain.ReplyTaskPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("op=task.reply: decode: %w: %v", domain.ErrInvalidArgument, err)
	}
	video, err := h.Videos.Get(ctx, p.VideoID)
	if err != nil {
		return nil, err
	}
	user, err := h.Users.Get(ctx, video.UserID)
	if err != nil {
		return nil, err
	}

	stats, err := h.Engine.ProcessVideo(ctx, h.ClientFor(user), video, p.MaxComments, p.MaxReplies)
	if err != nil {
		if errors.Is(err, domain.ErrQuotaExhausted) {
			slog.Info("reply pass skipped on quota",
				slog.String("video_id", p.VideoID), slog.String("task_id", p.TaskID))
			return json.Marshal(replyTaskResult{Skipped: true, Reason: "quota exhausted"})
		}
		if errors.Is(err, domain.ErrConfigInvalid) {
			return json.Marshal(replyTaskResult{Skipped: true, Reason: err.Error()})
		}
		return nil, err
	}
	return json.Marshal(replyTaskResult{Stats: &stats})
}

// HandleSync refreshes a creator's video index from their channel uploads.
func (h *TaskHandlers) HandleSync(ctx domain.Context, raw json.RawMessage) ([]byte, error) {
	var p domain.SyncTaskPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("op=task.sync: decode: %w: %v", domain.ErrInvalidArgument, err)
	}
	user, err := h.Users.Get(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	res, err := h.Sync.Sync(ctx, h.ClientFor(user), user)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

// HandleWarmCache loads a creator's replied comment ids into the dedup
// mirror, typically after a Redis restart.
func (h *TaskHandlers) HandleWarmCache(ctx domain.Context, raw json.RawMessage) ([]byte, error) {
	var p domain.WarmCachePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("op=task.warm: decode: %w: %v", domain.ErrInvalidArgument, err)
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("op=task.warm: missing user_id: %w", domain.ErrInvalidArgument)
	}
	n, err := h.Mirror.Warm(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int{"warmed": n})
}
