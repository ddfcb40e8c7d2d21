package usecase

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
	"github.com/fairyhunter13/yt-autoreply/internal/observability"
)

// VideoSync pulls a creator's channel uploads into the video index so new
// uploads become eligible for automation without manual entry.
type VideoSync struct {
	Videos domain.VideoRepository
	Quota  domain.QuotaAccountant

	FetchCost int
	MaxVideos int
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Fetched int `json:"fetched"`
	Created int `json:"created"`
}

// Sync lists the channel's uploads with the user-bound client and upserts
// them. Discovered videos start disabled; statistics of known videos are
// refreshed in place.
func (s *VideoSync) Sync(ctx domain.Context, client domain.PlatformClient, user domain.User) (SyncResult, error) {
	lg := observability.LoggerFromContext(ctx).With(slog.String("user_id", user.ID))
	if user.ChannelID == "" {
		return SyncResult{}, fmt.Errorf("op=sync.videos: user has no channel: %w", domain.ErrInvalidArgument)
	}
	if err := s.Quota.Reserve(ctx, s.FetchCost, ""); err != nil {
		return SyncResult{}, err
	}
	observability.QuotaUnitsSpentTotal.Add(float64(s.FetchCost))

	vids, err := client.ListChannelVideos(ctx, user.ChannelID, s.MaxVideos)
	if err != nil {
		return SyncResult{}, err
	}
	created, err := s.Videos.UpsertBatch(ctx, user.ID, vids)
	if err != nil {
		return SyncResult{}, err
	}
	lg.Info("video sync done", slog.Int("fetched", len(vids)), slog.Int("created", created))
	return SyncResult{Fetched: len(vids), Created: created}, nil
}
