package usecase

import (
	"time"

	"github.com/fairyhunter13/yt-autoreply/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/yt-autoreply/internal/domain"
)

// analyticsSource is the slice of the reply audit log the dashboard reads.
type analyticsSource interface {
	TotalsForUser(ctx domain.Context, userID string) (postgres.ReplyTotals, error)
	RecentForUser(ctx domain.Context, userID string, limit int) ([]domain.RepliedComment, error)
	DailyCountsForUser(ctx domain.Context, userID string, days int) ([]postgres.DailyCount, error)
}

// Analytics assembles the creator dashboard view from the audit log and the
// quota accountant.
type Analytics struct {
	Replies analyticsSource
	Quota   domain.QuotaAccountant
}

// RecentReply is one row of the dashboard's activity feed.
type RecentReply struct {
	CommentID      string    `json:"comment_id"`
	VideoID        string    `json:"video_id"`
	CommentAuthor  string    `json:"comment_author"`
	CommentText    string    `json:"comment_text"`
	KeywordMatched string    `json:"keyword_matched"`
	ReplyText      string    `json:"reply_text"`
	RepliedAt      time.Time `json:"replied_at"`
}

// DailyPoint is one chart sample.
type DailyPoint struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// Overview is the dashboard payload.
type Overview struct {
	TotalReplies    int           `json:"total_replies"`
	VideosActive    int           `json:"videos_active"`
	RepliesToday    int           `json:"replies_today"`
	UserDailyLeft   int           `json:"user_daily_remaining"`
	GlobalQuotaLeft int           `json:"global_quota_remaining"`
	FirstReplyAt    *time.Time    `json:"first_reply_at,omitempty"`
	LastReplyAt     *time.Time    `json:"last_reply_at,omitempty"`
	Recent          []RecentReply `json:"recent"`
	Daily           []DailyPoint  `json:"daily"`
}

// Overview builds the dashboard for one creator.
func (a *Analytics) Overview(ctx domain.Context, userID string, recentLimit, chartDays int) (Overview, error) {
	totals, err := a.Replies.TotalsForUser(ctx, userID)
	if err != nil {
		return Overview{}, err
	}
	recent, err := a.Replies.RecentForUser(ctx, userID, recentLimit)
	if err != nil {
		return Overview{}, err
	}
	daily, err := a.Replies.DailyCountsForUser(ctx, userID, chartDays)
	if err != nil {
		return Overview{}, err
	}
	today, err := a.Quota.UserReplyCount(ctx, userID)
	if err != nil {
		return Overview{}, err
	}
	userLeft, err := a.Quota.RemainingForUser(ctx, userID)
	if err != nil {
		return Overview{}, err
	}
	globalLeft, err := a.Quota.RemainingGlobal(ctx)
	if err != nil {
		return Overview{}, err
	}

	o := Overview{
		TotalReplies:    totals.TotalReplies,
		VideosActive:    totals.VideosActive,
		RepliesToday:    today,
		UserDailyLeft:   userLeft,
		GlobalQuotaLeft: globalLeft,
		FirstReplyAt:    totals.FirstReply,
		LastReplyAt:     totals.LastReply,
		Recent:          make([]RecentReply, 0, len(recent)),
		Daily:           make([]DailyPoint, 0, len(daily)),
	}
	for _, rc := range recent {
		o.Recent = append(o.Recent, RecentReply{
			CommentID:      rc.CommentID,
			VideoID:        rc.VideoID,
			CommentAuthor:  rc.CommentAuthor,
			CommentText:    rc.CommentText,
			KeywordMatched: rc.KeywordMatched,
			ReplyText:      rc.ReplyText,
			RepliedAt:      rc.RepliedAt,
		})
	}
	for _, dc := range daily {
		o.Daily = append(o.Daily, DailyPoint{Day: dc.Day.Format("2006-01-02"), Count: dc.Count})
	}
	return o, nil
}
