package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
)

// ReplyRepo is the authoritative dedup store and reply audit log. A comment id
// present here means a reply was issued; rows are immutable once written.
type ReplyRepo struct{ Pool PgxPool }

func NewReplyRepo(p PgxPool) *ReplyRepo { return &ReplyRepo{Pool: p} }

// ContainsAny returns the subset of ids already replied to, in one round trip.
func (r *ReplyRepo) ContainsAny(ctx domain.Context, ids []string) (map[string]struct{}, error) {
	tracer := otel.Tracer("repo.replies")
	ctx, span := tracer.Start(ctx, "replies.ContainsAny")
	defer span.End()
	out := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.Pool.Query(ctx, `SELECT comment_id FROM replied_comments WHERE comment_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("op=dedup.contains_any: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=dedup.contains_any: %w", err)
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dedup.contains_any: %w", err)
	}
	return out, nil
}

const insertReplySQL = `INSERT INTO replied_comments (comment_id, video_id, user_id, comment_text, comment_author, keyword_matched, reply_text, replied_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (comment_id) DO NOTHING`

// Insert records a posted reply. Returns false when the comment id was
// already present; the stored row is left unchanged in that case.
func (r *ReplyRepo) Insert(ctx domain.Context, rec domain.RepliedComment) (bool, error) {
	tracer := otel.Tracer("repo.replies")
	ctx, span := tracer.Start(ctx, "replies.Insert")
	defer span.End()
	at := rec.RepliedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	ct, err := r.Pool.Exec(ctx, insertReplySQL, rec.CommentID, rec.VideoID, rec.UserID,
		rec.CommentText, rec.CommentAuthor, rec.KeywordMatched, rec.ReplyText, at)
	if err != nil {
		return false, fmt.Errorf("op=dedup.insert: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// InsertBatch records several replies at once, skipping ids already present.
func (r *ReplyRepo) InsertBatch(ctx domain.Context, recs []domain.RepliedComment) error {
	tracer := otel.Tracer("repo.replies")
	ctx, span := tracer.Start(ctx, "replies.InsertBatch")
	defer span.End()
	if len(recs) == 0 {
		return nil
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=dedup.insert_batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	now := time.Now().UTC()
	for _, rec := range recs {
		at := rec.RepliedAt
		if at.IsZero() {
			at = now
		}
		if _, err := tx.Exec(ctx, insertReplySQL, rec.CommentID, rec.VideoID, rec.UserID,
			rec.CommentText, rec.CommentAuthor, rec.KeywordMatched, rec.ReplyText, at); err != nil {
			return fmt.Errorf("op=dedup.insert_batch: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=dedup.insert_batch: %w", err)
	}
	return nil
}

// ListIDsForUser returns every replied comment id for a creator; used to warm
// the in-memory mirror on demand.
func (r *ReplyRepo) ListIDsForUser(ctx domain.Context, userID string) ([]string, error) {
	tracer := otel.Tracer("repo.replies")
	ctx, span := tracer.Start(ctx, "replies.ListIDsForUser")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT comment_id FROM replied_comments WHERE user_id=$1`, userID)
	if err != nil {
		return nil, fmt.Errorf("op=dedup.list_ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=dedup.list_ids: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dedup.list_ids: %w", err)
	}
	return out, nil
}

// CountForUserOn counts replies a creator issued on the given UTC day. The
// audit log is the source of truth for the per-user daily cap.
func (r *ReplyRepo) CountForUserOn(ctx domain.Context, userID string, day time.Time) (int, error) {
	tracer := otel.Tracer("repo.replies")
	ctx, span := tracer.Start(ctx, "replies.CountForUserOn")
	defer span.End()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	var n int
	row := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM replied_comments WHERE user_id=$1 AND replied_at >= $2 AND replied_at < $3`,
		userID, start, end)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=dedup.count_for_user: %w", err)
	}
	return n, nil
}

// ReplyTotals aggregates a creator's lifetime reply activity.
type ReplyTotals struct {
	TotalReplies int
	VideosActive int
	FirstReply   *time.Time
	LastReply    *time.Time
}

// TotalsForUser computes lifetime totals for the analytics surface.
func (r *ReplyRepo) TotalsForUser(ctx domain.Context, userID string) (ReplyTotals, error) {
	tracer := otel.Tracer("repo.replies")
	ctx, span := tracer.Start(ctx, "replies.TotalsForUser")
	defer span.End()
	var t ReplyTotals
	row := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT video_id), MIN(replied_at), MAX(replied_at)
		 FROM replied_comments WHERE user_id=$1`, userID)
	if err := row.Scan(&t.TotalReplies, &t.VideosActive, &t.FirstReply, &t.LastReply); err != nil {
		return ReplyTotals{}, fmt.Errorf("op=replies.totals: %w", err)
	}
	return t, nil
}

// RecentForUser returns the newest replies for the analytics surface.
func (r *ReplyRepo) RecentForUser(ctx domain.Context, userID string, limit int) ([]domain.RepliedComment, error) {
	tracer := otel.Tracer("repo.replies")
	ctx, span := tracer.Start(ctx, "replies.RecentForUser")
	defer span.End()
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT comment_id, video_id, user_id, comment_text, comment_author, keyword_matched, reply_text, replied_at
	      FROM replied_comments WHERE user_id=$1 ORDER BY replied_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=replies.recent: %w", err)
	}
	defer rows.Close()
	var out []domain.RepliedComment
	for rows.Next() {
		var rc domain.RepliedComment
		if err := rows.Scan(&rc.CommentID, &rc.VideoID, &rc.UserID, &rc.CommentText,
			&rc.CommentAuthor, &rc.KeywordMatched, &rc.ReplyText, &rc.RepliedAt); err != nil {
			return nil, fmt.Errorf("op=replies.recent: %w", err)
		}
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=replies.recent: %w", err)
	}
	return out, nil
}

// DailyCount is one day's reply volume for the analytics chart.
type DailyCount struct {
	Day   time.Time
	Count int
}

// DailyCountsForUser returns per-day reply counts over the trailing window.
func (r *ReplyRepo) DailyCountsForUser(ctx domain.Context, userID string, days int) ([]DailyCount, error) {
	tracer := otel.Tracer("repo.replies")
	ctx, span := tracer.Start(ctx, "replies.DailyCountsForUser")
	defer span.End()
	if days <= 0 {
		days = 30
	}
	q := `SELECT date_trunc('day', replied_at) AS day, COUNT(*)
	      FROM replied_comments
	      WHERE user_id=$1 AND replied_at >= $2
	      GROUP BY day ORDER BY day`
	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := r.Pool.Query(ctx, q, userID, since)
	if err != nil {
		return nil, fmt.Errorf("op=replies.daily_counts: %w", err)
	}
	defer rows.Close()
	var out []DailyCount
	for rows.Next() {
		var dc DailyCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, fmt.Errorf("op=replies.daily_counts: %w", err)
		}
		out = append(out, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=replies.daily_counts: %w", err)
	}
	return out, nil
}
