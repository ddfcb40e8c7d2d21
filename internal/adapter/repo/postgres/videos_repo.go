package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
)

// VideoRepo persists enrolled videos and their automation settings.
type VideoRepo struct{ Pool PgxPool }

func NewVideoRepo(p PgxPool) *VideoRepo { return &VideoRepo{Pool: p} }

const videoColumns = `id, user_id, video_id, title, COALESCE(description,''), COALESCE(thumbnail_url,''), published_at, view_count, comment_count, auto_reply_enabled, keywords, reply_templates, interval_minutes, last_checked_at, created_at, updated_at`

func scanVideo(row pgx.Row) (domain.Video, error) {
	var v domain.Video
	err := row.Scan(&v.ID, &v.UserID, &v.VideoID, &v.Title, &v.Description, &v.ThumbnailURL,
		&v.PublishedAt, &v.ViewCount, &v.CommentCount, &v.Enabled, &v.Keywords, &v.Templates,
		&v.IntervalMins, &v.LastCheckedAt, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

// DueAndStamp selects every enabled video whose check interval has elapsed and
// stamps last_checked_at in the same statement. Selection and stamping are one
// atomic UPDATE so overlapping ticks cannot pick the same video twice within
// an interval.
func (r *VideoRepo) DueAndStamp(ctx domain.Context, now time.Time) ([]domain.Video, error) {
	tracer := otel.Tracer("repo.videos")
	ctx, span := tracer.Start(ctx, "videos.DueAndStamp")
	defer span.End()
	q := `UPDATE videos SET last_checked_at=$1, updated_at=$1
	      WHERE auto_reply_enabled
	        AND (last_checked_at IS NULL OR $1 - last_checked_at >= interval_minutes * interval '1 minute')
	      RETURNING ` + videoColumns
	rows, err := r.Pool.Query(ctx, q, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=video.due_and_stamp: %w", err)
	}
	defer rows.Close()
	var out []domain.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("op=video.due_and_stamp: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=video.due_and_stamp: %w", err)
	}
	return out, nil
}

// Get loads a video by its platform-assigned id.
func (r *VideoRepo) Get(ctx domain.Context, videoID string) (domain.Video, error) {
	tracer := otel.Tracer("repo.videos")
	ctx, span := tracer.Start(ctx, "videos.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE video_id=$1`, videoID)
	v, err := scanVideo(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Video{}, fmt.Errorf("op=video.get: %w", domain.ErrNotFound)
		}
		return domain.Video{}, fmt.Errorf("op=video.get: %w", err)
	}
	return v, nil
}

// GetSettings returns the mutable automation subset of a video.
func (r *VideoRepo) GetSettings(ctx domain.Context, videoID string) (domain.VideoSettings, error) {
	v, err := r.Get(ctx, videoID)
	if err != nil {
		return domain.VideoSettings{}, err
	}
	return domain.VideoSettings{
		Enabled:      v.Enabled,
		Keywords:     v.Keywords,
		Templates:    v.Templates,
		IntervalMins: v.IntervalMins,
	}, nil
}

// UpdateSettings overwrites a video's automation settings. The userID guard
// keeps one creator from editing another's video.
func (r *VideoRepo) UpdateSettings(ctx domain.Context, videoID, userID string, s domain.VideoSettings) error {
	tracer := otel.Tracer("repo.videos")
	ctx, span := tracer.Start(ctx, "videos.UpdateSettings")
	defer span.End()
	q := `UPDATE videos SET auto_reply_enabled=$3, keywords=$4, reply_templates=$5, interval_minutes=$6, updated_at=$7
	      WHERE video_id=$1 AND user_id=$2`
	ct, err := r.Pool.Exec(ctx, q, videoID, userID, s.Enabled, s.Keywords, s.Templates, s.IntervalMins, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=video.update_settings: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("op=video.update_settings: %w", domain.ErrNotFound)
	}
	return nil
}

// UpsertBatch inserts newly discovered channel videos and refreshes the
// statistics of known ones. Automation settings are never touched on refresh.
// Returns the number of videos seen for the first time.
func (r *VideoRepo) UpsertBatch(ctx domain.Context, userID string, vids []domain.VideoDescriptor) (int, error) {
	tracer := otel.Tracer("repo.videos")
	ctx, span := tracer.Start(ctx, "videos.UpsertBatch")
	defer span.End()
	if len(vids) == 0 {
		return 0, nil
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=video.upsert_batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO videos (id, user_id, video_id, title, description, thumbnail_url, published_at, view_count, comment_count, auto_reply_enabled, keywords, reply_templates, interval_minutes, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,false,'[]'::jsonb,'[]'::jsonb,60,$10,$10)
	      ON CONFLICT (video_id) DO UPDATE SET
	        title = EXCLUDED.title,
	        description = EXCLUDED.description,
	        thumbnail_url = EXCLUDED.thumbnail_url,
	        view_count = EXCLUDED.view_count,
	        comment_count = EXCLUDED.comment_count,
	        updated_at = EXCLUDED.updated_at
	      RETURNING (xmax = 0)`
	now := time.Now().UTC()
	created := 0
	for _, d := range vids {
		var inserted bool
		row := tx.QueryRow(ctx, q, uuid.New().String(), userID, d.VideoID, d.Title, d.Description,
			d.ThumbnailURL, d.PublishedAt, d.ViewCount, d.CommentCount, now)
		if err := row.Scan(&inserted); err != nil {
			return 0, fmt.Errorf("op=video.upsert_batch: %w", err)
		}
		if inserted {
			created++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=video.upsert_batch: %w", err)
	}
	return created, nil
}

// ListForUser returns every enrolled video for a creator, newest first.
func (r *VideoRepo) ListForUser(ctx domain.Context, userID string) ([]domain.Video, error) {
	tracer := otel.Tracer("repo.videos")
	ctx, span := tracer.Start(ctx, "videos.ListForUser")
	defer span.End()
	q := `SELECT ` + videoColumns + ` FROM videos WHERE user_id=$1 ORDER BY published_at DESC`
	rows, err := r.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("op=video.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("op=video.list: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=video.list: %w", err)
	}
	return out, nil
}
