package postgres_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/yt-autoreply/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/yt-autoreply/internal/domain"
)

func TestUserRepo_GetNotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewUserRepo(pool)

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUserRepo_Get(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "user-1"
		*(dest[1].(*string)) = "a@b.c"
		return nil
	}}}
	repo := postgres.NewUserRepo(pool)

	u, err := repo.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", u.ID)
	assert.Equal(t, "a@b.c", u.Email)
	assert.Contains(t, pool.lastSQL, "FROM users WHERE id=$1")
}

func TestUserRepo_UpdateTokens(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewUserRepo(pool)

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, repo.UpdateTokens(context.Background(), "user-1", "tok", expiry))
	assert.Contains(t, pool.lastSQL, "UPDATE users SET access_token")
	assert.Equal(t, "user-1", pool.lastArgs[0])
	assert.Equal(t, "tok", pool.lastArgs[1])
}

func TestUserRepo_UpsertPreservesRefreshToken(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "user-1"
		return nil
	}}}
	repo := postgres.NewUserRepo(pool)

	id, err := repo.Upsert(context.Background(), domain.User{ExternalID: "ext-1", Email: "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", id)
	// An empty incoming refresh token must not clobber the stored one.
	assert.Contains(t, pool.lastSQL, "COALESCE(NULLIF(EXCLUDED.refresh_token,''), users.refresh_token)")
	assert.Contains(t, pool.lastSQL, "ON CONFLICT (external_id)")
}

func videoRow(id, userID, videoID string, enabled bool) []any {
	now := time.Now().UTC()
	return []any{
		id, userID, videoID, "title", "", "",
		now, int64(100), 5, enabled,
		[]string{"course"}, []string{"thanks {name}"},
		60, nil, now, now,
	}
}

func TestVideoRepo_DueAndStamp(t *testing.T) {
	pool := &poolStub{rows: &rowsStub{values: [][]any{
		videoRow("r1", "u1", "v1", true),
		videoRow("r2", "u2", "v2", true),
	}}}
	repo := postgres.NewVideoRepo(pool)

	now := time.Now()
	due, err := repo.DueAndStamp(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "v1", due[0].VideoID)
	assert.Equal(t, []string{"course"}, due[0].Keywords)
	// Selection and stamping are one statement.
	assert.True(t, strings.HasPrefix(strings.TrimSpace(pool.lastSQL), "UPDATE videos SET last_checked_at"))
	assert.Contains(t, pool.lastSQL, "RETURNING")
	assert.Equal(t, now.UTC(), pool.lastArgs[0])
}

func TestVideoRepo_GetNotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewVideoRepo(pool)

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVideoRepo_UpdateSettings(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewVideoRepo(pool)

	s := domain.VideoSettings{Enabled: true, Keywords: []string{"k"}, Templates: []string{"t"}, IntervalMins: 30}
	require.NoError(t, repo.UpdateSettings(context.Background(), "v1", "u1", s))
	assert.Contains(t, pool.lastSQL, "WHERE video_id=$1 AND user_id=$2")
}

func TestVideoRepo_UpdateSettingsNotFound(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := postgres.NewVideoRepo(pool)

	err := repo.UpdateSettings(context.Background(), "v1", "other-user", domain.VideoSettings{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVideoRepo_UpsertBatchCountsNew(t *testing.T) {
	results := []bool{true, false, true}
	i := 0
	tx := &txStub{}
	tx.row = rowStub{scan: func(dest ...any) error {
		*(dest[0].(*bool)) = results[i]
		i++
		return nil
	}}
	pool := &poolStub{tx: tx}
	repo := postgres.NewVideoRepo(pool)

	vids := []domain.VideoDescriptor{{VideoID: "v1"}, {VideoID: "v2"}, {VideoID: "v3"}}
	created, err := repo.UpsertBatch(context.Background(), "u1", vids)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	assert.Equal(t, 3, tx.rowCount)
	assert.True(t, tx.committed)
}

func TestVideoRepo_UpsertBatchEmpty(t *testing.T) {
	repo := postgres.NewVideoRepo(&poolStub{})
	created, err := repo.UpsertBatch(context.Background(), "u1", nil)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestReplyRepo_ContainsAny(t *testing.T) {
	pool := &poolStub{rows: &rowsStub{values: [][]any{{"c1"}, {"c3"}}}}
	repo := postgres.NewReplyRepo(pool)

	seen, err := repo.ContainsAny(context.Background(), []string{"c1", "c2", "c3"})
	require.NoError(t, err)
	assert.Contains(t, seen, "c1")
	assert.Contains(t, seen, "c3")
	assert.NotContains(t, seen, "c2")
	assert.Contains(t, pool.lastSQL, "comment_id = ANY($1)")
}

func TestReplyRepo_ContainsAnyEmptyInput(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewReplyRepo(pool)

	seen, err := repo.ContainsAny(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, seen)
	assert.Empty(t, pool.lastSQL)
}

func TestReplyRepo_InsertFirstWins(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewReplyRepo(pool)

	inserted, err := repo.Insert(context.Background(), domain.RepliedComment{CommentID: "c1"})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Contains(t, pool.lastSQL, "ON CONFLICT (comment_id) DO NOTHING")
}

func TestReplyRepo_InsertDuplicateIsNoop(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 0")}
	repo := postgres.NewReplyRepo(pool)

	inserted, err := repo.Insert(context.Background(), domain.RepliedComment{CommentID: "c1"})
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestReplyRepo_CountForUserOnDayBounds(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int)) = 7
		return nil
	}}}
	repo := postgres.NewReplyRepo(pool)

	day := time.Date(2026, 8, 26, 15, 4, 5, 0, time.UTC)
	n, err := repo.CountForUserOn(context.Background(), "u1", day)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	start := pool.lastArgs[1].(time.Time)
	end := pool.lastArgs[2].(time.Time)
	assert.Equal(t, time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, 24*time.Hour, end.Sub(start))
}

func TestTaskRepo_CreateHonorsCallerID(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewTaskRepo(pool)

	id, err := repo.Create(context.Background(), domain.Task{ID: "task-1", Name: domain.TaskSyncUserVideos})
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
	assert.Equal(t, "task-1", pool.lastArgs[0])
	assert.Equal(t, string(domain.TaskPending), pool.lastArgs[2])
}

func TestTaskRepo_CreateMintsID(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewTaskRepo(pool)

	id, err := repo.Create(context.Background(), domain.Task{Name: domain.TaskSyncUserVideos})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestTaskRepo_UpdateStatusBumpsAttemptsOnProcessing(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewTaskRepo(pool)

	require.NoError(t, repo.UpdateStatus(context.Background(), "t1", domain.TaskProcessing, nil))
	assert.Equal(t, 1, pool.lastArgs[3])

	require.NoError(t, repo.UpdateStatus(context.Background(), "t1", domain.TaskCompleted, nil))
	assert.Equal(t, 0, pool.lastArgs[3])
}

func TestTaskRepo_UpdateStatusNotFound(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := postgres.NewTaskRepo(pool)

	err := repo.UpdateStatus(context.Background(), "missing", domain.TaskFailed, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTaskRepo_GetNotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewTaskRepo(pool)

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTaskRepo_FailStale(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 3")}
	repo := postgres.NewTaskRepo(pool)

	n, err := repo.FailStale(context.Background(), time.Now().Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Contains(t, pool.lastSQL, "updated_at < $5")
}

func TestTemplateRepo_DeleteNotFound(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("DELETE 0")}
	repo := postgres.NewTemplateRepo(pool)

	err := repo.Delete(context.Background(), "tpl-1", "other-user")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTemplateRepo_Create(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewTemplateRepo(pool)

	id, err := repo.Create(context.Background(), domain.Template{UserID: "u1", Text: "thanks!"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, "u1", pool.lastArgs[1])
	assert.Equal(t, "thanks!", pool.lastArgs[2])
}
