package rediscache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
)

// dedupSetKey is a single global set; comment ids are platform-unique so no
// per-user namespacing is needed.
const dedupSetKey = "replied_comments"

// DedupMirror layers a Redis set in front of the authoritative dedup store.
// Membership in the mirror short-circuits a database round trip; absence
// falls through to the store, so a cold or flushed mirror only costs speed,
// never correctness.
type DedupMirror struct {
	rdb   *redis.Client
	store domain.DedupStore
}

func NewDedupMirror(rdb *redis.Client, store domain.DedupStore) *DedupMirror {
	return &DedupMirror{rdb: rdb, store: store}
}

// ContainsAny resolves membership from the mirror first and asks the store
// only about ids the mirror has not seen.
func (m *DedupMirror) ContainsAny(ctx domain.Context, ids []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	hits, err := m.rdb.SMIsMember(ctx, dedupSetKey, members...).Result()
	if err != nil {
		// Mirror unavailable; the store alone is still correct.
		slog.Warn("dedup mirror unavailable, falling back to store", slog.Any("error", err))
		return m.store.ContainsAny(ctx, ids)
	}
	var miss []string
	for i, hit := range hits {
		if hit {
			out[ids[i]] = struct{}{}
		} else {
			miss = append(miss, ids[i])
		}
	}
	if len(miss) == 0 {
		return out, nil
	}
	fromStore, err := m.store.ContainsAny(ctx, miss)
	if err != nil {
		return nil, err
	}
	for id := range fromStore {
		out[id] = struct{}{}
	}
	// Backfill the mirror with ids the store knew about.
	if len(fromStore) > 0 {
		add := make([]interface{}, 0, len(fromStore))
		for id := range fromStore {
			add = append(add, id)
		}
		if err := m.rdb.SAdd(ctx, dedupSetKey, add...).Err(); err != nil {
			slog.Warn("dedup mirror backfill failed", slog.Any("error", err))
		}
	}
	return out, nil
}

// Insert writes through to the store and mirrors the id on success. The store
// decides idempotency; the mirror is advisory.
func (m *DedupMirror) Insert(ctx domain.Context, rec domain.RepliedComment) (bool, error) {
	inserted, err := m.store.Insert(ctx, rec)
	if err != nil {
		return false, err
	}
	if err := m.rdb.SAdd(ctx, dedupSetKey, rec.CommentID).Err(); err != nil {
		slog.Warn("dedup mirror add failed", slog.String("comment_id", rec.CommentID), slog.Any("error", err))
	}
	return inserted, nil
}

// InsertBatch writes through to the store and mirrors all ids.
func (m *DedupMirror) InsertBatch(ctx domain.Context, recs []domain.RepliedComment) error {
	if err := m.store.InsertBatch(ctx, recs); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	add := make([]interface{}, len(recs))
	for i, rec := range recs {
		add[i] = rec.CommentID
	}
	if err := m.rdb.SAdd(ctx, dedupSetKey, add...).Err(); err != nil {
		slog.Warn("dedup mirror batch add failed", slog.Any("error", err))
	}
	return nil
}

// ListIDsForUser delegates to the store; the mirror holds no per-user view.
func (m *DedupMirror) ListIDsForUser(ctx domain.Context, userID string) ([]string, error) {
	return m.store.ListIDsForUser(ctx, userID)
}

// CountForUserOn delegates to the store, which owns the audit log.
func (m *DedupMirror) CountForUserOn(ctx domain.Context, userID string, day time.Time) (int, error) {
	return m.store.CountForUserOn(ctx, userID, day)
}

// Warm loads a user's replied ids from the store into the mirror. Used by the
// cache warm task after deploys or Redis restarts.
func (m *DedupMirror) Warm(ctx domain.Context, userID string) (int, error) {
	ids, err := m.store.ListIDsForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("op=dedup.warm: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	add := make([]interface{}, len(ids))
	for i, id := range ids {
		add[i] = id
	}
	if err := m.rdb.SAdd(ctx, dedupSetKey, add...).Err(); err != nil {
		return 0, fmt.Errorf("op=dedup.warm: %w", err)
	}
	return len(ids), nil
}
