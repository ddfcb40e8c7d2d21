// Package rediscache holds the Redis-backed quota accountant and the dedup
// read-through mirror. Redis is shared by the API and every worker, so quota
// reservations are visible across processes within one round trip.
package rediscache

import (
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
)

// quotaKeyTTL keeps yesterday's counters around for inspection; keys roll
// over naturally because the UTC date is part of the key.
const quotaKeyTTL = 48 * time.Hour

// userCountCacheTTL bounds how stale the cached per-user reply count may be.
const userCountCacheTTL = 60 * time.Second

// UserReplyCounter is the authoritative per-user daily count, backed by the
// reply audit log.
type UserReplyCounter interface {
	CountForUserOn(ctx domain.Context, userID string, day time.Time) (int, error)
}

// Quota tracks spend against the global daily API budget and the per-user
// daily reply cap. The global counter is an atomic INCRBY; readers between a
// check and a reservation may overshoot by at most the in-flight batch, which
// is accepted.
type Quota struct {
	rdb     *redis.Client
	counter UserReplyCounter

	DailyLimit int
	UserLimit  int
}

func NewQuota(rdb *redis.Client, counter UserReplyCounter, dailyLimit, userLimit int) *Quota {
	return &Quota{rdb: rdb, counter: counter, DailyLimit: dailyLimit, UserLimit: userLimit}
}

func today() string { return time.Now().UTC().Format("2006-01-02") }

func globalKey() string { return "quota:global:" + today() }

func userCountKey(userID string) string { return "quota:user:" + userID + ":" + today() }

// RemainingGlobal returns the unspent units of today's global budget.
func (q *Quota) RemainingGlobal(ctx domain.Context) (int, error) {
	v, err := q.rdb.Get(ctx, globalKey()).Result()
	if err == redis.Nil {
		return q.DailyLimit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=quota.remaining_global: %w", err)
	}
	used, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("op=quota.remaining_global: %w", err)
	}
	remaining := q.DailyLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// UserReplyCount returns how many replies the user issued today. The audit
// log is authoritative; the count is cached briefly to keep the hot path off
// the database.
func (q *Quota) UserReplyCount(ctx domain.Context, userID string) (int, error) {
	key := userCountKey(userID)
	if v, err := q.rdb.Get(ctx, key).Result(); err == nil {
		if n, convErr := strconv.Atoi(v); convErr == nil {
			return n, nil
		}
	} else if err != redis.Nil {
		return 0, fmt.Errorf("op=quota.user_count: %w", err)
	}
	n, err := q.counter.CountForUserOn(ctx, userID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=quota.user_count: %w", err)
	}
	if err := q.rdb.Set(ctx, key, n, userCountCacheTTL).Err(); err != nil {
		return 0, fmt.Errorf("op=quota.user_count: %w", err)
	}
	return n, nil
}

// RemainingForUser returns how many replies the user may still issue today.
func (q *Quota) RemainingForUser(ctx domain.Context, userID string) (int, error) {
	n, err := q.UserReplyCount(ctx, userID)
	if err != nil {
		return 0, err
	}
	remaining := q.UserLimit - n
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// CanReserve reports whether both the global budget and the user's daily cap
// allow one more reply at the given cost.
func (q *Quota) CanReserve(ctx domain.Context, cost int, userID string) (bool, error) {
	global, err := q.RemainingGlobal(ctx)
	if err != nil {
		return false, err
	}
	if global < cost {
		return false, nil
	}
	user, err := q.RemainingForUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return user > 0, nil
}

// Reserve atomically charges the global budget and drops the user's cached
// count so the next check rereads the audit log.
func (q *Quota) Reserve(ctx domain.Context, cost int, userID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.IncrBy(ctx, globalKey(), int64(cost))
	pipe.Expire(ctx, globalKey(), quotaKeyTTL)
	if userID != "" {
		pipe.Del(ctx, userCountKey(userID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=quota.reserve: %w", err)
	}
	return nil
}
