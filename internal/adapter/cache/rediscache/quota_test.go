package rediscache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

type stubCounter struct {
	mu    sync.Mutex
	count int
	calls int
}

func (c *stubCounter) CountForUserOn(domain.Context, string, time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.count, nil
}

func (c *stubCounter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestQuota_RemainingGlobalStartsFull(t *testing.T) {
	_, rdb := newTestRedis(t)
	q := NewQuota(rdb, &stubCounter{}, 10000, 200)

	remaining, err := q.RemainingGlobal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10000, remaining)
}

func TestQuota_ReserveDecrementsGlobal(t *testing.T) {
	mr, rdb := newTestRedis(t)
	q := NewQuota(rdb, &stubCounter{}, 10000, 200)
	ctx := context.Background()

	require.NoError(t, q.Reserve(ctx, 50, "user-1"))
	require.NoError(t, q.Reserve(ctx, 1, ""))

	remaining, err := q.RemainingGlobal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10000-51, remaining)

	ttl := mr.TTL("quota:global:" + time.Now().UTC().Format("2006-01-02"))
	assert.Greater(t, ttl, time.Duration(0))
}

func TestQuota_RemainingGlobalNeverNegative(t *testing.T) {
	_, rdb := newTestRedis(t)
	q := NewQuota(rdb, &stubCounter{}, 100, 200)
	ctx := context.Background()

	require.NoError(t, q.Reserve(ctx, 150, ""))
	remaining, err := q.RemainingGlobal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestQuota_UserReplyCountIsCached(t *testing.T) {
	_, rdb := newTestRedis(t)
	counter := &stubCounter{count: 7}
	q := NewQuota(rdb, counter, 10000, 200)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		n, err := q.UserReplyCount(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 7, n)
	}
	assert.Equal(t, 1, counter.callCount())
}

func TestQuota_ReserveDropsUserCache(t *testing.T) {
	_, rdb := newTestRedis(t)
	counter := &stubCounter{count: 3}
	q := NewQuota(rdb, counter, 10000, 200)
	ctx := context.Background()

	_, err := q.UserReplyCount(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, counter.callCount())

	require.NoError(t, q.Reserve(ctx, 50, "user-1"))
	counter.mu.Lock()
	counter.count = 4
	counter.mu.Unlock()

	n, err := q.UserReplyCount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 2, counter.callCount())
}

func TestQuota_RemainingForUser(t *testing.T) {
	_, rdb := newTestRedis(t)
	q := NewQuota(rdb, &stubCounter{count: 195}, 10000, 200)

	remaining, err := q.RemainingForUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)
}

func TestQuota_RemainingForUserNeverNegative(t *testing.T) {
	_, rdb := newTestRedis(t)
	q := NewQuota(rdb, &stubCounter{count: 250}, 10000, 200)

	remaining, err := q.RemainingForUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestQuota_CanReserve(t *testing.T) {
	_, rdb := newTestRedis(t)
	counter := &stubCounter{}
	q := NewQuota(rdb, counter, 100, 200)
	ctx := context.Background()

	ok, err := q.CanReserve(ctx, 50, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Spend the budget down below the cost.
	require.NoError(t, q.Reserve(ctx, 60, "user-1"))
	ok, err = q.CanReserve(ctx, 50, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuota_CanReserveUserAtCap(t *testing.T) {
	_, rdb := newTestRedis(t)
	q := NewQuota(rdb, &stubCounter{count: 200}, 10000, 200)

	ok, err := q.CanReserve(context.Background(), 50, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
