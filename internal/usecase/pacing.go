package usecase

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Pacer spaces platform writes so automated replies pace like a person
// typing. All draws come from one guarded source; Sleep is injectable so
// tests run without wall-clock delays.
type Pacer struct {
	mu  sync.Mutex
	rng *rand.Rand

	// Sleep waits for d or until ctx is done. Overridable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewPacer builds a Pacer. seed 0 derives one from the clock.
func NewPacer(seed int64) *Pacer {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Pacer{
		rng:   rand.New(rand.NewSource(seed)),
		Sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Pacer) uniform(lo, hi time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + time.Duration(p.rng.Int63n(int64(hi-lo)))
}

// BeforeReply waits out the reading-and-typing pause before a post.
func (p *Pacer) BeforeReply(ctx context.Context) error {
	return p.Sleep(ctx, p.uniform(800*time.Millisecond, 3500*time.Millisecond))
}

// AfterReply waits out the cool-down after a post.
func (p *Pacer) AfterReply(ctx context.Context) error {
	return p.Sleep(ctx, p.uniform(1*time.Second, 2500*time.Millisecond))
}

// BetweenBatches takes the long break separating reply batches.
func (p *Pacer) BetweenBatches(ctx context.Context) error {
	return p.Sleep(ctx, p.uniform(90*time.Second, 180*time.Second))
}

// BetweenVideos spaces scheduled work across videos in one tick.
func (p *Pacer) BetweenVideos(ctx context.Context) error {
	return p.Sleep(ctx, p.uniform(5*time.Second, 15*time.Second))
}

// BatchSize draws the per-pass reply cap; varying it avoids a fixed cadence.
func (p *Pacer) BatchSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return 8 + p.rng.Intn(8)
}
