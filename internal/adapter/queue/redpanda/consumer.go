package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
	"github.com/fairyhunter13/yt-autoreply/internal/observability"
	"github.com/fairyhunter13/yt-autoreply/internal/service/ratelimiter"
)

// HandlerFunc executes one task and returns its JSON-encoded result.
type HandlerFunc func(ctx domain.Context, payload json.RawMessage) ([]byte, error)

// RetryPolicy bounds how failed tasks are retried before they are failed for
// good.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
}

// Consumer polls both topics and runs tasks through a pool of serial lanes.
// Records sharing a key always land on the same lane, so two passes over one
// video never run concurrently even though unrelated tasks do. Offsets are
// marked only after a task finishes, so a crash mid-task causes a redelivery
// rather than a lost task.
type Consumer struct {
	client   *kgo.Client
	tasks    domain.TaskRepository
	limiter  ratelimiter.Limiter
	handlers map[string]HandlerFunc

	concurrency int
	softTimeout time.Duration
	hardTimeout time.Duration
	retry       RetryPolicy

	// maxTasks recycles the process after that many tasks, bounding the
	// blast radius of any slow leak in long-lived workers.
	maxTasks  int64
	processed atomic.Int64
}

// NewConsumer constructs a Consumer in the given consumer group.
func NewConsumer(brokers []string, groupID string, tasks domain.TaskRepository, limiter ratelimiter.Limiter,
	concurrency int, softTimeout, hardTimeout time.Duration, retry RetryPolicy, maxTasks int) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if concurrency <= 0 {
		concurrency = 2
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(TopicReply, TopicMaintenance),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.FetchMaxWait(5 * time.Second),
		// Mark-then-autocommit: only records whose handler finished are
		// committed, giving at-least-once delivery.
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer client: %w", err)
	}
	return &Consumer{
		client:      client,
		tasks:       tasks,
		limiter:     limiter,
		handlers:    map[string]HandlerFunc{},
		concurrency: concurrency,
		softTimeout: softTimeout,
		hardTimeout: hardTimeout,
		retry:       retry,
		maxTasks:    int64(maxTasks),
	}, nil
}

// Register binds a task name to its handler. Not safe after Start.
func (c *Consumer) Register(name string, h HandlerFunc) {
	c.handlers[name] = h
}

// Start consumes until ctx is done or the recycle threshold is reached.
// Returning after the threshold lets the orchestrator restart a fresh
// process.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("worker consuming",
		slog.Int("concurrency", c.concurrency),
		slog.Int64("max_tasks", c.maxTasks))

	lanes, wg := c.startLanes(ctx)

	for {
		if err := ctx.Err(); err != nil {
			break
		}
		if c.maxTasks > 0 && c.processed.Load() >= c.maxTasks {
			slog.Info("task threshold reached, recycling worker",
				slog.Int64("processed", c.processed.Load()))
			break
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error", slog.String("topic", topic),
				slog.Int("partition", int(partition)), slog.Any("error", err))
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			c.dispatch(ctx, lanes, rec)
		})
	}

	for _, lane := range lanes {
		close(lane)
	}
	wg.Wait()
	c.client.Close()
	return ctx.Err()
}

// startLanes spawns one serial worker per unit of concurrency. The producer
// keys reply records by video id; pinning a key to a lane carries that
// ordering through the pool, so a later pass for a video always observes the
// dedup rows of the pass before it.
func (c *Consumer) startLanes(ctx context.Context) ([]chan *kgo.Record, *sync.WaitGroup) {
	lanes := make([]chan *kgo.Record, c.concurrency)
	wg := &sync.WaitGroup{}
	for i := range lanes {
		lanes[i] = make(chan *kgo.Record, 1)
		wg.Add(1)
		go func(ch <-chan *kgo.Record) {
			defer wg.Done()
			for rec := range ch {
				c.processRecord(ctx, rec)
				if c.client != nil {
					c.client.MarkCommitRecords(rec)
				}
				c.processed.Add(1)
			}
		}(lanes[i])
	}
	return lanes, wg
}

func (c *Consumer) dispatch(ctx context.Context, lanes []chan *kgo.Record, rec *kgo.Record) {
	select {
	case lanes[laneFor(rec, len(lanes))] <- rec:
	case <-ctx.Done():
	}
}

// laneFor hashes the record key to a lane; unkeyed records fall back to the
// task id header so they still spread across lanes.
func laneFor(rec *kgo.Record, n int) int {
	key := rec.Key
	if len(key) == 0 {
		key = []byte(headerValue(rec, "task_id"))
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(n))
}

// bucketFor maps a topic to its rate limit bucket.
func bucketFor(topic string) string {
	if topic == TopicReply {
		return "queue:reply"
	}
	return "queue:default"
}

func (c *Consumer) processRecord(ctx context.Context, rec *kgo.Record) {
	var env envelope
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		slog.Error("dropping undecodable record",
			slog.String("topic", rec.Topic), slog.Any("error", err))
		return
	}
	taskID := headerValue(rec, "task_id")
	lg := slog.Default().With(
		slog.String("task_id", taskID),
		slog.String("task_name", env.Name))

	handler, ok := c.handlers[env.Name]
	if !ok {
		lg.Error("no handler for task")
		c.markFailed(ctx, taskID, "no handler registered for "+env.Name)
		return
	}

	c.waitForBucket(ctx, bucketFor(rec.Topic))
	if ctx.Err() != nil {
		return
	}

	if err := c.tasks.UpdateStatus(ctx, taskID, domain.TaskProcessing, nil); err != nil {
		lg.Error("failed to mark task processing", slog.Any("error", err))
	}
	observability.TasksProcessing.WithLabelValues(env.Name).Inc()
	defer observability.TasksProcessing.WithLabelValues(env.Name).Dec()

	result, err := c.runWithRetry(ctx, handler, env.Payload, lg)
	if err != nil {
		lg.Error("task failed", slog.Any("error", err))
		observability.TasksFailedTotal.WithLabelValues(env.Name).Inc()
		c.markFailed(ctx, taskID, err.Error())
		return
	}

	if len(result) > 0 {
		if err := c.tasks.SetResult(ctx, taskID, result); err != nil {
			lg.Error("failed to store task result", slog.Any("error", err))
		}
	}
	if err := c.tasks.UpdateStatus(ctx, taskID, domain.TaskCompleted, nil); err != nil {
		lg.Error("failed to mark task completed", slog.Any("error", err))
	}
	observability.TasksCompletedTotal.WithLabelValues(env.Name).Inc()
	lg.Info("task completed")
}

// waitForBucket blocks until the topic's token bucket admits one task.
func (c *Consumer) waitForBucket(ctx context.Context, bucket string) {
	for {
		allowed, retryAfter, err := c.limiter.Allow(ctx, bucket, 1)
		if err != nil || allowed {
			return
		}
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryAfter):
		}
	}
}

// runWithRetry executes the handler under the soft/hard timeouts, retrying
// transient failures per the retry policy. Permanent failures (bad config,
// revoked credentials, invalid input) are not retried.
func (c *Consumer) runWithRetry(ctx context.Context, handler HandlerFunc, payload json.RawMessage, lg *slog.Logger) ([]byte, error) {
	hardCtx := ctx
	if c.hardTimeout > 0 {
		var cancel context.CancelFunc
		hardCtx, cancel = context.WithTimeout(ctx, c.hardTimeout)
		defer cancel()
	}

	var result []byte
	attempt := 0
	operation := func() error {
		attempt++
		runCtx := hardCtx
		if c.softTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(hardCtx, c.softTimeout)
			defer cancel()
		}
		out, err := handler(runCtx, payload)
		if err == nil {
			result = out
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		lg.Warn("task attempt failed, will retry",
			slog.Int("attempt", attempt), slog.Any("error", err))
		return err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retry.InitialDelay
	expo.Multiplier = c.retry.Multiplier
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(expo, uint64(c.retry.MaxRetries)), hardCtx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return result, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrConfigInvalid) ||
		errors.Is(err, domain.ErrCredentialRevoked) ||
		errors.Is(err, domain.ErrInvalidArgument) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrQuotaExhausted)
}

func (c *Consumer) markFailed(ctx context.Context, taskID, msg string) {
	if taskID == "" {
		return
	}
	// A cancelled poll context must not block recording the failure.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.tasks.UpdateStatus(storeCtx, taskID, domain.TaskFailed, &msg); err != nil {
		slog.Error("failed to mark task failed",
			slog.String("task_id", taskID), slog.Any("error", err))
	}
}

func headerValue(rec *kgo.Record, key string) string {
	for _, h := range rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
