// Package redpanda provides the Redpanda/Kafka task queue.
//
// Delivery is at-least-once: the producer writes a task row and then the
// record, and the consumer marks offsets only after the handler finishes.
// Handlers are idempotent (the dedup store absorbs redelivered reply tasks),
// so duplicate processing is safe.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
	"github.com/fairyhunter13/yt-autoreply/internal/observability"
)

const (
	// TopicReply carries per-video reply passes; keyed by video id so one
	// video's passes stay ordered.
	TopicReply = "reply-jobs"
	// TopicMaintenance carries video sync and cache warm tasks.
	TopicMaintenance = "maintenance-jobs"
)

// Producer implements domain.Queue on a plain Kafka producer.
type Producer struct {
	client *kgo.Client
	tasks  domain.TaskRepository
}

// NewProducer constructs a Producer and ensures both topics exist.
func NewProducer(brokers []string, tasks domain.TaskRepository) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	ctx := context.Background()
	for _, topic := range []string{TopicReply, TopicMaintenance} {
		if err := createTopicIfNotExists(ctx, client, topic, 1, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist",
				slog.String("topic", topic), slog.Any("error", err))
		}
	}
	return &Producer{client: client, tasks: tasks}, nil
}

// envelope is the on-wire record shape; Name routes to a handler.
type envelope struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

func (p *Producer) submit(ctx domain.Context, topic, name, key, taskID string, payload any) (string, error) {
	// The task row exists before the record so a status poll never 404s for
	// an accepted task.
	if _, err := p.tasks.Create(ctx, domain.Task{ID: taskID, Name: name}); err != nil {
		return "", fmt.Errorf("op=queue.submit: %w", err)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=queue.submit: marshal: %w", err)
	}
	env, err := json.Marshal(envelope{Name: name, Payload: b})
	if err != nil {
		return "", fmt.Errorf("op=queue.submit: marshal: %w", err)
	}
	if key == "" {
		key = taskID
	}
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: env,
		Headers: []kgo.RecordHeader{
			{Key: "task_id", Value: []byte(taskID)},
			{Key: "task_name", Value: []byte(name)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		failMsg := "enqueue failed: " + err.Error()
		if uerr := p.tasks.UpdateStatus(ctx, taskID, domain.TaskFailed, &failMsg); uerr != nil {
			slog.Error("failed to mark unenqueued task", slog.String("task_id", taskID), slog.Any("error", uerr))
		}
		return "", fmt.Errorf("op=queue.submit: produce: %w", err)
	}

	observability.TasksEnqueuedTotal.WithLabelValues(name).Inc()
	slog.Info("task enqueued",
		slog.String("task_id", taskID),
		slog.String("name", name),
		slog.String("topic", topic))
	return taskID, nil
}

// SubmitReply enqueues one reply pass for a video.
func (p *Producer) SubmitReply(ctx domain.Context, payload domain.ReplyTaskPayload) (string, error) {
	payload.TaskID = ulid.Make().String()
	return p.submit(ctx, TopicReply, domain.TaskProcessVideoReplies, payload.VideoID, payload.TaskID, &payload)
}

// SubmitSync enqueues a channel video sync for a user.
func (p *Producer) SubmitSync(ctx domain.Context, payload domain.SyncTaskPayload) (string, error) {
	payload.TaskID = ulid.Make().String()
	return p.submit(ctx, TopicMaintenance, domain.TaskSyncUserVideos, payload.UserID, payload.TaskID, &payload)
}

// SubmitWarmCache enqueues a dedup mirror warm.
func (p *Producer) SubmitWarmCache(ctx domain.Context, payload domain.WarmCachePayload) (string, error) {
	payload.TaskID = ulid.Make().String()
	return p.submit(ctx, TopicMaintenance, domain.TaskWarmDedupCache, payload.UserID, payload.TaskID, &payload)
}

// Close closes the underlying client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
