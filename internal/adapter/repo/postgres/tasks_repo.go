package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
)

// TaskRepo tracks background task lifecycle for the status API.
type TaskRepo struct{ Pool PgxPool }

func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

// Create inserts a pending task row. The caller may supply the id (queue
// producers mint one so the row and the queue record share it).
func (r *TaskRepo) Create(ctx domain.Context, t domain.Task) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := t.Status
	if status == "" {
		status = domain.TaskPending
	}
	now := time.Now().UTC()
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO tasks (id, name, status, attempts, created_at, updated_at) VALUES ($1,$2,$3,0,$4,$4)`,
		id, t.Name, string(status), now)
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	return id, nil
}

// UpdateStatus moves a task through its lifecycle and bumps the attempt
// counter on each transition into processing.
func (r *TaskRepo) UpdateStatus(ctx domain.Context, id string, status domain.TaskStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpdateStatus")
	defer span.End()
	attempt := 0
	if status == domain.TaskProcessing {
		attempt = 1
	}
	ct, err := r.Pool.Exec(ctx,
		`UPDATE tasks SET status=$2, error=COALESCE($3, error), attempts=attempts+$4, updated_at=$5 WHERE id=$1`,
		id, string(status), errMsg, attempt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=task.update_status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("op=task.update_status: %w", domain.ErrNotFound)
	}
	return nil
}

// SetResult stores the JSON-encoded handler result.
func (r *TaskRepo) SetResult(ctx domain.Context, id string, result []byte) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.SetResult")
	defer span.End()
	ct, err := r.Pool.Exec(ctx,
		`UPDATE tasks SET result=$2, updated_at=$3 WHERE id=$1`,
		id, result, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=task.set_result: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("op=task.set_result: %w", domain.ErrNotFound)
	}
	return nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx,
		`SELECT id, name, status, COALESCE(error,''), result, attempts, created_at, updated_at FROM tasks WHERE id=$1`, id)
	var t domain.Task
	var status string
	if err := row.Scan(&t.ID, &t.Name, &status, &t.Error, &t.Result, &t.Attempts, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	t.Status = domain.TaskStatus(status)
	return t, nil
}

// FailStale marks processing tasks untouched since cutoff as failed so a
// crashed worker cannot leave tasks stuck forever. Returns how many were
// swept.
func (r *TaskRepo) FailStale(ctx domain.Context, cutoff time.Time) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.FailStale")
	defer span.End()
	ct, err := r.Pool.Exec(ctx,
		`UPDATE tasks SET status=$1, error=$2, updated_at=$3 WHERE status=$4 AND updated_at < $5`,
		string(domain.TaskFailed), "timed out while processing", time.Now().UTC(),
		string(domain.TaskProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=task.fail_stale: %w", err)
	}
	return int(ct.RowsAffected()), nil
}
