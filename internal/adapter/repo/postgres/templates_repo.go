package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
)

// TemplateRepo stores user-scoped saved reply templates.
type TemplateRepo struct{ Pool PgxPool }

func NewTemplateRepo(p PgxPool) *TemplateRepo { return &TemplateRepo{Pool: p} }

func (r *TemplateRepo) ListForUser(ctx domain.Context, userID string) ([]domain.Template, error) {
	tracer := otel.Tracer("repo.templates")
	ctx, span := tracer.Start(ctx, "templates.ListForUser")
	defer span.End()
	rows, err := r.Pool.Query(ctx,
		`SELECT id, user_id, text, created_at FROM reply_templates WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("op=template.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Template
	for rows.Next() {
		var t domain.Template
		if err := rows.Scan(&t.ID, &t.UserID, &t.Text, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=template.list: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=template.list: %w", err)
	}
	return out, nil
}

func (r *TemplateRepo) Create(ctx domain.Context, t domain.Template) (string, error) {
	tracer := otel.Tracer("repo.templates")
	ctx, span := tracer.Start(ctx, "templates.Create")
	defer span.End()
	id := uuid.New().String()
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO reply_templates (id, user_id, text, created_at) VALUES ($1,$2,$3,$4)`,
		id, t.UserID, t.Text, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=template.create: %w", err)
	}
	return id, nil
}

func (r *TemplateRepo) Delete(ctx domain.Context, id, userID string) error {
	tracer := otel.Tracer("repo.templates")
	ctx, span := tracer.Start(ctx, "templates.Delete")
	defer span.End()
	ct, err := r.Pool.Exec(ctx, `DELETE FROM reply_templates WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return fmt.Errorf("op=template.delete: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("op=template.delete: %w", domain.ErrNotFound)
	}
	return nil
}
