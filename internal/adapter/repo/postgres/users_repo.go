package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
)

// UserRepo persists enrolled creator accounts.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

const userColumns = `id, email, external_id, channel_id, channel_name, COALESCE(channel_thumbnail,''), COALESCE(access_token,''), COALESCE(refresh_token,''), COALESCE(token_expiry, 'epoch'::timestamptz), created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.ExternalID, &u.ChannelID, &u.ChannelName, &u.ChannelThumbnail,
		&u.AccessToken, &u.RefreshToken, &u.TokenExpiry, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// Get loads a user by id.
func (r *UserRepo) Get(ctx domain.Context, id string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
	u, err := scanUser(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}

// GetByExternalID loads a user by the identity provider's subject id.
func (r *UserRepo) GetByExternalID(ctx domain.Context, externalID string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.GetByExternalID")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE external_id=$1`, externalID)
	u, err := scanUser(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, fmt.Errorf("op=user.get_external: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get_external: %w", err)
	}
	return u, nil
}

// Upsert creates the user on first identity sync and refreshes credentials on
// subsequent syncs. The refresh credential is only overwritten when the
// provider sent a new one.
func (r *UserRepo) Upsert(ctx domain.Context, u domain.User) (string, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Upsert")
	defer span.End()
	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO users (id, email, external_id, channel_id, channel_name, channel_thumbnail, access_token, refresh_token, token_expiry, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	      ON CONFLICT (external_id) DO UPDATE SET
	        access_token = EXCLUDED.access_token,
	        refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token,''), users.refresh_token),
	        token_expiry = EXCLUDED.token_expiry,
	        channel_id = EXCLUDED.channel_id,
	        channel_name = EXCLUDED.channel_name,
	        channel_thumbnail = EXCLUDED.channel_thumbnail,
	        updated_at = EXCLUDED.updated_at
	      RETURNING id`
	row := r.Pool.QueryRow(ctx, q, id, u.Email, u.ExternalID, u.ChannelID, u.ChannelName, u.ChannelThumbnail,
		u.AccessToken, u.RefreshToken, u.TokenExpiry, time.Now().UTC())
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("op=user.upsert: %w", err)
	}
	return id, nil
}

// UpdateTokens persists a refreshed access credential and its expiry.
func (r *UserRepo) UpdateTokens(ctx domain.Context, id, accessToken string, expiry time.Time) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.UpdateTokens")
	defer span.End()
	q := `UPDATE users SET access_token=$2, token_expiry=$3, updated_at=$4 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, accessToken, expiry, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=user.update_tokens: %w", err)
	}
	return nil
}
