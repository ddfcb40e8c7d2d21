package youtube

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
	"github.com/fairyhunter13/yt-autoreply/internal/observability"
)

// TokenPersister stores a refreshed access credential; satisfied by the user
// repository.
type TokenPersister interface {
	UpdateTokens(ctx domain.Context, id, accessToken string, expiry time.Time) error
}

// CredentialHolder owns one user's OAuth credentials for the lifetime of a
// task. Concurrent reply workers share a holder; a burst of 401s collapses
// into a single refresh via singleflight.
type CredentialHolder struct {
	userID       string
	refreshToken string
	tokenURL     string
	clientID     string
	clientSecret string
	persist      TokenPersister
	hc           *http.Client

	mu          sync.RWMutex
	accessToken string
	expiry      time.Time

	group singleflight.Group
}

func NewCredentialHolder(u domain.User, tokenURL, clientID, clientSecret string, persist TokenPersister) *CredentialHolder {
	return &CredentialHolder{
		userID:       u.ID,
		refreshToken: u.RefreshToken,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		persist:      persist,
		hc:           &http.Client{Timeout: 30 * time.Second},
		accessToken:  u.AccessToken,
		expiry:       u.TokenExpiry,
	}
}

// Current returns the cached access token, refreshing first when it is known
// to be expired.
func (h *CredentialHolder) Current(ctx domain.Context) (string, error) {
	h.mu.RLock()
	tok, exp := h.accessToken, h.expiry
	h.mu.RUnlock()
	if tok != "" && (exp.IsZero() || time.Now().Before(exp.Add(-30*time.Second))) {
		return tok, nil
	}
	return h.Refresh(ctx)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh exchanges the refresh token for a new access token. Concurrent
// callers are coalesced; every caller observes the same outcome.
func (h *CredentialHolder) Refresh(ctx domain.Context) (string, error) {
	v, err, _ := h.group.Do("refresh", func() (any, error) {
		return h.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (h *CredentialHolder) refresh(ctx domain.Context) (string, error) {
	if h.refreshToken == "" {
		observability.TokenRefreshTotal.WithLabelValues("revoked").Inc()
		return "", fmt.Errorf("op=token.refresh: no refresh token: %w", domain.ErrCredentialRevoked)
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {h.refreshToken},
		"client_id":     {h.clientID},
		"client_secret": {h.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("op=token.refresh: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.hc.Do(req)
	if err != nil {
		observability.TokenRefreshTotal.WithLabelValues("transient").Inc()
		return "", fmt.Errorf("op=token.refresh: %w: %v", domain.ErrPlatformTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		var te tokenError
		_ = json.Unmarshal(body, &te)
		if te.Error == "invalid_grant" {
			observability.TokenRefreshTotal.WithLabelValues("revoked").Inc()
			slog.Warn("refresh token rejected by identity provider",
				slog.String("user_id", h.userID))
			return "", fmt.Errorf("op=token.refresh: %s: %w", te.ErrorDescription, domain.ErrCredentialRevoked)
		}
		if resp.StatusCode >= 500 {
			observability.TokenRefreshTotal.WithLabelValues("transient").Inc()
			return "", fmt.Errorf("op=token.refresh: status=%d: %w", resp.StatusCode, domain.ErrPlatformTransient)
		}
		observability.TokenRefreshTotal.WithLabelValues("failure").Inc()
		return "", fmt.Errorf("op=token.refresh: status=%d body=%s: %w", resp.StatusCode, string(body), domain.ErrUnauthorized)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		observability.TokenRefreshTotal.WithLabelValues("failure").Inc()
		return "", fmt.Errorf("op=token.refresh: decode: %w", err)
	}
	if tr.AccessToken == "" {
		observability.TokenRefreshTotal.WithLabelValues("failure").Inc()
		return "", fmt.Errorf("op=token.refresh: empty access token: %w", domain.ErrUnauthorized)
	}
	expiry := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)

	h.mu.Lock()
	h.accessToken = tr.AccessToken
	h.expiry = expiry
	h.mu.Unlock()

	if h.persist != nil {
		if err := h.persist.UpdateTokens(ctx, h.userID, tr.AccessToken, expiry); err != nil {
			// The in-memory token is still usable this run; log and move on.
			slog.Error("failed to persist refreshed token",
				slog.String("user_id", h.userID), slog.Any("error", err))
		}
	}
	observability.TokenRefreshTotal.WithLabelValues("success").Inc()
	return tr.AccessToken, nil
}
