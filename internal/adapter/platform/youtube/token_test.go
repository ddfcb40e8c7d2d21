package youtube

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
)

type persistRecorder struct {
	mu     sync.Mutex
	userID string
	token  string
	calls  int
}

func (p *persistRecorder) UpdateTokens(_ domain.Context, id, accessToken string, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userID = id
	p.token = accessToken
	p.calls++
	return nil
}

func testUser() domain.User {
	return domain.User{ID: "user-1", RefreshToken: "refresh-abc"}
}

func TestRefresh_Success(t *testing.T) {
	var gotForm map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"grant_type":    r.PostFormValue("grant_type"),
			"refresh_token": r.PostFormValue("refresh_token"),
			"client_id":     r.PostFormValue("client_id"),
			"client_secret": r.PostFormValue("client_secret"),
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-token",
			"expires_in":   3600,
		})
	}))
	defer ts.Close()

	persist := &persistRecorder{}
	h := NewCredentialHolder(testUser(), ts.URL, "cid", "secret", persist)

	tok, err := h.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tok)
	assert.Equal(t, "refresh_token", gotForm["grant_type"])
	assert.Equal(t, "refresh-abc", gotForm["refresh_token"])
	assert.Equal(t, "cid", gotForm["client_id"])
	assert.Equal(t, "secret", gotForm["client_secret"])

	assert.Equal(t, 1, persist.calls)
	assert.Equal(t, "user-1", persist.userID)
	assert.Equal(t, "fresh-token", persist.token)

	// The refreshed token is now served from cache.
	cached, err := h.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", cached)
}

func TestRefresh_InvalidGrantIsRevoked(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "Token has been revoked.",
		})
	}))
	defer ts.Close()

	h := NewCredentialHolder(testUser(), ts.URL, "cid", "secret", nil)
	_, err := h.Refresh(context.Background())
	assert.ErrorIs(t, err, domain.ErrCredentialRevoked)
}

func TestRefresh_ServerErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	h := NewCredentialHolder(testUser(), ts.URL, "cid", "secret", nil)
	_, err := h.Refresh(context.Background())
	assert.ErrorIs(t, err, domain.ErrPlatformTransient)
}

func TestRefresh_OtherRejectionIsUnauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
	}))
	defer ts.Close()

	h := NewCredentialHolder(testUser(), ts.URL, "cid", "secret", nil)
	_, err := h.Refresh(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestRefresh_MissingRefreshTokenIsRevoked(t *testing.T) {
	u := testUser()
	u.RefreshToken = ""
	h := NewCredentialHolder(u, "http://127.0.0.1:0", "cid", "secret", nil)
	_, err := h.Refresh(context.Background())
	assert.ErrorIs(t, err, domain.ErrCredentialRevoked)
}

func TestCurrent_ServesUnexpiredTokenWithoutRefresh(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	u := testUser()
	u.AccessToken = "cached-token"
	u.TokenExpiry = time.Now().Add(time.Hour)
	h := NewCredentialHolder(u, ts.URL, "cid", "secret", nil)

	tok, err := h.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached-token", tok)
	assert.Equal(t, int32(0), hits.Load())
}

func TestCurrent_RefreshesExpiredToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "new", "expires_in": 3600})
	}))
	defer ts.Close()

	u := testUser()
	u.AccessToken = "stale"
	u.TokenExpiry = time.Now().Add(-time.Minute)
	h := NewCredentialHolder(u, ts.URL, "cid", "secret", nil)

	tok, err := h.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", tok)
}

func TestRefresh_ConcurrentCallersCoalesce(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(100 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "shared", "expires_in": 3600})
	}))
	defer ts.Close()

	h := NewCredentialHolder(testUser(), ts.URL, "cid", "secret", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := h.Refresh(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "shared", tok)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
}
