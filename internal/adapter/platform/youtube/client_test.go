package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
)

// holderWithToken returns a CredentialHolder whose cached token is valid so
// client tests exercise the API path, not the refresh path.
func holderWithToken(tokenURL string) *CredentialHolder {
	u := domain.User{ID: "user-1", RefreshToken: "refresh-abc", AccessToken: "valid-token"}
	u.TokenExpiry = time.Now().Add(time.Hour)
	return NewCredentialHolder(u, tokenURL, "cid", "secret", nil)
}

func commentPage(next string, ids ...string) map[string]any {
	items := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		items = append(items, map[string]any{
			"snippet": map[string]any{
				"topLevelComment": map[string]any{
					"id": id,
					"snippet": map[string]any{
						"authorDisplayName": "author-" + id,
						"textDisplay":       "text-" + id,
						"publishedAt":       time.Now().UTC().Format(time.RFC3339),
					},
				},
			},
		})
	}
	page := map[string]any{"items": items}
	if next != "" {
		page["nextPageToken"] = next
	}
	return page
}

func TestListVideoComments_Pagination(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/commentThreads", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "snippet,replies", q.Get("part"))
		assert.Equal(t, "vid-1", q.Get("videoId"))
		assert.Equal(t, "time", q.Get("order"))
		assert.Equal(t, "plainText", q.Get("textFormat"))
		assert.Equal(t, "100", q.Get("maxResults"))
		assert.Equal(t, "Bearer valid-token", r.Header.Get("Authorization"))

		var page map[string]any
		if calls.Add(1) == 1 {
			assert.Empty(t, q.Get("pageToken"))
			page = commentPage("page-2", "c1", "c2")
		} else {
			assert.Equal(t, "page-2", q.Get("pageToken"))
			page = commentPage("", "c3")
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, 5*time.Second, holderWithToken(ts.URL))
	comments, err := c.ListVideoComments(context.Background(), "vid-1", 500)
	require.NoError(t, err)
	require.Len(t, comments, 3)
	assert.Equal(t, "c1", comments[0].ID)
	assert.Equal(t, "author-c1", comments[0].Author)
	assert.Equal(t, "text-c3", comments[2].Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestListVideoComments_StopsAtMax(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(commentPage("more", "c1", "c2", "c3"))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, 5*time.Second, holderWithToken(ts.URL))
	comments, err := c.ListVideoComments(context.Background(), "vid-1", 2)
	require.NoError(t, err)
	assert.Len(t, comments, 2)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_RefreshOnceOn401(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		tokenCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh-token", "expires_in": 3600})
	}))
	defer tokenSrv.Close()

	var apiCalls atomic.Int32
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiCalls.Add(1) == 1 {
			assert.Equal(t, "Bearer valid-token", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer fresh-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(commentPage("", "c1"))
	}))
	defer apiSrv.Close()

	c := NewClient(apiSrv.URL, 5*time.Second, holderWithToken(tokenSrv.URL))
	comments, err := c.ListVideoComments(context.Background(), "vid-1", 10)
	require.NoError(t, err)
	assert.Len(t, comments, 1)
	assert.Equal(t, int32(1), tokenCalls.Load())
	assert.Equal(t, int32(2), apiCalls.Load())
}

func TestClient_SecondUnauthorizedSurfaces(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh-token", "expires_in": 3600})
	}))
	defer tokenSrv.Close()

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer apiSrv.Close()

	c := NewClient(apiSrv.URL, 5*time.Second, holderWithToken(tokenSrv.URL))
	_, err := c.ListVideoComments(context.Background(), "vid-1", 10)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestClient_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimited},
		{http.StatusServiceUnavailable, domain.ErrPlatformTransient},
		{http.StatusForbidden, domain.ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer ts.Close()

			c := NewClient(ts.URL, 5*time.Second, holderWithToken(ts.URL))
			_, err := c.ListVideoComments(context.Background(), "vid-1", 10)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestClient_TransportFailureIsTransient(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second, holderWithToken("http://127.0.0.1:1"))
	_, err := c.ListVideoComments(context.Background(), "vid-1", 10)
	assert.ErrorIs(t, err, domain.ErrPlatformTransient)
}

func TestPostReply_BodyShape(t *testing.T) {
	var gotBody map[string]map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/comments", r.URL.Path)
		assert.Equal(t, "snippet", r.URL.Query().Get("part"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "reply-1",
			"snippet": map[string]string{"textOriginal": "thanks!"},
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, 5*time.Second, holderWithToken(ts.URL))
	posted, err := c.PostReply(context.Background(), "c1", "thanks!")
	require.NoError(t, err)
	assert.Equal(t, "reply-1", posted.ID)
	assert.Equal(t, "thanks!", posted.Text)
	assert.Equal(t, "c1", gotBody["snippet"]["parentId"])
	assert.Equal(t, "thanks!", gotBody["snippet"]["textOriginal"])
}

func TestListChannelVideos_MergesStatistics(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/channels":
			assert.Equal(t, "contentDetails,snippet,statistics", r.URL.Query().Get("part"))
			assert.Equal(t, "chan-1", r.URL.Query().Get("id"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]any{{
					"contentDetails": map[string]any{
						"relatedPlaylists": map[string]string{"uploads": "uploads-1"},
					},
				}},
			})
		case "/playlistItems":
			assert.Equal(t, "uploads-1", r.URL.Query().Get("playlistId"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]any{{
					"snippet": map[string]any{
						"title":       "First",
						"publishedAt": time.Now().UTC().Format(time.RFC3339),
						"resourceId":  map[string]string{"videoId": "vid-1"},
						"thumbnails": map[string]any{
							"medium": map[string]string{"url": "http://img/1"},
						},
					},
				}},
			})
		case "/videos":
			assert.Equal(t, "statistics", r.URL.Query().Get("part"))
			assert.Equal(t, "vid-1", r.URL.Query().Get("id"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]any{{
					"id": "vid-1",
					"statistics": map[string]string{
						"viewCount":    "1234",
						"commentCount": "56",
					},
				}},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	c := NewClient(ts.URL, 5*time.Second, holderWithToken(ts.URL))
	vids, err := c.ListChannelVideos(context.Background(), "chan-1", 10)
	require.NoError(t, err)
	require.Len(t, vids, 1)
	assert.Equal(t, "vid-1", vids[0].VideoID)
	assert.Equal(t, "First", vids[0].Title)
	assert.Equal(t, "http://img/1", vids[0].ThumbnailURL)
	assert.Equal(t, int64(1234), vids[0].ViewCount)
	assert.Equal(t, 56, vids[0].CommentCount)
}

func TestListChannelVideos_UnknownChannel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, 5*time.Second, holderWithToken(ts.URL))
	_, err := c.ListChannelVideos(context.Background(), "missing", 10)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestParseCount(t *testing.T) {
	assert.Equal(t, int64(0), parseCount(""))
	assert.Equal(t, int64(42), parseCount("42"))
	assert.Equal(t, int64(0), parseCount("12x"))
}
