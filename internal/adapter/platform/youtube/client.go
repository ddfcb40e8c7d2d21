// Package youtube implements the video platform client against the YouTube
// Data API v3 surface. One Client is bound to one user's credentials.
package youtube

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fairyhunter13/yt-autoreply/internal/domain"
	"github.com/fairyhunter13/yt-autoreply/internal/observability"
)

const (
	// pageSpacer separates paginated list calls so a deep comment thread does
	// not read as a burst to the platform.
	pageSpacer = 200 * time.Millisecond

	playlistPageSize = 50
	commentPageSize  = 100
	statsBatchSize   = 50
)

// Client calls the platform REST API with one user's credentials. A 401 is
// retried exactly once after a token refresh; a second 401 surfaces as
// ErrUnauthorized.
type Client struct {
	baseURL string
	hc      *http.Client
	creds   *CredentialHolder
}

func NewClient(baseURL string, timeout time.Duration, creds *CredentialHolder) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
		creds:   creds,
	}
}

func readSnippet(r io.Reader, n int) string {
	b, _ := io.ReadAll(io.LimitReader(r, int64(n)))
	return string(b)
}

// do performs one authenticated request with refresh-once-on-401 semantics
// and decodes the JSON response into out.
func (c *Client) do(ctx domain.Context, op, method, path string, query url.Values, payload, out any) error {
	start := time.Now()
	status, err := c.doOnce(ctx, method, path, query, payload, out)
	if err == nil && status == http.StatusUnauthorized {
		if _, rerr := c.creds.Refresh(ctx); rerr != nil {
			observability.PlatformRequestsTotal.WithLabelValues(op, "refresh_failed").Inc()
			return rerr
		}
		status, err = c.doOnce(ctx, method, path, query, payload, out)
	}
	observability.PlatformRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.PlatformRequestsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("op=platform.%s: %w", op, err)
	}
	switch {
	case status == http.StatusUnauthorized:
		observability.PlatformRequestsTotal.WithLabelValues(op, "unauthorized").Inc()
		return fmt.Errorf("op=platform.%s: %w", op, domain.ErrUnauthorized)
	case status == http.StatusTooManyRequests:
		observability.PlatformRequestsTotal.WithLabelValues(op, "rate_limited").Inc()
		return fmt.Errorf("op=platform.%s: %w", op, domain.ErrRateLimited)
	case status >= 500:
		observability.PlatformRequestsTotal.WithLabelValues(op, "server_error").Inc()
		return fmt.Errorf("op=platform.%s: status=%d: %w", op, status, domain.ErrPlatformTransient)
	case status >= 400:
		observability.PlatformRequestsTotal.WithLabelValues(op, "client_error").Inc()
		return fmt.Errorf("op=platform.%s: status=%d: %w", op, status, domain.ErrInvalidArgument)
	}
	observability.PlatformRequestsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

// doOnce returns the HTTP status and decodes out only on 2xx. Transport
// failures map to ErrPlatformTransient.
func (c *Client) doOnce(ctx domain.Context, method, path string, query url.Values, payload, out any) (int, error) {
	tok, err := c.creds.Current(ctx)
	if err != nil {
		return 0, err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", domain.ErrPlatformTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := readSnippet(resp.Body, 512)
		slog.Debug("platform non-2xx",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet))
		return resp.StatusCode, nil
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Wire shapes, trimmed to the fields the engine reads.

type channelListResponse struct {
	Items []struct {
		ContentDetails struct {
			RelatedPlaylists struct {
				Uploads string `json:"uploads"`
			} `json:"relatedPlaylists"`
		} `json:"contentDetails"`
	} `json:"items"`
}

type playlistItemsResponse struct {
	NextPageToken string `json:"nextPageToken"`
	Items         []struct {
		Snippet struct {
			Title       string    `json:"title"`
			Description string    `json:"description"`
			PublishedAt time.Time `json:"publishedAt"`
			Thumbnails  struct {
				Medium struct {
					URL string `json:"url"`
				} `json:"medium"`
			} `json:"thumbnails"`
			ResourceID struct {
				VideoID string `json:"videoId"`
			} `json:"resourceId"`
		} `json:"snippet"`
	} `json:"items"`
}

type videoListResponse struct {
	Items []struct {
		ID         string `json:"id"`
		Statistics struct {
			ViewCount    string `json:"viewCount"`
			CommentCount string `json:"commentCount"`
		} `json:"statistics"`
	} `json:"items"`
}

type commentThreadsResponse struct {
	NextPageToken string `json:"nextPageToken"`
	Items         []struct {
		Snippet struct {
			TopLevelComment struct {
				ID      string `json:"id"`
				Snippet struct {
					AuthorDisplayName string    `json:"authorDisplayName"`
					TextDisplay       string    `json:"textDisplay"`
					PublishedAt       time.Time `json:"publishedAt"`
				} `json:"snippet"`
			} `json:"topLevelComment"`
		} `json:"snippet"`
	} `json:"items"`
}

type postCommentResponse struct {
	ID      string `json:"id"`
	Snippet struct {
		TextOriginal string `json:"textOriginal"`
	} `json:"snippet"`
}

// ListChannelVideos resolves the channel's uploads playlist, walks it up to
// max entries, then merges in per-video statistics in batches.
func (c *Client) ListChannelVideos(ctx domain.Context, channelID string, max int) ([]domain.VideoDescriptor, error) {
	if max <= 0 {
		max = playlistPageSize
	}

	var ch channelListResponse
	q := url.Values{"part": {"contentDetails,snippet,statistics"}, "id": {channelID}}
	if err := c.do(ctx, "list_channel", http.MethodGet, "/channels", q, nil, &ch); err != nil {
		return nil, err
	}
	if len(ch.Items) == 0 {
		return nil, fmt.Errorf("op=platform.list_channel: channel %s: %w", channelID, domain.ErrNotFound)
	}
	uploads := ch.Items[0].ContentDetails.RelatedPlaylists.Uploads

	var out []domain.VideoDescriptor
	pageToken := ""
	for len(out) < max {
		q := url.Values{
			"part":       {"snippet,contentDetails"},
			"playlistId": {uploads},
			"maxResults": {fmt.Sprint(playlistPageSize)},
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var page playlistItemsResponse
		if err := c.do(ctx, "list_playlist", http.MethodGet, "/playlistItems", q, nil, &page); err != nil {
			return nil, err
		}
		for _, it := range page.Items {
			out = append(out, domain.VideoDescriptor{
				VideoID:      it.Snippet.ResourceID.VideoID,
				Title:        it.Snippet.Title,
				Description:  it.Snippet.Description,
				ThumbnailURL: it.Snippet.Thumbnails.Medium.URL,
				PublishedAt:  it.Snippet.PublishedAt,
			})
			if len(out) >= max {
				break
			}
		}
		if page.NextPageToken == "" || len(out) >= max {
			break
		}
		pageToken = page.NextPageToken
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pageSpacer):
		}
	}

	if err := c.fillStatistics(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) fillStatistics(ctx domain.Context, vids []domain.VideoDescriptor) error {
	byID := make(map[string]*domain.VideoDescriptor, len(vids))
	ids := make([]string, 0, len(vids))
	for i := range vids {
		byID[vids[i].VideoID] = &vids[i]
		ids = append(ids, vids[i].VideoID)
	}
	for start := 0; start < len(ids); start += statsBatchSize {
		end := start + statsBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		q := url.Values{
			"part": {"statistics"},
			"id":   {strings.Join(ids[start:end], ",")},
		}
		var resp videoListResponse
		if err := c.do(ctx, "list_videos", http.MethodGet, "/videos", q, nil, &resp); err != nil {
			return err
		}
		for _, it := range resp.Items {
			d, ok := byID[it.ID]
			if !ok {
				continue
			}
			d.ViewCount = parseCount(it.Statistics.ViewCount)
			d.CommentCount = int(parseCount(it.Statistics.CommentCount))
		}
	}
	return nil
}

func parseCount(s string) int64 {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	return n
}

// ListVideoComments returns up to max top-level comments, newest first, as
// plain text. Pages are spaced by pageSpacer.
func (c *Client) ListVideoComments(ctx domain.Context, videoID string, max int) ([]domain.Comment, error) {
	if max <= 0 {
		max = commentPageSize
	}
	var out []domain.Comment
	pageToken := ""
	for len(out) < max {
		q := url.Values{
			"part":       {"snippet,replies"},
			"videoId":    {videoID},
			"maxResults": {fmt.Sprint(commentPageSize)},
			"order":      {"time"},
			"textFormat": {"plainText"},
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var page commentThreadsResponse
		if err := c.do(ctx, "list_comments", http.MethodGet, "/commentThreads", q, nil, &page); err != nil {
			return nil, err
		}
		for _, it := range page.Items {
			top := it.Snippet.TopLevelComment
			out = append(out, domain.Comment{
				ID:          top.ID,
				Author:      top.Snippet.AuthorDisplayName,
				Text:        top.Snippet.TextDisplay,
				PublishedAt: top.Snippet.PublishedAt,
			})
			if len(out) >= max {
				break
			}
		}
		if page.NextPageToken == "" || len(out) >= max {
			break
		}
		pageToken = page.NextPageToken
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pageSpacer):
		}
	}
	return out, nil
}

// PostReply publishes a reply under the given top-level comment.
func (c *Client) PostReply(ctx domain.Context, parentCommentID, text string) (domain.PostedReply, error) {
	payload := map[string]any{
		"snippet": map[string]any{
			"parentId":     parentCommentID,
			"textOriginal": text,
		},
	}
	q := url.Values{"part": {"snippet"}}
	var resp postCommentResponse
	if err := c.do(ctx, "post_reply", http.MethodPost, "/comments", q, payload, &resp); err != nil {
		return domain.PostedReply{}, err
	}
	return domain.PostedReply{ID: resp.ID, Text: resp.Snippet.TextOriginal}, nil
}
