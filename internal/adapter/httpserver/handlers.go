package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/yt-autoreply/internal/config"
	"github.com/fairyhunter13/yt-autoreply/internal/domain"
	"github.com/fairyhunter13/yt-autoreply/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Users      domain.UserRepository
	Videos     domain.VideoRepository
	Tasks      domain.TaskRepository
	Templates  domain.TemplateRepository
	Queue      domain.Queue
	Analytics  *usecase.Analytics
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// userID resolves the acting creator. Authentication happens at the edge;
// the gateway forwards the resolved identity in this header.
func userID(r *http.Request) (string, error) {
	id := r.Header.Get("X-User-Id")
	if id == "" {
		return "", fmt.Errorf("%w: missing X-User-Id", domain.ErrUnauthorized)
	}
	return id, nil
}

// TriggerReplyHandler enqueues a manual reply pass for one video. Manual
// passes fetch a deeper page than scheduled ones and carry no per-pass reply
// cap; the quota accountant still bounds them.
func (s *Server) TriggerReplyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		videoID := chi.URLParam(r, "id")
		video, err := s.Videos.Get(r.Context(), videoID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if video.UserID != uid {
			writeError(w, r, fmt.Errorf("%w: video %s", domain.ErrNotFound, videoID), nil)
			return
		}
		if !video.Enabled {
			writeError(w, r, fmt.Errorf("%w: auto-reply disabled for video", domain.ErrConfigInvalid), nil)
			return
		}
		taskID, err := s.Queue.SubmitReply(r.Context(), domain.ReplyTaskPayload{
			VideoID:     videoID,
			UserID:      uid,
			MaxComments: s.Cfg.ManualFetchCap,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("manual reply pass queued",
			slog.String("video_id", videoID), slog.String("task_id", taskID))
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": string(domain.TaskPending)})
	}
}

// TaskStatusHandler reports one task's lifecycle and result.
func (s *Server) TaskStatusHandler() http.HandlerFunc {
	type taskResponse struct {
		ID       string          `json:"id"`
		Name     string          `json:"name"`
		Status   string          `json:"status"`
		Error    string          `json:"error,omitempty"`
		Result   json.RawMessage `json:"result,omitempty"`
		Attempts int             `json:"attempts"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, taskResponse{
			ID:       t.ID,
			Name:     t.Name,
			Status:   string(t.Status),
			Error:    t.Error,
			Result:   json.RawMessage(t.Result),
			Attempts: t.Attempts,
		})
	}
}

// ListVideosHandler returns the creator's enrolled videos.
func (s *Server) ListVideosHandler() http.HandlerFunc {
	type videoResponse struct {
		VideoID       string   `json:"video_id"`
		Title         string   `json:"title"`
		ThumbnailURL  string   `json:"thumbnail_url,omitempty"`
		ViewCount     int64    `json:"view_count"`
		CommentCount  int      `json:"comment_count"`
		Enabled       bool     `json:"enabled"`
		Keywords      []string `json:"keywords"`
		Templates     []string `json:"templates"`
		IntervalMins  int      `json:"interval_minutes"`
		LastCheckedAt string   `json:"last_checked_at,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		vids, err := s.Videos.ListForUser(r.Context(), uid)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]videoResponse, 0, len(vids))
		for _, v := range vids {
			vr := videoResponse{
				VideoID:      v.VideoID,
				Title:        v.Title,
				ThumbnailURL: v.ThumbnailURL,
				ViewCount:    v.ViewCount,
				CommentCount: v.CommentCount,
				Enabled:      v.Enabled,
				Keywords:     v.Keywords,
				Templates:    v.Templates,
				IntervalMins: v.IntervalMins,
			}
			if v.LastCheckedAt != nil {
				vr.LastCheckedAt = v.LastCheckedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
			}
			out = append(out, vr)
		}
		writeJSON(w, http.StatusOK, map[string]any{"videos": out})
	}
}

// GetSettingsHandler returns one video's automation settings.
func (s *Server) GetSettingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		videoID := chi.URLParam(r, "id")
		video, err := s.Videos.Get(r.Context(), videoID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if video.UserID != uid {
			writeError(w, r, fmt.Errorf("%w: video %s", domain.ErrNotFound, videoID), nil)
			return
		}
		writeJSON(w, http.StatusOK, domain.VideoSettings{
			Enabled:      video.Enabled,
			Keywords:     video.Keywords,
			Templates:    video.Templates,
			IntervalMins: video.IntervalMins,
		})
	}
}

// UpdateSettingsHandler overwrites one video's automation settings. Enabling
// automation requires at least one keyword and one template; the engine
// refuses to run without them, so the API refuses to store that state.
func (s *Server) UpdateSettingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var in domain.VideoSettings
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(in); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if in.Enabled && (len(in.Keywords) == 0 || len(in.Templates) == 0) {
			writeError(w, r, fmt.Errorf("%w: enabling requires keywords and templates", domain.ErrConfigInvalid), nil)
			return
		}
		videoID := chi.URLParam(r, "id")
		if err := s.Videos.UpdateSettings(r.Context(), videoID, uid, in); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, in)
	}
}

// SyncVideosHandler enqueues a channel video sync for the creator.
func (s *Server) SyncVideosHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		taskID, err := s.Queue.SubmitSync(r.Context(), domain.SyncTaskPayload{UserID: uid})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": string(domain.TaskPending)})
	}
}

// WarmCacheHandler enqueues a dedup mirror warm for the creator.
func (s *Server) WarmCacheHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		taskID, err := s.Queue.SubmitWarmCache(r.Context(), domain.WarmCachePayload{UserID: uid})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": string(domain.TaskPending)})
	}
}

// AnalyticsHandler returns the creator dashboard.
func (s *Server) AnalyticsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		limit := 20
		if q := r.URL.Query().Get("recent"); q != "" {
			if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}
		days := 30
		if q := r.URL.Query().Get("days"); q != "" {
			if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 365 {
				days = n
			}
		}
		o, err := s.Analytics.Overview(r.Context(), uid, limit, days)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}

// ListTemplatesHandler returns the creator's saved reply templates.
func (s *Server) ListTemplatesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ts, err := s.Templates.ListForUser(r.Context(), uid)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"templates": ts})
	}
}

// CreateTemplateHandler saves a reply template.
func (s *Server) CreateTemplateHandler() http.HandlerFunc {
	type createRequest struct {
		Text string `json:"text" validate:"required,min=1,max=1000"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var in createRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(in); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		id, err := s.Templates.Create(r.Context(), domain.Template{UserID: uid, Text: in.Text})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

// DeleteTemplateHandler removes a saved template.
func (s *Server) DeleteTemplateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Templates.Delete(r.Context(), chi.URLParam(r, "id"), uid); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ReadyzHandler checks the database and Redis before reporting ready.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]func(context.Context) error{
			"db":    s.DBCheck,
			"redis": s.RedisCheck,
		}
		failed := map[string]string{}
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check(r.Context()); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
