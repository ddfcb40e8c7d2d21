// Package domain holds the core entities and ports of the auto-reply engine.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	// ErrRateLimited marks platform 429 responses; retried with a longer backoff.
	ErrRateLimited = errors.New("rate limited")
	// ErrPlatformTransient marks 5xx and network failures; retried by the task runner.
	ErrPlatformTransient = errors.New("platform unavailable")
	// ErrUnauthorized is returned after a refresh-and-retry still yields 401.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrCredentialRevoked means the identity provider rejected the refresh
	// credential; terminal for the user until re-enrollment.
	ErrCredentialRevoked = errors.New("credential revoked")
	// ErrQuotaExhausted is a clean stop; remaining comments wait for the next window.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrConfigInvalid marks videos with no keywords or no templates; never retried.
	ErrConfigInvalid = errors.New("configuration invalid")
	ErrInternal      = errors.New("internal error")
)

// User is one enrolled creator account.
type User struct {
	ID               string
	Email            string
	ExternalID       string // identity-provider subject
	ChannelID        string
	ChannelName      string
	ChannelThumbnail string
	AccessToken      string
	RefreshToken     string
	TokenExpiry      time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Video is an enrolled video with its automation settings.
type Video struct {
	ID            string
	UserID        string
	VideoID       string // platform-assigned id, unique
	Title         string
	Description   string
	ThumbnailURL  string
	PublishedAt   time.Time
	ViewCount     int64
	CommentCount  int
	Enabled       bool
	Keywords      []string
	Templates     []string
	IntervalMins  int
	LastCheckedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// VideoSettings is the mutable automation subset of a Video.
type VideoSettings struct {
	Enabled      bool     `json:"enabled"`
	Keywords     []string `json:"keywords"`
	Templates    []string `json:"templates"`
	IntervalMins int      `json:"interval_minutes" validate:"min=1,max=1440"`
}

// RepliedComment is the immutable audit record and dedup oracle. Its
// presence for a CommentID is authoritative proof a reply was issued.
type RepliedComment struct {
	CommentID      string
	VideoID        string
	UserID         string
	CommentText    string
	CommentAuthor  string
	KeywordMatched string
	ReplyText      string
	RepliedAt      time.Time
}

// Template is a user-scoped saved reply text. UI convenience, out of hot path.
type Template struct {
	ID        string
	UserID    string
	Text      string
	CreatedAt time.Time
}

// Comment is a top-level comment as delivered by the platform, newest first.
type Comment struct {
	ID          string
	Author      string
	Text        string
	PublishedAt time.Time
}

// VideoDescriptor is a channel video merged with its statistics.
type VideoDescriptor struct {
	VideoID      string
	Title        string
	Description  string
	ThumbnailURL string
	PublishedAt  time.Time
	ViewCount    int64
	CommentCount int
}

// PostedReply is the platform's acknowledgement of a posted reply.
type PostedReply struct {
	ID   string
	Text string
}

// ReplyResult is the per-comment outcome of one engine pass.
type ReplyResult struct {
	CommentID string `json:"comment_id"`
	Success   bool   `json:"success"`
	ReplyText string `json:"reply_text,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ReplyStats aggregates one engine invocation.
type ReplyStats struct {
	TotalComments int           `json:"total_comments"`
	Matched       int           `json:"matched_keywords"`
	New           int           `json:"new_comments"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	QuotaUsed     int           `json:"quota_used"`
	Results       []ReplyResult `json:"results,omitempty"`
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is one background job tracked through the queue.
type Task struct {
	ID        string
	Name      string
	Status    TaskStatus
	Error     string
	Result    []byte // JSON-encoded handler result
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Task names routed by the runner.
const (
	TaskProcessVideoReplies = "video.process_replies"
	TaskSyncUserVideos      = "videos.sync"
	TaskWarmDedupCache      = "dedup.warm_cache"
)

// ReplyTaskPayload drives one ReplyEngine invocation.
type ReplyTaskPayload struct {
	TaskID      string `json:"task_id"`
	VideoID     string `json:"video_id"`
	UserID      string `json:"user_id"`
	MaxComments int    `json:"max_comments"`
	MaxReplies  int    `json:"max_replies,omitempty"` // 0 means no per-run cap
}

// SyncTaskPayload drives one channel video sync.
type SyncTaskPayload struct {
	TaskID string `json:"task_id"`
	UserID string `json:"user_id"`
}

// WarmCachePayload refreshes the dedup mirror, optionally for one user.
type WarmCachePayload struct {
	TaskID string `json:"task_id"`
	UserID string `json:"user_id,omitempty"`
}

// Context is an alias so adapters and usecases share the std context type.
type Context = context.Context
