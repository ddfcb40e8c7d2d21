package domain

import "time"

// Repositories (ports)

type UserRepository interface {
	Get(ctx Context, id string) (User, error)
	GetByExternalID(ctx Context, externalID string) (User, error)
	Upsert(ctx Context, u User) (string, error)
	// UpdateTokens persists a refreshed access credential; used as the
	// CredentialHolder persist callback.
	UpdateTokens(ctx Context, id, accessToken string, expiry time.Time) error
}

type VideoRepository interface {
	// DueAndStamp returns enabled videos whose interval has elapsed and
	// stamps last_checked_at atomically with selection, so one video cannot
	// be selected twice within an interval even under concurrent ticks.
	DueAndStamp(ctx Context, now time.Time) ([]Video, error)
	Get(ctx Context, videoID string) (Video, error)
	GetSettings(ctx Context, videoID string) (VideoSettings, error)
	UpdateSettings(ctx Context, videoID, userID string, s VideoSettings) error
	UpsertBatch(ctx Context, userID string, vids []VideoDescriptor) (int, error)
	ListForUser(ctx Context, userID string) ([]Video, error)
}

// DedupStore records which comment IDs have been replied to. Insert is
// idempotent; the store stays authoritative over any in-memory mirror.
type DedupStore interface {
	// ContainsAny returns the subset of ids already present, one round trip.
	ContainsAny(ctx Context, ids []string) (map[string]struct{}, error)
	// Insert returns false when the comment was already present; the stored
	// row is left unchanged in that case.
	Insert(ctx Context, rec RepliedComment) (bool, error)
	InsertBatch(ctx Context, recs []RepliedComment) error
	ListIDsForUser(ctx Context, userID string) ([]string, error)
	CountForUserOn(ctx Context, userID string, day time.Time) (int, error)
}

// QuotaAccountant enforces the global daily API budget and the per-user
// daily reply cap. Reserve is an atomic increment; readers are eventually
// consistent and bounded overshoot is accepted.
type QuotaAccountant interface {
	RemainingGlobal(ctx Context) (int, error)
	RemainingForUser(ctx Context, userID string) (int, error)
	CanReserve(ctx Context, cost int, userID string) (bool, error)
	Reserve(ctx Context, cost int, userID string) error
	UserReplyCount(ctx Context, userID string) (int, error)
}

// PlatformClient wraps the external video platform's REST surface.
type PlatformClient interface {
	ListChannelVideos(ctx Context, channelID string, max int) ([]VideoDescriptor, error)
	ListVideoComments(ctx Context, videoID string, max int) ([]Comment, error)
	PostReply(ctx Context, parentCommentID, text string) (PostedReply, error)
}

type TemplateRepository interface {
	ListForUser(ctx Context, userID string) ([]Template, error)
	Create(ctx Context, t Template) (string, error)
	Delete(ctx Context, id, userID string) error
}

// Queue (port)

type Queue interface {
	SubmitReply(ctx Context, p ReplyTaskPayload) (string, error)
	SubmitSync(ctx Context, p SyncTaskPayload) (string, error)
	SubmitWarmCache(ctx Context, p WarmCachePayload) (string, error)
}

type TaskRepository interface {
	Create(ctx Context, t Task) (string, error)
	UpdateStatus(ctx Context, id string, status TaskStatus, errMsg *string) error
	SetResult(ctx Context, id string, result []byte) error
	Get(ctx Context, id string) (Task, error)
	// FailStale marks processing tasks older than cutoff as failed so a
	// crashed worker cannot leave tasks stuck forever.
	FailStale(ctx Context, cutoff time.Time) (int, error)
}
