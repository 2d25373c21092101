package storage

import (
	"encoding/json"
	"time"
)

// Status is the delivery state of a PendingRecord.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	// StatusSynced is never persisted: transitioning to it removes the record.
	StatusSynced Status = "synced"
	StatusFailed Status = "failed"
)

// MediaKind distinguishes photo evidence from the optional video.
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// DefaultPriority is used for captures enqueued without an explicit priority.
// Lower values are delivered first.
const DefaultPriority = 1

// MediaRef points at an engine-owned copy of a media file.
type MediaRef struct {
	Position    int
	Kind        MediaKind
	Path        string // absolute path under the store's media directory
	ContentType string
	Size        int64
}

// PendingRecord is a capture that has not yet been confirmed delivered.
type PendingRecord struct {
	LocalID     string
	Payload     json.RawMessage
	Media       []MediaRef
	Status      Status
	Attempts    int
	MaxAttempts int
	LastError   string
	Priority    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Exhausted reports whether the record has used up its automatic retries.
func (r PendingRecord) Exhausted() bool {
	return r.Attempts >= r.MaxAttempts
}

// MediaSource is a producer-owned file to be copied into the store on enqueue.
type MediaSource struct {
	Path        string
	Kind        MediaKind
	ContentType string
}

type EnqueueRequest struct {
	Payload  json.RawMessage
	Media    []MediaSource
	Priority int // 0 means DefaultPriority
	// MaxAttempts overrides the store-wide retry cap when > 0.
	MaxAttempts int
}

// CountFilter selects records for Count. Empty Statuses matches every status.
type CountFilter struct {
	Statuses     []Status
	EligibleOnly bool // only records with attempts below their cap
}

type CacheEntry struct {
	Key      string
	Value    json.RawMessage
	CachedAt time.Time
}
