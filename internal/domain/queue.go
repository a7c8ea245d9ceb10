package domain

import "time"

// Queue is the persisted configuration of one physical async queue.
// Nil override fields fall back to the global dispatch settings.
type Queue struct {
	ID                  string
	Description         string
	IsActive            bool
	SenderQualifier     string
	MaxMessageAtStartup *int
	TimeoutIdleGreen    *time.Duration
	TimeoutIdleRed      *time.Duration
	TimeoutExternal     *time.Duration
	WaitAfterExtError   *time.Duration
	WaitAfterDBErrors   *time.Duration
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Channel is a logical destination mapped to at most one queue.
type Channel struct {
	ID                string
	TenantID          string
	QueueID           string // empty if the channel is not associated with a queue
	Description       string
	IsActive          bool
	URL               string
	AuthParam         string
	Timeout           time.Duration // zero means the queue default
	IdempotencyPolicy IdempotencyPolicy
	IdempotencyHeader string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IdempotencyPolicy selects how a dedup header value is derived for a channel.
type IdempotencyPolicy string

// Idempotency policies.
const (
	IdempotencyNone             IdempotencyPolicy = "NONE"
	IdempotencyMessageReference IdempotencyPolicy = "MESSAGE_REFERENCE"
	IdempotencyUUID             IdempotencyPolicy = "UUID"
	IdempotencyCustom           IdempotencyPolicy = "CUSTOM"
)
