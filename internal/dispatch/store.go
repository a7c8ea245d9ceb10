package dispatch

import (
	"context"
	"time"

	"github.com/bissquit/async-dispatch/internal/domain"
)

// MaxReferenceLength bounds the client reference kept for a message.
const MaxReferenceLength = 255

// TransportErrorCode is recorded as the http code when the transport itself failed.
const TransportErrorCode = 999

// MessageWriter persists new messages. Implementations may be bound to a transaction.
type MessageWriter interface {
	CreateMessage(ctx context.Context, m *domain.Message) error
}

// IDSource allocates message ids. Ids are unique and increase over time.
type IDSource interface {
	NextMessageID(ctx context.Context) (int64, error)
}

// Store is the durable store of queues, channels and messages.
type Store interface {
	MessageWriter
	IDSource

	FindPendingByQueue(ctx context.Context, queueID string, limit int) ([]*domain.Message, error)
	// UpdateOutcome fails with ErrMessageNotScheduled if the message status was cleared.
	UpdateOutcome(ctx context.Context, id int64, outcome Outcome) error
	ClearSchedule(ctx context.Context, tenantID string, id int64) (bool, error)

	ListActiveQueues(ctx context.Context) ([]domain.Queue, error)
	GetQueue(ctx context.Context, id string) (*domain.Queue, error)
	GetChannel(ctx context.Context, tenantID, channelID string) (*domain.Channel, error)

	RescheduleMessages(ctx context.Context, filter RetryFilter) ([]*domain.Message, error)
	ListPending(ctx context.Context, filter FlushFilter) ([]*domain.Message, error)
	MarkDone(ctx context.Context, ids []int64) (int64, error)
	GetQueueStats(ctx context.Context) ([]QueueStats, error)
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Status       domain.ExportStatus
	HTTPCode     *int
	ReturnCode   *int
	Reference    *string
	ErrorDetails *string
	ResponseTime time.Duration
}

// RetryFilter selects failed messages to reschedule.
type RetryFilter struct {
	TenantID    string `json:"-"`
	QueueID     string `json:"queue_id,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	MinAttempts *int   `json:"min_attempts,omitempty" validate:"omitempty,min=0"`
	MaxAttempts *int   `json:"max_attempts,omitempty" validate:"omitempty,min=0"`
	HTTPCode    *int   `json:"http_code,omitempty"`
	// Unsent selects READY_TO_EXPORT rows that were never attempted.
	Unsent        bool       `json:"unsent,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
	MaxCount      int        `json:"max_count,omitempty" validate:"omitempty,min=1,max=100000"`
}

// FlushFilter selects pending messages of a queue or channel.
type FlushFilter struct {
	TenantID  string
	QueueID   string
	ChannelID string
}

// QueueStats is a message count per queue and status.
type QueueStats struct {
	QueueID string
	Status  domain.ExportStatus
	Count   int64
}
