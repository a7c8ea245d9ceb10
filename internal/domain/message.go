package domain

import (
	"encoding/json"
	"time"
)

// ExportStatus represents the delivery state of an async message.
type ExportStatus string

// Export statuses. The empty status means the message is no longer scheduled.
const (
	ExportStatusNone            ExportStatus = ""
	ExportStatusReadyToExport   ExportStatus = "READY_TO_EXPORT"
	ExportStatusResponseOK      ExportStatus = "RESPONSE_OK"
	ExportStatusResponseError   ExportStatus = "RESPONSE_ERROR"
	ExportStatusProcessingError ExportStatus = "PROCESSING_ERROR"
)

// IsPending reports whether a message with this status still waits for delivery.
func (s ExportStatus) IsPending() bool {
	return s != ExportStatusNone && s != ExportStatusResponseOK
}

// Message is a persisted async message row.
type Message struct {
	ID               int64           `json:"id"`
	TenantID         string          `json:"tenant_id"`
	ChannelID        string          `json:"channel_id"`
	QueueID          string          `json:"queue_id"`
	PayloadType      string          `json:"payload_type,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	Status           ExportStatus    `json:"status,omitempty"`
	Attempts         int             `json:"attempts"`
	LastAttempt      *time.Time      `json:"last_attempt,omitempty"`
	HTTPResponseCode *int            `json:"http_response_code,omitempty"`
	ReturnCode       *int            `json:"return_code,omitempty"`
	Reference        *string         `json:"reference,omitempty"`
	ErrorDetails     *string         `json:"error_details,omitempty"`
	LastResponseTime *int            `json:"last_response_time_ms,omitempty"`
	RefType          string          `json:"ref_type,omitempty"`
	RefIdentifier    string          `json:"ref_identifier,omitempty"`
	Ref              int64           `json:"ref,omitempty"`
	PartitionHint    int             `json:"partition_hint,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}
