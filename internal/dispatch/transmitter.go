package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/bissquit/async-dispatch/internal/domain"
)

// rawPayloadType marks payloads given as already encoded JSON.
const rawPayloadType = "json"

// Reference ties a message to the business object it was produced for.
type Reference struct {
	Type          string
	Identifier    string
	Ref           int64
	PartitionHint int
}

// Transmitter is the entry point for producing async messages.
type Transmitter struct {
	strategy Strategy
	store    Store
	ids      IDSource
	validate *validator.Validate
}

// NewTransmitter creates a transmitter. Message ids come from ids, or from
// store when ids is nil.
func NewTransmitter(strategy Strategy, store Store, ids IDSource) *Transmitter {
	if ids == nil {
		ids = store
	}
	return &Transmitter{
		strategy: strategy,
		store:    store,
		ids:      ids,
		validate: validator.New(),
	}
}

// Strategy returns the active strategy.
func (t *Transmitter) Strategy() Strategy {
	return t.strategy
}

// TransmitMessage accepts payload for asynchronous delivery to channelID and
// returns the new message id. The tenant is taken from ctx.
//
// With a non-nil uow the message row is written through uow and the buffer
// hand-off waits for the caller's commit. With a nil uow both happen before
// TransmitMessage returns.
func (t *Transmitter) TransmitMessage(ctx context.Context, uow *UnitOfWork, channelID string, payload any, ref Reference) (int64, error) {
	tenantID, ok := TenantFromContext(ctx)
	if !ok {
		return 0, ErrMissingTenant
	}

	if err := t.validatePayload(payload); err != nil {
		return 0, err
	}
	body, payloadType, err := encodePayload(payload)
	if err != nil {
		return 0, &ValidationError{Err: err}
	}

	id, err := t.ids.NextMessageID(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocate message id: %w", err)
	}

	autocommit := uow == nil
	if autocommit {
		uow = NewUnitOfWork(t.store)
	}

	msg := &InMemoryMessage{
		ID:          id,
		TenantID:    tenantID,
		ChannelID:   channelID,
		PayloadType: payloadType,
		Payload:     body,
	}

	queueID, err := t.strategy.SendAsync(ctx, uow, msg)
	if err != nil {
		if autocommit {
			uow.Discard()
		}
		return 0, err
	}

	if t.strategy.RequiresPersistence() && queueID != "" {
		row := &domain.Message{
			ID:            id,
			TenantID:      tenantID,
			ChannelID:     channelID,
			QueueID:       queueID,
			PayloadType:   payloadType,
			Payload:       body,
			Status:        domain.ExportStatusReadyToExport,
			RefType:       ref.Type,
			RefIdentifier: ref.Identifier,
			Ref:           ref.Ref,
			PartitionHint: ref.PartitionHint,
		}
		if err := t.writer(uow).CreateMessage(ctx, row); err != nil {
			if autocommit {
				uow.Discard()
			}
			return 0, fmt.Errorf("create message: %w", err)
		}
	}

	if autocommit {
		uow.Committed()
	}

	slog.Debug("message accepted",
		"message_id", id,
		"channel_id", channelID,
		"queue_id", queueID,
	)
	return id, nil
}

// StopRetries takes a message of the tenant in ctx out of the retry cycle. It
// reports whether a scheduled message was changed; a second call is a no-op.
// Messages of other tenants are reported as not found.
func (t *Transmitter) StopRetries(ctx context.Context, id int64) (bool, error) {
	tenantID, ok := TenantFromContext(ctx)
	if !ok {
		return false, ErrMissingTenant
	}
	cleared, err := t.store.ClearSchedule(ctx, tenantID, id)
	if err != nil {
		return false, fmt.Errorf("stop retries: %w", err)
	}
	if cleared {
		slog.Info("stopped retries", "message_id", id, "tenant_id", tenantID)
	}
	return cleared, nil
}

// RetryMessages reschedules failed messages matching filter and hands them
// to their queues again. It returns the number of rescheduled messages.
func (t *Transmitter) RetryMessages(ctx context.Context, filter RetryFilter) (int, error) {
	if err := t.validate.Struct(filter); err != nil {
		return 0, &ValidationError{Err: err}
	}

	rows, err := t.store.RescheduleMessages(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("reschedule messages: %w", err)
	}

	for _, row := range rows {
		uow := NewUnitOfWork(nil)
		if _, err := t.strategy.SendAsync(ctx, uow, inMemoryFromRow(row)); err != nil {
			slog.Warn("rescheduled message not handed off",
				"message_id", row.ID,
				"error", err,
			)
			continue
		}
		uow.Committed()
	}

	slog.Info("messages rescheduled", "count", len(rows), "queue_id", filter.QueueID)
	return len(rows), nil
}

// FlushRequest selects pending messages to list or to mark delivered.
type FlushRequest struct {
	QueueID    string
	ChannelID  string
	MarkAsDone bool
}

// FlushPending returns the pending messages of a queue or channel. With
// MarkAsDone the queue buffer is cleared and the messages are marked delivered.
func (t *Transmitter) FlushPending(ctx context.Context, req FlushRequest) ([]*domain.Message, error) {
	tenantID, _ := TenantFromContext(ctx)

	if req.MarkAsDone {
		if _, err := t.strategy.ClearQueue(req.QueueID); err != nil && !errors.Is(err, ErrQueueNotRunning) {
			return nil, fmt.Errorf("clear queue: %w", err)
		}
	}

	rows, err := t.store.ListPending(ctx, FlushFilter{
		TenantID:  tenantID,
		QueueID:   req.QueueID,
		ChannelID: req.ChannelID,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	if req.MarkAsDone && len(rows) > 0 {
		ids := make([]int64, len(rows))
		for i, row := range rows {
			ids[i] = row.ID
		}
		if _, err := t.store.MarkDone(ctx, ids); err != nil {
			return nil, fmt.Errorf("mark done: %w", err)
		}
		slog.Info("pending messages flushed", "queue_id", req.QueueID, "count", len(rows))
	}

	return rows, nil
}

// OpenQueue loads a queue from the store and opens it.
func (t *Transmitter) OpenQueue(ctx context.Context, queueID string) error {
	q, err := t.store.GetQueue(ctx, queueID)
	if err != nil {
		return fmt.Errorf("get queue: %w", err)
	}
	return t.strategy.Open(ctx, *q)
}

// CloseQueue stops a running queue.
func (t *Transmitter) CloseQueue(ctx context.Context, queueID string) error {
	return t.strategy.CloseQueue(ctx, queueID)
}

// ClearQueue drops the in-memory buffer of a queue.
func (t *Transmitter) ClearQueue(queueID string) (int, error) {
	return t.strategy.ClearQueue(queueID)
}

// QueueStatus reports the state of a queue.
func (t *Transmitter) QueueStatus(queueID string) QueueStatus {
	return t.strategy.QueueStatus(queueID)
}

func (t *Transmitter) writer(uow *UnitOfWork) MessageWriter {
	if w := uow.Writer(); w != nil {
		return w
	}
	return t.store
}

func (t *Transmitter) validatePayload(payload any) error {
	switch p := payload.(type) {
	case nil:
		return &ValidationError{Err: errors.New("payload is required")}
	case json.RawMessage:
		return validateRawJSON(p)
	case []byte:
		return validateRawJSON(p)
	case interface{ Validate() error }:
		if err := p.Validate(); err != nil {
			return &ValidationError{Err: err}
		}
		return nil
	}

	if err := t.validate.Struct(payload); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return nil
		}
		return &ValidationError{Err: err}
	}
	return nil
}

func validateRawJSON(b []byte) error {
	if len(b) == 0 || !json.Valid(b) {
		return &ValidationError{Err: errors.New("payload is not valid JSON")}
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, string, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, rawPayloadType, nil
	case []byte:
		return json.RawMessage(p), rawPayloadType, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("encode payload: %w", err)
	}
	return body, fmt.Sprintf("%T", payload), nil
}
