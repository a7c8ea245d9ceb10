// Package postgres provides PostgreSQL implementation of the dispatch store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bissquit/async-dispatch/internal/dispatch"
	"github.com/bissquit/async-dispatch/internal/domain"
)

const pendingCondition = `status IS NOT NULL AND status <> 'RESPONSE_OK'`

const messageColumns = `
	id, tenant_id, channel_id, queue_id, payload_type, payload, COALESCE(status, ''), attempts,
	last_attempt, http_response_code, return_code, reference, error_details, last_response_time,
	ref_type, ref_identifier, ref, partition_hint, created_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements dispatch.Store using PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	db   querier
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, db: pool}
}

// InTx runs fn in a transaction. Message writes made through the unit of
// work join the transaction; its post-commit hooks run after a successful commit.
func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context, uow *dispatch.UnitOfWork) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	uow := dispatch.NewUnitOfWork(&Repository{pool: r.pool, db: tx})
	if err := fn(ctx, uow); err != nil {
		uow.Discard()
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		uow.Discard()
		return fmt.Errorf("commit transaction: %w", err)
	}
	uow.Committed()
	return nil
}

// NextMessageID allocates a message id from the sequence.
func (r *Repository) NextMessageID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.db.QueryRow(ctx, `SELECT nextval('async_message_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("next message id: %w", err)
	}
	return id, nil
}

// CreateMessage inserts a new message row.
func (r *Repository) CreateMessage(ctx context.Context, m *domain.Message) error {
	query := `
		INSERT INTO async_messages (
			id, tenant_id, channel_id, queue_id, payload_type, payload, status, attempts,
			ref_type, ref_identifier, ref, partition_hint
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query,
		m.ID,
		m.TenantID,
		m.ChannelID,
		m.QueueID,
		m.PayloadType,
		[]byte(m.Payload),
		nullableStatus(m.Status),
		m.Attempts,
		m.RefType,
		m.RefIdentifier,
		m.Ref,
		m.PartitionHint,
	).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by id.
func (r *Repository) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM async_messages WHERE id = $1`

	m, err := scanMessage(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dispatch.ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// FindPendingByQueue returns up to limit pending messages of a queue in id order.
func (r *Repository) FindPendingByQueue(ctx context.Context, queueID string, limit int) ([]*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM async_messages
		WHERE queue_id = $1 AND ` + pendingCondition + `
		ORDER BY id
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, queueID, limit)
	if err != nil {
		return nil, fmt.Errorf("find pending messages: %w", err)
	}
	return collectMessages(rows)
}

// UpdateOutcome records one delivery attempt.
func (r *Repository) UpdateOutcome(ctx context.Context, id int64, outcome dispatch.Outcome) error {
	query := `
		UPDATE async_messages
		SET status = $2,
		    attempts = attempts + 1,
		    last_attempt = NOW(),
		    http_response_code = $3,
		    return_code = $4,
		    reference = $5,
		    error_details = $6,
		    last_response_time = $7
		WHERE id = $1 AND status IS NOT NULL
	`
	var reference *string
	if outcome.Reference != nil {
		ref := dispatch.CleanText(*outcome.Reference, dispatch.MaxReferenceLength)
		reference = &ref
	}
	var details *string
	if outcome.ErrorDetails != nil {
		d := dispatch.CleanText(*outcome.ErrorDetails, 0)
		details = &d
	}

	result, err := r.db.Exec(ctx, query,
		id,
		nullableStatus(outcome.Status),
		outcome.HTTPCode,
		outcome.ReturnCode,
		reference,
		details,
		int(outcome.ResponseTime.Milliseconds()),
	)
	if err != nil {
		return fmt.Errorf("update outcome: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missingOrUnscheduled(ctx, id, dispatch.ErrMessageNotScheduled)
	}
	return nil
}

// ClearSchedule takes a pending message of tenantID out of the retry cycle.
func (r *Repository) ClearSchedule(ctx context.Context, tenantID string, id int64) (bool, error) {
	query := `
		UPDATE async_messages
		SET status = NULL, last_attempt = NULL
		WHERE id = $1 AND tenant_id = $2 AND ` + pendingCondition

	result, err := r.db.Exec(ctx, query, id, tenantID)
	if err != nil {
		return false, fmt.Errorf("clear schedule: %w", err)
	}
	if result.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	err = r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM async_messages WHERE id = $1 AND tenant_id = $2)`,
		id, tenantID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check message: %w", err)
	}
	if !exists {
		return false, dispatch.ErrMessageNotFound
	}
	return false, nil
}

// missingOrUnscheduled returns ErrMessageNotFound if id does not exist and
// otherwise the given error.
func (r *Repository) missingOrUnscheduled(ctx context.Context, id int64, otherwise error) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM async_messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check message: %w", err)
	}
	if !exists {
		return dispatch.ErrMessageNotFound
	}
	return otherwise
}

// RescheduleMessages marks matching messages READY_TO_EXPORT and returns them in id order.
func (r *Repository) RescheduleMessages(ctx context.Context, filter dispatch.RetryFilter) ([]*domain.Message, error) {
	status := domain.ExportStatusResponseError
	if filter.Unsent {
		status = domain.ExportStatusReadyToExport
	}

	var b whereBuilder
	b.add("status = ?", string(status))
	if filter.Unsent {
		b.add("last_attempt IS NULL")
	}
	if filter.TenantID != "" {
		b.add("tenant_id = ?", filter.TenantID)
	}
	if filter.QueueID != "" {
		b.add("queue_id = ?", filter.QueueID)
	}
	if filter.ChannelID != "" {
		b.add("channel_id = ?", filter.ChannelID)
	}
	if filter.MinAttempts != nil {
		b.add("attempts >= ?", *filter.MinAttempts)
	}
	if filter.MaxAttempts != nil {
		b.add("attempts <= ?", *filter.MaxAttempts)
	}
	if filter.HTTPCode != nil {
		b.add("http_response_code = ?", *filter.HTTPCode)
	}
	if filter.CreatedAfter != nil {
		b.add("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		b.add("created_at < ?", *filter.CreatedBefore)
	}

	limit := ""
	if filter.MaxCount > 0 {
		limit = b.limit(filter.MaxCount)
	}

	query := `
		UPDATE async_messages
		SET status = 'READY_TO_EXPORT'
		WHERE id IN (
			SELECT id FROM async_messages
			WHERE ` + b.where() + `
			ORDER BY id` + limit + `
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + messageColumns

	rows, err := r.db.Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("reschedule messages: %w", err)
	}
	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })
	return messages, nil
}

// ListPending returns pending messages matching filter in id order.
func (r *Repository) ListPending(ctx context.Context, filter dispatch.FlushFilter) ([]*domain.Message, error) {
	var b whereBuilder
	b.add(pendingCondition)
	if filter.TenantID != "" {
		b.add("tenant_id = ?", filter.TenantID)
	}
	if filter.QueueID != "" {
		b.add("queue_id = ?", filter.QueueID)
	}
	if filter.ChannelID != "" {
		b.add("channel_id = ?", filter.ChannelID)
	}

	query := `SELECT ` + messageColumns + ` FROM async_messages WHERE ` + b.where() + ` ORDER BY id`
	rows, err := r.db.Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	return collectMessages(rows)
}

// MarkDone marks pending messages as delivered.
func (r *Repository) MarkDone(ctx context.Context, ids []int64) (int64, error) {
	query := `
		UPDATE async_messages
		SET status = 'RESPONSE_OK', last_attempt = NOW()
		WHERE id = ANY($1) AND ` + pendingCondition

	result, err := r.db.Exec(ctx, query, ids)
	if err != nil {
		return 0, fmt.Errorf("mark done: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetQueueStats counts messages per queue and status.
func (r *Repository) GetQueueStats(ctx context.Context) ([]dispatch.QueueStats, error) {
	query := `
		SELECT queue_id, COALESCE(status, ''), COUNT(*)
		FROM async_messages
		GROUP BY queue_id, status
		ORDER BY queue_id, status
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	defer rows.Close()

	stats := make([]dispatch.QueueStats, 0)
	for rows.Next() {
		var s dispatch.QueueStats
		if err := rows.Scan(&s.QueueID, &s.Status, &s.Count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

const queueColumns = `
	id, description, is_active, COALESCE(sender_qualifier, ''), max_message_at_startup,
	timeout_idle_green_ms, timeout_idle_red_ms, timeout_external_ms,
	wait_after_ext_error_ms, wait_after_db_errors_ms, created_at, updated_at`

// ListActiveQueues returns every active queue.
func (r *Repository) ListActiveQueues(ctx context.Context) ([]domain.Queue, error) {
	query := `SELECT ` + queueColumns + ` FROM async_queues WHERE is_active ORDER BY id`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active queues: %w", err)
	}
	defer rows.Close()

	queues := make([]domain.Queue, 0)
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		queues = append(queues, *q)
	}
	return queues, rows.Err()
}

// GetQueue retrieves a queue by id.
func (r *Repository) GetQueue(ctx context.Context, id string) (*domain.Queue, error) {
	query := `SELECT ` + queueColumns + ` FROM async_queues WHERE id = $1`
	q, err := scanQueue(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dispatch.ErrQueueNotFound
		}
		return nil, fmt.Errorf("get queue: %w", err)
	}
	return q, nil
}

// SaveQueue creates or replaces a queue.
func (r *Repository) SaveQueue(ctx context.Context, q *domain.Queue) error {
	query := `
		INSERT INTO async_queues (
			id, description, is_active, sender_qualifier, max_message_at_startup,
			timeout_idle_green_ms, timeout_idle_red_ms, timeout_external_ms,
			wait_after_ext_error_ms, wait_after_db_errors_ms
		)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			description = EXCLUDED.description,
			is_active = EXCLUDED.is_active,
			sender_qualifier = EXCLUDED.sender_qualifier,
			max_message_at_startup = EXCLUDED.max_message_at_startup,
			timeout_idle_green_ms = EXCLUDED.timeout_idle_green_ms,
			timeout_idle_red_ms = EXCLUDED.timeout_idle_red_ms,
			timeout_external_ms = EXCLUDED.timeout_external_ms,
			wait_after_ext_error_ms = EXCLUDED.wait_after_ext_error_ms,
			wait_after_db_errors_ms = EXCLUDED.wait_after_db_errors_ms,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		q.ID,
		q.Description,
		q.IsActive,
		q.SenderQualifier,
		q.MaxMessageAtStartup,
		toMillis(q.TimeoutIdleGreen),
		toMillis(q.TimeoutIdleRed),
		toMillis(q.TimeoutExternal),
		toMillis(q.WaitAfterExtError),
		toMillis(q.WaitAfterDBErrors),
	).Scan(&q.CreatedAt, &q.UpdatedAt)
}

// GetChannel retrieves a channel of a tenant.
func (r *Repository) GetChannel(ctx context.Context, tenantID, channelID string) (*domain.Channel, error) {
	query := `
		SELECT id, tenant_id, COALESCE(queue_id, ''), description, is_active, url, auth_param,
		       timeout_ms, idempotency_policy, idempotency_header, created_at, updated_at
		FROM async_channels
		WHERE tenant_id = $1 AND id = $2
	`
	var (
		ch        domain.Channel
		timeoutMs *int64
	)
	err := r.db.QueryRow(ctx, query, tenantID, channelID).Scan(
		&ch.ID,
		&ch.TenantID,
		&ch.QueueID,
		&ch.Description,
		&ch.IsActive,
		&ch.URL,
		&ch.AuthParam,
		&timeoutMs,
		&ch.IdempotencyPolicy,
		&ch.IdempotencyHeader,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dispatch.ErrChannelNotFound
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}
	if timeoutMs != nil {
		ch.Timeout = time.Duration(*timeoutMs) * time.Millisecond
	}
	return &ch, nil
}

// SaveChannel creates or replaces a channel.
func (r *Repository) SaveChannel(ctx context.Context, ch *domain.Channel) error {
	query := `
		INSERT INTO async_channels (
			tenant_id, id, queue_id, description, is_active, url, auth_param,
			timeout_ms, idempotency_policy, idempotency_header
		)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			queue_id = EXCLUDED.queue_id,
			description = EXCLUDED.description,
			is_active = EXCLUDED.is_active,
			url = EXCLUDED.url,
			auth_param = EXCLUDED.auth_param,
			timeout_ms = EXCLUDED.timeout_ms,
			idempotency_policy = EXCLUDED.idempotency_policy,
			idempotency_header = EXCLUDED.idempotency_header,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`
	policy := ch.IdempotencyPolicy
	if policy == "" {
		policy = domain.IdempotencyNone
	}
	var timeoutMs *int64
	if ch.Timeout > 0 {
		ms := ch.Timeout.Milliseconds()
		timeoutMs = &ms
	}
	return r.db.QueryRow(ctx, query,
		ch.TenantID,
		ch.ID,
		ch.QueueID,
		ch.Description,
		ch.IsActive,
		ch.URL,
		ch.AuthParam,
		timeoutMs,
		policy,
		ch.IdempotencyHeader,
	).Scan(&ch.CreatedAt, &ch.UpdatedAt)
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var (
		m       domain.Message
		payload []byte
	)
	err := row.Scan(
		&m.ID,
		&m.TenantID,
		&m.ChannelID,
		&m.QueueID,
		&m.PayloadType,
		&payload,
		&m.Status,
		&m.Attempts,
		&m.LastAttempt,
		&m.HTTPResponseCode,
		&m.ReturnCode,
		&m.Reference,
		&m.ErrorDetails,
		&m.LastResponseTime,
		&m.RefType,
		&m.RefIdentifier,
		&m.Ref,
		&m.PartitionHint,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Payload = payload
	return &m, nil
}

func collectMessages(rows pgx.Rows) ([]*domain.Message, error) {
	defer rows.Close()

	messages := make([]*domain.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func scanQueue(row pgx.Row) (*domain.Queue, error) {
	var q domain.Queue
	var maxAtStartup *int32
	var idleGreen, idleRed, external, extErr, dbErr *int64
	err := row.Scan(
		&q.ID,
		&q.Description,
		&q.IsActive,
		&q.SenderQualifier,
		&maxAtStartup,
		&idleGreen,
		&idleRed,
		&external,
		&extErr,
		&dbErr,
		&q.CreatedAt,
		&q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if maxAtStartup != nil {
		v := int(*maxAtStartup)
		q.MaxMessageAtStartup = &v
	}
	q.TimeoutIdleGreen = fromMillis(idleGreen)
	q.TimeoutIdleRed = fromMillis(idleRed)
	q.TimeoutExternal = fromMillis(external)
	q.WaitAfterExtError = fromMillis(extErr)
	q.WaitAfterDBErrors = fromMillis(dbErr)
	return &q, nil
}

func nullableStatus(s domain.ExportStatus) *string {
	if s == domain.ExportStatusNone {
		return nil
	}
	v := string(s)
	return &v
}

func toMillis(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func fromMillis(ms *int64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d
}

// whereBuilder joins conditions with AND, numbering "?" placeholders.
type whereBuilder struct {
	conds []string
	args  []any
}

func (b *whereBuilder) add(cond string, args ...any) {
	for _, arg := range args {
		b.args = append(b.args, arg)
		cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(b.args)), 1)
	}
	b.conds = append(b.conds, cond)
}

func (b *whereBuilder) limit(n int) string {
	b.args = append(b.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(b.args))
}

func (b *whereBuilder) where() string {
	if len(b.conds) == 0 {
		return "TRUE"
	}
	return strings.Join(b.conds, " AND ")
}
