//go:build integration

package integration

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/async-dispatch/internal/dispatch"
	"github.com/bissquit/async-dispatch/internal/domain"
)

// seedMessages stores n READY_TO_EXPORT messages for queueID and returns their ids.
func seedMessages(t *testing.T, tenantID, channelID, queueID string, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := testRepo.NextMessageID(ctx)
		require.NoError(t, err)
		require.NoError(t, testRepo.CreateMessage(ctx, &domain.Message{
			ID:          id,
			TenantID:    tenantID,
			ChannelID:   channelID,
			QueueID:     queueID,
			PayloadType: "json",
			Payload:     []byte(`{"n":1}`),
			Status:      domain.ExportStatusReadyToExport,
			RefType:     "ORDER",
			Ref:         int64(i),
		}))
		ids = append(ids, id)
	}
	return ids
}

func TestRepository_MessageLifecycle(t *testing.T) {
	ctx := context.Background()
	tenant := newTenant()
	queueID := createQueue(t, "LOG")
	channelID := createChannel(t, tenant, queueID, "", domain.IdempotencyNone)

	ids := seedMessages(t, tenant, channelID, queueID, 3)
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])

	m := getMessage(t, ids[0])
	assert.Equal(t, tenant, m.TenantID)
	assert.Equal(t, domain.ExportStatusReadyToExport, m.Status)
	assert.JSONEq(t, `{"n":1}`, string(m.Payload))
	assert.Zero(t, m.Attempts)
	assert.Nil(t, m.LastAttempt)

	pending, err := testRepo.FindPendingByQueue(ctx, queueID, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID)
	assert.Equal(t, ids[1], pending[1].ID)

	code := http.StatusOK
	longRef := strings.Repeat("r", 400)
	require.NoError(t, testRepo.UpdateOutcome(ctx, ids[0], dispatch.Outcome{
		Status:       domain.ExportStatusResponseOK,
		HTTPCode:     &code,
		Reference:    &longRef,
		ResponseTime: 15 * time.Millisecond,
	}))

	m = getMessage(t, ids[0])
	assert.Equal(t, domain.ExportStatusResponseOK, m.Status)
	assert.Equal(t, 1, m.Attempts)
	require.NotNil(t, m.LastAttempt)
	require.NotNil(t, m.Reference)
	assert.Len(t, *m.Reference, dispatch.MaxReferenceLength)
	require.NotNil(t, m.LastResponseTime)
	assert.Equal(t, 15, *m.LastResponseTime)

	pending, err = testRepo.FindPendingByQueue(ctx, queueID, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "delivered messages are not pending")

	err = testRepo.UpdateOutcome(ctx, 1<<62, dispatch.Outcome{Status: domain.ExportStatusResponseOK})
	assert.ErrorIs(t, err, dispatch.ErrMessageNotFound)
}

func TestRepository_ClearSchedule(t *testing.T) {
	ctx := context.Background()
	tenant := newTenant()
	queueID := createQueue(t, "LOG")
	channelID := createChannel(t, tenant, queueID, "", domain.IdempotencyNone)
	ids := seedMessages(t, tenant, channelID, queueID, 2)

	code := http.StatusBadGateway
	require.NoError(t, testRepo.UpdateOutcome(ctx, ids[0], dispatch.Outcome{
		Status:   domain.ExportStatusResponseError,
		HTTPCode: &code,
	}))

	_, err := testRepo.ClearSchedule(ctx, newTenant(), ids[0])
	assert.ErrorIs(t, err, dispatch.ErrMessageNotFound, "other tenants cannot see the message")
	assert.Equal(t, domain.ExportStatusResponseError, getMessage(t, ids[0]).Status)

	cleared, err := testRepo.ClearSchedule(ctx, tenant, ids[0])
	require.NoError(t, err)
	assert.True(t, cleared)

	m := getMessage(t, ids[0])
	assert.Equal(t, domain.ExportStatusNone, m.Status)
	assert.Nil(t, m.LastAttempt)
	assert.Equal(t, 1, m.Attempts)

	cleared, err = testRepo.ClearSchedule(ctx, tenant, ids[0])
	require.NoError(t, err)
	assert.False(t, cleared)

	require.NoError(t, testRepo.UpdateOutcome(ctx, ids[1], dispatch.Outcome{Status: domain.ExportStatusResponseOK}))
	cleared, err = testRepo.ClearSchedule(ctx, tenant, ids[1])
	require.NoError(t, err)
	assert.False(t, cleared)
	assert.Equal(t, domain.ExportStatusResponseOK, getMessage(t, ids[1]).Status)

	_, err = testRepo.ClearSchedule(ctx, tenant, 1<<62)
	assert.ErrorIs(t, err, dispatch.ErrMessageNotFound)
}

func TestRepository_RescheduleAndFlush(t *testing.T) {
	ctx := context.Background()
	tenant := newTenant()
	queueID := createQueue(t, "LOG")
	channelID := createChannel(t, tenant, queueID, "", domain.IdempotencyNone)
	ids := seedMessages(t, tenant, channelID, queueID, 4)

	bad, worse := http.StatusBadGateway, http.StatusInternalServerError
	for i, code := range []*int{&bad, &bad, &worse} {
		require.NoError(t, testRepo.UpdateOutcome(ctx, ids[i], dispatch.Outcome{
			Status:   domain.ExportStatusResponseError,
			HTTPCode: code,
		}))
	}

	rows, err := testRepo.RescheduleMessages(ctx, dispatch.RetryFilter{
		TenantID: tenant,
		QueueID:  queueID,
		HTTPCode: &bad,
		MaxCount: 1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ids[0], rows[0].ID)
	assert.Equal(t, domain.ExportStatusReadyToExport, getMessage(t, ids[0]).Status)
	assert.Equal(t, domain.ExportStatusResponseError, getMessage(t, ids[1]).Status)

	rows, err = testRepo.RescheduleMessages(ctx, dispatch.RetryFilter{TenantID: tenant, QueueID: queueID})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	pending, err := testRepo.ListPending(ctx, dispatch.FlushFilter{TenantID: tenant, QueueID: queueID})
	require.NoError(t, err)
	require.Len(t, pending, 4)

	done, err := testRepo.MarkDone(ctx, []int64{ids[0], ids[1]})
	require.NoError(t, err)
	assert.Equal(t, int64(2), done)

	pending, err = testRepo.ListPending(ctx, dispatch.FlushFilter{TenantID: tenant, ChannelID: channelID})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	stats, err := testRepo.GetQueueStats(ctx)
	require.NoError(t, err)
	counts := map[domain.ExportStatus]int64{}
	for _, s := range stats {
		if s.QueueID == queueID {
			counts[s.Status] = s.Count
		}
	}
	assert.Equal(t, int64(2), counts[domain.ExportStatusResponseOK])
	assert.Equal(t, int64(2), counts[domain.ExportStatusReadyToExport])
}

func TestRepository_RescheduleUnsent(t *testing.T) {
	ctx := context.Background()
	tenant := newTenant()
	queueID := createQueue(t, "LOG")
	channelID := createChannel(t, tenant, queueID, "", domain.IdempotencyNone)
	ids := seedMessages(t, tenant, channelID, queueID, 2)

	// ids[0] failed once and was rescheduled: READY_TO_EXPORT with an attempt on record.
	code := http.StatusBadGateway
	require.NoError(t, testRepo.UpdateOutcome(ctx, ids[0], dispatch.Outcome{
		Status:   domain.ExportStatusResponseError,
		HTTPCode: &code,
	}))
	rows, err := testRepo.RescheduleMessages(ctx, dispatch.RetryFilter{TenantID: tenant, QueueID: queueID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, getMessage(t, ids[0]).LastAttempt)

	rows, err = testRepo.RescheduleMessages(ctx, dispatch.RetryFilter{TenantID: tenant, QueueID: queueID, Unsent: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ids[1], rows[0].ID)

	future := time.Now().Add(time.Hour)
	rows, err = testRepo.RescheduleMessages(ctx, dispatch.RetryFilter{
		TenantID:     tenant,
		QueueID:      queueID,
		Unsent:       true,
		CreatedAfter: &future,
	})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRepository_QueuesAndChannels(t *testing.T) {
	ctx := context.Background()
	tenant := newTenant()

	batch := 7
	idle := 150 * time.Millisecond
	q := &domain.Queue{
		ID:                  uniqueID("q"),
		IsActive:            true,
		MaxMessageAtStartup: &batch,
		TimeoutIdleGreen:    &idle,
	}
	require.NoError(t, testRepo.SaveQueue(ctx, q))

	got, err := testRepo.GetQueue(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, "", got.SenderQualifier)
	require.NotNil(t, got.MaxMessageAtStartup)
	assert.Equal(t, 7, *got.MaxMessageAtStartup)
	require.NotNil(t, got.TimeoutIdleGreen)
	assert.Equal(t, idle, *got.TimeoutIdleGreen)
	assert.Nil(t, got.TimeoutExternal)

	cfg := dispatch.DefaultSettings().Merge(*got)
	assert.Equal(t, dispatch.DefaultSenderQualifier, cfg.SenderQualifier)
	assert.Equal(t, 7, cfg.MaxMessageAtStartup)

	active, err := testRepo.ListActiveQueues(ctx)
	require.NoError(t, err)
	assert.Contains(t, queueIDs(active), q.ID)

	_, err = testRepo.GetQueue(ctx, "missing-queue")
	assert.ErrorIs(t, err, dispatch.ErrQueueNotFound)

	ch := &domain.Channel{
		ID:                uniqueID("ch"),
		TenantID:          tenant,
		QueueID:           q.ID,
		IsActive:          true,
		URL:               "https://example.com/hook",
		Timeout:           3 * time.Second,
		IdempotencyPolicy: domain.IdempotencyUUID,
		IdempotencyHeader: "X-Request-Id",
	}
	require.NoError(t, testRepo.SaveChannel(ctx, ch))

	gotCh, err := testRepo.GetChannel(ctx, tenant, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, q.ID, gotCh.QueueID)
	assert.Equal(t, 3*time.Second, gotCh.Timeout)
	assert.Equal(t, domain.IdempotencyUUID, gotCh.IdempotencyPolicy)

	_, err = testRepo.GetChannel(ctx, newTenant(), ch.ID)
	assert.ErrorIs(t, err, dispatch.ErrChannelNotFound, "channels are scoped by tenant")
}

func TestRepository_InTx(t *testing.T) {
	ctx := context.Background()
	tenant := newTenant()
	queueID := createQueue(t, "LOG")
	channelID := createChannel(t, tenant, queueID, "", domain.IdempotencyNone)

	write := func(uow *dispatch.UnitOfWork) int64 {
		id, err := testRepo.NextMessageID(ctx)
		require.NoError(t, err)
		require.NoError(t, uow.Writer().CreateMessage(ctx, &domain.Message{
			ID:        id,
			TenantID:  tenant,
			ChannelID: channelID,
			QueueID:   queueID,
			Payload:   []byte(`{}`),
			Status:    domain.ExportStatusReadyToExport,
		}))
		return id
	}

	var committedID int64
	hookRan := false
	err := testRepo.InTx(ctx, func(_ context.Context, uow *dispatch.UnitOfWork) error {
		committedID = write(uow)
		uow.AfterCommit(func() { hookRan = true })
		return nil
	})
	require.NoError(t, err)
	assert.True(t, hookRan)
	assert.Equal(t, domain.ExportStatusReadyToExport, getMessage(t, committedID).Status)

	var rolledBackID int64
	hookRan = false
	errRollback := errors.New("rollback")
	err = testRepo.InTx(ctx, func(_ context.Context, uow *dispatch.UnitOfWork) error {
		rolledBackID = write(uow)
		uow.AfterCommit(func() { hookRan = true })
		return errRollback
	})
	assert.ErrorIs(t, err, errRollback)
	assert.False(t, hookRan)

	_, err = testRepo.GetMessage(ctx, rolledBackID)
	assert.ErrorIs(t, err, dispatch.ErrMessageNotFound)
}

func queueIDs(queues []domain.Queue) []string {
	ids := make([]string, len(queues))
	for i, q := range queues {
		ids[i] = q.ID
	}
	return ids
}
