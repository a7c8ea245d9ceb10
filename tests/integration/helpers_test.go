//go:build integration

package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/async-dispatch/internal/domain"
	"github.com/bissquit/async-dispatch/internal/testutil"
)

// newTestClient returns a validating client authenticated as role within tenantID.
func newTestClient(t *testing.T, tenantID string, role domain.Role) *testutil.Client {
	t.Helper()
	token, err := testAuth.IssueToken("integration-test", tenantID, role)
	require.NoError(t, err)

	client := testutil.NewClientWithValidator(testServer.URL, testValidator).WithToken(token)
	client.SetT(t)
	return client
}

func newTenant() string {
	return "tenant-" + uuid.NewString()[:8]
}

func uniqueID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// createQueue stores an active queue using qualifier and returns its id.
func createQueue(t *testing.T, qualifier string) string {
	t.Helper()
	q := &domain.Queue{
		ID:              uniqueID("q"),
		IsActive:        true,
		SenderQualifier: qualifier,
	}
	require.NoError(t, testRepo.SaveQueue(context.Background(), q))
	return q.ID
}

// createChannel stores an active channel of tenantID routed to queueID.
func createChannel(t *testing.T, tenantID, queueID, url string, policy domain.IdempotencyPolicy) string {
	t.Helper()
	ch := &domain.Channel{
		ID:                uniqueID("ch"),
		TenantID:          tenantID,
		QueueID:           queueID,
		IsActive:          true,
		URL:               url,
		AuthParam:         "Bearer receiver-token",
		IdempotencyPolicy: policy,
	}
	require.NoError(t, testRepo.SaveChannel(context.Background(), ch))
	return ch.ID
}

// openQueue starts the worker of queueID and stops it when the test ends.
func openQueue(t *testing.T, queueID string) {
	t.Helper()
	admin := newTestClient(t, newTenant(), domain.RoleAdmin)

	resp, err := admin.POST("/api/v1/queues/"+queueID+"/open", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, testutil.ReadBody(t, resp))
	_ = resp.Body.Close()

	// Hand-offs are skipped until the first refill turns the gate GREEN.
	require.Eventually(t, func() bool {
		return testTransmitter.QueueStatus(queueID).IsGreen
	}, 5*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		_ = testTransmitter.CloseQueue(context.Background(), queueID)
	})
}

// transmit posts payload to channelID and returns the message id.
func transmit(t *testing.T, client *testutil.Client, channelID string, body map[string]any) int64 {
	t.Helper()
	resp, err := client.POST("/api/v1/channels/"+channelID+"/messages", body)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var result struct {
		Data struct {
			MessageID int64 `json:"message_id"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	require.NotZero(t, result.Data.MessageID)
	return result.Data.MessageID
}

func getMessage(t *testing.T, id int64) *domain.Message {
	t.Helper()
	m, err := testRepo.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return m
}

// receivedRequest is one request captured by a receiver.
type receivedRequest struct {
	Body           string
	IdempotencyKey string
	Authorization  string
	PayloadType    string
}

// receiver is a channel endpoint answering with scripted status codes.
type receiver struct {
	*httptest.Server

	mu       sync.Mutex
	statuses []int
	fallback int
	requests []receivedRequest
}

// newReceiver answers with statuses in order, then with fallback.
func newReceiver(t *testing.T, fallback int, statuses ...int) *receiver {
	t.Helper()
	r := &receiver{statuses: statuses, fallback: fallback}
	r.Server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.Close)
	return r
}

func (r *receiver) handle(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)

	r.mu.Lock()
	r.requests = append(r.requests, receivedRequest{
		Body:           string(body),
		IdempotencyKey: req.Header.Get("Idempotency-Key"),
		Authorization:  req.Header.Get("Authorization"),
		PayloadType:    req.Header.Get("X-Payload-Type"),
	})
	status := r.fallback
	if len(r.statuses) > 0 {
		status = r.statuses[0]
		r.statuses = r.statuses[1:]
	}
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.Copy(w, strings.NewReader(`{"reference":"rcv-1","return_code":0}`))
}

func (r *receiver) received() []receivedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]receivedRequest(nil), r.requests...)
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}
