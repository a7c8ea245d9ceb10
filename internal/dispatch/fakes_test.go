package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/async-dispatch/internal/domain"
)

const testTenant = "tenant-1"

// memStore is an in-memory Store.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	messages map[int64]*domain.Message
	queues   map[string]domain.Queue
	channels map[channelKey]domain.Channel

	findErrs      []error
	findCalls     int
	updateErr     error
	updateCalls   int
	channelLoads  int
	channelLoadFn func(tenantID, channelID string) error
}

func newMemStore() *memStore {
	return &memStore{
		nextID:   100,
		messages: make(map[int64]*domain.Message),
		queues:   make(map[string]domain.Queue),
		channels: make(map[channelKey]domain.Channel),
	}
}

func (s *memStore) addQueue(q domain.Queue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[q.ID] = q
}

func (s *memStore) addChannel(ch domain.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.TenantID == "" {
		ch.TenantID = testTenant
	}
	s.channels[channelKey{tenantID: ch.TenantID, channelID: ch.ID}] = ch
}

// seed stores pending messages for queueID on channelID and returns their ids.
func (s *memStore) seed(queueID, channelID string, n int) []int64 {
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, _ := s.NextMessageID(context.Background())
		_ = s.CreateMessage(context.Background(), &domain.Message{
			ID:        id,
			TenantID:  testTenant,
			ChannelID: channelID,
			QueueID:   queueID,
			Payload:   []byte(`{}`),
			Status:    domain.ExportStatusReadyToExport,
		})
		ids = append(ids, id)
	}
	return ids
}

func (s *memStore) message(id int64) *domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

func (s *memStore) loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelLoads
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *memStore) failFind(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findErrs = append(s.findErrs, errs...)
}

func (s *memStore) findCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findCalls
}

func (s *memStore) NextMessageID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

func (s *memStore) CreateMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	cp.CreatedAt = time.Now()
	s.messages[m.ID] = &cp
	return nil
}

func (s *memStore) pendingSorted(match func(*domain.Message) bool) []*domain.Message {
	var out []*domain.Message
	for _, m := range s.messages {
		if m.Status.IsPending() && match(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) FindPendingByQueue(_ context.Context, queueID string, limit int) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findCalls++
	if len(s.findErrs) > 0 {
		err := s.findErrs[0]
		s.findErrs = s.findErrs[1:]
		return nil, err
	}
	out := s.pendingSorted(func(m *domain.Message) bool { return m.QueueID == queueID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) UpdateOutcome(_ context.Context, id int64, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	if s.updateErr != nil {
		return s.updateErr
	}
	m, ok := s.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	if m.Status == domain.ExportStatusNone {
		return ErrMessageNotScheduled
	}
	now := time.Now()
	m.Status = o.Status
	m.Attempts++
	m.LastAttempt = &now
	m.HTTPResponseCode = o.HTTPCode
	m.ReturnCode = o.ReturnCode
	m.Reference = o.Reference
	m.ErrorDetails = o.ErrorDetails
	return nil
}

func (s *memStore) ClearSchedule(_ context.Context, tenantID string, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.TenantID != tenantID {
		return false, ErrMessageNotFound
	}
	if !m.Status.IsPending() {
		return false, nil
	}
	m.Status = domain.ExportStatusNone
	m.LastAttempt = nil
	return true, nil
}

func (s *memStore) ListActiveQueues(context.Context) ([]domain.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Queue
	for _, q := range s.queues {
		if q.IsActive {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetQueue(_ context.Context, id string) (*domain.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return nil, ErrQueueNotFound
	}
	return &q, nil
}

func (s *memStore) GetChannel(_ context.Context, tenantID, channelID string) (*domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelLoads++
	if s.channelLoadFn != nil {
		if err := s.channelLoadFn(tenantID, channelID); err != nil {
			return nil, err
		}
	}
	ch, ok := s.channels[channelKey{tenantID: tenantID, channelID: channelID}]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return &ch, nil
}

func (s *memStore) RescheduleMessages(_ context.Context, f RetryFilter) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := domain.ExportStatusResponseError
	if f.Unsent {
		want = domain.ExportStatusReadyToExport
	}
	var out []*domain.Message
	ids := make([]int64, 0, len(s.messages))
	for id := range s.messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		m := s.messages[id]
		switch {
		case m.Status != want,
			f.Unsent && m.LastAttempt != nil,
			f.CreatedAfter != nil && m.CreatedAt.Before(*f.CreatedAfter),
			f.CreatedBefore != nil && !m.CreatedAt.Before(*f.CreatedBefore),
			f.TenantID != "" && m.TenantID != f.TenantID,
			f.QueueID != "" && m.QueueID != f.QueueID,
			f.ChannelID != "" && m.ChannelID != f.ChannelID,
			f.MinAttempts != nil && m.Attempts < *f.MinAttempts,
			f.MaxAttempts != nil && m.Attempts > *f.MaxAttempts,
			f.HTTPCode != nil && (m.HTTPResponseCode == nil || *m.HTTPResponseCode != *f.HTTPCode):
			continue
		}
		if f.MaxCount > 0 && len(out) >= f.MaxCount {
			break
		}
		m.Status = domain.ExportStatusReadyToExport
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) ListPending(_ context.Context, f FlushFilter) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingSorted(func(m *domain.Message) bool {
		return (f.TenantID == "" || m.TenantID == f.TenantID) &&
			(f.QueueID == "" || m.QueueID == f.QueueID) &&
			(f.ChannelID == "" || m.ChannelID == f.ChannelID)
	}), nil
}

func (s *memStore) MarkDone(_ context.Context, ids []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if m, ok := s.messages[id]; ok && m.Status.IsPending() {
			m.Status = domain.ExportStatusResponseOK
			n++
		}
	}
	return n, nil
}

func (s *memStore) GetQueueStats(context.Context) ([]QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[[2]string]int64)
	for _, m := range s.messages {
		counts[[2]string{m.QueueID, string(m.Status)}]++
	}
	out := make([]QueueStats, 0, len(counts))
	for k, n := range counts {
		out = append(out, QueueStats{QueueID: k[0], Status: domain.ExportStatus(k[1]), Count: n})
	}
	return out, nil
}

// scriptedSender answers with queued results, then with 200.
type scriptedSender struct {
	mu      sync.Mutex
	results []sendResult
	calls   []sendCall
	inited  QueueConfig

	// gate, when set, blocks every Send until it is closed or ctx is done.
	gate    chan struct{}
	started chan int64

	closed atomic.Int32
}

type sendResult struct {
	code  int
	err   error
	panic bool
}

type sendCall struct {
	id  int64
	key string
	at  time.Time
}

func newScriptedSender(results ...sendResult) *scriptedSender {
	return &scriptedSender{results: results, started: make(chan int64, 100)}
}

func (s *scriptedSender) Init(cfg QueueConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inited = cfg
	return nil
}

func (s *scriptedSender) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, sendCall{id: req.Message.ID, key: req.IdempotencyKey, at: time.Now()})
	res := sendResult{code: http.StatusOK}
	if len(s.results) > 0 {
		res = s.results[0]
		s.results = s.results[1:]
	}
	gate := s.gate
	s.mu.Unlock()

	select {
	case s.started <- req.Message.ID:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if res.panic {
		panic("sender exploded")
	}
	if res.err != nil {
		return nil, res.err
	}
	return &SendResponse{HTTPCode: res.code, Reference: "ref"}, nil
}

func (s *scriptedSender) Close() error {
	s.closed.Add(1)
	return nil
}

func (s *scriptedSender) block() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
	return s.gate
}

func (s *scriptedSender) callIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, len(s.calls))
	for i, c := range s.calls {
		ids[i] = c.id
	}
	return ids
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedSender) callsSnapshot() []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sendCall(nil), s.calls...)
}

var errTransport = errors.New("connection reset")
