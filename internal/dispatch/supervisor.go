package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bissquit/async-dispatch/internal/domain"
)

// Supervisor runs one worker per open queue and routes hand-offs to them.
type Supervisor struct {
	settings Settings
	store    Store
	channels *ChannelCache
	senders  *SenderRegistry

	mu      sync.RWMutex
	workers map[string]*worker
}

// NewSupervisor creates a supervisor with no open queues.
func NewSupervisor(settings Settings, store Store, channels *ChannelCache, senders *SenderRegistry) *Supervisor {
	return &Supervisor{
		settings: settings,
		store:    store,
		channels: channels,
		senders:  senders,
		workers:  make(map[string]*worker),
	}
}

// Name returns the strategy name.
func (s *Supervisor) Name() string {
	return StrategyLTQ
}

// RequiresPersistence is always true: the store is the source of truth for every queue.
func (s *Supervisor) RequiresPersistence() bool {
	return true
}

// Start opens every active queue. A queue that fails to open is logged and skipped.
func (s *Supervisor) Start(ctx context.Context) error {
	queues, err := s.store.ListActiveQueues(ctx)
	if err != nil {
		return fmt.Errorf("list active queues: %w", err)
	}

	opened := 0
	for _, q := range queues {
		if err := s.Open(ctx, q); err != nil {
			slog.Error("failed to open queue", "queue_id", q.ID, "error", err)
			continue
		}
		opened++
	}

	slog.Info("queue supervisor started", "queues", opened, "configured", len(queues))
	return nil
}

// Open starts a worker for q. Opening a running queue is a no-op.
func (s *Supervisor) Open(_ context.Context, q domain.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[q.ID]; ok {
		return nil
	}

	cfg := s.settings.Merge(q)
	sender, err := s.senders.New(cfg.SenderQualifier)
	if err != nil {
		return fmt.Errorf("open queue %s: %w", q.ID, err)
	}
	if err := sender.Init(cfg); err != nil {
		return fmt.Errorf("init sender for queue %s: %w", q.ID, err)
	}

	w := newWorker(cfg, s.store, s.channels, sender)
	s.workers[q.ID] = w
	w.start()
	return nil
}

// CloseQueue stops one queue and waits for its worker to exit.
func (s *Supervisor) CloseQueue(_ context.Context, queueID string) error {
	s.mu.Lock()
	w, ok := s.workers[queueID]
	delete(s.workers, queueID)
	s.mu.Unlock()

	if !ok {
		return ErrQueueNotRunning
	}
	w.stop(w.cfg.ShutdownTimeout)
	return nil
}

// Close stops every queue in parallel.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	workers := s.workers
	s.workers = make(map[string]*worker)
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			w.stop(w.cfg.ShutdownTimeout)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("close queues: %w", err)
	}

	slog.Info("queue supervisor stopped", "queues", len(workers))
	return nil
}

// ClearQueue drops the buffer of queueID, or of every queue if queueID is empty.
func (s *Supervisor) ClearQueue(queueID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if queueID == "" {
		total := 0
		for _, w := range s.workers {
			total += w.clear()
		}
		return total, nil
	}

	w, ok := s.workers[queueID]
	if !ok {
		return 0, ErrQueueNotRunning
	}
	return w.clear(), nil
}

// QueueStatus reports the state of queueID. A queue that is not open reports Running false.
func (s *Supervisor) QueueStatus(queueID string) QueueStatus {
	s.mu.RLock()
	w, ok := s.workers[queueID]
	s.mu.RUnlock()

	if !ok {
		return QueueStatus{QueueID: queueID}
	}
	return w.status()
}

// SendAsync routes msg to the queue of its channel.
func (s *Supervisor) SendAsync(ctx context.Context, uow *UnitOfWork, msg *InMemoryMessage) (string, error) {
	channel, err := s.channels.Get(ctx, msg.TenantID, msg.ChannelID)
	if err != nil {
		return "", fmt.Errorf("resolve channel %s: %w", msg.ChannelID, err)
	}

	if !channel.IsActive || channel.QueueID == "" {
		slog.Debug("discarding message for inactive or unassociated channel",
			"message_id", msg.ID,
			"channel_id", msg.ChannelID,
		)
		return "", nil
	}

	s.mu.RLock()
	w, ok := s.workers[channel.QueueID]
	s.mu.RUnlock()

	if ok {
		w.handOff(uow, msg)
	}
	return channel.QueueID, nil
}
