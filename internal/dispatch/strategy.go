package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bissquit/async-dispatch/internal/domain"
)

// Strategy decides what happens to messages handed to the transmitter.
type Strategy interface {
	Name() string
	// RequiresPersistence reports whether accepted messages must be stored.
	RequiresPersistence() bool
	Start(ctx context.Context) error
	// SendAsync hands msg to the queue serving its channel and returns that
	// queue id, or "" if the message is discarded.
	SendAsync(ctx context.Context, uow *UnitOfWork, msg *InMemoryMessage) (string, error)
	Open(ctx context.Context, q domain.Queue) error
	CloseQueue(ctx context.Context, queueID string) error
	ClearQueue(queueID string) (int, error)
	QueueStatus(queueID string) QueueStatus
	Close(ctx context.Context) error
}

// StrategyFactory builds a strategy.
type StrategyFactory func() Strategy

// StrategyRegistry maps strategy names to factories.
type StrategyRegistry struct {
	mu        sync.RWMutex
	factories map[string]StrategyFactory
}

// NewStrategyRegistry creates a registry with the noop strategy registered.
func NewStrategyRegistry() *StrategyRegistry {
	r := &StrategyRegistry{factories: make(map[string]StrategyFactory)}
	r.Register(StrategyNoop, func() Strategy { return NoopStrategy{} })
	return r
}

// Register adds a factory, replacing any previous one with the same name.
func (r *StrategyRegistry) Register(name string, factory StrategyFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// New builds the strategy registered under name.
func (r *StrategyRegistry) New(name string) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownStrategy, name, r.names())
	}
	return factory(), nil
}

func (r *StrategyRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NoopStrategy accepts and discards every message.
type NoopStrategy struct{}

func (NoopStrategy) Name() string                   { return StrategyNoop }
func (NoopStrategy) RequiresPersistence() bool      { return false }
func (NoopStrategy) Start(context.Context) error    { return nil }
func (NoopStrategy) Close(context.Context) error    { return nil }
func (NoopStrategy) ClearQueue(string) (int, error) { return 0, nil }

func (NoopStrategy) SendAsync(context.Context, *UnitOfWork, *InMemoryMessage) (string, error) {
	return "", nil
}

func (NoopStrategy) Open(context.Context, domain.Queue) error { return nil }

func (NoopStrategy) CloseQueue(context.Context, string) error { return nil }

func (NoopStrategy) QueueStatus(queueID string) QueueStatus {
	return QueueStatus{QueueID: queueID}
}
