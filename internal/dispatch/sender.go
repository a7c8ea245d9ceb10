package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/bissquit/async-dispatch/internal/domain"
)

// Sender delivers messages of one queue to their receivers.
// A worker owns its sender and calls it from a single goroutine.
type Sender interface {
	Init(cfg QueueConfig) error
	Send(ctx context.Context, req SendRequest) (*SendResponse, error)
	Close() error
}

// SendRequest is a single delivery attempt.
type SendRequest struct {
	Channel        domain.Channel
	Message        *InMemoryMessage
	IdempotencyKey string
}

// SendResponse is what the receiver answered.
type SendResponse struct {
	HTTPCode     int
	ReturnCode   *int
	Reference    string
	ErrorDetails string
}

// Succeeded reports whether the receiver accepted the message.
func (r *SendResponse) Succeeded() bool {
	return r.HTTPCode >= 200 && r.HTTPCode < 300
}

// SenderFactory creates a sender for one queue.
type SenderFactory func() Sender

// SenderRegistry maps sender qualifiers to factories. Qualifiers are
// matched case-insensitively and stored upper-cased.
type SenderRegistry struct {
	mu        sync.RWMutex
	factories map[string]SenderFactory
}

// NewSenderRegistry creates an empty registry.
func NewSenderRegistry() *SenderRegistry {
	return &SenderRegistry{factories: make(map[string]SenderFactory)}
}

// Register adds a factory, replacing any previous one for the qualifier.
func (r *SenderRegistry) Register(qualifier string, factory SenderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[canonicalQualifier(qualifier)] = factory
}

// New creates a sender for qualifier.
func (r *SenderRegistry) New(qualifier string) (Sender, error) {
	r.mu.RLock()
	factory, ok := r.factories[canonicalQualifier(qualifier)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSender, qualifier)
	}
	return factory(), nil
}

// Qualifiers lists the registered qualifiers in sorted order.
func (r *SenderRegistry) Qualifiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func canonicalQualifier(q string) string {
	return cases.Upper(language.Und).String(strings.TrimSpace(q))
}
