package dispatch

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bissquit/async-dispatch/internal/domain"
)

// InMemoryMessage is the in-flight representation of a message held by a worker.
type InMemoryMessage struct {
	ID          int64
	TenantID    string
	ChannelID   string
	PayloadType string
	Payload     json.RawMessage
}

func inMemoryFromRow(m *domain.Message) *InMemoryMessage {
	return &InMemoryMessage{
		ID:          m.ID,
		TenantID:    m.TenantID,
		ChannelID:   m.ChannelID,
		PayloadType: m.PayloadType,
		Payload:     m.Payload,
	}
}

// Buffer is an unbounded FIFO of in-flight messages. Put never blocks;
// PeekWait and Take block until an element is available or ctx is done.
type Buffer struct {
	mu    sync.Mutex
	items []*InMemoryMessage
	ready chan struct{}
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{ready: make(chan struct{}, 1)}
}

// Put appends m to the tail.
func (b *Buffer) Put(m *InMemoryMessage) {
	b.mu.Lock()
	b.items = append(b.items, m)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// Peek returns the head without removing it, or nil if the buffer is empty.
func (b *Buffer) Peek() *InMemoryMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	return b.items[0]
}

// Poll removes and returns the head, or nil if the buffer is empty.
func (b *Buffer) Poll() *InMemoryMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	head := b.items[0]
	b.items[0] = nil
	b.items = b.items[1:]
	return head
}

// RemoveHead removes the head only if it is m. It reports false when the
// buffer was cleared or m is no longer first.
func (b *Buffer) RemoveHead(m *InMemoryMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 || b.items[0] != m {
		return false
	}
	b.items[0] = nil
	b.items = b.items[1:]
	return true
}

// PeekWait blocks until the buffer has a head and returns it without removing it.
func (b *Buffer) PeekWait(ctx context.Context) (*InMemoryMessage, error) {
	for {
		if m := b.Peek(); m != nil {
			return m, nil
		}
		select {
		case <-b.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Take blocks until the buffer has a head and removes it.
func (b *Buffer) Take(ctx context.Context) (*InMemoryMessage, error) {
	for {
		if m := b.Poll(); m != nil {
			return m, nil
		}
		select {
		case <-b.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Clear drops every buffered message and returns how many were dropped.
func (b *Buffer) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.items)
	b.items = nil
	return n
}

// Len returns the number of buffered messages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Ready is signalled after a Put. A signal may be stale by the time it is received.
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}
