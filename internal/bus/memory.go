package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 256

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// subscriber holds a channel and pattern for a single subscriber.
type subscriber struct {
	ch      chan Message
	pattern string
}

// MemoryBus is an in-process Bus implementation using channels.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	seq    atomic.Uint64
	buffer int
	closed bool
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) MemoryOption {
	return func(b *MemoryBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewMemoryBus creates a new MemoryBus.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		subs:   make(map[uint64]*subscriber),
		buffer: defaultChannelBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends a message to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the message is dropped.
func (b *MemoryBus) Publish(ctx context.Context, subject string, payload []byte, correlationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateSubject(subject); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg := Message{Subject: subject, Payload: payload, CorrelationID: correlationID}
	for _, sub := range b.subs {
		if !Match(sub.pattern, subject) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// backpressure: drop message for slow subscriber
		}
	}
	return nil
}

// Subscribe creates a new subscription for pattern.
// Returns a receive-only channel, a cancel function, and any error.
func (b *MemoryBus) Subscribe(ctx context.Context, pattern string) (<-chan Message, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := ValidatePattern(pattern); err != nil {
		return nil, nil, err
	}

	id := b.seq.Add(1)
	ch := make(chan Message, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	b.subs[id] = &subscriber{ch: ch, pattern: pattern}
	b.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return ch, cancel, nil
}

// Close closes every subscription channel and rejects further use.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
