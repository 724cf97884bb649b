package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus adapts a NATS connection to the Bus interface. NATS subject syntax
// is the same `*` and `>` grammar, so patterns are passed through unchanged.
type NATSBus struct {
	conn   *nats.Conn
	buffer int
	logger *slog.Logger
}

// NATSConfig configures NewNATSBus.
type NATSConfig struct {
	URL    string
	Name   string
	Buffer int
	Logger *slog.Logger
}

// NewNATSBus connects to a NATS server.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "flowhub"
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	return NewNATSBusFromConn(conn, cfg.Buffer, logger), nil
}

// NewNATSBusFromConn wraps an existing connection.
func NewNATSBusFromConn(conn *nats.Conn, buffer int, logger *slog.Logger) *NATSBus {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{conn: conn, buffer: buffer, logger: logger}
}

// Publish sends payload with the correlation id in the message header.
func (b *NATSBus) Publish(ctx context.Context, subject string, payload []byte, correlationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Data = payload
	if correlationID != "" {
		msg.Header.Set(CorrelationHeader, correlationID)
	}
	return b.conn.PublishMsg(msg)
}

// Subscribe relays matching NATS messages onto a channel. Messages are
// dropped when the channel is full, like MemoryBus.
func (b *NATSBus) Subscribe(ctx context.Context, pattern string) (<-chan Message, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := ValidatePattern(pattern); err != nil {
		return nil, nil, err
	}

	ch := make(chan Message, b.buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	sub, err := b.conn.Subscribe(pattern, func(m *nats.Msg) {
		msg := Message{Subject: m.Subject, Payload: m.Data}
		if m.Header != nil {
			msg.CorrelationID = m.Header.Get(CorrelationHeader)
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- msg:
		default:
			b.logger.Warn("bus subscriber full, dropping message", slog.String("subject", m.Subject))
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
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

// Close drains the connection.
func (b *NATSBus) Close() error {
	return b.conn.Drain()
}

var _ Bus = (*NATSBus)(nil)
