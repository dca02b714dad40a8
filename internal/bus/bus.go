// Package bus connects the chat channels to the command gateway.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"adrelay/internal/domain"
)

const (
	defaultBufferSize     = 100
	defaultPublishTimeout = 10 * time.Second
)

// Config configures an InMemoryBus.
type Config struct {
	BufferSize     int           // queued commands before Publish blocks
	PublishTimeout time.Duration // how long Publish waits on a full queue
	Logger         *slog.Logger
}

// InMemoryBus queues chat commands for the gateway and hands each reply to the
// channel that owns the chat.
type InMemoryBus struct {
	inbound chan domain.InboundMessage
	done    chan struct{}
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	handlers map[string]func(domain.OutboundMessage)

	refused atomic.Uint64
}

func New(cfg Config) *InMemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &InMemoryBus{
		inbound:  make(chan domain.InboundMessage, cfg.BufferSize),
		done:     make(chan struct{}),
		timeout:  cfg.PublishTimeout,
		logger:   cfg.Logger,
		handlers: make(map[string]func(domain.OutboundMessage)),
	}
}

// Publish queues a command for the gateway. When the queue stays full for the
// publish timeout it returns domain.ErrBusFull; after Close it returns
// domain.ErrBusClosed. A refused command never reaches the gateway, so the
// caller owns telling the sender.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.refused.Add(1)
		return domain.ErrBusClosed
	}
	b.inflight.Add(1)
	b.mu.RUnlock()
	defer b.inflight.Done()

	select {
	case b.inbound <- msg:
		return nil
	default:
	}

	b.logger.Warn("inbound queue full, waiting", "channel", msg.Channel, "sender", msg.SenderID)
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
		return nil
	case <-b.done:
		b.refused.Add(1)
		return domain.ErrBusClosed
	case <-timer.C:
		b.refused.Add(1)
		b.logger.Error("command refused: inbound queue full",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"sender", msg.SenderID,
			"waited", b.timeout,
		)
		return domain.ErrBusFull
	}
}

// Refused counts commands Publish turned away.
func (b *InMemoryBus) Refused() uint64 {
	return b.refused.Load()
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// SendOutbound delivers a reply to the handler registered for its channel.
func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("reply dropped: no handler for channel", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	handler(msg)
}

func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

// Close wakes blocked publishers, waits for them to return, then closes the
// inbound queue so the gateway drains what is left. Safe to call twice.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.inflight.Wait()
	close(b.inbound)
}
