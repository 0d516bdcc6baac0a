package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/gocomet/logistics-dispatch/pkg/logger"
)

const defaultBuffer = 256

type subscription struct {
	topic   string
	handler Handler
	queue   chan Message
	done    chan struct{}
}

// MemoryBus delivers messages between goroutines of one process. Each
// subscription gets its own buffered queue drained by one goroutine, so
// messages on a topic reach a handler in publish order.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool
	wg     sync.WaitGroup
	logger *logger.Logger
	buffer int
}

func NewMemoryBus(log *logger.Logger, buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &MemoryBus{
		subs:   make(map[string][]*subscription),
		logger: log.Named("memory_bus"),
		buffer: buffer,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("%w: bus closed", ErrUnavailable)
	}

	msg := Message{Topic: topic, Key: key, Payload: payload}
	for _, sub := range b.subs[topic] {
		select {
		case sub.queue <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("%w: bus closed", ErrUnavailable)
	}

	sub := &subscription{topic: topic, handler: h, queue: make(chan Message, b.buffer), done: make(chan struct{})}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go b.consume(ctx, sub)
	return nil
}

func (b *MemoryBus) consume(ctx context.Context, sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			close(sub.done)
			b.unsubscribe(sub)
			return
		case msg, ok := <-sub.queue:
			if !ok {
				return
			}
			if err := sub.handler(ctx, msg); err != nil {
				b.logger.Warn("Handler failed",
					logger.String("topic", msg.Topic),
					logger.String("key", msg.Key),
					logger.Err(err),
				)
			}
		}
	}
}

func (b *MemoryBus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Close stops every subscription after it drains what was already queued.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.queue)
		}
	}
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
