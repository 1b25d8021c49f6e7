package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/camdev/cam/internal/common/logger"
)

// subscriberQueueSize is the per-subscriber buffer. A subscriber that lets
// it fill is unsubscribed rather than blocking publishers.
const subscriberQueueSize = 64

// MemoryEventBus delivers events through per-subscriber buffered channels.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	handler EventHandler
	queue   chan *Event
	done    chan struct{}

	mu     sync.Mutex
	active bool
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Publish enqueues the event for every subscriber of the subject. A
// subscriber whose queue is full is dropped and unsubscribed.
func (b *MemoryEventBus) Publish(_ context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	subs := make([]*memorySubscription, len(b.subscriptions[subject]))
	copy(subs, b.subscriptions[subject])
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.IsValid() {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			b.logger.Warn("dropping slow event subscriber",
				zap.String("subject", subject),
				zap.String("event_type", event.Type))
			_ = sub.Unsubscribe()
		}
	}
	return nil
}

// Subscribe registers a handler for the subject and starts its drain loop.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		handler: handler,
		queue:   make(chan *Event, subscriberQueueSize),
		done:    make(chan struct{}),
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	go sub.drain()
	return sub, nil
}

// drain delivers queued events to the handler until unsubscribed.
func (s *memorySubscription) drain() {
	for {
		select {
		case event := <-s.queue:
			if err := s.handler(context.Background(), event); err != nil {
				s.bus.logger.Error("event handler error",
					zap.String("subject", s.subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		case <-s.done:
			return
		}
	}
}

// Unsubscribe detaches the subscription and stops its drain loop.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	close(s.done)
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid reports whether the subscription is still attached.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close tears down every subscription.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*memorySubscription
	for _, subs := range b.subscriptions {
		all = append(all, subs...)
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.mu.Lock()
		if sub.active {
			sub.active = false
			close(sub.done)
		}
		sub.mu.Unlock()
	}
}

// IsConnected reports whether the bus accepts events.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
