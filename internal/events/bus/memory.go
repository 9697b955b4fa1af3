package bus

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/common/logger"
)

// MemoryEventBus implements EventBus in process.
//
// Handlers run synchronously on the publishing goroutine, in subscription
// order, so events published by one goroutine are observed in order.
type MemoryEventBus struct {
	subs   []*memorySubscription
	queues map[string]*queueGroup // queue:subject -> group
	mu     sync.RWMutex
	logger *logger.Logger
	closed bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact subjects
	handler EventHandler
	queue   string
	active  bool
	mu      sync.Mutex
}

type queueGroup struct {
	members []*memorySubscription
	next    int
}

// Unsubscribe removes the subscription
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	if s.queue != "" {
		if qg, ok := b.queues[s.queue+":"+s.subject]; ok {
			for i, m := range qg.members {
				if m == s {
					qg.members = append(qg.members[:i], qg.members[i+1:]...)
					break
				}
			}
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) matches(subject string) bool {
	if s.pattern == nil {
		return s.subject == subject
	}
	return s.pattern.MatchString(subject)
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		queues: make(map[string]*queueGroup),
		logger: log.WithComponent("memory-bus"),
	}
}

// Publish delivers the event to every matching subscriber and to one member
// of each matching queue group.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	targets, err := b.route(subject)
	if err != nil {
		return err
	}

	for _, sub := range targets {
		if !sub.IsValid() {
			continue
		}
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Event handler error",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// route snapshots the handlers for subject so none run under the bus lock.
func (b *MemoryEventBus) route(subject string) ([]*memorySubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	var targets []*memorySubscription
	picked := make(map[string]bool)
	for _, sub := range b.subs {
		if !sub.matches(subject) {
			continue
		}
		if sub.queue == "" {
			targets = append(targets, sub)
			continue
		}
		key := sub.queue + ":" + sub.subject
		if picked[key] {
			continue
		}
		picked[key] = true
		if member := b.queues[key].pick(); member != nil {
			targets = append(targets, member)
		}
	}
	return targets, nil
}

// pick returns the next active member, round-robin. Caller holds the bus lock.
func (qg *queueGroup) pick() *memorySubscription {
	if qg == nil {
		return nil
	}
	for i := 0; i < len(qg.members); i++ {
		idx := (qg.next + i) % len(qg.members)
		if qg.members[idx].IsValid() {
			qg.next = (idx + 1) % len(qg.members)
			return qg.members[idx]
		}
	}
	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe creates a queue subscription for load balancing.
// Only one subscriber in the queue group receives each message.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryEventBus) subscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subs = append(b.subs, sub)

	if queue != "" {
		key := queue + ":" + subject
		qg, ok := b.queues[key]
		if !ok {
			qg = &queueGroup{}
			b.queues[key] = qg
		}
		qg.members = append(qg.members, sub)
	}

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject), zap.String("queue", queue))
	return sub, nil
}

// Close closes the event bus
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subs = nil
	b.queues = make(map[string]*queueGroup)

	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true until the bus is closed
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// compilePattern converts a NATS-style pattern to a regex.
// Supports * (single token) and > (remaining tokens); nil for exact subjects.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
