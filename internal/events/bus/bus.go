// Package bus carries anyon's domain events between components, in process or
// over NATS.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("event bus is closed")

// Event is the envelope every subject carries. Data holds the JSON-compatible
// payload described by the event type.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a new event with a fresh id and the current UTC time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// String returns the string value stored under key, or "".
func (e *Event) String(key string) string {
	if e == nil || e.Data == nil {
		return ""
	}
	v, _ := e.Data[key].(string)
	return v
}

// Encode renders the event as its wire JSON.
func (e *Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", e.Type, err)
	}
	return data, nil
}

// DecodeEvent parses wire JSON produced by Encode. An event without a type
// is rejected.
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("failed to decode event: missing type")
	}
	return &e, nil
}

// EventHandler processes one delivered event. A returned error is logged by
// the bus and does not stop delivery to other subscribers.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented by MemoryEventBus and NATSEventBus.
type EventBus interface {
	// Publish sends event to subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe delivers every event on subject, which may contain the
	// wildcards * (one token) and > (remaining tokens).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe delivers each event on subject to one member of queue.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	Close()

	// IsConnected reports whether events can currently be published.
	IsConnected() bool
}
