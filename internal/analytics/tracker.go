// Package analytics emits best-effort product analytics events.
package analytics

import (
	"context"

	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/common/config"
	"github.com/anyon/anyon/internal/common/logger"
	"github.com/anyon/anyon/internal/events"
	"github.com/anyon/anyon/internal/events/bus"
)

// Event names
const (
	EventApprovalResponded = "approval_responded"
)

// Tracker records analytics events. Implementations never fail the caller.
type Tracker interface {
	Track(ctx context.Context, name string, properties map[string]interface{})
}

// BusTracker publishes analytics events on the event bus
type BusTracker struct {
	eventBus bus.EventBus
	subject  string
	logger   *logger.Logger
}

// NewBusTracker creates a tracker that publishes on subject.
func NewBusTracker(eventBus bus.EventBus, subject string, log *logger.Logger) *BusTracker {
	if subject == "" {
		subject = events.AnalyticsEvent
	}
	return &BusTracker{
		eventBus: eventBus,
		subject:  subject,
		logger:   log.WithComponent("analytics"),
	}
}

// Track publishes the event. Failures are logged and dropped.
func (t *BusTracker) Track(ctx context.Context, name string, properties map[string]interface{}) {
	data := make(map[string]interface{}, len(properties)+1)
	for k, v := range properties {
		data[k] = v
	}
	data["event"] = name

	event := bus.NewEvent(events.AnalyticsEvent, events.SourceAnalytics, data)
	if err := t.eventBus.Publish(ctx, t.subject, event); err != nil {
		t.logger.Debug("dropped analytics event",
			zap.String("event", name),
			zap.Error(err))
	}
}

// NoopTracker discards events
type NoopTracker struct{}

// Track does nothing
func (NoopTracker) Track(context.Context, string, map[string]interface{}) {}

// Provide builds the tracker selected by configuration.
func Provide(cfg config.AnalyticsConfig, eventBus bus.EventBus, log *logger.Logger) Tracker {
	if !cfg.Enabled || eventBus == nil {
		return NoopTracker{}
	}
	return NewBusTracker(eventBus, cfg.Subject, log)
}
