package analytics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/common/config"
	"github.com/anyon/anyon/internal/common/logger"
	"github.com/anyon/anyon/internal/events"
	"github.com/anyon/anyon/internal/events/bus"
)

// DefaultQueueGroup is joined when the configuration names none.
const DefaultQueueGroup = "analytics-recorders"

// Recorder consumes analytics events, writing each as one structured log line
// and counting it by name. Recorders share a queue group, so with several
// servers on one NATS cluster every event is recorded once.
type Recorder struct {
	recorded *prometheus.CounterVec
	rejected prometheus.Counter
	logger   *logger.Logger
	sub      bus.Subscription
}

// NewRecorder registers the recorder's collectors on reg.
func NewRecorder(reg prometheus.Registerer, log *logger.Logger) (*Recorder, error) {
	r := &Recorder{
		recorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "anyon",
				Subsystem: "analytics",
				Name:      "events_recorded_total",
				Help:      "Analytics events recorded, by event name.",
			},
			[]string{"event"},
		),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anyon",
			Subsystem: "analytics",
			Name:      "events_rejected_total",
			Help:      "Analytics events dropped because they carried no name.",
		}),
		logger: log.WithComponent("analytics-recorder"),
	}
	for _, c := range []prometheus.Collector{r.recorded, r.rejected} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register analytics metrics: %w", err)
		}
	}
	return r, nil
}

// Start joins queue on subject. Empty values fall back to the defaults.
func (r *Recorder) Start(eventBus bus.EventBus, subject, queue string) error {
	if subject == "" {
		subject = events.AnalyticsEvent
	}
	if queue == "" {
		queue = DefaultQueueGroup
	}
	sub, err := eventBus.QueueSubscribe(subject, queue, r.record)
	if err != nil {
		return fmt.Errorf("failed to start analytics recorder: %w", err)
	}
	r.sub = sub
	r.logger.Info("analytics recorder started", zap.String("subject", subject), zap.String("queue", queue))
	return nil
}

// Stop leaves the queue group. It is safe to call before Start.
func (r *Recorder) Stop() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Unsubscribe()
}

func (r *Recorder) record(_ context.Context, event *bus.Event) error {
	name := event.String("event")
	if name == "" {
		r.rejected.Inc()
		return fmt.Errorf("analytics event %s has no name", event.ID)
	}
	r.recorded.WithLabelValues(name).Inc()

	fields := make([]zap.Field, 0, len(event.Data)+1)
	fields = append(fields, zap.Time("occurred_at", event.Timestamp))
	for key, value := range event.Data {
		if key == "event" {
			continue
		}
		fields = append(fields, zap.Any(key, value))
	}
	r.logger.Info(name, fields...)
	return nil
}

// ProvideRecorder starts a recorder when analytics are enabled and recorded.
// The returned func stops it.
func ProvideRecorder(cfg config.AnalyticsConfig, eventBus bus.EventBus, reg prometheus.Registerer, log *logger.Logger) (func(), error) {
	if !cfg.Enabled || !cfg.Record || eventBus == nil {
		return func() {}, nil
	}
	r, err := NewRecorder(reg, log)
	if err != nil {
		return nil, err
	}
	if err := r.Start(eventBus, cfg.Subject, cfg.QueueGroup); err != nil {
		return nil, err
	}
	return func() { _ = r.Stop() }, nil
}
