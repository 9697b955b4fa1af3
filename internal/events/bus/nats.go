package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/common/config"
	"github.com/anyon/anyon/internal/common/logger"
)

// Headers set on every published message so consumers can route without
// decoding the body.
const (
	HeaderEventID   = "Anyon-Event-Id"
	HeaderEventType = "Anyon-Event-Type"
)

const (
	natsReconnectWait   = 2 * time.Second
	natsReconnectBuffer = 5 * 1024 * 1024
	natsDrainTimeout    = 10 * time.Second
)

// NATSEventBus publishes events as JSON messages on a NATS connection, for
// deployments where consumers run outside the server process.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSEventBus connects to cfg.URL. The connection reconnects on its own
// up to cfg.MaxReconnects times; publishes made meanwhile are buffered.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	log = log.WithComponent("nats-bus")

	conn, err := nats.Connect(cfg.URL, connectOptions(cfg, log)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	log.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return &NATSEventBus{conn: conn, logger: log}, nil
}

func connectOptions(cfg config.NATSConfig, log *logger.Logger) []nats.Option {
	return []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.ReconnectBufSize(natsReconnectBuffer),
		nats.DrainTimeout(natsDrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
				return
			}
			log.Info("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
				return
			}
			log.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("NATS async error", fields...)
		}),
	}
}

// Publish sends event to subject. A cancelled ctx publishes nothing.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := newEventMsg(subject, event)
	if err != nil {
		return err
	}
	if err := b.conn.PublishMsg(msg); err != nil {
		if b.conn.IsClosed() {
			return ErrClosed
		}
		return fmt.Errorf("failed to publish %s on %s: %w", event.Type, subject, err)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, b.dispatch(handler))
	if err != nil {
		return nil, b.subscribeError(subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, b.dispatch(handler))
	if err != nil {
		return nil, b.subscribeError(subject, err)
	}
	b.logger.Debug("joined queue group", zap.String("subject", subject), zap.String("queue", queue))
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSEventBus) subscribeError(subject string, err error) error {
	if b.conn.IsClosed() {
		return ErrClosed
	}
	return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
}

// dispatch adapts handler to a NATS callback. Undecodable messages are
// logged and skipped.
func (b *NATSEventBus) dispatch(handler EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		event, err := decodeEventMsg(msg)
		if err != nil {
			b.logger.Warn("skipping undecodable message",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		if err := handler(context.Background(), event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
}

// Close drains subscriptions and pending publishes, then closes the
// connection. Drain is bounded by the connect-time DrainTimeout.
func (b *NATSEventBus) Close() {
	if b.conn == nil || b.conn.IsClosed() {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("failed to drain NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

func newEventMsg(subject string, event *Event) (*nats.Msg, error) {
	data, err := event.Encode()
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderEventID, event.ID)
	msg.Header.Set(HeaderEventType, event.Type)
	return msg, nil
}

// decodeEventMsg trusts the body; a type header, when present, must agree.
func decodeEventMsg(msg *nats.Msg) (*Event, error) {
	event, err := DecodeEvent(msg.Data)
	if err != nil {
		return nil, err
	}
	if want := msg.Header.Get(HeaderEventType); want != "" && want != event.Type {
		return nil, fmt.Errorf("event type header %q does not match body type %q", want, event.Type)
	}
	return event, nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}
