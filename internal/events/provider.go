package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/anyon/anyon/internal/common/config"
	"github.com/anyon/anyon/internal/common/logger"
	"github.com/anyon/anyon/internal/events/bus"
)

// Provide returns the NATS bus when cfg.URL is set and the in-process bus
// otherwise. The returned func closes it.
func Provide(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.URL) == "" {
		memBus := bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
		return memBus, memBus.Close, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
	}
	log.Info("using NATS event bus", zap.String("url", cfg.URL), zap.String("client_id", cfg.ClientID))
	return natsBus, natsBus.Close, nil
}
