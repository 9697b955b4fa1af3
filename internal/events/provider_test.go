package events

import (
	"testing"

	"github.com/anyon/anyon/internal/common/config"
	"github.com/anyon/anyon/internal/common/logger"
	"github.com/anyon/anyon/internal/events/bus"
)

func TestProvideDefaultsToMemoryBus(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})

	eventBus, closeBus, err := Provide(config.NATSConfig{URL: "  "}, log)
	if err != nil {
		t.Fatalf("Provide failed: %v", err)
	}
	if _, ok := eventBus.(*bus.MemoryEventBus); !ok {
		t.Fatalf("expected the in-memory bus, got %T", eventBus)
	}
	if !eventBus.IsConnected() {
		t.Error("expected a fresh bus to be connected")
	}
	closeBus()
	if eventBus.IsConnected() {
		t.Error("expected the closer to close the bus")
	}
}

func TestProvideReportsNATSConnectFailure(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})

	if _, _, err := Provide(config.NATSConfig{URL: "nats://127.0.0.1:1"}, log); err == nil {
		t.Fatal("expected an error for an unreachable NATS server")
	}
}
