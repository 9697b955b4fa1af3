package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anyon/anyon/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var got *Event
	sub, err := bus.Subscribe("execution.started.att-1", func(ctx context.Context, event *Event) error {
		got = event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("execution.started", "test", map[string]interface{}{"execution_process_id": "p-1"})
	if err := bus.Publish(context.Background(), "execution.started.att-1", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// dispatch is synchronous
	if got == nil {
		t.Fatal("Expected event to be delivered before Publish returned")
	}
	if got.ID != event.ID {
		t.Errorf("Expected event ID %s, got %s", event.ID, got.ID)
	}
	if got.String("execution_process_id") != "p-1" {
		t.Errorf("Expected execution_process_id p-1, got %q", got.String("execution_process_id"))
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count int32
	for i := 0; i < 3; i++ {
		if _, err := bus.Subscribe("task.updated.att-1", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	_ = bus.Publish(context.Background(), "task.updated.att-1", NewEvent("task.updated", "test", nil))

	if c := atomic.LoadInt32(&count); c != 3 {
		t.Errorf("Expected 3 deliveries, got %d", c)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count int32
	sub, err := bus.Subscribe("test.subject", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	_ = bus.Publish(context.Background(), "test.subject", NewEvent("t", "test", nil))
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}
	_ = bus.Publish(context.Background(), "test.subject", NewEvent("t", "test", nil))

	if c := atomic.LoadInt32(&count); c != 1 {
		t.Errorf("Expected 1 delivery, got %d", c)
	}
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		subject string
		match   bool
	}{
		{"single token", "execution.exited.*", "execution.exited.att-1", true},
		{"single token does not span", "execution.*", "execution.exited.att-1", false},
		{"multi token", "execution.>", "execution.exited.att-1", true},
		{"multi token needs one token", "execution.>", "execution", false},
		{"exact", "approval.requested.att-1", "approval.requested.att-1", true},
		{"exact mismatch", "approval.requested.att-1", "approval.requested.att-2", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := NewMemoryEventBus(newTestLogger(t))
			defer bus.Close()

			delivered := false
			_, _ = bus.Subscribe(tt.pattern, func(ctx context.Context, event *Event) error {
				delivered = true
				return nil
			})
			_ = bus.Publish(context.Background(), tt.subject, NewEvent("t", "test", nil))

			if delivered != tt.match {
				t.Errorf("pattern %q subject %q: expected match=%v, got %v", tt.pattern, tt.subject, tt.match, delivered)
			}
		})
	}
}

func TestMemoryEventBus_QueueSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var first, second int32
	_, _ = bus.QueueSubscribe("analytics.event", "trackers", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&first, 1)
		return nil
	})
	_, _ = bus.QueueSubscribe("analytics.event", "trackers", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&second, 1)
		return nil
	})

	const n = 10
	for i := 0; i < n; i++ {
		_ = bus.Publish(context.Background(), "analytics.event", NewEvent("t", "test", nil))
	}

	total := atomic.LoadInt32(&first) + atomic.LoadInt32(&second)
	if total != n {
		t.Errorf("Expected each event delivered once to the group, got %d deliveries", total)
	}
	if atomic.LoadInt32(&first) != n/2 || atomic.LoadInt32(&second) != n/2 {
		t.Errorf("Expected round robin %d/%d, got %d/%d", n/2, n/2, first, second)
	}
}

func TestMemoryEventBus_HandlerMaySubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	done := make(chan struct{})
	_, _ = bus.Subscribe("outer", func(ctx context.Context, event *Event) error {
		_, err := bus.Subscribe("inner", func(ctx context.Context, event *Event) error {
			return nil
		})
		if err != nil {
			return err
		}
		close(done)
		return bus.Publish(ctx, "inner", NewEvent("t", "test", nil))
	})

	go func() {
		_ = bus.Publish(context.Background(), "outer", NewEvent("t", "test", nil))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler deadlocked re-entering the bus")
	}
}

func TestMemoryEventBus_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	delivered := false
	_, _ = bus.Subscribe("s", func(ctx context.Context, event *Event) error {
		return errors.New("boom")
	})
	_, _ = bus.Subscribe("s", func(ctx context.Context, event *Event) error {
		delivered = true
		return nil
	})

	if err := bus.Publish(context.Background(), "s", NewEvent("t", "test", nil)); err != nil {
		t.Fatalf("Publish should not surface handler errors: %v", err)
	}
	if !delivered {
		t.Error("Expected second handler to run")
	}
}

func TestMemoryEventBus_ConcurrentAccess(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count int64
	_, _ = bus.Subscribe("concurrent.>", func(ctx context.Context, event *Event) error {
		atomic.AddInt64(&count, 1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = bus.Publish(context.Background(), "concurrent.x", NewEvent("t", "test", nil))
			}
		}()
	}
	wg.Wait()

	if c := atomic.LoadInt64(&count); c != 500 {
		t.Errorf("Expected 500 deliveries, got %d", c)
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))

	sub, _ := bus.Subscribe("s", func(ctx context.Context, event *Event) error { return nil })
	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after close")
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after close")
	}
	if err := bus.Publish(context.Background(), "s", NewEvent("t", "test", nil)); err == nil {
		t.Error("Expected publish on closed bus to fail")
	}
	if _, err := bus.Subscribe("s", func(ctx context.Context, event *Event) error { return nil }); err == nil {
		t.Error("Expected subscribe on closed bus to fail")
	}
}

func TestMemoryEventBus_ClosedReturnsErrClosed(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	bus.Close()

	if err := bus.Publish(context.Background(), "s", NewEvent("t", "test", nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Publish, got %v", err)
	}
	if _, err := bus.QueueSubscribe("s", "q", func(context.Context, *Event) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from QueueSubscribe, got %v", err)
	}
}

func TestEventEncodeDecode(t *testing.T) {
	event := NewEvent("execution_process.exited", "lifecycle", map[string]interface{}{"task_attempt_id": "a-1"})
	data, err := event.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if decoded.ID != event.ID || decoded.Type != event.Type || decoded.Source != event.Source {
		t.Errorf("Envelope changed in transit: %+v", decoded)
	}
	if !decoded.Timestamp.Equal(event.Timestamp) {
		t.Errorf("Expected timestamp %v, got %v", event.Timestamp, decoded.Timestamp)
	}
	if decoded.String("task_attempt_id") != "a-1" {
		t.Errorf("Expected payload to survive, got %v", decoded.Data)
	}
}

func TestDecodeEventRejectsMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":     "{",
		"missing type": `{"id":"e-1","data":{}}`,
	} {
		if _, err := DecodeEvent([]byte(raw)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestNewEvent(t *testing.T) {
	event := NewEvent("approval.responded", "approvals", map[string]interface{}{"status": "approved"})

	if event.ID == "" {
		t.Error("Expected non-empty ID")
	}
	if event.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
	if event.Type != "approval.responded" || event.Source != "approvals" {
		t.Errorf("unexpected type/source %s/%s", event.Type, event.Source)
	}
	if event.String("status") != "approved" {
		t.Errorf("Expected status approved, got %q", event.String("status"))
	}
	if event.String("missing") != "" {
		t.Error("Expected empty string for missing key")
	}
}

func TestMemoryEventBus_MessageOrdering(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	const numEvents = 100
	received := make([]int, 0, numEvents)

	_, _ = bus.Subscribe("test.ordering", func(ctx context.Context, event *Event) error {
		received = append(received, event.Data["seq"].(int))
		return nil
	})

	for i := 0; i < numEvents; i++ {
		if err := bus.Publish(context.Background(), "test.ordering", NewEvent("t", "test", map[string]interface{}{"seq": i})); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	if len(received) != numEvents {
		t.Fatalf("Expected %d events, got %d", numEvents, len(received))
	}
	for i, seq := range received {
		if seq != i {
			t.Fatalf("Position %d: expected seq %d, got %d", i, i, seq)
		}
	}
}
