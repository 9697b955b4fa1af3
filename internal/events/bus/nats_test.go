package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/anyon/anyon/internal/common/config"
)

func TestEventMsgCarriesHeaders(t *testing.T) {
	event := NewEvent("approval.requested", "approvals", map[string]interface{}{"approval_id": "ap-1"})

	msg, err := newEventMsg("approval.requested.a-1", event)
	if err != nil {
		t.Fatalf("newEventMsg failed: %v", err)
	}
	if msg.Subject != "approval.requested.a-1" {
		t.Errorf("Expected subject to be kept, got %q", msg.Subject)
	}
	if msg.Header.Get(HeaderEventID) != event.ID || msg.Header.Get(HeaderEventType) != event.Type {
		t.Errorf("Expected id and type headers, got %v", msg.Header)
	}

	decoded, err := decodeEventMsg(msg)
	if err != nil {
		t.Fatalf("decodeEventMsg failed: %v", err)
	}
	if decoded.ID != event.ID || decoded.String("approval_id") != "ap-1" {
		t.Errorf("Unexpected decoded event: %+v", decoded)
	}
}

func TestDecodeEventMsgWithoutHeaders(t *testing.T) {
	data, err := NewEvent("task.updated", "orchestrator", nil).Encode()
	if err != nil {
		t.Fatal(err)
	}
	event, err := decodeEventMsg(&nats.Msg{Subject: "task.updated.a-1", Data: data})
	if err != nil {
		t.Fatalf("decodeEventMsg failed: %v", err)
	}
	if event.Type != "task.updated" {
		t.Errorf("Expected body type, got %q", event.Type)
	}
}

func TestDecodeEventMsgRejectsMismatchedType(t *testing.T) {
	msg, err := newEventMsg("s", NewEvent("task.updated", "orchestrator", nil))
	if err != nil {
		t.Fatal(err)
	}
	msg.Header.Set(HeaderEventType, "approval.responded")

	if _, err := decodeEventMsg(msg); err == nil {
		t.Error("Expected mismatched type header to be rejected")
	}
}

func TestDispatchSkipsUndecodableMessages(t *testing.T) {
	b := &NATSEventBus{logger: newTestLogger(t)}
	calls := 0
	handler := b.dispatch(func(context.Context, *Event) error {
		calls++
		return errors.New("handler failures are logged")
	})

	handler(&nats.Msg{Subject: "s", Data: []byte("not json")})
	if calls != 0 {
		t.Errorf("Expected undecodable message to be skipped, got %d calls", calls)
	}

	msg, err := newEventMsg("s", NewEvent("analytics.event", "analytics", nil))
	if err != nil {
		t.Fatal(err)
	}
	handler(msg)
	if calls != 1 {
		t.Errorf("Expected one delivery, got %d", calls)
	}
}

func TestNewNATSEventBusUnreachable(t *testing.T) {
	_, err := NewNATSEventBus(config.NATSConfig{URL: "nats://127.0.0.1:1", ClientID: "test"}, newTestLogger(t))
	if err == nil {
		t.Fatal("Expected connection error")
	}
}
