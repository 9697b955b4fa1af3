package actions

import (
	"encoding/json"
	"fmt"
)

// wireAction is the persisted shape of a chain node:
// {"typ": {"type": "<kind>", ...payload}, "next_action": {...}|null}
type wireAction struct {
	Typ        json.RawMessage `json:"typ"`
	NextAction *wireAction     `json:"next_action"`
}

type kindEnvelope struct {
	Type ActionKind `json:"type"`
}

// MarshalJSON encodes the node and its whole remainder.
func (a *ExecutorAction) MarshalJSON() ([]byte, error) {
	w, err := toWire(a)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func toWire(a *ExecutorAction) (*wireAction, error) {
	if a == nil {
		return nil, nil
	}
	typ, err := marshalType(a.typ)
	if err != nil {
		return nil, err
	}
	next, err := toWire(a.next)
	if err != nil {
		return nil, err
	}
	return &wireAction{Typ: typ, NextAction: next}, nil
}

func marshalType(t ActionType) (json.RawMessage, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", t.Kind(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("failed to flatten %s: %w", t.Kind(), err)
	}
	kind, _ := json.Marshal(t.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// Decode parses a persisted chain into fresh nodes.
func Decode(data []byte) (*ExecutorAction, error) {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode executor action: %w", err)
	}
	return fromWire(&w)
}

func fromWire(w *wireAction) (*ExecutorAction, error) {
	if w == nil {
		return nil, nil
	}
	typ, err := unmarshalType(w.Typ)
	if err != nil {
		return nil, err
	}
	next, err := fromWire(w.NextAction)
	if err != nil {
		return nil, err
	}
	return New(typ, next), nil
}

func unmarshalType(raw json.RawMessage) (ActionType, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("executor action is missing typ")
	}
	var envelope kindEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to read action type: %w", err)
	}
	switch envelope.Type {
	case KindCodingAgentInitialRequest:
		var t CodingAgentInitialRequest
		err := json.Unmarshal(raw, &t)
		return t, err
	case KindCodingAgentFollowUpRequest:
		var t CodingAgentFollowUpRequest
		err := json.Unmarshal(raw, &t)
		return t, err
	case KindScriptRequest:
		var t ScriptRequest
		err := json.Unmarshal(raw, &t)
		return t, err
	default:
		return nil, fmt.Errorf("unknown executor action type %q", envelope.Type)
	}
}

// UnmarshalJSON decodes into a, which must be a fresh node.
func (a *ExecutorAction) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	if decoded == nil {
		return fmt.Errorf("executor action is null")
	}
	a.typ = decoded.typ
	a.next = decoded.next
	return nil
}
