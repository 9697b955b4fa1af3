package lifecycle

import (
	"bytes"
	"encoding/json"
)

// Message types an agent may print on stdout, one JSON object per line.
const (
	MessageSession         = "session"
	MessageApprovalRequest = "approval_request"
)

// AgentMessage is one control line from an execution process. Lines that
// are not JSON objects with a known type are treated as plain output.
type AgentMessage struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id,omitempty"`
	ToolName  string  `json:"tool_name,omitempty"`
	Plan      *string `json:"plan,omitempty"`
}

// parseMessage decodes a control line. ok is false for plain output.
func parseMessage(line []byte) (msg AgentMessage, ok bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return msg, false
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return msg, false
	}
	switch msg.Type {
	case MessageSession:
		return msg, msg.SessionID != ""
	case MessageApprovalRequest:
		return msg, msg.ToolName != ""
	default:
		return msg, false
	}
}
