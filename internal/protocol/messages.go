package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fcasoni/cadence/internal/engine"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"
	TypeSnapshotEvent MessageType = "snapshot_event"
	TypeSessionEvent  MessageType = "session_event"
	TypeErrorEvent    MessageType = "error_event"
)

// Client control actions accepted over the stream.
const (
	ActionDone   = "done"
	ActionSkip   = "skip"
	ActionCancel = "cancel"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientControl applies a session event from the connected display client.
type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

// SnapshotEvent carries a progress snapshot to the display client.
type SnapshotEvent struct {
	Type     MessageType             `json:"type"`
	Snapshot engine.ProgressSnapshot `json:"snapshot"`
}

// SessionEvent reports a lifecycle transition (started, completed, cancelled).
type SessionEvent struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"session_id"`
	RoutineID string        `json:"routine_id"`
	Status    engine.Status `json:"status"`
	At        time.Time     `json:"at"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates a raw inbound frame.
func ParseClientMessage(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode client_control: %w", err)
		}
		if msg.SessionID == "" {
			return nil, errors.New("client_control requires session_id")
		}
		switch msg.Action {
		case ActionDone, ActionSkip, ActionCancel:
		default:
			return nil, fmt.Errorf("client_control action %q not recognized", msg.Action)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}
