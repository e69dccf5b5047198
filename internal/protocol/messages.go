package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeControl    MessageType = "control"
	TypeReady      MessageType = "ready"
	TypeError      MessageType = "error"
	TypeTranscript MessageType = "transcript"
	TypeStatus     MessageType = "status"
)

// ControlAction is the closed set of actions a client may request.
type ControlAction string

const (
	ActionStop   ControlAction = "stop"
	ActionCommit ControlAction = "commit"
	ActionClear  ControlAction = "clear"
	ActionHangup ControlAction = "hangup"
)

// Error codes sent to clients in ErrorEvent.Code.
const (
	CodeUnauthorized       = "unauthorized"
	CodeUpstreamConnect    = "upstream_connect_failed"
	CodeUpstreamClosed     = "upstream_closed"
	CodeUpstreamError      = "upstream_error"
	CodeInvalidAudioFrame  = "invalid_audio_frame"
	CodeInvalidMessage     = "invalid_client_message"
	CodeUnsupportedMessage = "unsupported_message"
	CodeSessionUnavailable = "session_unavailable"
	CodeInternal           = "internal_error"
	CodeShuttingDown       = "shutting_down"
)

// Error sources.
const (
	SourceAuth     = "auth"
	SourceClient   = "client"
	SourceUpstream = "upstream"
	SourceServer   = "server"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid client message")
)

// ClientFrame is one websocket message received from the client.
type ClientFrame struct {
	Binary bool
	Data   []byte
}

type Envelope struct {
	Type MessageType `json:"type"`
}

type ControlMessage struct {
	Type   MessageType   `json:"type"`
	Action ControlAction `json:"action"`
}

type Ready struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	ConversationID string      `json:"conversation_id,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// UpstreamEvent relays an upstream transcript or status event. Payload is the
// upstream event verbatim so upstream field names survive.
type UpstreamEvent struct {
	Type    MessageType     `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewReady(sessionID, conversationID string) Ready {
	return Ready{Type: TypeReady, SessionID: sessionID, ConversationID: conversationID}
}

func NewError(code, source string, retryable bool, detail string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Code: code, Source: source, Retryable: retryable, Detail: detail}
}

// ParseClientMessage parses a structured (text) client frame.
func ParseClientMessage(raw []byte) (ControlMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch env.Type {
	case TypeControl:
		var msg ControlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return ControlMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		msg.Action = ControlAction(strings.ToLower(strings.TrimSpace(string(msg.Action))))
		switch msg.Action {
		case ActionStop, ActionCommit, ActionClear, ActionHangup:
			return msg, nil
		case "":
			return ControlMessage{}, fmt.Errorf("%w: missing action", ErrInvalidMessage)
		default:
			return ControlMessage{}, fmt.Errorf("%w: unknown action %q", ErrInvalidMessage, msg.Action)
		}
	default:
		return ControlMessage{}, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}
