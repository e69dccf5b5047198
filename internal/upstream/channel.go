// Package upstream wraps the realtime speech-model channel behind a single
// inbound event stream with a closed set of event kinds.
package upstream

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/tools"
)

var (
	ErrNotConnected = errors.New("upstream not connected")
	ErrClosed       = errors.New("upstream closed")
)

// Kind is the closed set of upstream event kinds.
type Kind string

const (
	KindAudioDelta       Kind = "audio-delta"
	KindTranscript       Kind = "transcript"
	KindToolCallRequest  Kind = "tool-call-request"
	KindToolCallResponse Kind = "tool-call-response"
	KindSessionConfig    Kind = "session-config"
	KindError            Kind = "error"
)

// Control is an upstream control event requested by the client.
type Control string

const (
	ControlCancelResponse Control = "response.cancel"
	ControlCommitAudio    Control = "input_audio_buffer.commit"
	ControlClearAudio     Control = "input_audio_buffer.clear"
)

type ToolCallRequest struct {
	CallID    string
	ToolName  string
	Arguments json.RawMessage
}

type ToolCallResponse struct {
	CallID  string
	Output  json.RawMessage
	IsError bool
}

type Transcript struct {
	Text  string
	Final bool
}

type SessionInfo struct {
	SessionID      string
	ConversationID string
}

type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Code == "" {
		return "upstream error: " + e.Message
	}
	return "upstream error " + e.Code + ": " + e.Message
}

// Event is one inbound upstream event. Exactly one of the payload fields is
// set, matching Kind. Type is the upstream event name and Raw the upstream
// event verbatim (nil for binary audio).
type Event struct {
	Kind       Kind
	Type       string
	Audio      []byte
	Transcript *Transcript
	ToolCall   *ToolCallRequest
	ToolResult *ToolCallResponse
	Session    *SessionInfo
	Err        *Error
	Raw        json.RawMessage
}

// SessionConfig is sent during the connect handshake.
type SessionConfig struct {
	Model         string
	Voice         string
	Instructions  string
	TurnDetection string
	SampleRate    int
	Tools         []tools.Definition
}

// Channel is a duplex realtime speech channel.
type Channel interface {
	// Connect dials and completes the session-configuration handshake.
	Connect(ctx context.Context, cfg SessionConfig) error
	// Events is closed when the channel disconnects for any reason.
	Events() <-chan Event
	SendAudio(ctx context.Context, frame audio.Frame) error
	SendControl(ctx context.Context, c Control) error
	SendToolResult(ctx context.Context, r ToolCallResponse) error
	// Err reports why Events was closed; nil after a local Close.
	Err() error
	// Close is idempotent and safe before Connect.
	Close() error
}

// Factory creates a fresh unconnected Channel per client connection.
type Factory func() Channel
