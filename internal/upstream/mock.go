package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ent0n29/voicerelay/internal/audio"
)

// ErrDropped is reported by MockChannel.Err after Drop.
var ErrDropped = errors.New("upstream dropped connection")

const (
	echoChunkBytes = 4800
	// Ten seconds of audio; keeps one echo well inside the events buffer.
	maxEchoBytes = audio.SampleRate * audio.BytesPerSample * 10
)

// MockChannel is an in-process Channel. With Echo set it answers every audio
// commit by replaying the committed audio, which is enough to run the relay
// end to end without a speech model.
type MockChannel struct {
	ConnectErr error
	Echo       bool

	mu             sync.Mutex
	cfg            SessionConfig
	connected      bool
	closed         bool
	err            error
	audio          []audio.Frame
	controls       []Control
	results        []ToolCallResponse
	resultAttempts int
	buffered       []byte
	echoQueue      []Event

	// wake signals the echo pump; done is closed on Close or Drop.
	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once

	eventsMu     sync.Mutex
	events       chan Event
	eventsClosed bool
}

func NewMockChannel() *MockChannel {
	return &MockChannel{
		events: make(chan Event, 256),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// NewMockFactory returns a Factory producing echoing MockChannels.
func NewMockFactory() Factory {
	return func() Channel {
		m := NewMockChannel()
		m.Echo = true
		return m
	}
}

func (m *MockChannel) Connect(ctx context.Context, cfg SessionConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.ConnectErr != nil {
		m.mu.Unlock()
		return m.ConnectErr
	}
	m.cfg = cfg
	m.connected = true
	echo := m.Echo
	m.mu.Unlock()

	if echo {
		go m.pumpEchoes()
	}
	m.Inject(Event{
		Kind:    KindSessionConfig,
		Type:    "session.created",
		Session: &SessionInfo{SessionID: "mock-session", ConversationID: "mock-conversation"},
		Raw:     json.RawMessage(`{"type":"session.created","session":{"id":"mock-session"}}`),
	})
	return nil
}

func (m *MockChannel) Events() <-chan Event { return m.events }

func (m *MockChannel) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *MockChannel) SendAudio(_ context.Context, frame audio.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usableLocked(); err != nil {
		return err
	}
	m.audio = append(m.audio, frame)
	if m.Echo && len(m.buffered)+len(frame.PCM) <= maxEchoBytes {
		m.buffered = append(m.buffered, frame.PCM...)
	}
	return nil
}

func (m *MockChannel) SendControl(_ context.Context, c Control) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usableLocked(); err != nil {
		return err
	}
	m.controls = append(m.controls, c)
	if !m.Echo {
		return nil
	}
	switch c {
	case ControlCommitAudio:
		pcm := m.buffered
		m.buffered = nil
		m.echoQueue = append(m.echoQueue, Event{
			Kind:       KindTranscript,
			Type:       "response.audio_transcript.done",
			Transcript: &Transcript{Text: "echo", Final: true},
			Raw:        json.RawMessage(`{"type":"response.audio_transcript.done","transcript":"echo"}`),
		})
		for len(pcm) > 0 {
			n := min(len(pcm), echoChunkBytes)
			m.echoQueue = append(m.echoQueue, Event{Kind: KindAudioDelta, Type: "response.audio.delta", Audio: pcm[:n]})
			pcm = pcm[n:]
		}
		select {
		case m.wake <- struct{}{}:
		default:
		}
	case ControlClearAudio:
		m.buffered = nil
	}
	return nil
}

// pumpEchoes delivers queued echo events in order. The caller of
// SendControl is usually the only reader of Events, so delivery happens here
// rather than on the caller's goroutine.
func (m *MockChannel) pumpEchoes() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			batch := m.echoQueue
			m.echoQueue = nil
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				m.Inject(ev)
			}
		}
	}
}

func (m *MockChannel) SendToolResult(_ context.Context, r ToolCallResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resultAttempts++
	if err := m.usableLocked(); err != nil {
		return err
	}
	m.results = append(m.results, r)
	return nil
}

func (m *MockChannel) usableLocked() error {
	if m.closed || m.err != nil {
		return ErrClosed
	}
	if !m.connected {
		return ErrNotConnected
	}
	return nil
}

// Inject delivers ev as if it came from the upstream. It is a no-op once the
// channel is closed or dropped, and a blocked Inject gives up on either.
func (m *MockChannel) Inject(ev Event) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	if m.eventsClosed {
		return
	}
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// Drop simulates an unexpected upstream disconnect.
func (m *MockChannel) Drop() {
	m.mu.Lock()
	if m.err == nil && !m.closed {
		m.err = ErrDropped
	}
	m.mu.Unlock()
	m.closeEvents()
}

func (m *MockChannel) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.closeEvents()
	return nil
}

func (m *MockChannel) closeEvents() {
	m.doneOnce.Do(func() { close(m.done) })
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	if !m.eventsClosed {
		m.eventsClosed = true
		close(m.events)
	}
}

func (m *MockChannel) Config() SessionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *MockChannel) SentAudio() []audio.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audio.Frame(nil), m.audio...)
}

func (m *MockChannel) SentControls() []Control {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Control(nil), m.controls...)
}

func (m *MockChannel) SentToolResults() []ToolCallResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ToolCallResponse(nil), m.results...)
}

// ToolResultAttempts counts SendToolResult calls, including rejected ones.
func (m *MockChannel) ToolResultAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resultAttempts
}

func (m *MockChannel) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
