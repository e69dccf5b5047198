package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/tools"
)

type fakeUpstream struct {
	t        *testing.T
	received chan map[string]any
	binary   chan []byte
	script   func(conn *websocket.Conn)
	reject   bool
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	return &fakeUpstream{
		t:        t,
		received: make(chan map[string]any, 64),
		binary:   make(chan []byte, 64),
	}
}

func (f *fakeUpstream) serve() *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" || r.URL.Query().Get("model") != "rt-model" {
			http.Error(w, "bad auth", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteJSON(map[string]any{"type": "session.created", "session": map[string]any{"id": "sess_1"}})
		var update map[string]any
		if err := conn.ReadJSON(&update); err != nil {
			return
		}
		f.received <- update
		if f.reject {
			_ = conn.WriteJSON(map[string]any{"type": "error", "error": map[string]any{"code": "invalid_value", "message": "bad voice"}})
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "session.updated", "session": map[string]any{"id": "sess_1"}})

		go func() {
			if f.script != nil {
				f.script(conn)
			}
		}()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				f.binary <- data
				continue
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				f.received <- msg
			}
		}
	}))
}

func (f *fakeUpstream) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-f.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for upstream message")
		return nil
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestRealtimeChannelHandshakeAndTraffic(t *testing.T) {
	f := newFakeUpstream(t)
	f.script = func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})})
		_ = conn.WriteJSON(map[string]any{"type": "response.audio_transcript.delta", "delta": "hel", "item_id": "it_1"})
		_ = conn.WriteJSON(map[string]any{"type": "rate_limits.updated"})
		_ = conn.WriteJSON(map[string]any{"type": "response.function_call_arguments.done", "call_id": "c1", "name": "weather", "arguments": `{"city":"Paris"}`})
	}
	srv := f.serve()
	defer srv.Close()

	ch := NewRealtimeChannel(RealtimeOptions{URL: wsURL(srv), APIKey: "sk-test", Model: "rt-model"})
	defer ch.Close()

	cfg := SessionConfig{
		Voice:         "verse",
		TurnDetection: "server_vad",
		Tools: []tools.Definition{{
			Name:       "weather",
			Parameters: &jsonschema.Schema{Type: "object"},
		}},
	}
	if err := ch.Connect(context.Background(), cfg); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	update := f.next(t)
	if update["type"] != "session.update" {
		t.Fatalf("first message type = %v, want session.update", update["type"])
	}
	session := update["session"].(map[string]any)
	if session["voice"] != "verse" || session["input_audio_format"] != "pcm16" {
		t.Fatalf("session.update payload = %v", session)
	}
	toolsOut := session["tools"].([]any)
	if len(toolsOut) != 1 || toolsOut[0].(map[string]any)["name"] != "weather" {
		t.Fatalf("tools = %v", toolsOut)
	}

	events := ch.Events()
	if ev := nextEvent(t, events); ev.Kind != KindSessionConfig || ev.Session.SessionID != "sess_1" {
		t.Fatalf("first event = %+v", ev)
	}
	if ev := nextEvent(t, events); ev.Kind != KindSessionConfig || ev.Type != "session.updated" {
		t.Fatalf("second event = %+v", ev)
	}
	if ev := nextEvent(t, events); ev.Kind != KindAudioDelta || string(ev.Audio) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("audio event = %+v", ev)
	}
	ev := nextEvent(t, events)
	if ev.Kind != KindTranscript || ev.Transcript.Text != "hel" || ev.Transcript.Final {
		t.Fatalf("transcript event = %+v", ev)
	}
	if !strings.Contains(string(ev.Raw), `"item_id":"it_1"`) {
		t.Fatalf("transcript raw lost upstream fields: %s", ev.Raw)
	}
	ev = nextEvent(t, events)
	if ev.Kind != KindToolCallRequest || ev.ToolCall.CallID != "c1" || string(ev.ToolCall.Arguments) != `{"city":"Paris"}` {
		t.Fatalf("tool call event = %+v", ev)
	}

	if err := ch.SendAudio(context.Background(), audio.Frame{Seq: 1, PCM: []byte{9, 9}}); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	msg := f.next(t)
	if msg["type"] != "input_audio_buffer.append" || msg["audio"] != base64.StdEncoding.EncodeToString([]byte{9, 9}) {
		t.Fatalf("append message = %v", msg)
	}

	if err := ch.SendToolResult(context.Background(), ToolCallResponse{CallID: "c1", Output: json.RawMessage(`{"temp_c":18}`)}); err != nil {
		t.Fatalf("SendToolResult() error = %v", err)
	}
	msg = f.next(t)
	item := msg["item"].(map[string]any)
	if msg["type"] != "conversation.item.create" || item["call_id"] != "c1" || item["output"] != `{"temp_c":18}` {
		t.Fatalf("tool result message = %v", msg)
	}
	if msg = f.next(t); msg["type"] != "response.create" {
		t.Fatalf("follow-up message = %v, want response.create", msg)
	}

	if err := ch.SendControl(context.Background(), ControlCancelResponse); err != nil {
		t.Fatalf("SendControl() error = %v", err)
	}
	if msg = f.next(t); msg["type"] != "response.cancel" {
		t.Fatalf("control message = %v", msg)
	}
}

func TestRealtimeChannelBinaryTransport(t *testing.T) {
	f := newFakeUpstream(t)
	f.script = func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{7, 7})
	}
	srv := f.serve()
	defer srv.Close()

	ch := NewRealtimeChannel(RealtimeOptions{URL: wsURL(srv), APIKey: "sk-test", Model: "rt-model", AudioTransport: TransportBinary})
	defer ch.Close()
	if err := ch.Connect(context.Background(), SessionConfig{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	f.next(t)

	if err := ch.SendAudio(context.Background(), audio.Frame{PCM: []byte{1, 0}}); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	select {
	case data := <-f.binary:
		if string(data) != string([]byte{1, 0}) {
			t.Fatalf("binary frame = %v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for binary audio")
	}

	for {
		ev := nextEvent(t, ch.Events())
		if ev.Kind == KindAudioDelta {
			if ev.Type != "binary" || string(ev.Audio) != string([]byte{7, 7}) {
				t.Fatalf("binary audio event = %+v", ev)
			}
			break
		}
	}
}

func TestRealtimeChannelHandshakeError(t *testing.T) {
	f := newFakeUpstream(t)
	f.reject = true
	srv := f.serve()
	defer srv.Close()

	ch := NewRealtimeChannel(RealtimeOptions{URL: wsURL(srv), APIKey: "sk-test", Model: "rt-model"})
	err := ch.Connect(context.Background(), SessionConfig{})
	var upErr *Error
	if !errors.As(err, &upErr) || upErr.Code != "invalid_value" {
		t.Fatalf("Connect() error = %v, want upstream error invalid_value", err)
	}
	if _, ok := <-ch.Events(); ok {
		t.Fatalf("events channel still open after failed connect")
	}
}

func TestRealtimeChannelDialRejected(t *testing.T) {
	f := newFakeUpstream(t)
	srv := f.serve()
	defer srv.Close()

	ch := NewRealtimeChannel(RealtimeOptions{URL: wsURL(srv), APIKey: "wrong", Model: "rt-model"})
	if err := ch.Connect(context.Background(), SessionConfig{}); err == nil {
		t.Fatalf("Connect() error = nil for rejected dial")
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestRealtimeChannelHandshakeTimeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := NewRealtimeChannel(RealtimeOptions{URL: wsURL(srv)})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := ch.Connect(ctx, SessionConfig{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect() error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("Connect() took %v, timeout not honored", time.Since(start))
	}
}

func TestRealtimeChannelUpstreamDisconnect(t *testing.T) {
	f := newFakeUpstream(t)
	f.script = func(conn *websocket.Conn) {
		_ = conn.Close()
	}
	srv := f.serve()
	defer srv.Close()

	ch := NewRealtimeChannel(RealtimeOptions{URL: wsURL(srv), APIKey: "sk-test", Model: "rt-model"})
	defer ch.Close()
	if err := ch.Connect(context.Background(), SessionConfig{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch.Events():
			if !ok {
				if !errors.Is(ch.Err(), ErrClosed) {
					t.Fatalf("Err() = %v, want ErrClosed", ch.Err())
				}
				return
			}
		case <-deadline:
			t.Fatalf("events channel not closed after upstream disconnect")
		}
	}
}

func TestRealtimeChannelCloseBeforeConnect(t *testing.T) {
	ch := NewRealtimeChannel(RealtimeOptions{URL: "ws://127.0.0.1:1"})
	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := ch.SendAudio(context.Background(), audio.Frame{PCM: []byte{0, 0}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendAudio() error = %v, want ErrClosed", err)
	}
	if err := ch.Connect(context.Background(), SessionConfig{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect() error = %v, want ErrClosed", err)
	}
	if _, ok := <-ch.Events(); ok {
		t.Fatalf("events channel open after Close")
	}
}

func TestSendBeforeConnect(t *testing.T) {
	ch := NewRealtimeChannel(RealtimeOptions{URL: "ws://127.0.0.1:1"})
	defer ch.Close()
	if err := ch.SendControl(context.Background(), ControlCommitAudio); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendControl() error = %v, want ErrNotConnected", err)
	}
}
