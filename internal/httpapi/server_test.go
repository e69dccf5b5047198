package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/auth"
	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/registry"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/upstream"
	"github.com/ent0n29/voicerelay/internal/voice"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	return newTestServerWith(t, nil)
}

func newTestServerWith(t *testing.T, mutate func(*voice.Dependencies)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Config{
		AuthCookieName:    "auth_session",
		UpstreamMode:      "mock",
		ToolGatewayMode:   "none",
		WSMaxMessageBytes: 1 << 20,
		WSReadTimeout:     10 * time.Second,
		WSWriteTimeout:    time.Second,
		WSPingInterval:    time.Second,
	}
	deps := voice.Dependencies{
		Verifier:       auth.NewStaticVerifier(map[string]string{"good-token": "user-1"}),
		Sessions:       session.NewMemoryStore(),
		Upstream:       upstream.NewMockFactory(),
		Registry:       registry.New(),
		Metrics:        observability.NewMetrics("httpapi_test"),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		SessionConfig:  upstream.SessionConfig{Voice: "alloy", TurnDetection: "server_vad"},
		ConnectTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv := New(cfg, deps)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Drain(ctx)
		ts.Close()
	})
	return srv, ts
}

func dialRelay(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/ws"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		t.Fatalf("dial relay error = %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

type jsonMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Code      string          `json:"code"`
	Source    string          `json:"source"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
}

func readJSON(t *testing.T, conn *websocket.Conn) jsonMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", msgType)
	}
	var msg jsonMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read error = %v, want close frame %d", err, code)
		}
		if ce.Code != code {
			t.Fatalf("close code = %d, want %d", ce.Code, code)
		}
		return
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return res.StatusCode
}

func TestVoiceRelayEndToEnd(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialRelay(t, ts, bearer("good-token"))

	ready := readJSON(t, conn)
	if ready.Type != "ready" || ready.SessionID == "" {
		t.Fatalf("first message = %+v, want ready with session id", ready)
	}

	pcm := make([]byte, 960)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm[:480]); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm[480:]); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"control","action":"commit"}`)); err != nil {
		t.Fatalf("write commit: %v", err)
	}

	var got []byte
	sawTranscript := false
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < len(pcm) && time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		if msgType == websocket.BinaryMessage {
			got = append(got, data...)
			continue
		}
		var msg jsonMessage
		_ = json.Unmarshal(data, &msg)
		if msg.Type == "transcript" {
			sawTranscript = true
			if msg.Event != "response.audio_transcript.done" || !strings.Contains(string(msg.Payload), `"transcript":"echo"`) {
				t.Fatalf("transcript = %+v", msg)
			}
		}
	}
	if !sawTranscript {
		t.Fatalf("no transcript event before echoed audio")
	}
	if string(got) != string(pcm) {
		t.Fatalf("echoed audio mismatch: got %d bytes", len(got))
	}

	var conns struct {
		Count       int             `json:"count"`
		Connections []registry.Info `json:"connections"`
	}
	if status := getJSON(t, ts.URL+"/v1/voice/connections", &conns); status != http.StatusOK {
		t.Fatalf("connections status = %d", status)
	}
	if conns.Count != 1 || conns.Connections[0].UserID != "user-1" || conns.Connections[0].Phase != "bridging" {
		t.Fatalf("connections = %+v", conns)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"control","action":"hangup"}`)); err != nil {
		t.Fatalf("write hangup: %v", err)
	}
	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestVoiceRelayCookieCredential(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialRelay(t, ts, http.Header{"Cookie": []string{"auth_session=good-token"}})
	if msg := readJSON(t, conn); msg.Type != "ready" {
		t.Fatalf("first message = %+v, want ready", msg)
	}
}

func TestVoiceRelayRejectsBadCredential(t *testing.T) {
	srv, ts := newTestServer(t)
	conn := dialRelay(t, ts, bearer("stolen"))

	msg := readJSON(t, conn)
	if msg.Type != "error" || msg.Code != "unauthorized" || msg.Source != "auth" {
		t.Fatalf("first message = %+v, want unauthorized error", msg)
	}
	expectClose(t, conn, websocket.ClosePolicyViolation)
	if n := srv.Registry().Count(); n != 0 {
		t.Fatalf("registered connections = %d, want 0", n)
	}
}

func TestVoiceRelayMalformedFramesKeepConnection(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialRelay(t, ts, bearer("good-token"))
	if msg := readJSON(t, conn); msg.Type != "ready" {
		t.Fatalf("first message = %+v, want ready", msg)
	}

	_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat","text":"hi"}`))

	want := []string{"invalid_audio_frame", "unsupported_message"}
	var codes []string
	for len(codes) < len(want) {
		msg := readJSON(t, conn)
		if msg.Type == "error" {
			codes = append(codes, msg.Code)
		}
	}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("error codes = %v, want %v", codes, want)
		}
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"control","action":"clear"}`))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"control","action":"hangup"}`))
	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestCloseConnectionEndpoint(t *testing.T) {
	srv, ts := newTestServer(t)
	conn := dialRelay(t, ts, bearer("good-token"))
	if msg := readJSON(t, conn); msg.Type != "ready" {
		t.Fatalf("first message = %+v, want ready", msg)
	}

	infos := srv.Registry().Snapshot()
	if len(infos) != 1 {
		t.Fatalf("registered connections = %d, want 1", len(infos))
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/voice/connections/"+infos[0].ConnectionID, nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE connection error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("DELETE status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
	expectClose(t, conn, websocket.CloseNormalClosure)

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/v1/voice/connections/unknown", nil)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE unknown error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("DELETE unknown status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestDrainClosesConnectionsAndFlipsReadiness(t *testing.T) {
	srv, ts := newTestServer(t)

	if status := getJSON(t, ts.URL+"/healthz", nil); status != http.StatusOK {
		t.Fatalf("healthz status = %d", status)
	}
	if status := getJSON(t, ts.URL+"/readyz", nil); status != http.StatusOK {
		t.Fatalf("readyz status = %d", status)
	}

	conn := dialRelay(t, ts, bearer("good-token"))
	if msg := readJSON(t, conn); msg.Type != "ready" {
		t.Fatalf("first message = %+v, want ready", msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	closed, drained := srv.Drain(ctx)
	if closed != 1 || !drained {
		t.Fatalf("Drain() = (%d, %v), want (1, true)", closed, drained)
	}
	expectClose(t, conn, websocket.CloseNormalClosure)

	var ready map[string]any
	if status := getJSON(t, ts.URL+"/readyz", &ready); status != http.StatusServiceUnavailable || ready["status"] != "draining" {
		t.Fatalf("readyz = %d %v, want 503 draining", status, ready)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/ws"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, bearer("good-token"))
	if err == nil || res == nil || res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("dial while draining: err=%v res=%v, want 503", err, res)
	}
}

// gatedVerifier holds every Verify call until release is closed.
type gatedVerifier struct {
	inner   auth.Verifier
	entered chan struct{}
	release chan struct{}
}

func (g *gatedVerifier) Verify(ctx context.Context, credential string) (auth.Principal, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return auth.Principal{}, ctx.Err()
	}
	return g.inner.Verify(ctx, credential)
}

func TestDrainRefusesConnectionStillAuthenticating(t *testing.T) {
	store := session.NewMemoryStore()
	gate := &gatedVerifier{
		inner:   auth.NewStaticVerifier(map[string]string{"good-token": "user-1"}),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	srv, ts := newTestServerWith(t, func(d *voice.Dependencies) {
		d.Verifier = gate
		d.Sessions = store
	})
	conn := dialRelay(t, ts, bearer("good-token"))

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("verifier was never called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if closed, drained := srv.Drain(ctx); closed != 0 || !drained {
		t.Fatalf("Drain() = (%d, %v), want (0, true)", closed, drained)
	}
	close(gate.release)

	msg := readJSON(t, conn)
	if msg.Type != "error" || msg.Code != "shutting_down" || msg.Source != "server" {
		t.Fatalf("first message = %+v, want shutting_down error", msg)
	}
	expectClose(t, conn, websocket.CloseGoingAway)

	if n := srv.Registry().Count(); n != 0 {
		t.Fatalf("registered connections after drain = %d, want 0", n)
	}
	if active := store.Active(); len(active) != 0 {
		t.Fatalf("active sessions after drain = %+v, want none", active)
	}
}

func TestRejectsCrossOriginUpgrade(t *testing.T) {
	_, ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/ws"
	header := bearer("good-token")
	header.Set("Origin", "https://evil.example")
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("cross-origin upgrade succeeded")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin response = %v, want 403", res)
	}
}

func TestMetricsAndPerfEndpoints(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialRelay(t, ts, bearer("good-token"))
	if msg := readJSON(t, conn); msg.Type != "ready" {
		t.Fatalf("first message = %+v, want ready", msg)
	}

	// The outbound counter is bumped after the write returns, so poll briefly.
	var body string
	for i := 0; i < 50; i++ {
		res, err := http.Get(ts.URL + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics error = %v", err)
		}
		raw, _ := io.ReadAll(res.Body)
		res.Body.Close()
		body = string(raw)
		if strings.Contains(body, `httpapi_test_ws_messages_total{direction="outbound",type="ready"} 1`) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(body, "httpapi_test_active_connections 1") {
		t.Fatalf("metrics missing active connection gauge:\n%s", body)
	}
	if !strings.Contains(body, `httpapi_test_ws_messages_total{direction="outbound",type="ready"} 1`) {
		t.Fatalf("metrics missing outbound ready counter")
	}

	var perf observability.StageSnapshot
	if status := getJSON(t, ts.URL+"/v1/perf/latency", &perf); status != http.StatusOK {
		t.Fatalf("perf status = %d", status)
	}
	found := false
	for _, st := range perf.Stages {
		if st.Stage == observability.StageAuth && st.Samples >= 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("perf snapshot missing auth stage: %+v", perf)
	}
}
