package upstream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/audio"
)

const (
	TransportBase64 = "base64"
	TransportBinary = "binary"
)

type RealtimeOptions struct {
	URL            string
	APIKey         string
	Model          string
	AudioTransport string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	Logger         *slog.Logger
}

// RealtimeChannel speaks an OpenAI-Realtime compatible websocket protocol.
type RealtimeChannel struct {
	opts   RealtimeOptions
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool
	err     error

	writeMu   sync.Mutex
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewRealtimeChannel(opts RealtimeOptions) *RealtimeChannel {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 120 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.ReadTimeout {
		opts.PingInterval = opts.ReadTimeout / 4
	}
	if opts.AudioTransport == "" {
		opts.AudioTransport = TransportBase64
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RealtimeChannel{
		opts:   opts,
		logger: logger.With("component", "upstream"),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
}

// NewRealtimeFactory returns a Factory producing RealtimeChannels.
func NewRealtimeFactory(opts RealtimeOptions) Factory {
	return func() Channel { return NewRealtimeChannel(opts) }
}

func (c *RealtimeChannel) dialURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	if c.opts.Model != "" {
		q := u.Query()
		if q.Get("model") == "" {
			q.Set("model", c.opts.Model)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *RealtimeChannel) Connect(ctx context.Context, cfg SessionConfig) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("upstream already connected")
	}
	c.mu.Unlock()

	target, err := c.dialURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.opts.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial upstream: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial upstream: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	// Reads below have no context support; closing the conn unblocks them.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	pending, err := c.handshake(conn, cfg)
	if !stop() {
		if err == nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		_ = c.Close()
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return fmt.Errorf("upstream handshake: %w", ctxErr)
		}
		return fmt.Errorf("upstream handshake: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.started = true
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})
	go c.readLoop(conn, pending)
	go c.keepAlive(conn)
	return nil
}

// handshake sends session.update and reads until session.updated. Events
// seen before the acknowledgement are returned so they can be delivered first.
func (c *RealtimeChannel) handshake(conn *websocket.Conn, cfg SessionConfig) ([]Event, error) {
	if err := c.writeJSON(sessionUpdate(cfg)); err != nil {
		return nil, fmt.Errorf("send session.update: %w", err)
	}
	var pending []Event
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ev, ok := parseEvent(data)
		if !ok {
			continue
		}
		if ev.Kind == KindError {
			return nil, ev.Err
		}
		pending = append(pending, ev)
		if ev.Type == "session.updated" {
			return pending, nil
		}
	}
}

func (c *RealtimeChannel) readLoop(conn *websocket.Conn, pending []Event) {
	defer close(c.events)

	for _, ev := range pending {
		if !c.emit(ev) {
			return
		}
	}
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.err = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			c.mu.Unlock()
			return
		}

		var ev Event
		switch msgType {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			ev = Event{Kind: KindAudioDelta, Type: "binary", Audio: data}
		case websocket.TextMessage:
			var ok bool
			if ev, ok = parseEvent(data); !ok {
				c.logger.Debug("upstream event dropped", "bytes", len(data))
				continue
			}
		default:
			continue
		}
		if !c.emit(ev) {
			return
		}
	}
}

func (c *RealtimeChannel) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *RealtimeChannel) keepAlive(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *RealtimeChannel) Events() <-chan Event { return c.events }

func (c *RealtimeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *RealtimeChannel) SendAudio(_ context.Context, frame audio.Frame) error {
	if c.opts.AudioTransport == TransportBinary {
		return c.write(websocket.BinaryMessage, frame.PCM)
	}
	return c.writeJSON(map[string]string{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(frame.PCM),
	})
}

func (c *RealtimeChannel) SendControl(_ context.Context, ctl Control) error {
	switch ctl {
	case ControlCancelResponse, ControlCommitAudio, ControlClearAudio:
	default:
		return fmt.Errorf("unsupported upstream control %q", ctl)
	}
	return c.writeJSON(map[string]string{"type": string(ctl)})
}

func (c *RealtimeChannel) SendToolResult(_ context.Context, r ToolCallResponse) error {
	if strings.TrimSpace(r.CallID) == "" {
		return errors.New("tool result without call id")
	}
	if err := c.writeJSON(toolResultItem(r)); err != nil {
		return err
	}
	return c.writeJSON(map[string]string{"type": "response.create"})
}

func (c *RealtimeChannel) writeJSON(v any) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return conn.WriteJSON(v)
}

func (c *RealtimeChannel) write(messageType int, data []byte) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return conn.WriteMessage(messageType, data)
}

func (c *RealtimeChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		if !c.started {
			// No read loop owns the events channel yet.
			c.started = true
			close(c.events)
		}
		c.mu.Unlock()
		close(c.done)

		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
	})
	return nil
}
