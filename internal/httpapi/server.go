package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/auth"
	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/registry"
	"github.com/ent0n29/voicerelay/internal/voice"
)

const closeGracePeriod = time.Second

type Server struct {
	cfg      config.Config
	deps     voice.Dependencies
	registry *registry.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	draining atomic.Bool
}

// New builds the HTTP surface. deps is handed to one orchestrator per
// websocket connection; its Registry must be set.
func New(cfg config.Config, deps voice.Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = registry.New()
	}
	if deps.MaxFrameBytes <= 0 && cfg.WSMaxMessageBytes > 0 {
		deps.MaxFrameBytes = int(cfg.WSMaxMessageBytes)
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		registry: deps.Registry,
		metrics:  deps.Metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/voice/ws", s.handleVoiceWS)
	r.Get("/v1/voice/connections", s.handleListConnections)
	r.Delete("/v1/voice/connections/{id}", s.handleCloseConnection)

	return r
}

// Drain stops accepting relay connections, closes every live one and waits
// for them to finish or ctx to end. It reports how many were asked to close
// and whether all of them finished.
func (s *Server) Drain(ctx context.Context) (int, bool) {
	s.draining.Store(true)
	n := s.registry.CloseAll()
	return n, s.registry.Wait(ctx)
}

func (s *Server) Registry() *registry.Registry { return s.registry }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":             "draining",
			"active_connections": s.registry.Count(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"active_connections": s.registry.Count(),
		"upstream_mode":      s.cfg.UpstreamMode,
		"tool_gateway_mode":  s.cfg.ToolGatewayMode,
	})
}

func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	conns := s.registry.Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"count":       len(conns),
		"connections": conns,
	})
}

func (s *Server) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_connection_id", "missing connection id")
		return
	}
	h, ok := s.registry.Lookup(id)
	if !ok {
		respondError(w, http.StatusNotFound, "connection_not_found", "no live connection with that id")
		return
	}
	h.Close()
	s.logger.Info("connection closed by operator", "connection_id", id)
	respondJSON(w, http.StatusAccepted, map[string]any{
		"connection_id": id,
		"status":        "closing",
	})
}

func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		respondError(w, http.StatusServiceUnavailable, "draining", "server is shutting down")
		return
	}
	credential := auth.CredentialFromRequest(r, s.cfg.AuthCookieName)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	logger := s.logger.With("connection_id", connID)
	orch := voice.NewOrchestrator(s.deps, connID)

	inbound := make(chan protocol.ClientFrame, 64)
	outbound := make(chan any, 256)
	runErr := make(chan error, 1)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		runErr <- orch.Run(r.Context(), credential, voice.ConnInfo{
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		}, inbound, outbound)
	}()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readPump(conn, inbound, runDone)
	}()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		s.pingPump(conn, runDone)
	}()

	s.writePump(conn, orch, outbound, logger)

	err = <-runErr
	code, reason := closeCodeFor(err)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeGracePeriod))
	_ = conn.Close()
	<-readerDone
	<-pingDone
}

// readPump feeds client frames to the orchestrator and closes inbound when the
// client goes away.
func (s *Server) readPump(conn *websocket.Conn, inbound chan<- protocol.ClientFrame, runDone <-chan struct{}) {
	defer close(inbound)

	if s.cfg.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.WSMaxMessageBytes)
	}
	readTimeout := s.cfg.WSReadTimeout
	if readTimeout <= 0 {
		readTimeout = 120 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		frame := protocol.ClientFrame{Binary: msgType == websocket.BinaryMessage, Data: data}
		if frame.Binary {
			s.metrics.ObserveWSMessage("inbound", "audio")
		} else {
			s.metrics.ObserveWSMessage("inbound", "text")
		}
		select {
		case inbound <- frame:
		case <-runDone:
			return
		}
	}
}

func (s *Server) pingPump(conn *websocket.Conn, runDone <-chan struct{}) {
	if s.cfg.WSPingInterval <= 0 {
		<-runDone
		return
	}
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-runDone:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout())); err != nil {
				return
			}
		}
	}
}

// writePump is the only writer of data frames. It drains outbound until the
// orchestrator closes it, even after a write failure.
func (s *Server) writePump(conn *websocket.Conn, orch *voice.Orchestrator, outbound <-chan any, logger *slog.Logger) {
	failed := false
	for msg := range outbound {
		if failed {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout()))
		var err error
		if f, ok := msg.(audio.Frame); ok {
			err = conn.WriteMessage(websocket.BinaryMessage, f.PCM)
		} else {
			err = conn.WriteJSON(msg)
		}
		if err != nil {
			logger.Debug("websocket write failed", "error", err)
			s.metrics.ObserveWSMessage("outbound", "write_error")
			failed = true
			orch.Close()
			continue
		}
		s.metrics.ObserveWSMessage("outbound", messageTypeOf(msg))
	}
}

func (s *Server) writeTimeout() time.Duration {
	if s.cfg.WSWriteTimeout > 0 {
		return s.cfg.WSWriteTimeout
	}
	return 10 * time.Second
}

func closeCodeFor(err error) (int, string) {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure, "bye"
	case errors.Is(err, voice.ErrUnauthorized):
		return websocket.ClosePolicyViolation, "unauthorized"
	case errors.Is(err, voice.ErrShuttingDown):
		return websocket.CloseGoingAway, "server shutting down"
	case errors.Is(err, voice.ErrUpstreamConnect), errors.Is(err, voice.ErrUpstreamClosed):
		return websocket.CloseTryAgainLater, "upstream unavailable"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) string {
	switch m := v.(type) {
	case audio.Frame:
		return "audio"
	case protocol.Ready:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	case protocol.UpstreamEvent:
		return string(m.Type)
	default:
		return "other"
	}
}
