package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/auth"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/policy"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/registry"
	"github.com/ent0n29/voicerelay/internal/reliability"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/tools"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUpstreamConnect = errors.New("upstream connect failed")
	ErrUpstreamClosed  = errors.New("upstream closed")
	ErrShuttingDown    = errors.New("server shutting down")
)

const (
	defaultConnectTimeout = 10 * time.Second
	sessionEndTimeout     = 5 * time.Second
	logTextLimit          = 200

	// unregisteredToolLabel replaces model-chosen names in metric labels.
	unregisteredToolLabel = "unregistered"
)

// Dependencies are the collaborators shared by every orchestrator.
type Dependencies struct {
	Verifier auth.Verifier
	Sessions session.Store
	// Tools may be nil, in which case no tools are offered upstream.
	Tools    tools.Gateway
	Upstream upstream.Factory
	Registry *registry.Registry
	Metrics  *observability.Metrics
	Logger   *slog.Logger

	// SessionConfig is the base upstream configuration; Tools is filled per
	// connection from the gateway.
	SessionConfig  upstream.SessionConfig
	ConnectTimeout time.Duration
	MaxFrameBytes  int
}

// ConnInfo describes the client side of a connection.
type ConnInfo struct {
	RemoteAddr string
	UserAgent  string
}

type toolResult struct {
	callID   string
	toolName string
	output   []byte
	err      error
	elapsed  time.Duration
}

// Orchestrator relays one client connection. It is not reusable: Run may be
// called once.
type Orchestrator struct {
	deps   Dependencies
	connID string
	logger *slog.Logger

	phase     atomic.Int32
	stop      chan struct{}
	stopOnce  sync.Once
	cleanOnce sync.Once

	// Owned by the Run goroutine.
	principal  auth.Principal
	session    *session.VoiceSession
	up         upstream.Channel
	toolSet    tools.Set
	pending    map[string]time.Time
	answered   map[string]struct{}
	toolDone   chan toolResult
	inSeq      audio.Sequencer
	outSeq     audio.Sequencer
	readySent  bool
	bridgedAt  time.Time
	unregister func()
	outbound   chan<- any

	runCtx   context.Context
	toolWG   sync.WaitGroup
	closeTag string
}

func NewOrchestrator(deps Dependencies, connID string) *Orchestrator {
	if deps.ConnectTimeout <= 0 {
		deps.ConnectTimeout = defaultConnectTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:     deps,
		connID:   connID,
		logger:   logger.With("connection_id", connID),
		stop:     make(chan struct{}),
		pending:  make(map[string]time.Time),
		answered: make(map[string]struct{}),
		toolDone: make(chan toolResult),
	}
}

func (o *Orchestrator) ConnectionID() string { return o.connID }

func (o *Orchestrator) Phase() Phase { return Phase(o.phase.Load()) }

// Close asks the orchestrator to shut down. It is safe to call any number of
// times from any goroutine.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() { close(o.stop) })
}

func (o *Orchestrator) transition(to Phase) error {
	from := o.Phase()
	if !canTransition(from, to) {
		return &transitionError{from: from, to: to}
	}
	o.phase.Store(int32(to))
	o.deps.Metrics.ObservePhase(from.String(), to.String())
	o.logger.Debug("phase transition", "from", from.String(), "to", to.String())
	return nil
}

// Run drives the connection until the client leaves, the upstream drops, or
// Close is called. inbound must be closed by the transport when the client
// disconnects. Run closes outbound before returning; outbound carries
// audio.Frame values for binary payloads and protocol messages otherwise.
func (o *Orchestrator) Run(ctx context.Context, credential string, info ConnInfo, inbound <-chan protocol.ClientFrame, outbound chan<- any) (err error) {
	defer close(outbound)
	o.outbound = outbound

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.runCtx = runCtx
	go func() {
		select {
		case <-o.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	o.deps.Metrics.ConnectionOpened()
	defer func() { o.cleanup(err) }()

	if err := o.transition(PhaseAuthenticating); err != nil {
		return err
	}
	if err := o.authenticate(runCtx, credential); err != nil {
		return err
	}
	if err := o.openSession(runCtx, info); err != nil {
		return err
	}
	if err := o.connectUpstream(runCtx); err != nil {
		return err
	}
	if err := o.transition(PhaseBridging); err != nil {
		return err
	}
	o.bridgedAt = time.Now()
	o.sendReady()
	o.logger.Info("voice relay bridging", "tools", o.toolSet.Len())

	return o.loop(runCtx, inbound)
}

func (o *Orchestrator) authenticate(ctx context.Context, credential string) error {
	start := time.Now()
	p, err := o.deps.Verifier.Verify(ctx, credential)
	o.deps.Metrics.ObserveStage(observability.StageAuth, time.Since(start))
	if err != nil && ctx.Err() != nil {
		o.closeTag = "closed_by_server"
		return ctx.Err()
	}
	if err != nil {
		o.logger.Warn("authentication failed", "error", err)
		o.closeTag = "auth_failed"
		o.send(protocol.NewError(protocol.CodeUnauthorized, protocol.SourceAuth, false, "authentication failed"))
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	o.principal = p
	o.logger = o.logger.With("user_id", p.UserID)
	return nil
}

func (o *Orchestrator) openSession(ctx context.Context, info ConnInfo) error {
	meta := map[string]string{"connection_id": o.connID}
	if info.RemoteAddr != "" {
		meta["remote_addr"] = info.RemoteAddr
	}
	if info.UserAgent != "" {
		meta["user_agent"] = info.UserAgent
	}
	s, err := o.deps.Sessions.Create(ctx, o.principal.UserID, meta)
	if err != nil {
		o.logger.Error("create voice session failed", "error", err)
		o.closeTag = "session_failed"
		o.send(protocol.NewError(protocol.CodeSessionUnavailable, protocol.SourceServer, true, "could not create voice session"))
		return fmt.Errorf("create voice session: %w", err)
	}
	o.session = &s
	o.logger = o.logger.With("session_id", s.ID)

	if o.deps.Registry != nil {
		unregister, err := o.deps.Registry.Register(registry.Handle{
			ConnectionID: o.connID,
			UserID:       o.principal.UserID,
			SessionID:    s.ID,
			RemoteAddr:   info.RemoteAddr,
			StartedAt:    s.StartedAt,
			Phase:        func() string { return o.Phase().String() },
			Close:        o.Close,
		})
		if errors.Is(err, registry.ErrClosing) {
			o.closeTag = "closed_by_server"
			o.send(protocol.NewError(protocol.CodeShuttingDown, protocol.SourceServer, true, "server is shutting down"))
			return ErrShuttingDown
		}
		if err != nil {
			o.closeTag = "register_failed"
			o.send(protocol.NewError(protocol.CodeInternal, protocol.SourceServer, false, "connection registry rejected connection"))
			return fmt.Errorf("register connection: %w", err)
		}
		o.unregister = unregister
	}
	return nil
}

func (o *Orchestrator) connectUpstream(ctx context.Context) error {
	o.toolSet = tools.NewSet(nil)
	if o.deps.Tools != nil {
		defs, err := o.deps.Tools.ListTools(ctx)
		if err != nil {
			o.logger.Warn("tool listing failed; bridging without tools", "error", err)
		} else {
			o.toolSet = tools.NewSet(defs)
		}
	}

	cfg := o.deps.SessionConfig
	cfg.Tools = o.toolSet.Definitions()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.SampleRate
	}

	o.up = o.deps.Upstream()
	connectCtx, cancel := context.WithTimeout(ctx, o.deps.ConnectTimeout)
	defer cancel()
	start := time.Now()
	if err := o.up.Connect(connectCtx, cfg); err != nil {
		if ctx.Err() != nil {
			o.closeTag = "closed_by_server"
			return ctx.Err()
		}
		o.logger.Error("upstream connect failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		o.closeTag = "upstream_connect_failed"
		retryable := true
		var upErr *upstream.Error
		if errors.As(err, &upErr) {
			retryable = upErr.Retryable
			o.deps.Metrics.ObserveUpstreamError(upErr.Code)
		} else {
			o.deps.Metrics.ObserveUpstreamError("connect")
		}
		o.send(protocol.NewError(protocol.CodeUpstreamConnect, protocol.SourceUpstream, retryable, err.Error()))
		return fmt.Errorf("%w: %v", ErrUpstreamConnect, err)
	}
	o.deps.Metrics.ObserveUpstreamConnect(time.Since(start))
	return nil
}

func (o *Orchestrator) sendReady() {
	if o.readySent {
		return
	}
	o.readySent = true
	o.send(protocol.NewReady(o.session.ID, o.session.ConversationID))
}

func (o *Orchestrator) loop(ctx context.Context, inbound <-chan protocol.ClientFrame) error {
	events := o.up.Events()
	for {
		select {
		case <-ctx.Done():
			o.closeTag = "closed_by_server"
			return nil
		case frame, ok := <-inbound:
			if !ok {
				o.closeTag = "client_disconnect"
				return nil
			}
			if hangup := o.handleClient(ctx, frame); hangup {
				o.closeTag = "client_hangup"
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				o.closeTag = "upstream_disconnect"
				detail := "upstream channel closed"
				if err := o.up.Err(); err != nil {
					detail = err.Error()
				}
				o.logger.Warn("upstream disconnected", "detail", detail)
				o.deps.Metrics.ObserveUpstreamError("disconnect")
				o.send(protocol.NewError(protocol.CodeUpstreamClosed, protocol.SourceUpstream, true, detail))
				return ErrUpstreamClosed
			}
			o.handleUpstream(ctx, ev)
		case res := <-o.toolDone:
			o.finishTool(ctx, res)
		}
	}
}

// handleClient processes one inbound client frame and reports whether the
// client asked to hang up.
func (o *Orchestrator) handleClient(ctx context.Context, frame protocol.ClientFrame) bool {
	if frame.Binary {
		if err := audio.ValidatePCM16(frame.Data, o.deps.MaxFrameBytes); err != nil {
			o.send(protocol.NewError(protocol.CodeInvalidAudioFrame, protocol.SourceClient, false, err.Error()))
			return false
		}
		if err := o.up.SendAudio(ctx, o.inSeq.Stamp(frame.Data)); err != nil {
			o.logger.Debug("forward audio failed", "error", err, "seq", o.inSeq.Last())
		}
		return false
	}

	msg, err := protocol.ParseClientMessage(frame.Data)
	switch {
	case errors.Is(err, protocol.ErrUnsupportedType):
		o.send(protocol.NewError(protocol.CodeUnsupportedMessage, protocol.SourceClient, false, err.Error()))
		return false
	case err != nil:
		o.send(protocol.NewError(protocol.CodeInvalidMessage, protocol.SourceClient, false, err.Error()))
		return false
	}

	var ctl upstream.Control
	switch msg.Action {
	case protocol.ActionHangup:
		return true
	case protocol.ActionStop:
		ctl = upstream.ControlCancelResponse
	case protocol.ActionCommit:
		ctl = upstream.ControlCommitAudio
	case protocol.ActionClear:
		ctl = upstream.ControlClearAudio
	}
	if err := o.up.SendControl(ctx, ctl); err != nil {
		o.logger.Debug("forward control failed", "action", string(msg.Action), "error", err)
	}
	return false
}

func (o *Orchestrator) handleUpstream(ctx context.Context, ev upstream.Event) {
	switch ev.Kind {
	case upstream.KindAudioDelta:
		frame := o.outSeq.Stamp(ev.Audio)
		if frame.Seq == 1 {
			o.deps.Metrics.ObserveStage(observability.StageFirstUpstreamAudio, time.Since(o.bridgedAt))
		}
		o.send(frame)
	case upstream.KindTranscript:
		if ev.Transcript != nil && ev.Transcript.Final {
			o.logger.Debug("transcript", "event", ev.Type, "text", policy.LogSafe(ev.Transcript.Text, logTextLimit))
		}
		o.send(protocol.UpstreamEvent{Type: protocol.TypeTranscript, Event: ev.Type, Payload: ev.Raw})
	case upstream.KindSessionConfig:
		if ev.Session != nil && ev.Session.ConversationID != "" && o.session.ConversationID == "" {
			o.session.ConversationID = ev.Session.ConversationID
			if err := o.deps.Sessions.SetConversationID(ctx, o.session.SessionToken, ev.Session.ConversationID); err != nil {
				o.logger.Warn("record conversation id failed", "error", err)
			}
		}
		o.send(protocol.UpstreamEvent{Type: protocol.TypeStatus, Event: ev.Type, Payload: ev.Raw})
	case upstream.KindToolCallRequest:
		if ev.ToolCall != nil {
			o.dispatchTool(ctx, *ev.ToolCall)
		}
	case upstream.KindToolCallResponse:
		if ev.ToolResult == nil {
			return
		}
		if _, ok := o.answered[ev.ToolResult.CallID]; ok {
			return
		}
		if _, ok := o.pending[ev.ToolResult.CallID]; !ok {
			o.logger.Warn("tool response for unknown call id dropped", "call_id", ev.ToolResult.CallID)
		}
	case upstream.KindError:
		e := ev.Err
		if e == nil {
			e = &upstream.Error{Message: "unknown upstream error"}
		}
		o.deps.Metrics.ObserveUpstreamError(e.Code)
		o.logger.Warn("upstream error", "code", e.Code, "message", e.Message)
		retryable := e.Retryable || reliability.IsRetryableUpstreamError(e.Code)
		o.send(protocol.NewError(protocol.CodeUpstreamError, protocol.SourceUpstream, retryable, e.Message))
	}
}

func (o *Orchestrator) dispatchTool(ctx context.Context, req upstream.ToolCallRequest) {
	log := o.logger.With("call_id", req.CallID, "tool", req.ToolName)
	if req.CallID == "" {
		log.Warn("tool call without call id dropped")
		return
	}
	if _, dup := o.pending[req.CallID]; dup {
		log.Warn("duplicate tool call id dropped")
		return
	}
	if _, dup := o.answered[req.CallID]; dup {
		log.Warn("tool call id already answered; dropped")
		return
	}

	if !o.toolSet.Has(req.ToolName) {
		log.Warn("tool call for unregistered tool")
		o.deps.Metrics.ObserveToolCall(unregisteredToolLabel, "unknown_tool", 0)
		o.respondTool(ctx, upstream.ToolCallResponse{
			CallID:  req.CallID,
			Output:  tools.ErrorPayload(fmt.Errorf("%w: %s", tools.ErrUnknownTool, req.ToolName)),
			IsError: true,
		})
		return
	}

	log.Debug("tool call dispatched", "arguments", policy.LogSafe(string(req.Arguments), logTextLimit))
	o.pending[req.CallID] = time.Now()
	o.toolWG.Add(1)
	go func() {
		defer o.toolWG.Done()
		start := time.Now()
		out, err := o.deps.Tools.Execute(ctx, req.ToolName, req.Arguments, o.principal)
		res := toolResult{callID: req.CallID, toolName: req.ToolName, output: out, err: err, elapsed: time.Since(start)}
		select {
		case o.toolDone <- res:
		case <-ctx.Done():
			log.Debug("tool result discarded after close", "error", err)
		}
	}()
}

func (o *Orchestrator) finishTool(ctx context.Context, res toolResult) {
	if _, ok := o.pending[res.callID]; !ok {
		o.logger.Warn("tool completion for unknown call id dropped", "call_id", res.callID)
		return
	}
	delete(o.pending, res.callID)

	resp := upstream.ToolCallResponse{CallID: res.callID, Output: res.output}
	outcome := "ok"
	if res.err != nil {
		outcome = "error"
		resp.Output = tools.ErrorPayload(res.err)
		resp.IsError = true
		o.logger.Warn("tool call failed", "call_id", res.callID, "tool", res.toolName, "error", res.err)
	}
	o.deps.Metrics.ObserveToolCall(res.toolName, outcome, res.elapsed)
	o.respondTool(ctx, resp)
}

func (o *Orchestrator) respondTool(ctx context.Context, resp upstream.ToolCallResponse) {
	o.answered[resp.CallID] = struct{}{}
	if err := o.up.SendToolResult(ctx, resp); err != nil {
		o.logger.Warn("send tool result failed", "call_id", resp.CallID, "error", err)
	}
}

// send delivers msg to the transport, giving up once the connection is
// shutting down.
func (o *Orchestrator) send(msg any) {
	select {
	case o.outbound <- msg:
	case <-o.runCtx.Done():
	}
}

// cleanup runs the terminal path exactly once.
func (o *Orchestrator) cleanup(runErr error) {
	o.cleanOnce.Do(func() {
		bridged := o.Phase() == PhaseBridging
		if bridged {
			_ = o.transition(PhaseClosing)
		}

		if o.up != nil {
			_ = o.up.Close()
		}
		if o.session != nil {
			ctx, cancel := context.WithTimeout(context.Background(), sessionEndTimeout)
			if err := o.deps.Sessions.End(ctx, o.session.SessionToken); err != nil {
				o.logger.Error("end voice session failed", "error", err)
			}
			cancel()
		}
		if o.unregister != nil {
			o.unregister()
		}

		if bridged {
			_ = o.transition(PhaseClosed)
		} else {
			_ = o.transition(PhaseFailed)
		}
		tag := o.closeTag
		if tag == "" {
			tag = "closed"
		}
		o.deps.Metrics.ConnectionClosed(tag)
		o.logger.Info("voice relay closed", "reason", tag, "phase", o.Phase().String(), "error", runErr)
	})
}

// waitTools blocks until every tool goroutine has returned.
func (o *Orchestrator) waitTools() { o.toolWG.Wait() }
