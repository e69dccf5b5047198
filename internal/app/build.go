package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/httpapi"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/registry"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/tools"
	"github.com/ent0n29/voicerelay/internal/upstream"
	"github.com/ent0n29/voicerelay/internal/voice"
)

type BuildResult struct {
	Config   config.Config
	Logger   *slog.Logger
	API      *httpapi.Server
	Sessions session.Store
	Tools    tools.Gateway
	Registry *registry.Registry
	Metrics  *observability.Metrics

	// Cleanup releases external resources (DB pool). Call it after Serve returns.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	verifier, err := NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	gateway, err := NewToolGateway(cfg)
	if err != nil {
		return nil, err
	}
	factory, err := NewUpstreamFactory(cfg, logger)
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	reg := registry.New()
	api := httpapi.New(cfg, voice.Dependencies{
		Verifier: verifier,
		Sessions: sessions,
		Tools:    gateway,
		Upstream: factory,
		Registry: reg,
		Metrics:  metrics,
		Logger:   logger,
		SessionConfig: upstream.SessionConfig{
			Model:         cfg.UpstreamModel,
			Voice:         cfg.UpstreamVoice,
			Instructions:  cfg.UpstreamInstructions,
			TurnDetection: cfg.UpstreamTurnDetection,
		},
		ConnectTimeout: cfg.UpstreamConnectTimeout,
		MaxFrameBytes:  int(cfg.WSMaxMessageBytes),
	})

	cleanup := func() error {
		var errs []string
		if err := sessions.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		Logger:   logger,
		API:      api,
		Sessions: sessions,
		Tools:    gateway,
		Registry: reg,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}

// Serve runs the HTTP server until ctx ends, then drains live relay
// connections and shuts the listener down within cfg.ShutdownTimeout.
func (b *BuildResult) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    b.Config.BindAddr,
		Handler: b.API.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		b.Logger.Info("server listening",
			"addr", b.Config.BindAddr,
			"auth_mode", b.Config.AuthMode,
			"upstream_mode", b.Config.UpstreamMode,
			"tool_gateway_mode", b.Config.ToolGatewayMode,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	b.Logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), b.Config.ShutdownTimeout)
	defer cancel()

	closed, drained := b.API.Drain(shutdownCtx)
	if !drained {
		b.Logger.Warn("relay connections still open at shutdown deadline", "asked_to_close", closed, "remaining", b.Registry.Count())
	} else {
		b.Logger.Info("relay connections drained", "closed", closed)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		b.Logger.Error("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	<-errCh
	b.Logger.Info("shutdown complete")
	return nil
}
