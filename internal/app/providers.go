package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ent0n29/voicerelay/internal/auth"
	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/tools"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg config.Config, out io.Writer) (*slog.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(cfg.LogFormat)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(out, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT: %q (expected text|json)", cfg.LogFormat)
	}
}

func NewVerifier(cfg config.Config) (auth.Verifier, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.AuthMode)) {
	case "static":
		return auth.NewStaticVerifier(cfg.AuthStaticTokens), nil
	case "http":
		if strings.TrimSpace(cfg.AuthHTTPURL) == "" {
			return nil, fmt.Errorf("AUTH_MODE=http but AUTH_HTTP_URL is not set")
		}
		return auth.NewHTTPVerifier(cfg.AuthHTTPURL, cfg.AuthHTTPTimeout), nil
	case "disabled":
		return auth.DisabledVerifier{}, nil
	default:
		return nil, fmt.Errorf("invalid AUTH_MODE: %q (expected static|http|disabled)", cfg.AuthMode)
	}
}

// NewToolGateway returns nil without error when tools are turned off.
func NewToolGateway(cfg config.Config) (tools.Gateway, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.ToolGatewayMode)) {
	case "", "none":
		return nil, nil
	case "catalog":
		reg, err := tools.LoadCatalog(cfg.ToolCatalogPath)
		if err != nil {
			return nil, fmt.Errorf("tool catalog init failed: %w", err)
		}
		return reg, nil
	case "http":
		if strings.TrimSpace(cfg.ToolGatewayURL) == "" {
			return nil, fmt.Errorf("TOOL_GATEWAY_MODE=http but TOOL_GATEWAY_URL is not set")
		}
		return tools.NewHTTPGateway(cfg.ToolGatewayURL, cfg.ToolGatewayTimeout), nil
	default:
		return nil, fmt.Errorf("invalid TOOL_GATEWAY_MODE: %q (expected none|catalog|http)", cfg.ToolGatewayMode)
	}
}

func NewUpstreamFactory(cfg config.Config, logger *slog.Logger) (upstream.Factory, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.UpstreamMode)) {
	case "mock":
		return upstream.NewMockFactory(), nil
	case "realtime":
		if strings.TrimSpace(cfg.UpstreamURL) == "" {
			return nil, fmt.Errorf("UPSTREAM_MODE=realtime but UPSTREAM_URL is not set")
		}
		if strings.TrimSpace(cfg.UpstreamAPIKey) == "" {
			logger.Warn("UPSTREAM_API_KEY is empty; upstream may reject connections")
		}
		return upstream.NewRealtimeFactory(upstream.RealtimeOptions{
			URL:            cfg.UpstreamURL,
			APIKey:         cfg.UpstreamAPIKey,
			Model:          cfg.UpstreamModel,
			AudioTransport: cfg.UpstreamAudioTransport,
			ReadTimeout:    cfg.WSReadTimeout,
			WriteTimeout:   cfg.WSWriteTimeout,
			PingInterval:   cfg.WSPingInterval,
			Logger:         logger,
		}), nil
	default:
		return nil, fmt.Errorf("invalid UPSTREAM_MODE: %q (expected realtime|mock)", cfg.UpstreamMode)
	}
}
