package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the voice relay.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	AuthMode         string
	AuthCookieName   string
	AuthStaticTokens map[string]string
	AuthHTTPURL      string
	AuthHTTPTimeout  time.Duration

	DatabaseURL string

	ToolGatewayMode    string
	ToolGatewayURL     string
	ToolGatewayTimeout time.Duration
	ToolCatalogPath    string

	UpstreamMode           string
	UpstreamURL            string
	UpstreamAPIKey         string
	UpstreamModel          string
	UpstreamVoice          string
	UpstreamInstructions   string
	UpstreamTurnDetection  string
	UpstreamAudioTransport string
	UpstreamConnectTimeout time.Duration

	WSMaxMessageBytes int64
	WSReadTimeout     time.Duration
	WSWriteTimeout    time.Duration
	WSPingInterval    time.Duration
}

const maxUpstreamConnectTimeout = 2 * time.Minute

// LoadDotEnv loads a .env file when present. Variables already set in the
// process environment are never overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load dotenv: %w", err)
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "voicerelay"),
		LogLevel:               strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:              strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		AuthMode:               strings.ToLower(envOrDefault("AUTH_MODE", "static")),
		AuthCookieName:         envOrDefault("AUTH_COOKIE_NAME", "auth_session"),
		AuthHTTPURL:            trimmedEnv("AUTH_HTTP_URL"),
		DatabaseURL:            trimmedEnv("DATABASE_URL"),
		ToolGatewayMode:        strings.ToLower(envOrDefault("TOOL_GATEWAY_MODE", "none")),
		ToolGatewayURL:         trimmedEnv("TOOL_GATEWAY_URL"),
		ToolCatalogPath:        trimmedEnv("TOOL_CATALOG_PATH"),
		UpstreamMode:           strings.ToLower(envOrDefault("UPSTREAM_MODE", "realtime")),
		UpstreamURL:            envOrDefault("UPSTREAM_URL", "wss://api.openai.com/v1/realtime"),
		UpstreamAPIKey:         trimmedEnv("UPSTREAM_API_KEY"),
		UpstreamModel:          envOrDefault("UPSTREAM_MODEL", "gpt-4o-realtime-preview"),
		UpstreamVoice:          envOrDefault("UPSTREAM_VOICE", "alloy"),
		UpstreamInstructions:   os.Getenv("UPSTREAM_INSTRUCTIONS"),
		UpstreamTurnDetection:  strings.ToLower(envOrDefault("UPSTREAM_TURN_DETECTION", "server_vad")),
		UpstreamAudioTransport: strings.ToLower(envOrDefault("UPSTREAM_AUDIO_TRANSPORT", "base64")),
		ShutdownTimeout:        15 * time.Second,
		AuthHTTPTimeout:        5 * time.Second,
		ToolGatewayTimeout:     30 * time.Second,
		UpstreamConnectTimeout: 10 * time.Second,
		WSMaxMessageBytes:      1 << 20,
		WSReadTimeout:          120 * time.Second,
		WSWriteTimeout:         10 * time.Second,
		WSPingInterval:         30 * time.Second,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AuthHTTPTimeout, err = durationFromEnv("AUTH_HTTP_TIMEOUT", cfg.AuthHTTPTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ToolGatewayTimeout, err = durationFromEnv("TOOL_GATEWAY_TIMEOUT", cfg.ToolGatewayTimeout); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamConnectTimeout, err = durationFromEnv("UPSTREAM_CONNECT_TIMEOUT", cfg.UpstreamConnectTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WSReadTimeout, err = durationFromEnv("WS_READ_TIMEOUT", cfg.WSReadTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WSWriteTimeout, err = durationFromEnv("WS_WRITE_TIMEOUT", cfg.WSWriteTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WSPingInterval, err = durationFromEnv("WS_PING_INTERVAL", cfg.WSPingInterval); err != nil {
		return Config{}, err
	}
	maxBytes, err := intFromEnv("WS_MAX_MESSAGE_BYTES", int(cfg.WSMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.WSMaxMessageBytes = int64(maxBytes)
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.AuthStaticTokens, err = parseTokenMap(os.Getenv("AUTH_STATIC_TOKENS")); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.UpstreamConnectTimeout <= 0 || c.UpstreamConnectTimeout > maxUpstreamConnectTimeout {
		return fmt.Errorf("UPSTREAM_CONNECT_TIMEOUT must be within (0, %s]", maxUpstreamConnectTimeout)
	}
	if c.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("WS_MAX_MESSAGE_BYTES must be positive")
	}
	if c.WSReadTimeout <= 0 || c.WSWriteTimeout <= 0 {
		return fmt.Errorf("WS_READ_TIMEOUT and WS_WRITE_TIMEOUT must be positive")
	}
	if c.WSPingInterval <= 0 || c.WSPingInterval >= c.WSReadTimeout {
		return fmt.Errorf("WS_PING_INTERVAL must be positive and shorter than WS_READ_TIMEOUT")
	}

	switch c.AuthMode {
	case "static", "disabled":
	case "http":
		if c.AuthHTTPURL == "" {
			return fmt.Errorf("AUTH_MODE=http requires AUTH_HTTP_URL")
		}
	default:
		return fmt.Errorf("invalid AUTH_MODE: %q (expected static|http|disabled)", c.AuthMode)
	}

	switch c.ToolGatewayMode {
	case "none":
	case "http":
		if c.ToolGatewayURL == "" {
			return fmt.Errorf("TOOL_GATEWAY_MODE=http requires TOOL_GATEWAY_URL")
		}
	case "catalog":
		if c.ToolCatalogPath == "" {
			return fmt.Errorf("TOOL_GATEWAY_MODE=catalog requires TOOL_CATALOG_PATH")
		}
	default:
		return fmt.Errorf("invalid TOOL_GATEWAY_MODE: %q (expected http|catalog|none)", c.ToolGatewayMode)
	}

	switch c.UpstreamMode {
	case "mock":
	case "realtime":
		if c.UpstreamURL == "" {
			return fmt.Errorf("UPSTREAM_MODE=realtime requires UPSTREAM_URL")
		}
	default:
		return fmt.Errorf("invalid UPSTREAM_MODE: %q (expected realtime|mock)", c.UpstreamMode)
	}
	switch c.UpstreamTurnDetection {
	case "server_vad", "none":
	default:
		return fmt.Errorf("invalid UPSTREAM_TURN_DETECTION: %q (expected server_vad|none)", c.UpstreamTurnDetection)
	}
	switch c.UpstreamAudioTransport {
	case "base64", "binary":
	default:
		return fmt.Errorf("invalid UPSTREAM_AUDIO_TRANSPORT: %q (expected base64|binary)", c.UpstreamAudioTransport)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %q (expected text|json)", c.LogFormat)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps LOG_LEVEL values onto slog levels.
func ParseLogLevel(v string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL: %q", v)
	}
	return lvl, nil
}

func parseTokenMap(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, "=")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("AUTH_STATIC_TOKENS parse error: expected token=user, got %q", pair)
		}
		out[token] = user
	}
	return out, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
