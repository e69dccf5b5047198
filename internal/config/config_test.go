package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.AuthMode != "static" || cfg.AuthCookieName != "auth_session" {
		t.Fatalf("auth defaults = %q/%q", cfg.AuthMode, cfg.AuthCookieName)
	}
	if cfg.UpstreamConnectTimeout != 10*time.Second {
		t.Fatalf("UpstreamConnectTimeout = %v, want 10s", cfg.UpstreamConnectTimeout)
	}
	if cfg.ToolGatewayMode != "none" {
		t.Fatalf("ToolGatewayMode = %q, want none", cfg.ToolGatewayMode)
	}
	if len(cfg.AuthStaticTokens) != 0 {
		t.Fatalf("AuthStaticTokens = %v, want empty", cfg.AuthStaticTokens)
	}
}

func TestLoadParsesStaticTokens(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AUTH_STATIC_TOKENS", "tok-a=alice, tok-b=bob")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AuthStaticTokens["tok-a"] != "alice" || cfg.AuthStaticTokens["tok-b"] != "bob" {
		t.Fatalf("AuthStaticTokens = %v", cfg.AuthStaticTokens)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key, value, wantErr string
	}{
		{"UPSTREAM_CONNECT_TIMEOUT", "0s", "UPSTREAM_CONNECT_TIMEOUT"},
		{"UPSTREAM_CONNECT_TIMEOUT", "nope", "UPSTREAM_CONNECT_TIMEOUT parse error"},
		{"AUTH_MODE", "http", "AUTH_HTTP_URL"},
		{"AUTH_MODE", "magic", "invalid AUTH_MODE"},
		{"TOOL_GATEWAY_MODE", "catalog", "TOOL_CATALOG_PATH"},
		{"UPSTREAM_AUDIO_TRANSPORT", "opus", "UPSTREAM_AUDIO_TRANSPORT"},
		{"AUTH_STATIC_TOKENS", "justatoken", "AUTH_STATIC_TOKENS"},
		{"LOG_LEVEL", "loud", "LOG_LEVEL"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Load() error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("APP_BIND_ADDR=:7000\nUPSTREAM_VOICE=verse\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("UPSTREAM_VOICE", "shimmer")
	// godotenv sets variables process-wide; let t.Setenv restore them.
	t.Setenv("APP_BIND_ADDR", "")
	os.Unsetenv("APP_BIND_ADDR")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7000" {
		t.Fatalf("BindAddr = %q, want value from .env", cfg.BindAddr)
	}
	if cfg.UpstreamVoice != "shimmer" {
		t.Fatalf("UpstreamVoice = %q, want process env to win", cfg.UpstreamVoice)
	}
}

func TestLoadDotEnvMissingFileIsNoop(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"AUTH_MODE",
		"AUTH_COOKIE_NAME",
		"AUTH_STATIC_TOKENS",
		"AUTH_HTTP_URL",
		"AUTH_HTTP_TIMEOUT",
		"DATABASE_URL",
		"TOOL_GATEWAY_MODE",
		"TOOL_GATEWAY_URL",
		"TOOL_GATEWAY_TIMEOUT",
		"TOOL_CATALOG_PATH",
		"UPSTREAM_MODE",
		"UPSTREAM_URL",
		"UPSTREAM_API_KEY",
		"UPSTREAM_MODEL",
		"UPSTREAM_VOICE",
		"UPSTREAM_INSTRUCTIONS",
		"UPSTREAM_TURN_DETECTION",
		"UPSTREAM_AUDIO_TRANSPORT",
		"UPSTREAM_CONNECT_TIMEOUT",
		"WS_MAX_MESSAGE_BYTES",
		"WS_READ_TIMEOUT",
		"WS_WRITE_TIMEOUT",
		"WS_PING_INTERVAL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
