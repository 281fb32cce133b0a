package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.TransportMode != "websocket" {
		t.Fatalf("TransportMode = %q, want %q", cfg.TransportMode, "websocket")
	}
	if cfg.DefaultPersonaID != "sales" {
		t.Fatalf("DefaultPersonaID = %q, want %q", cfg.DefaultPersonaID, "sales")
	}
	if cfg.CallHistoryCap != 1000 {
		t.Fatalf("CallHistoryCap = %d, want 1000", cfg.CallHistoryCap)
	}
	if !cfg.SwitchRetryEnabled {
		t.Fatalf("SwitchRetryEnabled should default to true")
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
}

func TestLoadExplicitOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("UPSTREAM_BASE_URL", "http://localhost:7777/v1")
	t.Setenv("CREDENTIAL_TTL", "30s")
	t.Setenv("APP_MAX_CONCURRENT_SESSIONS", "3")
	t.Setenv("UPSTREAM_TRANSPORT_MODE", "SDP")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UpstreamBaseURL != "http://localhost:7777/v1" {
		t.Fatalf("UpstreamBaseURL = %q, want explicit value", cfg.UpstreamBaseURL)
	}
	if cfg.CredentialTTL != 30*time.Second {
		t.Fatalf("CredentialTTL = %v, want 30s", cfg.CredentialTTL)
	}
	if cfg.MaxConcurrentSessions != 3 {
		t.Fatalf("MaxConcurrentSessions = %d, want 3", cfg.MaxConcurrentSessions)
	}
	if cfg.TransportMode != "sdp" {
		t.Fatalf("TransportMode = %q, want %q", cfg.TransportMode, "sdp")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"CREDENTIAL_TTL", "1s"},
		{"APP_SESSION_IDLE_TIMEOUT", "100ms"},
		{"APP_MAX_CONCURRENT_SESSIONS", "0"},
		{"APP_CALL_HISTORY_CAP", "-1"},
		{"UPSTREAM_TRANSPORT_MODE", "carrier-pigeon"},
		{"APP_SWITCH_RETRY_ENABLED", "maybe"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() should reject %s=%s", tc.key, tc.value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"UPSTREAM_BASE_URL",
		"UPSTREAM_API_KEY",
		"UPSTREAM_REALTIME_MODEL",
		"UPSTREAM_TRANSPORT_MODE",
		"APP_DEFAULT_PERSONA",
		"CREDENTIAL_TTL",
		"APP_MAX_CONCURRENT_SESSIONS",
		"APP_SESSION_IDLE_TIMEOUT",
		"APP_JANITOR_INTERVAL",
		"APP_CONVERSATION_LOG_CAP",
		"APP_CALL_HISTORY_CAP",
		"APP_DISPATCH_TIMEOUT",
		"APP_SWITCH_RETRY_ENABLED",
		"APP_SWITCH_RETRY_BACKOFF",
		"APP_AUDIO_SAMPLE_RATE",
		"APP_AUDIO_FRAME_MS",
		"APP_PERF_WINDOW_SIZE",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
