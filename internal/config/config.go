package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice ordering engine.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	UpstreamBaseURL string
	UpstreamAPIKey  string
	RealtimeModel   string
	TransportMode   string

	DefaultPersonaID string

	CredentialTTL         time.Duration
	MaxConcurrentSessions int

	SessionIdleTimeout time.Duration
	JanitorInterval    time.Duration

	ConversationLogCap int
	CallHistoryCap     int

	DispatchTimeout    time.Duration
	SwitchRetryEnabled bool
	SwitchRetryBackoff time.Duration

	AudioSampleRate  int
	AudioFrameMillis int

	PerfWindowSize int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicecart"),
		UpstreamBaseURL:  envOrDefault("UPSTREAM_BASE_URL", "https://api.openai.com/v1"),
		UpstreamAPIKey:   stringsTrimSpace("UPSTREAM_API_KEY"),
		RealtimeModel:    envOrDefault("UPSTREAM_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		// "websocket" carries the control channel directly; "sdp" negotiates
		// a peer connection through the /realtime endpoint instead.
		TransportMode:         envOrDefault("UPSTREAM_TRANSPORT_MODE", "websocket"),
		DefaultPersonaID:      envOrDefault("APP_DEFAULT_PERSONA", "sales"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		CredentialTTL:         60 * time.Second,
		MaxConcurrentSessions: 8,
		SessionIdleTimeout:    2 * time.Minute,
		JanitorInterval:       5 * time.Second,
		ConversationLogCap:    200,
		CallHistoryCap:        1000,
		DispatchTimeout:       10 * time.Second,
		SwitchRetryEnabled:    true,
		SwitchRetryBackoff:    150 * time.Millisecond,
		AudioSampleRate:       24000,
		AudioFrameMillis:      20,
		PerfWindowSize:        256,
		ShutdownTimeout:       15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CredentialTTL, err = durationFromEnv("CREDENTIAL_TTL", cfg.CredentialTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.DispatchTimeout, err = durationFromEnv("APP_DISPATCH_TIMEOUT", cfg.DispatchTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SwitchRetryBackoff, err = durationFromEnv("APP_SWITCH_RETRY_BACKOFF", cfg.SwitchRetryBackoff)
	if err != nil {
		return Config{}, err
	}
	cfg.SwitchRetryEnabled, err = boolFromEnv("APP_SWITCH_RETRY_ENABLED", cfg.SwitchRetryEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentSessions, err = intFromEnv("APP_MAX_CONCURRENT_SESSIONS", cfg.MaxConcurrentSessions)
	if err != nil {
		return Config{}, err
	}
	cfg.ConversationLogCap, err = intFromEnv("APP_CONVERSATION_LOG_CAP", cfg.ConversationLogCap)
	if err != nil {
		return Config{}, err
	}
	cfg.CallHistoryCap, err = intFromEnv("APP_CALL_HISTORY_CAP", cfg.CallHistoryCap)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioSampleRate, err = intFromEnv("APP_AUDIO_SAMPLE_RATE", cfg.AudioSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioFrameMillis, err = intFromEnv("APP_AUDIO_FRAME_MS", cfg.AudioFrameMillis)
	if err != nil {
		return Config{}, err
	}
	cfg.PerfWindowSize, err = intFromEnv("APP_PERF_WINDOW_SIZE", cfg.PerfWindowSize)
	if err != nil {
		return Config{}, err
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.TransportMode))
	if mode != "websocket" && mode != "sdp" {
		return Config{}, fmt.Errorf("UPSTREAM_TRANSPORT_MODE must be websocket or sdp")
	}
	cfg.TransportMode = mode

	if cfg.CredentialTTL < 5*time.Second {
		return Config{}, fmt.Errorf("CREDENTIAL_TTL must be at least 5s")
	}
	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.MaxConcurrentSessions <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_CONCURRENT_SESSIONS must be positive")
	}
	if cfg.CallHistoryCap <= 0 {
		return Config{}, fmt.Errorf("APP_CALL_HISTORY_CAP must be positive")
	}
	if cfg.ConversationLogCap <= 0 {
		return Config{}, fmt.Errorf("APP_CONVERSATION_LOG_CAP must be positive")
	}
	if cfg.AudioSampleRate <= 0 {
		return Config{}, fmt.Errorf("APP_AUDIO_SAMPLE_RATE must be positive")
	}
	if cfg.AudioFrameMillis <= 0 {
		return Config{}, fmt.Errorf("APP_AUDIO_FRAME_MS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
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
	v := stringsTrimSpace(key)
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
	v := strings.ToLower(stringsTrimSpace(key))
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
