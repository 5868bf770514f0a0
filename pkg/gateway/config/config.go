// Package config loads the bridge's runtime configuration from the
// environment. Every knob has a BRIDGE_-prefixed variable; malformed
// optional values fall back to their defaults, while missing required
// values fail the load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Upstream live session.
	GeminiAPIKey      string
	UpstreamHost      string
	Model             string
	SystemInstruction string
	LanguageCode      string
	DialTimeout       time.Duration

	// Connect retry policy.
	MaxRetries     int
	InitialBackoff time.Duration

	// Tool dispatch.
	ToolPollInterval time.Duration
	ToolCallTimeout  time.Duration

	// MCP tool backend.
	MCPBaseURL        string
	MCPConnectTimeout time.Duration

	// Session validity. When SkipValidityCheck is set, no session key is
	// decoded and every connection gets a 24-hour substitute window.
	SkipValidityCheck bool
	SessionTimezone   string
	SessionAESKey     string
	SessionAESIV      string

	// Feedback store. Empty DSN disables the endpoint.
	FeedbackDSN string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	LogLevel string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("BRIDGE_ADDR", ":8080"),
		CORSAllowedOrigins:  make(map[string]struct{}),
		GeminiAPIKey:        envOr("GEMINI_API_KEY", ""),
		UpstreamHost:        envOr("BRIDGE_UPSTREAM_HOST", "generativelanguage.googleapis.com"),
		Model:               envOr("BRIDGE_MODEL", "gemini-2.0-flash-exp"),
		SystemInstruction:   envOr("BRIDGE_SYSTEM_INSTRUCTION", ""),
		LanguageCode:        envOr("BRIDGE_LANGUAGE_CODE", ""),
		DialTimeout:         envDurationOr("BRIDGE_UPSTREAM_DIAL_TIMEOUT", 15*time.Second),
		MaxRetries:          envIntOr("BRIDGE_MAX_RETRIES", 10),
		InitialBackoff:      envDurationOr("BRIDGE_RETRY_BACKOFF", time.Second),
		ToolPollInterval:    envDurationOr("BRIDGE_TOOL_POLL_INTERVAL", time.Second),
		ToolCallTimeout:     envDurationOr("BRIDGE_TOOL_CALL_TIMEOUT", 30*time.Second),
		MCPBaseURL:          envOr("BRIDGE_MCP_BASE_URL", ""),
		MCPConnectTimeout:   envDurationOr("BRIDGE_MCP_CONNECT_TIMEOUT", 10*time.Second),
		SkipValidityCheck:   envBoolOr("BRIDGE_SKIP_VALIDITY_CHECK", false),
		SessionTimezone:     envOr("BRIDGE_SESSION_TIMEZONE", "Asia/Hong_Kong"),
		SessionAESKey:       envOr("BRIDGE_SESSION_AES_KEY", ""),
		SessionAESIV:        envOr("BRIDGE_SESSION_AES_IV", ""),
		FeedbackDSN:         envOr("BRIDGE_FEEDBACK_DSN", ""),
		ReadHeaderTimeout:   envDurationOr("BRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("BRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		LogLevel:            envOr("BRIDGE_LOG_LEVEL", "info"),
	}

	for _, origin := range splitCSV(os.Getenv("BRIDGE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.Addr) == "" {
		return Config{}, fmt.Errorf("BRIDGE_ADDR must not be empty")
	}
	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return Config{}, fmt.Errorf("BRIDGE_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.MCPBaseURL) == "" {
		return Config{}, fmt.Errorf("BRIDGE_MCP_BASE_URL must be set")
	}
	if cfg.DialTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_UPSTREAM_DIAL_TIMEOUT must be > 0")
	}
	if cfg.MaxRetries <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_MAX_RETRIES must be > 0")
	}
	if cfg.InitialBackoff <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_RETRY_BACKOFF must be > 0")
	}
	if cfg.ToolPollInterval <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_TOOL_POLL_INTERVAL must be > 0")
	}
	if cfg.ToolCallTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_TOOL_CALL_TIMEOUT must be > 0")
	}
	if cfg.MCPConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_MCP_CONNECT_TIMEOUT must be > 0")
	}
	if strings.TrimSpace(cfg.SessionTimezone) == "" {
		return Config{}, fmt.Errorf("BRIDGE_SESSION_TIMEZONE must not be empty")
	}
	if !cfg.SkipValidityCheck {
		switch len(cfg.SessionAESKey) {
		case 16, 24, 32:
		default:
			return Config{}, fmt.Errorf("BRIDGE_SESSION_AES_KEY must be 16, 24, or 32 bytes unless BRIDGE_SKIP_VALIDITY_CHECK is set")
		}
		if len(cfg.SessionAESIV) != 16 {
			return Config{}, fmt.Errorf("BRIDGE_SESSION_AES_IV must be 16 bytes unless BRIDGE_SKIP_VALIDITY_CHECK is set")
		}
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("BRIDGE_LOG_LEVEL must be one of debug|info|warn|error")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
