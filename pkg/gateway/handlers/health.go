package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/wavelink-ai/bridgelite/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config config.Config
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK                bool     `json:"ok"`
		Model             string   `json:"model"`
		SkipValidityCheck bool     `json:"skip_validity_check"`
		FeedbackEnabled   bool     `json:"feedback_enabled"`
		Issues            []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.GeminiAPIKey == "" {
		issues = append(issues, "gemini api key is not configured")
	}
	if h.Config.Model == "" {
		issues = append(issues, "upstream model is not configured")
	}
	if h.Config.MCPBaseURL == "" {
		issues = append(issues, "mcp base url is not configured")
	}
	if !h.Config.SkipValidityCheck {
		if h.Config.SessionAESKey == "" || h.Config.SessionAESIV == "" {
			issues = append(issues, "session key material is not configured")
		}
	}
	if h.Config.DialTimeout <= 0 {
		issues = append(issues, "upstream dial timeout must be > 0")
	}
	if h.Config.MaxRetries <= 0 {
		issues = append(issues, "max retries must be > 0")
	}
	if h.Config.InitialBackoff <= 0 {
		issues = append(issues, "retry backoff must be > 0")
	}
	if h.Config.ToolPollInterval <= 0 || h.Config.ToolCallTimeout <= 0 {
		issues = append(issues, "tool dispatch intervals must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ShutdownGracePeriod <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:                ok,
		Model:             h.Config.Model,
		SkipValidityCheck: h.Config.SkipValidityCheck,
		FeedbackEnabled:   h.Config.FeedbackDSN != "",
		Issues:            issues,
	})
}
