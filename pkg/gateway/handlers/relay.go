package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/wavelink-ai/bridgelite/pkg/gateway/config"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/lifecycle"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/live/protocol"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/live/session"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/live/sessions"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/mw"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/supervisor"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/token"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/tools"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/upstream"
)

// sessionKeyQueryParam is the fallback for browser clients that cannot set
// headers on a websocket dial.
const sessionKeyQueryParam = "key"

// RelayHandler handles /ws relay connections. Each accepted connection gets
// a supervised upstream session; the handler blocks until the relay ends.
type RelayHandler struct {
	Config    config.Config
	Decoder   *token.Decoder // nil when validity checks are skipped
	Tools     tools.Factory
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Relays    *sessions.Tracker

	// Dial overrides the upstream dial, used by tests to point the relay
	// at a local server.
	Dial supervisor.DialFunc

	Now func() time.Time
}

func (h RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeErrorJSON(w, reqID, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		writeErrorJSON(w, reqID, http.StatusServiceUnavailable, "server is draining")
		return
	}
	if !h.originAllowed(r) {
		writeErrorJSON(w, reqID, http.StatusForbidden, "origin is not allowed")
		return
	}

	sessionKey := h.sessionKey(r)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := h.logger().With("request_id", reqID)

	window, err := h.resolveWindow(sessionKey)
	if err != nil {
		log.Warn("rejecting connection", "error", err)
		h.reject(conn, err.Error())
		return
	}
	now := h.now()()
	if !window.Contains(now) {
		log.Warn("rejecting connection outside validity window",
			"start", window.Start, "end", window.End)
		h.reject(conn, "session is not valid at this time")
		return
	}

	connID := "c_" + randHex(8)
	log = log.With("conn_id", connID)

	pump := supervisor.NewClientPump(conn)
	defer pump.Stop()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sup, err := supervisor.New(supervisor.Dependencies{
		Client:         pump,
		Dial:           h.dialFunc(),
		Tools:          h.Tools,
		Identity:       sessionKey,
		Window:         window,
		MaxRetries:     h.Config.MaxRetries,
		InitialBackoff: h.Config.InitialBackoff,
		Dispatcher: session.DispatcherConfig{
			PollInterval: h.Config.ToolPollInterval,
			CallTimeout:  h.Config.ToolCallTimeout,
			Logger:       log,
		},
		Logger: log,
		Now:    h.now(),
	})
	if err != nil {
		log.Error("relay setup failed", "error", err)
		h.reject(conn, "failed to initialize relay")
		return
	}

	unregister := func() {}
	if h.Relays != nil {
		unregister = h.Relays.Register(connID, sessions.Handle{
			Cancel: cancel,
			Notify: func(status string) error {
				return pump.WriteMessage(websocket.TextMessage, protocol.StatusFrame(status))
			},
		})
	}
	defer unregister()

	log.Info("relay connection accepted")
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("relay ended with error", "error", err)
	}
}

func (h RelayHandler) sessionKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-Session-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(r.URL.Query().Get(sessionKeyQueryParam))
}

func (h RelayHandler) resolveWindow(sessionKey string) (token.Window, error) {
	if h.Config.SkipValidityCheck {
		return token.OpenWindow(h.now()()), nil
	}
	if h.Decoder == nil {
		// Validity checks are on but no key material was wired; no key can
		// be proven valid.
		return token.Window{}, fmt.Errorf("session validation is unavailable")
	}
	if sessionKey == "" {
		return token.Window{}, fmt.Errorf("session key is required")
	}
	window, err := h.Decoder.Decode(sessionKey)
	if err != nil {
		return token.Window{}, fmt.Errorf("invalid session key")
	}
	return window, nil
}

// reject sends a status frame with the reason, then closes with a policy
// violation so browser clients surface the reason in the close event.
func (h RelayHandler) reject(conn *websocket.Conn, reason string) {
	_ = conn.WriteMessage(websocket.TextMessage, protocol.StatusFrame(reason))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(2*time.Second))
}

func (h RelayHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h RelayHandler) dialFunc() supervisor.DialFunc {
	if h.Dial != nil {
		return h.Dial
	}
	dialer := &upstream.Dialer{
		Host:        h.Config.UpstreamHost,
		APIKey:      h.Config.GeminiAPIKey,
		Model:       h.Config.Model,
		DialTimeout: h.Config.DialTimeout,
	}
	base := upstream.ConnectConfig{
		SystemInstruction: h.Config.SystemInstruction,
		LanguageCode:      h.Config.LanguageCode,
	}
	return func(ctx context.Context, toolDecls []*genai.Tool) (supervisor.UpstreamConn, error) {
		cfg := base
		cfg.Tools = toolDecls
		return dialer.Connect(ctx, cfg)
	}
}

func (h RelayHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h RelayHandler) now() func() time.Time {
	if h.Now != nil {
		return h.Now
	}
	return time.Now
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
