// Package server assembles the bridge's HTTP surface: health and readiness
// probes, the /ws relay endpoint, and the feedback endpoint, wrapped in the
// shared middleware chain.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/wavelink-ai/bridgelite/pkg/gateway/config"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/handlers"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/lifecycle"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/live/sessions"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/mw"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/supervisor"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/token"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/tools"
)

// StatusShuttingDown is broadcast to connected relays when the server
// starts draining.
const StatusShuttingDown = "Server is shutting down"

// Options carries the collaborators main wires up. Decoder may be nil when
// validity checks are skipped; Feedback may be nil when no database is
// configured; a nil Tools defaults to the MCP backend from the config.
type Options struct {
	Config   config.Config
	Logger   *slog.Logger
	Decoder  *token.Decoder
	Tools    tools.Factory
	Feedback handlers.FeedbackStore

	// Dial overrides the upstream dial, used by tests to relay against a
	// fake model session.
	Dial supervisor.DialFunc
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	lc     *lifecycle.Lifecycle
	relays *sessions.Tracker
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Tools == nil {
		opts.Tools = tools.MCPFactory{
			BaseURL:        opts.Config.MCPBaseURL,
			ConnectTimeout: opts.Config.MCPConnectTimeout,
		}
	}

	s := &Server{
		cfg:    opts.Config,
		logger: logger,
		mux:    http.NewServeMux(),
		lc:     &lifecycle.Lifecycle{},
		relays: sessions.NewTracker(),
	}
	s.routes(opts)
	return s
}

func (s *Server) routes(opts Options) {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg})

	s.mux.Handle("/ws", handlers.RelayHandler{
		Config:    s.cfg,
		Decoder:   opts.Decoder,
		Tools:     opts.Tools,
		Logger:    s.logger,
		Lifecycle: s.lc,
		Relays:    s.relays,
		Dial:      opts.Dial,
	})

	s.mux.Handle("/v1/feedback", handlers.FeedbackHandler{
		Store:  opts.Feedback,
		Logger: s.logger,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining stops the /ws endpoint from accepting new connections and
// tells connected clients the server is going away.
func (s *Server) SetDraining() {
	s.lc.SetDraining(true)
	s.relays.NotifyAll(StatusShuttingDown)
}

// WaitRelays blocks until every active relay has unregistered or ctx ends.
func (s *Server) WaitRelays(ctx context.Context) bool {
	return s.relays.Wait(ctx)
}

// CancelRelays force-cancels relays that outlived the drain grace period.
func (s *Server) CancelRelays() {
	s.relays.CancelAll()
}
