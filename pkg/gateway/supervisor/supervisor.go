// Package supervisor wraps upstream-session establishment in a retry
// policy. Each attempt acquires a per-identity tool backend, dials the
// upstream, announces readiness, and hands off to a fresh relay session.
// Disconnect-class failures back off exponentially and retry over the same
// client connection.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/wavelink-ai/bridgelite/pkg/gateway/live/protocol"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/live/session"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/token"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/tools"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/upstream"
)

const (
	// StatusReady is sent to the client once the upstream session is open
	// and the relay is about to start forwarding.
	StatusReady = "Backend is ready for conversation"

	defaultMaxRetries     = 10
	defaultInitialBackoff = 1 * time.Second
)

// ClientLink is the long-lived client connection shared across connect
// attempts. Interrupt unblocks a pending read during session teardown;
// Reset re-arms the link before the next attempt.
type ClientLink interface {
	session.ClientConn
	Interrupt()
	Reset()
}

// UpstreamConn is one dialed upstream session.
type UpstreamConn interface {
	session.UpstreamSession
	Close() error
}

// DialFunc opens an upstream session advertising the given tool catalog.
type DialFunc func(ctx context.Context, toolDecls []*genai.Tool) (UpstreamConn, error)

type Dependencies struct {
	Client   ClientLink
	Dial     DialFunc
	Tools    tools.Factory
	Identity string
	Window   token.Window

	MaxRetries     int
	InitialBackoff time.Duration
	Dispatcher     session.DispatcherConfig
	Logger         *slog.Logger
	Now            func() time.Time
}

type Supervisor struct {
	client   ClientLink
	dial     DialFunc
	tools    tools.Factory
	identity string
	window   token.Window

	maxRetries     int
	initialBackoff time.Duration
	dispatcher     session.DispatcherConfig
	log            *slog.Logger
	now            func() time.Time
}

func New(deps Dependencies) (*Supervisor, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("client link is required")
	}
	if deps.Dial == nil {
		return nil, fmt.Errorf("dial func is required")
	}
	if deps.Tools == nil {
		return nil, fmt.Errorf("tool factory is required")
	}
	if deps.Window.End.IsZero() {
		return nil, fmt.Errorf("validity window is required")
	}
	if deps.MaxRetries <= 0 {
		deps.MaxRetries = defaultMaxRetries
	}
	if deps.InitialBackoff <= 0 {
		deps.InitialBackoff = defaultInitialBackoff
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Supervisor{
		client:         deps.Client,
		dial:           deps.Dial,
		tools:          deps.Tools,
		identity:       deps.Identity,
		window:         deps.Window,
		maxRetries:     deps.MaxRetries,
		initialBackoff: deps.InitialBackoff,
		dispatcher:     deps.Dispatcher,
		log:            deps.Logger,
		now:            deps.Now,
	}, nil
}

// Run drives connect attempts until a session ends cleanly, a
// non-retryable failure occurs, the retry budget is spent, or ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := s.initialBackoff
	for attempt := 0; ; attempt++ {
		err := s.attempt(ctx)
		if err == nil {
			return nil
		}
		if !upstream.IsDisconnect(err) {
			return err
		}
		if !shouldRetry(ctx, attempt, s.maxRetries) {
			return fmt.Errorf("upstream connection failed after %d attempts: %w", attempt+1, err)
		}

		s.log.Warn("upstream disconnected, retrying",
			"attempt", attempt+1, "backoff", backoff, "error", err)
		s.notify(fmt.Sprintf("Model connection error, retrying in %g seconds...", backoff.Seconds()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
		s.client.Reset()
	}
}

// attempt performs one full establish-and-relay cycle. Resources acquired
// along the way are released before the error propagates, so retry
// accounting stays correct.
func (s *Supervisor) attempt(ctx context.Context) error {
	backend, err := s.tools.NewForIdentity(ctx, s.identity)
	if err != nil {
		return fmt.Errorf("acquire tool backend: %w", err)
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil {
			s.log.Warn("tool backend close failed", "error", cerr)
		}
	}()

	decls, err := backend.ListDeclarations(ctx)
	if err != nil {
		return fmt.Errorf("list tool declarations: %w", err)
	}

	up, err := s.dial(ctx, decls)
	if err != nil {
		return err
	}
	defer func() { _ = up.Close() }()

	s.notify(StatusReady)

	sess, err := session.New(session.Dependencies{
		Client:   s.client,
		Upstream: up,
		Tools:    backend,
		Window:   s.window,
		Interrupt: func() {
			_ = up.Close()
			s.client.Interrupt()
		},
		Logger:     s.log,
		Dispatcher: s.dispatcher,
		Now:        s.now,
	})
	if err != nil {
		return err
	}
	return sess.Run(ctx)
}

// notify sends a status frame to the client. Best effort: a failed notice
// never fails the attempt.
func (s *Supervisor) notify(status string) {
	if err := s.client.WriteMessage(websocket.TextMessage, protocol.StatusFrame(status)); err != nil {
		s.log.Debug("status notice not delivered", "status", status, "error", err)
	}
}

func shouldRetry(ctx context.Context, attempt, maxRetries int) bool {
	if ctx.Err() != nil {
		return false
	}
	return attempt < maxRetries
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next == 0 {
		return time.Second
	}
	return next
}
