// Package session implements the per-connection relay state machine. One
// RelaySession owns two forwarding loops (client to upstream, upstream to
// client) and a ToolDispatcher, and tears all three down together when any
// of them ends.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/wavelink-ai/bridgelite/pkg/gateway/live/protocol"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/token"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/tools"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/upstream"
)

const identityUnset = "unset"

// ClientConn is the browser-facing half of the relay. Writes must be safe
// for concurrent use.
type ClientConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
}

// UpstreamSession is the model-facing half. SendRaw and SendToolResponse
// may be called concurrently from both forwarding loops and tool tasks.
type UpstreamSession interface {
	ReceiveRaw() ([]byte, error)
	SendRaw(data []byte) error
	ToolResponder
}

// Dependencies carries everything one RelaySession needs. Client and
// Upstream are borrowed, not owned: the session never closes them.
type Dependencies struct {
	Client   ClientConn
	Upstream UpstreamSession
	Tools    tools.Backend
	Window   token.Window

	// Interrupt unblocks pending reads on the borrowed connections during
	// teardown. The owner supplies it because the session itself never
	// closes what it borrows. Optional.
	Interrupt func()

	Logger     *slog.Logger
	Dispatcher DispatcherConfig
	Now        func() time.Time
}

// RelaySession multiplexes one client connection against one upstream
// session. The running flag is the single stop signal: it transitions
// true to false exactly once and gates both loops and the dispatcher.
type RelaySession struct {
	client    ClientConn
	upstream  UpstreamSession
	window    token.Window
	log       *slog.Logger
	now       func() time.Time
	interrupt func()

	dispatcher *ToolDispatcher

	running     atomic.Bool
	cleanupOnce sync.Once

	mu         sync.Mutex
	runID      string
	userID     string
	dispCancel context.CancelFunc
	dispDone   chan struct{}
}

func New(deps Dependencies) (*RelaySession, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("client connection is required")
	}
	if deps.Upstream == nil {
		return nil, fmt.Errorf("upstream session is required")
	}
	if deps.Tools == nil {
		return nil, fmt.Errorf("tool backend is required")
	}
	if deps.Window.End.IsZero() {
		return nil, fmt.Errorf("validity window is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Dispatcher.Logger == nil {
		deps.Dispatcher.Logger = deps.Logger
	}

	s := &RelaySession{
		client:    deps.Client,
		upstream:  deps.Upstream,
		window:    deps.Window,
		log:       deps.Logger,
		now:       deps.Now,
		interrupt: deps.Interrupt,
		runID:     identityUnset,
		userID:    identityUnset,
	}
	s.dispatcher = NewToolDispatcher(deps.Tools, deps.Upstream, deps.Dispatcher)
	s.running.Store(true)
	return s, nil
}

// RunID returns the identity announced by the client's setup message, or
// "unset" before one arrives.
func (s *RelaySession) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

func (s *RelaySession) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Run drives both forwarding loops until either ends or ctx is canceled,
// then waits for all owned work to resolve. The loops are fate-shared:
// the first one to exit drains the whole session.
func (s *RelaySession) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiveFromClient(ctx) })
	g.Go(func() error { return s.receiveFromUpstream(ctx) })

	stop := context.AfterFunc(ctx, s.cleanup)
	defer stop()

	err := g.Wait()
	s.cleanup()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// receiveFromClient forwards client frames upstream. Every inbound message
// re-checks the validity window, so a session can expire mid-conversation.
func (s *RelaySession) receiveFromClient(ctx context.Context) error {
	defer s.cleanup()

	for s.running.Load() {
		_, data, err := s.client.ReadMessage()
		if err != nil {
			if !s.running.Load() {
				return nil
			}
			if isClientGone(err) {
				s.log.Info("client disconnected", "run_id", s.RunID())
			} else {
				s.log.Error("client read failed", "run_id", s.RunID(), "error", err)
			}
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		if now := s.now(); !s.window.Contains(now) {
			s.log.Info("session window expired, closing",
				"run_id", s.RunID(), "now", now, "window_end", s.window.End)
			return nil
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			s.log.Warn("undecodable client message", "run_id", s.RunID(), "error", err)
			continue
		}

		switch msg.Kind {
		case protocol.KindSetup:
			s.storeIdentity(msg.Setup)
		case protocol.KindRealtimeInput, protocol.KindClientContent:
			if err := s.upstream.SendRaw(data); err != nil {
				s.log.Error("upstream send failed", "run_id", s.RunID(), "error", err)
				return nil
			}
		default:
			s.log.Warn("unexpected client message shape", "run_id", s.RunID())
		}
	}
	return nil
}

func (s *RelaySession) storeIdentity(setup *protocol.Setup) {
	if setup == nil {
		return
	}
	s.mu.Lock()
	if setup.RunID != "" {
		s.runID = setup.RunID
	}
	if setup.UserID != "" {
		s.userID = setup.UserID
	}
	runID, userID := s.runID, s.userID
	s.mu.Unlock()
	s.log.Info("session setup received",
		"type", "setup", "run_id", runID, "user_id", userID, "payload", setup.Extra)
}

// receiveFromUpstream forwards raw upstream frames to the client byte for
// byte, and additionally parses each frame for a tool call to enqueue.
// Starts the dispatcher loop on entry.
func (s *RelaySession) receiveFromUpstream(ctx context.Context) error {
	defer s.cleanup()

	if !s.startDispatcher() {
		return nil
	}

	for s.running.Load() {
		data, err := s.upstream.ReceiveRaw()
		if err != nil {
			if !s.running.Load() {
				// Teardown already in progress: the interrupted read is
				// not a real disconnect.
				return nil
			}
			if errors.Is(err, io.EOF) {
				s.log.Info("upstream closed", "run_id", s.RunID())
				return nil
			}
			s.log.Error("upstream read failed", "run_id", s.RunID(), "error", err)
			return upstreamReadError(err)
		}
		if ctx.Err() != nil {
			return nil
		}

		if err := s.client.WriteMessage(websocket.BinaryMessage, data); err != nil {
			s.log.Error("client write failed", "run_id", s.RunID(), "error", err)
			return nil
		}

		s.maybeDispatch(data)
	}
	return nil
}

// maybeDispatch enqueues the frame's tool call, if any. Frames that do not
// parse as structured messages were still forwarded and are not an error.
func (s *RelaySession) maybeDispatch(data []byte) {
	var msg genai.LiveServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug("upstream frame is not structured", "error", err)
		return
	}
	if msg.ToolCall == nil || len(msg.ToolCall.FunctionCalls) == 0 {
		return
	}
	s.log.Info("tool call received", "run_id", s.RunID(), "calls", len(msg.ToolCall.FunctionCalls))
	s.dispatcher.Enqueue(msg.ToolCall.FunctionCalls)
}

func (s *RelaySession) startDispatcher() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.dispCancel = cancel
	s.dispDone = done
	go func() {
		defer close(done)
		if err := s.dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("dispatcher loop failed", "run_id", s.RunID(), "error", err)
		}
	}()
	return true
}

// cleanup releases everything the session owns: stops both loops via the
// running flag, cancels the dispatcher loop and waits for it, then cancels
// in-flight tool tasks and waits for each to reach a terminal state. Safe
// to call repeatedly and from concurrent exit paths.
func (s *RelaySession) cleanup() {
	s.cleanupOnce.Do(func() {
		s.running.Store(false)
		if s.interrupt != nil {
			s.interrupt()
		}

		s.mu.Lock()
		cancel, done := s.dispCancel, s.dispDone
		s.mu.Unlock()
		if cancel != nil {
			cancel()
			<-done
		}
		s.dispatcher.Shutdown()
		s.log.Info("session closed", "run_id", s.RunID(), "user_id", s.UserID())
	})
}

func isClientGone(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// upstreamReadError decides whether an upstream failure should surface to
// the supervisor for a reconnect attempt. Only disconnect-class transport
// failures qualify.
func upstreamReadError(err error) error {
	if upstream.IsDisconnect(err) {
		return err
	}
	return nil
}
