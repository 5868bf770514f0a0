package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/wavelink-ai/bridgelite/pkg/gateway/tools"
)

const (
	defaultPollInterval = 1 * time.Second
	defaultCallTimeout  = 30 * time.Second
)

// ToolResponder sends correlated tool results back to the upstream session.
type ToolResponder interface {
	SendToolResponse(resp *genai.LiveClientToolResponse) error
}

// ToolDispatcher decouples tool-call arrival from execution. Frames are
// pushed onto an unbounded FIFO by the upstream-read loop and drained by
// Run, which spawns one execution task per frame. A slow or failing tool
// call never stalls frame forwarding.
type ToolDispatcher struct {
	backend      tools.Backend
	responder    ToolResponder
	log          *slog.Logger
	pollInterval time.Duration
	callTimeout  time.Duration

	mu       sync.Mutex
	stopped  bool
	queue    [][]*genai.FunctionCall
	inFlight []*pendingTask

	notify chan struct{}
}

type pendingTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *pendingTask) completed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// DispatcherConfig carries the tunables for one dispatcher. Zero values
// fall back to defaults.
type DispatcherConfig struct {
	PollInterval time.Duration
	CallTimeout  time.Duration
	Logger       *slog.Logger
}

func NewToolDispatcher(backend tools.Backend, responder ToolResponder, cfg DispatcherConfig) *ToolDispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ToolDispatcher{
		backend:      backend,
		responder:    responder,
		log:          cfg.Logger,
		pollInterval: cfg.PollInterval,
		callTimeout:  cfg.CallTimeout,
		notify:       make(chan struct{}, 1),
	}
}

// Enqueue pushes one tool-call frame without blocking. Frames arriving
// after Shutdown are dropped.
func (d *ToolDispatcher) Enqueue(calls []*genai.FunctionCall) {
	if len(calls) == 0 {
		return
	}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.log.Debug("dropping tool-call frame after shutdown", "calls", len(calls))
		return
	}
	d.queue = append(d.queue, calls)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is canceled, spawning one execution task
// per dequeued frame. The poll interval bounds how long a shutdown signal
// can go unnoticed when the queue is idle. Returns ctx.Err() on cancel so
// the owner observes the cancellation rather than a silent exit.
func (d *ToolDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		for {
			calls := d.pop()
			if calls == nil {
				break
			}
			d.spawn(calls)
		}
		d.prune()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.notify:
		case <-ticker.C:
		}
	}
}

// Shutdown cancels every in-flight task and waits for all of them to reach
// a terminal state. Pending queued frames are discarded. Safe to call more
// than once.
func (d *ToolDispatcher) Shutdown() {
	d.mu.Lock()
	d.stopped = true
	tasks := d.inFlight
	d.inFlight = nil
	d.queue = nil
	d.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

func (d *ToolDispatcher) pop() []*genai.FunctionCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	calls := d.queue[0]
	d.queue = d.queue[1:]
	return calls
}

// prune drops completed entries so the in-flight set stays bounded across
// a long session.
func (d *ToolDispatcher) prune() {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.inFlight[:0]
	for _, t := range d.inFlight {
		if !t.completed() {
			kept = append(kept, t)
		}
	}
	d.inFlight = kept
}

func (d *ToolDispatcher) spawn(calls []*genai.FunctionCall) {
	taskCtx, cancel := context.WithCancel(context.Background())
	task := &pendingTask{cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		cancel()
		close(task.done)
		return
	}
	d.inFlight = append(d.inFlight, task)
	d.mu.Unlock()

	go func() {
		defer close(task.done)
		defer cancel()
		d.executeFrame(taskCtx, calls)
	}()
}

// executeFrame runs every invocation in one frame. Invocations are
// independent: a failure in one is reported upstream as an error envelope
// and the rest still run. A canceled task reports nothing.
func (d *ToolDispatcher) executeFrame(ctx context.Context, calls []*genai.FunctionCall) {
	for _, call := range calls {
		if ctx.Err() != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		text, err := d.backend.CallTool(callCtx, call.Name, anyArgs(call.Args))
		cancel()

		var payload map[string]any
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			d.log.Error("tool call timed out", "tool", call.Name, "id", call.ID)
			payload = map[string]any{"error": "tool call timed out"}
		case err != nil:
			d.log.Error("tool call failed", "tool", call.Name, "id", call.ID, "error", err)
			payload = map[string]any{"error": err.Error()}
		default:
			payload = map[string]any{"response": text}
		}

		resp := &genai.LiveClientToolResponse{
			FunctionResponses: []*genai.FunctionResponse{{
				ID:       call.ID,
				Name:     call.Name,
				Response: payload,
			}},
		}
		if err := d.responder.SendToolResponse(resp); err != nil {
			d.log.Error("send tool response", "tool", call.Name, "id", call.ID, "error", err)
		}
	}
}

func anyArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}
