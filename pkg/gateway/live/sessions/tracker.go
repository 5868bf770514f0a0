// Package sessions tracks live relay connections so the server can notify
// and drain them during shutdown.
package sessions

import (
	"context"
	"sync"
)

// Handle is what a registered relay exposes to the tracker: a cancel that
// starts its teardown and a best-effort status notifier toward the client.
type Handle struct {
	Cancel func()
	Notify func(status string) error
}

type Tracker struct {
	mu     sync.Mutex
	relays map[string]*trackedRelay
	wg     sync.WaitGroup
}

type trackedRelay struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{relays: make(map[string]*trackedRelay)}
}

// Register adds one relay under its connection id and returns its
// unregister func. Registering the same id again evicts the old entry, so
// at most one relay is tracked per connection.
func (t *Tracker) Register(connID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedRelay{handle: h}

	t.mu.Lock()
	if t.relays == nil {
		t.relays = make(map[string]*trackedRelay)
	}
	old := t.relays[connID]
	t.relays[connID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(connID, old)
	}

	return func() { t.unregister(connID, entry) }
}

func (t *Tracker) unregister(connID string, entry *trackedRelay) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.relays != nil && t.relays[connID] == entry {
			delete(t.relays, connID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.relays)
}

// NotifyAll sends a status frame to every tracked relay's client. Send
// failures are ignored: a relay mid-teardown simply misses the notice.
func (t *Tracker) NotifyAll(status string) (sent int) {
	if t == nil {
		return 0
	}

	var notifies []func(status string) error
	t.mu.Lock()
	for _, entry := range t.relays {
		if entry == nil || entry.handle.Notify == nil {
			continue
		}
		notifies = append(notifies, entry.handle.Notify)
	}
	t.mu.Unlock()

	for _, notify := range notifies {
		_ = notify(status)
		sent++
	}
	return sent
}

// CancelAll starts teardown on every tracked relay. Callers follow up with
// Wait to observe completion.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.relays {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered relay has unregistered, or ctx ends.
// Reports whether the drain completed.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
