// Package lifecycle holds shared process state for graceful shutdown.
package lifecycle

import "sync/atomic"

// Lifecycle flags whether the process is draining. Handlers stop accepting
// new relay connections once draining is set; established relays are given
// the shutdown grace period to finish.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
