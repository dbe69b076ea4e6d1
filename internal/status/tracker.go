package status

import (
	"sync"

	"github.com/codebuildervaibhav/scribber/internal/types"
)

// Tracker holds an observer's view of one entity and applies updates by
// version, so stale or duplicate updates are ignored whatever order they
// arrive in.
type Tracker struct {
	mu      sync.Mutex
	status  types.Status
	seen    bool
	deleted bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// ApplySnapshot applies a point-in-time status. It reports whether the
// tracked version advanced.
func (t *Tracker) ApplySnapshot(st types.Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen && st.Version <= t.status.Version {
		return false
	}
	t.status = st
	t.seen = true
	return true
}

// Apply applies an event and reports whether it changed the view. Export
// events never do; a deleted event always does, once.
func (t *Tracker) Apply(ev types.StatusEvent) bool {
	switch ev.Type {
	case types.EventDeleted:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.deleted {
			return false
		}
		t.deleted = true
		return true
	case types.EventStage:
		return t.ApplySnapshot(ev.Status())
	default:
		return false
	}
}

// Status returns the tracked status and whether any has been applied.
func (t *Tracker) Status() (types.Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.seen
}

// LastVersion returns the highest version applied, or 0.
func (t *Tracker) LastVersion() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.Version
}

// Deleted reports whether a deleted event was applied.
func (t *Tracker) Deleted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleted
}
