package generation

import (
	"context"
	"sync"
)

type record struct {
	id     ID
	cancel context.CancelFunc
}

// Registry is the single source of truth for which generation, if any, is
// currently active for a given context, and holds the handle to cancel it.
// A record is installed by Register and leaves the registry either through
// Cancel, through an ID-matched Complete, or by being superseded by a newer
// Register for the same context.
//
// Cancellation is advisory: invoking a record's cancel handle only signals the
// underlying request, which may have already buffered a final chunk. Event
// tagging by ID is what keeps displayed output correct despite that race.
type Registry struct {
	mu     sync.Mutex
	active map[Context]record
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[Context]record)}
}

// Register installs id as the active generation for c. Any previously active
// generation for c is cancelled first, best-effort; superseding is the
// intended mechanism for regenerate and language changes, so no error is
// raised on overwrite.
func (r *Registry) Register(c Context, id ID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.active[c]; ok {
		prev.cancel()
	}
	r.active[c] = record{id: id, cancel: cancel}
}

// Cancel aborts the active generation for c, if any. It is idempotent and a
// no-op when nothing is active.
func (r *Registry) Cancel(c Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.active[c]; ok {
		rec.cancel()
		delete(r.active, c)
	}
}

// CancelID aborts the active generation for c only if it is still id. Used by
// watchdogs that captured an ID earlier and must not cancel a successor.
func (r *Registry) CancelID(c Context, id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.active[c]; ok && rec.id == id {
		rec.cancel()
		delete(r.active, c)
	}
}

// Complete clears the active slot for c if it still belongs to id. When the
// context has since moved on to a newer generation this is a no-op; the
// completion belongs to a superseded generation.
func (r *Registry) Complete(c Context, id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.active[c]; ok && rec.id == id {
		delete(r.active, c)
	}
}

// IsActive reports whether a generation is currently active for c.
func (r *Registry) IsActive(c Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[c]
	return ok
}

// CurrentID returns the active generation's ID for c, or the zero ID and
// false when nothing is active.
func (r *Registry) CurrentID(c Context) (ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[c]
	return rec.id, ok
}
