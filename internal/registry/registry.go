// Package registry tracks live executions and their cancellation handles.
// Cancellation is cooperative: Cancel propagates a cause through the
// execution's context and the state machine reacts at its next checkpoint.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/nagare/internal/model"
)

// ErrNotFound is returned when an execution id is unknown or already done.
var ErrNotFound = errors.New("registry: execution not found")

// CancelCause is the context cancellation cause recorded when an execution
// is cancelled cooperatively (explicit request or client disconnect).
type CancelCause struct {
	Reason string
}

func (c *CancelCause) Error() string {
	if c.Reason == "" {
		return "cancelled"
	}
	return "cancelled: " + c.Reason
}

// CancelReason extracts the cooperative-cancellation reason from a context,
// if its cancellation cause is a CancelCause.
func CancelReason(ctx context.Context) (string, bool) {
	var cause *CancelCause
	if errors.As(context.Cause(ctx), &cause) {
		return cause.Reason, true
	}
	return "", false
}

// Handle is the registry's view of one live execution.
type Handle struct {
	ExecutionID uuid.UUID
	Kind        model.ExecutionKind
	Name        string
	UserID      string
	StartedAt   time.Time

	cancel context.CancelCauseFunc
}

// Registry maps execution ids to live cancellation handles. Entries are
// added at admission and removed when delivery finishes.
type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Handle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[uuid.UUID]*Handle)}
}

// Register derives a cancellable context for the execution and tracks its
// handle. The returned context must be used to run the execution; Remove
// must be called when it finishes.
func (r *Registry) Register(ctx context.Context, id uuid.UUID, kind model.ExecutionKind, name, userID string) context.Context {
	execCtx, cancel := context.WithCancelCause(ctx)
	h := &Handle{
		ExecutionID: id,
		Kind:        kind,
		Name:        name,
		UserID:      userID,
		StartedAt:   time.Now().UTC(),
		cancel:      cancel,
	}

	r.mu.Lock()
	r.entries[id] = h
	r.mu.Unlock()
	return execCtx
}

// Cancel signals cooperative cancellation for id. Returns false when the
// execution is unknown or already finished.
func (r *Registry) Cancel(id uuid.UUID, reason string) bool {
	r.mu.Lock()
	h, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel(&CancelCause{Reason: reason})
	return true
}

// CancelAll cancels every live execution; used during shutdown.
func (r *Registry) CancelAll(reason string) {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.entries))
	for _, h := range r.entries {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.cancel(&CancelCause{Reason: reason})
	}
}

// Remove drops the handle for id and releases its context resources.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	h, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if ok {
		// Release the derived context even when never cancelled.
		h.cancel(nil)
	}
}

// Len reports the number of live executions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns the live handles ordered by start time, for health and
// observability surfaces.
func (r *Registry) Snapshot() []Handle {
	r.mu.Lock()
	out := make([]Handle, 0, len(r.entries))
	for _, h := range r.entries {
		out = append(out, *h)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
