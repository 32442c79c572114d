package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/waytrail/waytrail-jobs/internal/core"
)

// Handler executes one job and returns its result. The context carries the
// per-job timeout; handlers that perform I/O should respect it, but the
// dispatcher does not rely on cooperative cancellation.
type Handler func(ctx context.Context, job *core.Job) (json.RawMessage, error)

// Registry maps job type names to handlers. Purely process-local;
// registration happens once at startup, so re-registering a type overwrites
// silently.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type. Last writer wins.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Lookup returns the handler for a job type. Absence is fatal to the job,
// not the process.
func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
