package dispatch

import (
	"context"
	"encoding/json"

	"jobflow/internal/domain"
)

// Handler processes one job invocation. Returning an error is equivalent to
// a failed outcome; the error text is recorded on the job row. Handlers run
// at-least-once and must be safe to invoke again for the same logical job.
type Handler interface {
	Handle(ctx context.Context, params json.RawMessage) (domain.Outcome, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (domain.Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, params json.RawMessage) (domain.Outcome, error) {
	return f(ctx, params)
}

// Registry maps job-type strings to handlers. It is populated once at
// process start and read-only afterwards, so lookups need no locking.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(jobType string, h Handler) {
	r.handlers[jobType] = h
}

func (r *Registry) Lookup(jobType string) (Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
