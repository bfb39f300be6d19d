package tenancy

import (
	"context"
	"encoding/json"

	"tenantflow/internal/worker"
)

// Registry registers every handler as a tenant-aware Task.
//
// Handlers registered on the embedded worker.Registry directly skip the
// composition and run without schema switching.
type Registry struct {
	*worker.Registry
	cfg *Config
}

func NewRegistry(cfg *Config) *Registry {
	return &Registry{Registry: worker.NewRegistry(), cfg: cfg}
}

// Register stores h under name, composed into a Task unless it already is
// one.
func (r *Registry) Register(name string, h worker.Handler, opts ...Option) *Task {
	t, ok := h.(*Task)
	if !ok {
		t = NewTask(name, h, r.cfg, opts...)
	}
	r.Registry.Register(name, t)
	return t
}

// Task registers fn as a tenant-aware task.
func (r *Registry) Task(name string, fn func(ctx context.Context, payload json.RawMessage) error, opts ...Option) *Task {
	return r.Register(name, worker.HandlerFunc(fn), opts...)
}
