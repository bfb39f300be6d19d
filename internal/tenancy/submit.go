package tenancy

import (
	"context"
	"encoding/json"
	"fmt"

	"tenantflow/internal/domain"
	"tenantflow/internal/schema"
)

// StampHeaders returns h with the target schema set to active unless h
// already names one. h itself is never modified.
func StampHeaders(h domain.Headers, active string) domain.Headers {
	if _, ok := h.SchemaName(); ok {
		return h
	}
	out := h.Clone()
	out[domain.HeaderSchemaName] = active
	return out
}

// Enqueuer is the part of the queue the submitter writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, t domain.Task) (string, error)
}

// Executor runs a task synchronously in the caller's goroutine.
type Executor interface {
	Execute(ctx context.Context, t domain.Task) error
}

// Submitter sends tasks stamped with the schema of the submitting
// connection: the default connection carried by ctx, or public when ctx
// carries none.
type Submitter struct {
	queue  Enqueuer
	exec   Executor
	public string
}

// NewSubmitter returns a submitter. exec may be nil when eager execution is
// not used.
func NewSubmitter(q Enqueuer, exec Executor, public string) *Submitter {
	return &Submitter{queue: q, exec: exec, public: public}
}

// ActiveSchema is the schema a submission from ctx is stamped with.
func (s *Submitter) ActiveSchema(ctx context.Context) string {
	if name, ok := schema.Active(ctx); ok {
		return name
	}
	return s.public
}

func (s *Submitter) stamp(ctx context.Context, t domain.Task) domain.Task {
	t.Headers = StampHeaders(t.Headers, s.ActiveSchema(ctx))
	return t
}

// ApplyAsync enqueues t and returns its id.
func (s *Submitter) ApplyAsync(ctx context.Context, t domain.Task) (string, error) {
	t = s.stamp(ctx, t)
	id, err := s.queue.Enqueue(ctx, t)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", t.Type, err)
	}
	return id, nil
}

// SendTask enqueues a task by name with a payload encoded from args.
func (s *Submitter) SendTask(ctx context.Context, name string, args any, headers domain.Headers) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode arguments of %s: %w", name, err)
	}
	return s.ApplyAsync(ctx, domain.Task{Type: name, Payload: payload, Headers: headers})
}

// Apply executes t eagerly through the worker pipeline, on the connections
// carried by ctx.
func (s *Submitter) Apply(ctx context.Context, t domain.Task) error {
	if s.exec == nil {
		return fmt.Errorf("apply %s: no executor configured", t.Type)
	}
	return s.exec.Execute(ctx, s.stamp(ctx, t))
}
