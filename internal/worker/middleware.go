package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"tenantflow/internal/domain"
)

// Invocation is one execution of a task. Middleware may keep per-execution
// state on it; nothing on an Invocation outlives the execution.
type Invocation struct {
	Task    domain.Task
	Handler Handler
	data    map[string]any
}

func NewInvocation(t domain.Task, h Handler) *Invocation {
	return &Invocation{Task: t, Handler: h, data: make(map[string]any)}
}

func (i *Invocation) Get(key string) any {
	return i.data[key]
}

func (i *Invocation) Set(key string, value any) {
	i.data[key] = value
}

// Next continues the middleware chain.
type Next func(ctx context.Context) error

// Middleware wraps task execution. It must call next unless it aborts.
type Middleware func(ctx context.Context, inv *Invocation, next Next) error

// Chain composes mws; the first is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, inv *Invocation, next Next) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw, inner := mws[i], h
			h = func(ctx context.Context) error {
				return mw(ctx, inv, inner)
			}
		}
		return h(ctx)
	}
}

// Recover turns a handler panic into an error.
func Recover() Middleware {
	return func(ctx context.Context, inv *Invocation, next Next) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("task_id", inv.Task.ID).
					Str("task_type", inv.Task.Type).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("task handler panicked")
				err = fmt.Errorf("panic in task %s: %v", inv.Task.Type, r)
			}
		}()
		return next(ctx)
	}
}

// Logging logs task completion and failure.
func Logging() Middleware {
	return func(ctx context.Context, inv *Invocation, next Next) error {
		start := time.Now()
		err := next(ctx)
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("task_id", inv.Task.ID).
			Str("task_type", inv.Task.Type).
			Str("schema", inv.Task.Headers[domain.HeaderSchemaName]).
			Dur("elapsed", time.Since(start)).
			Msg("task finished")
		return err
	}
}
