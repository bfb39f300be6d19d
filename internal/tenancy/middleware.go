package tenancy

import (
	"context"

	"github.com/rs/zerolog/log"

	"tenantflow/internal/worker"
)

// Hooks run around a task body.
type Hooks interface {
	PreRun(ctx context.Context, inv *worker.Invocation) error
	PostRun(ctx context.Context, inv *worker.Invocation) error
}

// Middleware dispatches the hooks of handlers implementing Hooks. PostRun
// always runs, also when PreRun or the body fails or panics; its error is
// logged and never replaces the task result. PostRun ignores the
// cancellation of ctx so a timed out task still leaves its connections
// restored.
func Middleware() worker.Middleware {
	return func(ctx context.Context, inv *worker.Invocation, next worker.Next) error {
		h, ok := inv.Handler.(Hooks)
		if !ok {
			return next(ctx)
		}
		defer func() {
			if err := h.PostRun(context.WithoutCancel(ctx), inv); err != nil {
				log.Error().Err(err).
					Str("task_id", inv.Task.ID).
					Str("task_type", inv.Task.Type).
					Msg("restore schema after task")
			}
		}()
		if err := h.PreRun(ctx, inv); err != nil {
			return err
		}
		return next(ctx)
	}
}
