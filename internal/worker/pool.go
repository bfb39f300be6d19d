package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tenantflow/internal/domain"
	"tenantflow/internal/queue"
	"tenantflow/internal/schema"
)

var (
	ErrNoHandler = errors.New("no handler")
	// ErrSkipRetry marks failures that retrying cannot fix.
	ErrSkipRetry = errors.New("not retryable")
)

// Repository is the part of the queue the pool consumes.
type Repository interface {
	LeaseNext(ctx context.Context, now time.Time) (domain.Task, queue.Lease, error)
	Retry(ctx context.Context, id, err string, delay time.Duration) error
	Succeed(ctx context.Context, id string) error
	Fail(ctx context.Context, id, err string, delay time.Duration) error
}

// ConnectionsFunc opens the database connections owned by one worker slot.
type ConnectionsFunc func(ctx context.Context) (schema.Connections, error)

type Option func(*Pool)

// WithMiddleware appends mws to the execution chain.
func WithMiddleware(mws ...Middleware) Option {
	return func(p *Pool) { p.middleware = append(p.middleware, mws...) }
}

// WithConnections gives every worker slot its own connection set, attached
// to the context of each task the slot runs.
func WithConnections(open ConnectionsFunc) Option {
	return func(p *Pool) { p.openConns = open }
}

type slot struct {
	conns schema.Connections
}

type Pool struct {
	repo       Repository
	handlers   Lookup
	size       int
	slots      chan *slot
	stop       chan struct{}
	stopOnce   sync.Once
	pollEvery  time.Duration
	middleware []Middleware
	openConns  ConnectionsFunc
	wg         sync.WaitGroup
}

func NewPool(repo Repository, handlers Lookup, size int, pollEvery time.Duration, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		repo:      repo,
		handlers:  handlers,
		size:      size,
		slots:     make(chan *slot, size),
		stop:      make(chan struct{}),
		pollEvery: pollEvery,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool) openSlots(ctx context.Context) error {
	for i := 0; i < p.size; i++ {
		sl := &slot{}
		if p.openConns != nil {
			cs, err := p.openConns(ctx)
			if err != nil {
				p.closeSlots()
				return fmt.Errorf("open connections for worker %d: %w", i, err)
			}
			sl.conns = cs
		}
		p.slots <- sl
	}
	return nil
}

func (p *Pool) closeSlots() {
	for {
		select {
		case sl := <-p.slots:
			schema.CloseSet(sl.conns)
		default:
			return
		}
	}
}

// Run polls the queue until ctx is done or Stop is called, then waits for
// running tasks and closes the slot connections.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.openSlots(ctx); err != nil {
		return err
	}
	defer p.closeSlots()
	defer p.wg.Wait()

	log.Info().Int("workers", p.size).Dur("poll", p.pollEvery).Msg("worker pool started")

	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stop:
			return nil
		case now := <-t.C:
			p.drain(ctx, now)
		}
	}
}

func (p *Pool) drain(ctx context.Context, now time.Time) {
	for {
		var sl *slot
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case sl = <-p.slots:
		}

		task, _, err := p.repo.LeaseNext(ctx, now)
		if err != nil {
			p.slots <- sl
			if !errors.Is(err, queue.ErrEmpty) {
				log.Error().Err(err).Msg("lease next task")
			}
			return
		}

		p.wg.Add(1)
		go func(tk domain.Task, sl *slot) {
			defer p.wg.Done()
			defer func() { p.slots <- sl }()
			p.process(ctx, tk, sl)
		}(task, sl)
	}
}

func (p *Pool) process(ctx context.Context, tk domain.Task, sl *slot) {
	timeout := time.Duration(tk.VisibilityTimeout) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	c, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if sl.conns != nil {
		c = schema.WithConnections(c, sl.conns)
	}

	err := p.Execute(c, tk)
	// the outcome is recorded even when shutdown cancelled ctx
	octx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		err = p.repo.Succeed(octx, tk.ID)
	case errors.Is(err, ErrNoHandler), errors.Is(err, ErrSkipRetry):
		err = p.repo.Fail(octx, tk.ID, err.Error(), 0)
	default:
		err = p.repo.Retry(octx, tk.ID, err.Error(), backoffExp(tk.Attempts))
	}
	if err != nil {
		log.Error().Err(err).Str("task_id", tk.ID).Msg("record task outcome")
	}
}

// Execute runs t through the middleware chain in the caller's goroutine,
// using whatever connections ctx carries.
func (p *Pool) Execute(ctx context.Context, t domain.Task) error {
	h, ok := p.handlers.Get(t.Type)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, t.Type)
	}
	inv := NewInvocation(t, h)
	return Chain(p.middleware...)(ctx, inv, func(ctx context.Context) error {
		return h.Handle(ctx, t.Payload)
	})
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
