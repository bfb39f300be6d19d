// Package tenancy makes task execution schema-aware. Submitting a task stamps
// the submitter's active schema into its headers; executing it switches every
// configured tenant database connection to that schema and restores the
// previous one afterwards.
package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"tenantflow/internal/domain"
	"tenantflow/internal/metrics"
	"tenantflow/internal/schema"
	"tenantflow/internal/tenant"
	"tenantflow/internal/worker"
)

// OldSchemaKey is the invocation key holding one schema.State per task
// connection, in Databases order.
const OldSchemaKey = "_old_schema"

var ErrNoConnections = errors.New("no database connections in context")

// Config is shared by every tenant-aware task of a process.
type Config struct {
	Resolver tenant.Resolver
	// Cache may be nil, in which case every lookup hits the resolver.
	Cache              *tenant.Cache[*domain.Tenant]
	TenantCacheSeconds int
	TenantDatabases    []string
}

// Options override Config for one task.
type Options struct {
	CacheSeconds *int
	Databases    []string
}

type Option func(*Options)

func WithTenantCacheSeconds(n int) Option {
	return func(o *Options) { o.CacheSeconds = &n }
}

func WithTenantDatabases(aliases ...string) Option {
	return func(o *Options) { o.Databases = aliases }
}

// Task is a handler that runs inside the schema its headers name.
type Task struct {
	name    string
	handler worker.Handler
	opts    Options
	cfg     *Config
}

// NewTask composes h with the schema switch hooks.
func NewTask(name string, h worker.Handler, cfg *Config, opts ...Option) *Task {
	t := &Task{name: name, handler: h, cfg: cfg}
	for _, o := range opts {
		o(&t.opts)
	}
	return t
}

func (t *Task) Name() string { return t.name }

func (t *Task) Handle(ctx context.Context, payload json.RawMessage) error {
	return t.handler.Handle(ctx, payload)
}

// Databases returns the connection aliases the task switches.
func (t *Task) Databases() []string {
	if len(t.opts.Databases) > 0 {
		return t.opts.Databases
	}
	if len(t.cfg.TenantDatabases) > 0 {
		return t.cfg.TenantDatabases
	}
	return []string{schema.DefaultAlias}
}

// CacheTTL is how long a resolved tenant stays cached.
func (t *Task) CacheTTL() time.Duration {
	secs := t.cfg.TenantCacheSeconds
	if t.opts.CacheSeconds != nil {
		secs = *t.opts.CacheSeconds
	}
	return time.Duration(secs) * time.Second
}

func (t *Task) public() string {
	return t.cfg.Resolver.PublicSchemaName()
}

func (t *Task) connections(ctx context.Context) ([]schema.Conn, error) {
	cs, ok := schema.FromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: task %s: %w", worker.ErrSkipRetry, t.name, ErrNoConnections)
	}
	conns, err := cs.Select(t.Databases())
	if err != nil {
		return nil, fmt.Errorf("%w: task %s: %w", worker.ErrSkipRetry, t.name, err)
	}
	return conns, nil
}

// TargetSchema returns the schema task must run in. The headers win; some
// transports merge headers into the payload, so a top-level _schema_name key
// of a JSON object payload is honoured next. Otherwise the task runs in
// public.
func TargetSchema(task domain.Task, public string) string {
	if name, ok := task.Headers.SchemaName(); ok {
		return name
	}
	var body map[string]json.RawMessage
	if json.Unmarshal(task.Payload, &body) == nil {
		var name string
		if raw, ok := body[domain.HeaderSchemaName]; ok && json.Unmarshal(raw, &name) == nil {
			return name
		}
	}
	return public
}

// TenantForSchema returns the tenant owning schema name, from the cache when
// it holds a live entry.
func (t *Task) TenantForSchema(ctx context.Context, name string) (*domain.Tenant, error) {
	if t.cfg.Cache != nil {
		if tn := t.cfg.Cache.Get(name, nil); tn != nil {
			metrics.TenantCacheLookups.WithLabelValues("hit").Inc()
			return tn, nil
		}
		metrics.TenantCacheLookups.WithLabelValues("miss").Inc()
	}
	tn, err := t.cfg.Resolver.GetBySchemaName(ctx, name)
	if err != nil {
		return nil, err
	}
	if t.cfg.Cache != nil {
		t.cfg.Cache.Set(name, tn, t.CacheTTL())
	}
	return tn, nil
}

// PreRun switches the task's connections to its target schema. The state
// of every connection is always recorded first so PostRun can restore each
// one.
func (t *Task) PreRun(ctx context.Context, inv *worker.Invocation) error {
	conns, err := t.connections(ctx)
	if err != nil {
		return err
	}
	old := make([]schema.State, len(conns))
	for i, c := range conns {
		old[i] = schema.Snapshot(c)
	}
	inv.Set(OldSchemaKey, old)

	public := t.public()
	target := TargetSchema(inv.Task, public)
	if schema.AllAt(conns, target) {
		return nil
	}

	if !schema.AllAt(conns, public) {
		for _, c := range conns {
			err = multierr.Append(err, c.SetSchemaToPublic(ctx))
		}
		if err != nil {
			return fmt.Errorf("reset connections to %q: %w", public, err)
		}
		metrics.SchemaSwitches.WithLabelValues("reset").Inc()
	}
	if target == public {
		return nil
	}

	tn, err := t.TenantForSchema(ctx, target)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			metrics.TenantNotFound.Inc()
			return fmt.Errorf("%w: task %s: %w", worker.ErrSkipRetry, t.name, err)
		}
		return fmt.Errorf("resolve tenant for task %s: %w", t.name, err)
	}
	for _, c := range conns {
		err = multierr.Append(err, c.SetTenant(ctx, tn, true))
	}
	if err != nil {
		return fmt.Errorf("switch connections to %q: %w", target, err)
	}
	metrics.SchemaSwitches.WithLabelValues("enter").Inc()
	log.Debug().Str("task", t.name).Str("schema", target).Msg("switched task connections")
	return nil
}

// PostRun puts every connection back on the state PreRun recorded for it,
// or on public when nothing was recorded. Connections already there are
// left alone.
func (t *Task) PostRun(ctx context.Context, inv *worker.Invocation) error {
	conns, err := t.connections(ctx)
	if err != nil {
		return err
	}
	old, _ := inv.Get(OldSchemaKey).([]schema.State)
	restored := false
	for i, c := range conns {
		want := schema.State{Schema: t.public(), IncludePublic: true}
		if i < len(old) {
			want = old[i]
		}
		if c.ActiveSchema() == want.Schema {
			continue
		}
		restored = true
		if rerr := c.SetSchema(ctx, want.Schema, want.IncludePublic); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("restore %s to %q: %w", t.Databases()[i], want.Schema, rerr))
		}
	}
	if err != nil {
		return fmt.Errorf("restore connections of task %s: %w", t.name, err)
	}
	if restored {
		metrics.SchemaSwitches.WithLabelValues("restore").Inc()
	}
	return nil
}
