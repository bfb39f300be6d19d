package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"tenantflow/internal/domain"
	"tenantflow/internal/metrics"
	"tenantflow/internal/schema"
	"tenantflow/internal/tenancy"
	"tenantflow/internal/tenant"
)

// TenantFilter selects the tenants that receive scheduled tasks.
type TenantFilter func(domain.Tenant) bool

// ReadyTenants keeps tenants whose schema finished provisioning.
func ReadyTenants(t domain.Tenant) bool { return t.Ready }

type FanoutResult struct {
	Sent   []string `json:"sent"`
	Failed []string `json:"failed"`
}

// Fanout submits due entries once per target schema from the scheduler's
// own connection. Entries are applied one at a time.
type Fanout struct {
	resolver  tenant.Resolver
	submitter *tenancy.Submitter
	filter    TenantFilter

	mu   sync.Mutex
	conn schema.Conn
}

// NewFanout returns a fan-out submitting through conn. A nil filter keeps
// every tenant.
func NewFanout(resolver tenant.Resolver, submitter *tenancy.Submitter, conn schema.Conn, filter TenantFilter) *Fanout {
	return &Fanout{resolver: resolver, submitter: submitter, conn: conn, filter: filter}
}

func (f *Fanout) keep(t domain.Tenant) bool {
	return f.filter == nil || f.filter(t)
}

// Targets resolves the schemas e is sent to, reading the tenant list afresh.
func (f *Fanout) Targets(ctx context.Context, e *Entry) ([]string, error) {
	if e.AllTenants {
		return tenant.SchemaNames(ctx, f.resolver, f.keep)
	}
	name := e.SchemaName()
	if name == f.resolver.PublicSchemaName() {
		return []string{name}, nil
	}
	tenants, err := f.resolver.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tenants {
		if t.SchemaName == name && f.keep(t) {
			return []string{name}, nil
		}
	}
	log.Warn().Str("entry", e.Key).Str("schema", name).Msg("scheduled task targets unknown tenant")
	return nil, nil
}

// ApplyEntry submits e to each target schema. A failing schema is logged
// and does not stop the others.
func (f *Fanout) ApplyEntry(ctx context.Context, e *Entry) (FanoutResult, error) {
	var res FanoutResult
	targets, err := f.Targets(ctx, e)
	if err != nil {
		return res, fmt.Errorf("resolve targets of %s: %w", e.Key, err)
	}

	scope := "all"
	if !e.AllTenants {
		scope = fmt.Sprint(len(targets))
	}
	log.Info().Str("entry", e.Name).Str("task", e.Task).Str("tenants", scope).Msg("sending due task")

	f.mu.Lock()
	defer f.mu.Unlock()
	ctx = schema.WithConnections(ctx, schema.Connections{schema.DefaultAlias: f.conn})
	var errs error
	for _, name := range targets {
		err := schema.Activate(ctx, f.conn, name, func(ctx context.Context) error {
			id, err := f.submitter.ApplyAsync(ctx, e.task())
			if err != nil {
				return err
			}
			log.Debug().Str("task", e.Task).Str("schema", name).Str("task_id", id).Msg("scheduled task sent")
			return nil
		})
		if err != nil {
			log.Error().Err(err).Str("entry", e.Key).Str("schema", name).Msg("send scheduled task")
			metrics.FanoutSubmissions.WithLabelValues(e.Name, "failed").Inc()
			res.Failed = append(res.Failed, name)
			errs = multierr.Append(errs, fmt.Errorf("schema %q: %w", name, err))
			continue
		}
		metrics.FanoutSubmissions.WithLabelValues(e.Name, "sent").Inc()
		res.Sent = append(res.Sent, name)
	}
	return res, errs
}
