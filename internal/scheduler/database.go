package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tenantflow/internal/domain"
	"tenantflow/internal/metrics"
	"tenantflow/internal/periodic"
	"tenantflow/internal/schema"
	"tenantflow/internal/tenant"
)

var (
	ErrDuplicateTaskName = errors.New("duplicate periodic task name")
	ErrUnknownEntry      = errors.New("unknown schedule entry")
)

// DatabaseSource merges the periodic tasks stored in public and in every
// tenant schema into one schedule. Each store call runs with conn switched
// to the schema being read.
type DatabaseSource struct {
	resolver tenant.Resolver
	conn     schema.Conn
	store    periodic.Store

	mu        sync.Mutex
	entries   map[string]*Entry
	watermark *time.Time
}

// NewDatabaseSource reads store through conn; store must follow conn's
// active schema.
func NewDatabaseSource(resolver tenant.Resolver, conn schema.Conn, store periodic.Store) *DatabaseSource {
	return &DatabaseSource{resolver: resolver, conn: conn, store: store}
}

// schemas lists public first, then the tenant schemas in resolver order.
func (d *DatabaseSource) schemas(ctx context.Context) ([]string, error) {
	tenants, err := tenant.SchemaNames(ctx, d.resolver, nil)
	if err != nil {
		return nil, fmt.Errorf("list tenant schemas: %w", err)
	}
	return append([]string{d.resolver.PublicSchemaName()}, tenants...), nil
}

// Enabled returns the enabled periodic tasks of every schema keyed
// name@schema. A task name used in two schemas is an error.
func (d *DatabaseSource) Enabled(ctx context.Context) (map[string]*Entry, error) {
	names, err := d.schemas(ctx)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]*Entry)
	owners := make(map[string]string)
	for _, name := range names {
		err := schema.Activate(ctx, d.conn, name, func(ctx context.Context) error {
			tasks, err := d.store.ListEnabled(ctx)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				if prev, ok := owners[t.Name]; ok {
					return fmt.Errorf("%w: %q is defined in schemas %q and %q", ErrDuplicateTaskName, t.Name, prev, name)
				}
				owners[t.Name] = name
				e, err := entryFromPeriodic(t, name)
				if err != nil {
					return err
				}
				entries[e.Key] = e
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read periodic tasks of schema %q: %w", name, err)
		}
	}
	return entries, nil
}

func entryFromPeriodic(t domain.PeriodicTask, schemaName string) (*Entry, error) {
	headers := domain.Headers{}
	if t.Headers != "" {
		if err := json.Unmarshal([]byte(t.Headers), &headers); err != nil {
			return nil, fmt.Errorf("decode headers of %q: %w", t.Name, err)
		}
	}
	if _, ok := headers.SchemaName(); !ok {
		headers[domain.HeaderSchemaName] = schemaName
	}
	return &Entry{
		Key:           EntryKey(t.Name, schemaName),
		Name:          t.Name,
		Task:          t.Task,
		CronExpr:      t.CronExpr,
		Payload:       t.Payload,
		Options:       Options{Headers: headers},
		LastRunAt:     t.LastRunAt,
		TotalRunCount: t.TotalRunCount,
		Source:        SourceDatabase,
		Owner:         schemaName,
	}, nil
}

// LastChange is the latest change watermark over all schemas, nil when no
// schema recorded a change.
func (d *DatabaseSource) LastChange(ctx context.Context) (*time.Time, error) {
	names, err := d.schemas(ctx)
	if err != nil {
		return nil, err
	}
	var latest *time.Time
	for _, name := range names {
		err := schema.Activate(ctx, d.conn, name, func(ctx context.Context) error {
			ts, err := d.store.LastChange(ctx)
			if err != nil {
				return err
			}
			if ts != nil && (latest == nil || ts.After(*latest)) {
				latest = ts
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read last change of schema %q: %w", name, err)
		}
	}
	return latest, nil
}

// Schedule returns copies of the merged entries, rebuilding them when a
// schema changed since the last build. Run state changes go through MarkRun.
func (d *DatabaseSource) Schedule(ctx context.Context) (map[string]*Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	wm, err := d.LastChange(ctx)
	if err != nil {
		return nil, err
	}
	stale := d.entries == nil || (wm != nil && (d.watermark == nil || wm.After(*d.watermark)))
	if stale {
		entries, err := d.Enabled(ctx)
		if err != nil {
			return nil, err
		}
		d.entries, d.watermark = entries, wm
		metrics.ScheduleRebuilds.Inc()
		log.Debug().Int("entries", len(entries)).Msg("rebuilt database schedule")
	}
	out := make(map[string]*Entry, len(d.entries))
	for k, e := range d.entries {
		out[k] = e.clone()
	}
	return out, nil
}

// MarkRun records a run of the entry keyed key at ran, in the cached
// schedule and in the schema that owns the entry.
func (d *DatabaseSource) MarkRun(ctx context.Context, key string, ran time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok {
		return fmt.Errorf("mark run of %s: %w", key, ErrUnknownEntry)
	}
	e.LastRunAt = &ran
	e.TotalRunCount++
	return d.save(ctx, e)
}

// Save writes the run state of e back into the schema that owns it.
func (d *DatabaseSource) Save(ctx context.Context, e *Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.save(ctx, e)
}

func (d *DatabaseSource) save(ctx context.Context, e *Entry) error {
	if e.LastRunAt == nil {
		return fmt.Errorf("save %s: entry never ran", e.Key)
	}
	owner := e.Owner
	if owner == "" {
		owner = e.SchemaName()
	}
	return schema.Activate(ctx, d.conn, owner, func(ctx context.Context) error {
		return d.store.SaveRunState(ctx, e.Name, *e.LastRunAt, e.TotalRunCount)
	})
}
