// Package periodic stores periodic task definitions inside each tenant schema.
// Every Store operates on whatever schema its connection currently has
// active; callers switch schemas around it.
package periodic

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tenantflow/internal/domain"
)

var ErrNotFound = errors.New("periodic task not found")

type Store interface {
	ListEnabled(ctx context.Context) ([]domain.PeriodicTask, error)
	// LastChange returns nil when the schema never recorded a change.
	LastChange(ctx context.Context) (*time.Time, error)
	SaveRunState(ctx context.Context, name string, lastRunAt time.Time, totalRunCount int) error
	Put(ctx context.Context, t domain.PeriodicTask) error
}

// Querier is satisfied by *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Migrate creates the periodic task tables in the active schema.
func Migrate(ctx context.Context, q Querier) error {
	_, err := q.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS periodic_tasks (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  task TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '{}',
  headers TEXT NOT NULL DEFAULT '{}',
  enabled BOOLEAN NOT NULL DEFAULT TRUE,
  last_run_at TIMESTAMPTZ,
  total_run_count INTEGER NOT NULL DEFAULT 0,
  date_changed TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS periodic_tasks_changed (
  ident SMALLINT PRIMARY KEY,
  last_update TIMESTAMPTZ NOT NULL
);`)
	if err != nil {
		return fmt.Errorf("migrate periodic tasks: %w", err)
	}
	return nil
}

// SQLStore reads unqualified tables, so the connection's search_path picks
// the schema.
type SQLStore struct{ q Querier }

func NewSQLStore(q Querier) *SQLStore { return &SQLStore{q: q} }

func (s *SQLStore) ListEnabled(ctx context.Context) ([]domain.PeriodicTask, error) {
	rows, err := s.q.QueryContext(ctx, `
SELECT id,name,task,cron_expr,payload,headers,enabled,last_run_at,total_run_count,date_changed
FROM periodic_tasks WHERE enabled ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list periodic tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.PeriodicTask
	for rows.Next() {
		var t domain.PeriodicTask
		var lastRun sql.NullTime
		if err := rows.Scan(&t.ID, &t.Name, &t.Task, &t.CronExpr, &t.Payload, &t.Headers, &t.Enabled, &lastRun, &t.TotalRunCount, &t.DateChanged); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			t.LastRunAt = &lastRun.Time
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLStore) LastChange(ctx context.Context) (*time.Time, error) {
	var ts time.Time
	err := s.q.QueryRowContext(ctx, `SELECT last_update FROM periodic_tasks_changed WHERE ident=1`).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read last change: %w", err)
	}
	return &ts, nil
}

// SaveRunState records a run without moving the change watermark.
func (s *SQLStore) SaveRunState(ctx context.Context, name string, lastRunAt time.Time, totalRunCount int) error {
	res, err := s.q.ExecContext(ctx, `
UPDATE periodic_tasks SET last_run_at=$1,total_run_count=$2 WHERE name=$3`, lastRunAt, totalRunCount, name)
	if err != nil {
		return fmt.Errorf("save run state of %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}

// Put inserts or updates a definition by name and moves the watermark.
func (s *SQLStore) Put(ctx context.Context, t domain.PeriodicTask) error {
	if t.Headers == "" {
		t.Headers = "{}"
	}
	if len(t.Payload) == 0 {
		t.Payload = []byte("{}")
	}
	_, err := s.q.ExecContext(ctx, `
INSERT INTO periodic_tasks (name,task,cron_expr,payload,headers,enabled,date_changed)
VALUES ($1,$2,$3,$4,$5,$6,now())
ON CONFLICT (name) DO UPDATE SET task=EXCLUDED.task,cron_expr=EXCLUDED.cron_expr,payload=EXCLUDED.payload,
  headers=EXCLUDED.headers,enabled=EXCLUDED.enabled,date_changed=now()`,
		t.Name, t.Task, t.CronExpr, string(t.Payload), t.Headers, t.Enabled)
	if err != nil {
		return fmt.Errorf("put periodic task %q: %w", t.Name, err)
	}
	_, err = s.q.ExecContext(ctx, `
INSERT INTO periodic_tasks_changed (ident,last_update) VALUES (1,now())
ON CONFLICT (ident) DO UPDATE SET last_update=EXCLUDED.last_update`)
	if err != nil {
		return fmt.Errorf("mark periodic tasks changed: %w", err)
	}
	return nil
}
