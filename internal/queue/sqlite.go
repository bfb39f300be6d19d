package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tenantflow/internal/domain"
)

var (
	ErrEmpty    = errors.New("no tasks ready")
	ErrNotFound = errors.New("not found")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  payload BLOB NOT NULL,
  headers TEXT NOT NULL DEFAULT '{}',
  priority INTEGER NOT NULL DEFAULT 5,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed','canceled')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  next_run_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  idempotency_key TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(state, next_run_at, priority DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  finished_at DATETIME,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  cron_expr TEXT NOT NULL,
  task_type TEXT NOT NULL,
  payload BLOB NOT NULL,
  headers TEXT NOT NULL DEFAULT '{}',
  tenant_schemas TEXT,
  priority INTEGER NOT NULL DEFAULT 5,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Enqueue(ctx context.Context, t domain.Task) (string, error)
	LeaseNext(ctx context.Context, now time.Time) (domain.Task, Lease, error)
	Retry(ctx context.Context, id, err string, delay time.Duration) error
	Succeed(ctx context.Context, id string) error
	Fail(ctx context.Context, id, err string, delay time.Duration) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error)

	// Schedule operations
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	UpsertSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

type Lease struct{ Until time.Time }

const taskColumns = `id,type,payload,headers,priority,attempts,max_attempts,state,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at`

const scheduleColumns = `id,name,cron_expr,task_type,payload,headers,tenant_schemas,priority,max_attempts,enabled,last_run,next_run,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func encodeHeaders(h domain.Headers) (string, error) {
	if len(h) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	return string(b), err
}

func decodeHeaders(s string) (domain.Headers, error) {
	h := domain.Headers{}
	if s == "" {
		return h, nil
	}
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	return h, nil
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var headers string
	var idem sql.NullString
	if err := row.Scan(&t.ID, &t.Type, &t.Payload, &headers, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.State, &t.NextRunAt, &t.VisibilityTimeout, &idem, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	h, err := decodeHeaders(headers)
	if err != nil {
		return domain.Task{}, err
	}
	t.Headers = h
	if idem.Valid {
		s := idem.String
		t.IdempotencyKey = &s
	}
	return t, nil
}

func (r *sqliteRepo) Enqueue(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Priority == 0 {
		t.Priority = 5
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 5
	}
	if t.VisibilityTimeout == 0 {
		t.VisibilityTimeout = 60
	}
	if t.Payload == nil {
		t.Payload = []byte("{}")
	}
	headers, err := encodeHeaders(t.Headers)
	if err != nil {
		return "", err
	}

	// Check for existing task with same idempotency key
	if t.IdempotencyKey != nil {
		row := r.db.QueryRowContext(ctx, "SELECT id FROM tasks WHERE idempotency_key = ?", *t.IdempotencyKey)
		var existingID string
		if err := row.Scan(&existingID); err == nil {
			return existingID, nil // Return existing task ID
		}
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO tasks (id,type,payload,headers,priority,state,attempts,max_attempts,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at)
VALUES (?,?,?,?,?, 'queued',0,?, CURRENT_TIMESTAMP, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
`, id, t.Type, t.Payload, headers, t.Priority, t.MaxAttempts, t.VisibilityTimeout, t.IdempotencyKey)
	return id, err
}

func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (domain.Task, Lease, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Task{}, Lease{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE state='queued' AND next_run_at <= ?
ORDER BY priority DESC, created_at ASC
LIMIT 1
`, now.UTC())
	var t domain.Task
	t, err = scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrEmpty
		return domain.Task{}, Lease{}, err
	}
	if err != nil {
		return domain.Task{}, Lease{}, err
	}

	leaseUntil := now.Add(time.Duration(t.VisibilityTimeout) * time.Second)
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET state='running', updated_at=CURRENT_TIMESTAMP WHERE id=?`, t.ID)
	if err != nil {
		return domain.Task{}, Lease{}, err
	}

	if err = tx.Commit(); err != nil {
		return domain.Task{}, Lease{}, err
	}
	return t, Lease{Until: leaseUntil}, nil
}

// finish records an attempt and applies update to the task in one transaction.
func (r *sqliteRepo) finish(ctx context.Context, id string, success bool, errStr, update string, args ...any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO task_attempts(task_id, success, error, finished_at) VALUES (?,?,?,CURRENT_TIMESTAMP)`, id, success, errStr); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	return r.finish(ctx, id, false, errStr, `
UPDATE tasks
SET attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    next_run_at = datetime(CURRENT_TIMESTAMP, ?),
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?`, fmt.Sprintf("+%d seconds", int(delay.Seconds())), id)
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string) error {
	return r.finish(ctx, id, true, "", `UPDATE tasks SET state='succeeded', updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
}

func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string, delay time.Duration) error {
	// Hard fail: move to failed and stop
	return r.finish(ctx, id, false, errStr, `UPDATE tasks SET state='failed', attempts = attempts + 1, updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
}

func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET state='queued', next_run_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
WHERE state='running' AND strftime('%s','now') - strftime('%s',updated_at) > visibility_timeout;`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	return t, err
}

func (r *sqliteRepo) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func encodeSchemas(schemas []string) (sql.NullString, error) {
	if schemas == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(schemas)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func scanSchedule(row scanner) (domain.Schedule, error) {
	var s domain.Schedule
	var headers string
	var schemas sql.NullString
	var lastRun sql.NullTime
	if err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.TaskType, &s.Payload, &headers, &schemas, &s.Priority, &s.MaxAttempts, &s.Enabled, &lastRun, &s.NextRun, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Schedule{}, err
	}
	h, err := decodeHeaders(headers)
	if err != nil {
		return domain.Schedule{}, err
	}
	s.Headers = h
	if schemas.Valid {
		s.TenantSchemas = []string{}
		if err := json.Unmarshal([]byte(schemas.String), &s.TenantSchemas); err != nil {
			return domain.Schedule{}, fmt.Errorf("decode tenant schemas of %q: %w", s.Name, err)
		}
	}
	if lastRun.Valid {
		s.LastRun = &lastRun.Time
	}
	return s, nil
}

func (r *sqliteRepo) listSchedules(ctx context.Context, query string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func scheduleDefaults(s *domain.Schedule) {
	if s.Priority == 0 {
		s.Priority = 5
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 5
	}
	if s.Payload == nil {
		s.Payload = []byte("{}")
	}
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	scheduleDefaults(&s)
	headers, err := encodeHeaders(s.Headers)
	if err != nil {
		return "", err
	}
	schemas, err := encodeSchemas(s.TenantSchemas)
	if err != nil {
		return "", err
	}
	var lastRun any
	if s.LastRun != nil {
		lastRun = s.LastRun.UTC()
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,cron_expr,task_type,payload,headers,tenant_schemas,priority,max_attempts,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, s.Name, s.CronExpr, s.TaskType, s.Payload, headers, schemas, s.Priority, s.MaxAttempts, s.Enabled, lastRun, s.NextRun.UTC())
	return id, err
}

// UpsertSchedule creates the schedule or updates the definition stored under
// the same name, keeping its id and run history.
func (r *sqliteRepo) UpsertSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM schedules WHERE name=?`, s.Name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return r.CreateSchedule(ctx, s)
	}
	if err != nil {
		return "", err
	}
	s.ID = id
	scheduleDefaults(&s)
	return id, r.UpdateSchedule(ctx, s)
}

func (r *sqliteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, fmt.Errorf("schedule %q: %w", id, ErrNotFound)
	}
	return s, err
}

func (r *sqliteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return r.listSchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
}

func (r *sqliteRepo) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	headers, err := encodeHeaders(s.Headers)
	if err != nil {
		return err
	}
	schemas, err := encodeSchemas(s.TenantSchemas)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
UPDATE schedules SET name=?,cron_expr=?,task_type=?,payload=?,headers=?,tenant_schemas=?,priority=?,max_attempts=?,enabled=?,next_run=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, s.Name, s.CronExpr, s.TaskType, s.Payload, headers, schemas, s.Priority, s.MaxAttempts, s.Enabled, s.NextRun.UTC(), s.ID)
	return err
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	return err
}

func (r *sqliteRepo) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.listSchedules(ctx, `
SELECT `+scheduleColumns+`
FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now.UTC())
}

func (r *sqliteRepo) UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?,next_run=?,updated_at=CURRENT_TIMESTAMP WHERE id=?`, lastRun.UTC(), nextRun.UTC(), id)
	return err
}
