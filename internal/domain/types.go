package domain

import "time"

// HeaderSchemaName carries the schema a task must run in.
const HeaderSchemaName = "_schema_name"

type Task struct {
	ID                string
	Type              string
	Payload           []byte
	Headers           Headers
	Priority          int
	Attempts          int
	MaxAttempts       int
	State             string
	NextRunAt         time.Time
	VisibilityTimeout int // seconds
	IdempotencyKey    *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Headers is task metadata travelling with a submission.
type Headers map[string]string

// Clone returns a copy that shares nothing with h.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}

// SchemaName reports the explicit target schema, if any.
func (h Headers) SchemaName() (string, bool) {
	s, ok := h[HeaderSchemaName]
	return s, ok
}

// Schedule is a statically configured periodic task. A nil TenantSchemas
// means every tenant schema; an empty slice targets nothing.
type Schedule struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	CronExpr      string     `json:"cron_expr"`
	TaskType      string     `json:"task_type"`
	Payload       []byte     `json:"payload"`
	Headers       Headers    `json:"headers,omitempty"`
	Priority      int        `json:"priority"`
	MaxAttempts   int        `json:"max_attempts"`
	Enabled       bool       `json:"enabled"`
	TenantSchemas []string   `json:"tenant_schemas"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	NextRun       time.Time  `json:"next_run"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// AllTenants reports whether the schedule fans out to every tenant.
func (s Schedule) AllTenants() bool { return s.TenantSchemas == nil }

type Tenant struct {
	ID         int64     `json:"id"`
	SchemaName string    `json:"schema_name"`
	Name       string    `json:"name"`
	Ready      bool      `json:"ready"`
	CreatedAt  time.Time `json:"created_at"`
}

// PeriodicTask is a periodic task definition persisted inside one schema.
// Headers is stored as encoded JSON text.
type PeriodicTask struct {
	ID            int64
	Name          string
	Task          string
	CronExpr      string
	Payload       []byte
	Headers       string
	Enabled       bool
	LastRunAt     *time.Time
	TotalRunCount int
	DateChanged   time.Time
}
