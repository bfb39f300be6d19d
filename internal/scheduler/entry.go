package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"tenantflow/internal/domain"
)

// AllTenantsMarker replaces the schema in the key of entries that fan out to
// every tenant.
const AllTenantsMarker = "__all_tenants_only__"

type Source string

const (
	SourceStatic   Source = "static"
	SourceDatabase Source = "database"
)

type Options struct {
	Priority    int            `json:"priority,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	Headers     domain.Headers `json:"headers,omitempty"`
}

// Entry is one schedulable unit: a static schedule expanded for one target
// schema (or for all tenants), or a periodic task read from a tenant schema.
type Entry struct {
	Key           string     `json:"key"`
	Name          string     `json:"name"`
	Task          string     `json:"task"`
	CronExpr      string     `json:"cron_expr"`
	Payload       []byte     `json:"payload,omitempty"`
	Options       Options    `json:"options"`
	AllTenants    bool       `json:"all_tenants"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	TotalRunCount int        `json:"total_run_count"`
	Source        Source     `json:"source"`
	// ScheduleID is the broker id of a static schedule.
	ScheduleID string `json:"schedule_id,omitempty"`
	// Owner is the schema storing a database entry.
	Owner string `json:"owner,omitempty"`
}

func EntryKey(name, schemaName string) string {
	return name + "@" + schemaName
}

// clone returns a copy of e that shares no mutable state with it.
func (e *Entry) clone() *Entry {
	c := *e
	c.Options.Headers = e.Options.Headers.Clone()
	if e.LastRunAt != nil {
		ran := *e.LastRunAt
		c.LastRunAt = &ran
	}
	return &c
}

// SchemaName is the explicit target schema, empty for all-tenants entries.
func (e *Entry) SchemaName() string {
	return e.Options.Headers[domain.HeaderSchemaName]
}

func (e *Entry) task() domain.Task {
	return domain.Task{
		Type:        e.Task,
		Payload:     e.Payload,
		Priority:    e.Options.Priority,
		MaxAttempts: e.Options.MaxAttempts,
		Headers:     e.Options.Headers.Clone(),
	}
}

// Expand turns schedule definitions into entries. A schedule without target
// schemas becomes a single all-tenants entry; otherwise there is one entry
// per listed schema, carrying that schema in its headers.
func Expand(schedules []domain.Schedule) []*Entry {
	var out []*Entry
	for _, s := range schedules {
		base := Entry{
			Name:     s.Name,
			Task:     s.TaskType,
			CronExpr: s.CronExpr,
			Payload:  s.Payload,
			Options: Options{
				Priority:    s.Priority,
				MaxAttempts: s.MaxAttempts,
			},
			LastRunAt:  s.LastRun,
			Source:     SourceStatic,
			ScheduleID: s.ID,
		}
		if s.AllTenants() {
			e := base
			e.Key = EntryKey(s.Name, AllTenantsMarker)
			e.AllTenants = true
			e.Options.Headers = s.Headers.Clone()
			delete(e.Options.Headers, domain.HeaderSchemaName)
			out = append(out, &e)
			continue
		}
		for _, name := range s.TenantSchemas {
			e := base
			e.Key = EntryKey(s.Name, name)
			e.Options.Headers = s.Headers.Clone()
			e.Options.Headers[domain.HeaderSchemaName] = name
			out = append(out, &e)
		}
	}
	return out
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
