// Package config loads process configuration from a TOML file overridden by
// TENANTFLOW_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"tenantflow/internal/domain"
	"tenantflow/internal/schema"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "tenantflow"

var ErrUnknownItem = errors.New("unknown config item")

type Config struct {
	Addr    string        `toml:"addr" envconfig:"ADDR"`
	QueueDB string        `toml:"queue_db" envconfig:"QUEUE_DB"`
	Workers int           `toml:"workers" envconfig:"WORKERS"`
	Poll    time.Duration `toml:"poll" envconfig:"POLL"`
	Debug   bool          `toml:"debug" envconfig:"DEBUG"`

	PublicSchema       string   `toml:"public_schema" envconfig:"PUBLIC_SCHEMA"`
	TenantCacheSeconds int      `toml:"tenant_cache_seconds" envconfig:"TENANT_CACHE_SECONDS"`
	TenantDatabases    []string `toml:"tenant_databases" envconfig:"TENANT_DATABASES"`
	// ReadyTenantsOnly limits scheduler fan-out to provisioned tenants.
	ReadyTenantsOnly bool `toml:"ready_tenants_only" envconfig:"READY_TENANTS_ONLY"`
	// Databases maps connection aliases to PostgreSQL DSNs.
	Databases map[string]string `toml:"databases" envconfig:"DATABASES"`

	Beat Beat `toml:"beat" envconfig:"BEAT"`
	Log  Log  `toml:"log" envconfig:"LOG"`
}

type Beat struct {
	TickInterval time.Duration `toml:"tick_interval" envconfig:"TICK_INTERVAL"`
	// DatabaseSchedule also fires periodic tasks stored in tenant schemas.
	DatabaseSchedule bool       `toml:"database_schedule" envconfig:"DATABASE_SCHEDULE"`
	Schedule         []Schedule `toml:"schedule" ignored:"true"`
}

// Schedule is one configured periodic task. Leaving TenantSchemas out sends
// the task to every tenant.
type Schedule struct {
	Name          string            `toml:"name"`
	Task          string            `toml:"task"`
	Cron          string            `toml:"cron"`
	Payload       string            `toml:"payload"`
	Headers       map[string]string `toml:"headers"`
	TenantSchemas []string          `toml:"tenant_schemas"`
	Priority      int               `toml:"priority"`
	MaxAttempts   int               `toml:"max_attempts"`
	Disabled      bool              `toml:"disabled"`
}

type Log struct {
	Level   string `toml:"level" envconfig:"LEVEL"`
	Console bool   `toml:"console" envconfig:"CONSOLE"`
}

func Default() *Config {
	return &Config{
		Addr:         ":8080",
		QueueDB:      "tenantflow.db",
		Workers:      8,
		Poll:         250 * time.Millisecond,
		PublicSchema: "public",
		Databases:    map[string]string{},
		Beat:         Beat{TickInterval: time.Second},
		Log:          Log{Level: "info", Console: true},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies the
// environment.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if err := checkUndecodedItems(md); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func checkUndecodedItems(md toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	items := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		items = append(items, k.String())
	}
	return fmt.Errorf("%w: %s", ErrUnknownItem, strings.Join(items, ","))
}

func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Poll <= 0 {
		return fmt.Errorf("poll must be positive, got %s", c.Poll)
	}
	if c.PublicSchema == "" {
		return errors.New("public_schema is required")
	}
	if c.TenantCacheSeconds < 0 {
		return fmt.Errorf("tenant_cache_seconds must not be negative, got %d", c.TenantCacheSeconds)
	}
	for _, alias := range c.TenantDatabases {
		if _, ok := c.Databases[alias]; !ok {
			return fmt.Errorf("tenant database %q has no entry in [databases]", alias)
		}
	}
	for i, s := range c.Beat.Schedule {
		if s.Name == "" || s.Task == "" || s.Cron == "" {
			return fmt.Errorf("beat schedule %d: name, task and cron are required", i)
		}
		if s.Payload != "" && !json.Valid([]byte(s.Payload)) {
			return fmt.Errorf("beat schedule %q: payload is not valid JSON", s.Name)
		}
	}
	return nil
}

// SwitchedDatabases returns the aliases tasks switch by default.
func (c *Config) SwitchedDatabases() []string {
	if len(c.TenantDatabases) > 0 {
		return c.TenantDatabases
	}
	return []string{schema.DefaultAlias}
}

// Schedules converts the configured beat schedule.
func (b Beat) Schedules() []domain.Schedule {
	out := make([]domain.Schedule, 0, len(b.Schedule))
	for _, s := range b.Schedule {
		payload := []byte(s.Payload)
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		out = append(out, domain.Schedule{
			Name:          s.Name,
			CronExpr:      s.Cron,
			TaskType:      s.Task,
			Payload:       payload,
			Headers:       domain.Headers(s.Headers),
			TenantSchemas: s.TenantSchemas,
			Priority:      s.Priority,
			MaxAttempts:   s.MaxAttempts,
			Enabled:       !s.Disabled,
		})
	}
	return out
}
