package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"tenantflow/internal/config"
	"tenantflow/internal/queue"
	"tenantflow/internal/scheduler"
	"tenantflow/internal/schema"
)

// options holds the flags shared by every command. Flags set on the command
// line win over the config file and the environment.
type options struct {
	configPath string
	flags      *config.Config
}

func newOptions() *options {
	return &options{flags: config.Default()}
}

func (o *options) addFlags(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&o.configPath, "config", "", "path of the TOML configuration file")
	pf.StringVar(&o.flags.QueueDB, "queue-db", o.flags.QueueDB, "SQLite DB path of the task queue")
	pf.StringVar(&o.flags.PublicSchema, "public-schema", o.flags.PublicSchema, "name of the shared schema")
	pf.StringVar(&o.flags.Log.Level, "log-level", o.flags.Log.Level, "log level (debug|info|warn|error)")
	pf.BoolVar(&o.flags.Log.Console, "log-console", o.flags.Log.Console, "human readable log output")
	pf.BoolVar(&o.flags.Debug, "debug", o.flags.Debug, "expose pprof handlers")
}

// complete loads the configuration and applies the flags set on cmd.
func (o *options) complete(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "queue-db":
			cfg.QueueDB = o.flags.QueueDB
		case "public-schema":
			cfg.PublicSchema = o.flags.PublicSchema
		case "log-level":
			cfg.Log.Level = o.flags.Log.Level
		case "log-console":
			cfg.Log.Console = o.flags.Log.Console
		case "debug":
			cfg.Debug = o.flags.Debug
		case "addr":
			cfg.Addr = o.flags.Addr
		case "workers":
			cfg.Workers = o.flags.Workers
		case "poll":
			cfg.Poll = o.flags.Poll
		case "tick":
			cfg.Beat.TickInterval = o.flags.Beat.TickInterval
		case "database-schedule":
			cfg.Beat.DatabaseSchedule = o.flags.Beat.DatabaseSchedule
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := initLogger(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogger(c config.Log) error {
	lvl, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", c.Level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	if c.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return nil
}

func newRootCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tenantflow",
		Short:         "Schema-per-tenant task queue, worker and scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	o.addFlags(cmd)
	cmd.AddCommand(newServeCmd(o), newBeatCmd(o), newMigrateCmd(o))
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func openQueue(path string) (*sql.DB, queue.Repository, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open queue db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := queue.EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure queue schema: %w", err)
	}
	return db, queue.NewSQLiteRepo(db), nil
}

// openDatabases opens a pool per configured alias. The default alias is
// required: it holds the tenants table.
func openDatabases(ctx context.Context, cfg *config.Config) (map[string]*sql.DB, error) {
	if _, ok := cfg.Databases[schema.DefaultAlias]; !ok {
		return nil, fmt.Errorf("database %q is not configured", schema.DefaultAlias)
	}
	dbs := make(map[string]*sql.DB, len(cfg.Databases))
	for alias, dsn := range cfg.Databases {
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			err = db.PingContext(ctx)
		}
		if err != nil {
			closeDatabases(dbs)
			if db != nil {
				_ = db.Close()
			}
			return nil, fmt.Errorf("database %q: %w", alias, err)
		}
		dbs[alias] = db
	}
	return dbs, nil
}

func closeDatabases(dbs map[string]*sql.DB) {
	for _, db := range dbs {
		_ = db.Close()
	}
}

func tenantFilter(cfg *config.Config) scheduler.TenantFilter {
	if cfg.ReadyTenantsOnly {
		return scheduler.ReadyTenants
	}
	return nil
}
