package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tenantflow/internal/api"
	"tenantflow/internal/config"
	"tenantflow/internal/domain"
	httph "tenantflow/internal/handlers/http"
	"tenantflow/internal/handlers/shell"
	"tenantflow/internal/handlers/sqlexec"
	"tenantflow/internal/metrics"
	"tenantflow/internal/periodic"
	"tenantflow/internal/queue"
	"tenantflow/internal/scheduler"
	"tenantflow/internal/schema"
	"tenantflow/internal/tenancy"
	"tenantflow/internal/tenant"
	"tenantflow/internal/worker"
)

func addBeatFlags(cmd *cobra.Command, o *options) {
	cmd.Flags().DurationVar(&o.flags.Beat.TickInterval, "tick", o.flags.Beat.TickInterval, "how often due schedules are checked")
	cmd.Flags().BoolVar(&o.flags.Beat.DatabaseSchedule, "database-schedule", o.flags.Beat.DatabaseSchedule, "also fire periodic tasks stored in tenant schemas")
}

func newServeCmd(o *options) *cobra.Command {
	var withBeat bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.complete(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runServe(ctx, cfg, withBeat)
		},
	}
	cmd.Flags().StringVar(&o.flags.Addr, "addr", o.flags.Addr, "HTTP bind address")
	cmd.Flags().IntVar(&o.flags.Workers, "workers", o.flags.Workers, "number of worker goroutines")
	cmd.Flags().DurationVar(&o.flags.Poll, "poll", o.flags.Poll, "poll interval for queue")
	cmd.Flags().BoolVar(&withBeat, "with-beat", false, "run the scheduler in this process")
	addBeatFlags(cmd, o)
	return cmd
}

// registerHandlers installs the built-in task types, each switching the
// configured databases to the schema its headers name.
func registerHandlers(cfg *config.Config, resolver tenant.Resolver) *tenancy.Registry {
	reg := tenancy.NewRegistry(&tenancy.Config{
		Resolver:           resolver,
		Cache:              tenant.NewCache(tenant.NewStorage[*domain.Tenant](), clock.New()),
		TenantCacheSeconds: cfg.TenantCacheSeconds,
		TenantDatabases:    cfg.SwitchedDatabases(),
	})
	reg.Register("shell", shell.Shell{})
	reg.Register("http", httph.HTTP{Client: &http.Client{Timeout: 30 * time.Second}})
	reg.Register("sql", sqlexec.Exec{})
	return reg
}

// newScheduleService builds the scheduler on its own pinned sessions of db.
// The returned func releases them.
func newScheduleService(ctx context.Context, cfg *config.Config, db *sql.DB, repo queue.Repository, resolver tenant.Resolver, submitter *tenancy.Submitter) (*scheduler.Service, *scheduler.Fanout, func(), error) {
	var pinned []*schema.PGConn
	release := func() {
		for _, c := range pinned {
			_ = c.Close()
		}
	}

	conn, err := schema.Open(ctx, db, cfg.PublicSchema)
	if err != nil {
		return nil, nil, release, err
	}
	pinned = append(pinned, conn)
	fanout := scheduler.NewFanout(resolver, submitter, conn, tenantFilter(cfg))

	var opts []scheduler.Option
	if cfg.Beat.DatabaseSchedule {
		dconn, err := schema.Open(ctx, db, cfg.PublicSchema)
		if err != nil {
			return nil, nil, release, err
		}
		pinned = append(pinned, dconn)
		src := scheduler.NewDatabaseSource(resolver, dconn, periodic.NewSQLStore(dconn.Conn()))
		opts = append(opts, scheduler.WithDatabaseSource(src))
	}
	return scheduler.NewService(repo, fanout, cfg.Beat.TickInterval, opts...), fanout, release, nil
}

func runServe(ctx context.Context, cfg *config.Config, withBeat bool) error {
	qdb, repo, err := openQueue(cfg.QueueDB)
	if err != nil {
		return err
	}
	defer qdb.Close()

	if n, err := repo.RecoverStale(ctx, time.Now()); err == nil {
		log.Info().Int("recovered", n).Msg("recovered stale running tasks")
	}

	dbs, err := openDatabases(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDatabases(dbs)
	resolver := tenant.NewSQLResolver(dbs[schema.DefaultAlias], cfg.PublicSchema)

	registry := prometheus.NewRegistry()
	metrics.InitMetrics(registry)
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handlers := registerHandlers(cfg, resolver)
	pool := worker.NewPool(repo, handlers, cfg.Workers, cfg.Poll,
		worker.WithConnections(func(ctx context.Context) (schema.Connections, error) {
			return schema.OpenSet(ctx, dbs, cfg.PublicSchema)
		}),
		worker.WithMiddleware(worker.Recover(), worker.Logging(), metrics.Middleware(), tenancy.Middleware()),
	)
	submitter := tenancy.NewSubmitter(repo, pool, cfg.PublicSchema)

	svc, fanout, release, err := newScheduleService(ctx, cfg, dbs[schema.DefaultAlias], repo, resolver, submitter)
	defer release()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(api.Deps{
			Repo:      repo,
			Submitter: submitter,
			Tenants:   resolver,
			Schedule:  svc,
			Fanout:    fanout,
			Gatherer:  registry,
			Debug:     cfg.Debug,
		}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	if withBeat {
		g.Go(func() error {
			if err := svc.Seed(gctx, cfg.Beat.Schedules()); err != nil {
				return err
			}
			svc.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Strs("tasks", handlers.Names()).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
