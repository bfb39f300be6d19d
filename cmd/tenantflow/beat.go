package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tenantflow/internal/config"
	"tenantflow/internal/schema"
	"tenantflow/internal/tenancy"
	"tenantflow/internal/tenant"
)

func newBeatCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beat",
		Short: "Run the scheduler, fanning periodic tasks out to tenant schemas",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.complete(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runBeat(ctx, cfg)
		},
	}
	addBeatFlags(cmd, o)
	return cmd
}

func runBeat(ctx context.Context, cfg *config.Config) error {
	qdb, repo, err := openQueue(cfg.QueueDB)
	if err != nil {
		return err
	}
	defer qdb.Close()

	dbs, err := openDatabases(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDatabases(dbs)
	resolver := tenant.NewSQLResolver(dbs[schema.DefaultAlias], cfg.PublicSchema)
	submitter := tenancy.NewSubmitter(repo, nil, cfg.PublicSchema)

	svc, _, release, err := newScheduleService(ctx, cfg, dbs[schema.DefaultAlias], repo, resolver, submitter)
	defer release()
	if err != nil {
		return err
	}
	if err := svc.Seed(ctx, cfg.Beat.Schedules()); err != nil {
		return err
	}
	// A periodic task name used in two schemas stops the scheduler here.
	entries, err := svc.Schedule(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("entries", len(entries)).Msg("schedule loaded")
	svc.Start(ctx)
	return nil
}
