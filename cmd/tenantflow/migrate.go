package main

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tenantflow/internal/config"
	"tenantflow/internal/domain"
	"tenantflow/internal/periodic"
	"tenantflow/internal/schema"
	"tenantflow/internal/tenant"
)

func newMigrateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [schema[=name]...]",
		Short: "Create the shared tables and provision the given tenant schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.complete(cmd)
			if err != nil {
				return err
			}
			tenants, err := parseTenantArgs(args)
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), cfg, tenants)
		},
	}
}

// parseTenantArgs reads "schema" or "schema=Display Name" arguments.
func parseTenantArgs(args []string) ([]domain.Tenant, error) {
	out := make([]domain.Tenant, 0, len(args))
	for _, a := range args {
		name, display, _ := strings.Cut(a, "=")
		if name == "" {
			return nil, errors.New("empty schema name")
		}
		if display == "" {
			display = name
		}
		out = append(out, domain.Tenant{SchemaName: name, Name: display})
	}
	return out, nil
}

func runMigrate(ctx context.Context, cfg *config.Config, tenants []domain.Tenant) error {
	dbs, err := openDatabases(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDatabases(dbs)

	conn, err := schema.Open(ctx, dbs[schema.DefaultAlias], cfg.PublicSchema)
	if err != nil {
		return err
	}
	defer conn.Close()
	q := conn.Conn()

	if err := tenant.EnsurePublic(ctx, q, cfg.PublicSchema); err != nil {
		return err
	}
	if err := schema.Activate(ctx, conn, cfg.PublicSchema, func(ctx context.Context) error {
		return periodic.Migrate(ctx, q)
	}); err != nil {
		return err
	}

	for _, t := range tenants {
		if t.SchemaName == cfg.PublicSchema {
			continue
		}
		// Registered as not ready until its tables exist.
		t.Ready = false
		if _, err := tenant.Register(ctx, q, cfg.PublicSchema, t); err != nil {
			return err
		}
		if err := tenant.CreateSchema(ctx, q, t.SchemaName); err != nil {
			if !errors.Is(err, tenant.ErrSchemaExists) {
				return err
			}
			log.Info().Str("schema", t.SchemaName).Msg("schema exists, migrating in place")
		}
		if err := schema.Activate(ctx, conn, t.SchemaName, func(ctx context.Context) error {
			return periodic.Migrate(ctx, q)
		}); err != nil {
			return err
		}
		t.Ready = true
		rec, err := tenant.Register(ctx, q, cfg.PublicSchema, t)
		if err != nil {
			return err
		}
		log.Info().Int64("tenant_id", rec.ID).Str("schema", rec.SchemaName).Msg("tenant provisioned")
	}
	return nil
}
