package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tenantflow/internal/domain"
)

var ErrSchemaExists = errors.New("schema already exists")

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// EnsurePublic creates the tenants table in the public schema.
func EnsurePublic(ctx context.Context, q Querier, public string) error {
	_, err := q.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+quoteIdent(public)+`.tenants (
  id BIGSERIAL PRIMARY KEY,
  schema_name TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  ready BOOLEAN NOT NULL DEFAULT TRUE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("ensure tenants table: %w", err)
	}
	return nil
}

// CreateSchema creates the PostgreSQL schema for name. An existing schema is
// reported as ErrSchemaExists.
func CreateSchema(ctx context.Context, q Querier, name string) error {
	if _, err := q.ExecContext(ctx, "CREATE SCHEMA "+quoteIdent(name)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.DuplicateSchema {
			return fmt.Errorf("%w: %q", ErrSchemaExists, name)
		}
		return fmt.Errorf("create schema %q: %w", name, err)
	}
	return nil
}

// Register inserts or renames the tenant row for t.SchemaName.
func Register(ctx context.Context, q Querier, public string, t domain.Tenant) (*domain.Tenant, error) {
	row := q.QueryRowContext(ctx, `
INSERT INTO `+quoteIdent(public)+`.tenants (schema_name,name,ready)
VALUES ($1,$2,$3)
ON CONFLICT (schema_name) DO UPDATE SET name=EXCLUDED.name, ready=EXCLUDED.ready
RETURNING id,created_at`, t.SchemaName, t.Name, t.Ready)
	if err := row.Scan(&t.ID, &t.CreatedAt); err != nil {
		return nil, fmt.Errorf("register tenant %q: %w", t.SchemaName, err)
	}
	return &t, nil
}
