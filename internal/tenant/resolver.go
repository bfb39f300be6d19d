// Package tenant resolves tenant records by schema name and caches them.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tenantflow/internal/domain"
)

var ErrNotFound = errors.New("tenant not found")

// Resolver looks tenants up in the shared schema.
type Resolver interface {
	GetBySchemaName(ctx context.Context, name string) (*domain.Tenant, error)
	ListAll(ctx context.Context) ([]domain.Tenant, error)
	PublicSchemaName() string
}

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLResolver reads the tenants table of the public schema. Queries are
// schema-qualified so the resolver works whatever search_path q has.
type SQLResolver struct {
	q      Querier
	public string
}

func NewSQLResolver(q Querier, publicSchema string) *SQLResolver {
	return &SQLResolver{q: q, public: publicSchema}
}

func (r *SQLResolver) PublicSchemaName() string { return r.public }

func (r *SQLResolver) table() string {
	return quoteIdent(r.public) + ".tenants"
}

func (r *SQLResolver) GetBySchemaName(ctx context.Context, name string) (*domain.Tenant, error) {
	row := r.q.QueryRowContext(ctx, `
SELECT id,schema_name,name,ready,created_at
FROM `+r.table()+` WHERE schema_name=$1`, name)
	var t domain.Tenant
	if err := row.Scan(&t.ID, &t.SchemaName, &t.Name, &t.Ready, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: schema %q", ErrNotFound, name)
		}
		return nil, fmt.Errorf("get tenant %q: %w", name, err)
	}
	return &t, nil
}

func (r *SQLResolver) ListAll(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.q.QueryContext(ctx, `
SELECT id,schema_name,name,ready,created_at
FROM `+r.table()+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.SchemaName, &t.Name, &t.Ready, &t.CreatedAt); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// SchemaNames returns the schema of every tenant except public, in resolver
// order, keeping only tenants accepted by keep (nil keeps all).
func SchemaNames(ctx context.Context, r Resolver, keep func(domain.Tenant) bool) ([]string, error) {
	tenants, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	public := r.PublicSchemaName()
	names := make([]string, 0, len(tenants))
	for _, t := range tenants {
		if t.SchemaName == public {
			continue
		}
		if keep != nil && !keep(t) {
			continue
		}
		names = append(names, t.SchemaName)
	}
	return names, nil
}
