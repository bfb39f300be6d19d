package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"tenantflow/internal/domain"
)

// PGConn pins a single PostgreSQL session and switches its search_path.
// The active schema is tracked in-process; a new PGConn starts on public
// with public included.
type PGConn struct {
	conn   *sql.Conn
	public string
	state  State
	tenant *domain.Tenant
}

// NewPGConn wraps a pinned session. publicSchema is the shared schema name.
func NewPGConn(conn *sql.Conn, publicSchema string) *PGConn {
	return &PGConn{
		conn:   conn,
		public: publicSchema,
		state:  State{Schema: publicSchema, IncludePublic: true},
	}
}

// Open pins a session from db.
func Open(ctx context.Context, db *sql.DB, publicSchema string) (*PGConn, error) {
	c, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("pin connection: %w", err)
	}
	return NewPGConn(c, publicSchema), nil
}

// Conn returns the pinned session. Queries issued on it see the active schema.
func (c *PGConn) Conn() *sql.Conn { return c.conn }

// Tenant returns the tenant last applied with SetTenant, if still active.
func (c *PGConn) Tenant() *domain.Tenant { return c.tenant }

func (c *PGConn) ActiveSchema() string { return c.state.Schema }

func (c *PGConn) IncludePublic() bool { return c.state.IncludePublic }

func (c *PGConn) SetSchemaToPublic(ctx context.Context) error {
	return c.SetSchema(ctx, c.public, true)
}

func (c *PGConn) SetSchema(ctx context.Context, name string, includePublic bool) error {
	if name == "" {
		return fmt.Errorf("set schema: empty schema name")
	}
	if _, err := c.conn.ExecContext(ctx, "SET search_path TO "+searchPath(name, c.public, includePublic)); err != nil {
		return fmt.Errorf("set search_path to %q: %w", name, err)
	}
	c.state = State{Schema: name, IncludePublic: includePublic}
	c.tenant = nil
	return nil
}

func (c *PGConn) SetTenant(ctx context.Context, t *domain.Tenant, includePublic bool) error {
	if err := c.SetSchema(ctx, t.SchemaName, includePublic); err != nil {
		return err
	}
	c.tenant = t
	return nil
}

// Close returns the pinned session to the pool.
func (c *PGConn) Close() error { return c.conn.Close() }

func searchPath(name, public string, includePublic bool) string {
	parts := []string{pgx.Identifier{name}.Sanitize()}
	if includePublic && name != public {
		parts = append(parts, pgx.Identifier{public}.Sanitize())
	}
	return strings.Join(parts, ", ")
}

// OpenSet pins one session per alias. On failure every session opened so far
// is closed.
func OpenSet(ctx context.Context, dbs map[string]*sql.DB, publicSchema string) (Connections, error) {
	cs := make(Connections, len(dbs))
	for alias, db := range dbs {
		c, err := Open(ctx, db, publicSchema)
		if err != nil {
			CloseSet(cs)
			return nil, fmt.Errorf("database %q: %w", alias, err)
		}
		cs[alias] = c
	}
	return cs, nil
}

// CloseSet closes every connection in cs that can be closed.
func CloseSet(cs Connections) {
	for _, c := range cs {
		if cl, ok := c.(interface{ Close() error }); ok {
			_ = cl.Close()
		}
	}
}
