// Package schema tracks and switches the active PostgreSQL schema of database
// connections. One Conn wraps one physical session; schema state is never
// shared between sessions.
package schema

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"tenantflow/internal/domain"
)

// DefaultAlias names the connection used when nothing else is configured.
const DefaultAlias = "default"

var ErrUnknownAlias = errors.New("unknown database alias")

// Conn is the schema accessor of a single database connection.
type Conn interface {
	ActiveSchema() string
	IncludePublic() bool
	SetSchemaToPublic(ctx context.Context) error
	SetSchema(ctx context.Context, name string, includePublic bool) error
	SetTenant(ctx context.Context, t *domain.Tenant, includePublic bool) error
}

// State is a snapshot of a connection's schema pointer.
type State struct {
	Schema        string
	IncludePublic bool
}

// Snapshot captures the current state of c.
func Snapshot(c Conn) State {
	return State{Schema: c.ActiveSchema(), IncludePublic: c.IncludePublic()}
}

// Connections is a set of named connections owned by one executor.
type Connections map[string]Conn

// Default returns the connection under DefaultAlias, or nil.
func (cs Connections) Default() Conn {
	return cs[DefaultAlias]
}

// Select returns the connections for aliases in order.
func (cs Connections) Select(aliases []string) ([]Conn, error) {
	out := make([]Conn, 0, len(aliases))
	for _, a := range aliases {
		c, ok := cs[a]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAlias, a)
		}
		out = append(out, c)
	}
	return out, nil
}

type connectionsKey struct{}

// WithConnections attaches cs to ctx.
func WithConnections(ctx context.Context, cs Connections) context.Context {
	return context.WithValue(ctx, connectionsKey{}, cs)
}

// FromContext returns the connection set attached to ctx.
func FromContext(ctx context.Context) (Connections, bool) {
	cs, ok := ctx.Value(connectionsKey{}).(Connections)
	return cs, ok && cs != nil
}

// Active returns the active schema of the default connection in ctx.
func Active(ctx context.Context) (string, bool) {
	cs, ok := FromContext(ctx)
	if !ok || cs.Default() == nil {
		return "", false
	}
	return cs.Default().ActiveSchema(), true
}

// AllAt reports whether every connection is on schema name.
func AllAt(conns []Conn, name string) bool {
	for _, c := range conns {
		if c.ActiveSchema() != name {
			return false
		}
	}
	return true
}

// Activate runs fn with c switched to name (public included in the search
// path) and restores the previous state afterwards, also when ctx is done
// by then.
func Activate(ctx context.Context, c Conn, name string, fn func(ctx context.Context) error) (err error) {
	prev := Snapshot(c)
	if prev.Schema == name {
		return fn(ctx)
	}
	if err := c.SetSchema(ctx, name, true); err != nil {
		return fmt.Errorf("activate schema %q: %w", name, err)
	}
	defer func() {
		if rerr := c.SetSchema(context.WithoutCancel(ctx), prev.Schema, prev.IncludePublic); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("restore schema %q: %w", prev.Schema, rerr))
		}
	}()
	return fn(ctx)
}
