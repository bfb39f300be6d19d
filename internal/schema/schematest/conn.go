// Package schematest provides an in-memory schema.Conn that counts mutations.
package schematest

import (
	"context"
	"sync"

	"tenantflow/internal/domain"
	"tenantflow/internal/schema"
)

// Conn is an in-memory connection. Fail, when set, is returned by the next
// mutation targeting that schema.
type Conn struct {
	mu      sync.Mutex
	public  string
	state   schema.State
	tenant  *domain.Tenant
	calls   int
	history []string
	Fail    map[string]error
}

func NewConn(public string) *Conn {
	return &Conn{public: public, state: schema.State{Schema: public, IncludePublic: true}}
}

// On returns a connection already switched to name.
func On(public, name string) *Conn {
	c := NewConn(public)
	c.state.Schema = name
	return c
}

func (c *Conn) ActiveSchema() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Schema
}

func (c *Conn) IncludePublic() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.IncludePublic
}

func (c *Conn) SetSchemaToPublic(ctx context.Context) error {
	return c.SetSchema(ctx, c.public, true)
}

func (c *Conn) SetSchema(_ context.Context, name string, includePublic bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err := c.Fail[name]; err != nil {
		return err
	}
	c.state = schema.State{Schema: name, IncludePublic: includePublic}
	c.tenant = nil
	c.history = append(c.history, name)
	return nil
}

func (c *Conn) SetTenant(ctx context.Context, t *domain.Tenant, includePublic bool) error {
	if err := c.SetSchema(ctx, t.SchemaName, includePublic); err != nil {
		return err
	}
	c.mu.Lock()
	c.tenant = t
	c.mu.Unlock()
	return nil
}

// Calls is the number of mutations attempted.
func (c *Conn) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// History lists every schema successfully switched to, in order.
func (c *Conn) History() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.history...)
}

func (c *Conn) Tenant() *domain.Tenant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenant
}

// Set builds a connection set of fresh public connections.
func Set(public string, aliases ...string) (schema.Connections, map[string]*Conn) {
	if len(aliases) == 0 {
		aliases = []string{schema.DefaultAlias}
	}
	cs := make(schema.Connections, len(aliases))
	raw := make(map[string]*Conn, len(aliases))
	for _, a := range aliases {
		c := NewConn(public)
		cs[a] = c
		raw[a] = c
	}
	return cs, raw
}
