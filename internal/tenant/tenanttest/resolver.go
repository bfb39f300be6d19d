// Package tenanttest provides an in-memory tenant.Resolver.
package tenanttest

import (
	"context"
	"fmt"
	"sync"

	"tenantflow/internal/domain"
	"tenantflow/internal/tenant"
)

// Resolver keeps tenants in insertion order and counts lookups.
type Resolver struct {
	mu      sync.Mutex
	public  string
	tenants []*domain.Tenant
	lookups int
}

func NewResolver(public string, schemas ...string) *Resolver {
	r := &Resolver{public: public}
	for _, s := range schemas {
		r.Add(domain.Tenant{SchemaName: s, Name: s, Ready: true})
	}
	return r
}

// Add stores t and returns the stored record.
func (r *Resolver) Add(t domain.Tenant) *domain.Tenant {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.ID = int64(len(r.tenants) + 1)
	rec := &t
	r.tenants = append(r.tenants, rec)
	return rec
}

// Remove deletes the tenant owning schema name.
func (r *Resolver) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tenants {
		if t.SchemaName == name {
			r.tenants = append(r.tenants[:i], r.tenants[i+1:]...)
			return
		}
	}
}

func (r *Resolver) PublicSchemaName() string { return r.public }

func (r *Resolver) GetBySchemaName(_ context.Context, name string) (*domain.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	for _, t := range r.tenants {
		if t.SchemaName == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: schema %q", tenant.ErrNotFound, name)
}

func (r *Resolver) ListAll(context.Context) ([]domain.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, *t)
	}
	return out, nil
}

// Lookups is the number of GetBySchemaName calls served.
func (r *Resolver) Lookups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}
