package tenant

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"

	"tenantflow/internal/domain"
)

func TestCacheGetMissingReturnsDefault(t *testing.T) {
	c := NewCache[*domain.Tenant](nil, nil)
	def := &domain.Tenant{SchemaName: "default"}

	assert.Same(t, def, c.Get("something-non-existent", def))
}

func TestCacheSetThenGet(t *testing.T) {
	c := NewCache[*domain.Tenant](nil, nil)
	want := &domain.Tenant{SchemaName: "tenant1"}

	c.Set("tenant1", want, time.Second)

	assert.Same(t, want, c.Get("tenant1", nil))
}

func TestCacheExpiredReturnsDefault(t *testing.T) {
	mock := clock.NewMock()
	c := NewCache[string](nil, mock)

	c.Set("new_key", "stored-value", time.Second)
	assert.Equal(t, "stored-value", c.Get("new_key", "default-value"))

	mock.Add(2 * time.Second)
	assert.Equal(t, "default-value", c.Get("new_key", "default-value"))
}

func TestCacheZeroTTLServesOnlyTheSameInstant(t *testing.T) {
	mock := clock.NewMock()
	c := NewCache[string](nil, mock)

	c.Set("k", "v", 0)
	assert.Equal(t, "v", c.Get("k", "d"))

	mock.Add(time.Nanosecond)
	assert.Equal(t, "d", c.Get("k", "d"))
}

func TestCacheSharedStorage(t *testing.T) {
	storage := NewStorage[*domain.Tenant]()
	c1 := NewCache(storage, nil)
	c2 := NewCache(storage, nil)
	want := &domain.Tenant{SchemaName: "x"}

	c1.Set("some-key", want, time.Second)

	assert.Same(t, want, c2.Get("some-key", nil))
	assert.Equal(t, 1, storage.Len())
}

func TestCacheSetReplacesEntry(t *testing.T) {
	mock := clock.NewMock()
	c := NewCache[string](nil, mock)

	c.Set("k", "old", time.Second)
	mock.Add(2 * time.Second)
	c.Set("k", "new", time.Second)

	assert.Equal(t, "new", c.Get("k", ""))
}
