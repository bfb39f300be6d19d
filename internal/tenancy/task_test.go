package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantflow/internal/domain"
	"tenantflow/internal/schema"
	"tenantflow/internal/schema/schematest"
	"tenantflow/internal/tenant"
	"tenantflow/internal/tenant/tenanttest"
	"tenantflow/internal/worker"
)

type fixture struct {
	cfg      *Config
	resolver *tenanttest.Resolver
	clock    *clock.Mock
	reg      *Registry
	pool     *worker.Pool
}

func newFixture(schemas ...string) *fixture {
	f := &fixture{
		resolver: tenanttest.NewResolver("public", schemas...),
		clock:    clock.NewMock(),
	}
	f.cfg = &Config{
		Resolver: f.resolver,
		Cache:    tenant.NewCache[*domain.Tenant](tenant.NewStorage[*domain.Tenant](), f.clock),
	}
	f.reg = NewRegistry(f.cfg)
	f.pool = worker.NewPool(nil, f.reg, 1, time.Second, worker.WithMiddleware(worker.Recover(), Middleware()))
	return f
}

// record registers a task recording the default connection's schema while
// its body runs.
func (f *fixture) record(name string, seen *[]string, opts ...Option) {
	f.reg.Task(name, func(ctx context.Context, _ json.RawMessage) error {
		cs, _ := schema.FromContext(ctx)
		*seen = append(*seen, cs.Default().ActiveSchema())
		return nil
	}, opts...)
}

func onSchema(name string) domain.Headers {
	return domain.Headers{domain.HeaderSchemaName: name}
}

func TestTaskRunsInHeaderSchema(t *testing.T) {
	f := newFixture("tenant1")
	var seen []string
	f.record("record", &seen)
	cs, raw := schematest.Set("public")
	ctx := schema.WithConnections(context.Background(), cs)

	require.NoError(t, f.pool.Execute(ctx, domain.Task{Type: "record", Headers: onSchema("tenant1")}))

	conn := raw[schema.DefaultAlias]
	assert.Equal(t, []string{"tenant1"}, seen)
	assert.Equal(t, "public", conn.ActiveSchema())
	assert.True(t, conn.IncludePublic())
	assert.Equal(t, []string{"tenant1", "public"}, conn.History())
}

func TestTaskAlreadyOnTargetDoesNotSwitch(t *testing.T) {
	f := newFixture("tenant1")
	var seen []string
	f.record("record", &seen)
	conn := schematest.On("public", "tenant1")
	ctx := schema.WithConnections(context.Background(), schema.Connections{schema.DefaultAlias: conn})

	require.NoError(t, f.pool.Execute(ctx, domain.Task{Type: "record", Headers: onSchema("tenant1")}))
	require.NoError(t, f.pool.Execute(ctx, domain.Task{Type: "record", Headers: onSchema("tenant1")}))

	assert.Equal(t, []string{"tenant1", "tenant1"}, seen)
	assert.Zero(t, conn.Calls())
	assert.Zero(t, f.resolver.Lookups())
}

func TestTaskWithoutHeaderRunsInPublic(t *testing.T) {
	f := newFixture("tenant1")
	var seen []string
	f.record("record", &seen)
	cs, raw := schematest.Set("public")
	ctx := schema.WithConnections(context.Background(), cs)

	require.NoError(t, f.pool.Execute(ctx, domain.Task{Type: "record"}))
	assert.Equal(t, []string{"public"}, seen)
	assert.Zero(t, raw[schema.DefaultAlias].Calls())
}

func TestTaskRestoresWorkerPriorSchema(t *testing.T) {
	f := newFixture("tenant1", "tenant2")
	var seen []string
	f.record("record", &seen)
	conn := schematest.On("public", "tenant2")
	ctx := schema.WithConnections(context.Background(), schema.Connections{schema.DefaultAlias: conn})

	require.NoError(t, f.pool.Execute(ctx, domain.Task{Type: "record", Headers: onSchema("tenant1")}))
	assert.Equal(t, []string{"tenant1"}, seen)
	assert.Equal(t, []string{"public", "tenant1", "tenant2"}, conn.History())

	require.NoError(t, f.pool.Execute(ctx, domain.Task{Type: "record", Headers: onSchema("public")}))
	assert.Equal(t, []string{"tenant1", "public"}, seen)
	assert.Equal(t, "tenant2", conn.ActiveSchema())
}

func TestTaskUnknownTenantAborts(t *testing.T) {
	f := newFixture("tenant1")
	var seen []string
	f.record("record", &seen)
	cs, raw := schematest.Set("public")
	ctx := schema.WithConnections(context.Background(), cs)

	err := f.pool.Execute(ctx, domain.Task{Type: "record", Headers: onSchema("tenant9")})
	require.ErrorIs(t, err, tenant.ErrNotFound)
	require.ErrorIs(t, err, worker.ErrSkipRetry)
	assert.Empty(t, seen)
	assert.Equal(t, "public", raw[schema.DefaultAlias].ActiveSchema())
}

func TestTaskSwitchesEveryDatabase(t *testing.T) {
	f := newFixture("tenant1")
	f.cfg.TenantDatabases = []string{"default", "reporting"}
	var inBody []string
	f.reg.Task("both", func(ctx context.Context, _ json.RawMessage) error {
		cs, _ := schema.FromContext(ctx)
		inBody = append(inBody, cs["default"].ActiveSchema(), cs["reporting"].ActiveSchema())
		return nil
	})
	var seen []string
	f.record("reporting-only", &seen, WithTenantDatabases("reporting"))

	cs, raw := schematest.Set("public", "default", "reporting")
	ctx := schema.WithConnections(context.Background(), cs)

	require.NoError(t, f.pool.Execute(ctx, domain.Task{Type: "both", Headers: onSchema("tenant1")}))
	assert.Equal(t, []string{"tenant1", "tenant1"}, inBody)
	assert.Equal(t, "public", raw["default"].ActiveSchema())
	assert.Equal(t, "public", raw["reporting"].ActiveSchema())

	before := raw["default"].Calls()
	require.NoError(t, f.pool.Execute(ctx, domain.Task{Type: "reporting-only", Headers: onSchema("tenant1")}))
	assert.Equal(t, before, raw["default"].Calls())
	assert.Equal(t, []string{"public"}, seen)
}

func TestTaskUnknownAlias(t *testing.T) {
	f := newFixture("tenant1")
	var seen []string
	f.record("record", &seen, WithTenantDatabases("missing"))
	cs, _ := schematest.Set("public")
	ctx := schema.WithConnections(context.Background(), cs)

	err := f.pool.Execute(ctx, domain.Task{Type: "record", Headers: onSchema("tenant1")})
	require.ErrorIs(t, err, schema.ErrUnknownAlias)
	require.ErrorIs(t, err, worker.ErrSkipRetry)
	assert.Empty(t, seen)
}

func TestTaskWithoutConnections(t *testing.T) {
	f := newFixture("tenant1")
	var seen []string
	f.record("record", &seen)

	err := f.pool.Execute(context.Background(), domain.Task{Type: "record"})
	require.ErrorIs(t, err, ErrNoConnections)
	assert.Empty(t, seen)
}

func TestTaskRestoresAfterFailureAndPanic(t *testing.T) {
	f := newFixture("tenant1")
	boom := errors.New("boom")
	f.reg.Task("fails", func(context.Context, json.RawMessage) error { return boom })
	f.reg.Task("panics", func(context.Context, json.RawMessage) error { panic("kaboom") })
	cs, raw := schematest.Set("public")
	ctx := schema.WithConnections(context.Background(), cs)

	require.ErrorIs(t, f.pool.Execute(ctx, domain.Task{Type: "fails", Headers: onSchema("tenant1")}), boom)
	assert.Equal(t, "public", raw[schema.DefaultAlias].ActiveSchema())

	require.Error(t, f.pool.Execute(ctx, domain.Task{Type: "panics", Headers: onSchema("tenant1")}))
	assert.Equal(t, "public", raw[schema.DefaultAlias].ActiveSchema())
}

func TestRestoreFailureKeepsTaskResult(t *testing.T) {
	f := newFixture("tenant1")
	cs, raw := schematest.Set("public")
	conn := raw[schema.DefaultAlias]
	f.reg.Task("sabotage", func(context.Context, json.RawMessage) error {
		conn.Fail = map[string]error{"public": errors.New("connection lost")}
		return nil
	})
	ctx := schema.WithConnections(context.Background(), cs)

	require.NoError(t, f.pool.Execute(ctx, domain.Task{Type: "sabotage", Headers: onSchema("tenant1")}))
	assert.Equal(t, "tenant1", conn.ActiveSchema())
}

func TestPostRunWithoutMarkerRestoresPublic(t *testing.T) {
	f := newFixture("tenant1")
	task := NewTask("t", worker.HandlerFunc(func(context.Context, json.RawMessage) error { return nil }), f.cfg)
	conn := schematest.On("public", "tenant1")
	ctx := schema.WithConnections(context.Background(), schema.Connections{schema.DefaultAlias: conn})

	inv := worker.NewInvocation(domain.Task{Type: "t"}, task)
	require.NoError(t, task.PostRun(ctx, inv))
	assert.Equal(t, "public", conn.ActiveSchema())
	assert.True(t, conn.IncludePublic())
}

func TestPreRunRecordsIncludePublic(t *testing.T) {
	f := newFixture("tenant1", "tenant2")
	task := NewTask("t", worker.HandlerFunc(func(context.Context, json.RawMessage) error { return nil }), f.cfg)
	conn := schematest.NewConn("public")
	ctx := context.Background()
	require.NoError(t, conn.SetSchema(ctx, "tenant2", false))
	ctx = schema.WithConnections(ctx, schema.Connections{schema.DefaultAlias: conn})

	inv := worker.NewInvocation(domain.Task{Type: "t", Headers: onSchema("tenant1")}, task)
	require.NoError(t, task.PreRun(ctx, inv))
	assert.Equal(t, []schema.State{{Schema: "tenant2", IncludePublic: false}}, inv.Get(OldSchemaKey))
	assert.Equal(t, "tenant1", conn.Tenant().SchemaName)

	require.NoError(t, task.PostRun(ctx, inv))
	assert.Equal(t, "tenant2", conn.ActiveSchema())
	assert.False(t, conn.IncludePublic())
}

func TestTaskRestoresEachConnectionToItsOwnState(t *testing.T) {
	f := newFixture("tenant1", "tenant2", "tenant3")
	var inBody []string
	f.reg.Task("both", func(ctx context.Context, _ json.RawMessage) error {
		cs, _ := schema.FromContext(ctx)
		inBody = append(inBody, cs["default"].ActiveSchema(), cs["reporting"].ActiveSchema())
		return nil
	}, WithTenantDatabases("default", "reporting"))

	cs, raw := schematest.Set("public", "default", "reporting")
	ctx := context.Background()
	require.NoError(t, raw["default"].SetSchema(ctx, "tenant1", false))
	require.NoError(t, raw["reporting"].SetSchema(ctx, "tenant2", true))
	ctx = schema.WithConnections(ctx, cs)

	require.NoError(t, f.pool.Execute(ctx, domain.Task{Type: "both", Headers: onSchema("tenant3")}))
	assert.Equal(t, []string{"tenant3", "tenant3"}, inBody)
	assert.Equal(t, "tenant1", raw["default"].ActiveSchema())
	assert.False(t, raw["default"].IncludePublic())
	assert.Equal(t, "tenant2", raw["reporting"].ActiveSchema())
	assert.True(t, raw["reporting"].IncludePublic())
}

func TestNestedTaskOnMoreDatabasesRestoresEach(t *testing.T) {
	f := newFixture("tenant1", "tenant2")
	cs, raw := schematest.Set("public", "default", "reporting")
	var trace []string
	snap := func(label string) {
		trace = append(trace, label+":"+raw["default"].ActiveSchema()+"/"+raw["reporting"].ActiveSchema())
	}
	f.reg.Task("inner", func(context.Context, json.RawMessage) error {
		snap("inner")
		return nil
	}, WithTenantDatabases("default", "reporting"))
	f.reg.Task("outer", func(ctx context.Context, _ json.RawMessage) error {
		snap("outer")
		if err := f.pool.Execute(ctx, domain.Task{Type: "inner", Headers: onSchema("tenant2")}); err != nil {
			return err
		}
		snap("outer")
		return nil
	}, WithTenantDatabases("default"))

	ctx := schema.WithConnections(context.Background(), cs)
	require.NoError(t, f.pool.Execute(ctx, domain.Task{Type: "outer", Headers: onSchema("tenant1")}))

	assert.Equal(t, []string{
		"outer:tenant1/public",
		"inner:tenant2/tenant2",
		"outer:tenant1/public",
	}, trace)
	assert.Equal(t, "public", raw["default"].ActiveSchema())
	assert.Equal(t, "public", raw["reporting"].ActiveSchema())
}

func TestTaskRestoresAfterTimeout(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mock.ExpectExec(`SET search_path TO "tenant1", "public"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SET search_path TO "public"`).WillReturnResult(sqlmock.NewResult(0, 0))
	conn, err := schema.Open(context.Background(), db, "public")
	require.NoError(t, err)

	f := newFixture("tenant1")
	f.reg.Task("slow", func(ctx context.Context, _ json.RawMessage) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ctx = schema.WithConnections(ctx, schema.Connections{schema.DefaultAlias: conn})

	err = f.pool.Execute(ctx, domain.Task{Type: "slow", Headers: onSchema("tenant1")})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "public", conn.ActiveSchema())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantCacheTTL(t *testing.T) {
	f := newFixture("tenant1")
	f.cfg.TenantCacheSeconds = 60
	var seen []string
	f.record("record", &seen)
	cs, _ := schematest.Set("public")
	ctx := schema.WithConnections(context.Background(), cs)
	run := func() {
		require.NoError(t, f.pool.Execute(ctx, domain.Task{Type: "record", Headers: onSchema("tenant1")}))
	}

	run()
	run()
	assert.Equal(t, 1, f.resolver.Lookups())

	f.clock.Add(61 * time.Second)
	run()
	assert.Equal(t, 2, f.resolver.Lookups())
}

func TestTenantCacheOptionOverridesConfig(t *testing.T) {
	f := newFixture("tenant1")
	short := NewTask("short", nil, f.cfg)
	long := NewTask("long", nil, f.cfg, WithTenantCacheSeconds(300))
	f.cfg.TenantCacheSeconds = 10

	assert.Equal(t, 10*time.Second, short.CacheTTL())
	assert.Equal(t, 300*time.Second, long.CacheTTL())
	assert.Equal(t, []string{schema.DefaultAlias}, short.Databases())
}

func TestTargetSchema(t *testing.T) {
	cases := []struct {
		name string
		task domain.Task
		want string
	}{
		{"header", domain.Task{Headers: onSchema("tenant1"), Payload: []byte(`{"_schema_name":"tenant2"}`)}, "tenant1"},
		{"payload", domain.Task{Payload: []byte(`{"_schema_name":"tenant2","n":1}`)}, "tenant2"},
		{"array payload", domain.Task{Payload: []byte(`[1,2]`)}, "public"},
		{"non string", domain.Task{Payload: []byte(`{"_schema_name":5}`)}, "public"},
		{"none", domain.Task{}, "public"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, TargetSchema(tc.task, "public"))
		})
	}
}

func TestRegistryComposesHandlers(t *testing.T) {
	f := newFixture("tenant1")
	plain := worker.HandlerFunc(func(context.Context, json.RawMessage) error { return nil })

	composed := f.reg.Register("plain", plain)
	h, ok := f.reg.Get("plain")
	require.True(t, ok)
	assert.Same(t, composed, h)
	assert.Equal(t, "plain", composed.Name())

	again := f.reg.Register("alias", composed)
	assert.Same(t, composed, again)

	var seen []string
	f.reg.Registry.Register("raw", worker.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
		cs, _ := schema.FromContext(ctx)
		seen = append(seen, cs.Default().ActiveSchema())
		return nil
	}))
	cs, _ := schematest.Set("public")
	ctx := schema.WithConnections(context.Background(), cs)
	require.NoError(t, f.pool.Execute(ctx, domain.Task{Type: "raw", Headers: onSchema("tenant1")}))
	assert.Equal(t, []string{"public"}, seen)
}
