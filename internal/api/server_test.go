package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"tenantflow/internal/domain"
	"tenantflow/internal/metrics"
	"tenantflow/internal/queue"
	"tenantflow/internal/scheduler"
	"tenantflow/internal/schema/schematest"
	"tenantflow/internal/tenancy"
	"tenantflow/internal/tenant/tenanttest"
)

type fixture struct {
	srv  *httptest.Server
	repo queue.Repository
	conn *schematest.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	repo := queue.NewSQLiteRepo(db)

	resolver := tenanttest.NewResolver("public", "tenant1", "tenant2")
	submitter := tenancy.NewSubmitter(repo, nil, "public")
	conn := schematest.NewConn("public")
	fanout := scheduler.NewFanout(resolver, submitter, conn, nil)
	reg := prometheus.NewRegistry()
	metrics.InitMetrics(reg)

	h := NewServer(Deps{
		Repo:      repo,
		Submitter: submitter,
		Tenants:   resolver,
		Schedule:  scheduler.NewService(repo, fanout, time.Second),
		Fanout:    fanout,
		Gatherer:  reg,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, repo: repo, conn: conn}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitTaskWithSchema(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"type":    "reports.daily",
		"payload": map[string]int{"day": 1},
		"headers": map[string]string{"trace": "abc"},
		"schema":  "tenant1",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var sub submitResp
	decode(t, resp, &sub)
	assert.Equal(t, "tenant1", sub.Schema)

	resp = f.do(t, http.MethodGet, "/api/tasks/"+sub.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got taskResp
	decode(t, resp, &got)
	assert.Equal(t, "reports.daily", got.Type)
	assert.Equal(t, "queued", got.State)
	assert.Equal(t, domain.Headers{domain.HeaderSchemaName: "tenant1", "trace": "abc"}, got.Headers)
}

func TestSubmitTaskDefaultsToPublic(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/tasks", map[string]any{"type": "noop"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var sub submitResp
	decode(t, resp, &sub)
	assert.Equal(t, "public", sub.Schema)

	task, err := f.repo.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "public", task.Headers[domain.HeaderSchemaName])
}

func TestSubmitTaskRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/tasks", map[string]any{"type": "noop", "schema": "ghost"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/tasks", map[string]any{"payload": "{}"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/tasks/tsk_missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListTasks(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		resp := f.do(t, http.MethodPost, "/api/tasks", map[string]any{"type": "noop"})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp := f.do(t, http.MethodGet, "/api/tasks?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tasks []taskResp
	decode(t, resp, &tasks)
	assert.Len(t, tasks, 2)

	resp = f.do(t, http.MethodGet, "/api/tasks?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScheduleTargets(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "nightly", "cron_expr": "0 3 * * *", "task_type": "reports.daily", "enabled": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var all createScheduleResp
	decode(t, resp, &all)

	resp = f.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "sync", "cron_expr": "*/5 * * * *", "task_type": "sync", "enabled": true,
		"tenant_schemas": []string{"tenant1", "public"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "bad", "cron_expr": "* * * * *", "task_type": "x", "tenant_schemas": []string{"ghost"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "bad", "cron_expr": "every day", "task_type": "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/schedule", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []scheduler.Entry
	decode(t, resp, &entries)
	var keys []string
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	assert.ElementsMatch(t, []string{
		"nightly@" + scheduler.AllTenantsMarker,
		"sync@tenant1",
		"sync@public",
	}, keys)

	resp = f.do(t, http.MethodGet, "/api/schedules/"+all.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stored domain.Schedule
	decode(t, resp, &stored)
	assert.True(t, stored.AllTenants())
}

func TestUpdateScheduleTargets(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "nightly", "cron_expr": "0 3 * * *", "task_type": "reports.daily", "enabled": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created createScheduleResp
	decode(t, resp, &created)

	resp = f.do(t, http.MethodPut, "/api/schedules/"+created.ID, map[string]any{
		"tenant_schemas": []string{"tenant2"}, "enabled": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := f.repo.GetSchedule(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant2"}, got.TenantSchemas)

	resp = f.do(t, http.MethodPut, "/api/schedules/"+created.ID, map[string]any{
		"all_tenants": true, "enabled": false,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err = f.repo.GetSchedule(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, got.AllTenants())
	assert.False(t, got.Enabled)

	resp = f.do(t, http.MethodDelete, "/api/schedules/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/schedules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunScheduleFansOut(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "nightly", "cron_expr": "0 3 * * *", "task_type": "reports.daily", "enabled": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created createScheduleResp
	decode(t, resp, &created)

	resp = f.do(t, http.MethodPost, "/api/schedules/"+created.ID+"/run", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var runs []runResp
	decode(t, resp, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, []string{"tenant1", "tenant2"}, runs[0].Sent)
	assert.Empty(t, runs[0].Error)
	assert.Equal(t, "public", f.conn.ActiveSchema())

	tasks, err := f.repo.ListRecentTasks(context.Background(), 10)
	require.NoError(t, err)
	var schemas []string
	for _, tk := range tasks {
		schemas = append(schemas, tk.Headers[domain.HeaderSchemaName])
	}
	assert.ElementsMatch(t, []string{"tenant1", "tenant2"}, schemas)

	resp = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tenantflow_scheduler_fanout_submissions_total")
}

func TestListTenants(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/tenants", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tenants []domain.Tenant
	decode(t, resp, &tenants)
	require.Len(t, tenants, 2)
	assert.Equal(t, "tenant1", tenants[0].SchemaName)
}

func TestOptionalServices(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()
	require.NoError(t, queue.EnsureSchema(db))
	repo := queue.NewSQLiteRepo(db)

	srv := httptest.NewServer(NewServer(Deps{
		Repo:      repo,
		Submitter: tenancy.NewSubmitter(repo, nil, "public"),
		Tenants:   tenanttest.NewResolver("public"),
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/schedule")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
