package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantflow/internal/domain"
	"tenantflow/internal/worker"
)

func TestInitMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { InitMetrics(reg) })
}

func TestMiddlewareObservesOutcome(t *testing.T) {
	mw := Middleware()
	inv := worker.NewInvocation(domain.Task{Type: "metrics.test"}, nil)

	require.NoError(t, mw(context.Background(), inv, func(context.Context) error { return nil }))
	boom := errors.New("boom")
	require.ErrorIs(t, mw(context.Background(), inv, func(context.Context) error { return boom }), boom)

	assert.Equal(t, 2, testutil.CollectAndCount(TaskDuration, "tenantflow_worker_task_duration_seconds"))
}
