package shell

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"tenantflow/internal/schema"
	"tenantflow/internal/schema/schematest"
	"tenantflow/internal/worker"
)

func TestShellExportsActiveSchema(t *testing.T) {
	ctx := schema.WithConnections(context.Background(), schema.Connections{schema.DefaultAlias: schematest.On("public", "tenant1")})
	payload, _ := json.Marshal(Cmd{Command: "sh", Args: []string{"-c", `test "$TENANTFLOW_SCHEMA" = tenant1`}})
	require.NoError(t, Shell{}.Handle(ctx, payload))

	payload, _ = json.Marshal(Cmd{Command: "sh", Args: []string{"-c", "exit 3"}})
	require.Error(t, Shell{}.Handle(ctx, payload))
}

func TestShellRejectsBadPayloadWithoutRetry(t *testing.T) {
	require.ErrorIs(t, Shell{}.Handle(context.Background(), json.RawMessage(`{}`)), worker.ErrSkipRetry)
	require.ErrorIs(t, Shell{}.Handle(context.Background(), json.RawMessage(`[1]`)), worker.ErrSkipRetry)
}
