package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"tenantflow/internal/schema"
	"tenantflow/internal/worker"
)

// EnvSchema names the environment variable carrying the active schema.
const EnvSchema = "TENANTFLOW_SCHEMA"

type Shell struct{}

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
}

func (h Shell) Handle(ctx context.Context, payload json.RawMessage) error {
	var c Cmd
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("%w: invalid shell payload: %w", worker.ErrSkipRetry, err)
	}
	if c.Command == "" {
		return fmt.Errorf("%w: command is required", worker.ErrSkipRetry)
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()
	if name, ok := schema.Active(ctx); ok {
		cmd.Env = append(cmd.Env, EnvSchema+"="+name)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return nil
}
