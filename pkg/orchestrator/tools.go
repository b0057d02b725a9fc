package orchestrator

import (
	"context"
	"time"

	"github.com/atelier-run/atelier/pkg/sandbox"
	"github.com/atelier-run/atelier/pkg/types"
)

const toolTimeout = 2 * time.Minute

// ToolFunc executes one named tool step for a run. Input is the phase
// accumulator text produced so far; the return value is persisted under
// the step's idempotency key.
type ToolFunc func(ctx context.Context, runID string, tier types.SandboxTier, input string) (string, error)

// SandboxTools returns the built-in tool set backed by the sandbox
// manager. Connector-style tools register alongside these.
func SandboxTools(mgr *sandbox.Manager) map[string]ToolFunc {
	return map[string]ToolFunc{
		"code_exec": func(ctx context.Context, runID string, tier types.SandboxTier, input string) (string, error) {
			res, err := mgr.ExecCode(ctx, runID, tier, "python", input, toolTimeout)
			if err != nil {
				return "", err
			}
			return res.Stdout, nil
		},
		"shell": func(ctx context.Context, runID string, tier types.SandboxTier, input string) (string, error) {
			res, err := mgr.ExecShell(ctx, runID, tier, input, toolTimeout)
			if err != nil {
				return "", err
			}
			return res.Stdout, nil
		},
	}
}
