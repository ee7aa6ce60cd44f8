package executor

import (
	"context"

	"github.com/cuemby/warren/pkg/types"
)

// ContainerRuntime is the narrow surface the "container" builtin class
// dispatches to instead of forking a script: start, stop and monitor
// become OCI container lifecycle calls. pkg/runtime's containerd-backed
// implementation satisfies this.
type ContainerRuntime interface {
	StartContainer(ctx context.Context, resourceID string, params map[string]string) error
	StopContainer(ctx context.Context, resourceID string, params map[string]string) error
	ContainerRunning(ctx context.Context, resourceID string) (bool, error)
}

// runContainerOp dispatches one task against a ContainerRuntime, folding
// the result into the same (rc, stdout tail) shape agent invocations
// produce so the rest of Local's recording logic is oblivious to which
// path served the op.
func runContainerOp(ctx context.Context, rt ContainerRuntime, resourceID, task string, params map[string]string) AgentResult {
	if rt == nil {
		return AgentResult{RC: types.RCNotConfigured, Stderr: "no container runtime configured"}
	}

	switch task {
	case types.TaskStart, types.TaskReload:
		if err := rt.StartContainer(ctx, resourceID, params); err != nil {
			return AgentResult{RC: types.RCError, Stderr: err.Error()}
		}
		return AgentResult{RC: types.RCSuccess}

	case types.TaskStop:
		if err := rt.StopContainer(ctx, resourceID, params); err != nil {
			return AgentResult{RC: types.RCError, Stderr: err.Error()}
		}
		return AgentResult{RC: types.RCSuccess}

	case types.TaskMonitor:
		running, err := rt.ContainerRunning(ctx, resourceID)
		if err != nil {
			return AgentResult{RC: types.RCError, Stderr: err.Error()}
		}
		if running {
			return AgentResult{RC: types.RCSuccess}
		}
		return AgentResult{RC: types.RCNotRunning}

	default:
		return AgentResult{RC: types.RCUnimplemented, Stderr: "container class does not implement task " + task}
	}
}
