package executor

import (
	"context"

	"github.com/cuemby/warren/pkg/health"
	"github.com/cuemby/warren/pkg/types"
)

// runMonitorCheck dispatches an http/tcp builtin-class monitor op to the
// teacher's health checkers, repurposed as in-process resource agents:
// no subprocess, no stdin contract, just a direct Check call translated
// into the same rc-based result shape.
func runMonitorCheck(ctx context.Context, class types.ResourceClass, task string, params map[string]string) AgentResult {
	if task != types.TaskMonitor && task != types.TaskStart && task != types.TaskStop {
		return AgentResult{RC: types.RCUnimplemented, Stderr: string(class) + " class only implements start/stop/monitor"}
	}

	// start/stop are no-ops for a class that only observes an
	// externally managed endpoint; only monitor does real work.
	if task != types.TaskMonitor {
		return AgentResult{RC: types.RCSuccess}
	}

	checker, err := buildChecker(class, params)
	if err != nil {
		return AgentResult{RC: types.RCInvalidParam, Stderr: err.Error()}
	}

	result := checker.Check(ctx)
	if result.Healthy {
		return AgentResult{RC: types.RCSuccess, Stdout: result.Message}
	}
	return AgentResult{RC: types.RCNotRunning, Stderr: result.Message}
}

func buildChecker(class types.ResourceClass, params map[string]string) (health.Checker, error) {
	switch class {
	case types.ClassHTTP:
		url := params["url"]
		if url == "" {
			return nil, errMissingParam("url")
		}
		return health.NewHTTPChecker(url), nil
	case types.ClassTCP:
		addr := params["address"]
		if addr == "" {
			return nil, errMissingParam("address")
		}
		return health.NewTCPChecker(addr), nil
	default:
		return nil, errUnsupportedClass(class)
	}
}

type missingParamError string

func (e missingParamError) Error() string { return "executor: missing required parameter " + string(e) }

func errMissingParam(name string) error { return missingParamError(name) }

type unsupportedClassError string

func (e unsupportedClassError) Error() string {
	return "executor: unsupported builtin monitor class " + string(e)
}

func errUnsupportedClass(class types.ResourceClass) error {
	return unsupportedClassError(class)
}
