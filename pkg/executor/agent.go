package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/cuemby/warren/pkg/types"
)

const defaultAgentTimeout = 20 * time.Second

// AgentResolver maps a resource's class/provider/type triple to the
// executable path of its agent script. ocf/lsb/systemd classes fork a
// real script; container/http/tcp are handled in-process and never
// reach this path.
type AgentResolver func(class types.ResourceClass, provider, typ string) (string, error)

// AgentRequest is one invocation of a forked resource agent.
type AgentRequest struct {
	Path    string
	Action  string
	Params  map[string]string
	Timeout time.Duration

	// DeviceMeta, set only for class=stonith, is exported as the
	// "meta_device" environment variable with the device id.
	DeviceMeta string
}

// AgentResult is the outcome of one forked agent invocation.
type AgentResult struct {
	RC       int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// runAgent forks req.Path, feeding it parameters on stdin as KEY=VALUE
// lines (plus the special "action" key) and waiting up to req.Timeout.
// On timeout it escalates SIGTERM, then SIGKILL after 5s, then gives up
// with a warning-only outcome after a further 5s — the same escalation
// sequence fencing device invocations use.
func runAgent(ctx context.Context, req AgentRequest) (AgentResult, error) {
	if req.Path == "" {
		return AgentResult{}, errors.New("executor: empty agent path")
	}

	cmd := exec.CommandContext(ctx, req.Path)
	if req.DeviceMeta != "" {
		cmd.Env = append(os.Environ(), fmt.Sprintf("meta_device=%s", req.DeviceMeta))
	}
	cmd.Stdin = bytes.NewReader(encodeAgentStdin(req.Action, req.Params))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return AgentResult{RC: types.RCUnknownError}, fmt.Errorf("executor: start agent %s: %w", req.Path, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultAgentTimeout
	}

	select {
	case waitErr := <-done:
		return AgentResult{
			RC:     translateRC(exitCode(waitErr)),
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}, nil
	case <-time.After(timeout):
		escalateProcess(cmd, done)
		return AgentResult{
			RC:       types.RCUnknownError,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			TimedOut: true,
		}, nil
	}
}

// escalateProcess sends SIGTERM, waits 5s, sends SIGKILL, waits a
// further 5s, and gives up with a warning-only outcome — the exact
// sequence described for fenced agent timeouts, reused here since both
// supervise a forked child the same way.
func escalateProcess(cmd *exec.Cmd, done chan error) {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-done:
		return
	case <-time.After(5 * time.Second):
	}

	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

func exitCode(err error) int {
	if err == nil {
		return types.RCSuccess
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return types.RCUnknownError
}

// encodeAgentStdin renders params plus the special "action" key as
// sorted KEY=VALUE lines, so invocations are deterministic for tests.
func encodeAgentStdin(action string, params map[string]string) []byte {
	all := make(map[string]string, len(params)+1)
	for k, v := range params {
		all[k] = v
	}
	all["action"] = action

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, all[k])
	}
	return buf.Bytes()
}
