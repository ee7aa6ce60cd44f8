package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("script agents require a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestRunAgentSuccessCapturesOutput(t *testing.T) {
	path := writeScript(t, `
cat >/tmp/_unused 2>/dev/null
echo "ok-stdout"
echo "ok-stderr" 1>&2
exit 0
`)

	result, err := runAgent(context.Background(), AgentRequest{
		Path:    path,
		Action:  types.TaskMonitor,
		Timeout: time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, types.RCSuccess, result.RC)
	assert.Contains(t, result.Stdout, "ok-stdout")
	assert.Contains(t, result.Stderr, "ok-stderr")
	assert.False(t, result.TimedOut)
}

func TestRunAgentNonZeroExitTranslatesToRC(t *testing.T) {
	path := writeScript(t, "exit 7\n")

	result, err := runAgent(context.Background(), AgentRequest{Path: path, Action: types.TaskStart, Timeout: time.Second})

	require.NoError(t, err)
	assert.Equal(t, 7, result.RC)
}

func TestRunAgentOutOfRangeExitBecomesUnknownViaTranslateRC(t *testing.T) {
	// runAgent passes the exit code through translateRC itself; check the
	// mapping directly, including a negative code no script can exit with.
	assert.Equal(t, types.RCUnknownError, translateRC(250))
	assert.Equal(t, types.RCUnknownError, translateRC(-1))
	assert.Equal(t, types.RCNotRunning, translateRC(types.RCNotRunning))
}

func TestRunAgentTimeoutEscalatesAndReportsTimedOut(t *testing.T) {
	path := writeScript(t, `
trap '' TERM
sleep 30
`)

	start := time.Now()
	result, err := runAgent(context.Background(), AgentRequest{
		Path:    path,
		Action:  types.TaskMonitor,
		Timeout: 50 * time.Millisecond,
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, result.TimedOut)
	assert.Equal(t, types.RCUnknownError, result.RC)
	// SIGTERM is ignored by the trap, so the kill must come from the
	// 5s SIGKILL escalation step, not the initial timeout.
	assert.GreaterOrEqual(t, elapsed, 5*time.Second)
}

func TestRunAgentEmptyPathIsAnError(t *testing.T) {
	_, err := runAgent(context.Background(), AgentRequest{})
	assert.Error(t, err)
}

func TestEncodeAgentStdinIsSortedAndIncludesAction(t *testing.T) {
	out := encodeAgentStdin("start", map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, "a=1\naction=start\nb=2\n", string(out))
}

func TestEncodeAgentStdinDeterministicAcrossCalls(t *testing.T) {
	params := map[string]string{"z": "9", "y": "8", "x": "7"}
	first := encodeAgentStdin("monitor", params)
	second := encodeAgentStdin("monitor", params)
	assert.Equal(t, first, second)
}

func TestExitCodeFromNilErrorIsSuccess(t *testing.T) {
	assert.Equal(t, types.RCSuccess, exitCode(nil))
}
