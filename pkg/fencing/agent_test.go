package fencing

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFenceScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fence agents require a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fence_agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestRunFenceAgentSuccess(t *testing.T) {
	path := writeFenceScript(t, `
read -r line1
read -r line2
echo "got:$line1:$line2"
exit 0
`)
	res, err := runFenceAgent(context.Background(), path, "off", map[string]string{"port": "5"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.rc)
	assert.False(t, res.timedOut)
}

func TestRunFenceAgentNonZeroExit(t *testing.T) {
	path := writeFenceScript(t, `exit 3`)
	res, err := runFenceAgent(context.Background(), path, "status", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, res.rc)
}

func TestRunFenceAgentEmptyPathIsError(t *testing.T) {
	_, err := runFenceAgent(context.Background(), "", "off", nil, time.Second)
	require.Error(t, err)
}

func TestRunFenceAgentTimeoutEscalates(t *testing.T) {
	path := writeFenceScript(t, `
trap '' TERM
sleep 30
`)
	start := time.Now()
	res, err := runFenceAgent(context.Background(), path, "off", nil, 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.timedOut)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Second)
}

func TestEncodeFenceStdinIncludesActionAndIsSorted(t *testing.T) {
	out := string(encodeFenceStdin("off", map[string]string{"port": "3", "nodename": "n1"}))
	assert.Equal(t, "action=off\nnodename=n1\nport=3\n", out)
}

func TestExitCodeNilIsZero(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
}
