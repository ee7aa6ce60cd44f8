package fencing

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/require"
)

func writeCoordAgent(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fence agents require a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func resolverFor(paths map[string]string) AgentResolver {
	return func(agent, namespace string) (string, error) {
		if p, ok := paths[agent]; ok {
			return p, nil
		}
		return "", os.ErrNotExist
	}
}

func waitForResult(t *testing.T, ch chan Result, timeout time.Duration) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(timeout):
		t.Fatal("timed out waiting for fencing result")
		return Result{}
	}
}

func newTestCoordinator(t *testing.T, node string, resolver AgentResolver) (*Coordinator, chan Result) {
	t.Helper()
	c := NewCoordinator(node, resolver)
	results := make(chan Result, 16)
	c.OnResult(func(origin string, res Result) { results <- res })
	c.Start()
	t.Cleanup(c.Stop)
	return c, results
}

func TestCoordinatorNonePolicySucceeds(t *testing.T) {
	agent := writeCoordAgent(t, "exit 0")
	c, results := newTestCoordinator(t, "node-self", resolverFor(map[string]string{"fence_test": agent}))

	require.NoError(t, c.RegisterDevice(&types.FencingDeviceDefinition{
		ID: "dev1", Agent: "fence_test", CheckPolicy: "none", Priority: 10,
	}))

	id, err := c.Fence("victim", "off", "local", time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	res := waitForResult(t, results, 5*time.Second)
	require.True(t, res.Succeeded)
	require.Equal(t, "dev1", res.Device)
	require.Equal(t, "down", res.ExpectedState)
}

func TestCoordinatorStaticListExcludesUnlistedTarget(t *testing.T) {
	agent := writeCoordAgent(t, "exit 0")
	c, results := newTestCoordinator(t, "node-self", resolverFor(map[string]string{"fence_test": agent}))

	require.NoError(t, c.RegisterDevice(&types.FencingDeviceDefinition{
		ID: "dev1", Agent: "fence_test", CheckPolicy: "static-list",
		Hosts: []string{"other-node"}, Priority: 10,
	}))

	_, err := c.Fence("victim", "off", "local", time.Second)
	require.NoError(t, err)

	res := waitForResult(t, results, 5*time.Second)
	require.False(t, res.Succeeded)
}

func TestCoordinatorStaticListIncludesListedTarget(t *testing.T) {
	agent := writeCoordAgent(t, "exit 0")
	c, results := newTestCoordinator(t, "node-self", resolverFor(map[string]string{"fence_test": agent}))

	require.NoError(t, c.RegisterDevice(&types.FencingDeviceDefinition{
		ID: "dev1", Agent: "fence_test", CheckPolicy: "static-list",
		Hosts: []string{"victim"}, Priority: 10,
	}))

	_, err := c.Fence("victim", "off", "local", time.Second)
	require.NoError(t, err)

	res := waitForResult(t, results, 5*time.Second)
	require.True(t, res.Succeeded)
}

func TestCoordinatorFallsBackToLowerPriorityDeviceOnFailure(t *testing.T) {
	failing := writeCoordAgent(t, "exit 1")
	succeeding := writeCoordAgent(t, "exit 0")
	c, results := newTestCoordinator(t, "node-self", resolverFor(map[string]string{
		"fence_bad": failing, "fence_good": succeeding,
	}))

	require.NoError(t, c.RegisterDevice(&types.FencingDeviceDefinition{
		ID: "primary", Agent: "fence_bad", CheckPolicy: "none", Priority: 20,
	}))
	require.NoError(t, c.RegisterDevice(&types.FencingDeviceDefinition{
		ID: "secondary", Agent: "fence_good", CheckPolicy: "none", Priority: 10,
	}))

	_, err := c.Fence("victim", "off", "local", time.Second)
	require.NoError(t, err)

	res := waitForResult(t, results, 5*time.Second)
	require.True(t, res.Succeeded)
	require.Equal(t, "secondary", res.Device)
}

func TestCoordinatorStatusPolicyRC1MeansNotCapable(t *testing.T) {
	status := writeCoordAgent(t, `cat >/dev/null; exit 1`)
	c, results := newTestCoordinator(t, "node-self", resolverFor(map[string]string{"fence_status": status}))

	require.NoError(t, c.RegisterDevice(&types.FencingDeviceDefinition{
		ID: "dev1", Agent: "fence_status", CheckPolicy: "status", Priority: 10,
	}))

	_, err := c.Fence("victim", "off", "local", time.Second)
	require.NoError(t, err)

	res := waitForResult(t, results, 5*time.Second)
	require.False(t, res.Succeeded)
}

func TestCoordinatorDynamicListUsesListActionThenCaches(t *testing.T) {
	combined := writeCoordAgent(t, `
for line in $(cat); do
  if [ "$line" = "action=list" ]; then
    echo list >> "$(dirname "$0")/list-calls"
    echo "victim"
    exit 0
  fi
done
exit 0
`)
	c, results := newTestCoordinator(t, "node-self", resolverFor(map[string]string{"fence_dyn": combined}))

	require.NoError(t, c.RegisterDevice(&types.FencingDeviceDefinition{
		ID: "dev1", Agent: "fence_dyn", CheckPolicy: "dynamic-list", Priority: 10,
	}))

	_, err := c.Fence("victim", "off", "local", time.Second)
	require.NoError(t, err)

	res := waitForResult(t, results, 5*time.Second)
	require.True(t, res.Succeeded)

	// A second fence within the cache lifetime must reuse the cached list
	// rather than run the list action again.
	_, err = c.Fence("victim", "off", "local", time.Second)
	require.NoError(t, err)

	res = waitForResult(t, results, 5*time.Second)
	require.True(t, res.Succeeded)

	calls, err := os.ReadFile(filepath.Join(filepath.Dir(combined), "list-calls"))
	require.NoError(t, err)
	require.Equal(t, "list\n", string(calls))
}

func TestCoordinatorUnregisterDeviceRemovesIt(t *testing.T) {
	agent := writeCoordAgent(t, "exit 0")
	c, _ := newTestCoordinator(t, "node-self", resolverFor(map[string]string{"fence_test": agent}))

	require.NoError(t, c.RegisterDevice(&types.FencingDeviceDefinition{
		ID: "dev1", Agent: "fence_test", CheckPolicy: "none",
	}))
	require.Len(t, c.ListDevices(), 1)

	require.NoError(t, c.UnregisterDevice("dev1"))
	require.Len(t, c.ListDevices(), 0)
}

func TestCoordinatorObserveSelfFenceTriggersHalt(t *testing.T) {
	c := NewCoordinator("node-self", nil)
	halted := make(chan struct{}, 1)
	c.SetSelfFenceFunc(func() error {
		halted <- struct{}{}
		return nil
	})
	c.Start()
	t.Cleanup(c.Stop)

	c.Observe(Result{Target: "node-self", Succeeded: true, Action: "off"})

	select {
	case <-halted:
	case <-time.After(2 * time.Second):
		t.Fatal("self-fence func was not invoked")
	}
}

func TestCoordinatorObserveSelfFenceExitsWhenHaltUnsupported(t *testing.T) {
	c := NewCoordinator("node-self", nil)
	exited := make(chan int, 1)
	c.SetSelfFenceFunc(func() error { return os.ErrPermission })
	c.SetExitFunc(func(code int) { exited <- code })
	c.Start()
	t.Cleanup(c.Stop)

	c.Observe(Result{Target: "node-self", Succeeded: true, Action: "off"})

	select {
	case code := <-exited:
		require.Equal(t, selfFenceExitCode, code)
	case <-time.After(2 * time.Second):
		t.Fatal("exit func was not invoked")
	}
}

func TestCoordinatorObserveIgnoresOtherNodes(t *testing.T) {
	c := NewCoordinator("node-self", nil)
	c.SetSelfFenceFunc(func() error { t.Fatal("should not self-fence for another node"); return nil })
	c.Start()
	t.Cleanup(c.Stop)

	c.Observe(Result{Target: "some-other-node", Succeeded: true, Action: "off"})
	time.Sleep(50 * time.Millisecond)
}
