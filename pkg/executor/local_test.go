package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventSink collects ResultEvents from a Connection's callback for
// assertions, since delivery happens on the connection's own goroutine.
type eventSink struct {
	mu     sync.Mutex
	events []*ResultEvent
}

func (s *eventSink) record(ev *ResultEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) waitFor(t *testing.T, pred func(*ResultEvent) bool, timeout time.Duration) *ResultEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, ev := range s.events {
			if pred(ev) {
				s.mu.Unlock()
				return ev
			}
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for matching event")
	return nil
}

func stubResolver(path string, err error) AgentResolver {
	return func(class types.ResourceClass, provider, typ string) (string, error) {
		return path, err
	}
}

func newRunningLocal(t *testing.T, resolver AgentResolver) (*Local, *eventSink) {
	t.Helper()
	l := NewLocal("node-a", resolver, nil)
	sink := &eventSink{}
	l.OnEvent(sink.record)
	require.NoError(t, l.Connect(context.Background()))
	t.Cleanup(func() { l.Disconnect() })
	return l, sink
}

func TestExecuteUnregisteredResourceSynthesizesFailure(t *testing.T) {
	l, sink := newRunningLocal(t, nil)

	callID, err := l.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskStart})
	require.NoError(t, err)
	require.Greater(t, callID, uint64(0))

	ev := sink.waitFor(t, func(ev *ResultEvent) bool { return ev.CallID == callID }, time.Second)
	assert.Equal(t, OutcomeSynthetic, ev.Outcome)
	assert.Equal(t, types.RCNotConfigured, ev.RC)
}

func TestExecuteNotifyTaskAlwaysSucceeds(t *testing.T) {
	l, sink := newRunningLocal(t, nil)
	require.NoError(t, l.RegisterResource(&types.ResourceDefinition{ID: "r1", Class: "ocf"}))

	callID, err := l.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskNotify})
	require.NoError(t, err)

	ev := sink.waitFor(t, func(ev *ResultEvent) bool { return ev.CallID == callID }, time.Second)
	assert.Equal(t, types.RCSuccess, ev.RC)
	assert.Equal(t, types.OpStatusDone, ev.Status)
}

func TestStartSuccessCapturesStopParamsAndLast(t *testing.T) {
	path := writeScript(t, "exit 0\n")
	l, sink := newRunningLocal(t, stubResolver(path, nil))

	def := &types.ResourceDefinition{ID: "r1", Class: "ocf", Provider: "heartbeat", Type: "IPaddr2",
		Parameters: map[string]string{"ip": "10.0.0.1"}}
	require.NoError(t, l.RegisterResource(def))

	callID, err := l.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskStart, Timeout: time.Second})
	require.NoError(t, err)
	sink.waitFor(t, func(ev *ResultEvent) bool { return ev.CallID == callID }, time.Second)

	state, ok := l.State("r1")
	require.True(t, ok)
	require.NotNil(t, state.Last)
	assert.Equal(t, types.OpStatusDone, state.Last.Status)
	assert.Equal(t, map[string]string{"ip": "10.0.0.1"}, state.StopParams)
}

func TestStopUsesCapturedStopParamsDespiteConfigChange(t *testing.T) {
	// The agent echoes its stdin so the stop event shows which
	// parameters it was invoked with.
	path := writeScript(t, "cat\nexit 0\n")
	l, sink := newRunningLocal(t, stubResolver(path, nil))

	def := &types.ResourceDefinition{ID: "r1", Class: "ocf", Provider: "heartbeat", Type: "IPaddr2",
		Parameters: map[string]string{"ip": "10.0.0.1"}}
	require.NoError(t, l.RegisterResource(def))

	startID, err := l.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskStart, Timeout: time.Second})
	require.NoError(t, err)
	sink.waitFor(t, func(ev *ResultEvent) bool { return ev.CallID == startID }, time.Second)

	// Reconfigure the resource before stopping it; stop must still use
	// the parameters captured at the last successful start.
	def2 := &types.ResourceDefinition{ID: "r1", Class: "ocf", Provider: "heartbeat", Type: "IPaddr2",
		Parameters: map[string]string{"ip": "10.0.0.2"}}
	require.NoError(t, l.RegisterResource(def2))

	stopID, err := l.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskStop, Timeout: time.Second})
	require.NoError(t, err)
	stopEv := sink.waitFor(t, func(ev *ResultEvent) bool { return ev.CallID == stopID }, time.Second)
	assert.Contains(t, stopEv.StdoutTail, "action=stop")
	assert.Contains(t, stopEv.StdoutTail, "ip=10.0.0.1")
	assert.NotContains(t, stopEv.StdoutTail, "10.0.0.2")

	state, ok := l.State("r1")
	require.True(t, ok)
	assert.True(t, state.ShutdownLock, "successful stop must set the shutdown lock")
}

func TestFailureReplacesFailedNotLast(t *testing.T) {
	path := writeScript(t, "exit 1\n")
	l, sink := newRunningLocal(t, stubResolver(path, nil))
	require.NoError(t, l.RegisterResource(&types.ResourceDefinition{ID: "r1", Class: "ocf"}))

	callID, err := l.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskMonitor, Timeout: time.Second})
	require.NoError(t, err)
	sink.waitFor(t, func(ev *ResultEvent) bool { return ev.CallID == callID }, time.Second)

	state, ok := l.State("r1")
	require.True(t, ok)
	assert.Nil(t, state.Last)
	require.NotNil(t, state.Failed)
	assert.Equal(t, types.OpStatusError, state.Failed.Status)
}

func TestMonitorNotRunningSetsShutdownLock(t *testing.T) {
	path := writeScript(t, "exit 7\n") // RCNotRunning
	l, sink := newRunningLocal(t, stubResolver(path, nil))
	require.NoError(t, l.RegisterResource(&types.ResourceDefinition{ID: "r1", Class: "ocf"}))

	callID, err := l.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskMonitor, Timeout: time.Second})
	require.NoError(t, err)
	sink.waitFor(t, func(ev *ResultEvent) bool { return ev.CallID == callID }, time.Second)

	state, ok := l.State("r1")
	require.True(t, ok)
	assert.True(t, state.ShutdownLock)
}

func TestNonRecurringSuccessPurgesRecurringOps(t *testing.T) {
	path := writeScript(t, "exit 0\n")
	l, sink := newRunningLocal(t, stubResolver(path, nil))
	require.NoError(t, l.RegisterResource(&types.ResourceDefinition{ID: "r1", Class: "ocf"}))

	monID, err := l.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskMonitor, Interval: time.Hour, Timeout: time.Second})
	require.NoError(t, err)
	sink.waitFor(t, func(ev *ResultEvent) bool { return ev.CallID == monID }, time.Second)

	require.Len(t, l.ListRecurring(), 1)

	reloadID, err := l.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskReload, Timeout: time.Second})
	require.NoError(t, err)
	sink.waitFor(t, func(ev *ResultEvent) bool { return ev.CallID == reloadID }, time.Second)

	assert.Empty(t, l.ListRecurring())
}

func TestRecurringSuccessDedupesByTaskAndInterval(t *testing.T) {
	path := writeScript(t, "exit 0\n")
	l, sink := newRunningLocal(t, stubResolver(path, nil))
	require.NoError(t, l.RegisterResource(&types.ResourceDefinition{ID: "r1", Class: "ocf"}))

	id1, err := l.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskMonitor, Interval: time.Hour, Timeout: time.Second})
	require.NoError(t, err)
	sink.waitFor(t, func(ev *ResultEvent) bool { return ev.CallID == id1 }, time.Second)

	// Same task and interval again: it must replace, not add to, the
	// recurring entry recorded by the first success.
	id2, err := l.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskMonitor, Interval: time.Hour, Timeout: time.Second})
	require.NoError(t, err)
	sink.waitFor(t, func(ev *ResultEvent) bool { return ev.CallID == id2 }, time.Second)

	assert.Len(t, l.ListRecurring(), 1)
	state, ok := l.State("r1")
	require.True(t, ok)
	assert.Len(t, state.Recurring, 1)
}

func TestCancelIsIdempotent(t *testing.T) {
	l, _ := newRunningLocal(t, nil)
	require.NoError(t, l.RegisterResource(&types.ResourceDefinition{ID: "r1", Class: "ocf"}))

	err1 := l.Cancel("r1", types.TaskMonitor, time.Hour)
	err2 := l.Cancel("r1", types.TaskMonitor, time.Hour)
	assert.NoError(t, err1)
	assert.NoError(t, err2)
}

func TestCancelRecurringFabricatesConfirmationWhenIdle(t *testing.T) {
	path := writeScript(t, "exit 0\n")
	l, sink := newRunningLocal(t, stubResolver(path, nil))
	require.NoError(t, l.RegisterResource(&types.ResourceDefinition{ID: "r1", Class: "ocf"}))

	id1, err := l.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskMonitor, Interval: time.Hour, Timeout: time.Second})
	require.NoError(t, err)
	sink.waitFor(t, func(ev *ResultEvent) bool { return ev.CallID == id1 }, time.Second)
	require.Len(t, l.ListRecurring(), 1)

	require.NoError(t, l.Cancel("r1", types.TaskMonitor, time.Hour))
	assert.Empty(t, l.ListRecurring())
}

func TestReprobeClearsHistoryAndInvokesCallback(t *testing.T) {
	path := writeScript(t, "exit 0\n")
	l, sink := newRunningLocal(t, stubResolver(path, nil))
	require.NoError(t, l.RegisterResource(&types.ResourceDefinition{ID: "r1", Class: "ocf"}))

	callID, err := l.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskStart, Timeout: time.Second})
	require.NoError(t, err)
	sink.waitFor(t, func(ev *ResultEvent) bool { return ev.CallID == callID }, time.Second)

	called := false
	l.OnReprobe(func() { called = true })
	require.NoError(t, l.Reprobe())

	assert.True(t, called)
	_, ok := l.State("r1")
	assert.False(t, ok)
}

func TestUnregisterCancelsPendingOpsForResource(t *testing.T) {
	path := writeScript(t, "exit 0\n")
	l, sink := newRunningLocal(t, stubResolver(path, nil))
	require.NoError(t, l.RegisterResource(&types.ResourceDefinition{ID: "r1", Class: "ocf"}))

	id1, err := l.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskMonitor, Interval: time.Hour, Timeout: time.Second})
	require.NoError(t, err)
	sink.waitFor(t, func(ev *ResultEvent) bool { return ev.CallID == id1 }, time.Second)
	require.Len(t, l.ListRecurring(), 1)

	require.NoError(t, l.UnregisterResource("r1"))
	assert.Empty(t, l.ListRecurring())
}

func TestOnHistoryReceivesDurableRow(t *testing.T) {
	path := writeScript(t, "exit 0\n")
	l := NewLocal("node-a", stubResolver(path, nil), nil)
	sink := &eventSink{}
	l.OnEvent(sink.record)

	var mu sync.Mutex
	var rows []*types.ResourceHistoryEntry
	l.OnHistory(func(row *types.ResourceHistoryEntry) {
		mu.Lock()
		rows = append(rows, row)
		mu.Unlock()
	})

	require.NoError(t, l.Connect(context.Background()))
	defer l.Disconnect()
	require.NoError(t, l.RegisterResource(&types.ResourceDefinition{ID: "r1", Class: "ocf"}))

	callID, err := l.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskStart, Timeout: time.Second})
	require.NoError(t, err)
	sink.waitFor(t, func(ev *ResultEvent) bool { return ev.CallID == callID }, time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, rows, 1)
	assert.Equal(t, "node-a", rows[0].Node)
	assert.Equal(t, "r1", rows[0].Resource)
}

func TestContainerClassDispatchesToRuntime(t *testing.T) {
	rt := &fakeRuntime{running: true}
	l := NewLocal("node-a", nil, rt)
	sink := &eventSink{}
	l.OnEvent(sink.record)
	require.NoError(t, l.Connect(context.Background()))
	defer l.Disconnect()

	require.NoError(t, l.RegisterResource(&types.ResourceDefinition{ID: "r1", Class: types.ClassContainer}))
	callID, err := l.Execute(context.Background(), ExecuteRequest{Resource: "r1", Task: types.TaskMonitor, Timeout: time.Second})
	require.NoError(t, err)

	ev := sink.waitFor(t, func(ev *ResultEvent) bool { return ev.CallID == callID }, time.Second)
	assert.Equal(t, types.RCSuccess, ev.RC)
}

type fakeRuntime struct {
	running bool
	err     error
}

func (f *fakeRuntime) StartContainer(ctx context.Context, resourceID string, params map[string]string) error {
	return f.err
}
func (f *fakeRuntime) StopContainer(ctx context.Context, resourceID string, params map[string]string) error {
	return f.err
}
func (f *fakeRuntime) ContainerRunning(ctx context.Context, resourceID string) (bool, error) {
	return f.running, f.err
}
