package transition

import (
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition never became true")
}

func newEngine(t *testing.T) (*Engine, *[]string, *[]bool) {
	t.Helper()
	e := NewEngine("node1", "dc-uuid-1")
	var completions []string
	var aborts []bool
	e.OnComplete(func(graphID string, done, aborted bool) {
		completions = append(completions, graphID)
		aborts = append(aborts, aborted)
	})
	e.Start()
	t.Cleanup(e.Stop)
	return e, &completions, &aborts
}

func pseudoGraph(id string) *types.Graph {
	return &types.Graph{
		ID: id,
		Synapses: []*types.Synapse{
			{ID: "s1", State: types.SynapsePending, Actions: []*types.Action{
				{ID: "a1", Kind: types.ActionPseudoOp, Status: types.ActionWaiting},
			}},
		},
	}
}

func TestSubmitGraphCompletesImmediatelyForPseudoOps(t *testing.T) {
	e, completions, aborts := newEngine(t)
	id := e.SubmitGraph(pseudoGraph("g1"))
	assert.Equal(t, "g1", id)

	waitUntil(t, time.Second, func() bool { return len(*completions) == 1 })
	assert.Equal(t, []string{"g1"}, *completions)
	assert.Equal(t, []bool{false}, *aborts)
}

func TestSubmitGraphDiscardsInFlightGraph(t *testing.T) {
	e, completions, aborts := newEngine(t)

	blocked := &types.Graph{
		ID: "g-old",
		Synapses: []*types.Synapse{
			{ID: "s1", State: types.SynapsePending, Actions: []*types.Action{
				{ID: "a1", Kind: types.ActionResourceOp, Status: types.ActionWaiting, Resource: "r1", Task: "start"},
			}},
		},
	}
	e.SetResourceDispatcher(func(a *types.Action, key string) error { return nil })
	e.SubmitGraph(blocked)

	e.SubmitGraph(pseudoGraph("g-new"))

	waitUntil(t, time.Second, func() bool { return len(*completions) == 2 })
	assert.Equal(t, "g-old", (*completions)[0])
	assert.True(t, (*aborts)[0])
	assert.Equal(t, "g-new", (*completions)[1])
	assert.False(t, (*aborts)[1])
}

func TestResourceActionConfirmsOnMatchingEvent(t *testing.T) {
	e, completions, _ := newEngine(t)

	var sentKey string
	e.SetResourceDispatcher(func(a *types.Action, key string) error {
		sentKey = key
		return nil
	})

	g := &types.Graph{
		ID: "g1",
		Synapses: []*types.Synapse{
			{ID: "s1", State: types.SynapsePending, Actions: []*types.Action{
				{ID: "a1", Kind: types.ActionResourceOp, Status: types.ActionWaiting, Resource: "r1", Task: "start"},
			}},
		},
	}
	e.SubmitGraph(g)
	waitUntil(t, time.Second, func() bool { return sentKey != "" })

	e.MatchEvent(sentKey, types.RCSuccess, types.OpStatusDone)

	waitUntil(t, time.Second, func() bool { return len(*completions) == 1 })
	assert.Equal(t, types.ActionConfirmed, g.Synapses[0].Actions[0].Status)
}

func TestResourceActionFailsOnMismatchedRC(t *testing.T) {
	e, completions, _ := newEngine(t)

	var sentKey string
	e.SetResourceDispatcher(func(a *types.Action, key string) error {
		sentKey = key
		return nil
	})

	g := &types.Graph{
		ID: "g1",
		Synapses: []*types.Synapse{
			{ID: "s1", State: types.SynapsePending, Actions: []*types.Action{
				{ID: "a1", Kind: types.ActionResourceOp, Status: types.ActionWaiting, Resource: "r1", Task: "start"},
			}},
		},
	}
	e.SubmitGraph(g)
	waitUntil(t, time.Second, func() bool { return sentKey != "" })

	e.MatchEvent(sentKey, types.RCError, types.OpStatusDone)

	waitUntil(t, time.Second, func() bool { return len(*completions) == 1 })
	assert.Equal(t, types.ActionFailed, g.Synapses[0].Actions[0].Status)
}

func TestStaleEventFromSupersededGraphIsIgnored(t *testing.T) {
	e, _, _ := newEngine(t)

	var sentKey string
	e.SetResourceDispatcher(func(a *types.Action, key string) error {
		sentKey = key
		return nil
	})

	g1 := &types.Graph{
		ID: "g1",
		Synapses: []*types.Synapse{
			{ID: "s1", State: types.SynapsePending, Actions: []*types.Action{
				{ID: "a1", Kind: types.ActionResourceOp, Status: types.ActionWaiting, Resource: "r1", Task: "start"},
			}},
		},
	}
	e.SubmitGraph(g1)
	waitUntil(t, time.Second, func() bool { return sentKey != "" })
	staleKey := sentKey

	e.SubmitGraph(pseudoGraph("g2"))

	e.MatchEvent(staleKey, types.RCSuccess, types.OpStatusDone)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, types.ActionInFlight, g1.Synapses[0].Actions[0].Status)
}

func TestDuplicateMatchingEventIsIdempotent(t *testing.T) {
	e, completions, _ := newEngine(t)

	var sentKey string
	e.SetResourceDispatcher(func(a *types.Action, key string) error {
		sentKey = key
		return nil
	})

	g := &types.Graph{
		ID: "g1",
		Synapses: []*types.Synapse{
			{ID: "s1", State: types.SynapsePending, Actions: []*types.Action{
				{ID: "a1", Kind: types.ActionResourceOp, Status: types.ActionWaiting, Resource: "r1", Task: "start"},
			}},
		},
	}
	e.SubmitGraph(g)
	waitUntil(t, time.Second, func() bool { return sentKey != "" })

	e.MatchEvent(sentKey, types.RCSuccess, types.OpStatusDone)
	waitUntil(t, time.Second, func() bool { return len(*completions) == 1 })

	e.MatchEvent(sentKey, types.RCSuccess, types.OpStatusDone)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, *completions, 1)
}

func TestClusterOpConfirmsOnAck(t *testing.T) {
	e, completions, _ := newEngine(t)
	e.SetClusterDispatcher(func(a *types.Action) error { return nil })

	g := &types.Graph{
		ID: "g1",
		Synapses: []*types.Synapse{
			{ID: "s1", State: types.SynapsePending, Actions: []*types.Action{
				{ID: "a1", Kind: types.ActionClusterOp, Status: types.ActionWaiting, Timeout: time.Hour},
			}},
		},
	}
	e.SubmitGraph(g)
	waitUntil(t, time.Second, func() bool { return g.Synapses[0].Actions[0].Status == types.ActionInFlight })

	e.AckCluster("a1")
	waitUntil(t, time.Second, func() bool { return len(*completions) == 1 })
	assert.Equal(t, types.ActionConfirmed, g.Synapses[0].Actions[0].Status)
}

func TestClusterOpTimeoutDefaultsToConfirm(t *testing.T) {
	e, completions, _ := newEngine(t)
	e.SetClusterDispatcher(func(a *types.Action) error { return nil })

	g := &types.Graph{
		ID: "g1",
		Synapses: []*types.Synapse{
			{ID: "s1", State: types.SynapsePending, Actions: []*types.Action{
				{ID: "a1", Kind: types.ActionClusterOp, Status: types.ActionWaiting, Timeout: 30 * time.Millisecond},
			}},
		},
	}
	e.SubmitGraph(g)

	waitUntil(t, 2*time.Second, func() bool { return len(*completions) == 1 })
	assert.Equal(t, types.ActionConfirmed, g.Synapses[0].Actions[0].Status)
}

func TestClusterOpTimeoutFailsWhenPolicyIsFail(t *testing.T) {
	e, completions, _ := newEngine(t)
	e.SetClusterDispatcher(func(a *types.Action) error { return nil })

	g := &types.Graph{
		ID: "g1",
		Synapses: []*types.Synapse{
			{ID: "s1", State: types.SynapsePending, Actions: []*types.Action{
				{ID: "a1", Kind: types.ActionClusterOp, Status: types.ActionWaiting, Timeout: 30 * time.Millisecond, TimeoutPolicy: "fail"},
			}},
		},
	}
	e.SubmitGraph(g)

	waitUntil(t, 2*time.Second, func() bool { return len(*completions) == 1 })
	assert.Equal(t, types.ActionFailed, g.Synapses[0].Actions[0].Status)
}

func TestFencingOpConfirmsOnObservedSuccess(t *testing.T) {
	e, completions, _ := newEngine(t)
	e.SetFencingDispatcher(func(a *types.Action) (string, error) { return "cmd-1", nil })

	g := &types.Graph{
		ID: "g1",
		Synapses: []*types.Synapse{
			{ID: "s1", State: types.SynapsePending, Actions: []*types.Action{
				{ID: "a1", Kind: types.ActionFencingOp, Status: types.ActionWaiting, Node: "victim"},
			}},
		},
	}
	e.SubmitGraph(g)
	waitUntil(t, time.Second, func() bool { return g.Synapses[0].Actions[0].Status == types.ActionInFlight })

	e.ObserveFencing("cmd-1", true)
	waitUntil(t, time.Second, func() bool { return len(*completions) == 1 })
	assert.Equal(t, types.ActionConfirmed, g.Synapses[0].Actions[0].Status)
}

func TestFencingConnectionLostFailsInFlightAndAbortsWithRestart(t *testing.T) {
	e, _, _ := newEngine(t)
	e.SetActive(true)
	e.SetFencingDispatcher(func(a *types.Action) (string, error) { return "cmd-1", nil })

	g := &types.Graph{
		ID: "g1",
		Synapses: []*types.Synapse{
			{ID: "s1", State: types.SynapsePending, Actions: []*types.Action{
				{ID: "a1", Kind: types.ActionFencingOp, Status: types.ActionWaiting, Node: "victim"},
			}},
		},
	}
	e.SubmitGraph(g)
	waitUntil(t, time.Second, func() bool { return g.Synapses[0].Actions[0].Status == types.ActionInFlight })

	e.FencingConnectionLost()

	waitUntil(t, time.Second, func() bool { return e.CurrentGraphID() == "" })
	assert.Equal(t, types.ActionFailed, g.Synapses[0].Actions[0].Status)
}

func TestSkippedSynapseOnNonTolerantFailedInput(t *testing.T) {
	e, completions, _ := newEngine(t)

	var sentKey string
	e.SetResourceDispatcher(func(a *types.Action, key string) error {
		sentKey = key
		return nil
	})

	g := &types.Graph{
		ID: "g1",
		Synapses: []*types.Synapse{
			{ID: "s1", State: types.SynapsePending, Actions: []*types.Action{
				{ID: "a1", Kind: types.ActionResourceOp, Status: types.ActionWaiting, Resource: "r1", Task: "start"},
			}},
			{ID: "s2", State: types.SynapsePending, Inputs: []string{"a1"}, Actions: []*types.Action{
				{ID: "a2", Kind: types.ActionPseudoOp, Status: types.ActionWaiting},
			}},
		},
	}
	e.SubmitGraph(g)
	waitUntil(t, time.Second, func() bool { return sentKey != "" })

	e.MatchEvent(sentKey, types.RCError, types.OpStatusDone)

	waitUntil(t, time.Second, func() bool { return len(*completions) == 1 })
	assert.Equal(t, types.SynapseSkipped, g.Synapses[1].State)
	assert.Equal(t, types.ActionWaiting, g.Synapses[1].Actions[0].Status)
}

func TestAbortSuppressedWhenInactive(t *testing.T) {
	e, _, aborts := newEngine(t)
	// SetActive not called: engine defaults to inactive.
	e.SetClusterDispatcher(func(a *types.Action) error { return nil })
	g := &types.Graph{
		ID: "g1",
		Synapses: []*types.Synapse{
			{ID: "s1", State: types.SynapsePending, Actions: []*types.Action{
				{ID: "a1", Kind: types.ActionClusterOp, Status: types.ActionWaiting, Timeout: time.Hour},
			}},
		},
	}
	e.SubmitGraph(g)
	e.Abort(100, AbortRestart, "test", "test")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, *aborts)
	assert.NotEmpty(t, e.CurrentGraphID())
}

func TestAbortLowerPriorityIgnored(t *testing.T) {
	e, _, _ := newEngine(t)
	e.SetActive(true)
	e.SetClusterDispatcher(func(a *types.Action) error { return nil })
	g := &types.Graph{
		ID: "g1",
		Synapses: []*types.Synapse{
			{ID: "s1", State: types.SynapsePending, Actions: []*types.Action{
				{ID: "a1", Kind: types.ActionClusterOp, Status: types.ActionWaiting, Timeout: time.Hour},
			}},
		},
	}
	e.SubmitGraph(g)
	e.Abort(10, AbortReplan, "first", "first")
	e.Abort(5, AbortRestart, "second", "second")
	assert.NotEmpty(t, e.CurrentGraphID(), "a lower-priority restart must not discard the graph")
	assert.Equal(t, int64(10), g.Priority)

	e.Abort(11, AbortRestart, "third", "third")

	waitUntil(t, time.Second, func() bool { return e.CurrentGraphID() == "" })
}

func TestWalkDispatchesReadySynapsesInPriorityOrder(t *testing.T) {
	e, _, _ := newEngine(t)

	var order []string
	e.SetResourceDispatcher(func(a *types.Action, key string) error {
		order = append(order, a.ID)
		return nil
	})

	g := &types.Graph{
		ID:         "g1",
		BatchLimit: 1,
		Synapses: []*types.Synapse{
			{ID: "s-low", Priority: 1, State: types.SynapsePending, Actions: []*types.Action{
				{ID: "a-low", Kind: types.ActionResourceOp, Status: types.ActionWaiting, Resource: "r-low", Task: "start"},
			}},
			{ID: "s-high", Priority: 10, State: types.SynapsePending, Actions: []*types.Action{
				{ID: "a-high", Kind: types.ActionResourceOp, Status: types.ActionWaiting, Resource: "r-high", Task: "start"},
			}},
		},
	}
	e.SubmitGraph(g)

	waitUntil(t, time.Second, func() bool { return len(order) == 1 })
	assert.Equal(t, []string{"a-high"}, order, "higher-priority synapse should dispatch first when the batch limit admits only one")
}

func TestMarkNodeFencedDropsWithoutFailing(t *testing.T) {
	e, _, _ := newEngine(t)
	e.SetResourceDispatcher(func(a *types.Action, key string) error { return nil })

	g := &types.Graph{
		ID: "g1",
		Synapses: []*types.Synapse{
			{ID: "s-gate", State: types.SynapsePending, Actions: []*types.Action{
				{ID: "gate", Kind: types.ActionResourceOp, Status: types.ActionWaiting, Resource: "r-gate", Task: "start"},
			}},
			{ID: "s1", State: types.SynapsePending, Inputs: []string{"gate"}, Actions: []*types.Action{
				{ID: "a1", Kind: types.ActionPseudoOp, Status: types.ActionWaiting, Node: "victim", FencingDependent: true},
			}},
		},
	}
	e.SubmitGraph(g)
	waitUntil(t, time.Second, func() bool { return g.Synapses[0].Actions[0].Status == types.ActionInFlight })

	e.MarkNodeFenced("victim")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, types.ActionDropped, g.Synapses[1].Actions[0].Status)
	assert.NotEmpty(t, e.CurrentGraphID())
}
