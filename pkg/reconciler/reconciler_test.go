package reconciler

import (
	"testing"

	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopPolicyEngineComputesNothing(t *testing.T) {
	graph, err := NopPolicyEngine{}.Compute(nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, graph)
}

func TestNewReconcilerDefaultsToNopPolicy(t *testing.T) {
	r := NewReconciler(nil, nil)
	_, isNop := r.policy.(NopPolicyEngine)
	assert.True(t, isNop)
}

func TestNewReconcilerKeepsProvidedPolicy(t *testing.T) {
	custom := fakePolicy{}
	r := NewReconciler(nil, custom)
	assert.Equal(t, custom, r.policy)
}

func TestRecomputeTriggersCoverPeerAndFencingChurn(t *testing.T) {
	for _, et := range []events.EventType{
		events.EventPeerJoined,
		events.EventPeerLost,
		events.EventPeerReaped,
		events.EventJoinPhaseChanged,
		events.EventFencingSucceeded,
		events.EventActionFailed,
	} {
		assert.Truef(t, recomputeTriggers[et], "%s should trigger a recompute", et)
	}
}

func TestRecomputeTriggersExcludeGraphLifecycleNoise(t *testing.T) {
	// Graph start/complete/abort and queued/failed fencing are emitted by
	// the very dispatch a recompute would itself trigger; reacting to them
	// too would make a busy cluster recompute continuously.
	for _, et := range []events.EventType{
		events.EventGraphStarted,
		events.EventGraphCompleted,
		events.EventGraphAborted,
		events.EventFencingQueued,
		events.EventFencingFailed,
	} {
		assert.Falsef(t, recomputeTriggers[et], "%s should not trigger a recompute", et)
	}
}

type fakePolicy struct{}

func (fakePolicy) Compute([]*types.Peer, []*types.ResourceDefinition, []*types.FencingDeviceDefinition) (*types.Graph, error) {
	return nil, nil
}
