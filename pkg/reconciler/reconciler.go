package reconciler

import (
	"time"

	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/manager"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

// PolicyEngine computes the next transition graph from current cluster
// state. Warren's own scope stops at carrying a graph through the
// transition engine; deciding what that graph should be — the actual
// placement and ordering policy — is left to an external engine, the way
// spec.md's non-goals exclude the graph-computation algorithm itself.
// Compute may return a nil graph to mean "nothing to do".
type PolicyEngine interface {
	Compute(peers []*types.Peer, resources []*types.ResourceDefinition, devices []*types.FencingDeviceDefinition) (*types.Graph, error)
}

// NopPolicyEngine computes nothing. It is the default so Reconciler can run
// standalone — posting RecomputeRequested and keeping the legacy timestamp
// attribute current — with no policy engine plugged in yet.
type NopPolicyEngine struct{}

// Compute implements PolicyEngine by always returning (nil, nil).
func (NopPolicyEngine) Compute([]*types.Peer, []*types.ResourceDefinition, []*types.FencingDeviceDefinition) (*types.Graph, error) {
	return nil, nil
}

// recomputeTriggers are the event types that mean cluster state may have
// drifted from whatever graph is (or isn't) currently running.
var recomputeTriggers = map[events.EventType]bool{
	events.EventPeerJoined:       true,
	events.EventPeerLost:         true,
	events.EventPeerReaped:       true,
	events.EventJoinPhaseChanged: true,
	events.EventFencingSucceeded: true,
	events.EventActionFailed:     true,
}

// Reconciler is the outer loop that turns cluster-state change events into
// recompute requests. It holds no view of the cluster itself beyond what it
// reads from manager on each cycle — like the teacher's level-triggered
// reconciliation, a missed or coalesced event is not a correctness problem,
// only a slightly delayed recompute.
type Reconciler struct {
	manager  *manager.Manager
	policy   PolicyEngine
	debounce time.Duration
	logger   zerolog.Logger

	sub    events.Subscriber
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReconciler creates a reconciler driving mgr. A nil policy runs with
// NopPolicyEngine.
func NewReconciler(mgr *manager.Manager, policy PolicyEngine) *Reconciler {
	if policy == nil {
		policy = NopPolicyEngine{}
	}
	return &Reconciler{
		manager:  mgr,
		policy:   policy,
		debounce: 2 * time.Second,
		logger:   log.WithComponent("reconciler"),
	}
}

// Start subscribes to cluster events and begins the debounce loop.
func (r *Reconciler) Start() {
	r.sub = r.manager.Subscribe()
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.run()
}

// Stop unsubscribes and waits for the loop to exit.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
	r.manager.Unsubscribe(r.sub)
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	var timer *time.Timer
	var fire <-chan time.Time

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case ev, ok := <-r.sub:
			if !ok {
				return
			}
			if !recomputeTriggers[ev.Type] {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			r.recompute()

		case <-r.stopCh:
			if timer != nil {
				timer.Stop()
			}
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// recompute records the recompute request and, if a policy engine is
// configured, hands it fresh cluster state and submits whatever graph it
// returns. Only the DC does this; a non-leader node's events still arrive
// but RequestRecompute is a no-op there.
func (r *Reconciler) recompute() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	if !r.manager.IsLeader() {
		return
	}

	if err := r.manager.RequestRecompute("peer or fencing state changed"); err != nil {
		r.logger.Error().Err(err).Msg("failed to record recompute request")
		return
	}

	peers, err := r.manager.ListPeers()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list peers for recompute")
		return
	}
	resources, err := r.manager.ListResourceDefinitions()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list resource definitions for recompute")
		return
	}
	devices, err := r.manager.ListFencingDeviceDefinitions()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list fencing device definitions for recompute")
		return
	}

	graph, err := r.policy.Compute(peers, resources, devices)
	if err != nil {
		r.logger.Error().Err(err).Msg("policy engine failed to compute graph")
		return
	}
	if graph == nil {
		return
	}

	if _, err := r.manager.SubmitGraph(graph); err != nil {
		r.logger.Error().Err(err).Msg("failed to submit computed graph")
	}
}
