/*
Package reconciler turns cluster-state change events into recompute
requests for the (external) policy engine.

Warren's own scope ends at carrying a transition graph through to
completion; deciding what that graph should contain — placement,
ordering, which resources run where — is the policy engine's job,
deliberately out of scope here the same way the graph-computation
algorithm is out of scope for the rest of this module. Reconciler exists
to tell that engine when it might have new work: a peer joined or was
reaped, a join phase changed, a fencing action succeeded, or an action
failed outright.

# Debounce, not poll

Reconciler subscribes to pkg/manager's event broker rather than polling
cluster state on a fixed tick. A burst of peer-cache churn (several
peers timing out around the same moment, for instance) collapses into
one recompute a short debounce window after the burst settles, instead
of one recompute per event.

# RequestRecompute

Each debounced recompute calls Manager.RequestRecompute, which is a
no-op off the DC and on the DC both publishes an EventRecomputeRequested
event and records a "last-lrm-refresh" attribute in the CIB — the
timestamp form some tooling still expects to poll instead of subscribing
to the broker.

# PolicyEngine

Compute receives the current peers, resource definitions and fencing
device definitions and returns a graph to submit, or nil to mean
"nothing to do". NopPolicyEngine, the default, always returns nil: it
lets Reconciler run standalone, keeping the recompute signal current,
with no scheduling decision attached to it yet.
*/
package reconciler
