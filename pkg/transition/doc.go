/*
Package transition implements the transition engine: given a computed
graph, it walks synapses in priority order, dispatches each ready
synapse's actions by kind, correlates results back by transition key, and
drives the graph to completion or abort.

# Lifecycle

SubmitGraph aborts any graph already in flight and makes the new one
current. Every trigger — an initial submit, a confirmed action, a
cluster-op timeout firing, or an abort — walks pkg/graph's Ready/Skipped helpers and
dispatches newly-ready synapses, subject to the smaller of the graph's
own batch limit and a throttle.Governor's dynamic limit.

# Dispatch

Resource ops go to a per-node pkg/executor.Connection; pseudo ops confirm
immediately; cluster-wide ops are handled by an injected broadcaster and
confirm on ack or policy-governed timeout; fencing ops go to a
fencing.Coordinator and confirm on the coordinator's broadcast outcome.
Engine never imports pkg/executor, pkg/messaging, or pkg/fencing
directly — each dispatch path is a function field the owner (pkg/manager)
wires in, the same decoupling pkg/peer uses for its status-change hook.

# Concurrency

Like pkg/executor.Local and pkg/fencing.Coordinator, Engine owns every
byte of mutable state from a single run-loop goroutine; every exported
method is a channel round trip.

# Abort protocol

Abort priority is monotonic per graph: a lower-or-equal priority abort is
ignored. tg_restart discards the current graph on the next trigger. A
dropped fencing connection aborts with infinite priority and tg_restart,
after marking every unconfirmed fencing action failed.
*/
package transition
