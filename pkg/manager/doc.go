/*
Package manager implements the Warren cluster manager node: Raft
consensus over the cluster information base (the CIB, held by
pkg/storage), the node's own transition engine, fencing coordinator and
throttle governor, and the cluster-messaging bus that carries cluster-op
broadcasts and fencing request/ack traffic between manager nodes.

# Raft and the CIB

Every manager node runs a raft.Raft instance over WarrenFSM, which
applies committed Command entries to a pkg/storage.Store. Peer
membership, resource definitions and fencing device definitions are
Raft-replicated state; resource history and fencing command history rows
are also committed through Raft, by whichever node is DC when the
corresponding result arrives, but are left out of snapshots since they
are an audit log rather than reconstructable state (see WarrenSnapshot's
doc comment).

# Leadership

Only the Raft leader's transition engine actually dispatches: Manager
runs one pkg/transition.Engine, one pkg/throttle.Governor and one
pkg/fencing.Coordinator per node from Start onward, and toggles the
engine's active flag as raft.Raft.State() changes. The fencing
coordinator and governor are not leadership-gated — a fence-request
broadcast may need a device only a non-DC node has configured, and the
governor's sampled utilization is cheap to keep current everywhere.

# Dispatch

Resource-op actions go to whichever node owns the target, via an
embedded pkg/executor.Local for this node's own resources or a cached
pkg/executor.Remote client otherwise, dialed from the peer's stored
executor address. Cluster-wide and fencing actions go out over the
cluster bus (bus.go), a small length-prefixed pkg/messaging.Envelope
transport independent of the executor wire protocol, since fencing
commands and cluster-op broadcasts need to reach every peer rather than
one target node.

Fencing is broadcast-first: dispatchFencingAction tries the local
coordinator and, regardless of whether a local device exists, also
broadcasts a fence-request so a peer with a capable device can act. The
fencing coordinator's command ids are only meaningful on the node that
issued them, so a small correlation table translates them to a
manager-owned broadcast id before confirming the transition engine or
relaying the outcome onward.
*/
package manager
