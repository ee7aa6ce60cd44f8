/*
Package types defines the core data structures shared across the cluster
resource manager: peers, transition graphs, executor bookkeeping, resource
and fencing definitions, and the history records that survive a restart.

# Architecture

The types package is the foundation everything else is built on:

  - Peer: membership, liveness, join phase
  - Graph / Synapse / Action: the transition graph the transition engine walks
  - PendingOp / ResourceHistoryEntry: the executor's bookkeeping and durable
    record of resource operations
  - ResourceDefinition / FencingDeviceDefinition: declarative CIB input
  - FencingCommand: one queued fencing request and its outcome

# Core Types

Membership:
  - Peer: one cluster member, its Liveness and JoinPhase
  - Liveness: member | lost
  - JoinPhase: nack | none | welcomed | integrated | finalized | confirmed

Graph:
  - Graph: a DAG of synapses with a monotonically increasing Priority
  - Synapse: a set of actions gated by a set of input action ids
  - Action: one dispatchable unit — resource op, pseudo op, cluster op, or
    fencing op — with a Kind, Status, and matching metadata

Executor bookkeeping:
  - PendingOp: one in-flight or recently dispatched resource operation
  - ResourceHistoryEntry: the durable outcome of a completed operation,
    keyed by (Node, Resource, Task, Interval, CallID)
  - OCF-style return codes (RCSuccess .. RCUnknownError) and task name
    constants (TaskStart, TaskStop, TaskMonitor, ...)

Declarative CIB input:
  - ResourceDefinition: class/provider/type triple, instance and meta
    parameters — the input an operator feeds in place of a policy engine
  - FencingDeviceDefinition: a configured STONITH agent, its host mapping
    and check policy

Fencing:
  - FencingCommand: one queued request to fence a target node

# Usage

	p := &types.Peer{Name: "node-1", Liveness: types.LivenessLost, JoinPhase: types.JoinNone}

	def := &types.ResourceDefinition{
		ID:       "vip-1",
		Class:    types.ClassOCF,
		Provider: "heartbeat",
		Type:     "IPaddr2",
		Parameters: map[string]string{"ip": "10.0.0.5"},
	}

	entry := &types.ResourceHistoryEntry{
		Node: "node-1", Resource: "vip-1", Task: types.TaskMonitor,
		CallID: 42, RC: types.RCSuccess, Status: types.OpStatusDone,
	}

# Design Patterns

Enumeration Pattern:

	All enums use typed string constants:
	  type Liveness string
	  const (
	      LivenessMember Liveness = "member"
	      LivenessLost   Liveness = "lost"
	  )

Optional Fields:

	Pointer-typed collaborators are nil when absent; primitive zero values
	(empty string, zero duration) are meaningful defaults, not "unset"
	sentinels, except where documented on the field (e.g. Peer.ID).

# Integration Points

This package integrates with:

  - pkg/storage: persists Peer, ResourceDefinition, FencingDeviceDefinition,
    ResourceHistoryEntry and FencingCommand to BoltDB as JSON
  - pkg/peer: the in-memory Peer cache
  - pkg/graph: builds and walks Graph/Synapse/Action
  - pkg/executor: produces PendingOp and ResourceHistoryEntry
  - pkg/fencing: consumes FencingDeviceDefinition, produces FencingCommand
  - pkg/manager: the Raft FSM commands carry these types as their payload

# Thread Safety

Types in this package carry no synchronization themselves — mutation must
be synchronized by the owning component (pkg/peer.Cache's mutex, the
transition engine's single run-loop goroutine, and so on). A *types.Peer
or *types.Action returned from a Cache/Graph accessor is shared state, not
a defensive copy.

# See Also

  - pkg/storage for the persistence layer
  - pkg/graph for the transition-key and operation-key codecs
*/
package types
