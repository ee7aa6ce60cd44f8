package types

import "time"

// Liveness is the membership state of a peer as seen by this node.
type Liveness string

const (
	LivenessMember Liveness = "member"
	LivenessLost   Liveness = "lost"
)

// JoinPhase tracks a peer's progress through the membership handshake.
type JoinPhase string

const (
	JoinNack       JoinPhase = "nack"
	JoinNone       JoinPhase = "none"
	JoinWelcomed   JoinPhase = "welcomed"
	JoinIntegrated JoinPhase = "integrated"
	JoinFinalized  JoinPhase = "finalized"
	JoinConfirmed  JoinPhase = "confirmed"
)

// Peer is one node of the cluster as tracked by the peer cache.
//
// Name and ID are unique across the cache. A Remote peer never
// transitions to LivenessMember through the membership protocol, only
// through an explicit create/delete against the CIB.
type Peer struct {
	ID   string // stable identifier; empty until first message names it
	Name string // human-readable, always present

	// BusID is the numeric id used on the cluster messaging bus, 0 if unknown.
	BusID uint32

	// Address is this peer's cluster-bus and executor-remote listen
	// address (host:port), learned at join time.
	Address string

	Liveness  Liveness
	JoinPhase JoinPhase

	Remote bool // guest/remote node: never auto-reaped, never gains member via gossip
	Dirty  bool // observed to have left the group, eligible for reap

	LastSeen time.Time

	// ExpectedJoin is set only on the node acting as DC/leader: the join
	// phase this peer is expected to reach next.
	ExpectedJoin JoinPhase
}

// ActionKind distinguishes how the transition engine dispatches an action.
type ActionKind string

const (
	ActionResourceOp ActionKind = "rsc"
	ActionPseudoOp   ActionKind = "pseudo"
	ActionClusterOp  ActionKind = "cluster"
	ActionFencingOp  ActionKind = "stonith"
)

// ActionStatus is the lifecycle state of a single graph action.
type ActionStatus string

const (
	ActionWaiting   ActionStatus = "waiting"
	ActionInFlight  ActionStatus = "in-flight"
	ActionConfirmed ActionStatus = "confirmed"
	ActionFailed    ActionStatus = "failed"
	// ActionDropped is a fencing-dependent action pulled from the graph,
	// without being marked failed, because its target was confirmed
	// fenced before dispatch — the fencing outcome already makes the
	// underlying work safe to skip.
	ActionDropped ActionStatus = "dropped"
)

// SynapseState is the three-valued state of a synapse.
type SynapseState string

const (
	SynapsePending   SynapseState = "pending"
	SynapseReady     SynapseState = "ready"
	SynapseConfirmed SynapseState = "confirmed"
	// SynapseSkipped marks a synapse that was never dispatched because an
	// input action failed and the synapse does not tolerate it; it counts
	// as terminal for completion purposes.
	SynapseSkipped SynapseState = "skipped"
)

// OpStatus mirrors the executor's observed outcome for an operation,
// independent of the numeric return code.
type OpStatus string

const (
	OpStatusDone         OpStatus = "done"
	OpStatusCancelled    OpStatus = "cancelled"
	OpStatusTimeout      OpStatus = "timeout"
	OpStatusError        OpStatus = "error"
	OpStatusNotConnected OpStatus = "not-connected"
	OpStatusInvalid      OpStatus = "invalid"
)

// OCF-style return codes. The executor maps anything outside this set to
// RCUnknownError.
const (
	RCSuccess          = 0
	RCError            = 1
	RCInvalidParam     = 2
	RCUnimplemented    = 3
	RCInsufficientPriv = 4
	RCNotInstalled     = 5
	RCNotConfigured    = 6
	RCNotRunning       = 7
	RCRunningMaster    = 8
	RCFailedMaster     = 9
	RCUnknownError     = 99
)

// Task names recognized by the resource history recording rules.
const (
	TaskStart   = "start"
	TaskStop    = "stop"
	TaskMonitor = "monitor"
	TaskReload  = "reload"
	TaskPromote = "promote"
	TaskDemote  = "demote"
	TaskNotify  = "notify"
)

// ResourceClass names a resource agent family. "container", "http" and
// "tcp" are builtin classes handled in-process by the local executor;
// all other classes are forked per the stdin KEY=VALUE contract.
type ResourceClass string

const (
	ClassOCF       ResourceClass = "ocf"
	ClassLSB       ResourceClass = "lsb"
	ClassSystemd   ResourceClass = "systemd"
	ClassStonith   ResourceClass = "stonith"
	ClassContainer ResourceClass = "container"
	ClassHTTP      ResourceClass = "http"
	ClassTCP       ResourceClass = "tcp"
)

// Graph is one computed transition graph: a DAG of synapses, each guarding
// one or more actions, to be walked by the transition engine.
type Graph struct {
	ID        string
	Priority  int64 // monotonic, used by the abort protocol
	Synapses  []*Synapse
	CreatedAt time.Time

	// BatchLimit caps how many ready actions one trigger dispatches; the
	// transition engine also applies a dynamic throttle limit and uses
	// whichever is smaller.
	BatchLimit int
}

// Synapse is one node of the graph: a set of actions gated by a set of
// inputs (other actions that must confirm first).
type Synapse struct {
	ID      string
	State   SynapseState
	Inputs  []string // action ids that gate this synapse
	Actions []*Action

	// Priority orders dispatch among synapses that become ready in the
	// same walk; higher dispatches first. Zero-valued synapses (the
	// common case for ungraded work) fall back to ID order.
	Priority int

	// TolerateFailures, when true, lets this synapse become ready even if
	// one of its inputs failed; otherwise a failed input skips it.
	TolerateFailures bool
}

// Action is one dispatchable unit of a graph: a resource operation, a
// pseudo/cluster step, or a fencing request.
type Action struct {
	ID       string
	Kind     ActionKind
	Status   ActionStatus
	Node     string // target peer name
	Resource string // resource id, empty for pseudo/cluster actions
	Task     string // start/stop/monitor/...
	Interval time.Duration
	Timeout  time.Duration
	Params   map[string]string

	// FencingDependent marks an action that must be dropped (not failed)
	// if its target node is confirmed fenced before dispatch.
	FencingDependent bool

	// TimeoutPolicy governs what happens to a cluster-wide op that never
	// gets an acknowledgement within Timeout: "confirm" (default) treats
	// silence as success, "fail" marks the action failed.
	TimeoutPolicy string
}

// PendingOp is the executor's bookkeeping record for one in-flight or
// recently completed operation.
type PendingOp struct {
	CallID   uint64
	Node     string
	Resource string
	Task     string
	Interval time.Duration
	Params   map[string]string
	Class    ResourceClass
	Provider string
	Type     string

	Synthetic bool // result was fabricated because the request could not be dispatched, rather than executed

	StartedAt time.Time
	Deadline  time.Time
	Cancel    func()
}

// ResourceHistoryEntry records one completed operation's outcome, keyed
// by (Node, Resource, Task, Interval, CallID) in the CIB.
type ResourceHistoryEntry struct {
	Node     string
	Resource string
	Task     string
	Interval time.Duration
	CallID   uint64
	RC       int
	Status   OpStatus

	StdoutTail string
	StderrTail string

	// StopParams carries the instance parameters captured at the
	// resource's last successful start, reload or non-recurring monitor;
	// a later stop is invoked with them rather than with the currently
	// configured parameters.
	StopParams map[string]string

	// ShutdownLock is true when this operation was a successful stop or
	// a monitor that found the resource not running (rc 7); every other
	// outcome leaves it false.
	ShutdownLock bool

	RecordedAt time.Time
}

// ResourceDefinition is the declarative input an operator (standing in for
// the external policy engine) provides for a resource, submitted to the
// CIB through "resource apply".
type ResourceDefinition struct {
	ID         string            `yaml:"id"`
	Class      ResourceClass     `yaml:"class"`
	Provider   string            `yaml:"provider,omitempty"` // meaningful for class=ocf
	Type       string            `yaml:"type"`
	Parameters map[string]string `yaml:"parameters,omitempty"`
	Meta       map[string]string `yaml:"meta,omitempty"` // e.g. target-role, migration-threshold
	CreatedAt  time.Time         `yaml:"-"`
	UpdatedAt  time.Time         `yaml:"-"`
}

// FencingDeviceDefinition is a configured STONITH agent: what it is, which
// nodes it can fence, and how to verify that mapping. It is the declarative
// input an operator provides via "fencing apply", stored in the CIB and
// read by the fencing coordinator.
type FencingDeviceDefinition struct {
	ID          string            `yaml:"id"`
	Agent       string            `yaml:"agent"`
	Namespace   string            `yaml:"namespace,omitempty"`
	Parameters  map[string]string `yaml:"parameters,omitempty"` // sealed at rest, see pkg/security
	HostMap     string            `yaml:"hostMap,omitempty"`    // raw NAME(=|:)VALUE string
	Hosts       []string          `yaml:"hosts,omitempty"`      // explicit host list for static-list policy
	CheckPolicy string            `yaml:"checkPolicy,omitempty"` // none | static-list | dynamic-list | status
	Priority    int               `yaml:"priority,omitempty"`

	// DynamicDisabled is set permanently once a dynamic-list probe fails,
	// per the fail-closed rule for that policy.
	DynamicDisabled bool `yaml:"-"`

	CreatedAt time.Time `yaml:"-"`
	UpdatedAt time.Time `yaml:"-"`
}

// FencingCommandStatus is the lifecycle of one queued fencing command.
type FencingCommandStatus string

const (
	FencingQueued    FencingCommandStatus = "queued"
	FencingRunning   FencingCommandStatus = "running"
	FencingSucceeded FencingCommandStatus = "succeeded"
	FencingFailed    FencingCommandStatus = "failed"
)

// FencingCommand is one request to fence a target node, queued against a
// specific device.
type FencingCommand struct {
	ID     string
	Target string
	Device string
	Action string // "off" | "reboot" | "status"
	Origin string // peer that requested the fence

	Status FencingCommandStatus
	RC     int

	QueuedAt  time.Time
	StartedAt time.Time
	EndedAt   time.Time
}
