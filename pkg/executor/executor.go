package executor

import (
	"context"
	"time"

	"github.com/cuemby/warren/pkg/types"
)

// Outcome discriminates a dispatched operation's result, replacing the
// source's exception-based error model with a typed, exhaustive set.
type Outcome int

const (
	// OutcomeSuccess means the agent ran and returned the target rc.
	OutcomeSuccess Outcome = iota
	// OutcomeTransient means the operation can be retried as-is
	// (connection momentarily unavailable, queue full).
	OutcomeTransient
	// OutcomeFatal means the connection itself must be torn down.
	OutcomeFatal
	// OutcomeSynthetic means the result was fabricated because the
	// request could not even be dispatched.
	OutcomeSynthetic
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	case OutcomeSynthetic:
		return "synthetic"
	default:
		return "unknown"
	}
}

// ExecuteRequest describes one resource operation to dispatch.
type ExecuteRequest struct {
	Resource      string
	Task          string
	Interval      time.Duration
	Timeout       time.Duration
	TransitionKey string // opaque, echoed back on ResultEvent for TE matching
}

// ResultEvent is the outcome of one dispatched operation, whether
// observed from a real agent or synthesized.
type ResultEvent struct {
	CallID        uint64
	Resource      string
	Task          string
	Interval      time.Duration
	RC            int
	Status        types.OpStatus
	Outcome       Outcome
	TransitionKey string
	StdoutTail    string
	StderrTail    string
}

// EventCallback receives every result produced by a Connection, in the
// order the connection's run loop processed them.
type EventCallback func(*ResultEvent)

// Connection is the operation surface shared by local and remote
// executors: connect/disconnect, resource registration, op dispatch,
// cancellation, introspection, and liveness.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect() error

	RegisterResource(def *types.ResourceDefinition) error
	UnregisterResource(resourceID string) error
	ResourceInfo(resourceID string) (*types.ResourceHistoryEntry, bool)

	Execute(ctx context.Context, req ExecuteRequest) (callID uint64, err error)
	Cancel(resourceID, task string, interval time.Duration) error
	ListRecurring() []*types.PendingOp

	Reprobe() error
	Poke(ctx context.Context) error

	OnEvent(cb EventCallback)
}

// translateRC maps any return code outside the OCF set (0-9 and
// RCUnknownError itself) to RCUnknownError, per the exit-code contract's
// "unknown codes become unknown-error" rule.
func translateRC(rc int) int {
	if rc < types.RCSuccess || (rc > types.RCFailedMaster && rc != types.RCUnknownError) {
		return types.RCUnknownError
	}
	return rc
}

func statusForRC(observed, target int, timedOut bool) types.OpStatus {
	switch {
	case timedOut:
		return types.OpStatusTimeout
	case observed == target:
		return types.OpStatusDone
	default:
		return types.OpStatusError
	}
}
