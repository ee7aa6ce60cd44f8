package transition

import (
	"math"
	"sort"
	"time"

	"github.com/cuemby/warren/pkg/graph"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/throttle"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

// AbortAction is what an abort does to the current graph once it takes
// effect, per the abort protocol.
type AbortAction int

const (
	// AbortReplan just re-triggers a walk of the current graph.
	AbortReplan AbortAction = iota
	// AbortCancelInFlight leaves confirmed work alone but stops
	// dispatching new synapses from the current graph.
	AbortCancelInFlight
	// AbortRestart (tg_restart) discards the current graph entirely on
	// the next trigger, forcing a fresh graph to be computed upstream.
	AbortRestart
)

// InfinitePriority is the abort priority used for conditions that must
// always win, such as a dropped fencing connection.
const InfinitePriority = math.MaxInt64

// ResourceDispatcher sends one resource-op action to its target node's
// executor and returns the opaque identifier the engine will see echoed
// back on a ResultEvent (the transition key itself, by convention).
type ResourceDispatcher func(action *types.Action, transitionKey string) error

// ClusterDispatcher multicasts one cluster-wide action to peers. The
// engine confirms the action on Ack or, absent one, when Timeout elapses
// per the action's TimeoutPolicy.
type ClusterDispatcher func(action *types.Action) error

// FencingDispatcher hands one fencing action to the fencing coordinator
// and returns the command id the engine will later see on ObserveFencing.
type FencingDispatcher func(action *types.Action) (commandID string, err error)

// CompletionFunc is called once when a graph reaches a terminal state.
type CompletionFunc func(graphID string, done bool, aborted bool)

type engineCmdKind int

const (
	cmdSubmitGraph engineCmdKind = iota
	cmdTrigger
	cmdMatchEvent
	cmdAckCluster
	cmdObserveFencing
	cmdAbort
	cmdFencingConnectionLost
	cmdSetActive
	cmdCurrentGraphID
	cmdMarkNodeFenced
)

type engineCmd struct {
	kind engineCmdKind

	graph *types.Graph

	transitionKey string
	rc            int
	status        types.OpStatus

	actionID string
	node     string

	commandID string
	succeeded bool

	priority int64
	action   AbortAction
	text     string
	reason   string

	active bool

	reply chan engineReply
}

type engineReply struct {
	graphID string
}

type inFlightCluster struct {
	action *types.Action
	timer  *time.Timer
}

// Engine is the transition engine for one node. Only the Raft leader
// runs one; it owns the current graph and all in-flight dispatch
// bookkeeping from a single run-loop goroutine.
type Engine struct {
	node   string
	logger zerolog.Logger

	cmdCh  chan engineCmd
	stopCh chan struct{}
	doneCh chan struct{}

	governor *throttle.Governor

	dispatchResource ResourceDispatcher
	dispatchCluster  ClusterDispatcher
	dispatchFencing  FencingDispatcher
	onComplete       CompletionFunc

	dcUUID string

	// owned exclusively by run()
	current        *types.Graph
	aborted        bool
	abortPriority  int64
	pendingRestart bool
	active         bool
	completedOnce  bool

	fencingCommands map[string]*types.Action // commandID -> action
	clusterInFlight map[string]*inFlightCluster
}

// NewEngine creates an Engine for node, which stamps the DC uuid half of
// every transition key it encodes.
func NewEngine(node string, dcUUID string) *Engine {
	return &Engine{
		node:            node,
		dcUUID:          dcUUID,
		logger:          log.WithComponent("transition"),
		cmdCh:           make(chan engineCmd),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		fencingCommands: make(map[string]*types.Action),
		clusterInFlight: make(map[string]*inFlightCluster),
	}
}

// SetGovernor installs the dynamic throttle used to cap per-trigger
// dispatch batches alongside the graph's own BatchLimit.
func (e *Engine) SetGovernor(g *throttle.Governor) { e.governor = g }

// SetResourceDispatcher installs the resource-op dispatch function.
func (e *Engine) SetResourceDispatcher(fn ResourceDispatcher) { e.dispatchResource = fn }

// SetClusterDispatcher installs the cluster-wide-op dispatch function.
func (e *Engine) SetClusterDispatcher(fn ClusterDispatcher) { e.dispatchCluster = fn }

// SetFencingDispatcher installs the fencing-op dispatch function.
func (e *Engine) SetFencingDispatcher(fn FencingDispatcher) { e.dispatchFencing = fn }

// OnComplete registers the callback fired once per graph when it reaches
// a terminal state (done or fully aborted-and-replaced).
func (e *Engine) OnComplete(fn CompletionFunc) { e.onComplete = fn }

// SetActive marks whether this node is currently the active (DC) leader.
// Abort calls are suppressed while inactive, mirroring the rule that
// aborts issued in a non-leader outer state (starting, pending, not-dc,
// halt, stopping, terminate, illegal) are ignored. The owning controller
// FSM is expected to call this on every outer-state transition.
func (e *Engine) SetActive(active bool) {
	e.do(engineCmd{kind: cmdSetActive, active: active})
}

// Start runs the engine's event loop.
func (e *Engine) Start() { go e.run() }

// Stop halts the event loop.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) do(cmd engineCmd) engineReply {
	cmd.reply = make(chan engineReply, 1)
	select {
	case e.cmdCh <- cmd:
	case <-e.doneCh:
		return engineReply{}
	}
	return <-cmd.reply
}

// SubmitGraph discards any in-flight graph and makes g current, then
// triggers an immediate walk. It returns g's id.
func (e *Engine) SubmitGraph(g *types.Graph) string {
	return e.do(engineCmd{kind: cmdSubmitGraph, graph: g}).graphID
}

// Trigger re-walks the current graph's ready synapses.
func (e *Engine) Trigger() {
	e.do(engineCmd{kind: cmdTrigger})
}

// MatchEvent correlates a resource-op result back to its action via the
// transition key it was dispatched with.
func (e *Engine) MatchEvent(transitionKey string, rc int, status types.OpStatus) {
	e.do(engineCmd{kind: cmdMatchEvent, transitionKey: transitionKey, rc: rc, status: status})
}

// AckCluster confirms a cluster-wide action on receipt of a peer
// acknowledgement, short-circuiting its timeout timer.
func (e *Engine) AckCluster(actionID string) {
	e.do(engineCmd{kind: cmdAckCluster, actionID: actionID})
}

// ObserveFencing reports a fencing coordinator outcome back to the
// action that requested it.
func (e *Engine) ObserveFencing(commandID string, succeeded bool) {
	e.do(engineCmd{kind: cmdObserveFencing, commandID: commandID, succeeded: succeeded})
}

// FencingConnectionLost marks every unconfirmed fencing action failed and
// aborts the current graph with tg_restart at infinite priority.
func (e *Engine) FencingConnectionLost() {
	e.do(engineCmd{kind: cmdFencingConnectionLost})
}

// Abort applies the abort protocol: priority must strictly exceed the
// graph's current abort priority to take effect.
func (e *Engine) Abort(priority int64, action AbortAction, text, reason string) {
	e.do(engineCmd{kind: cmdAbort, priority: priority, action: action, text: text, reason: reason})
}

// CurrentGraphID returns the id of the graph currently in flight, or "".
func (e *Engine) CurrentGraphID() string {
	return e.do(engineCmd{kind: cmdCurrentGraphID}).graphID
}

// MarkNodeFenced pulls every not-yet-dispatched, fencing-dependent action
// targeting node out of the current graph without failing it, since the
// node is now confirmed fenced and the work no longer needs to run.
func (e *Engine) MarkNodeFenced(node string) {
	e.do(engineCmd{kind: cmdMarkNodeFenced, node: node})
}

func (e *Engine) run() {
	defer close(e.doneCh)
	for {
		select {
		case cmd := <-e.cmdCh:
			e.handle(cmd)
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) handle(cmd engineCmd) {
	switch cmd.kind {
	case cmdSetActive:
		e.active = cmd.active
		cmd.reply <- engineReply{}

	case cmdCurrentGraphID:
		id := ""
		if e.current != nil {
			id = e.current.ID
		}
		cmd.reply <- engineReply{graphID: id}

	case cmdSubmitGraph:
		if e.current != nil && !graph.Done(e.current) {
			e.finish(false, true)
		}
		e.current = cmd.graph
		e.aborted = false
		e.abortPriority = 0
		e.pendingRestart = false
		e.completedOnce = false
		id := ""
		if e.current != nil {
			id = e.current.ID
		}
		cmd.reply <- engineReply{graphID: id}
		e.walk()

	case cmdTrigger:
		cmd.reply <- engineReply{}
		e.walk()

	case cmdMatchEvent:
		cmd.reply <- engineReply{}
		e.matchEvent(cmd.transitionKey, cmd.rc, cmd.status)

	case cmdAckCluster:
		cmd.reply <- engineReply{}
		e.confirmClusterAction(cmd.actionID)

	case cmdObserveFencing:
		cmd.reply <- engineReply{}
		e.observeFencing(cmd.commandID, cmd.succeeded)

	case cmdFencingConnectionLost:
		cmd.reply <- engineReply{}
		e.fencingConnectionLost()

	case cmdAbort:
		cmd.reply <- engineReply{}
		e.abort(cmd.priority, cmd.action, cmd.text, cmd.reason)

	case cmdMarkNodeFenced:
		cmd.reply <- engineReply{}
		e.markNodeFenced(cmd.node)
	}
}

func (e *Engine) markNodeFenced(node string) {
	if e.current == nil {
		return
	}
	for _, syn := range e.current.Synapses {
		for _, a := range syn.Actions {
			if a.FencingDependent && a.Node == node && a.Status == types.ActionWaiting {
				a.Status = types.ActionDropped
				e.checkSynapseConfirmed(a.ID)
			}
		}
	}
	e.walk()
}

// walk dispatches newly-ready synapses up to the effective batch limit,
// retires any now-skippable synapses, and checks for completion.
func (e *Engine) walk() {
	if e.current == nil {
		return
	}
	if e.pendingRestart {
		e.finish(false, true)
		e.current = nil
		return
	}

	limit := e.batchLimit()
	dispatched := 0

	// Loop so a chain of zero-I/O pseudo ops that confirm synchronously
	// unblocks its downstream synapses within this same trigger, instead
	// of stalling until something re-triggers the walk. Pseudo-only
	// synapses never consume the batch limit.
	for {
		for _, syn := range graph.Skipped(e.current) {
			syn.State = types.SynapseSkipped
		}

		ready := graph.Ready(e.current)
		sort.SliceStable(ready, func(i, j int) bool {
			if ready[i].Priority != ready[j].Priority {
				return ready[i].Priority > ready[j].Priority
			}
			return ready[i].ID < ready[j].ID
		})

		progressed := false
		for _, syn := range ready {
			pseudoOnly := isPseudoOnly(syn)
			if !pseudoOnly && limit > 0 && dispatched >= limit {
				continue
			}
			syn.State = types.SynapseReady
			e.dispatchSynapse(syn)
			progressed = true
			if !pseudoOnly {
				dispatched++
			}
		}
		if !progressed {
			break
		}
	}

	if graph.Done(e.current) {
		e.finish(true, false)
		e.current = nil
	}
}

func isPseudoOnly(syn *types.Synapse) bool {
	for _, a := range syn.Actions {
		if a.Kind != types.ActionPseudoOp {
			return false
		}
	}
	return true
}

func (e *Engine) batchLimit() int {
	limit := e.current.BatchLimit
	if e.governor != nil {
		if g := e.governor.Limit(); limit == 0 || g < limit {
			limit = g
		}
	}
	return limit
}

func (e *Engine) dispatchSynapse(syn *types.Synapse) {
	allTerminal := true
	for _, a := range syn.Actions {
		if a.Status == types.ActionConfirmed || a.Status == types.ActionDropped {
			continue
		}
		allTerminal = false
		e.dispatchAction(a)
	}
	if allTerminal {
		syn.State = types.SynapseConfirmed
	}
}

func (e *Engine) dispatchAction(a *types.Action) {
	if a.Status == types.ActionDropped {
		return
	}
	a.Status = types.ActionInFlight

	switch a.Kind {
	case types.ActionPseudoOp:
		a.Status = types.ActionConfirmed
		e.checkSynapseConfirmed(a.ID)

	case types.ActionResourceOp:
		key, err := graph.EncodeTransitionKey(graph.TransitionKey{
			GraphID:  e.current.ID,
			ActionID: a.ID,
			TargetRC: types.RCSuccess,
			DCUUID:   e.dcUUID,
		})
		if err != nil || e.dispatchResource == nil {
			e.logger.Error().Err(err).Str("action", a.ID).Msg("cannot dispatch resource action")
			a.Status = types.ActionFailed
			e.checkSynapseConfirmed(a.ID)
			return
		}
		if err := e.dispatchResource(a, key); err != nil {
			e.logger.Warn().Err(err).Str("action", a.ID).Msg("resource dispatch failed")
			a.Status = types.ActionFailed
			e.checkSynapseConfirmed(a.ID)
		}

	case types.ActionClusterOp:
		if e.dispatchCluster == nil {
			a.Status = types.ActionFailed
			e.checkSynapseConfirmed(a.ID)
			return
		}
		if err := e.dispatchCluster(a); err != nil {
			a.Status = types.ActionFailed
			e.checkSynapseConfirmed(a.ID)
			return
		}
		e.armClusterTimeout(a)

	case types.ActionFencingOp:
		if e.dispatchFencing == nil {
			a.Status = types.ActionFailed
			e.checkSynapseConfirmed(a.ID)
			return
		}
		cmdID, err := e.dispatchFencing(a)
		if err != nil {
			a.Status = types.ActionFailed
			e.checkSynapseConfirmed(a.ID)
			return
		}
		e.fencingCommands[cmdID] = a

	default:
		a.Status = types.ActionFailed
		e.checkSynapseConfirmed(a.ID)
	}
}

func (e *Engine) armClusterTimeout(a *types.Action) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	entry := &inFlightCluster{action: a}
	e.clusterInFlight[a.ID] = entry
	entry.timer = time.AfterFunc(timeout, func() {
		e.do(engineCmd{kind: cmdAckCluster, actionID: a.ID + "\x00timeout"})
	})
}

func (e *Engine) confirmClusterAction(actionID string) {
	timedOut := false
	if len(actionID) > 8 && actionID[len(actionID)-8:] == "\x00timeout" {
		actionID = actionID[:len(actionID)-8]
		timedOut = true
	}
	entry, ok := e.clusterInFlight[actionID]
	if !ok {
		return
	}
	delete(e.clusterInFlight, actionID)
	if entry.timer != nil {
		entry.timer.Stop()
	}

	if timedOut && entry.action.TimeoutPolicy == "fail" {
		entry.action.Status = types.ActionFailed
	} else {
		entry.action.Status = types.ActionConfirmed
	}
	e.checkSynapseConfirmed(entry.action.ID)
	e.walk()
}

func (e *Engine) matchEvent(transitionKey string, rc int, status types.OpStatus) {
	key, err := graph.ParseTransitionKey(transitionKey)
	if err != nil {
		e.logger.Warn().Err(err).Str("key", transitionKey).Msg("unparseable transition key")
		return
	}
	if e.current == nil || key.GraphID != e.current.ID {
		return // stale: belongs to a superseded graph
	}

	key.OpStatus = status
	key.OpRC = rc

	action := e.findAction(key.ActionID)
	if action == nil {
		return
	}
	if action.Status == types.ActionConfirmed || action.Status == types.ActionFailed {
		return // duplicate event, idempotent
	}

	if key.Matches(e.current.ID) {
		action.Status = types.ActionConfirmed
	} else {
		action.Status = types.ActionFailed
	}
	e.checkSynapseConfirmed(action.ID)
	e.walk()
}

func (e *Engine) observeFencing(commandID string, succeeded bool) {
	action, ok := e.fencingCommands[commandID]
	if !ok {
		return
	}
	delete(e.fencingCommands, commandID)
	if succeeded {
		action.Status = types.ActionConfirmed
	} else {
		action.Status = types.ActionFailed
	}
	e.checkSynapseConfirmed(action.ID)
	e.walk()
}

func (e *Engine) fencingConnectionLost() {
	if e.current != nil {
		for _, syn := range e.current.Synapses {
			for _, a := range syn.Actions {
				if a.Kind == types.ActionFencingOp && a.Status == types.ActionInFlight {
					a.Status = types.ActionFailed
				}
			}
		}
	}
	e.fencingCommands = make(map[string]*types.Action)
	e.abort(InfinitePriority, AbortRestart, "fencing connection lost", "fencing-daemon-disconnected")
}

func (e *Engine) abort(priority int64, action AbortAction, text, reason string) {
	if !e.active {
		return
	}
	if e.current == nil {
		return
	}
	if priority <= e.abortPriority {
		return
	}
	e.abortPriority = priority
	e.current.Priority = priority
	e.aborted = true

	e.logger.Warn().Int64("priority", priority).Str("text", text).Str("reason", reason).Msg("graph abort")

	switch action {
	case AbortRestart:
		e.pendingRestart = true
	case AbortCancelInFlight:
		for _, syn := range e.current.Synapses {
			if syn.State == types.SynapsePending {
				syn.State = types.SynapseSkipped
			}
		}
	case AbortReplan:
	}
	e.walk()
}

func (e *Engine) findAction(id string) *types.Action {
	if e.current == nil {
		return nil
	}
	for _, syn := range e.current.Synapses {
		for _, a := range syn.Actions {
			if a.ID == id {
				return a
			}
		}
	}
	return nil
}

func (e *Engine) checkSynapseConfirmed(actionID string) {
	if e.current == nil {
		return
	}
	for _, syn := range e.current.Synapses {
		for _, a := range syn.Actions {
			if a.ID != actionID {
				continue
			}
			allDone := true
			for _, aa := range syn.Actions {
				switch aa.Status {
				case types.ActionConfirmed, types.ActionFailed, types.ActionDropped:
				default:
					allDone = false
				}
				if !allDone {
					break
				}
			}
			if allDone {
				syn.State = types.SynapseConfirmed
			}
			return
		}
	}
}

func (e *Engine) finish(done, aborted bool) {
	if e.completedOnce {
		return
	}
	e.completedOnce = true
	if e.onComplete != nil && e.current != nil {
		e.onComplete(e.current.ID, done, aborted)
	}
	if done && !aborted {
		e.aborted = false
	}
}
