package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/graph"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

// ResourceState is the in-memory resource-history aggregate Local keeps
// per registered resource: its static class/provider/type triple, the
// most recent successful and failed op records, the active recurring
// ops, and the parameters a later stop must reuse. This is the fast-path
// read side; types.ResourceHistoryEntry rows are the durable,
// append-only audit log pkg/storage persists on every completion.
type ResourceState struct {
	Resource string
	Class    types.ResourceClass
	Provider string
	Type     string

	Last   *types.ResourceHistoryEntry
	Failed *types.ResourceHistoryEntry

	Recurring []*types.PendingOp

	StopParams   map[string]string
	LastCallID   uint64
	ShutdownLock bool
}

// pendingEntry is the run-loop-owned wrapper around a PendingOp: the
// cancellation flag and the recurring timer live here rather than on
// types.PendingOp itself, since they are bookkeeping internal to Local.
type pendingEntry struct {
	op              *types.PendingOp
	transitionKey   string
	cancelRequested bool
	cancelFn        context.CancelFunc
	timer           *time.Timer
}

type localResult struct {
	key    string
	result AgentResult
}

type localCmdKind int

const (
	cmdRegister localCmdKind = iota
	cmdUnregister
	cmdInfo
	cmdExecute
	cmdCancel
	cmdListRecurring
	cmdReprobe
	cmdPoke
	cmdReexecute
)

type localCmd struct {
	kind       localCmdKind
	def        *types.ResourceDefinition
	resourceID string
	req        ExecuteRequest
	key        string
	reply      chan localReply
}

type localReply struct {
	err       error
	callID    uint64
	state     *ResourceState
	ok        bool
	recurring []*types.PendingOp
}

// Local is the Connection variant that drives resource agents on the
// node it runs on: os/exec for ocf/lsb/systemd classes, containerd for
// the container class, and pkg/health's checkers for http/tcp. All of
// its mutable state (definitions, history, pending ops) is owned
// exclusively by run(); every exported method is a channel round-trip.
type Local struct {
	node     string
	resolver AgentResolver
	runtime  ContainerRuntime
	logger   zerolog.Logger

	cmdCh    chan localCmd
	resultCh chan localResult
	stopCh   chan struct{}
	doneCh   chan struct{}

	onReprobe func()
	onHistory func(*types.ResourceHistoryEntry)

	cbMu sync.RWMutex
	cb   EventCallback

	// owned exclusively by run()
	definitions map[string]*types.ResourceDefinition
	history     map[string]*ResourceState
	pending     map[string]*pendingEntry
	nextCallID  uint64
}

// NewLocal creates a Local connection for the given node name. resolver
// maps forked-agent classes to executable paths; runtime may be nil if
// no container class resources are expected on this node.
func NewLocal(node string, resolver AgentResolver, runtime ContainerRuntime) *Local {
	return &Local{
		node:        node,
		resolver:    resolver,
		runtime:     runtime,
		logger:      log.WithComponent("executor"),
		cmdCh:       make(chan localCmd),
		resultCh:    make(chan localResult, 64),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		definitions: make(map[string]*types.ResourceDefinition),
		history:     make(map[string]*ResourceState),
		pending:     make(map[string]*pendingEntry),
		nextCallID:  1,
	}
}

// OnReprobe registers a callback invoked after Reprobe clears local
// state, intended for the CIB "has-been-probed" attribute write.
func (l *Local) OnReprobe(fn func()) {
	l.onReprobe = fn
}

// OnHistory registers a callback invoked with the durable audit-log row
// for every recorded completion, intended for pkg/storage persistence.
func (l *Local) OnHistory(fn func(*types.ResourceHistoryEntry)) {
	l.onHistory = fn
}

// Connect starts the run loop.
func (l *Local) Connect(ctx context.Context) error {
	go l.run()
	return nil
}

// Disconnect stops the run loop.
func (l *Local) Disconnect() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

func (l *Local) OnEvent(cb EventCallback) {
	l.cbMu.Lock()
	l.cb = cb
	l.cbMu.Unlock()
}

func (l *Local) emit(ev *ResultEvent) {
	l.cbMu.RLock()
	cb := l.cb
	l.cbMu.RUnlock()
	if cb != nil {
		cb(ev)
	}
	metrics.ExecutorOpsTotal.WithLabelValues(ev.Task, ev.Outcome.String()).Inc()
}

func (l *Local) do(cmd localCmd) localReply {
	cmd.reply = make(chan localReply, 1)
	select {
	case l.cmdCh <- cmd:
	case <-l.doneCh:
		return localReply{err: fmt.Errorf("executor: local connection stopped")}
	}
	return <-cmd.reply
}

func (l *Local) RegisterResource(def *types.ResourceDefinition) error {
	r := l.do(localCmd{kind: cmdRegister, def: def})
	return r.err
}

func (l *Local) UnregisterResource(resourceID string) error {
	r := l.do(localCmd{kind: cmdUnregister, resourceID: resourceID})
	return r.err
}

// ResourceInfo returns the aggregate's Last slot for a resource: the
// record of its most recent successful non-recurring operation, or nil
// if none has succeeded yet.
func (l *Local) ResourceInfo(resourceID string) (*types.ResourceHistoryEntry, bool) {
	r := l.do(localCmd{kind: cmdInfo, resourceID: resourceID})
	if r.state == nil || r.state.Last == nil {
		return nil, r.ok
	}
	return r.state.Last, r.ok
}

// State returns the full aggregate (Last, Failed, Recurring, StopParams)
// for a resource — richer than the Connection interface's ResourceInfo.
func (l *Local) State(resourceID string) (*ResourceState, bool) {
	r := l.do(localCmd{kind: cmdInfo, resourceID: resourceID})
	return r.state, r.ok
}

func (l *Local) Execute(ctx context.Context, req ExecuteRequest) (uint64, error) {
	r := l.do(localCmd{kind: cmdExecute, req: req})
	return r.callID, r.err
}

func (l *Local) Cancel(resourceID, task string, interval time.Duration) error {
	key, err := graph.EncodeOpKey(resourceID, task, interval)
	if err != nil {
		return err
	}
	r := l.do(localCmd{kind: cmdCancel, key: key})
	return r.err
}

func (l *Local) ListRecurring() []*types.PendingOp {
	r := l.do(localCmd{kind: cmdListRecurring})
	return r.recurring
}

func (l *Local) Reprobe() error {
	r := l.do(localCmd{kind: cmdReprobe})
	return r.err
}

func (l *Local) Poke(ctx context.Context) error {
	r := l.do(localCmd{kind: cmdPoke})
	return r.err
}

func (l *Local) run() {
	defer close(l.doneCh)
	for {
		select {
		case cmd := <-l.cmdCh:
			l.handle(cmd)
		case res := <-l.resultCh:
			l.applyResult(res)
		case <-l.stopCh:
			return
		}
	}
}

func (l *Local) handle(cmd localCmd) {
	switch cmd.kind {
	case cmdRegister:
		l.definitions[cmd.def.ID] = cmd.def
		if _, ok := l.history[cmd.def.ID]; !ok {
			l.history[cmd.def.ID] = &ResourceState{
				Resource: cmd.def.ID,
				Class:    cmd.def.Class,
				Provider: cmd.def.Provider,
				Type:     cmd.def.Type,
			}
		}
		cmd.reply <- localReply{}

	case cmdUnregister:
		delete(l.definitions, cmd.resourceID)
		delete(l.history, cmd.resourceID)
		for key, entry := range l.pending {
			if entry.op.Resource == cmd.resourceID {
				l.stopEntry(entry)
				delete(l.pending, key)
			}
		}
		cmd.reply <- localReply{}

	case cmdInfo:
		s, ok := l.history[cmd.resourceID]
		cmd.reply <- localReply{state: s, ok: ok}

	case cmdExecute:
		callID, err := l.dispatch(cmd.req)
		cmd.reply <- localReply{callID: callID, err: err}

	case cmdReexecute:
		entry, ok := l.pending[cmd.key]
		if ok && !entry.cancelRequested {
			l.run1(entry)
		}

	case cmdCancel:
		cmd.reply <- localReply{err: l.cancel(cmd.key)}

	case cmdListRecurring:
		var out []*types.PendingOp
		for _, entry := range l.pending {
			if entry.op.Interval > 0 {
				out = append(out, entry.op)
			}
		}
		cmd.reply <- localReply{recurring: out}

	case cmdReprobe:
		l.history = make(map[string]*ResourceState)
		if l.onReprobe != nil {
			l.onReprobe()
		}
		cmd.reply <- localReply{}

	case cmdPoke:
		cmd.reply <- localReply{}
	}
}

func (l *Local) nextID() uint64 {
	id := l.nextCallID
	l.nextCallID++
	return id
}

// dispatch allocates a call id and, if the resource is known, starts the
// op asynchronously; otherwise it synthesizes a failure immediately.
func (l *Local) dispatch(req ExecuteRequest) (uint64, error) {
	callID := l.nextID()

	def, known := l.definitions[req.Resource]
	if !known {
		l.synthesize(callID, req, types.RCNotConfigured, "resource not registered")
		return callID, nil
	}

	params := make(map[string]string, len(def.Parameters))
	for k, v := range def.Parameters {
		params[k] = v
	}
	// Stop MUST use the parameters captured at the last successful
	// start, not the currently configured ones.
	if req.Task == types.TaskStop {
		if s, ok := l.history[req.Resource]; ok && s.StopParams != nil {
			params = s.StopParams
		}
	}

	op := &types.PendingOp{
		CallID:    callID,
		Node:      l.node,
		Resource:  req.Resource,
		Task:      req.Task,
		Interval:  req.Interval,
		Params:    params,
		Class:     def.Class,
		Provider:  def.Provider,
		Type:      def.Type,
		StartedAt: time.Now(),
	}
	if req.Timeout > 0 {
		op.Deadline = op.StartedAt.Add(req.Timeout)
	}

	key, err := graph.EncodeOpKey(req.Resource, req.Task, req.Interval)
	if err != nil {
		l.synthesize(callID, req, types.RCInvalidParam, err.Error())
		return callID, nil
	}

	entry := &pendingEntry{op: op, transitionKey: req.TransitionKey}
	l.pending[key] = entry
	l.run1(entry)
	return callID, nil
}

// run1 forks/dispatches one attempt for entry, delivering its result to
// resultCh from a background goroutine the run loop does not block on.
func (l *Local) run1(entry *pendingEntry) {
	op := entry.op
	ctx, cancel := context.WithCancel(context.Background())
	entry.cancelFn = cancel

	key, _ := graph.EncodeOpKey(op.Resource, op.Task, op.Interval)

	if op.Task == types.TaskNotify {
		go func() {
			l.resultCh <- localResult{key: key, result: AgentResult{RC: types.RCSuccess}}
		}()
		return
	}

	def := l.definitions[op.Resource]
	timer := metrics.NewTimer()
	go func() {
		defer timer.ObserveDurationVec(metrics.ExecutorOpDuration, op.Task)
		result := l.runOne(ctx, def, op)
		select {
		case l.resultCh <- localResult{key: key, result: result}:
		case <-l.doneCh:
		}
	}()
}

func (l *Local) runOne(ctx context.Context, def *types.ResourceDefinition, op *types.PendingOp) AgentResult {
	switch def.Class {
	case types.ClassContainer:
		return runContainerOp(ctx, l.runtime, op.Resource, op.Task, op.Params)
	case types.ClassHTTP, types.ClassTCP:
		return runMonitorCheck(ctx, def.Class, op.Task, op.Params)
	default:
		if l.resolver == nil {
			return AgentResult{RC: types.RCNotInstalled, Stderr: "no agent resolver configured"}
		}
		path, err := l.resolver(def.Class, def.Provider, def.Type)
		if err != nil {
			return AgentResult{RC: types.RCNotInstalled, Stderr: err.Error()}
		}
		var timeout time.Duration
		if !op.Deadline.IsZero() {
			timeout = time.Until(op.Deadline)
		}
		result, err := runAgent(ctx, AgentRequest{
			Path:    path,
			Action:  op.Task,
			Params:  op.Params,
			Timeout: timeout,
		})
		if err != nil {
			return AgentResult{RC: types.RCUnknownError, Stderr: err.Error()}
		}
		return result
	}
}

func (l *Local) synthesize(callID uint64, req ExecuteRequest, rc int, reason string) {
	op := &types.PendingOp{
		CallID:    callID,
		Node:      l.node,
		Resource:  req.Resource,
		Task:      req.Task,
		Interval:  req.Interval,
		Synthetic: true,
		StartedAt: time.Now(),
	}
	entry := &pendingEntry{op: op, transitionKey: req.TransitionKey}
	result := AgentResult{RC: rc, Stderr: reason}
	if req.Task == types.TaskNotify {
		result = AgentResult{RC: types.RCSuccess}
	}
	ev := l.buildEvent(entry, result, false)
	ev.Outcome = OutcomeSynthetic
	l.logger.Warn().Str("resource", req.Resource).Str("task", req.Task).Str("reason", reason).Msg("synthesized executor result")
	l.emit(ev)
}

func (l *Local) cancel(key string) error {
	entry, ok := l.pending[key]
	if !ok {
		// Idempotent: a cancel of an already-gone op is the same ack
		// as the cancel that removed it.
		return nil
	}
	if entry.cancelRequested {
		return nil
	}
	entry.cancelRequested = true
	l.stopEntry(entry)

	if entry.op.Interval > 0 {
		// Nothing in flight between ticks: fabricate the cancellation
		// confirmation directly instead of waiting on resultCh.
		l.applyResult(localResult{key: key, result: AgentResult{RC: types.RCSuccess}})
	}
	// else: the in-flight goroutine's context was cancelled; its
	// eventual resultCh delivery closes out the entry.
	return nil
}

func (l *Local) stopEntry(entry *pendingEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	if entry.cancelFn != nil {
		entry.cancelFn()
	}
}

func (l *Local) applyResult(res localResult) {
	entry, ok := l.pending[res.key]
	if !ok {
		return
	}

	wasCancelled := entry.cancelRequested
	ev := l.buildEvent(entry, res.result, wasCancelled)
	l.recordHistory(entry, res.result, wasCancelled)

	if wasCancelled || entry.op.Interval == 0 {
		delete(l.pending, res.key)
	} else {
		entry.timer = time.AfterFunc(entry.op.Interval, func() {
			select {
			case l.cmdCh <- localCmd{kind: cmdReexecute, key: res.key}:
			case <-l.doneCh:
			}
		})
	}

	l.emit(ev)
}

func (l *Local) buildEvent(entry *pendingEntry, result AgentResult, cancelled bool) *ResultEvent {
	op := entry.op
	status := types.OpStatusDone
	switch {
	case cancelled:
		status = types.OpStatusCancelled
	case result.TimedOut:
		status = types.OpStatusTimeout
	case result.RC != types.RCSuccess:
		status = types.OpStatusError
	}

	outcome := OutcomeSuccess
	switch {
	case op.Synthetic:
		outcome = OutcomeSynthetic
	case status == types.OpStatusError, status == types.OpStatusTimeout:
		outcome = OutcomeFatal
	}

	return &ResultEvent{
		CallID:        op.CallID,
		Resource:      op.Resource,
		Task:          op.Task,
		Interval:      op.Interval,
		RC:            translateRC(result.RC),
		Status:        status,
		Outcome:       outcome,
		TransitionKey: entry.transitionKey,
		StdoutTail:    result.Stdout,
		StderrTail:    result.Stderr,
	}
}

// recordHistory applies the resource-history recording rules from
// spec.md §4.3 to the in-memory aggregate and, if a persistence
// callback is registered, emits the durable audit-log row.
func (l *Local) recordHistory(entry *pendingEntry, result AgentResult, cancelled bool) {
	op := entry.op
	s, ok := l.history[op.Resource]
	if !ok {
		s = &ResourceState{Resource: op.Resource}
		l.history[op.Resource] = s
	}

	if cancelled {
		if op.Interval > 0 {
			s.Recurring = removeRecurring(s.Recurring, op.Task, op.Interval)
		}
		return
	}

	now := time.Now()
	success := result.RC == types.RCSuccess
	status := types.OpStatusDone
	if !success {
		status = types.OpStatusError
	}

	row := &types.ResourceHistoryEntry{
		Node:       l.node,
		Resource:   op.Resource,
		Task:       op.Task,
		Interval:   op.Interval,
		CallID:     op.CallID,
		RC:         translateRC(result.RC),
		Status:     status,
		StdoutTail: result.Stdout,
		StderrTail: result.Stderr,
		RecordedAt: now,
	}
	s.LastCallID = op.CallID

	switch {
	case success && op.Interval == 0:
		s.Last = row
		row.StopParams = nil
		if op.Task == types.TaskStart || op.Task == types.TaskReload || op.Task == types.TaskMonitor {
			s.StopParams = copyParams(op.Params)
			row.StopParams = s.StopParams
		}
		if op.Task != types.TaskMonitor {
			l.purgeRecurringLocked(s, op.Resource)
		}
	case success:
		row.StopParams = s.StopParams
		s.Recurring = dedupeRecurring(s.Recurring, entry.op)
	case !success:
		s.Failed = row
		row.StopParams = s.StopParams
	}

	row.ShutdownLock = (op.Task == types.TaskStop && success) ||
		(op.Task == types.TaskMonitor && result.RC == types.RCNotRunning)
	s.ShutdownLock = row.ShutdownLock

	if l.onHistory != nil {
		l.onHistory(row)
	}
}

// purgeRecurringLocked removes every recurring pending op and recurring
// list entry for a resource, run from inside the owning goroutine.
func (l *Local) purgeRecurringLocked(s *ResourceState, resourceID string) {
	s.Recurring = nil
	for key, entry := range l.pending {
		if entry.op.Resource != resourceID || entry.op.Interval == 0 {
			continue
		}
		l.stopEntry(entry)
		delete(l.pending, key)
	}
}

func dedupeRecurring(list []*types.PendingOp, op *types.PendingOp) []*types.PendingOp {
	for i, existing := range list {
		if existing.Task == op.Task && existing.Interval == op.Interval {
			list[i] = op
			return list
		}
	}
	return append(list, op)
}

func removeRecurring(list []*types.PendingOp, task string, interval time.Duration) []*types.PendingOp {
	out := list[:0]
	for _, op := range list {
		if op.Task == task && op.Interval == interval {
			continue
		}
		out = append(out, op)
	}
	return out
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
