package fencing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

const defaultFenceTimeout = 60 * time.Second

// Result is the outcome of one fencing command, whether it succeeded,
// exhausted its device fallback list, or could not be attempted at all.
type Result struct {
	CommandID     string
	Target        string
	Action        string
	Device        string
	Succeeded     bool
	Error         string
	ExpectedState string // "down" on a successful off/reboot/poweroff
}

// ResultCallback delivers a fencing command's final outcome to its
// originator — a peer name, or "local" for a command issued by this node.
type ResultCallback func(origin string, res Result)

type deviceState struct {
	def         *types.FencingDeviceDefinition
	hostMap     map[string]string
	listCache   []string
	listCacheAt time.Time
}

type pendingFence struct {
	id         string
	target     string
	action     string
	origin     string
	timeout    time.Duration
	candidates []string
	idx        int
}

type attemptOutcome struct {
	pfID         string
	deviceID     string
	checked      bool
	capable      bool
	checkFailed  bool
	listCache    []string
	listCacheAt  time.Time
	result       *agentResult
	err          error
}

type coordCmdKind int

const (
	cmdRegisterDevice coordCmdKind = iota
	cmdUnregisterDevice
	cmdFence
	cmdObserve
	cmdListDevices
)

type coordCmd struct {
	kind   coordCmdKind
	def    *types.FencingDeviceDefinition
	id     string
	target string
	action string
	origin string
	timeout time.Duration
	outcome Result
	reply  chan coordReply
}

type coordReply struct {
	err     error
	id      string
	devices []*types.FencingDeviceDefinition
}

// Coordinator is the fencing coordinator for one node: it owns every
// configured device, selects and invokes agents, falls back on failure,
// and reports outcomes. All mutable state is owned by run(); every
// exported method is a channel round trip, matching pkg/executor.Local.
type Coordinator struct {
	node     string
	resolver AgentResolver
	logger   zerolog.Logger

	cmdCh      chan coordCmd
	attemptCh  chan attemptOutcome
	stopCh     chan struct{}
	doneCh     chan struct{}

	onResult     ResultCallback
	selfFenceFn  func() error
	exitFn       func(code int)

	// owned exclusively by run()
	devices  map[string]*deviceState
	pending  map[string]*pendingFence
	busy     map[string]bool
	waiters  map[string][]string // deviceID -> queued pending-fence ids
	nextID   uint64
}

// NewCoordinator creates a Coordinator for node, resolving agent names to
// executable paths via resolver.
func NewCoordinator(node string, resolver AgentResolver) *Coordinator {
	return &Coordinator{
		node:      node,
		resolver:  resolver,
		logger:    log.WithComponent("fencing"),
		cmdCh:     make(chan coordCmd),
		attemptCh: make(chan attemptOutcome, 64),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		selfFenceFn: defaultSelfFence,
		exitFn:      defaultExit,
		devices:     make(map[string]*deviceState),
		pending:     make(map[string]*pendingFence),
		busy:        make(map[string]bool),
		waiters:     make(map[string][]string),
		nextID:      1,
	}
}

// OnResult registers the callback invoked with every command's final
// outcome.
func (c *Coordinator) OnResult(cb ResultCallback) {
	c.onResult = cb
}

// SetSelfFenceFunc overrides the halt attempted when this node observes
// that it was just fenced; intended for tests.
func (c *Coordinator) SetSelfFenceFunc(fn func() error) {
	c.selfFenceFn = fn
}

// SetExitFunc overrides the process-exit call made when self-fence halt
// is unsupported; intended for tests.
func (c *Coordinator) SetExitFunc(fn func(code int)) {
	c.exitFn = fn
}

// Start runs the coordinator's event loop.
func (c *Coordinator) Start() {
	go c.run()
}

// Stop halts the event loop.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Coordinator) do(cmd coordCmd) coordReply {
	cmd.reply = make(chan coordReply, 1)
	select {
	case c.cmdCh <- cmd:
	case <-c.doneCh:
		return coordReply{err: fmt.Errorf("fencing: coordinator stopped")}
	}
	return <-cmd.reply
}

// RegisterDevice adds or replaces a fencing device definition.
func (c *Coordinator) RegisterDevice(def *types.FencingDeviceDefinition) error {
	r := c.do(coordCmd{kind: cmdRegisterDevice, def: def})
	return r.err
}

// UnregisterDevice removes a device.
func (c *Coordinator) UnregisterDevice(id string) error {
	r := c.do(coordCmd{kind: cmdUnregisterDevice, id: id})
	return r.err
}

// ListDevices returns every registered device definition.
func (c *Coordinator) ListDevices() []*types.FencingDeviceDefinition {
	r := c.do(coordCmd{kind: cmdListDevices})
	return r.devices
}

// Fence queues a fencing command against target and returns its command
// id immediately; the result is delivered asynchronously to OnResult.
func (c *Coordinator) Fence(target, action, origin string, timeout time.Duration) (string, error) {
	r := c.do(coordCmd{kind: cmdFence, target: target, action: action, origin: origin, timeout: timeout})
	return r.id, r.err
}

// Observe feeds a fencing outcome received from the cluster-wide
// broadcast (including this node's own) into the self-fencing check.
func (c *Coordinator) Observe(res Result) {
	c.do(coordCmd{kind: cmdObserve, outcome: res})
}

func (c *Coordinator) run() {
	defer close(c.doneCh)
	for {
		select {
		case cmd := <-c.cmdCh:
			c.handle(cmd)
		case out := <-c.attemptCh:
			c.applyAttempt(out)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) handle(cmd coordCmd) {
	switch cmd.kind {
	case cmdRegisterDevice:
		hostMap, err := ParseHostMap(cmd.def.HostMap)
		if err != nil {
			cmd.reply <- coordReply{err: err}
			return
		}
		c.devices[cmd.def.ID] = &deviceState{def: cmd.def, hostMap: hostMap}
		cmd.reply <- coordReply{}

	case cmdUnregisterDevice:
		delete(c.devices, cmd.id)
		cmd.reply <- coordReply{}

	case cmdListDevices:
		out := make([]*types.FencingDeviceDefinition, 0, len(c.devices))
		for _, d := range c.devices {
			out = append(out, d.def)
		}
		cmd.reply <- coordReply{devices: out}

	case cmdFence:
		id := c.allocID()
		pf := &pendingFence{
			id:      id,
			target:  cmd.target,
			action:  cmd.action,
			origin:  cmd.origin,
			timeout: cmd.timeout,
		}
		pf.candidates = c.orderedCandidates(cmd.target)
		c.pending[id] = pf
		cmd.reply <- coordReply{id: id}
		c.advance(pf)

	case cmdObserve:
		cmd.reply <- coordReply{}
		c.handleObserved(cmd.outcome)
	}
}

// orderedCandidates returns every device that might be able to fence
// target, sorted by priority descending: devices whose capability can be
// decided without running an agent (none, static-list, or dynamic-list
// with a fresh cache) are included only if capable; status and
// stale-cache dynamic-list devices are always included since their
// capability can only be resolved by running their agent.
func (c *Coordinator) orderedCandidates(target string) []string {
	type cand struct {
		id       string
		priority int
	}
	var out []cand
	for id, d := range c.devices {
		switch d.def.CheckPolicy {
		case "", "none":
			out = append(out, cand{id, d.def.Priority})
		case "static-list":
			if containsAlias(d, target) {
				out = append(out, cand{id, d.def.Priority})
			}
		case "dynamic-list":
			if d.def.DynamicDisabled {
				continue
			}
			if !d.listCacheAt.IsZero() && time.Since(d.listCacheAt) < dynamicListCacheTTL {
				if containsHost(d.listCache, target, d.hostMap[target]) {
					out = append(out, cand{id, d.def.Priority})
				}
				continue
			}
			out = append(out, cand{id, d.def.Priority})
		case "status":
			out = append(out, cand{id, d.def.Priority})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].priority > out[j].priority })
	ids := make([]string, len(out))
	for i, cd := range out {
		ids[i] = cd.id
	}
	return ids
}

func containsAlias(d *deviceState, target string) bool {
	for _, h := range d.def.Hosts {
		if h == target {
			return true
		}
	}
	if alias, ok := d.hostMap[target]; ok {
		for _, h := range d.def.Hosts {
			if h == alias {
				return true
			}
		}
	}
	return false
}

func containsHost(list []string, target, alias string) bool {
	for _, h := range list {
		if h == target || (alias != "" && h == alias) {
			return true
		}
	}
	return false
}

// advance tries the next candidate device for pf, or delivers a final
// failure if none remain.
func (c *Coordinator) advance(pf *pendingFence) {
	for pf.idx < len(pf.candidates) {
		deviceID := pf.candidates[pf.idx]
		if c.busy[deviceID] {
			c.waiters[deviceID] = append(c.waiters[deviceID], pf.id)
			return
		}
		c.startAttempt(pf, deviceID)
		return
	}

	c.deliver(pf, Result{
		CommandID: pf.id,
		Target:    pf.target,
		Action:    pf.action,
		Succeeded: false,
		Error:     "fencing: no capable device succeeded",
	})
}

func (c *Coordinator) startAttempt(pf *pendingFence, deviceID string) {
	dev := c.devices[deviceID]
	if dev == nil {
		pf.idx++
		c.advance(pf)
		return
	}
	c.busy[deviceID] = true

	timeout := pf.timeout
	if timeout <= 0 {
		timeout = defaultFenceTimeout
	}

	path, resolveErr := "", error(nil)
	if c.resolver != nil {
		path, resolveErr = c.resolver(dev.def.Agent, dev.def.Namespace)
	}

	snapshot := *dev
	go c.runAttempt(pf.id, deviceID, snapshot, pf.target, pf.action, path, resolveErr, timeout)
}

func (c *Coordinator) runAttempt(pfID, deviceID string, dev deviceState, target, action, path string, resolveErr error, timeout time.Duration) {
	out := attemptOutcome{pfID: pfID, deviceID: deviceID}
	ctx, cancel := context.WithTimeout(context.Background(), timeout+10*time.Second)
	defer cancel()

	if resolveErr != nil {
		out.err = resolveErr
		c.attemptCh <- out
		return
	}

	params := map[string]string{}
	if port, ok := dev.hostMap[target]; ok {
		params["port"] = port
		params["nodename"] = target
	} else {
		params["port"] = target
		params["nodename"] = target
	}
	for k, v := range dev.def.Parameters {
		params[k] = v
	}

	switch dev.def.CheckPolicy {
	case "status":
		out.checked = true
		res, err := runFenceAgent(ctx, path, "status", params, timeout)
		if err != nil {
			out.checkFailed = true
			out.err = err
			c.attemptCh <- out
			return
		}
		out.capable = res.rc == 0 || res.rc == 2
		if !out.capable {
			c.attemptCh <- out
			return
		}

	case "dynamic-list":
		if time.Since(dev.listCacheAt) >= dynamicListCacheTTL || dev.listCacheAt.IsZero() {
			out.checked = true
			res, err := runFenceAgent(ctx, path, "list", nil, timeout)
			if err != nil || res.rc != 0 {
				out.checkFailed = true
				if err == nil {
					err = fmt.Errorf("fencing: list action exited %d", res.rc)
				}
				out.err = err
				c.attemptCh <- out
				return
			}
			out.listCache = splitListOutput(res.stdout)
			out.listCacheAt = time.Now()
			out.capable = containsHost(out.listCache, target, dev.hostMap[target])
			if !out.capable {
				c.attemptCh <- out
				return
			}
		} else {
			out.capable = true
		}
	}

	res, err := runFenceAgent(ctx, path, action, params, timeout)
	out.result = &res
	out.err = err
	out.capable = true
	c.attemptCh <- out
}

func (c *Coordinator) applyAttempt(out attemptOutcome) {
	pf, ok := c.pending[out.pfID]
	delete(c.busy, out.deviceID)
	c.dequeueWaiter(out.deviceID)

	dev := c.devices[out.deviceID]
	if dev != nil {
		if out.checked && out.checkFailed {
			if dev.def.CheckPolicy == "dynamic-list" {
				dev.def.DynamicDisabled = true
			}
		} else if out.checked && len(out.listCache) > 0 {
			dev.listCache = out.listCache
			dev.listCacheAt = out.listCacheAt
		}
	}

	if !ok {
		return
	}

	if out.err != nil && out.result == nil {
		c.logger.Warn().Str("device", out.deviceID).Err(out.err).Msg("fencing device check failed")
		pf.idx++
		c.advance(pf)
		return
	}
	if !out.capable {
		pf.idx++
		c.advance(pf)
		return
	}
	if out.result == nil {
		pf.idx++
		c.advance(pf)
		return
	}
	if out.result.rc != 0 {
		pf.idx++
		c.advance(pf)
		return
	}

	result := Result{
		CommandID: pf.id,
		Target:    pf.target,
		Action:    pf.action,
		Device:    out.deviceID,
		Succeeded: true,
	}
	if isFenceOffAction(pf.action) {
		result.ExpectedState = "down"
	}
	c.deliver(pf, result)
}

func (c *Coordinator) dequeueWaiter(deviceID string) {
	queue := c.waiters[deviceID]
	if len(queue) == 0 {
		return
	}
	nextID := queue[0]
	c.waiters[deviceID] = queue[1:]
	if pf, ok := c.pending[nextID]; ok {
		c.startAttempt(pf, deviceID)
	}
}

func (c *Coordinator) deliver(pf *pendingFence, result Result) {
	delete(c.pending, pf.id)
	if c.onResult != nil {
		c.onResult(pf.origin, result)
	}
	if result.Succeeded {
		c.handleObserved(result)
	}
}

func (c *Coordinator) handleObserved(res Result) {
	if !res.Succeeded || res.Target != c.node {
		return
	}
	c.logger.Error().Str("target", res.Target).Str("action", res.Action).Msg("this node was fenced, attempting self-halt")
	if err := c.selfFenceFn(); err != nil {
		c.logger.Error().Err(err).Msg("self-halt unsupported, exiting with distinctive code")
		c.exitFn(selfFenceExitCode)
	}
}

func (c *Coordinator) allocID() string {
	id := c.nextID
	c.nextID++
	return fmt.Sprintf("fence-%s-%d", c.node, id)
}

func isFenceOffAction(action string) bool {
	switch action {
	case "off", "reboot", "poweroff":
		return true
	default:
		return false
	}
}

func splitListOutput(stdout string) []string {
	var out []string
	for _, line := range splitLines(stdout) {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
