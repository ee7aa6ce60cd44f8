package manager

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/executor"
	"github.com/cuemby/warren/pkg/fencing"
	"github.com/cuemby/warren/pkg/graph"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/messaging"
	"github.com/cuemby/warren/pkg/peer"
	cruntime "github.com/cuemby/warren/pkg/runtime"
	"github.com/cuemby/warren/pkg/security"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/throttle"
	"github.com/cuemby/warren/pkg/transition"
	"github.com/cuemby/warren/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Config configures a cluster manager node.
type Config struct {
	NodeID   string
	BindAddr string // raft transport address, host:port
	BusAddr  string // cluster-bus listen address, host:port
	DataDir  string

	ClusterID          string // seeds the fencing-parameter encryption key
	ContainerdSocket   string
	ExecutorListenAddr string // this node's executor.Server listen address
	ExecutorPSK        []byte

	ThrottleLimit int // configured dispatch batch ceiling, see pkg/throttle
}

// Manager is a Warren cluster manager node: it runs Raft over the CIB
// plus a transition engine, a fencing coordinator, and the throttle
// governor that feeds the engine its per-cycle dispatch limit. The
// engine only actually dispatches while this node holds Raft
// leadership (SetActive); the fencing coordinator and governor run
// unconditionally since a non-DC node may still own the only device
// capable of fencing a given target.
type Manager struct {
	nodeID string
	cfg    Config
	logger zerolog.Logger

	raft         *raft.Raft
	fsm          *WarrenFSM
	store        storage.Store
	tokenManager *TokenManager
	secrets      *security.SecretsManager
	eventBroker  *events.Broker
	peers        *peer.Cache
	bus          *clusterBus

	local            *executor.Local
	containerRuntime *cruntime.ContainerdRuntime
	remoteMu         sync.Mutex
	remotes          map[string]executor.Connection

	fencingCoord *fencing.Coordinator
	governor     *throttle.Governor
	engine       *transition.Engine

	pendingMu  sync.Mutex
	pendingOps map[string]string // transitionKey -> node, for resource-history attribution

	// fenceCorrelate maps a fencing.Coordinator's node-local command id to
	// the cluster-wide broadcast id the engine is actually waiting on via
	// ObserveFencing, since Coordinator.Fence's id is only meaningful on
	// the node that issued it.
	fenceMu        sync.Mutex
	fenceCorrelate map[string]string

	stopCh chan struct{}
}

// NewManager creates a Manager backed by a BoltDB store at cfg.DataDir,
// wiring every owned subsystem but not yet starting Raft or leadership
// duties — call Bootstrap or Join, then Start.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ThrottleLimit <= 0 {
		cfg.ThrottleLimit = 32
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("manager: open store: %w", err)
	}

	secrets, err := security.NewSecretsManager(security.DeriveKeyFromClusterID(cfg.ClusterID))
	if err != nil {
		return nil, fmt.Errorf("manager: init secrets manager: %w", err)
	}

	m := &Manager{
		nodeID:         cfg.NodeID,
		cfg:            cfg,
		logger:         log.WithComponent("manager").With().Str("node", cfg.NodeID).Logger(),
		fsm:            NewWarrenFSM(store),
		store:          store,
		tokenManager:   NewTokenManager(),
		secrets:        secrets,
		eventBroker:    events.NewBroker(),
		remotes:        make(map[string]executor.Connection),
		pendingOps:     make(map[string]string),
		fenceCorrelate: make(map[string]string),
		stopCh:         make(chan struct{}),
	}

	m.peers = peer.New(m.onPeerStatusChange)
	m.bus = newClusterBus(cfg.NodeID, busID(cfg.NodeID), m.peerAddress)
	m.bus.OnClass(classClusterOp, m.handleClusterOpEnvelope)
	m.bus.OnClass(classFenceRequest, m.handleFenceRequestEnvelope)
	m.bus.OnClass(classFenceResult, m.handleFenceResultEnvelope)
	m.bus.OnClass(JoinRequestClass, m.handleJoinRequestEnvelope)
	m.bus.OnClass(AdminRequestClass, m.handleAdminRequestEnvelope)

	m.fencingCoord = fencing.NewCoordinator(cfg.NodeID, m.resolveFencingAgent)
	m.fencingCoord.OnResult(m.onFencingResult)

	m.governor = throttle.New(cfg.ThrottleLimit, m.sampleUtilization)

	m.engine = transition.NewEngine(cfg.NodeID, cfg.NodeID)
	m.engine.SetGovernor(m.governor)
	m.engine.SetResourceDispatcher(m.dispatchResourceAction)
	m.engine.SetClusterDispatcher(m.dispatchClusterAction)
	m.engine.SetFencingDispatcher(m.dispatchFencingAction)
	m.engine.OnComplete(m.onGraphComplete)

	return m, nil
}

// busID derives a small stable numeric bus id from the node name, good
// enough to populate messaging.Sender/Host without a separate registry.
func busID(name string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(name); i++ {
		h ^= uint32(name[i])
		h *= 16777619
	}
	if h == 0 {
		h = 1
	}
	return h
}

func (m *Manager) raftPaths() (logPath, stablePath string) {
	return filepath.Join(m.cfg.DataDir, "raft-log.db"), filepath.Join(m.cfg.DataDir, "raft-stable.db")
}

// newRaft builds the Raft node shared by Bootstrap and Join: the
// teacher's tightened failover timeouts (500ms heartbeat/election,
// 50ms commit, 250ms leader lease — roughly half the library defaults)
// buy faster DC failover at the cost of more sensitive network jitter
// tolerance.
func (m *Manager) newRaft() (*raft.Raft, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("manager: resolve bind addr %s: %w", m.cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransport(m.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("manager: create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("manager: create snapshot store: %w", err)
	}

	logPath, stablePath := m.raftPaths()
	logStore, err := raftboltdb.NewBoltStore(logPath)
	if err != nil {
		return nil, fmt.Errorf("manager: create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(stablePath)
	if err != nil {
		return nil, fmt.Errorf("manager: create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("manager: create raft node: %w", err)
	}
	return r, nil
}

// Bootstrap initializes a brand-new single-node cluster, this node
// voting for itself.
func (m *Manager) Bootstrap() error {
	r, err := m.newRaft()
	if err != nil {
		return err
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(m.nodeID), Address: raft.ServerAddress(m.cfg.BindAddr)},
		},
	}
	future := m.raft.BootstrapCluster(configuration)
	return future.Error()
}

// Join starts this node's Raft node without bootstrapping; it must
// already have been added as a voter by the cluster leader (AddVoter)
// using leaderAddr/token out of band before this call.
func (m *Manager) Join() error {
	r, err := m.newRaft()
	if err != nil {
		return err
	}
	m.raft = r
	return nil
}

// Start begins the peer cache sweep loop, the cluster bus listener, the
// embedded executor connection for this node's own resources, and every
// owned subsystem (fencing coordinator, governor, transition engine).
// watchLeadership then toggles the engine's active flag as Raft
// leadership changes.
func (m *Manager) Start() error {
	m.eventBroker.Start()
	m.peers.Start()
	if err := m.bus.Listen(m.cfg.BusAddr); err != nil {
		return err
	}

	var containerRuntime executor.ContainerRuntime
	if m.cfg.ContainerdSocket != "" {
		cr, err := cruntime.NewContainerdRuntime(m.cfg.ContainerdSocket)
		if err != nil {
			return fmt.Errorf("manager: connect containerd: %w", err)
		}
		m.containerRuntime = cr
		containerRuntime = cr
	}

	local := executor.NewLocal(m.nodeID, m.resolveResourceAgent, containerRuntime)
	local.OnEvent(m.onExecutorEvent)
	local.OnHistory(func(entry *types.ResourceHistoryEntry) {
		m.logger.Debug().Str("resource", entry.Resource).Str("task", entry.Task).Msg("local history recorded")
	})
	if err := local.Connect(context.Background()); err != nil {
		return err
	}
	m.local = local

	// The fencing coordinator runs on every node, DC or not: a
	// fence-request broadcast may need a device only a non-DC node has
	// configured. The transition engine and governor also run on every
	// node; SetActive gates whether the engine actually dispatches.
	m.fencingCoord.Start()
	if err := m.loadFencingDevices(); err != nil {
		m.logger.Warn().Err(err).Msg("load fencing devices failed")
	}
	m.governor.Start()
	m.engine.Start()

	go m.watchLeadership()
	return nil
}

// Shutdown stops every owned subsystem and the store.
func (m *Manager) Shutdown() error {
	close(m.stopCh)
	m.engine.Stop()
	m.fencingCoord.Stop()
	m.governor.Stop()
	m.peers.Stop()
	m.eventBroker.Stop()
	m.bus.Close()
	if m.local != nil {
		m.local.Disconnect()
	}
	if m.containerRuntime != nil {
		m.containerRuntime.Close()
	}
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			m.logger.Warn().Err(err).Msg("raft shutdown")
		}
	}
	return m.store.Close()
}

// watchLeadership keeps the transition engine's active flag in lockstep
// with Raft leadership. The engine and governor run continuously on
// every node from Start onward; SetActive(false) is what makes a
// non-leader's engine suppress dispatch and auto-abort its graph rather
// than a separate start/stop cycle, since raft.Raft.State() can flap
// quickly during an election and Start/Stop are each one-shot (closing
// an already-closed stop channel panics).
func (m *Manager) watchLeadership() {
	wasLeader := false
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			isLeader := m.IsLeader()
			if isLeader == wasLeader {
				continue
			}
			wasLeader = isLeader
			m.engine.SetActive(isLeader)
			if isLeader {
				m.logger.Info().Msg("acquired DC role")
			} else {
				m.logger.Info().Msg("lost DC role")
			}
		}
	}
}

// IsLeader reports whether this node currently holds Raft leadership.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// LeaderAddr returns the current Raft leader's transport address.
func (m *Manager) LeaderAddr() string {
	return string(m.raft.Leader())
}

// LeaderBusAddr resolves the current Raft leader's cluster-bus address,
// for handing to a node that needs to retry a request against the DC
// rather than the node it happened to contact first (the join
// handshake's LeaderHint). Raft only exposes the leader's transport
// address, so this cross-references the current configuration to find
// the matching server ID and looks that peer's bus address up from the
// CIB. Returns "" if the leader can't be resolved this way (e.g. no
// current leader).
func (m *Manager) LeaderBusAddr() string {
	leaderAddr := m.raft.Leader()
	if leaderAddr == "" {
		return ""
	}
	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return ""
	}
	for _, srv := range future.Configuration().Servers {
		if srv.Address != leaderAddr {
			continue
		}
		if string(srv.ID) == m.nodeID {
			return m.cfg.BusAddr
		}
		addr, ok := m.peerAddress(string(srv.ID))
		if !ok {
			return ""
		}
		return addr
	}
	return ""
}

// GetRaftStats reports Raft health for pkg/metrics.Collector: last log
// index and applied index as uint64, and the cluster's current voter
// count as an int.
func (m *Manager) GetRaftStats() map[string]interface{} {
	stats := map[string]interface{}{
		"last_log_index": m.raft.LastIndex(),
		"applied_index":  m.raft.AppliedIndex(),
		"num_peers":      0,
	}
	if future := m.raft.GetConfiguration(); future.Error() == nil {
		stats["num_peers"] = len(future.Configuration().Servers)
	}
	return stats
}

// AddVoter adds nodeID at address as a Raft voter; only the leader can
// do this successfully.
func (m *Manager) AddVoter(nodeID, address string) error {
	return m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

// RemoveServer removes nodeID from the Raft configuration.
func (m *Manager) RemoveServer(nodeID string) error {
	return m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error()
}

// NodeID returns this manager's node name.
func (m *Manager) NodeID() string { return m.nodeID }

// GenerateJoinToken and ValidateJoinToken delegate to the token manager,
// unchanged from the teacher's design.
func (m *Manager) GenerateJoinToken(role string, ttl time.Duration) (*JoinToken, error) {
	return m.tokenManager.GenerateToken(role, ttl)
}

func (m *Manager) ValidateJoinToken(token string) (string, error) {
	return m.tokenManager.ValidateToken(token)
}

// apply marshals cmd and proposes it through Raft, returning any error
// the FSM's Apply returned.
func (m *Manager) apply(op string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	cmd := Command{Op: op, Data: payload}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	future := m.raft.Apply(raw, 5*time.Second)
	if err := future.Error(); err != nil {
		return err
	}
	if resp := future.Response(); resp != nil {
		if respErr, ok := resp.(error); ok {
			return respErr
		}
	}
	return nil
}

// ListPeers returns every peer known to this node's peer cache — used by
// pkg/metrics.Collector and the CLI, and distinct from the CIB's
// UpsertPeer/GetPeer/ListPeers, which persist only the subset the leader
// has deliberately committed.
func (m *Manager) ListPeers() ([]*types.Peer, error) {
	return m.peers.List(), nil
}

// Subscribe returns a channel of cluster events, for callers such as
// pkg/reconciler that need to react to peer and graph lifecycle changes
// without polling.
func (m *Manager) Subscribe() events.Subscriber {
	return m.eventBroker.Subscribe()
}

// Unsubscribe releases a subscription obtained from Subscribe.
func (m *Manager) Unsubscribe(sub events.Subscriber) {
	m.eventBroker.Unsubscribe(sub)
}

// RequestRecompute records that cluster state may have changed enough to
// warrant a new transition graph. It is a no-op on a non-DC node: only the
// elected node's view of "last-lrm-refresh" is meaningful. The timestamp
// attribute is the legacy signal older tooling polls for; the broker event
// is the one a policy engine should actually subscribe to.
func (m *Manager) RequestRecompute(reason string) error {
	if !m.IsLeader() {
		return nil
	}
	kv := struct{ Key, Value string }{Key: "last-lrm-refresh", Value: time.Now().UTC().Format(time.RFC3339)}
	if err := m.apply(opSetAttribute, kv); err != nil {
		return fmt.Errorf("manager: record recompute timestamp: %w", err)
	}
	m.eventBroker.Publish(&events.Event{Type: events.EventRecomputeRequested, Message: reason})
	return nil
}

func (m *Manager) peerAddress(name string) (string, bool) {
	if name == m.nodeID {
		return m.cfg.BusAddr, true
	}
	p, err := m.store.GetPeer(name)
	if err != nil || p == nil || p.Address == "" {
		return "", false
	}
	return clusterBusAddrFromExecutor(p.Address), true
}

// clusterBusAddrFromExecutor derives a peer's cluster-bus address from
// its executor listen address by convention (bus port = executor port
// + 1), avoiding a second address field on every stored peer record.
func clusterBusAddrFromExecutor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	var p int
	fmt.Sscanf(port, "%d", &p)
	return net.JoinHostPort(host, fmt.Sprintf("%d", p+1))
}

// onPeerStatusChange is the peer cache's StatusChangeFunc: the DC
// commits membership changes to the CIB so every manager's store
// reflects accepted cluster membership, and posts the corresponding
// event.
func (m *Manager) onPeerStatusChange(p *types.Peer) {
	if !m.IsLeader() {
		return
	}
	if p.Liveness == types.LivenessLost && p.Dirty && m.peers.Get(p.Name) == nil {
		if err := m.apply(opRemovePeer, p.Name); err != nil {
			m.logger.Warn().Err(err).Str("peer", p.Name).Msg("remove peer from cib failed")
		}
		m.bus.RemovePeer(p.Name)
		m.eventBroker.Publish(&events.Event{Type: events.EventPeerReaped, Message: p.Name})
		return
	}
	if err := m.apply(opUpsertPeer, p); err != nil {
		m.logger.Warn().Err(err).Str("peer", p.Name).Msg("upsert peer in cib failed")
	}
	m.eventBroker.Publish(&events.Event{Type: events.EventJoinPhaseChanged, Message: p.Name})
}

// sampleUtilization averages per-node allocation ratio across every
// known resource definition's recorded cpu_limit meta against a
// nominal per-node ceiling — a coarse placeholder the governor degrades
// gracefully from (it treats a sampler error as "no throttling").
func (m *Manager) sampleUtilization() (float64, error) {
	defs, err := m.store.ListResourceDefinitions()
	if err != nil {
		return 0, err
	}
	if len(defs) == 0 {
		return 0, nil
	}
	const nominalCeiling = 64.0
	var used float64
	for _, d := range defs {
		if v := d.Parameters["cpu_limit"]; v != "" {
			var cores float64
			fmt.Sscanf(v, "%f", &cores)
			used += cores
		}
	}
	ratio := used / nominalCeiling
	if ratio > 1 {
		ratio = 1
	}
	return ratio, nil
}

// SubmitGraph assigns a fresh id to g if it has none and hands it to the
// transition engine — only meaningful while this node is DC.
func (m *Manager) SubmitGraph(g *types.Graph) (string, error) {
	if !m.IsLeader() {
		return "", fmt.Errorf("manager: not the DC")
	}
	if err := graph.Validate(g); err != nil {
		return "", err
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	return m.engine.SubmitGraph(g), nil
}

func (m *Manager) onGraphComplete(graphID string, done bool, aborted bool) {
	if !done && !aborted {
		return
	}
	evType := events.EventGraphCompleted
	if aborted {
		evType = events.EventGraphAborted
	}
	m.eventBroker.Publish(&events.Event{Type: evType, Message: graphID})
}

// resolveResourceAgent locates the executable backing a resource agent
// by class/provider/type, following the ocf:provider:type and plain
// lsb/systemd unit-name conventions pkg/executor's dispatch switch
// expects for everything outside the container/http/tcp builtin
// classes.
func (m *Manager) resolveResourceAgent(class types.ResourceClass, provider, typ string) (string, error) {
	switch class {
	case types.ClassOCF:
		return filepath.Join("/usr/lib/ocf/resource.d", provider, typ), nil
	case types.ClassLSB:
		return filepath.Join("/etc/init.d", typ), nil
	case types.ClassSystemd:
		return typ, nil
	default:
		return "", fmt.Errorf("manager: no agent path convention for class %q", class)
	}
}

// resolveFencingAgent locates a stonith agent executable by name,
// following the same /usr/sbin fence_* convention the original devices
// this coordinator family targets install to.
func (m *Manager) resolveFencingAgent(agent, namespace string) (string, error) {
	if namespace != "" {
		return filepath.Join("/usr/sbin", namespace, agent), nil
	}
	return filepath.Join("/usr/sbin", agent), nil
}

// connectionFor returns the executor.Connection serving node: the
// manager's own embedded Local for its own node, or a lazily-dialed
// cached Remote client otherwise.
func (m *Manager) connectionFor(node string) (executor.Connection, error) {
	if node == m.nodeID {
		return m.local, nil
	}

	m.remoteMu.Lock()
	defer m.remoteMu.Unlock()
	if conn, ok := m.remotes[node]; ok {
		return conn, nil
	}

	p, err := m.store.GetPeer(node)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Address == "" {
		return nil, fmt.Errorf("manager: no known executor address for node %s", node)
	}

	remote := executor.NewRemote(p.Address, m.nodeID, m.cfg.ExecutorPSK)
	remote.OnEvent(m.onExecutorEvent)
	if err := remote.Connect(context.Background()); err != nil {
		return nil, fmt.Errorf("manager: connect to %s: %w", node, err)
	}
	m.remotes[node] = remote
	return remote, nil
}

// dispatchResourceAction is the transition engine's ResourceDispatcher:
// it records which node owns transitionKey for later history
// attribution, then hands the op to that node's executor connection.
// Placement is decided per-action by the policy engine, so the
// definition is (re-)registered with whichever connection the action
// names on every dispatch rather than once up front; RegisterResource
// is idempotent on both Local and Remote, so this costs nothing on the
// common case of a node that already knows the resource.
func (m *Manager) dispatchResourceAction(action *types.Action, transitionKey string) error {
	conn, err := m.connectionFor(action.Node)
	if err != nil {
		return err
	}

	def, err := m.store.GetResourceDefinition(action.Resource)
	if err != nil {
		return err
	}
	if def != nil {
		if err := conn.RegisterResource(def); err != nil {
			return fmt.Errorf("manager: register resource %s on %s: %w", action.Resource, action.Node, err)
		}
	}

	m.pendingMu.Lock()
	m.pendingOps[transitionKey] = action.Node
	m.pendingMu.Unlock()

	_, err = conn.Execute(context.Background(), executor.ExecuteRequest{
		Resource:      action.Resource,
		Task:          action.Task,
		Interval:      action.Interval,
		Timeout:       action.Timeout,
		TransitionKey: transitionKey,
	})
	return err
}

// onExecutorEvent is shared by the embedded Local connection and every
// Remote client: it matches the result back into the transition engine
// and, while this node is DC, commits a resource-history row attributed
// to whichever node dispatchResourceAction recorded for this key.
func (m *Manager) onExecutorEvent(ev *executor.ResultEvent) {
	m.engine.MatchEvent(ev.TransitionKey, ev.RC, ev.Status)

	if !m.IsLeader() {
		return
	}

	m.pendingMu.Lock()
	node := m.pendingOps[ev.TransitionKey]
	delete(m.pendingOps, ev.TransitionKey)
	m.pendingMu.Unlock()

	entry := &types.ResourceHistoryEntry{
		Node:       node,
		Resource:   ev.Resource,
		Task:       ev.Task,
		Interval:   ev.Interval,
		CallID:     ev.CallID,
		RC:         ev.RC,
		Status:     ev.Status,
		StdoutTail: ev.StdoutTail,
		StderrTail: ev.StderrTail,
	}
	if err := m.apply(opPutResourceHistory, entry); err != nil {
		m.logger.Warn().Err(err).Str("resource", ev.Resource).Msg("record history failed")
	}
}

// dispatchClusterAction is the transition engine's ClusterDispatcher: it
// broadcasts the action to every known peer and immediately acks it
// locally, since cluster-wide ops (e.g. CIB refresh notifications) have
// no meaningful per-peer failure the engine needs to block dispatch on.
func (m *Manager) dispatchClusterAction(action *types.Action) error {
	payload, err := json.Marshal(action)
	if err != nil {
		return err
	}
	env := &messaging.Envelope{
		Sender:  m.bus.sender(),
		Class:   classClusterOp,
		Payload: payload,
	}

	var names []string
	for _, p := range m.peers.List() {
		names = append(names, p.Name)
	}
	m.bus.Broadcast(names, env)
	m.engine.AckCluster(action.ID)
	return nil
}

func (m *Manager) handleClusterOpEnvelope(env *messaging.Envelope) {
	var action types.Action
	if err := json.Unmarshal(env.Payload, &action); err != nil {
		m.logger.Warn().Err(err).Msg("decode cluster-op envelope failed")
		return
	}
	m.logger.Debug().Str("action", action.ID).Msg("received cluster-op broadcast")
}

// dispatchFencingAction is the transition engine's FencingDispatcher: it
// tries the local fencing coordinator first, and broadcasts a
// fence-request to every peer in parallel so a node with a capable
// device can act even when the DC itself has none configured. A
// manager-owned correlation id is used since Coordinator.Fence's
// returned id is only valid on the node that issued it.
func (m *Manager) dispatchFencingAction(action *types.Action) (string, error) {
	broadcastID := uuid.NewString()

	if cmdID, err := m.fencingCoord.Fence(action.Node, action.Task, m.nodeID, action.Timeout); err != nil {
		m.logger.Debug().Err(err).Str("target", action.Node).Msg("no local fencing device, broadcasting")
	} else {
		m.fenceMu.Lock()
		m.fenceCorrelate[cmdID] = broadcastID
		m.fenceMu.Unlock()
	}

	req := struct {
		BroadcastID string
		Target      string
		Action      string
		Origin      string
	}{broadcastID, action.Node, action.Task, m.nodeID}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	var names []string
	for _, p := range m.peers.List() {
		names = append(names, p.Name)
	}
	m.bus.Broadcast(names, &messaging.Envelope{
		Sender:  m.bus.sender(),
		Class:   classFenceRequest,
		Payload: payload,
	})

	return broadcastID, nil
}

// onFencingResult is the local coordinator's ResultCallback: it
// translates the node-local command id into the cluster-wide broadcast
// id (if this node issued the Fence call on behalf of a dispatch or a
// fence-request), confirms the engine directly, records history if DC,
// and relays the outcome to every peer under the broadcast id so the
// node that actually requested the fence can correlate it.
func (m *Manager) onFencingResult(origin string, res fencing.Result) {
	broadcastID := res.CommandID
	m.fenceMu.Lock()
	if bid, ok := m.fenceCorrelate[res.CommandID]; ok {
		broadcastID = bid
		delete(m.fenceCorrelate, res.CommandID)
	}
	m.fenceMu.Unlock()
	res.CommandID = broadcastID

	m.engine.ObserveFencing(broadcastID, res.Succeeded)
	if res.Succeeded {
		m.engine.MarkNodeFenced(res.Target)
		m.peers.Merge(&types.Peer{
			Name:      res.Target,
			Liveness:  types.LivenessLost,
			JoinPhase: types.JoinNone,
		})
	}

	if m.IsLeader() {
		_ = m.apply(opPutFencingCommand, &types.FencingCommand{
			ID:      broadcastID,
			Target:  res.Target,
			Origin:  origin,
			Status:  map[bool]types.FencingCommandStatus{true: types.FencingSucceeded, false: types.FencingFailed}[res.Succeeded],
			EndedAt: time.Now(),
		})
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	env := &messaging.Envelope{Sender: m.bus.sender(), Class: classFenceResult, Payload: payload}
	var names []string
	for _, p := range m.peers.List() {
		names = append(names, p.Name)
	}
	m.bus.Broadcast(names, env)
}

func (m *Manager) handleFenceRequestEnvelope(env *messaging.Envelope) {
	var req struct {
		BroadcastID string
		Target      string
		Action      string
		Origin      string
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		m.logger.Warn().Err(err).Msg("decode fence-request envelope failed")
		return
	}
	cmdID, err := m.fencingCoord.Fence(req.Target, req.Action, req.Origin, 60*time.Second)
	if err != nil {
		m.logger.Debug().Err(err).Str("target", req.Target).Msg("fence-request: no capable local device")
		return
	}
	m.fenceMu.Lock()
	m.fenceCorrelate[cmdID] = req.BroadcastID
	m.fenceMu.Unlock()
}

// handleFenceResultEnvelope is invoked for a fence-result envelope
// received from a peer. res.CommandID is already the broadcast id (the
// sending node translated it in onFencingResult), so the engine can be
// confirmed directly; Observe additionally feeds the self-fencing check
// pkg/fencing keeps regardless of which node ran the device.
func (m *Manager) handleFenceResultEnvelope(env *messaging.Envelope) {
	var res fencing.Result
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		m.logger.Warn().Err(err).Msg("decode fence-result envelope failed")
		return
	}
	m.engine.ObserveFencing(res.CommandID, res.Succeeded)
	if res.Succeeded {
		m.engine.MarkNodeFenced(res.Target)
		m.peers.Merge(&types.Peer{
			Name:      res.Target,
			Liveness:  types.LivenessLost,
			JoinPhase: types.JoinNone,
		})
	}
	m.fencingCoord.Observe(res)
}

// CreateResourceDefinition proposes a new resource definition to the CIB.
func (m *Manager) CreateResourceDefinition(def *types.ResourceDefinition) error {
	return m.apply(opCreateResource, def)
}

// UpdateResourceDefinition proposes a resource definition change to the CIB.
func (m *Manager) UpdateResourceDefinition(def *types.ResourceDefinition) error {
	return m.apply(opUpdateResource, def)
}

// DeleteResourceDefinition proposes removing a resource definition from the CIB.
func (m *Manager) DeleteResourceDefinition(id string) error {
	return m.apply(opDeleteResource, id)
}

// ListResourceDefinitions reads resource definitions from this node's store.
func (m *Manager) ListResourceDefinitions() ([]*types.ResourceDefinition, error) {
	return m.store.ListResourceDefinitions()
}

// CreateFencingDeviceDefinition proposes a new fencing device to the CIB,
// sealing its parameters at rest.
func (m *Manager) CreateFencingDeviceDefinition(def *types.FencingDeviceDefinition) error {
	sealed, err := m.sealFencingParams(def.Parameters)
	if err != nil {
		return err
	}
	def.Parameters = sealed
	if err := m.apply(opCreateFencingDevice, def); err != nil {
		return err
	}
	return m.registerFencingDevice(def)
}

// UpdateFencingDeviceDefinition proposes a fencing device change to the CIB.
func (m *Manager) UpdateFencingDeviceDefinition(def *types.FencingDeviceDefinition) error {
	sealed, err := m.sealFencingParams(def.Parameters)
	if err != nil {
		return err
	}
	def.Parameters = sealed
	if err := m.apply(opUpdateFencingDevice, def); err != nil {
		return err
	}
	return m.registerFencingDevice(def)
}

// DeleteFencingDeviceDefinition proposes removing a fencing device from the CIB.
func (m *Manager) DeleteFencingDeviceDefinition(id string) error {
	if err := m.apply(opDeleteFencingDevice, id); err != nil {
		return err
	}
	return m.fencingCoord.UnregisterDevice(id)
}

// ListFencingDeviceDefinitions reads fencing device definitions from this node's store.
func (m *Manager) ListFencingDeviceDefinitions() ([]*types.FencingDeviceDefinition, error) {
	return m.store.ListFencingDeviceDefinitions()
}

// loadFencingDevices registers every device the CIB already knows about
// with the local coordinator, unsealing parameters first — used at
// startup so a restarted node picks back up every device without
// needing a fresh create/update to be proposed.
func (m *Manager) loadFencingDevices() error {
	defs, err := m.store.ListFencingDeviceDefinitions()
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := m.registerFencingDevice(def); err != nil {
			m.logger.Warn().Err(err).Str("device", def.ID).Msg("register fencing device failed")
		}
	}
	return nil
}

// registerFencingDevice unseals def's parameters into a copy and hands
// it to the coordinator; the CIB's own copy (and def, as seen by the
// caller) keeps the sealed form.
func (m *Manager) registerFencingDevice(def *types.FencingDeviceDefinition) error {
	plain, err := m.unsealFencingParams(def.Parameters)
	if err != nil {
		return err
	}
	runtime := *def
	runtime.Parameters = plain
	return m.fencingCoord.RegisterDevice(&runtime)
}

func (m *Manager) sealFencingParams(params map[string]string) (map[string]string, error) {
	sealed, err := m.secrets.EncryptParams(params)
	if err != nil {
		return nil, err
	}
	return map[string]string{"sealed": base64.StdEncoding.EncodeToString(sealed)}, nil
}

func (m *Manager) unsealFencingParams(sealed map[string]string) (map[string]string, error) {
	encoded, ok := sealed["sealed"]
	if !ok {
		return sealed, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return m.secrets.DecryptParams(raw)
}
