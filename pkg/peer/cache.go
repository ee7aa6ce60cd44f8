// Package peer implements the cluster membership cache: peer identity,
// liveness tracking, join-phase progression, and the dirty/reap sweep
// that removes peers which have left the group.
//
// Grounded on the teacher pack's D-PlaneOS ha-cluster.go Manager: a
// mutex-guarded map keyed by identity, a periodic sweep goroutine, and a
// Status() snapshot used for quorum computation.
package peer

import (
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/types"
)

// ReapWindow is how long a dirty peer is kept before being removed from
// the cache by the sweep loop.
const ReapWindow = 2 * time.Minute

// SweepInterval is how often the cache checks for peers eligible to reap.
const SweepInterval = 15 * time.Second

// LivenessTimeout is how long since LastSeen before a member peer is
// marked dirty.
const LivenessTimeout = 45 * time.Second

// StatusChangeFunc is invoked whenever a peer's liveness or join phase
// changes, so the caller (pkg/manager) can mirror the change
// into the CIB or trigger a recompute.
type StatusChangeFunc func(peer *types.Peer)

// Cache holds the set of known peers and their membership state.
type Cache struct {
	mu    sync.RWMutex
	peers map[string]*types.Peer // keyed by Name
	byID  map[string]*types.Peer // keyed by ID, only entries with ID != ""

	autoReap bool

	onChange StatusChangeFunc

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an empty peer cache. Auto-reap is enabled by default;
// Pause/Resume toggle it at runtime (e.g. during a controlled shutdown
// where peers are expected to go quiet without being reaped).
func New(onChange StatusChangeFunc) *Cache {
	return &Cache{
		peers:    make(map[string]*types.Peer),
		byID:     make(map[string]*types.Peer),
		autoReap: true,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (c *Cache) Start() {
	go c.sweepLoop()
}

// Stop halts the sweep loop and waits for it to exit.
func (c *Cache) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// PauseAutoReap disables the dirty/reap sweep without stopping liveness
// tracking. ResumeAutoReap re-enables it.
func (c *Cache) PauseAutoReap() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReap = false
}

func (c *Cache) ResumeAutoReap() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReap = true
}

// LookupOrCreate returns the peer with the given name, creating it (as a
// non-remote peer with LivenessLost and JoinNone) if it doesn't exist yet. Name is the
// only thing guaranteed present at creation time; ID and BusID fill in as
// the membership protocol learns them.
func (c *Cache) LookupOrCreate(name string) *types.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.peers[name]; ok {
		return p
	}
	p := &types.Peer{
		Name:      name,
		Liveness:  types.LivenessLost,
		JoinPhase: types.JoinNone,
		LastSeen:  time.Now(),
	}
	c.peers[name] = p
	return p
}

// Get returns the peer by name, or nil if not present.
func (c *Cache) Get(name string) *types.Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peers[name]
}

// Lookup resolves a peer by id and name together, healing the case
// where the two currently point at two different cache entries — a
// peer recorded by name before its id was known, observed again later
// under a message that supplies both. Name is treated as the primary
// key (as it is everywhere else in Cache): if a by-name entry exists,
// it survives, backfilling any of its empty identity fields from the
// by-id entry before that older entry is removed from both indexes. If
// only one of id/name resolves to an entry, that entry is returned
// as-is; either argument may be empty.
func (c *Cache) Lookup(id, name string) *types.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var byName, byID *types.Peer
	if name != "" {
		byName = c.peers[name]
	}
	if id != "" {
		byID = c.byID[id]
	}

	switch {
	case byName == nil:
		return byID
	case byID == nil || byID == byName:
		return byName
	default:
		return c.mergeInto(byName, byID)
	}
}

// mergeInto heals two entries discovered to name the same physical
// node: survivor is kept and returned, backfilling any of its empty
// identity fields from other (preferring other's LastSeen if it is more
// recent), before other is removed from both indexes.
func (c *Cache) mergeInto(survivor, other *types.Peer) *types.Peer {
	if survivor.ID == "" {
		survivor.ID = other.ID
	}
	if survivor.BusID == 0 {
		survivor.BusID = other.BusID
	}
	if survivor.Address == "" {
		survivor.Address = other.Address
	}
	if other.LastSeen.After(survivor.LastSeen) {
		survivor.LastSeen = other.LastSeen
	}

	delete(c.peers, other.Name)
	if other.ID != "" {
		delete(c.byID, other.ID)
	}
	c.peers[survivor.Name] = survivor
	if survivor.ID != "" {
		c.byID[survivor.ID] = survivor
	}
	return survivor
}

// List returns a snapshot of all known peers.
func (c *Cache) List() []*types.Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// Merge applies an incoming peer observation (from a membership message
// or a remote/static CreatePeer call) to the cache. Name is primary: the
// by-name entry is always the one updated and returned to. If incoming
// also carries an ID that the by-id index currently maps to a different
// (stale) entry — e.g. that id was first learned attached to a peer
// recorded under another name — the two are healed via mergeInto before
// incoming's fields are applied, so one physical node never ends up with
// two live cache entries.
func (c *Cache) Merge(incoming *types.Peer) {
	c.mu.Lock()
	existing, ok := c.peers[incoming.Name]
	if !ok {
		existing = &types.Peer{Name: incoming.Name}
		c.peers[incoming.Name] = existing
	}

	if incoming.ID != "" {
		if other, ok := c.byID[incoming.ID]; ok && other != existing {
			existing = c.mergeInto(existing, other)
		}
	}

	changed := existing.Liveness != incoming.Liveness || existing.JoinPhase != incoming.JoinPhase

	if incoming.ID != "" && incoming.ID != existing.ID {
		if existing.ID != "" {
			delete(c.byID, existing.ID)
		}
		existing.ID = incoming.ID
		c.byID[incoming.ID] = existing
	}
	if incoming.BusID != 0 {
		existing.BusID = incoming.BusID
	}
	if incoming.Address != "" {
		existing.Address = incoming.Address
	}
	existing.Liveness = incoming.Liveness
	existing.JoinPhase = incoming.JoinPhase
	existing.Remote = incoming.Remote
	existing.Dirty = false
	existing.LastSeen = time.Now()
	c.mu.Unlock()

	if changed && c.onChange != nil {
		c.onChange(existing)
	}
}

// Touch records a liveness observation for name without changing its
// join phase, creating the peer if unseen.
func (c *Cache) Touch(name string) {
	c.mu.Lock()
	p, ok := c.peers[name]
	if !ok {
		p = &types.Peer{Name: name, JoinPhase: types.JoinNone}
		c.peers[name] = p
	}
	wasDirty := p.Dirty
	wasLost := p.Liveness != types.LivenessMember
	p.Liveness = types.LivenessMember
	p.Dirty = false
	p.LastSeen = time.Now()
	c.mu.Unlock()

	if (wasDirty || wasLost) && c.onChange != nil {
		c.onChange(p)
	}
}

// SetJoinPhase advances a peer's join phase and fires onChange.
func (c *Cache) SetJoinPhase(name string, phase types.JoinPhase) {
	c.mu.Lock()
	p, ok := c.peers[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.JoinPhase = phase
	c.mu.Unlock()

	if c.onChange != nil {
		c.onChange(p)
	}
}

// Remove deletes a peer from the cache unconditionally (explicit
// CIB-driven delete, not the dirty/reap sweep).
func (c *Cache) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[name]; ok && p.ID != "" {
		delete(c.byID, p.ID)
	}
	delete(c.peers, name)
}

// Quorum reports whether a strict majority of non-remote peers (including
// self, which callers must register like any other peer) are currently
// LivenessMember.
func (c *Cache) Quorum() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total, alive := 0, 0
	for _, p := range c.peers {
		if p.Remote {
			continue
		}
		total++
		if p.Liveness == types.LivenessMember {
			alive++
		}
	}
	if total == 0 {
		return false
	}
	return alive > total/2
}

func (c *Cache) sweepLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()

	c.mu.Lock()
	var goneDirty, reaped []*types.Peer
	autoReap := c.autoReap
	for _, p := range c.peers {
		if p.Remote {
			continue
		}
		if p.Liveness == types.LivenessMember && now.Sub(p.LastSeen) > LivenessTimeout {
			p.Liveness = types.LivenessLost
			p.Dirty = true
			goneDirty = append(goneDirty, p)
			continue
		}
		if autoReap && p.Dirty && now.Sub(p.LastSeen) > ReapWindow {
			delete(c.peers, p.Name)
			if p.ID != "" {
				delete(c.byID, p.ID)
			}
			reaped = append(reaped, p)
		}
	}
	c.mu.Unlock()

	if c.onChange == nil {
		return
	}
	for _, p := range goneDirty {
		c.onChange(p)
	}
	for _, p := range reaped {
		c.onChange(p)
	}
}
