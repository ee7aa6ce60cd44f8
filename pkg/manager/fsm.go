package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
	"github.com/hashicorp/raft"
)

// Command op names recognized by WarrenFSM.Apply.
const (
	opUpsertPeer          = "upsert_peer"
	opRemovePeer          = "remove_peer"
	opCreateResource      = "create_resource"
	opUpdateResource      = "update_resource"
	opDeleteResource      = "delete_resource"
	opCreateFencingDevice = "create_fencing_device"
	opUpdateFencingDevice = "update_fencing_device"
	opDeleteFencingDevice = "delete_fencing_device"
	opPutResourceHistory  = "put_resource_history"
	opPutFencingCommand   = "put_fencing_command"
	opSetAttribute        = "set_attribute"
)

// Command is one state-change operation proposed through Raft. Data is
// re-marshaled into the concrete type Op expects before being applied to
// the store.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// WarrenFSM applies committed Raft log entries to the CIB (storage.Store).
// It holds no state of its own beyond the store handle: every read a
// caller needs goes straight to the store, which is safe for followers to
// serve since it reflects exactly the log they have applied.
type WarrenFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewWarrenFSM creates an FSM driving store.
func NewWarrenFSM(store storage.Store) *WarrenFSM {
	return &WarrenFSM{store: store}
}

// Apply implements raft.FSM. A non-nil return value that is an error is
// surfaced to the proposer through raft.ApplyFuture.Response().
func (f *WarrenFSM) Apply(entry *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("fsm: decode command: %w", err)
	}

	switch cmd.Op {
	case opUpsertPeer:
		var p types.Peer
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.UpsertPeer(&p)

	case opRemovePeer:
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return err
		}
		return f.store.DeletePeer(name)

	case opCreateResource:
		var def types.ResourceDefinition
		if err := json.Unmarshal(cmd.Data, &def); err != nil {
			return err
		}
		return f.store.CreateResourceDefinition(&def)

	case opUpdateResource:
		var def types.ResourceDefinition
		if err := json.Unmarshal(cmd.Data, &def); err != nil {
			return err
		}
		return f.store.UpdateResourceDefinition(&def)

	case opDeleteResource:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteResourceDefinition(id)

	case opCreateFencingDevice:
		var def types.FencingDeviceDefinition
		if err := json.Unmarshal(cmd.Data, &def); err != nil {
			return err
		}
		return f.store.CreateFencingDeviceDefinition(&def)

	case opUpdateFencingDevice:
		var def types.FencingDeviceDefinition
		if err := json.Unmarshal(cmd.Data, &def); err != nil {
			return err
		}
		return f.store.UpdateFencingDeviceDefinition(&def)

	case opDeleteFencingDevice:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteFencingDeviceDefinition(id)

	case opPutResourceHistory:
		var hist types.ResourceHistoryEntry
		if err := json.Unmarshal(cmd.Data, &hist); err != nil {
			return err
		}
		return f.store.PutResourceHistory(&hist)

	case opPutFencingCommand:
		var fc types.FencingCommand
		if err := json.Unmarshal(cmd.Data, &fc); err != nil {
			return err
		}
		return f.store.PutFencingCommand(&fc)

	case opSetAttribute:
		var kv struct{ Key, Value string }
		if err := json.Unmarshal(cmd.Data, &kv); err != nil {
			return err
		}
		return f.store.SetAttribute(kv.Key, kv.Value)

	default:
		return fmt.Errorf("fsm: unknown command op %q", cmd.Op)
	}
}

// WarrenSnapshot is the point-in-time CIB state captured for fast
// follower catch-up. Resource-history and fencing-history rows are
// append-only audit logs, not reconstructable cluster state, so they are
// deliberately excluded — a new follower replays them from the log like
// any other entry instead of inheriting a truncated history on snapshot
// restore.
type WarrenSnapshot struct {
	Peers          []*types.Peer                   `json:"peers"`
	Resources      []*types.ResourceDefinition      `json:"resources"`
	FencingDevices []*types.FencingDeviceDefinition `json:"fencing_devices"`
}

// Snapshot implements raft.FSM.
func (f *WarrenFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	peers, err := f.store.ListPeers()
	if err != nil {
		return nil, fmt.Errorf("fsm: snapshot peers: %w", err)
	}
	resources, err := f.store.ListResourceDefinitions()
	if err != nil {
		return nil, fmt.Errorf("fsm: snapshot resources: %w", err)
	}
	devices, err := f.store.ListFencingDeviceDefinitions()
	if err != nil {
		return nil, fmt.Errorf("fsm: snapshot fencing devices: %w", err)
	}

	return &WarrenSnapshot{Peers: peers, Resources: resources, FencingDevices: devices}, nil
}

// Restore implements raft.FSM, replacing the store's peers, resource
// definitions and fencing device definitions with the snapshot contents.
func (f *WarrenFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap WarrenSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("fsm: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	existingPeers, err := f.store.ListPeers()
	if err != nil {
		return err
	}
	for _, p := range existingPeers {
		if err := f.store.DeletePeer(p.Name); err != nil {
			return err
		}
	}
	for _, p := range snap.Peers {
		if err := f.store.UpsertPeer(p); err != nil {
			return err
		}
	}

	existingResources, err := f.store.ListResourceDefinitions()
	if err != nil {
		return err
	}
	for _, r := range existingResources {
		if err := f.store.DeleteResourceDefinition(r.ID); err != nil {
			return err
		}
	}
	for _, r := range snap.Resources {
		if err := f.store.CreateResourceDefinition(r); err != nil {
			return err
		}
	}

	existingDevices, err := f.store.ListFencingDeviceDefinitions()
	if err != nil {
		return err
	}
	for _, d := range existingDevices {
		if err := f.store.DeleteFencingDeviceDefinition(d.ID); err != nil {
			return err
		}
	}
	for _, d := range snap.FencingDevices {
		if err := f.store.CreateFencingDeviceDefinition(d); err != nil {
			return err
		}
	}

	return nil
}

// Persist implements raft.FSMSnapshot.
func (s *WarrenSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release implements raft.FSMSnapshot.
func (s *WarrenSnapshot) Release() {}
