package storage

import (
	"github.com/cuemby/warren/pkg/types"
)

// Store defines the interface for CIB (cluster information base) storage.
// It is implemented by BoltDB-backed storage and driven exclusively
// through the Raft FSM so every write is replicated before it is visible.
type Store interface {
	// Peers
	UpsertPeer(peer *types.Peer) error
	GetPeer(name string) (*types.Peer, error)
	ListPeers() ([]*types.Peer, error)
	DeletePeer(name string) error

	// Resource definitions
	CreateResourceDefinition(def *types.ResourceDefinition) error
	GetResourceDefinition(id string) (*types.ResourceDefinition, error)
	ListResourceDefinitions() ([]*types.ResourceDefinition, error)
	UpdateResourceDefinition(def *types.ResourceDefinition) error
	DeleteResourceDefinition(id string) error

	// Fencing device definitions
	CreateFencingDeviceDefinition(def *types.FencingDeviceDefinition) error
	GetFencingDeviceDefinition(id string) (*types.FencingDeviceDefinition, error)
	ListFencingDeviceDefinitions() ([]*types.FencingDeviceDefinition, error)
	UpdateFencingDeviceDefinition(def *types.FencingDeviceDefinition) error
	DeleteFencingDeviceDefinition(id string) error

	// Resource history — keyed by node+resource+task+interval+callID
	PutResourceHistory(entry *types.ResourceHistoryEntry) error
	ListResourceHistory(node, resource string) ([]*types.ResourceHistoryEntry, error)
	ClearResourceHistory(node, resource string) error

	// Fencing / stonith history
	PutFencingCommand(cmd *types.FencingCommand) error
	ListFencingHistory(target string) ([]*types.FencingCommand, error)

	// CIB attributes — small key/value bag for signals such as the
	// recompute request flag and its legacy timestamp companion.
	SetAttribute(key, value string) error
	GetAttribute(key string) (string, error)

	// Utility
	Close() error
}
