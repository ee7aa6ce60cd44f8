package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cuemby/warren/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketPeers           = []byte("peers")
	bucketResourceDefs    = []byte("resource_definitions")
	bucketFencingDefs     = []byte("fencing_device_definitions")
	bucketResourceHistory = []byte("resource_history")
	bucketFencingHistory  = []byte("fencing_history")
	bucketAttributes      = []byte("attributes")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed CIB store.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "warren.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketPeers,
			bucketResourceDefs,
			bucketFencingDefs,
			bucketResourceHistory,
			bucketFencingHistory,
			bucketAttributes,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Peer operations

func (s *BoltStore) UpsertPeer(peer *types.Peer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		data, err := json.Marshal(peer)
		if err != nil {
			return err
		}
		return b.Put([]byte(peer.Name), data)
	})
}

func (s *BoltStore) GetPeer(name string) (*types.Peer, error) {
	var peer types.Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("peer not found: %s", name)
		}
		return json.Unmarshal(data, &peer)
	})
	if err != nil {
		return nil, err
	}
	return &peer, nil
}

func (s *BoltStore) ListPeers() ([]*types.Peer, error) {
	var peers []*types.Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		return b.ForEach(func(k, v []byte) error {
			var peer types.Peer
			if err := json.Unmarshal(v, &peer); err != nil {
				return err
			}
			peers = append(peers, &peer)
			return nil
		})
	})
	return peers, err
}

func (s *BoltStore) DeletePeer(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		return b.Delete([]byte(name))
	})
}

// Resource definition operations

func (s *BoltStore) CreateResourceDefinition(def *types.ResourceDefinition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResourceDefs)
		data, err := json.Marshal(def)
		if err != nil {
			return err
		}
		return b.Put([]byte(def.ID), data)
	})
}

func (s *BoltStore) GetResourceDefinition(id string) (*types.ResourceDefinition, error) {
	var def types.ResourceDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResourceDefs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("resource definition not found: %s", id)
		}
		return json.Unmarshal(data, &def)
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *BoltStore) ListResourceDefinitions() ([]*types.ResourceDefinition, error) {
	var defs []*types.ResourceDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResourceDefs)
		return b.ForEach(func(k, v []byte) error {
			var def types.ResourceDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return err
			}
			defs = append(defs, &def)
			return nil
		})
	})
	return defs, err
}

func (s *BoltStore) UpdateResourceDefinition(def *types.ResourceDefinition) error {
	return s.CreateResourceDefinition(def)
}

func (s *BoltStore) DeleteResourceDefinition(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResourceDefs)
		return b.Delete([]byte(id))
	})
}

// Fencing device definition operations

func (s *BoltStore) CreateFencingDeviceDefinition(def *types.FencingDeviceDefinition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFencingDefs)
		data, err := json.Marshal(def)
		if err != nil {
			return err
		}
		return b.Put([]byte(def.ID), data)
	})
}

func (s *BoltStore) GetFencingDeviceDefinition(id string) (*types.FencingDeviceDefinition, error) {
	var def types.FencingDeviceDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFencingDefs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("fencing device definition not found: %s", id)
		}
		return json.Unmarshal(data, &def)
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *BoltStore) ListFencingDeviceDefinitions() ([]*types.FencingDeviceDefinition, error) {
	var defs []*types.FencingDeviceDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFencingDefs)
		return b.ForEach(func(k, v []byte) error {
			var def types.FencingDeviceDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return err
			}
			defs = append(defs, &def)
			return nil
		})
	})
	return defs, err
}

func (s *BoltStore) UpdateFencingDeviceDefinition(def *types.FencingDeviceDefinition) error {
	return s.CreateFencingDeviceDefinition(def)
}

func (s *BoltStore) DeleteFencingDeviceDefinition(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFencingDefs)
		return b.Delete([]byte(id))
	})
}

// Resource history operations. Keys are composed so ListResourceHistory can
// prefix-scan a single node+resource without a secondary index.

func historyKey(e *types.ResourceHistoryEntry) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%s\x00%d\x00%020d",
		e.Node, e.Resource, e.Task, e.Interval, e.CallID))
}

func historyPrefix(node, resource string) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00", node, resource))
}

func (s *BoltStore) PutResourceHistory(entry *types.ResourceHistoryEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResourceHistory)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(historyKey(entry), data)
	})
}

func (s *BoltStore) ListResourceHistory(node, resource string) ([]*types.ResourceHistoryEntry, error) {
	var entries []*types.ResourceHistoryEntry
	prefix := historyPrefix(node, resource)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResourceHistory)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var entry types.ResourceHistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) ClearResourceHistory(node, resource string) error {
	prefix := historyPrefix(node, resource)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResourceHistory)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Fencing history operations

func fencingKey(cmd *types.FencingCommand) []byte {
	return []byte(fmt.Sprintf("%s\x00%s", cmd.Target, cmd.ID))
}

func (s *BoltStore) PutFencingCommand(cmd *types.FencingCommand) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFencingHistory)
		data, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		return b.Put(fencingKey(cmd), data)
	})
}

func (s *BoltStore) ListFencingHistory(target string) ([]*types.FencingCommand, error) {
	var cmds []*types.FencingCommand
	prefix := []byte(target + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFencingHistory)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var cmd types.FencingCommand
			if err := json.Unmarshal(v, &cmd); err != nil {
				return err
			}
			cmds = append(cmds, &cmd)
		}
		return nil
	})
	return cmds, err
}

// Attribute operations

func (s *BoltStore) SetAttribute(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttributes)
		return b.Put([]byte(key), []byte(value))
	})
}

func (s *BoltStore) GetAttribute(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttributes)
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("attribute not found: %s", key)
		}
		value = string(data)
		return nil
	})
	return value, err
}
