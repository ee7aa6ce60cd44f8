/*
Package storage provides BoltDB-backed persistence for the cluster
information base (CIB): peers, resource and fencing device definitions,
resource history, and fencing history. All data is serialized as JSON
and stored in separate buckets; every write reaches this package only
after being committed through the Raft FSM in pkg/manager.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/warren.db                │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  ┌────────────────────────────────┐         │          │
	│  │  │ peers                (name)     │         │          │
	│  │  │ resource_definitions (id)       │         │          │
	│  │  │ fencing_device_definitions (id) │         │          │
	│  │  │ resource_history (node+rsc+...) │         │          │
	│  │  │ fencing_history  (target+id)    │         │          │
	│  │  │ attributes           (key)      │         │          │
	│  │  └────────────────────────────────┘         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Transaction Management                │          │
	│  │  - Read: db.View() - Concurrent reads       │          │
	│  │  - Write: db.Update() - Serialized writes   │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

BoltStore:
  - Implements the Store interface using BoltDB
  - Single database file per manager node
  - Automatic bucket creation on initialization

Buckets:
  - peers: one entry per known peer, keyed by name
  - resource_definitions: declarative resource input from "resource apply"
  - fencing_device_definitions: declarative fencing device input
  - resource_history: append-style log keyed by node+resource+task+
    interval+call id, so a single node+resource prefix scan returns the
    full history for ListResourceHistory
  - fencing_history: fencing commands keyed by target+id
  - attributes: small key/value bag, used for the recompute-request
    signal and its legacy timestamp companion

# Usage

	store, err := storage.NewBoltStore("/var/lib/warren/manager-1")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	err = store.UpsertPeer(&types.Peer{Name: "node-1", Liveness: types.LivenessMember})
	peer, err := store.GetPeer("node-1")
	peers, err := store.ListPeers()

	err = store.PutResourceHistory(&types.ResourceHistoryEntry{
		Node: "node-1", Resource: "vip-1", Task: types.TaskMonitor,
		CallID: 42, RC: types.RCSuccess, Status: types.OpStatusDone,
	})
	history, err := store.ListResourceHistory("node-1", "vip-1")

# Integration Points

This package integrates with:

  - pkg/manager: the Raft FSM is the only writer
  - pkg/peer: rehydrates the peer cache from ListPeers on startup
  - pkg/executor: reads/writes resource history for probe-on-restart
  - pkg/fencing: reads device definitions, writes fencing history
  - pkg/security: device parameters are sealed before being stored here

# Design Patterns

Upsert Pattern:
  - Create and Update share one method (db.Put); no existence check needed

Prefix-Scan History:
  - resource_history keys are composed so a single cursor.Seek(prefix)
    returns one resource's full history without a secondary index

Idempotent Deletes:
  - Delete returns no error if the key doesn't exist

# Performance Characteristics

  - Get by key: O(log n) via B+tree, typically < 1ms
  - List/prefix scan: O(n) over the matching range
  - Write: O(log n) plus fsync, 1-5ms under normal load
  - Single-writer: BoltDB serializes all db.Update() calls

# Troubleshooting

Database Locked:
  - Symptom: "database is locked"
  - Cause: another process holds the exclusive lock
  - Solution: ensure only one manager process opens this data directory

Stale Resource History After Restart:
  - Symptom: executor treats a resource as unprobed after restart
  - Check: ListResourceHistory(node, resource) for the expected entries
  - Note: ClearResourceHistory is the explicit reprobe path, not a bug

# Security

  - Database file: 0600, directory access restricted to the warren user
  - Fencing device parameters are sealed with AES-256-GCM before
    reaching this package (see pkg/security) — the bucket itself is
    not separately encrypted

# See Also

  - pkg/manager for the Raft FSM that is this package's only writer
  - pkg/types for entity definitions
  - BoltDB documentation: https://github.com/etcd-io/bbolt
*/
package storage
