// Package storage provides optional bbolt-backed persistence for exactly
// the two artifacts spec.md §6 allows to survive a restart:
// NodeCapabilities (per node id) and the Alert archive. In-memory windows
// are never written here — they are regenerable from live heartbeats.
//
// Schema (bbolt bucket layout):
//
//	/capabilities
//	    key:   nodeId
//	    value: JSON-encoded model.NodeCapabilities
//
//	/alerts
//	    key:   RFC3339Nano(createdAt) + "_" + alertId  (sortable)
//	    value: JSON-encoded model.Alert
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model: single-process, single-writer, ACID transactions via
// bbolt.Update; reads use bbolt.View. Disk-full or corruption errors are
// returned to the caller rather than panicking — callers log and continue
// with in-memory state preserved, per spec.md's Non-goals ("durability
// beyond the retention window" is explicitly out of scope, so persistence
// failures degrade gracefully instead of being treated as fatal).
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jeppevinkel/codebuddy-cluster/internal/model"
)

const (
	SchemaVersion = "1"

	bucketCapabilities = "capabilities"
	bucketAlerts       = "alerts"
	bucketMeta         = "meta"
)

// Store wraps a bbolt database file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures the
// bucket schema exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage.Open: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCapabilities, bucketAlerts, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		return meta.Put([]byte("schema_version"), []byte(SchemaVersion))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.Open: initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutCapabilities persists a node's capabilities, keyed by nodeId.
func (s *Store) PutCapabilities(nodeID string, caps model.NodeCapabilities) error {
	data, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("storage.PutCapabilities: marshal: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCapabilities)).Put([]byte(nodeID), data)
	})
}

// LoadCapabilities returns every persisted NodeCapabilities, keyed by
// node id, for rehydrating the registry on startup.
func (s *Store) LoadCapabilities() (map[string]model.NodeCapabilities, error) {
	out := make(map[string]model.NodeCapabilities)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCapabilities))
		return b.ForEach(func(k, v []byte) error {
			var caps model.NodeCapabilities
			if err := json.Unmarshal(v, &caps); err != nil {
				return fmt.Errorf("unmarshal capabilities for %q: %w", k, err)
			}
			out[string(k)] = caps
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("storage.LoadCapabilities: %w", err)
	}
	return out, nil
}

// AppendAlert persists one archived alert, keyed so iteration order is
// chronological.
func (s *Store) AppendAlert(a model.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("storage.AppendAlert: marshal: %w", err)
	}
	key := fmt.Sprintf("%s_%s", a.CreatedAt.UTC().Format(time.RFC3339Nano), a.ID)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAlerts)).Put([]byte(key), data)
	})
}

// PruneAlertsOlderThan deletes archived alerts whose createdAt precedes
// cutoff, bounding the archive to the configured retention window.
func (s *Store) PruneAlertsOlderThan(cutoff time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAlerts))
		cursor := b.Cursor()
		cutoffKey := cutoff.UTC().Format(time.RFC3339Nano)

		var toDelete [][]byte
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if string(k) >= cutoffKey {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAlerts returns every persisted alert, oldest first.
func (s *Store) LoadAlerts() ([]model.Alert, error) {
	var out []model.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAlerts))
		return b.ForEach(func(k, v []byte) error {
			var a model.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("unmarshal alert %q: %w", k, err)
			}
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("storage.LoadAlerts: %w", err)
	}
	return out, nil
}
