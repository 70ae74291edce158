// Package statestore persists per-task runner state in an embedded bbolt
// database. Each runner owns a single record keyed by its task ID; a
// secondary index maps workspace IDs back to task IDs so inbound callbacks
// can be routed after a restart.
package statestore

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketStates         = []byte("task_runner_states")
	bucketWorkspaceIndex = []byte("workspace_task_index")
)

// ErrNotFound is returned when no state exists for a key.
var ErrNotFound = errors.New("state not found")

// Store is a bbolt-backed runner state store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the state database at the given path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketStates); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketWorkspaceIndex)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize state buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes the serialized state for a task.
func (s *Store) Put(taskID string, state []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).Put([]byte(taskID), state)
	})
}

// Get reads the serialized state for a task.
func (s *Store) Get(taskID string) ([]byte, error) {
	var state []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketStates).Get([]byte(taskID))
		if value == nil {
			return ErrNotFound
		}
		state = make([]byte, len(value))
		copy(state, value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Delete removes the state for a task.
func (s *Store) Delete(taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).Delete([]byte(taskID))
	})
}

// List returns all persisted states keyed by task ID.
func (s *Store) List() (map[string][]byte, error) {
	states := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).ForEach(func(k, v []byte) error {
			state := make([]byte, len(v))
			copy(state, v)
			states[string(k)] = state
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// IndexWorkspace records the workspace to task mapping.
func (s *Store) IndexWorkspace(workspaceID, taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkspaceIndex).Put([]byte(workspaceID), []byte(taskID))
	})
}

// LookupWorkspace resolves a workspace ID to its task ID.
func (s *Store) LookupWorkspace(workspaceID string) (string, error) {
	var taskID string
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketWorkspaceIndex).Get([]byte(workspaceID))
		if value == nil {
			return ErrNotFound
		}
		taskID = string(value)
		return nil
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// DeleteWorkspaceIndex removes a workspace mapping.
func (s *Store) DeleteWorkspaceIndex(workspaceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkspaceIndex).Delete([]byte(workspaceID))
	})
}
