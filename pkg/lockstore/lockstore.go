// Package lockstore backs the control plane's global lock, per-triple
// pause flags, and in-progress registry (spec §4.6) with a single BoltDB
// file, separate from the deployment document store so the two can be
// compacted and backed up independently.
package lockstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/asgardops/maestro/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketInProgress = []byte("in-progress")
	bucketPaused     = []byte("paused")
	bucketGlobal     = []byte("global")

	globalLockKey = []byte("lock")
)

// ErrAlreadyInProgress is returned by Acquire when the triple is already held.
var ErrAlreadyInProgress = errors.New("lockstore: deployment already in progress for this application/environment/region")

// Store is the CAS-backed lock/pause/in-progress registry.
type Store struct {
	db *bolt.DB
}

func Open(dataDir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "lock.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("lockstore: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketInProgress, bucketPaused, bucketGlobal} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func tripleKey(k types.Key) []byte {
	return []byte(k.Application + "/" + k.Environment + "/" + k.Region)
}

// Acquire claims the in-progress slot for key, associating it with
// deploymentID. It fails with ErrAlreadyInProgress if the slot is held
// (invariant 4: at most one in-flight deployment per triple).
func (s *Store) Acquire(key types.Key, deploymentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInProgress)
		k := tripleKey(key)
		if b.Get(k) != nil {
			return ErrAlreadyInProgress
		}
		return b.Put(k, []byte(deploymentID))
	})
}

// Release clears the in-progress slot for key. Called by the control
// plane when a deployment reaches a terminal phase.
func (s *Store) Release(key types.Key) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInProgress).Delete(tripleKey(key))
	})
}

// InProgressDeploymentID returns the deployment id currently holding key,
// or "" if the slot is free.
func (s *Store) InProgressDeploymentID(key types.Key) (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketInProgress).Get(tripleKey(key))
		if v != nil {
			id = string(v)
		}
		return nil
	})
	return id, err
}

// ListInProgress returns every triple currently holding a slot.
func (s *Store) ListInProgress() (map[types.Key]string, error) {
	out := make(map[types.Key]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInProgress).ForEach(func(k, v []byte) error {
			out[parseTripleKey(string(k))] = string(v)
			return nil
		})
	})
	return out, err
}

func parseTripleKey(s string) types.Key {
	var app, env, region string
	fmt.Sscanf(s, "%[^/]/%[^/]/%s", &app, &env, &region)
	return types.Key{Application: app, Environment: env, Region: region}
}

// Pause sets the pause flag for key (register-pause).
func (s *Store) Pause(key types.Key) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPaused).Put(tripleKey(key), []byte("1"))
	})
}

// Resume clears the pause flag for key (unregister-pause).
func (s *Store) Resume(key types.Key) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPaused).Delete(tripleKey(key))
	})
}

// IsPaused reports whether key currently has the pause flag set.
func (s *Store) IsPaused(key types.Key) (bool, error) {
	var paused bool
	err := s.db.View(func(tx *bolt.Tx) error {
		paused = tx.Bucket(bucketPaused).Get(tripleKey(key)) != nil
		return nil
	})
	return paused, err
}

// ListPaused returns every triple with the pause flag set.
func (s *Store) ListPaused() ([]types.Key, error) {
	var keys []types.Key
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPaused).ForEach(func(k, _ []byte) error {
			keys = append(keys, parseTripleKey(string(k)))
			return nil
		})
	})
	return keys, err
}

// globalLockState is persisted so the lock survives a restart.
type globalLockState struct {
	Locked bool   `json:"locked"`
	Reason string `json:"reason,omitempty"`
}

// Lock sets the global lock. While set, Begin/Rollback/Undo/Resume must
// refuse with a 409-equivalent error (spec §4.6).
func (s *Store) Lock(reason string) error {
	data, err := json.Marshal(globalLockState{Locked: true, Reason: reason})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGlobal).Put(globalLockKey, data)
	})
}

// Unlock clears the global lock.
func (s *Store) Unlock() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGlobal).Delete(globalLockKey)
	})
}

// IsLocked reports the global lock state and its reason, if any.
func (s *Store) IsLocked() (bool, string, error) {
	var state globalLockState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGlobal).Get(globalLockKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &state)
	})
	return state.Locked, state.Reason, err
}
