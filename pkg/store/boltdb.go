package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/asgardops/maestro/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDeployments  = []byte("deployments")
	bucketApplications = []byte("applications")
)

// BoltStore implements Store using BoltDB, one JSON document per deployment.
type BoltStore struct {
	db *bolt.DB

	// writeLocks serializes mutations per deployment id so a StoreTask
	// racing an AppendLog on the same deployment can't interleave a
	// read-modify-write and drop the other's update (§4.1).
	mu         sync.Mutex
	writeLocks map[string]*sync.Mutex
}

// NewBoltStore opens (creating if absent) a BoltDB-backed store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "maestro.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDeployments, bucketApplications} {
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

	return &BoltStore{db: db, writeLocks: make(map[string]*sync.Mutex)}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// lockFor returns the per-deployment mutex, creating it on first use.
func (s *BoltStore) lockFor(depID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.writeLocks[depID]
	if !ok {
		l = &sync.Mutex{}
		s.writeLocks[depID] = l
	}
	return l
}

func (s *BoltStore) getLocked(tx *bolt.Tx, id string) (*types.Deployment, error) {
	b := tx.Bucket(bucketDeployments)
	data := b.Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var dep types.Deployment
	if err := json.Unmarshal(data, &dep); err != nil {
		return nil, err
	}
	return &dep, nil
}

func (s *BoltStore) putLocked(tx *bolt.Tx, dep *types.Deployment) error {
	data, err := json.Marshal(dep)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketDeployments).Put([]byte(dep.ID), data)
}

func (s *BoltStore) StoreDeployment(dep *types.Deployment) error {
	lock := s.lockFor(dep.ID)
	lock.Lock()
	defer lock.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putLocked(tx, dep)
	})
}

func (s *BoltStore) GetDeployment(id string) (*types.Deployment, error) {
	var dep *types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		d, err := s.getLocked(tx, id)
		if err != nil {
			return err
		}
		dep = d
		return nil
	})
	return dep, err
}

func (s *BoltStore) ListDeployments(filter ListFilter) ([]*types.Deployment, error) {
	var deps []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		return b.ForEach(func(_, v []byte) error {
			var dep types.Deployment
			if err := json.Unmarshal(v, &dep); err != nil {
				return err
			}
			if matchesFilter(&dep, filter) {
				deps = append(deps, &dep)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Created.After(deps[j].Created) })
	return deps, nil
}

func matchesFilter(dep *types.Deployment, f ListFilter) bool {
	if f.Application != "" && dep.Application != f.Application {
		return false
	}
	if f.Environment != "" && dep.Environment != f.Environment {
		return false
	}
	if f.Region != "" && dep.Region != f.Region {
		return false
	}
	if len(f.Phases) > 0 && !containsPhase(f.Phases, dep.Phase) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, dep.Status) {
		return false
	}
	return true
}

func containsPhase(phases []types.Phase, p types.Phase) bool {
	for _, x := range phases {
		if x == p {
			return true
		}
	}
	return false
}

func containsStatus(statuses []types.Status, s types.Status) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}

// StoreTask upserts task within the deployment, refusing to shorten the
// log or regress the status of whatever is already persisted.
func (s *BoltStore) StoreTask(depID string, task *types.Task) error {
	lock := s.lockFor(depID)
	lock.Lock()
	defer lock.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		dep, err := s.getLocked(tx, depID)
		if err != nil {
			return err
		}
		existing := dep.TaskByID(task.ID)
		if existing == nil {
			dep.Tasks = append(dep.Tasks, task)
			return s.putLocked(tx, dep)
		}
		if err := checkMonotone(existing, task); err != nil {
			return err
		}
		*existing = *task
		return s.putLocked(tx, dep)
	})
}

func checkMonotone(existing, next *types.Task) error {
	if len(next.Log) < len(existing.Log) {
		return fmt.Errorf("store: task %s log would shrink from %d to %d lines", existing.ID, len(existing.Log), len(next.Log))
	}
	if existing.IsTerminal() && next.Status != existing.Status {
		return fmt.Errorf("store: task %s status cannot regress from terminal %q to %q", existing.ID, existing.Status, next.Status)
	}
	if !existing.End.IsZero() && next.End.IsZero() {
		return fmt.Errorf("store: task %s end timestamp cannot be cleared", existing.ID)
	}
	return nil
}

// AppendLog atomically appends a line to the deployment's own log stream.
func (s *BoltStore) AppendLog(depID string, line types.LogLine) error {
	lock := s.lockFor(depID)
	lock.Lock()
	defer lock.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		dep, err := s.getLocked(tx, depID)
		if err != nil {
			return err
		}
		dep.Log = append(dep.Log, line)
		return s.putLocked(tx, dep)
	})
}

// UpsertApplication stores app's registered metadata, keyed by name.
func (s *BoltStore) UpsertApplication(app *types.ApplicationMetadata) error {
	data, err := json.Marshal(app)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApplications).Put([]byte(app.Name), data)
	})
}

// GetApplication fetches application metadata by name.
func (s *BoltStore) GetApplication(name string) (*types.ApplicationMetadata, error) {
	var app types.ApplicationMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketApplications).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &app)
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// ListApplications returns every registered application, sorted by name.
func (s *BoltStore) ListApplications() ([]*types.ApplicationMetadata, error) {
	var apps []*types.ApplicationMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApplications).ForEach(func(_, v []byte) error {
			var app types.ApplicationMetadata
			if err := json.Unmarshal(v, &app); err != nil {
				return err
			}
			apps = append(apps, &app)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	return apps, nil
}

// AddToDeploymentParameters merges partial into new-state.tyranitar.deployment-params.
func (s *BoltStore) AddToDeploymentParameters(depID string, partial map[string]interface{}) error {
	lock := s.lockFor(depID)
	lock.Lock()
	defer lock.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		dep, err := s.getLocked(tx, depID)
		if err != nil {
			return err
		}
		if dep.NewState.Tyranitar.DeploymentParams == nil {
			dep.NewState.Tyranitar.DeploymentParams = make(map[string]interface{}, len(partial))
		}
		for k, v := range partial {
			dep.NewState.Tyranitar.DeploymentParams[k] = v
		}
		return s.putLocked(tx, dep)
	})
}
