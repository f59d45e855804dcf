// Package store persists Deployment and Task records (spec §4.1).
package store

import (
	"errors"

	"github.com/asgardops/maestro/pkg/types"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("store: not found")

// ListFilter narrows ListDeployments to a subset, all fields optional.
type ListFilter struct {
	Application string
	Environment string
	Region      string
	Phases      []types.Phase
	Statuses    []types.Status
}

// Store is the persistence contract the rest of the engine depends on.
// Implementations must serialize writes per deployment id so that
// concurrent callers never lose a log line or regress a task's status
// (invariant 5); they need not serialize across different deployment ids.
type Store interface {
	// StoreDeployment upserts dep in full.
	StoreDeployment(dep *types.Deployment) error

	// GetDeployment fetches a deployment by id. Returns ErrNotFound if absent.
	GetDeployment(id string) (*types.Deployment, error)

	// ListDeployments returns deployments matching filter, newest-created first.
	ListDeployments(filter ListFilter) ([]*types.Deployment, error)

	// StoreTask upserts task within deployment depID. Implementations must
	// refuse a write that would shorten the log or regress the status of
	// an existing task record.
	StoreTask(depID string, task *types.Task) error

	// AppendLog atomically appends message to the deployment's own log
	// stream (distinct from any task's log).
	AppendLog(depID string, line types.LogLine) error

	// AddToDeploymentParameters merges partial into the deployment's
	// new-state.tyranitar.deployment-params map.
	AddToDeploymentParameters(depID string, partial map[string]interface{}) error

	// UpsertApplication stores app's registered metadata (§9.2).
	UpsertApplication(app *types.ApplicationMetadata) error

	// GetApplication fetches application metadata by name. Returns
	// ErrNotFound if unregistered.
	GetApplication(name string) (*types.ApplicationMetadata, error)

	// ListApplications returns every registered application, sorted by name.
	ListApplications() ([]*types.ApplicationMetadata, error)

	Close() error
}
