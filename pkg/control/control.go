// Package control implements the deployment control plane (C6):
// begin/undo/rollback/pause/resume/lock, backed by pkg/lockstore for the
// global lock, per-triple pause flags, and in-progress registry, and
// driving pkg/pipeline then pkg/executor through pkg/queue's per-deployment
// serialization (spec §4.6).
package control

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/asgardops/maestro/pkg/executor"
	"github.com/asgardops/maestro/pkg/lockstore"
	"github.com/asgardops/maestro/pkg/log"
	"github.com/asgardops/maestro/pkg/metrics"
	"github.com/asgardops/maestro/pkg/pipeline"
	"github.com/asgardops/maestro/pkg/queue"
	"github.com/asgardops/maestro/pkg/store"
	"github.com/asgardops/maestro/pkg/types"
	"github.com/google/uuid"
)

// appNameRE is the application-name grammar enforced at begin and at the
// API boundary (spec §4.6, §9.2).
var appNameRE = regexp.MustCompile(`^[a-z]+$`)

// ValidateApplicationName returns a non-nil error if name violates the
// application-name grammar.
func ValidateApplicationName(name string) error {
	if !appNameRE.MatchString(name) {
		return fmt.Errorf("control: invalid application name %q, must match ^[a-z]+$", name)
	}
	return nil
}

var (
	ErrLocked            = errors.New("Maestro is currently closed for business.")
	ErrAlreadyInProgress = lockstore.ErrAlreadyInProgress
	ErrNothingToUndo     = errors.New("control: no prior deployment to undo")
	ErrNothingToRollback = errors.New("control: no completed predecessor to roll back to")
	ErrNotPaused         = errors.New("control: deployment is not paused")
)

// Control ties the control plane's registries to the workflow engine: a
// Begin/Undo/Rollback call enqueues one runner job per new deployment id,
// which runs the pipeline (when preparation is needed) then the executor.
type Control struct {
	Store    store.Store
	Locks    *lockstore.Store
	Queue    *queue.Queue
	Pipeline *pipeline.Pipeline
	Deps     *pipeline.Deps
	Executor *executor.Executor
}

// New builds a Control from its collaborators.
func New(st store.Store, locks *lockstore.Store, q *queue.Queue, pl *pipeline.Pipeline, deps *pipeline.Deps, exec *executor.Executor) *Control {
	return &Control{Store: st, Locks: locks, Queue: q, Pipeline: pl, Deps: deps, Executor: exec}
}

// BeginRequest carries the parameters of a new deployment request.
type BeginRequest struct {
	Application string
	Environment string
	Region      string
	User        string
	Message     string
	ImageID     string
	Hash        string
	Silent      bool
}

func newTaskSequence() []*types.Task {
	tasks := make([]*types.Task, 0, len(types.TaskSequence))
	for _, action := range types.TaskSequence {
		tasks = append(tasks, &types.Task{ID: uuid.NewString(), Action: action, Status: types.TaskPending})
	}
	return tasks
}

func (c *Control) checkLock() error {
	locked, reason, err := c.Locks.IsLocked()
	if err != nil {
		return fmt.Errorf("control: checking global lock: %w", err)
	}
	if locked {
		if reason != "" {
			return fmt.Errorf("%w: %s", ErrLocked, reason)
		}
		return ErrLocked
	}
	return nil
}

// Begin validates the request, persists a skeleton deployment, acquires
// the in-progress slot, and enqueues the preparation+execution job.
func (c *Control) Begin(ctx context.Context, req BeginRequest) (string, error) {
	if err := ValidateApplicationName(req.Application); err != nil {
		return "", err
	}
	if err := c.checkLock(); err != nil {
		return "", err
	}

	dep := &types.Deployment{
		ID:          uuid.NewString(),
		Application: req.Application,
		Environment: req.Environment,
		Region:      req.Region,
		User:        req.User,
		Message:     req.Message,
		Created:     time.Now().UTC(),
		Phase:       types.PhasePreparation,
		Status:      types.StatusRunning,
		Silent:      req.Silent,
		NewState: types.ASGState{
			Hash:         req.Hash,
			ImageDetails: &types.ImageDetails{ID: req.ImageID},
		},
		Tasks: newTaskSequence(),
	}

	if err := c.Store.StoreDeployment(dep); err != nil {
		return "", fmt.Errorf("control: persisting new deployment: %w", err)
	}
	if err := c.Locks.Acquire(dep.Key(), dep.ID); err != nil {
		return "", err
	}

	metrics.DeploymentsTotal.WithLabelValues(string(dep.Phase), string(dep.Status)).Inc()
	c.enqueuePreparationAndRun(dep)
	return dep.ID, nil
}

// Undo emits a new deployment that swaps new-state and previous-state of
// the most recent deployment for key and runs the executor directly
// against the now-reversed orientation, skipping the parameter pipeline
// (spec §4.6: the states are already known).
func (c *Control) Undo(ctx context.Context, key types.Key, user, message string) (string, error) {
	if err := c.checkLock(); err != nil {
		return "", err
	}

	latest, err := c.mostRecentDeployment(key)
	if err != nil {
		return "", err
	}
	if latest == nil || latest.PreviousState == nil {
		return "", ErrNothingToUndo
	}
	// Undo only applies while the triple's latest deployment is still in
	// progress or ended without success (spec §4.6); a cleanly completed
	// latest deployment has nothing to undo.
	if latest.Phase == types.PhaseCompleted && latest.Status == types.StatusCompleted {
		return "", ErrNothingToUndo
	}

	reversedPrevious := latest.NewState
	dep := &types.Deployment{
		ID:            uuid.NewString(),
		Application:   key.Application,
		Environment:   key.Environment,
		Region:        key.Region,
		User:          user,
		Message:       message,
		Created:       time.Now().UTC(),
		Phase:         types.PhaseDeployment,
		Status:        types.StatusRunning,
		NewState:      *latest.PreviousState,
		PreviousState: &reversedPrevious,
		Tasks:         newTaskSequence(),
	}

	if err := c.Store.StoreDeployment(dep); err != nil {
		return "", fmt.Errorf("control: persisting undo deployment: %w", err)
	}
	if err := c.Locks.Acquire(dep.Key(), dep.ID); err != nil {
		return "", err
	}

	metrics.DeploymentsTotal.WithLabelValues(string(dep.Phase), string(dep.Status)).Inc()
	metrics.RolledBackDeploymentsTotal.WithLabelValues("undo").Inc()
	c.enqueueExecutionOnly(dep)
	return dep.ID, nil
}

// Rollback emits a new deployment using the configuration hash and image
// of the penultimate completed deployment for key, running the full
// parameter pipeline against that hash (spec §4.6).
func (c *Control) Rollback(ctx context.Context, key types.Key, user, message string) (string, error) {
	if err := c.checkLock(); err != nil {
		return "", err
	}

	target, err := c.penultimateCompletedDeployment(key)
	if err != nil {
		return "", err
	}
	if target == nil {
		return "", ErrNothingToRollback
	}

	dep := &types.Deployment{
		ID:          uuid.NewString(),
		Application: key.Application,
		Environment: key.Environment,
		Region:      key.Region,
		User:        user,
		Message:     message,
		Created:     time.Now().UTC(),
		Phase:       types.PhasePreparation,
		Status:      types.StatusRunning,
		Rollback:    true,
		NewState: types.ASGState{
			Hash:         target.NewState.Hash,
			ImageDetails: &types.ImageDetails{ID: target.NewState.ImageDetails.ID},
		},
		Tasks: newTaskSequence(),
	}

	if err := c.Store.StoreDeployment(dep); err != nil {
		return "", fmt.Errorf("control: persisting rollback deployment: %w", err)
	}
	if err := c.Locks.Acquire(dep.Key(), dep.ID); err != nil {
		return "", err
	}

	metrics.DeploymentsTotal.WithLabelValues(string(dep.Phase), string(dep.Status)).Inc()
	metrics.RolledBackDeploymentsTotal.WithLabelValues("rollback").Inc()
	c.enqueuePreparationAndRun(dep)
	return dep.ID, nil
}

func (c *Control) mostRecentDeployment(key types.Key) (*types.Deployment, error) {
	deployments, err := c.Store.ListDeployments(store.ListFilter{Application: key.Application, Environment: key.Environment, Region: key.Region})
	if err != nil {
		return nil, fmt.Errorf("control: listing deployments: %w", err)
	}
	if len(deployments) == 0 {
		return nil, nil
	}
	return deployments[0], nil
}

func (c *Control) penultimateCompletedDeployment(key types.Key) (*types.Deployment, error) {
	deployments, err := c.Store.ListDeployments(store.ListFilter{
		Application: key.Application,
		Environment: key.Environment,
		Region:      key.Region,
		Statuses:    []types.Status{types.StatusCompleted},
	})
	if err != nil {
		return nil, fmt.Errorf("control: listing deployments: %w", err)
	}
	if len(deployments) < 2 {
		return nil, nil
	}
	return deployments[1], nil
}

// Pause sets the pause flag for key (register-pause).
func (c *Control) Pause(key types.Key) error {
	return c.Locks.Pause(key)
}

// Unpause clears the pause flag for key without resuming execution
// (unregister-pause). Unlike Resume, this is valid even if the flag was
// never acted on by the executor yet — it just cancels the request.
func (c *Control) Unpause(key types.Key) error {
	return c.Locks.Resume(key)
}

// Resume clears the pause flag for key and re-enqueues its in-progress
// deployment's next pending task, if any (spec §4.6: only valid on a
// paused deployment).
func (c *Control) Resume(key types.Key) error {
	if err := c.checkLock(); err != nil {
		return err
	}
	paused, err := c.Locks.IsPaused(key)
	if err != nil {
		return err
	}
	if !paused {
		return ErrNotPaused
	}
	if err := c.Locks.Resume(key); err != nil {
		return err
	}

	depID, err := c.Locks.InProgressDeploymentID(key)
	if err != nil || depID == "" {
		return err
	}
	dep, err := c.Store.GetDeployment(depID)
	if err != nil {
		return err
	}
	dep.Paused = false
	dep.Status = types.StatusRunning
	if err := c.Store.StoreDeployment(dep); err != nil {
		return err
	}

	c.enqueueExecutionOnly(dep)
	return nil
}

// Lock sets the global lock.
func (c *Control) Lock(reason string) error { return c.Locks.Lock(reason) }

// Unlock clears the global lock.
func (c *Control) Unlock() error { return c.Locks.Unlock() }

// IsLocked reports the global lock state and its reason.
func (c *Control) IsLocked() (bool, string, error) { return c.Locks.IsLocked() }

// ListInProgress returns every triple currently owning a deployment.
func (c *Control) ListInProgress() (map[types.Key]string, error) { return c.Locks.ListInProgress() }

// ListPaused returns every triple with the pause flag set.
func (c *Control) ListPaused() ([]types.Key, error) { return c.Locks.ListPaused() }

// ListAwaitingPause returns in-progress, not-yet-paused deployments that
// requested an automatic pause at their next synchronization checkpoint
// (pause-after-instances-healthy / pause-after-load-balancers-healthy),
// distinct from deployments already suspended by ListPaused.
func (c *Control) ListAwaitingPause() ([]*types.Deployment, error) {
	running, err := c.Store.ListDeployments(store.ListFilter{Statuses: []types.Status{types.StatusRunning}})
	if err != nil {
		return nil, fmt.Errorf("control: listing running deployments: %w", err)
	}

	var awaiting []*types.Deployment
	for _, dep := range running {
		if dep.Paused {
			continue
		}
		params := dep.NewState.Tyranitar.DeploymentParams
		if boolParam(params, "pause-after-instances-healthy") || boolParam(params, "pause-after-load-balancers-healthy") {
			awaiting = append(awaiting, dep)
		}
	}
	return awaiting, nil
}

func boolParam(params map[string]interface{}, key string) bool {
	v, ok := params[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (c *Control) enqueuePreparationAndRun(dep *types.Deployment) {
	c.Queue.Submit(dep.ID, func() {
		c.runPreparationAndExecution(dep)
	})
}

func (c *Control) enqueueExecutionOnly(dep *types.Deployment) {
	c.Queue.Submit(dep.ID, func() {
		c.runExecution(dep)
	})
}

func (c *Control) runPreparationAndExecution(dep *types.Deployment) {
	logger := log.WithDeployment(dep.ID)
	ctx := context.Background()

	if err := c.Pipeline.Run(ctx, c.Deps, dep); err != nil {
		logger.Error().Err(err).Msg("parameter pipeline failed, deployment terminated")
		if relErr := c.Locks.Release(dep.Key()); relErr != nil {
			logger.Error().Err(relErr).Msg("releasing in-progress slot failed")
		}
		metrics.DeploymentsTotal.WithLabelValues(string(dep.Phase), string(dep.Status)).Inc()
		metrics.DeploymentDuration.WithLabelValues(string(dep.Status)).Observe(dep.End.Sub(dep.Created).Seconds())
		return
	}
	c.runExecution(dep)
}

func (c *Control) runExecution(dep *types.Deployment) {
	logger := log.WithDeployment(dep.ID)
	ctx := context.Background()

	err := c.Executor.Run(ctx, dep)
	if dep.Phase == types.PhaseCompleted || dep.Phase == types.PhaseFailed {
		if relErr := c.Locks.Release(dep.Key()); relErr != nil {
			logger.Error().Err(relErr).Msg("releasing in-progress slot failed")
		}
		metrics.DeploymentsTotal.WithLabelValues(string(dep.Phase), string(dep.Status)).Inc()
		metrics.DeploymentDuration.WithLabelValues(string(dep.Status)).Observe(dep.End.Sub(dep.Created).Seconds())
	}
	if err != nil {
		logger.Error().Err(err).Msg("executor run ended in error")
	}
}
