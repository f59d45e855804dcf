// Package executor implements the task executor (C4): it walks a
// deployment's fixed six-task sequence, invoking the provider façade for
// state-changing tasks and the health waiters for synchronization tasks,
// advancing on completion and halting on failure or timeout (spec §4.4).
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asgardops/maestro/pkg/asgard"
	"github.com/asgardops/maestro/pkg/health"
	"github.com/asgardops/maestro/pkg/log"
	"github.com/asgardops/maestro/pkg/maeerr"
	"github.com/asgardops/maestro/pkg/metrics"
	"github.com/asgardops/maestro/pkg/store"
	"github.com/asgardops/maestro/pkg/tracker"
	"github.com/asgardops/maestro/pkg/types"
)

// PauseChecker reports whether key currently has the pause flag set
// (spec §4.6: checked between tasks, never within one).
type PauseChecker func(key types.Key) (bool, error)

// Executor runs a deployment's task sequence to completion.
type Executor struct {
	Provider asgard.Provider
	Store    store.Store
	Tracker  *tracker.Tracker
	IsPaused PauseChecker
}

// New builds an Executor from its collaborators.
func New(provider asgard.Provider, st store.Store, trk *tracker.Tracker, isPaused PauseChecker) *Executor {
	return &Executor{Provider: provider, Store: st, Tracker: trk, IsPaused: isPaused}
}

// Run walks dep.Tasks starting from the first non-terminal task,
// advancing per the transition rule on each completion and stopping on
// the first failure, timeout, or pause. It returns nil when the
// deployment completes or pauses (a pause is not an error — the caller
// re-invokes Run after resume); when a task fails it marks the
// deployment failed and returns that task's error.
func (e *Executor) Run(ctx context.Context, dep *types.Deployment) error {
	logger := log.WithDeployment(dep.ID)

	task := firstNonTerminal(dep)
	for task != nil {
		paused, err := e.IsPaused(dep.Key())
		if err != nil {
			logger.Warn().Err(err).Msg("checking pause flag failed, proceeding unpaused")
		}
		if paused {
			dep.Paused = true
			dep.Status = types.StatusPaused
			_ = e.Store.StoreDeployment(dep)
			logger.Info().Msg("deployment paused between tasks")
			return nil
		}

		if err := e.runTask(ctx, dep, task); err != nil {
			dep.Phase = types.PhaseFailed
			dep.Status = types.StatusFailed
			dep.End = time.Now().UTC()
			if kind, ok := maeerr.KindOf(err); ok {
				dep.Cause = string(kind) + ": " + err.Error()
			} else {
				dep.Cause = err.Error()
			}
			_ = e.Store.StoreDeployment(dep)
			logger.Error().Str("task", string(task.Action)).Err(err).Msg("task failed, deployment terminated")
			return err
		}

		task.End = time.Now().UTC()
		task.Status = types.TaskCompleted
		if err := e.Store.StoreTask(dep.ID, task); err != nil {
			return maeerr.Wrap(maeerr.UpstreamFaultStore, "persisting completed task", err)
		}

		if autoPauseAfter(dep, task.Action) {
			dep.Paused = true
			dep.Status = types.StatusPaused
			if err := e.Store.StoreDeployment(dep); err != nil {
				return maeerr.Wrap(maeerr.UpstreamFaultStore, "persisting auto-pause", err)
			}
			logger.Info().Str("task", string(task.Action)).Msg("auto-pausing after checkpoint per pause-after parameter")
			return nil
		}

		task = dep.NextTask(task.ID)
	}

	dep.Phase = types.PhaseCompleted
	dep.Status = types.StatusCompleted
	dep.End = time.Now().UTC()
	return e.Store.StoreDeployment(dep)
}

func firstNonTerminal(dep *types.Deployment) *types.Task {
	for _, t := range dep.Tasks {
		if !t.IsTerminal() {
			return t
		}
	}
	return nil
}

func (e *Executor) runTask(ctx context.Context, dep *types.Deployment, task *types.Task) error {
	task.Status = types.TaskRunning
	task.Start = time.Now().UTC()
	if err := e.Store.StoreTask(dep.ID, task); err != nil {
		return maeerr.Wrap(maeerr.UpstreamFaultStore, "persisting task start", err)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ExecutorTaskDuration, string(task.Action))

	switch task.Action {
	case types.ActionCreateASG:
		return e.createASG(ctx, dep, task)
	case types.ActionWaitInstanceHealth:
		return e.waitInstanceHealth(ctx, dep, task)
	case types.ActionEnableASG:
		return e.remoteAction(ctx, dep, task, "enabling auto scaling group", e.Provider.EnableASG)
	case types.ActionWaitELBHealth:
		return e.waitELBHealth(ctx, dep, task)
	case types.ActionDisableASG:
		return e.noopIfNoPrevious(ctx, dep, task, "disabling auto scaling group", e.Provider.DisableASG)
	case types.ActionDeleteASG:
		return e.noopIfNoPrevious(ctx, dep, task, "deleting auto scaling group", e.Provider.DeleteASG)
	default:
		return fmt.Errorf("executor: unknown task action %q", task.Action)
	}
}

type remoteCall func(ctx context.Context, region, asgName string) (*types.RemoteTask, error)

// remoteAction issues a state-changing provider call against the new
// ASG and blocks on the tracker until the remote task is terminal.
func (e *Executor) remoteAction(ctx context.Context, dep *types.Deployment, task *types.Task, op string, call remoteCall) error {
	remote, err := call(ctx, dep.Region, dep.NewState.AutoScalingGroupName)
	if err != nil {
		return classifyRemoteError(op, err)
	}
	return e.trackToCompletion(ctx, dep, task, remote)
}

// noopIfNoPrevious is disable-asg/delete-asg: a no-op completing
// immediately when no predecessor ASG exists (spec §4.4 steps 5, 6).
func (e *Executor) noopIfNoPrevious(ctx context.Context, dep *types.Deployment, task *types.Task, op string, call remoteCall) error {
	if dep.PreviousState == nil {
		task.AppendLog(op+": no previous ASG, skipping", time.Now().UTC())
		return nil
	}
	remote, err := call(ctx, dep.Region, dep.PreviousState.AutoScalingGroupName)
	if err != nil {
		return classifyRemoteError(op, err)
	}
	return e.trackToCompletion(ctx, dep, task, remote)
}

func (e *Executor) createASG(ctx context.Context, dep *types.Deployment, task *types.Task) error {
	req := asgard.CreateASGRequest{
		Name:                   dep.NewState.AutoScalingGroupName,
		LaunchConfiguration:    dep.NewState.LaunchConfigurationName,
		SecurityGroupIDs:       dep.NewState.SelectedSecurityGroupIDs,
		SubnetIDs:              dep.NewState.SelectedSubnets,
		AvailabilityZones:      dep.NewState.AvailabilityZones,
		VPCZoneIdentifier:      dep.NewState.VPCZoneIdentifier,
		VPCID:                  dep.NewState.VPCID,
		TerminationPolicies:    dep.NewState.TerminationPolicies,
		LoadBalancerNames:      dep.NewState.SelectedLoadBalancers,
		Tags:                   dep.NewState.AutoScalingGroupTags,
		BlockDeviceMappings:    dep.NewState.BlockDeviceMappings,
		UserData:               dep.NewState.UserData,
		ImageID:                dep.NewState.ImageDetails.ID,
		HealthCheckType:        dep.NewState.HealthCheckType,
		InstanceType:           paramStringOrDefault(dep, "instance-type", "t1.micro"),
		MinSize:                paramIntOrDefault(dep, "min", 1),
		MaxSize:                paramIntOrDefault(dep, "max", 1),
		DesiredCapacity:        paramIntOrDefault(dep, "desired-capacity", 1),
		DefaultCooldown:        paramIntOrDefault(dep, "default-cooldown", 10),
		HealthCheckGracePeriod: paramIntOrDefault(dep, "health-check-grace-period", 600),
	}

	remote, err := e.Provider.CreateASG(ctx, dep.Region, req)
	if err != nil {
		return classifyRemoteError("creating auto scaling group", err)
	}

	if dep.PreviousState != nil {
		task.AppendLog(fmt.Sprintf("previous ASG was %s (image %s, hash %s)",
			dep.PreviousState.AutoScalingGroupName, imageIDOf(dep.PreviousState), dep.PreviousState.Hash), time.Now().UTC())
	}

	return e.trackToCompletion(ctx, dep, task, remote)
}

func imageIDOf(s *types.ASGState) string {
	if s.ImageDetails == nil {
		return ""
	}
	return s.ImageDetails.ID
}

func paramIntOrDefault(dep *types.Deployment, key string, def int) int {
	return intOrDefaultFrom(dep.NewState.Tyranitar.DeploymentParams, key, def)
}

// appPropertyIntOrDefault reads key from the application-properties map
// (as opposed to deployment-params): the application-properties
// document is where service.port/service.healthcheck.path live (spec
// §4.3 step 6's get-application-properties), distinct from the
// deployment-params document populate-defaults overlays.
func appPropertyIntOrDefault(dep *types.Deployment, key string, def int) int {
	return intOrDefaultFrom(dep.NewState.Tyranitar.ApplicationProperties, key, def)
}

func intOrDefaultFrom(params map[string]interface{}, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return def
}

// autoPauseAfter reports whether the deployment requested an automatic
// pause immediately after the synchronization checkpoint just completed
// (spec §4.3's pause-after-instances-healthy / pause-after-load-balancers-healthy
// deployment params, checked at the same between-tasks gate as a manual
// pause).
func autoPauseAfter(dep *types.Deployment, completed types.TaskAction) bool {
	switch completed {
	case types.ActionWaitInstanceHealth:
		return paramBoolOrDefault(dep, "pause-after-instances-healthy", false)
	case types.ActionWaitELBHealth:
		return paramBoolOrDefault(dep, "pause-after-load-balancers-healthy", false)
	default:
		return false
	}
}

func paramBoolOrDefault(dep *types.Deployment, key string, def bool) bool {
	v, ok := dep.NewState.Tyranitar.DeploymentParams[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func paramStringOrDefault(dep *types.Deployment, key, def string) string {
	return stringOrDefaultFrom(dep.NewState.Tyranitar.DeploymentParams, key, def)
}

// appPropertyStringOrDefault is appPropertyIntOrDefault's string counterpart.
func appPropertyStringOrDefault(dep *types.Deployment, key, def string) string {
	return stringOrDefaultFrom(dep.NewState.Tyranitar.ApplicationProperties, key, def)
}

func stringOrDefaultFrom(params map[string]interface{}, key, def string) string {
	v, ok := params[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// trackToCompletion hands remote to the tracker and blocks until it
// reaches a terminal status or the tracker's own budget is exhausted.
func (e *Executor) trackToCompletion(ctx context.Context, dep *types.Deployment, task *types.Task, remote *types.RemoteTask) error {
	task.Remote = remote
	if err := e.Store.StoreTask(dep.ID, task); err != nil {
		return maeerr.Wrap(maeerr.UpstreamFaultStore, "persisting remote task handle", err)
	}

	var trackErr error
	completed := false
	err := e.Tracker.Track(ctx, dep.ID, task, tracker.InitialBudget,
		func(*types.Task) { completed = true },
		func(*types.Task) { trackErr = fmt.Errorf("executor: task %s timed out", task.Action) },
	)
	if err != nil {
		return err
	}
	if !completed {
		return trackErr
	}
	return nil
}

func (e *Executor) waitInstanceHealth(ctx context.Context, dep *types.Deployment, task *types.Task) error {
	instances, err := e.Provider.ListASGInstances(ctx, dep.Region, dep.NewState.AutoScalingGroupName)
	if err != nil {
		return maeerr.Wrap(maeerr.UpstreamFaultHTTP, "listing ASG instances", err)
	}
	port := appPropertyIntOrDefault(dep, "service.port", 8080)
	path := appPropertyStringOrDefault(dep, "service.healthcheck.path", "/healthcheck")
	budget := paramIntOrDefault(dep, "instance-healthy-attempts", 50)

	if err := health.WaitInstanceHealth(ctx, instances, port, path, budget); err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	return nil
}

func (e *Executor) waitELBHealth(ctx context.Context, dep *types.Deployment, task *types.Task) error {
	if len(dep.NewState.SelectedLoadBalancers) == 0 || dep.NewState.HealthCheckType != "ELB" {
		task.AppendLog("no load balancers selected or health-check-type is not ELB, skipping", time.Now().UTC())
		return nil
	}

	instances, err := e.Provider.ListASGInstances(ctx, dep.Region, dep.NewState.AutoScalingGroupName)
	if err != nil {
		return maeerr.Wrap(maeerr.UpstreamFaultHTTP, "listing ASG instances", err)
	}
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	budget := paramIntOrDefault(dep, "load-balancer-healthy-attempts", 50)

	if err := health.WaitELBHealth(ctx, e.Provider, dep.Region, dep.NewState.AutoScalingGroupName, dep.NewState.SelectedLoadBalancers, ids, budget); err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	return nil
}

// classifyRemoteError applies the remote-call error policy (spec §4.4):
// a missing target ASG or any non-redirect status is fatal and not
// retried.
func classifyRemoteError(op string, err error) error {
	if errors.Is(err, asgard.ErrASGNotFound) {
		return maeerr.Wrap(maeerr.ASGNotFound, "Auto Scaling Group does not exist.", err)
	}
	var statusErr *asgard.UnexpectedStatusError
	if errors.As(err, &statusErr) {
		return maeerr.Wrap(maeerr.UnexpectedRemoteStatus, statusErr.Error(), err)
	}
	return maeerr.Wrap(maeerr.UpstreamFaultHTTP, op, err)
}
