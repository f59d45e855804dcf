package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/asgardops/maestro/pkg/asgard"
	"github.com/asgardops/maestro/pkg/maeerr"
	"github.com/asgardops/maestro/pkg/store"
	"github.com/asgardops/maestro/pkg/tracker"
	"github.com/asgardops/maestro/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	asgard.Provider

	asgMissing  bool
	badStatus   bool
	instances   []asgard.Instance
	healthState map[string]bool // instanceID -> healthy, for ELB checks
	calls       []string
}

func (f *fakeProvider) record(op string) { f.calls = append(f.calls, op) }

func (f *fakeProvider) CreateASG(ctx context.Context, region string, req asgard.CreateASGRequest) (*types.RemoteTask, error) {
	f.record("create-asg")
	if f.badStatus {
		return nil, &asgard.UnexpectedStatusError{Operation: "creating auto scaling group", Code: 500}
	}
	return &types.RemoteTask{ID: "rt-1", URL: "http://asgard.example/tasks/rt-1"}, nil
}

func (f *fakeProvider) EnableASG(ctx context.Context, region, asgName string) (*types.RemoteTask, error) {
	f.record("enable-asg")
	if f.asgMissing {
		return nil, asgard.ErrASGNotFound
	}
	return &types.RemoteTask{ID: "rt-2", URL: "http://asgard.example/tasks/rt-2"}, nil
}

func (f *fakeProvider) DisableASG(ctx context.Context, region, asgName string) (*types.RemoteTask, error) {
	f.record("disable-asg")
	return &types.RemoteTask{ID: "rt-3", URL: "http://asgard.example/tasks/rt-3"}, nil
}

func (f *fakeProvider) DeleteASG(ctx context.Context, region, asgName string) (*types.RemoteTask, error) {
	f.record("delete-asg")
	return &types.RemoteTask{ID: "rt-4", URL: "http://asgard.example/tasks/rt-4"}, nil
}

func (f *fakeProvider) ListASGInstances(ctx context.Context, region, asgName string) ([]asgard.Instance, error) {
	return f.instances, nil
}

func (f *fakeProvider) DescribeInstanceHealth(ctx context.Context, region, lbName string) ([]asgard.InstanceHealth, error) {
	out := make([]asgard.InstanceHealth, 0, len(f.healthState))
	for id, healthy := range f.healthState {
		out = append(out, asgard.InstanceHealth{InstanceID: id, Healthy: healthy})
	}
	return out, nil
}

func (f *fakeProvider) GetRemoteTask(ctx context.Context, url string) (*asgard.RemoteTaskObservation, error) {
	return &asgard.RemoteTaskObservation{Status: "completed", UpdateTime: "2026-01-01 00:00:00 UTC"}, nil
}

func newTestDeployment(t *testing.T) (*types.Deployment, store.Store) {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dep := &types.Deployment{
		ID:          "dep-1",
		Application: "helloworld",
		Environment: "test",
		Region:      "us-east-1",
		Phase:       types.PhaseDeployment,
		NewState: types.ASGState{
			AutoScalingGroupName: "helloworld-test-v001",
			HealthCheckType:      "EC2",
		},
		Tasks: make([]*types.Task, 0, len(types.TaskSequence)),
	}
	for i, action := range types.TaskSequence {
		dep.Tasks = append(dep.Tasks, &types.Task{ID: string(rune('a' + i)), Action: action, Status: types.TaskPending})
	}
	require.NoError(t, st.StoreDeployment(dep))
	return dep, st
}

func notPaused(types.Key) (bool, error) { return false, nil }

func TestExecutorRunsAllSixTasksToCompletion(t *testing.T) {
	dep, st := newTestDeployment(t)
	// no instances makes wait-for-instance-health a no-op, and no load
	// balancers with an EC2 health-check type makes wait-for-elb-health
	// skip, keeping this test independent of the real HTTP poll in
	// pkg/health.
	provider := &fakeProvider{}
	trk := tracker.New(provider, st)
	exec := New(provider, st, trk, notPaused)

	err := exec.Run(context.Background(), dep)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, dep.Phase)
	assert.Equal(t, types.StatusCompleted, dep.Status)
	assert.True(t, dep.AllTasksCompleted())
	assert.Contains(t, provider.calls, "create-asg")
	assert.Contains(t, provider.calls, "enable-asg")
}

func TestExecutorSkipsDisableDeleteWithNoPreviousState(t *testing.T) {
	dep, st := newTestDeployment(t)
	provider := &fakeProvider{}
	trk := tracker.New(provider, st)
	exec := New(provider, st, trk, notPaused)

	err := exec.Run(context.Background(), dep)
	require.NoError(t, err)
	assert.NotContains(t, provider.calls, "disable-asg")
	assert.NotContains(t, provider.calls, "delete-asg")
}

func TestExecutorRunsDisableDeleteWithPreviousState(t *testing.T) {
	dep, st := newTestDeployment(t)
	dep.PreviousState = &types.ASGState{AutoScalingGroupName: "helloworld-test-v000"}
	require.NoError(t, st.StoreDeployment(dep))

	provider := &fakeProvider{}
	trk := tracker.New(provider, st)
	exec := New(provider, st, trk, notPaused)

	err := exec.Run(context.Background(), dep)
	require.NoError(t, err)
	assert.Contains(t, provider.calls, "disable-asg")
	assert.Contains(t, provider.calls, "delete-asg")
}

func TestExecutorFailsFatallyOnASGNotFound(t *testing.T) {
	dep, st := newTestDeployment(t)
	provider := &fakeProvider{asgMissing: true}
	trk := tracker.New(provider, st)
	exec := New(provider, st, trk, notPaused)

	err := exec.Run(context.Background(), dep)
	require.Error(t, err)
	kind, ok := maeerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, maeerr.ASGNotFound, kind)
	assert.Equal(t, types.PhaseFailed, dep.Phase)
	assert.Equal(t, types.StatusFailed, dep.Status)
}

func TestExecutorFailsFatallyOnUnexpectedStatus(t *testing.T) {
	dep, st := newTestDeployment(t)
	provider := &fakeProvider{badStatus: true}
	trk := tracker.New(provider, st)
	exec := New(provider, st, trk, notPaused)

	err := exec.Run(context.Background(), dep)
	require.Error(t, err)
	kind, ok := maeerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, maeerr.UnexpectedRemoteStatus, kind)
}

func TestExecutorStopsBetweenTasksWhenPaused(t *testing.T) {
	dep, st := newTestDeployment(t)
	provider := &fakeProvider{}
	trk := tracker.New(provider, st)

	paused := true
	isPaused := func(types.Key) (bool, error) { return paused, nil }
	exec := New(provider, st, trk, isPaused)

	err := exec.Run(context.Background(), dep)
	require.NoError(t, err)
	assert.True(t, dep.Paused)
	assert.Equal(t, types.StatusPaused, dep.Status)
	assert.Empty(t, provider.calls, "no provider call should happen once paused before the first task")
}

func TestExecutorAutoPausesAfterInstanceHealthWhenRequested(t *testing.T) {
	dep, st := newTestDeployment(t)
	dep.NewState.Tyranitar.DeploymentParams = map[string]interface{}{"pause-after-instances-healthy": true}
	require.NoError(t, st.StoreDeployment(dep))

	provider := &fakeProvider{}
	trk := tracker.New(provider, st)
	exec := New(provider, st, trk, notPaused)

	err := exec.Run(context.Background(), dep)
	require.NoError(t, err)
	assert.True(t, dep.Paused)
	assert.Equal(t, types.StatusPaused, dep.Status)

	instanceHealthTask := dep.TaskByID("b")
	require.NotNil(t, instanceHealthTask)
	assert.Equal(t, types.TaskCompleted, instanceHealthTask.Status)

	enableTask := dep.TaskByID("c")
	require.NotNil(t, enableTask)
	assert.Equal(t, types.TaskPending, enableTask.Status, "enable-asg must not run once auto-paused")
}

func TestExecutorELBWaitIsNoopWithoutLoadBalancers(t *testing.T) {
	// wait-for-elb-health must no-op when no load balancers are selected,
	// even though the task still runs in sequence (spec §4.4 step 4).
	dep, st := newTestDeployment(t)
	dep.NewState.HealthCheckType = "EC2"
	require.NoError(t, st.StoreDeployment(dep))

	provider := &fakeProvider{}
	trk := tracker.New(provider, st)
	exec := New(provider, st, trk, notPaused)

	err := exec.Run(context.Background(), dep)
	require.NoError(t, err)

	elbTask := dep.TaskByID("d") // wait-for-elb-health is the 4th task, id "d"
	require.NotNil(t, elbTask)
	assert.Equal(t, types.TaskCompleted, elbTask.Status)
}

// TestWaitInstanceHealthUsesApplicationPropertiesNotDeploymentParams pins
// that the instance health wait reads service.port/service.healthcheck.path
// from the application-properties document (spec §4.3 step 6), not from
// deployment-params (spec §4.3 step 7's populate-defaults document): the
// two maps here carry conflicting values, and only the
// application-properties one points at a listening server.
func TestWaitInstanceHealthUsesApplicationPropertiesNotDeploymentParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/app-health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	dep, st := newTestDeployment(t)
	dep.NewState.Tyranitar.ApplicationProperties = map[string]interface{}{
		"service.port":             port,
		"service.healthcheck.path": "/app-health",
	}
	dep.NewState.Tyranitar.DeploymentParams = map[string]interface{}{
		// A deliberately unreachable port/path and a one-attempt budget:
		// if the executor ever reads these instead, the wait fails fast
		// rather than hanging on the real 5s poll interval.
		"service.port":               1,
		"service.healthcheck.path":   "/wrong-path",
		"instance-healthy-attempts":  1,
	}
	require.NoError(t, st.StoreDeployment(dep))

	provider := &fakeProvider{instances: []asgard.Instance{{ID: "i-1", IPAddress: "127.0.0.1"}}}
	trk := tracker.New(provider, st)
	exec := New(provider, st, trk, notPaused)

	err = exec.Run(context.Background(), dep)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, dep.Phase)

	instanceHealthTask := dep.TaskByID("b")
	require.NotNil(t, instanceHealthTask)
	assert.Equal(t, types.TaskCompleted, instanceHealthTask.Status)
}
