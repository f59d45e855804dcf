package control

import (
	"context"
	"testing"
	"time"

	"github.com/asgardops/maestro/pkg/asgard"
	"github.com/asgardops/maestro/pkg/executor"
	"github.com/asgardops/maestro/pkg/lockstore"
	"github.com/asgardops/maestro/pkg/pipeline"
	"github.com/asgardops/maestro/pkg/queue"
	"github.com/asgardops/maestro/pkg/store"
	"github.com/asgardops/maestro/pkg/tracker"
	"github.com/asgardops/maestro/pkg/types"
	"github.com/asgardops/maestro/pkg/userdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	asgard.Provider
	securityGroups []asgard.SecurityGroup
	subnets        []asgard.Subnet
	image          *types.ImageDetails

	lastASGName string
}

func (f *fakeProvider) DescribeSecurityGroups(ctx context.Context, region string) ([]asgard.SecurityGroup, error) {
	return f.securityGroups, nil
}
func (f *fakeProvider) DescribeSubnets(ctx context.Context, region string) ([]asgard.Subnet, error) {
	return f.subnets, nil
}
func (f *fakeProvider) DescribeImage(ctx context.Context, region, imageID string) (*types.ImageDetails, error) {
	d := *f.image
	return &d, nil
}
func (f *fakeProvider) DescribeLoadBalancers(ctx context.Context, region string, names []string) ([]asgard.LoadBalancer, error) {
	return nil, nil
}
func (f *fakeProvider) GetLastASGName(ctx context.Context, region, application, environment string) (string, error) {
	return f.lastASGName, nil
}
func (f *fakeProvider) GetLaunchConfigurationUserData(ctx context.Context, region, asgName string) (string, string, error) {
	encoded := userdata.Base64(userdata.Params{Hash: "hash-1"})
	return encoded, "ami-prev", nil
}
func (f *fakeProvider) ListASGInstances(ctx context.Context, region, asgName string) ([]asgard.Instance, error) {
	return nil, nil
}
func (f *fakeProvider) CreateASG(ctx context.Context, region string, req asgard.CreateASGRequest) (*types.RemoteTask, error) {
	f.lastASGName = req.Name
	return &types.RemoteTask{ID: "rt-1", URL: "http://asgard.example/tasks/rt-1"}, nil
}
func (f *fakeProvider) EnableASG(ctx context.Context, region, asgName string) (*types.RemoteTask, error) {
	return &types.RemoteTask{ID: "rt-2", URL: "http://asgard.example/tasks/rt-2"}, nil
}
func (f *fakeProvider) DisableASG(ctx context.Context, region, asgName string) (*types.RemoteTask, error) {
	return &types.RemoteTask{ID: "rt-3", URL: "http://asgard.example/tasks/rt-3"}, nil
}
func (f *fakeProvider) DeleteASG(ctx context.Context, region, asgName string) (*types.RemoteTask, error) {
	return &types.RemoteTask{ID: "rt-4", URL: "http://asgard.example/tasks/rt-4"}, nil
}
func (f *fakeProvider) GetRemoteTask(ctx context.Context, url string) (*asgard.RemoteTaskObservation, error) {
	return &asgard.RemoteTaskObservation{Status: "completed", UpdateTime: "2026-01-01 00:00:00 UTC"}, nil
}

type fakeMetadata struct{ contact *types.Contact }

func (f *fakeMetadata) GetContact(ctx context.Context, application string) (*types.Contact, error) {
	return f.contact, nil
}

type fakeConfig struct{}

func (fakeConfig) LatestHash(ctx context.Context, environment, application string) (string, error) {
	return "hash-1", nil
}
func (fakeConfig) VerifyHash(ctx context.Context, environment, application, hash string) error {
	return nil
}
func (fakeConfig) ApplicationProperties(ctx context.Context, environment, application, hash string) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}
func (fakeConfig) DeploymentParams(ctx context.Context, environment, application, hash string) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}
func (fakeConfig) LaunchData(ctx context.Context, environment, application, hash string) (string, error) {
	return "", nil
}

type fakePolicy struct{}

func (fakePolicy) CheckConfiguration(ctx context.Context, environment, application string) (bool, error) {
	return true, nil
}

func newTestControl(t *testing.T) *Control {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	locks, err := lockstore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { locks.Close() })

	provider := &fakeProvider{
		securityGroups: []asgard.SecurityGroup{{ID: "sg-1", Name: "web"}, {ID: "sg-2", Name: "healthcheck"}, {ID: "sg-3", Name: "nrpe"}},
		subnets:        []asgard.Subnet{{ID: "subnet-a", Purpose: "internal", Zone: "a"}},
		image:          &types.ImageDetails{Name: "helloworld-0042-paravirtual"},
	}

	deps := &pipeline.Deps{
		Store:    st,
		Metadata: &fakeMetadata{contact: &types.Contact{Owner: "team-x", Contact: "team-x@example.com"}},
		Config:   fakeConfig{},
		Policy:   fakePolicy{},
		Provider: provider,
	}

	trk := tracker.New(provider, st)
	exec := executor.New(provider, st, trk, locks.IsPaused)

	return New(st, locks, queue.NewQueue(), pipeline.New(), deps, exec)
}

func waitForTerminal(t *testing.T, ctrl *Control, id string) *types.Deployment {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dep, err := ctrl.Store.GetDeployment(id)
		require.NoError(t, err)
		if dep.Phase == types.PhaseCompleted || dep.Phase == types.PhaseFailed {
			return dep
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("deployment %s did not reach a terminal phase in time", id)
	return nil
}

func TestBeginRunsToCompletion(t *testing.T) {
	ctrl := newTestControl(t)
	id, err := ctrl.Begin(context.Background(), BeginRequest{
		Application: "helloworld",
		Environment: "test",
		Region:      "us-east-1",
		User:        "alice",
		Message:     "deploy",
		ImageID:     "ami-1",
		Hash:        "hash-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	dep := waitForTerminal(t, ctrl, id)
	assert.Equal(t, types.PhaseCompleted, dep.Phase)

	depID, err := ctrl.Locks.InProgressDeploymentID(types.Key{Application: "helloworld", Environment: "test", Region: "us-east-1"})
	require.NoError(t, err)
	assert.Empty(t, depID, "in-progress slot should be released on terminal phase")
}

func TestBeginRejectsInvalidApplicationName(t *testing.T) {
	ctrl := newTestControl(t)
	_, err := ctrl.Begin(context.Background(), BeginRequest{Application: "Hello-World", Environment: "test", Region: "us-east-1"})
	require.Error(t, err)
}

func TestBeginRejectsSecondConcurrentDeployment(t *testing.T) {
	ctrl := newTestControl(t)
	key := types.Key{Application: "helloworld", Environment: "test", Region: "us-east-1"}
	require.NoError(t, ctrl.Locks.Acquire(key, "already-running"))

	_, err := ctrl.Begin(context.Background(), BeginRequest{Application: "helloworld", Environment: "test", Region: "us-east-1", ImageID: "ami-1"})
	require.ErrorIs(t, err, ErrAlreadyInProgress)
}

func TestBeginRefusesWhenLocked(t *testing.T) {
	ctrl := newTestControl(t)
	require.NoError(t, ctrl.Lock("maintenance window"))

	_, err := ctrl.Begin(context.Background(), BeginRequest{Application: "helloworld", Environment: "test", Region: "us-east-1", ImageID: "ami-1"})
	require.ErrorIs(t, err, ErrLocked)
}

func TestUndoWithNoPriorDeploymentFails(t *testing.T) {
	ctrl := newTestControl(t)
	key := types.Key{Application: "helloworld", Environment: "test", Region: "us-east-1"}
	_, err := ctrl.Undo(context.Background(), key, "alice", "undo")
	require.ErrorIs(t, err, ErrNothingToUndo)
}

func TestUndoAfterCleanSuccessFails(t *testing.T) {
	ctrl := newTestControl(t)
	key := types.Key{Application: "helloworld", Environment: "test", Region: "us-east-1"}

	id1, err := ctrl.Begin(context.Background(), BeginRequest{
		Application: key.Application, Environment: key.Environment, Region: key.Region,
		User: "alice", Message: "first", ImageID: "ami-1", Hash: "hash-1",
	})
	require.NoError(t, err)
	dep1 := waitForTerminal(t, ctrl, id1)
	require.Equal(t, types.StatusCompleted, dep1.Status)

	id2, err := ctrl.Begin(context.Background(), BeginRequest{
		Application: key.Application, Environment: key.Environment, Region: key.Region,
		User: "alice", Message: "second", ImageID: "ami-2", Hash: "hash-1",
	})
	require.NoError(t, err)
	dep2 := waitForTerminal(t, ctrl, id2)
	require.Equal(t, types.PhaseCompleted, dep2.Phase)
	require.Equal(t, types.StatusCompleted, dep2.Status)
	require.NotNil(t, dep2.PreviousState, "second deployment should have a predecessor to undo to")

	_, err = ctrl.Undo(context.Background(), key, "alice", "undo")
	require.ErrorIs(t, err, ErrNothingToUndo, "undo must refuse a cleanly completed latest deployment")
}

func TestPauseThenResumeRequiresPausedState(t *testing.T) {
	ctrl := newTestControl(t)
	key := types.Key{Application: "helloworld", Environment: "test", Region: "us-east-1"}

	err := ctrl.Resume(key)
	require.ErrorIs(t, err, ErrNotPaused)

	require.NoError(t, ctrl.Pause(key))
	paused, err := ctrl.Locks.IsPaused(key)
	require.NoError(t, err)
	assert.True(t, paused)
}
