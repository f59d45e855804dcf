package store

import (
	"testing"
	"time"

	"github.com/asgardops/maestro/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDeployment(id string) *types.Deployment {
	return &types.Deployment{
		ID:          id,
		Application: "helloworld",
		Environment: "prod",
		Region:      "us-east-1",
		Created:     time.Now(),
		Phase:       types.PhasePreparation,
		Status:      types.StatusRunning,
		Tasks: []*types.Task{
			{ID: "t1", Action: types.ActionCreateASG, Status: types.TaskPending},
			{ID: "t2", Action: types.ActionWaitInstanceHealth, Status: types.TaskPending},
		},
	}
}

func TestStoreAndGetDeployment(t *testing.T) {
	s := newTestStore(t)
	dep := sampleDeployment("dep-1")

	require.NoError(t, s.StoreDeployment(dep))

	got, err := s.GetDeployment("dep-1")
	require.NoError(t, err)
	assert.Equal(t, dep.Application, got.Application)
	assert.Len(t, got.Tasks, 2)
}

func TestGetDeploymentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDeployment("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListDeploymentsFilter(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.StoreDeployment(sampleDeployment("dep-1")))

	other := sampleDeployment("dep-2")
	other.Application = "otherapp"
	require.NoError(t, s.StoreDeployment(other))

	found, err := s.ListDeployments(ListFilter{Application: "helloworld"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "dep-1", found[0].ID)
}

func TestStoreTaskRejectsLogShrink(t *testing.T) {
	s := newTestStore(t)
	dep := sampleDeployment("dep-1")
	require.NoError(t, s.StoreDeployment(dep))

	t1 := dep.TaskByID("t1")
	t1.AppendLog("starting", time.Now())
	t1.AppendLog("still going", time.Now())
	require.NoError(t, s.StoreTask("dep-1", t1))

	shrunk := *t1
	shrunk.Log = t1.Log[:1]
	err := s.StoreTask("dep-1", &shrunk)
	assert.Error(t, err)
}

func TestStoreTaskRejectsRegressionFromTerminal(t *testing.T) {
	s := newTestStore(t)
	dep := sampleDeployment("dep-1")
	require.NoError(t, s.StoreDeployment(dep))

	t1 := dep.TaskByID("t1")
	t1.Status = types.TaskCompleted
	t1.End = time.Now()
	require.NoError(t, s.StoreTask("dep-1", t1))

	regressed := *t1
	regressed.Status = types.TaskRunning
	err := s.StoreTask("dep-1", &regressed)
	assert.Error(t, err)
}

func TestAppendLogIsAdditive(t *testing.T) {
	s := newTestStore(t)
	dep := sampleDeployment("dep-1")
	require.NoError(t, s.StoreDeployment(dep))

	require.NoError(t, s.AppendLog("dep-1", types.LogLine{Message: "one"}))
	require.NoError(t, s.AppendLog("dep-1", types.LogLine{Message: "two"}))

	got, err := s.GetDeployment("dep-1")
	require.NoError(t, err)
	require.Len(t, got.Log, 2)
	assert.Equal(t, "one", got.Log[0].Message)
	assert.Equal(t, "two", got.Log[1].Message)
}

func TestAddToDeploymentParametersMerges(t *testing.T) {
	s := newTestStore(t)
	dep := sampleDeployment("dep-1")
	dep.NewState.Tyranitar.DeploymentParams = map[string]interface{}{"min": 1}
	require.NoError(t, s.StoreDeployment(dep))

	require.NoError(t, s.AddToDeploymentParameters("dep-1", map[string]interface{}{"max": 5}))

	got, err := s.GetDeployment("dep-1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), got.NewState.Tyranitar.DeploymentParams["min"])
	assert.Equal(t, float64(5), got.NewState.Tyranitar.DeploymentParams["max"])
}

func TestUpsertAndGetApplication(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertApplication(&types.ApplicationMetadata{Name: "helloworld", Owner: "team-x"}))

	got, err := s.GetApplication("helloworld")
	require.NoError(t, err)
	assert.Equal(t, "team-x", got.Owner)

	require.NoError(t, s.UpsertApplication(&types.ApplicationMetadata{Name: "helloworld", Owner: "team-y"}))
	got, err = s.GetApplication("helloworld")
	require.NoError(t, err)
	assert.Equal(t, "team-y", got.Owner, "upsert replaces the prior record")
}

func TestGetApplicationNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetApplication("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListApplicationsSortedByName(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertApplication(&types.ApplicationMetadata{Name: "zebra"}))
	require.NoError(t, s.UpsertApplication(&types.ApplicationMetadata{Name: "alpha"}))

	apps, err := s.ListApplications()
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "alpha", apps[0].Name)
	assert.Equal(t, "zebra", apps[1].Name)
}
