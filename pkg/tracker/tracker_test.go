package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/asgardops/maestro/pkg/asgard"
	"github.com/asgardops/maestro/pkg/store"
	"github.com/asgardops/maestro/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider embeds the interface so only the methods under test need
// an implementation; any other call panics loudly if accidentally hit.
type fakeProvider struct {
	asgard.Provider
	observations []*asgard.RemoteTaskObservation
	errs         []error
	call         int
}

func (f *fakeProvider) GetRemoteTask(ctx context.Context, url string) (*asgard.RemoteTaskObservation, error) {
	i := f.call
	f.call++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.observations) {
		return f.observations[i], nil
	}
	return f.observations[len(f.observations)-1], nil
}

func newTestDeployment(t *testing.T) (store.Store, *types.Deployment) {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dep := &types.Deployment{
		ID: "dep-1",
		Tasks: []*types.Task{
			{ID: "t1", Action: types.ActionCreateASG, Status: types.TaskRunning,
				Remote: &types.RemoteTask{ID: "r1", URL: "http://asgard/tasks/r1"}},
		},
	}
	require.NoError(t, st.StoreDeployment(dep))
	return st, dep
}

func TestTrackCompletesOnTerminalObservation(t *testing.T) {
	st, dep := newTestDeployment(t)
	task := dep.Tasks[0]

	provider := &fakeProvider{
		observations: []*asgard.RemoteTaskObservation{
			{Status: "running", Log: []asgard.RemoteLogLine{{Raw: "2026-07-30_12:00:00 starting"}}},
			{Status: "completed", Log: []asgard.RemoteLogLine{{Raw: "2026-07-30_12:00:01 done"}}},
		},
	}
	tr := New(provider, st)

	var completed, timedOut bool
	err := tr.Track(context.Background(), "dep-1", task, 5,
		func(*types.Task) { completed = true },
		func(*types.Task) { timedOut = true },
	)

	require.NoError(t, err)
	assert.True(t, completed)
	assert.False(t, timedOut)
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.Len(t, task.Log, 2)
	assert.Equal(t, "starting", task.Log[0].Message)
}

func TestTrackTimesOutAfterBudgetExhausted(t *testing.T) {
	st, dep := newTestDeployment(t)
	task := dep.Tasks[0]

	provider := &fakeProvider{
		observations: []*asgard.RemoteTaskObservation{{Status: "running"}},
	}
	tr := New(provider, st)

	var timedOut bool
	err := tr.Track(context.Background(), "dep-1", task, 2,
		func(*types.Task) {},
		func(*types.Task) { timedOut = true },
	)

	require.NoError(t, err)
	assert.True(t, timedOut)
	assert.Equal(t, types.TaskFailed, task.Status)
}

func TestTrackReschedulesOnTransportFault(t *testing.T) {
	st, dep := newTestDeployment(t)
	task := dep.Tasks[0]

	provider := &fakeProvider{
		errs:         []error{errors.New("dial tcp: connection refused")},
		observations: []*asgard.RemoteTaskObservation{{Status: "completed"}},
	}
	tr := New(provider, st)

	var completed bool
	err := tr.Track(context.Background(), "dep-1", task, 5,
		func(*types.Task) { completed = true },
		func(*types.Task) {},
	)

	require.NoError(t, err)
	assert.True(t, completed)
}

func TestNormalizeLogLine(t *testing.T) {
	line, err := normalizeLogLine("2026-07-30_12:00:00 Creating auto scaling group 'app-env-v001'")
	require.NoError(t, err)
	assert.Equal(t, "Creating auto scaling group 'app-env-v001'", line.Message)
	assert.Equal(t, 2026, line.Date.Year())
}

func TestTrackSetsTaskEndFromRemoteUpdateTime(t *testing.T) {
	st, dep := newTestDeployment(t)
	task := dep.Tasks[0]

	provider := &fakeProvider{
		observations: []*asgard.RemoteTaskObservation{
			{Status: "completed", UpdateTime: "2026-07-30 12:00:05 UTC"},
		},
	}
	tr := New(provider, st)

	err := tr.Track(context.Background(), "dep-1", task, 5,
		func(*types.Task) {}, func(*types.Task) {},
	)

	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.True(t, task.End.Equal(time.Date(2026, 7, 30, 12, 0, 5, 0, time.UTC)),
		"task.End must come from the remote's own updateTime, not time.Now()")
}

func TestNormalizeUpdateTime(t *testing.T) {
	parsed, err := normalizeUpdateTime("2026-07-30 12:00:00 UTC")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC), parsed)
}
