package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/asgardops/maestro/pkg/asgard"
	"github.com/asgardops/maestro/pkg/config"
	"github.com/asgardops/maestro/pkg/control"
	"github.com/asgardops/maestro/pkg/executor"
	"github.com/asgardops/maestro/pkg/lockstore"
	"github.com/asgardops/maestro/pkg/pipeline"
	"github.com/asgardops/maestro/pkg/queue"
	"github.com/asgardops/maestro/pkg/store"
	"github.com/asgardops/maestro/pkg/tracker"
	"github.com/asgardops/maestro/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	asgard.Provider
	image *types.ImageDetails
}

func (f *fakeProvider) DescribeSecurityGroups(ctx context.Context, region string) ([]asgard.SecurityGroup, error) {
	return []asgard.SecurityGroup{{ID: "sg-1", Name: "web"}, {ID: "sg-2", Name: "healthcheck"}, {ID: "sg-3", Name: "nrpe"}}, nil
}
func (f *fakeProvider) DescribeSubnets(ctx context.Context, region string) ([]asgard.Subnet, error) {
	return []asgard.Subnet{{ID: "subnet-a", Purpose: "internal", Zone: "a"}}, nil
}
func (f *fakeProvider) DescribeImage(ctx context.Context, region, imageID string) (*types.ImageDetails, error) {
	d := *f.image
	return &d, nil
}
func (f *fakeProvider) DescribeLoadBalancers(ctx context.Context, region string, names []string) ([]asgard.LoadBalancer, error) {
	return nil, nil
}
func (f *fakeProvider) GetLastASGName(ctx context.Context, region, application, environment string) (string, error) {
	return "", nil
}
func (f *fakeProvider) GetLaunchConfigurationUserData(ctx context.Context, region, asgName string) (string, string, error) {
	return "", "", nil
}
func (f *fakeProvider) ListASGInstances(ctx context.Context, region, asgName string) ([]asgard.Instance, error) {
	return nil, nil
}
func (f *fakeProvider) CreateASG(ctx context.Context, region string, req asgard.CreateASGRequest) (*types.RemoteTask, error) {
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

type fakeConfigSvc struct{}

func (fakeConfigSvc) LatestHash(ctx context.Context, environment, application string) (string, error) {
	return "hash-1", nil
}
func (fakeConfigSvc) VerifyHash(ctx context.Context, environment, application, hash string) error {
	return nil
}
func (fakeConfigSvc) ApplicationProperties(ctx context.Context, environment, application, hash string) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}
func (fakeConfigSvc) DeploymentParams(ctx context.Context, environment, application, hash string) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}
func (fakeConfigSvc) LaunchData(ctx context.Context, environment, application, hash string) (string, error) {
	return "", nil
}

type fakePolicy struct{}

func (fakePolicy) CheckConfiguration(ctx context.Context, environment, application string) (bool, error) {
	return true, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	locks, err := lockstore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { locks.Close() })

	provider := &fakeProvider{image: &types.ImageDetails{Name: "helloworld-0042-paravirtual"}}
	deps := &pipeline.Deps{
		Store:    st,
		Metadata: &fakeMetadata{contact: &types.Contact{Owner: "team-x", Contact: "team-x@example.com"}},
		Config:   fakeConfigSvc{},
		Policy:   fakePolicy{},
		Provider: provider,
	}
	trk := tracker.New(provider, st)
	exec := executor.New(provider, st, trk, locks.IsPaused)
	ctrl := control.New(st, locks, queue.NewQueue(), pipeline.New(), deps, exec)

	cfg := config.Default()
	return NewServer(ctrl, st, cfg, "test")
}

func doRequest(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reader).Encode(body))
	}
	req := httptest.NewRequest(method, path, &reader)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPing(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}

func TestHealthcheck(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/healthcheck", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "maestro", body["name"])
	assert.Equal(t, true, body["success"])
}

func TestLockRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/lock", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/lock", map[string]string{"reason": "maintenance"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/lock", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "maintenance", body["reason"])

	rec = doRequest(t, srv, http.MethodDelete, "/lock", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/lock", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeployWhileLockedReturns409WithLiteralBody(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/lock", map[string]string{})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/applications/helloworld/test/deploy", deployRequest{
		AMI: "ami-1", Hash: "hash-1", Message: "deploy it", User: "alice",
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Maestro is currently closed for business.", body["error"])
}

func TestDeployEndToEnd(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/applications/helloworld/test/deploy", deployRequest{
		AMI: "ami-1", Hash: "hash-1", Message: "deploy it", User: "alice",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id := resp["id"]
	require.NotEmpty(t, id)

	var dep types.Deployment
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec = doRequest(t, srv, http.MethodGet, "/deployments/"+id, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dep))
		if dep.Phase == types.PhaseCompleted || dep.Phase == types.PhaseFailed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, types.PhaseCompleted, dep.Phase)

	rec = doRequest(t, srv, http.MethodGet, "/deployments/"+id+"/tasks", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var tasks []*types.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	assert.Len(t, tasks, len(types.TaskSequence))
}

func TestDeployRejectsInvalidApplicationName(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/applications/Hello-World/test/deploy", deployRequest{AMI: "ami-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDeploymentsPagination(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 3; i++ {
		rec := doRequest(t, srv, http.MethodPost, "/applications/helloworld/test/deploy", deployRequest{AMI: "ami-1", Hash: "hash-1"})
		require.Equal(t, http.StatusOK, rec.Code)
		time.Sleep(10 * time.Millisecond)
	}

	rec := doRequest(t, srv, http.MethodGet, "/deployments?application=helloworld&environment=test&size=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []deploymentSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	assert.Len(t, summaries, 2)

	rec = doRequest(t, srv, http.MethodGet, "/deployments?from=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplicationUpsertAndGet(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPut, "/applications/helloworld", types.ApplicationMetadata{Owner: "team-x"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/applications/helloworld", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var app types.ApplicationMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &app))
	assert.Equal(t, "helloworld", app.Name)
	assert.Equal(t, "team-x", app.Owner)

	rec = doRequest(t, srv, http.MethodGet, "/applications/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnvironments(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/environments", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var envs []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envs))
	assert.Equal(t, []string{"dev", "prod", "test"}, envs)
}

func TestResumeWithoutPauseConflicts(t *testing.T) {
	srv := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/applications/helloworld/test/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
