package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Peleke/MindMirror-sub002/artifactstore"
	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// fakeDriver records driver calls and reports canned results.
type fakeDriver struct {
	deployErr  error
	deployed   chan string
	rolledBack chan string

	approved *platform.Release
	approveErr error

	artifact  *platform.Supergraph
	updateErr error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		deployed:   make(chan string, 4),
		rolledBack: make(chan string, 4),
	}
}

func (d *fakeDriver) Deploy(_ context.Context, releaseID string) (*platform.Release, error) {
	d.deployed <- releaseID
	if d.deployErr != nil {
		return nil, d.deployErr
	}
	return &platform.Release{ID: releaseID, State: platform.ReleaseDeployed}, nil
}

func (d *fakeDriver) Approve(_ context.Context, releaseID, approver, reason string) (*platform.Release, error) {
	if d.approveErr != nil {
		return nil, d.approveErr
	}
	if d.approved != nil {
		return d.approved, nil
	}
	return &platform.Release{
		ID:    releaseID,
		State: platform.ReleasePromoting,
		Approval: &platform.Approval{
			Approver: approver,
			Decision: platform.ApprovalApproved,
			Reason:   reason,
		},
	}, nil
}

func (d *fakeDriver) Reject(_ context.Context, releaseID, approver, reason string) (*platform.Release, error) {
	if d.approveErr != nil {
		return nil, d.approveErr
	}
	return &platform.Release{
		ID:    releaseID,
		State: platform.ReleaseFailed,
		Approval: &platform.Approval{
			Approver: approver,
			Decision: platform.ApprovalDenied,
			Reason:   reason,
		},
	}, nil
}

func (d *fakeDriver) Rollback(_ context.Context, releaseID string) (*platform.Release, error) {
	d.rolledBack <- releaseID
	return &platform.Release{ID: releaseID, State: platform.ReleaseRolledBack}, nil
}

func (d *fakeDriver) UpdateGateway(_ context.Context, env platform.Environment) (*platform.Supergraph, error) {
	if d.updateErr != nil {
		return nil, d.updateErr
	}
	if d.artifact != nil {
		return d.artifact, nil
	}
	return &platform.Supergraph{Environment: env, Hash: "recomposed", Routing: map[string]string{"journal": "journal"}}, nil
}

// fakeReleaseStore is an in-memory releaseReader.
type fakeReleaseStore struct {
	releases    map[string]*platform.Release
	history     map[string]*platform.Release
	deployments map[string][]*platform.Deployment
	createErr   error
}

func newFakeReleaseStore() *fakeReleaseStore {
	return &fakeReleaseStore{
		releases:    make(map[string]*platform.Release),
		history:     make(map[string]*platform.Release),
		deployments: make(map[string][]*platform.Deployment),
	}
}

func (f *fakeReleaseStore) CreateRelease(_ context.Context, release *platform.Release) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.releases[release.ID] = release
	return nil
}

func (f *fakeReleaseStore) GetRelease(_ context.Context, id string) (*platform.Release, error) {
	release, ok := f.releases[id]
	if !ok {
		return nil, errors.Wrap(errors.ErrKeyNotFound, "fakeReleaseStore", "GetRelease", id)
	}
	return release, nil
}

func (f *fakeReleaseStore) ReleaseAt(_ context.Context, id string, _ time.Time) (*platform.Release, error) {
	release, ok := f.history[id]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrReleaseNotFound, "fakeReleaseStore", "ReleaseAt", id)
	}
	return release, nil
}

func (f *fakeReleaseStore) ListReleases(_ context.Context) ([]*platform.Release, error) {
	out := make([]*platform.Release, 0, len(f.releases))
	for _, r := range f.releases {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeReleaseStore) ListReleasesByState(_ context.Context, states ...platform.ReleaseState) ([]*platform.Release, error) {
	var out []*platform.Release
	for _, r := range f.releases {
		for _, s := range states {
			if r.State == s {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeReleaseStore) ListDeployments(_ context.Context, releaseID string) ([]*platform.Deployment, error) {
	return f.deployments[releaseID], nil
}

// fakeArtifactStore is a canned artifactReader.
type fakeArtifactStore struct {
	artifact *platform.Supergraph
	history  []artifactstore.ArtifactInfo
}

func (f *fakeArtifactStore) GetSupergraph(_ context.Context, env platform.Environment) (*platform.Supergraph, error) {
	if f.artifact == nil {
		return nil, errors.Wrap(errors.ErrKeyNotFound, "fakeArtifactStore", "GetSupergraph", string(env))
	}
	return f.artifact, nil
}

func (f *fakeArtifactStore) History(_ context.Context, _ platform.Environment) ([]artifactstore.ArtifactInfo, error) {
	return f.history, nil
}

type orchestratorFixture struct {
	svc       *OrchestratorService
	driver    *fakeDriver
	releases  *fakeReleaseStore
	artifacts *fakeArtifactStore
	server    *httptest.Server
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &orchestratorFixture{
		driver:    newFakeDriver(),
		releases:  newFakeReleaseStore(),
		artifacts: &fakeArtifactStore{},
	}
	f.svc = &OrchestratorService{
		BaseService:    NewBaseService("orchestrator", WithLogger(logger)),
		driver:         f.driver,
		releases:       f.releases,
		artifacts:      f.artifacts,
		env:            platform.EnvDev,
		logger:         logger,
		deployTimeout:  time.Second,
		gatewayTimeout: time.Second,
		autoRollback:   true,
		runCtx:         context.Background(),
	}
	mux := http.NewServeMux()
	f.svc.RegisterHTTPHandlers(mux)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *orchestratorFixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func (f *orchestratorFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func seedRelease(f *orchestratorFixture, state platform.ReleaseState) *platform.Release {
	release, _ := platform.NewRelease(platform.EnvDev, []platform.ServiceVersion{
		{Name: "journal", Image: "mindmirror/journal", Tag: "v1.4.0"},
	})
	release.State = state
	f.releases.releases[release.ID] = release
	return release
}

func TestReleaseAPICreate(t *testing.T) {
	f := newOrchestratorFixture(t)

	resp := f.post(t, "/api/releases", createReleaseRequest{
		Environment: "dev",
		Services: []platform.ServiceVersion{
			{Name: "journal", Image: "mindmirror/journal", Tag: "v1.4.0"},
			{Name: "agent", Image: "mindmirror/agent", Tag: "v2.0.1"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "pending", body["state"])
	assert.NotEmpty(t, body["id"])
	assert.Len(t, f.releases.releases, 1)

	resp = f.post(t, "/api/releases", createReleaseRequest{
		Environment: "the-moon",
		Services:    []platform.ServiceVersion{{Name: "journal", Image: "mindmirror/journal"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, "/api/releases", createReleaseRequest{Environment: "dev"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestReleaseAPIList(t *testing.T) {
	f := newOrchestratorFixture(t)
	seedRelease(f, platform.ReleasePending)
	seedRelease(f, platform.ReleaseDeployed)

	resp := f.get(t, "/api/releases")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.EqualValues(t, 2, body["count"])

	resp = f.get(t, "/api/releases?state=deployed")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.EqualValues(t, 1, body["count"])

	resp = f.get(t, "/api/releases?state=launched")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestReleaseAPIGet(t *testing.T) {
	f := newOrchestratorFixture(t)
	release := seedRelease(f, platform.ReleaseDeployed)
	f.releases.deployments[release.ID] = []*platform.Deployment{
		{ReleaseID: release.ID, Service: "journal", URL: "http://journal.dev:4000"},
	}

	resp := f.get(t, "/api/releases/"+release.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.NotNil(t, body["release"])
	assert.Len(t, body["deployments"], 1)

	resp = f.get(t, "/api/releases/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestReleaseAPIGetAtTimestamp(t *testing.T) {
	f := newOrchestratorFixture(t)
	release := seedRelease(f, platform.ReleaseDeployed)

	past := *release
	past.State = platform.ReleasePending
	f.releases.history[release.ID] = &past

	resp := f.get(t, "/api/releases/"+release.ID+"?at=2026-08-29T12:00:00Z")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	got, ok := body["release"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pending", got["state"], "historical state, not the current one")

	resp = f.get(t, "/api/releases/"+release.ID+"?at=yesterday")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/releases/nope?at=2026-08-29T12:00:00Z")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestReleaseAPIDeploy(t *testing.T) {
	f := newOrchestratorFixture(t)
	release := seedRelease(f, platform.ReleasePending)

	resp := f.post(t, "/api/releases/"+release.ID+"/deploy", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, release.ID, body["release"])
	assert.Equal(t, "deploying", body["state"])

	select {
	case id := <-f.driver.deployed:
		assert.Equal(t, release.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("deploy never reached the driver")
	}
}

func TestReleaseAPIDeployRequiresPending(t *testing.T) {
	f := newOrchestratorFixture(t)
	release := seedRelease(f, platform.ReleaseDeployed)

	resp := f.post(t, "/api/releases/"+release.ID+"/deploy", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, "/api/releases/nope/deploy", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestReleaseAPIDeployFailureRollsBack(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.driver.deployErr = errors.WrapTransient(errors.ErrHealthCheckFailed,
		"fakeDriver", "Deploy", "journal never became healthy")
	release := seedRelease(f, platform.ReleasePending)

	resp := f.post(t, "/api/releases/"+release.ID+"/deploy", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	select {
	case id := <-f.driver.rolledBack:
		assert.Equal(t, release.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("failed deploy was not rolled back")
	}
}

func TestReleaseAPIApproveReject(t *testing.T) {
	f := newOrchestratorFixture(t)
	release := seedRelease(f, platform.ReleaseAwaitingApproval)

	resp := f.post(t, "/api/releases/"+release.ID+"/approve",
		approvalRequest{Approver: "ops@mindmirror.app", Reason: "staging soak clean"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "promoting", body["state"])

	resp = f.post(t, "/api/releases/"+release.ID+"/reject",
		approvalRequest{Approver: "ops@mindmirror.app", Reason: "regression in journal"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "failed", body["state"])
}

func TestReleaseAPIApproveOutsideGate(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.driver.approveErr = errors.Wrap(errors.ErrApprovalRequired,
		"fakeDriver", "Approve", "release is not awaiting approval")
	release := seedRelease(f, platform.ReleaseDeploying)

	resp := f.post(t, "/api/releases/"+release.ID+"/approve",
		approvalRequest{Approver: "ops@mindmirror.app"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestReleaseAPIRollback(t *testing.T) {
	f := newOrchestratorFixture(t)
	release := seedRelease(f, platform.ReleaseDeployed)

	resp := f.post(t, "/api/releases/"+release.ID+"/rollback", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "rolled_back", body["state"])
	assert.Equal(t, release.ID, <-f.driver.rolledBack)
}

func TestSupergraphAPI(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.artifacts.artifact = &platform.Supergraph{
		Environment: platform.EnvDev,
		SDL:         "type Query { journalEntries: [String!]! }",
		Hash:        "abc123",
		Routing:     map[string]string{"journalEntries": "journal"},
	}
	f.artifacts.history = []artifactstore.ArtifactInfo{
		{Hash: "abc123", Current: true},
		{Hash: "def456"},
	}

	resp := f.get(t, "/api/supergraph")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "abc123", body["hash"])

	resp = f.get(t, "/api/supergraph/history")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "dev", body["environment"])
	assert.Len(t, body["artifacts"], 2)

	resp = f.get(t, "/api/supergraph?env=volcano")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSupergraphAPICompose(t *testing.T) {
	f := newOrchestratorFixture(t)

	resp := f.post(t, "/api/supergraph/compose?env=dev", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "recomposed", body["hash"])
	assert.EqualValues(t, 1, body["services"])

	f.driver.updateErr = errors.WrapInvalid(errors.ErrURLUnresolved,
		"fakeDriver", "UpdateGateway", "no recorded URL for journal")
	resp = f.post(t, "/api/supergraph/compose", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
