package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/platform"
	"github.com/Peleke/MindMirror-sub002/registry"
)

// fakeCatalog is an in-memory serviceCatalog.
type fakeCatalog struct {
	records  map[string]*registry.Record
	seeded   []string
	seedErr  error
	seedRuns int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{records: make(map[string]*registry.Record)}
}

func (f *fakeCatalog) Register(_ context.Context, spec platform.ServiceSpec) error {
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}
	if _, ok := f.records[spec.Name]; ok {
		return errors.Wrap(errors.ErrServiceExists, "fakeCatalog", "Register", spec.Name)
	}
	f.records[spec.Name] = &registry.Record{Spec: spec, RegisteredAt: time.Now().UTC()}
	return nil
}

func (f *fakeCatalog) Get(_ context.Context, name string) (*registry.Record, error) {
	record, ok := f.records[name]
	if !ok {
		return nil, errors.Wrap(errors.ErrServiceNotFound, "fakeCatalog", "Get", name)
	}
	return record, nil
}

func (f *fakeCatalog) List(_ context.Context) ([]*registry.Record, error) {
	out := make([]*registry.Record, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeCatalog) Remove(_ context.Context, name string) error {
	if _, ok := f.records[name]; !ok {
		return errors.Wrap(errors.ErrServiceNotFound, "fakeCatalog", "Remove", name)
	}
	delete(f.records, name)
	return nil
}

func (f *fakeCatalog) SeedCatalog(_ context.Context) ([]string, error) {
	f.seedRuns++
	if f.seedErr != nil {
		return nil, f.seedErr
	}
	for _, name := range f.seeded {
		f.records[name] = &registry.Record{Spec: platform.ServiceSpec{Name: name, Port: 4000, HealthPath: "/health", GraphQLPath: "/graphql"}}
	}
	return f.seeded, nil
}

type registryFixture struct {
	svc     *RegistryService
	catalog *fakeCatalog
	server  *httptest.Server
}

func newRegistryFixture(t *testing.T, seed bool) *registryFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := newFakeCatalog()
	svc := &RegistryService{
		BaseService: NewBaseService("service-registry", WithLogger(logger)),
		catalog:     catalog,
		seed:        seed,
		logger:      logger,
	}
	mux := http.NewServeMux()
	svc.RegisterHTTPHandlers(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &registryFixture{svc: svc, catalog: catalog, server: server}
}

func TestRegistryServiceSeedsOnStart(t *testing.T) {
	f := newRegistryFixture(t, true)
	f.catalog.seeded = []string{"journal", "agent", "habits"}

	require.NoError(t, f.svc.Start(context.Background()))
	defer f.svc.Stop(time.Second)

	assert.Equal(t, 1, f.catalog.seedRuns)
	assert.Len(t, f.catalog.records, 3)
}

func TestRegistryServiceSkipsSeedWhenDisabled(t *testing.T) {
	f := newRegistryFixture(t, false)

	require.NoError(t, f.svc.Start(context.Background()))
	defer f.svc.Stop(time.Second)

	assert.Zero(t, f.catalog.seedRuns)
}

func TestRegistryServiceSeedFailureFailsStart(t *testing.T) {
	f := newRegistryFixture(t, true)
	f.catalog.seedErr = errors.WrapTransient(errors.ErrStorageUnavailable,
		"fakeCatalog", "SeedCatalog", "bucket unavailable")

	err := f.svc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed service catalog")
}

func TestServiceAPIRegisterAndGet(t *testing.T) {
	f := newRegistryFixture(t, false)

	resp, err := http.Post(f.server.URL+"/api/services", "application/json",
		strings.NewReader(`{"name":"journal","port":4001,"owned_tables":["journal_entries"]}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(f.server.URL + "/api/services/journal")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	spec, ok := body["spec"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "journal", spec["name"])
	assert.EqualValues(t, 4001, spec["port"])
	assert.Equal(t, "/health", spec["health_path"])

	// Duplicate registration conflicts.
	resp, err = http.Post(f.server.URL+"/api/services", "application/json",
		strings.NewReader(`{"name":"journal"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestServiceAPIRejectsBadSpec(t *testing.T) {
	f := newRegistryFixture(t, false)

	resp, err := http.Post(f.server.URL+"/api/services", "application/json",
		strings.NewReader(`{"port":4000}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(f.server.URL+"/api/services", "application/json",
		strings.NewReader(`not json`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestServiceAPIListAndRemove(t *testing.T) {
	f := newRegistryFixture(t, false)
	require.NoError(t, f.catalog.Register(context.Background(),
		platform.ServiceSpec{Name: "journal"}))
	require.NoError(t, f.catalog.Register(context.Background(),
		platform.ServiceSpec{Name: "agent"}))

	resp, err := http.Get(f.server.URL + "/api/services")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.EqualValues(t, 2, body["count"])

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/api/services/journal", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	assert.Len(t, f.catalog.records, 1)

	req, err = http.NewRequest(http.MethodDelete, f.server.URL+"/api/services/journal", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
