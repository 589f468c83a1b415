package artifactstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/natsclient"
	"github.com/Peleke/MindMirror-sub002/platform"
)

type ArtifactStoreIntegrationSuite struct {
	suite.Suite
	testClient *natsclient.TestClient
	natsClient *natsclient.Client
	store      *Store
	ctx        context.Context
	cancel     context.CancelFunc
	bucketSeq  int
}

func (s *ArtifactStoreIntegrationSuite) SetupSuite() {
	s.testClient = natsclient.NewTestClient(s.T(),
		natsclient.WithJetStream())
	s.natsClient = s.testClient.Client
}

func (s *ArtifactStoreIntegrationSuite) SetupTest() {
	// Fresh bucket per test so History and List see only this test's
	// artifacts.
	s.bucketSeq++
	bucket := fmt.Sprintf("sway-artifacts-test-%d", s.bucketSeq)

	var err error
	s.store, err = New(s.natsClient,
		WithBucket(bucket),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)

	s.ctx, s.cancel = context.WithTimeout(context.Background(), 30*time.Second)
}

func (s *ArtifactStoreIntegrationSuite) TearDownTest() {
	s.cancel()
}

func makeSupergraph(env platform.Environment, hash, releaseID string) *platform.Supergraph {
	return &platform.Supergraph{
		Environment: env,
		SDL:         "type Query {\n  journalEntries: [JournalEntry!]!\n  me: User\n}",
		Routing: map[string]string{
			"journalEntries": "journal",
			"me":             "users",
		},
		ServiceURLs: map[string]string{
			"journal": fmt.Sprintf("http://journal.%s.svc:8000", env),
			"users":   fmt.Sprintf("http://users.%s.svc:8000", env),
		},
		Hash: hash,
		SubgraphHashes: map[string]string{
			"journal": "j-" + hash,
			"users":   "u-" + hash,
		},
		ReleaseID:  releaseID,
		ComposedAt: time.Now().UTC(),
	}
}

func (s *ArtifactStoreIntegrationSuite) TestPutAndGetSupergraph() {
	artifact := makeSupergraph(platform.EnvDev, "a1b2c3", "rel-1")

	err := s.store.PutSupergraph(s.ctx, artifact)
	s.Require().NoError(err)

	current, err := s.store.GetSupergraph(s.ctx, platform.EnvDev)
	s.Require().NoError(err)
	s.Equal(artifact.Hash, current.Hash)
	s.Equal(artifact.SDL, current.SDL)
	s.Equal(artifact.Routing, current.Routing)
	s.Equal(artifact.ServiceURLs, current.ServiceURLs)
	s.Equal("rel-1", current.ReleaseID)

	hash, err := s.store.LatestHash(s.ctx, platform.EnvDev)
	s.Require().NoError(err)
	s.Equal("a1b2c3", hash)
}

func (s *ArtifactStoreIntegrationSuite) TestGetSupergraphBeforeFirstCompose() {
	_, err := s.store.GetSupergraph(s.ctx, platform.EnvStaging)
	s.Require().Error(err)
	s.Require().ErrorIs(err, errors.ErrKeyNotFound)
	s.True(errors.IsTransient(err), "nothing composed yet is a wait-and-retry condition")
}

func (s *ArtifactStoreIntegrationSuite) TestPutSupergraphInvalid() {
	artifact := makeSupergraph(platform.EnvDev, "d4e5f6", "rel-2")
	delete(artifact.ServiceURLs, "users")

	err := s.store.PutSupergraph(s.ctx, artifact)
	s.Require().Error(err)
	s.True(errors.IsInvalid(err), "artifact without a URL for a routed service must be refused")

	_, err = s.store.LatestHash(s.ctx, platform.EnvDev)
	s.Require().Error(err, "refused artifact must not move the pointer")
}

func (s *ArtifactStoreIntegrationSuite) TestNewComposeMovesPointer() {
	first := makeSupergraph(platform.EnvDev, "hash-1", "rel-1")
	s.Require().NoError(s.store.PutSupergraph(s.ctx, first))

	second := makeSupergraph(platform.EnvDev, "hash-2", "rel-2")
	second.ComposedAt = first.ComposedAt.Add(time.Second)
	s.Require().NoError(s.store.PutSupergraph(s.ctx, second))

	hash, err := s.store.LatestHash(s.ctx, platform.EnvDev)
	s.Require().NoError(err)
	s.Equal("hash-2", hash)

	// Both artifacts stay retrievable; only the pointer moved.
	prior, err := s.store.GetSupergraphByHash(s.ctx, platform.EnvDev, "hash-1")
	s.Require().NoError(err)
	s.Equal("rel-1", prior.ReleaseID)
}

func (s *ArtifactStoreIntegrationSuite) TestSetCurrentRollsBack() {
	first := makeSupergraph(platform.EnvProduction, "hash-1", "rel-1")
	s.Require().NoError(s.store.PutSupergraph(s.ctx, first))

	second := makeSupergraph(platform.EnvProduction, "hash-2", "rel-2")
	second.ComposedAt = first.ComposedAt.Add(time.Second)
	s.Require().NoError(s.store.PutSupergraph(s.ctx, second))

	err := s.store.SetCurrent(s.ctx, platform.EnvProduction, "hash-1")
	s.Require().NoError(err)

	current, err := s.store.GetSupergraph(s.ctx, platform.EnvProduction)
	s.Require().NoError(err)
	s.Equal("hash-1", current.Hash)
	s.Equal("rel-1", current.ReleaseID)
}

func (s *ArtifactStoreIntegrationSuite) TestSetCurrentUnknownHash() {
	first := makeSupergraph(platform.EnvDev, "hash-1", "rel-1")
	s.Require().NoError(s.store.PutSupergraph(s.ctx, first))

	err := s.store.SetCurrent(s.ctx, platform.EnvDev, "no-such-hash")
	s.Require().Error(err)
	s.Require().ErrorIs(err, errors.ErrKeyNotFound)
	s.True(errors.IsInvalid(err), "rollback target must already exist")

	hash, err := s.store.LatestHash(s.ctx, platform.EnvDev)
	s.Require().NoError(err)
	s.Equal("hash-1", hash, "failed rollback must not move the pointer")
}

func (s *ArtifactStoreIntegrationSuite) TestGetSupergraphByHashUnknown() {
	_, err := s.store.GetSupergraphByHash(s.ctx, platform.EnvDev, "missing")
	s.Require().Error(err)
	s.Require().ErrorIs(err, errors.ErrKeyNotFound)
	s.True(errors.IsInvalid(err))
}

func (s *ArtifactStoreIntegrationSuite) TestEnvironmentsIsolated() {
	dev := makeSupergraph(platform.EnvDev, "dev-hash", "rel-1")
	s.Require().NoError(s.store.PutSupergraph(s.ctx, dev))

	_, err := s.store.GetSupergraph(s.ctx, platform.EnvProduction)
	s.Require().Error(err, "dev compose must not become production's current")
	s.Require().ErrorIs(err, errors.ErrKeyNotFound)
}

func (s *ArtifactStoreIntegrationSuite) TestHistory() {
	base := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		artifact := makeSupergraph(platform.EnvStaging, fmt.Sprintf("hash-%d", i), fmt.Sprintf("rel-%d", i))
		artifact.ComposedAt = base.Add(time.Duration(i) * time.Second)
		s.Require().NoError(s.store.PutSupergraph(s.ctx, artifact))
	}
	s.Require().NoError(s.store.SetCurrent(s.ctx, platform.EnvStaging, "hash-2"))

	history, err := s.store.History(s.ctx, platform.EnvStaging)
	s.Require().NoError(err)
	s.Require().Len(history, 3)

	s.Equal("hash-3", history[0].Hash, "newest first")
	s.Equal("hash-2", history[1].Hash)
	s.Equal("hash-1", history[2].Hash)
	s.Equal("rel-3", history[0].ReleaseID)

	s.False(history[0].Current)
	s.True(history[1].Current, "rollback target is marked current")
	s.False(history[2].Current)
}

func (s *ArtifactStoreIntegrationSuite) TestHistoryScopedToEnvironment() {
	dev := makeSupergraph(platform.EnvDev, "dev-hash", "rel-1")
	s.Require().NoError(s.store.PutSupergraph(s.ctx, dev))
	staging := makeSupergraph(platform.EnvStaging, "staging-hash", "rel-2")
	s.Require().NoError(s.store.PutSupergraph(s.ctx, staging))

	history, err := s.store.History(s.ctx, platform.EnvDev)
	s.Require().NoError(err)
	s.Require().Len(history, 1)
	s.Equal("dev-hash", history[0].Hash)
}

func (s *ArtifactStoreIntegrationSuite) TestHistoryEmpty() {
	history, err := s.store.History(s.ctx, platform.EnvDev)
	s.Require().NoError(err)
	s.Empty(history)
}

func (s *ArtifactStoreIntegrationSuite) TestSubgraphSchemaLifecycle() {
	schema := &platform.SubgraphSchema{
		Service:     "journal",
		Environment: platform.EnvDev,
		SDL:         "type Query {\n  journalEntries: [JournalEntry!]!\n}",
		Hash:        "sub-hash-1",
		URL:         "http://journal.dev.svc:8000",
		FetchedAt:   time.Now().UTC(),
	}
	s.Require().NoError(s.store.PutSubgraphSchema(s.ctx, schema))

	stored, err := s.store.GetSubgraphSchema(s.ctx, platform.EnvDev, "journal")
	s.Require().NoError(err)
	s.Equal(schema.SDL, stored.SDL)
	s.Equal("sub-hash-1", stored.Hash)

	// Latest fetch wins.
	schema.Hash = "sub-hash-2"
	schema.FetchedAt = schema.FetchedAt.Add(time.Second)
	s.Require().NoError(s.store.PutSubgraphSchema(s.ctx, schema))

	stored, err = s.store.GetSubgraphSchema(s.ctx, platform.EnvDev, "journal")
	s.Require().NoError(err)
	s.Equal("sub-hash-2", stored.Hash)
}

func (s *ArtifactStoreIntegrationSuite) TestGetSubgraphSchemaMissing() {
	_, err := s.store.GetSubgraphSchema(s.ctx, platform.EnvDev, "journal")
	s.Require().Error(err)
	s.Require().ErrorIs(err, errors.ErrKeyNotFound)
	s.True(errors.IsTransient(err), "schema not fetched yet is a wait-and-retry condition")
}

func (s *ArtifactStoreIntegrationSuite) TestListSubgraphSchemas() {
	for _, service := range []string{"users", "journal", "habits"} {
		schema := &platform.SubgraphSchema{
			Service:     service,
			Environment: platform.EnvStaging,
			SDL:         fmt.Sprintf("type Query {\n  %sField: String\n}", service),
			Hash:        "hash-" + service,
			URL:         fmt.Sprintf("http://%s.staging.svc:8000", service),
			FetchedAt:   time.Now().UTC(),
		}
		s.Require().NoError(s.store.PutSubgraphSchema(s.ctx, schema))
	}
	// A schema in another environment must not leak in.
	other := &platform.SubgraphSchema{
		Service:     "meals",
		Environment: platform.EnvDev,
		SDL:         "type Query {\n  meals: [Meal!]!\n}",
		Hash:        "hash-meals",
		URL:         "http://meals.dev.svc:8000",
		FetchedAt:   time.Now().UTC(),
	}
	s.Require().NoError(s.store.PutSubgraphSchema(s.ctx, other))

	schemas, err := s.store.ListSubgraphSchemas(s.ctx, platform.EnvStaging)
	s.Require().NoError(err)
	s.Require().Len(schemas, 3)
	s.Equal("habits", schemas[0].Service)
	s.Equal("journal", schemas[1].Service)
	s.Equal("users", schemas[2].Service)
}

func TestArtifactStoreIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	suite.Run(t, new(ArtifactStoreIntegrationSuite))
}
