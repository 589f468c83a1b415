package artifactstore

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/natsclient"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// Bucket is the default object store bucket for composed artifacts.
const Bucket = "sway-artifacts"

// Object metadata keys.
const (
	metaEnvironment = "environment"
	metaHash        = "hash"
	metaReleaseID   = "release_id"
	metaComposedAt  = "composed_at"
	metaService     = "service"
	metaFetchedAt   = "fetched_at"
)

// Store reads and writes supergraph artifacts.
type Store struct {
	objects jetstream.ObjectStore
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*options)

type options struct {
	bucket string
	logger *slog.Logger
}

// WithBucket overrides the object store bucket name.
func WithBucket(name string) Option {
	return func(o *options) {
		o.bucket = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates the store, creating or reusing its object store bucket.
func New(client *natsclient.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.WrapFatal(stderrors.New("nats client cannot be nil"),
			"ArtifactStore", "New", "client validation")
	}

	o := options{bucket: Bucket}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	ctx := context.Background()
	objects, err := client.CreateObjectStoreBucket(ctx, jetstream.ObjectStoreConfig{
		Bucket:      o.bucket,
		Description: "Composed supergraph artifacts and subgraph schemas",
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "ArtifactStore", "New", "create object store bucket")
	}

	return &Store{
		objects: objects,
		logger:  o.logger,
	}, nil
}

func artifactName(env platform.Environment, hash string) string {
	return fmt.Sprintf("supergraph/%s/%s", env, hash)
}

func pointerName(env platform.Environment) string {
	return fmt.Sprintf("supergraph/%s/current", env)
}

func subgraphName(env platform.Environment, service string) string {
	return fmt.Sprintf("subgraph/%s/%s", env, service)
}

// currentPointer is the content of the supergraph/<env>/current object.
type currentPointer struct {
	Hash      string    `json:"hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PutSupergraph stores a composed artifact and makes it current. The
// artifact object is written before the pointer, so a failure between
// the two never leaves a broken composition current.
func (s *Store) PutSupergraph(ctx context.Context, artifact *platform.Supergraph) error {
	if artifact == nil {
		return errors.WrapInvalid(stderrors.New("artifact cannot be nil"),
			"ArtifactStore", "PutSupergraph", "artifact validation")
	}
	if err := artifact.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(artifact)
	if err != nil {
		return errors.WrapFatal(err, "ArtifactStore", "PutSupergraph", "marshal artifact")
	}

	meta := jetstream.ObjectMeta{
		Name:        artifactName(artifact.Environment, artifact.Hash),
		Description: fmt.Sprintf("Supergraph for %s", artifact.Environment),
		Metadata: map[string]string{
			metaEnvironment: artifact.Environment.String(),
			metaHash:        artifact.Hash,
			metaReleaseID:   artifact.ReleaseID,
			metaComposedAt:  artifact.ComposedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if _, err := s.objects.Put(ctx, meta, bytes.NewReader(data)); err != nil {
		return errors.WrapTransient(err, "ArtifactStore", "PutSupergraph", "write artifact object")
	}

	if err := s.writePointer(ctx, artifact.Environment, artifact.Hash); err != nil {
		return err
	}

	s.logger.Info("supergraph artifact stored",
		"environment", artifact.Environment.String(),
		"hash", artifact.Hash,
		"release", artifact.ReleaseID,
		"fields", len(artifact.Routing))
	return nil
}

// SetCurrent re-points an environment at an existing artifact. This is
// the rollback path; the target hash must already be stored.
func (s *Store) SetCurrent(ctx context.Context, env platform.Environment, hash string) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if hash == "" {
		return errors.WrapInvalid(stderrors.New("hash cannot be empty"),
			"ArtifactStore", "SetCurrent", "hash validation")
	}

	if _, err := s.objects.GetInfo(ctx, artifactName(env, hash)); err != nil {
		if isObjectNotFound(err) {
			return errors.WrapInvalid(errors.ErrKeyNotFound, "ArtifactStore", "SetCurrent",
				fmt.Sprintf("no %s artifact with hash %s", env, hash))
		}
		return errors.WrapTransient(err, "ArtifactStore", "SetCurrent", "check artifact")
	}

	if err := s.writePointer(ctx, env, hash); err != nil {
		return err
	}

	s.logger.Info("supergraph current re-pointed",
		"environment", env.String(), "hash", hash)
	return nil
}

func (s *Store) writePointer(ctx context.Context, env platform.Environment, hash string) error {
	pointer, err := json.Marshal(currentPointer{
		Hash:      hash,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return errors.WrapFatal(err, "ArtifactStore", "writePointer", "marshal pointer")
	}

	meta := jetstream.ObjectMeta{
		Name:        pointerName(env),
		Description: fmt.Sprintf("Current supergraph pointer for %s", env),
		Metadata: map[string]string{
			metaEnvironment: env.String(),
			metaHash:        hash,
		},
	}
	if _, err := s.objects.Put(ctx, meta, bytes.NewReader(pointer)); err != nil {
		return errors.WrapTransient(err, "ArtifactStore", "writePointer", "write pointer object")
	}
	return nil
}

// LatestHash returns the hash the environment currently serves.
func (s *Store) LatestHash(ctx context.Context, env platform.Environment) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}

	data, err := s.objects.GetBytes(ctx, pointerName(env))
	if err != nil {
		if isObjectNotFound(err) {
			return "", errors.WrapTransient(errors.ErrKeyNotFound, "ArtifactStore", "LatestHash",
				fmt.Sprintf("no supergraph composed for %s yet", env))
		}
		return "", errors.WrapTransient(err, "ArtifactStore", "LatestHash", "read pointer")
	}

	var pointer currentPointer
	if err := json.Unmarshal(data, &pointer); err != nil {
		return "", errors.WrapFatal(err, "ArtifactStore", "LatestHash", "unmarshal pointer")
	}
	return pointer.Hash, nil
}

// GetSupergraph returns the artifact the environment currently serves.
func (s *Store) GetSupergraph(ctx context.Context, env platform.Environment) (*platform.Supergraph, error) {
	hash, err := s.LatestHash(ctx, env)
	if err != nil {
		return nil, err
	}

	data, err := s.objects.GetBytes(ctx, artifactName(env, hash))
	if err != nil {
		if isObjectNotFound(err) {
			// Pointer names an artifact that is gone.
			return nil, errors.WrapFatal(errors.ErrKeyNotFound, "ArtifactStore", "GetSupergraph",
				fmt.Sprintf("%s pointer names missing artifact %s", env, hash))
		}
		return nil, errors.WrapTransient(err, "ArtifactStore", "GetSupergraph", "read artifact")
	}

	var artifact platform.Supergraph
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, errors.WrapFatal(err, "ArtifactStore", "GetSupergraph", "unmarshal artifact")
	}
	return &artifact, nil
}

// GetSupergraphByHash returns a specific stored artifact. Rollback
// fetches its target this way.
func (s *Store) GetSupergraphByHash(ctx context.Context, env platform.Environment, hash string) (*platform.Supergraph, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, errors.WrapInvalid(stderrors.New("hash cannot be empty"),
			"ArtifactStore", "GetSupergraphByHash", "hash validation")
	}

	data, err := s.objects.GetBytes(ctx, artifactName(env, hash))
	if err != nil {
		if isObjectNotFound(err) {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "ArtifactStore", "GetSupergraphByHash",
				fmt.Sprintf("no %s artifact with hash %s", env, hash))
		}
		return nil, errors.WrapTransient(err, "ArtifactStore", "GetSupergraphByHash", "read artifact")
	}

	var artifact platform.Supergraph
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, errors.WrapFatal(err, "ArtifactStore", "GetSupergraphByHash", "unmarshal artifact")
	}
	return &artifact, nil
}

// ArtifactInfo summarizes one stored composition.
type ArtifactInfo struct {
	Hash       string    `json:"hash"`
	ReleaseID  string    `json:"release_id,omitempty"`
	ComposedAt time.Time `json:"composed_at"`
	Size       uint64    `json:"size"`
	Current    bool      `json:"current"`
}

// History lists an environment's stored compositions, newest first.
func (s *Store) History(ctx context.Context, env platform.Environment) ([]ArtifactInfo, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	infos, err := s.objects.List(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoObjectsFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "ArtifactStore", "History", "list objects")
	}

	current, err := s.LatestHash(ctx, env)
	if err != nil && !stderrors.Is(err, errors.ErrKeyNotFound) {
		return nil, err
	}

	prefix := fmt.Sprintf("supergraph/%s/", env)
	pointer := pointerName(env)
	history := make([]ArtifactInfo, 0, len(infos))
	for _, info := range infos {
		if info.Name == pointer || !strings.HasPrefix(info.Name, prefix) {
			continue
		}

		entry := ArtifactInfo{
			Hash:       strings.TrimPrefix(info.Name, prefix),
			ReleaseID:  info.Metadata[metaReleaseID],
			ComposedAt: info.ModTime,
			Size:       info.Size,
		}
		if composedAt, parseErr := time.Parse(time.RFC3339Nano, info.Metadata[metaComposedAt]); parseErr == nil {
			entry.ComposedAt = composedAt
		}
		entry.Current = entry.Hash == current
		history = append(history, entry)
	}

	sort.Slice(history, func(i, j int) bool {
		if history[i].ComposedAt.Equal(history[j].ComposedAt) {
			return history[i].Hash < history[j].Hash
		}
		return history[i].ComposedAt.After(history[j].ComposedAt)
	})

	return history, nil
}

// PutSubgraphSchema stores one service's introspected schema. The
// latest fetch wins; history is not kept for subgraphs.
func (s *Store) PutSubgraphSchema(ctx context.Context, schema *platform.SubgraphSchema) error {
	if schema == nil {
		return errors.WrapInvalid(stderrors.New("schema cannot be nil"),
			"ArtifactStore", "PutSubgraphSchema", "schema validation")
	}
	if err := schema.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(schema)
	if err != nil {
		return errors.WrapFatal(err, "ArtifactStore", "PutSubgraphSchema", "marshal schema")
	}

	meta := jetstream.ObjectMeta{
		Name:        subgraphName(schema.Environment, schema.Service),
		Description: fmt.Sprintf("Subgraph schema for %s in %s", schema.Service, schema.Environment),
		Metadata: map[string]string{
			metaEnvironment: schema.Environment.String(),
			metaService:     schema.Service,
			metaHash:        schema.Hash,
			metaFetchedAt:   schema.FetchedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if _, err := s.objects.Put(ctx, meta, bytes.NewReader(data)); err != nil {
		return errors.WrapTransient(err, "ArtifactStore", "PutSubgraphSchema", "write schema object")
	}

	return nil
}

// GetSubgraphSchema returns the last stored schema for a service.
func (s *Store) GetSubgraphSchema(ctx context.Context, env platform.Environment, service string) (*platform.SubgraphSchema, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if service == "" {
		return nil, errors.WrapInvalid(stderrors.New("service cannot be empty"),
			"ArtifactStore", "GetSubgraphSchema", "service validation")
	}

	data, err := s.objects.GetBytes(ctx, subgraphName(env, service))
	if err != nil {
		if isObjectNotFound(err) {
			return nil, errors.WrapTransient(errors.ErrKeyNotFound, "ArtifactStore", "GetSubgraphSchema",
				fmt.Sprintf("no schema stored for %s in %s", service, env))
		}
		return nil, errors.WrapTransient(err, "ArtifactStore", "GetSubgraphSchema", "read schema object")
	}

	var schema platform.SubgraphSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, errors.WrapFatal(err, "ArtifactStore", "GetSubgraphSchema", "unmarshal schema")
	}
	return &schema, nil
}

// ListSubgraphSchemas returns all stored schemas for an environment,
// sorted by service.
func (s *Store) ListSubgraphSchemas(ctx context.Context, env platform.Environment) ([]*platform.SubgraphSchema, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	infos, err := s.objects.List(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoObjectsFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "ArtifactStore", "ListSubgraphSchemas", "list objects")
	}

	prefix := fmt.Sprintf("subgraph/%s/", env)
	schemas := make([]*platform.SubgraphSchema, 0, len(infos))
	for _, info := range infos {
		if !strings.HasPrefix(info.Name, prefix) {
			continue
		}
		schema, err := s.GetSubgraphSchema(ctx, env, strings.TrimPrefix(info.Name, prefix))
		if err != nil {
			if stderrors.Is(err, errors.ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		schemas = append(schemas, schema)
	}

	sort.Slice(schemas, func(i, j int) bool {
		return schemas[i].Service < schemas[j].Service
	})

	return schemas, nil
}

// isObjectNotFound reports whether err indicates a missing object.
func isObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	return stderrors.Is(err, jetstream.ErrObjectNotFound) ||
		strings.Contains(err.Error(), "object not found")
}
