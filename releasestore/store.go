package releasestore

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/natsclient"
)

// Default KV buckets.
const (
	ReleaseBucket    = "sway_releases"
	DeploymentBucket = "sway_deployments"
)

// Store persists releases and deployment records. The release bucket
// keeps revision history, so past release states stay queryable.
type Store struct {
	releases    *natsclient.KVStore
	deployments *natsclient.KVStore
	history     *natsclient.HistoryResolver
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*options)

type options struct {
	releaseBucket    string
	deploymentBucket string
	logger           *slog.Logger
}

// WithBuckets overrides the KV bucket names.
func WithBuckets(releases, deployments string) Option {
	return func(o *options) {
		o.releaseBucket = releases
		o.deploymentBucket = deployments
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates the store, creating or reusing both KV buckets.
func New(client *natsclient.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.WrapFatal(stderrors.New("nats client cannot be nil"),
			"ReleaseStore", "New", "client validation")
	}

	o := options{
		releaseBucket:    ReleaseBucket,
		deploymentBucket: DeploymentBucket,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	ctx := context.Background()
	releases, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      o.releaseBucket,
		Description: "Release records, keyed by release ID",
		History:     10,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "ReleaseStore", "New", "create release bucket")
	}

	deployments, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      o.deploymentBucket,
		Description: "Per-service deployment records, keyed releaseID.service",
		History:     10,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "ReleaseStore", "New", "create deployment bucket")
	}

	return &Store{
		releases:    client.NewKVStore(releases),
		deployments: client.NewKVStore(deployments),
		history:     natsclient.NewHistoryResolver(ctx, releases),
		logger:      o.logger,
	}, nil
}

// Close releases the store's history cache. The KV buckets belong to
// the client and stay open.
func (s *Store) Close() error {
	return s.history.Close()
}
