package registry

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/natsclient"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// Bucket is the default KV bucket holding service records.
const Bucket = "sway_services"

// Record is the stored state for one service: its spec plus the URL it
// answers at in each environment. URLs are recorded by deploy phase
// one and consumed by the gateway rebuild in phase two.
type Record struct {
	Spec         platform.ServiceSpec            `json:"spec"`
	URLs         map[platform.Environment]string `json:"urls,omitempty"`
	RegisteredAt time.Time                       `json:"registered_at"`
	UpdatedAt    time.Time                       `json:"updated_at"`
}

// URL returns the recorded URL for an environment, if any.
func (r *Record) URL(env platform.Environment) (string, bool) {
	if r.URLs == nil {
		return "", false
	}
	u, ok := r.URLs[env]
	return u, ok
}

// Registry stores service records in NATS KV.
type Registry struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	bucket string
	logger *slog.Logger
}

// WithBucket overrides the KV bucket name.
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

// New creates the registry, creating or reusing its KV bucket.
func New(client *natsclient.Client, opts ...Option) (*Registry, error) {
	if client == nil {
		return nil, errors.WrapFatal(stderrors.New("nats client cannot be nil"),
			"Registry", "New", "client validation")
	}

	o := options{bucket: Bucket}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	ctx := context.Background()
	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      o.bucket,
		Description: "Service specs and per-environment URLs",
		History:     10,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Registry", "New", "create KV bucket")
	}

	return &Registry{
		kv:     client.NewKVStore(bucket),
		logger: o.logger,
	}, nil
}

// Register adds a new service. The spec is defaulted, validated
// against the service schema, and stored only if no record with the
// same name exists.
func (r *Registry) Register(ctx context.Context, spec platform.ServiceSpec) error {
	spec.ApplyDefaults()

	if err := validateSpecSchema(spec); err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	record := Record{
		Spec:         spec,
		RegisteredAt: time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return errors.WrapFatal(err, "Registry", "Register", "marshal record")
	}

	if _, err := r.kv.Create(ctx, spec.Name, data); err != nil {
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(errors.ErrServiceExists, "Registry", "Register",
				fmt.Sprintf("service %s", spec.Name))
		}
		return errors.WrapTransient(err, "Registry", "Register", "create in KV")
	}

	r.logger.Info("service registered", "service", spec.Name, "port", spec.Port)
	return nil
}

// Get retrieves a service record by name.
func (r *Registry) Get(ctx context.Context, name string) (*Record, error) {
	if name == "" {
		return nil, errors.WrapInvalid(stderrors.New("service name cannot be empty"),
			"Registry", "Get", "name validation")
	}

	entry, err := r.kv.Get(ctx, name)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapInvalid(errors.ErrServiceNotFound, "Registry", "Get",
				fmt.Sprintf("service %s", name))
		}
		return nil, errors.WrapTransient(err, "Registry", "Get", "get from KV")
	}

	var record Record
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, errors.WrapFatal(err, "Registry", "Get", "unmarshal record")
	}

	return &record, nil
}

// List retrieves all service records, sorted by name.
func (r *Registry) List(ctx context.Context) ([]*Record, error) {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Registry", "List", "list KV keys")
	}

	records := make([]*Record, 0, len(keys))
	for _, key := range keys {
		record, err := r.Get(ctx, key)
		if err != nil {
			// Key deleted between Keys and Get.
			if stderrors.Is(err, errors.ErrServiceNotFound) {
				continue
			}
			return nil, errors.WrapTransient(err, "Registry", "List",
				fmt.Sprintf("get service %s", key))
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Spec.Name < records[j].Spec.Name
	})

	return records, nil
}

// Remove deletes a service record.
func (r *Registry) Remove(ctx context.Context, name string) error {
	if name == "" {
		return errors.WrapInvalid(stderrors.New("service name cannot be empty"),
			"Registry", "Remove", "name validation")
	}

	// KV delete of a missing key writes a tombstone without error, so
	// existence is checked first to give callers a real not-found.
	if _, err := r.Get(ctx, name); err != nil {
		return err
	}

	if err := r.kv.Delete(ctx, name); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return errors.WrapInvalid(errors.ErrServiceNotFound, "Registry", "Remove",
				fmt.Sprintf("service %s", name))
		}
		return errors.WrapTransient(err, "Registry", "Remove", "delete from KV")
	}

	r.logger.Info("service removed", "service", name)
	return nil
}

// SetURL records where a service answers in one environment. Deploy
// phase one calls this after each service revision reports ready. The
// update is a CAS loop, so concurrent SetURL calls for different
// environments of the same service both land.
func (r *Registry) SetURL(ctx context.Context, service string, env platform.Environment, rawURL string) error {
	if service == "" {
		return errors.WrapInvalid(stderrors.New("service name cannot be empty"),
			"Registry", "SetURL", "name validation")
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if err := validateServiceURL(rawURL); err != nil {
		return errors.WrapInvalid(err, "Registry", "SetURL",
			fmt.Sprintf("service %s in %s", service, env))
	}

	err := r.kv.UpdateWithRetry(ctx, service, func(current []byte) ([]byte, error) {
		if len(current) == 0 {
			return nil, fmt.Errorf("%w: %s", errors.ErrServiceNotFound, service)
		}

		var record Record
		if err := json.Unmarshal(current, &record); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}

		if record.URLs == nil {
			record.URLs = make(map[platform.Environment]string, 1)
		}
		record.URLs[env] = rawURL
		record.UpdatedAt = time.Now().UTC()

		return json.Marshal(record)
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrServiceNotFound) {
			return errors.WrapInvalid(errors.ErrServiceNotFound, "Registry", "SetURL",
				fmt.Sprintf("service %s", service))
		}
		return errors.WrapTransient(err, "Registry", "SetURL", "update record")
	}

	r.logger.Info("service URL recorded",
		"service", service, "environment", env.String(), "url", rawURL)
	return nil
}

// URL returns the recorded URL for a service in an environment.
// Returns ErrURLUnresolved until deploy phase one has recorded one.
func (r *Registry) URL(ctx context.Context, service string, env platform.Environment) (string, error) {
	record, err := r.Get(ctx, service)
	if err != nil {
		return "", err
	}

	u, ok := record.URL(env)
	if !ok {
		return "", errors.WrapTransient(errors.ErrURLUnresolved, "Registry", "URL",
			fmt.Sprintf("service %s in %s", service, env))
	}
	return u, nil
}

// ResolveAll returns the complete service-to-URL map for an
// environment. Any registered service without a recorded URL fails the
// whole resolution with ErrURLUnresolved; the gateway rebuild must
// never run from a partial map.
func (r *Registry) ResolveAll(ctx context.Context, env platform.Environment) (map[string]string, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	records, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	urls := make(map[string]string, len(records))
	var unresolved []string
	for _, record := range records {
		u, ok := record.URL(env)
		if !ok {
			unresolved = append(unresolved, record.Spec.Name)
			continue
		}
		urls[record.Spec.Name] = u
	}

	if len(unresolved) > 0 {
		return nil, errors.WrapTransient(errors.ErrURLUnresolved, "Registry", "ResolveAll",
			fmt.Sprintf("no %s URL for %v", env, unresolved))
	}

	return urls, nil
}

// Seed registers specs that are not present yet. Existing records are
// left alone so recorded URLs survive re-seeding on restart. Returns
// the names actually registered.
func (r *Registry) Seed(ctx context.Context, specs []platform.ServiceSpec) ([]string, error) {
	if err := platform.ValidateAll(specs); err != nil {
		return nil, err
	}

	var registered []string
	for _, spec := range specs {
		err := r.Register(ctx, spec)
		if err != nil {
			if stderrors.Is(err, errors.ErrServiceExists) {
				continue
			}
			return registered, err
		}
		registered = append(registered, spec.Name)
	}

	r.logger.Info("registry seeded",
		"requested", len(specs), "registered", len(registered), "existing", len(specs)-len(registered))
	return registered, nil
}

// SeedCatalog seeds the registry from the built-in service catalog.
func (r *Registry) SeedCatalog(ctx context.Context) ([]string, error) {
	return r.Seed(ctx, platform.Catalog())
}

// Watch emits the service names whose records change. The watcher runs
// until the context is cancelled.
func (r *Registry) Watch(ctx context.Context) (jetstream.KeyWatcher, error) {
	watcher, err := r.kv.Watch(ctx, ">")
	if err != nil {
		return nil, errors.WrapTransient(err, "Registry", "Watch", "watch bucket")
	}
	return watcher, nil
}

// Service URLs come from Cloud Run, so only http(s) with a host is
// accepted.
func validateServiceURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q: scheme must be http or https", rawURL)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q: missing host", rawURL)
	}
	return nil
}
