package pipeline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/natsclient"
)

// RunBucket is the default KV bucket for pipeline runs.
const RunBucket = "sway_pipelines"

// Store persists pipeline runs in NATS KV, keyed by run ID. Stage
// changes go through TransitionRun under a CAS retry loop, the same
// shape deployment records use: KV conflicts retry with fresh state,
// stage machine violations abort.
type Store struct {
	runs   *natsclient.KVStore
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	bucket string
	logger *slog.Logger
}

// WithRunBucket overrides the KV bucket name.
func WithRunBucket(bucket string) StoreOption {
	return func(o *storeOptions) {
		o.bucket = bucket
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// NewStore creates the store, creating or reusing the run bucket.
func NewStore(client *natsclient.Client, opts ...StoreOption) (*Store, error) {
	if client == nil {
		return nil, errors.WrapFatal(stderrors.New("nats client cannot be nil"),
			"PipelineStore", "NewStore", "client validation")
	}

	o := storeOptions{bucket: RunBucket}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	bucket, err := client.CreateKeyValueBucket(context.Background(), jetstream.KeyValueConfig{
		Bucket:      o.bucket,
		Description: "Pipeline run records, keyed by run ID",
		History:     10,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "PipelineStore", "NewStore", "create run bucket")
	}

	return &Store{
		runs:   client.NewKVStore(bucket),
		logger: o.logger,
	}, nil
}

// CreateRun stores a new run record.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if run == nil {
		return errors.WrapInvalid(stderrors.New("run cannot be nil"),
			"PipelineStore", "CreateRun", "run validation")
	}
	if run.ID == "" {
		return errors.WrapInvalid(stderrors.New("run ID cannot be empty"),
			"PipelineStore", "CreateRun", "run validation")
	}

	data, err := json.Marshal(run)
	if err != nil {
		return errors.WrapFatal(err, "PipelineStore", "CreateRun", "marshal run")
	}

	if _, err := s.runs.Create(ctx, run.ID, data); err != nil {
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(err, "PipelineStore", "CreateRun",
				fmt.Sprintf("run %s already exists", run.ID))
		}
		return errors.WrapTransient(err, "PipelineStore", "CreateRun", "create in KV")
	}

	s.logger.Info("pipeline run created",
		"run", run.ID,
		"repo", run.Repo,
		"branch", run.Branch,
		"environment", run.Environment.String())
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, errors.WrapInvalid(stderrors.New("run ID cannot be empty"),
			"PipelineStore", "GetRun", "id validation")
	}

	entry, err := s.runs.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapInvalid(errors.ErrRunNotFound, "PipelineStore", "GetRun",
				fmt.Sprintf("run %s", id))
		}
		return nil, errors.WrapTransient(err, "PipelineStore", "GetRun", "get from KV")
	}

	var run Run
	if err := json.Unmarshal(entry.Value, &run); err != nil {
		return nil, errors.WrapFatal(err, "PipelineStore", "GetRun", "unmarshal run")
	}

	return &run, nil
}

// TransitionRun moves a run to the next stage under a CAS loop and
// applies mutate (if non-nil) after the transition. The mutate hook is
// where built versions, release IDs, approvals, and failure messages
// get attached. Returns the stored record.
func (s *Store) TransitionRun(ctx context.Context, id string, next Stage,
	mutate func(*Run)) (*Run, error) {

	if id == "" {
		return nil, errors.WrapInvalid(stderrors.New("run ID cannot be empty"),
			"PipelineStore", "TransitionRun", "id validation")
	}

	var stored Run

	err := s.runs.UpdateWithRetry(ctx, id, func(current []byte) ([]byte, error) {
		if len(current) == 0 {
			return nil, fmt.Errorf("%w: run %s", errors.ErrRunNotFound, id)
		}

		var run Run
		if err := json.Unmarshal(current, &run); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}

		if err := run.Transition(next); err != nil {
			return nil, err
		}
		if mutate != nil {
			mutate(&run)
		}

		stored = run
		return json.Marshal(run)
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrRunNotFound) {
			return nil, errors.WrapInvalid(errors.ErrRunNotFound, "PipelineStore", "TransitionRun",
				fmt.Sprintf("run %s", id))
		}
		if errors.IsInvalid(err) {
			// Stage machine violation from the closure.
			return nil, err
		}
		return nil, errors.WrapTransient(err, "PipelineStore", "TransitionRun", "update in KV")
	}

	s.logger.Debug("pipeline run transitioned", "run", id, "to", next.String())
	return &stored, nil
}

// ListRuns retrieves all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]*Run, error) {
	keys, err := s.runs.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "PipelineStore", "ListRuns", "list KV keys")
	}

	runs := make([]*Run, 0, len(keys))
	for _, key := range keys {
		run, err := s.GetRun(ctx, key)
		if err != nil {
			if stderrors.Is(err, errors.ErrRunNotFound) {
				continue
			}
			return nil, errors.WrapTransient(err, "PipelineStore", "ListRuns",
				fmt.Sprintf("get run %s", key))
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	return runs, nil
}
