package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/pkg/retry"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// Builder produces the service images for a run's commit. The versions
// it returns become the release deployed later in the run.
type Builder interface {
	Build(ctx context.Context, run *Run) ([]platform.ServiceVersion, error)
}

// Pusher publishes built images to the registry the environment pulls
// from.
type Pusher interface {
	Push(ctx context.Context, run *Run, versions []platform.ServiceVersion) error
}

// Applier converges the environment's infrastructure onto the commit
// before anything deploys. A held state lock surfaces as
// ErrStateLocked.
type Applier interface {
	Apply(ctx context.Context, run *Run) error
}

// DefaultExecutorTimeout bounds one CI runner request. Builds and
// applies block until the underlying job finishes, so the budget is
// generous.
const DefaultExecutorTimeout = 10 * time.Minute

// HTTPExecutor drives a CI runner over HTTP, one endpoint per stage:
// POST /build, /push, /apply. The runner owns the actual jobs; this
// client posts the run's coordinates and reads back results. Runner
// jobs are idempotent per commit, so failed calls are retried.
type HTTPExecutor struct {
	base     string
	token    string
	client   *http.Client
	retryCfg retry.Config
	logger   *slog.Logger
}

// ExecutorOption configures an HTTPExecutor.
type ExecutorOption func(*HTTPExecutor) error

// WithExecutorToken sets the bearer token sent on every runner
// request.
func WithExecutorToken(token string) ExecutorOption {
	return func(e *HTTPExecutor) error {
		if token == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "HTTPExecutor", "WithExecutorToken",
				"token cannot be empty")
		}
		e.token = token
		return nil
	}
}

// WithExecutorClient replaces the HTTP transport.
func WithExecutorClient(client *http.Client) ExecutorOption {
	return func(e *HTTPExecutor) error {
		if client == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "HTTPExecutor", "WithExecutorClient",
				"client cannot be nil")
		}
		e.client = client
		return nil
	}
}

// WithExecutorRetry replaces the retry policy for runner calls.
func WithExecutorRetry(cfg retry.Config) ExecutorOption {
	return func(e *HTTPExecutor) error {
		e.retryCfg = cfg
		return nil
	}
}

// WithExecutorLogger sets the logger. Nil falls back to slog.Default.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *HTTPExecutor) error {
		if logger != nil {
			e.logger = logger
		}
		return nil
	}
}

// NewHTTPExecutor creates an executor talking to the CI runner at
// baseURL.
func NewHTTPExecutor(baseURL string, opts ...ExecutorOption) (*HTTPExecutor, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: runner URL %q must be absolute http(s)", errors.ErrInvalidConfig, baseURL),
			"HTTPExecutor", "NewHTTPExecutor", "URL validation")
	}

	e := &HTTPExecutor{
		base:     strings.TrimSuffix(baseURL, "/"),
		retryCfg: retry.Probe(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: DefaultExecutorTimeout}
	}
	e.logger = e.logger.With("component", "executor")
	return e, nil
}

type ciJobRequest struct {
	RunID       string                    `json:"run_id"`
	Repo        string                    `json:"repo"`
	Branch      string                    `json:"branch"`
	Commit      string                    `json:"commit"`
	Tag         string                    `json:"tag,omitempty"`
	Environment string                    `json:"environment"`
	Services    []platform.ServiceVersion `json:"services,omitempty"`
}

type ciResponse struct {
	Services []platform.ServiceVersion `json:"services,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// Build asks the runner to build images for the run's commit and
// returns the versions it produced.
func (e *HTTPExecutor) Build(ctx context.Context, run *Run) ([]platform.ServiceVersion, error) {
	e.logger.Info("Building images", "run", run.ID, "repo", run.Repo, "commit", run.Commit)
	resp, err := e.post(ctx, "/build", run, nil)
	if err != nil {
		return nil, errors.Wrap(err, "HTTPExecutor", "Build", "build "+run.Commit)
	}
	if len(resp.Services) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: runner built no services for %s", errors.ErrInvalidData, run.Commit),
			"HTTPExecutor", "Build", "decode runner response")
	}
	for _, sv := range resp.Services {
		if sv.Name == "" || sv.Image == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: built version %q missing name or image", errors.ErrInvalidData, sv.Name),
				"HTTPExecutor", "Build", "decode runner response")
		}
	}
	return resp.Services, nil
}

// Push asks the runner to publish the built images.
func (e *HTTPExecutor) Push(ctx context.Context, run *Run, versions []platform.ServiceVersion) error {
	if len(versions) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: nothing to push for run %s", errors.ErrInvalidData, run.ID),
			"HTTPExecutor", "Push", "versions validation")
	}
	e.logger.Info("Pushing images", "run", run.ID, "services", len(versions))
	if _, err := e.post(ctx, "/push", run, versions); err != nil {
		return errors.Wrap(err, "HTTPExecutor", "Push", "push "+run.Commit)
	}
	return nil
}

// Apply asks the runner to converge infrastructure onto the run's
// commit. A state lock held past the retry budget comes back as
// ErrStateLocked; the advisor maps it to the force-unlock runbook.
func (e *HTTPExecutor) Apply(ctx context.Context, run *Run) error {
	e.logger.Info("Applying infrastructure", "run", run.ID, "environment", run.Environment)
	if _, err := e.post(ctx, "/apply", run, nil); err != nil {
		return errors.Wrap(err, "HTTPExecutor", "Apply", "apply "+run.Commit)
	}
	return nil
}

// post issues one runner call under the retry policy. 423 means the
// runner's state lock is held and usually clears on its own; 429 and
// 5xx are transient; other 4xx answers are final.
func (e *HTTPExecutor) post(ctx context.Context, path string, run *Run,
	versions []platform.ServiceVersion) (*ciResponse, error) {

	body, err := json.Marshal(ciJobRequest{
		RunID:       run.ID,
		Repo:        run.Repo,
		Branch:      run.Branch,
		Commit:      run.Commit,
		Tag:         run.Tag,
		Environment: run.Environment.String(),
		Services:    versions,
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "HTTPExecutor", "post", "marshal request")
	}

	var out ciResponse
	err = retry.Do(ctx, e.retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base+path, bytes.NewReader(body))
		if err != nil {
			return retry.NonRetryable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if e.token != "" {
			req.Header.Set("Authorization", "Bearer "+e.token)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.NonRetryable(err)
			}
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			out = ciResponse{}
			if err := json.Unmarshal(raw, &out); err != nil {
				return retry.NonRetryable(fmt.Errorf("%w: %s", errors.ErrParsingFailed, err))
			}
			return nil
		case resp.StatusCode == http.StatusLocked:
			return fmt.Errorf("%w: %s", errors.ErrStateLocked, ciError(raw))
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", errors.ErrRateLimited, ciError(raw))
		case resp.StatusCode >= 500:
			return fmt.Errorf("runner status %d: %s", resp.StatusCode, ciError(raw))
		default:
			return retry.NonRetryable(fmt.Errorf("%w: runner status %d: %s",
				errors.ErrInvalidData, resp.StatusCode, ciError(raw)))
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ciError pulls the runner's error message out of a response body,
// falling back to a short body snippet.
func ciError(raw []byte) string {
	var out ciResponse
	if err := json.Unmarshal(raw, &out); err == nil && out.Error != "" {
		return out.Error
	}
	snippet := strings.TrimSpace(string(raw))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	if snippet == "" {
		return "no response body"
	}
	return snippet
}
