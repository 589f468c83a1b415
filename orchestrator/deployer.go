package orchestrator

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
	"sync"
	"time"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/pkg/retry"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// Deployer provisions workloads. Phase one deploys service versions;
// phase two rolls the federation gateway onto a composed artifact. Both
// calls return the URL the workload answers at.
type Deployer interface {
	DeployService(ctx context.Context, env platform.Environment, version platform.ServiceVersion) (string, error)
	DeployGateway(ctx context.Context, env platform.Environment, supergraphHash string) (string, error)
}

// DefaultRunnerTimeout bounds one runner request. Runner calls block
// until the underlying infrastructure change finishes, so the budget is
// generous.
const DefaultRunnerTimeout = 2 * time.Minute

// HTTPDeployer drives a deploy runner over HTTP. The runner owns the
// actual infrastructure work; this client posts the desired state and
// reads back the workload URL. Runner applies are idempotent per
// environment, service, and tag, so failed calls are retried.
type HTTPDeployer struct {
	base     string
	token    string
	client   *http.Client
	retryCfg retry.Config
	logger   *slog.Logger
}

// HTTPDeployerOption configures an HTTPDeployer.
type HTTPDeployerOption func(*HTTPDeployer) error

// WithRunnerToken sets the bearer token sent on every runner request.
func WithRunnerToken(token string) HTTPDeployerOption {
	return func(d *HTTPDeployer) error {
		if token == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "HTTPDeployer", "WithRunnerToken",
				"token cannot be empty")
		}
		d.token = token
		return nil
	}
}

// WithRunnerClient replaces the HTTP transport.
func WithRunnerClient(client *http.Client) HTTPDeployerOption {
	return func(d *HTTPDeployer) error {
		if client == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "HTTPDeployer", "WithRunnerClient",
				"client cannot be nil")
		}
		d.client = client
		return nil
	}
}

// WithRunnerRetry replaces the retry policy for runner calls.
func WithRunnerRetry(cfg retry.Config) HTTPDeployerOption {
	return func(d *HTTPDeployer) error {
		d.retryCfg = cfg
		return nil
	}
}

// WithRunnerLogger sets the logger. Nil falls back to slog.Default.
func WithRunnerLogger(logger *slog.Logger) HTTPDeployerOption {
	return func(d *HTTPDeployer) error {
		if logger != nil {
			d.logger = logger
		}
		return nil
	}
}

// NewHTTPDeployer creates a deployer talking to the runner at baseURL.
func NewHTTPDeployer(baseURL string, opts ...HTTPDeployerOption) (*HTTPDeployer, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: runner URL %q must be absolute http(s)", errors.ErrInvalidConfig, baseURL),
			"HTTPDeployer", "NewHTTPDeployer", "URL validation")
	}

	d := &HTTPDeployer{
		base:     strings.TrimSuffix(baseURL, "/"),
		retryCfg: retry.Probe(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: DefaultRunnerTimeout}
	}
	d.logger = d.logger.With("component", "deployer")
	return d, nil
}

type runnerDeployRequest struct {
	Environment string `json:"environment"`
	Service     string `json:"service"`
	Image       string `json:"image"`
	Tag         string `json:"tag"`
	GitSHA      string `json:"git_sha,omitempty"`
}

type runnerGatewayRequest struct {
	Environment    string `json:"environment"`
	SupergraphHash string `json:"supergraph_hash"`
}

type runnerResponse struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// DeployService posts one service version to the runner and returns the
// URL it answers at.
func (d *HTTPDeployer) DeployService(ctx context.Context, env platform.Environment, version platform.ServiceVersion) (string, error) {
	body, err := json.Marshal(runnerDeployRequest{
		Environment: env.String(),
		Service:     version.Name,
		Image:       version.Image,
		Tag:         version.Tag,
		GitSHA:      version.GitSHA,
	})
	if err != nil {
		return "", errors.WrapFatal(err, "HTTPDeployer", "DeployService", "marshal request")
	}

	d.logger.Info("Deploying service", "service", version.Name, "environment", env, "tag", version.Tag)
	resp, err := d.post(ctx, "/deploy", body)
	if err != nil {
		return "", errors.Wrap(err, "HTTPDeployer", "DeployService", "deploy "+version.Name)
	}
	if resp.URL == "" {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: runner answered without a URL for %s", errors.ErrInvalidData, version.Name),
			"HTTPDeployer", "DeployService", "decode runner response")
	}
	return resp.URL, nil
}

// DeployGateway points the environment's gateway at a composed artifact
// and returns the gateway URL.
func (d *HTTPDeployer) DeployGateway(ctx context.Context, env platform.Environment, supergraphHash string) (string, error) {
	body, err := json.Marshal(runnerGatewayRequest{
		Environment:    env.String(),
		SupergraphHash: supergraphHash,
	})
	if err != nil {
		return "", errors.WrapFatal(err, "HTTPDeployer", "DeployGateway", "marshal request")
	}

	d.logger.Info("Rolling gateway", "environment", env, "supergraph", supergraphHash)
	resp, err := d.post(ctx, "/gateway", body)
	if err != nil {
		return "", errors.Wrap(err, "HTTPDeployer", "DeployGateway", "roll gateway")
	}
	if resp.URL == "" {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: runner answered without a gateway URL", errors.ErrInvalidData),
			"HTTPDeployer", "DeployGateway", "decode runner response")
	}
	return resp.URL, nil
}

// post issues one runner call under the retry policy. 423 means the
// runner's state lock is held and clears on its own; 429 and 5xx are
// transient; other 4xx answers are final.
func (d *HTTPDeployer) post(ctx context.Context, path string, body []byte) (*runnerResponse, error) {
	var out runnerResponse
	err := retry.Do(ctx, d.retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+path, bytes.NewReader(body))
		if err != nil {
			return retry.NonRetryable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if d.token != "" {
			req.Header.Set("Authorization", "Bearer "+d.token)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.NonRetryable(err)
			}
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			out = runnerResponse{}
			if err := json.Unmarshal(raw, &out); err != nil {
				return retry.NonRetryable(fmt.Errorf("%w: %s", errors.ErrParsingFailed, err))
			}
			return nil
		case resp.StatusCode == http.StatusLocked:
			return fmt.Errorf("%w: %s", errors.ErrStateLocked, runnerError(raw))
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", errors.ErrRateLimited, runnerError(raw))
		case resp.StatusCode >= 500:
			return fmt.Errorf("runner status %d: %s", resp.StatusCode, runnerError(raw))
		default:
			return retry.NonRetryable(fmt.Errorf("%w: runner status %d: %s",
				errors.ErrInvalidData, resp.StatusCode, runnerError(raw)))
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// runnerError pulls the runner's error message out of a response body,
// falling back to a short body snippet.
func runnerError(raw []byte) string {
	var out runnerResponse
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

// StaticDeployer answers deploys from a fixed URL table. It backs
// environments where workloads are provisioned out of band, and tests
// that need deterministic URLs.
type StaticDeployer struct {
	mu      sync.RWMutex
	urls    map[string]string
	gateway string
}

// NewStaticDeployer creates a deployer answering from the given tables.
func NewStaticDeployer(serviceURLs map[string]string, gatewayURL string) *StaticDeployer {
	urls := make(map[string]string, len(serviceURLs))
	for name, u := range serviceURLs {
		urls[name] = u
	}
	return &StaticDeployer{urls: urls, gateway: gatewayURL}
}

// SetURL fixes the URL answered for a service.
func (d *StaticDeployer) SetURL(service, serviceURL string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls[service] = serviceURL
}

// DeployService answers the service's fixed URL.
func (d *StaticDeployer) DeployService(_ context.Context, _ platform.Environment, version platform.ServiceVersion) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.urls[version.Name]
	if !ok {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: no static URL for %s", errors.ErrURLUnresolved, version.Name),
			"StaticDeployer", "DeployService", "URL lookup")
	}
	return u, nil
}

// DeployGateway answers the fixed gateway URL.
func (d *StaticDeployer) DeployGateway(_ context.Context, _ platform.Environment, _ string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.gateway == "" {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: no static gateway URL", errors.ErrURLUnresolved),
			"StaticDeployer", "DeployGateway", "URL lookup")
	}
	return d.gateway, nil
}
