// Package advisor turns deployment failures into runbook hints. A small
// rule table maps error signatures onto the operational scenarios the
// platform runbooks cover (service won't start, database connection
// failure, circular service-URL dependency, infrastructure state lock);
// each hit yields a Hint with the likely cause and the remediation an
// operator should run. When an OpenAI API key resolves, an optional
// summarizer condenses the failure into a few sentences; without a key
// it stays off and nothing else changes. Advising is advisory: it never
// fails or blocks the operation that consulted it.
package advisor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/platform"
	"github.com/Peleke/MindMirror-sub002/secrets"
)

// SecretName is the secret the summarizer key resolves from. The legacy
// fallback is the OPENAI_API_KEY environment variable.
const SecretName = "openai-api-key"

// DefaultSummaryTimeout bounds a single summarization call.
const DefaultSummaryTimeout = 10 * time.Second

// Scenario names a runbook entry.
type Scenario string

// Runbook scenarios.
const (
	ScenarioServiceStart Scenario = "service-wont-start"
	ScenarioDatabase     Scenario = "database-connection"
	ScenarioCircularURL  Scenario = "circular-service-url"
	ScenarioStateLock    Scenario = "state-lock"
	ScenarioUnknown      Scenario = "unclassified"
)

// Hint is a diagnosis: which runbook scenario a failure matches, what
// probably went wrong, and what to do about it. Summary is only set
// when the LLM summarizer is enabled and succeeded.
type Hint struct {
	Scenario    Scenario `json:"scenario"`
	Cause       string   `json:"cause"`
	Remediation string   `json:"remediation"`
	Summary     string   `json:"summary,omitempty"`
}

// Failure describes what was being attempted when an error surfaced.
type Failure struct {
	Environment platform.Environment
	Operation   string
	Service     string
	Err         error
}

// rule matches an error by sentinel or by substring of its text, the
// same two-step test the errors package uses for classification.
type rule struct {
	scenario    Scenario
	sentinels   []error
	patterns    []string
	cause       string
	remediation string
}

func (r rule) matches(err error) bool {
	for _, sentinel := range r.sentinels {
		if stderrors.Is(err, sentinel) {
			return true
		}
	}
	text := strings.ToLower(err.Error())
	for _, pattern := range r.patterns {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

// runbook is ordered most specific first; the first match wins.
func runbook() []rule {
	return []rule{
		{
			scenario:  ScenarioStateLock,
			sentinels: []error{errors.ErrStateLocked},
			patterns:  []string{"state lock", "force-unlock", "lock id"},
			cause: "Another apply holds the infrastructure state lock, " +
				"or a crashed run never released it.",
			remediation: "Wait for the in-flight apply to finish. If its runner " +
				"is gone, force-unlock the state with the lock ID from the error, " +
				"then re-run the stage.",
		},
		{
			scenario:  ScenarioCircularURL,
			sentinels: []error{errors.ErrURLUnresolved},
			patterns:  []string{"url not yet resolved", "unresolved url", "circular"},
			cause: "A deploy needs a service URL that no completed deploy has " +
				"recorded yet. The gateway depends on every subgraph URL, so " +
				"composing before phase one finishes trips this.",
			remediation: "Deploy services first so each records its URL, then " +
				"compose and update the gateway. `sway services list` shows " +
				"which URLs are still missing.",
		},
		{
			scenario: ScenarioDatabase,
			patterns: []string{
				"database", "postgres", "sqlstate", "5432",
				"password authentication", "too many clients",
			},
			cause: "The service came up but cannot connect or authenticate " +
				"to its database.",
			remediation: "Confirm the database-url secret resolves " +
				"(`sway secrets check`), that the database accepts connections " +
				"from the service network, and that credentials have not " +
				"rotated since the last deploy.",
		},
		{
			scenario:  ScenarioServiceStart,
			sentinels: []error{errors.ErrHealthCheckFailed, errors.ErrServiceUnhealthy},
			patterns: []string{
				"health", "unhealthy", "exit code", "crashloop",
				"oomkilled", "image pull", "connection refused",
			},
			cause: "The service is not coming up: its container exits or never " +
				"passes health probes, usually a missing secret or a bad image tag.",
			remediation: "Read the service logs for the crash, verify the image " +
				"tag exists in the registry, and check that every secret the " +
				"service references resolves (`sway secrets check`).",
		},
	}
}

// Advisor diagnoses failures against the runbook.
type Advisor struct {
	rules  []rule
	llm    *summarizer
	logger *slog.Logger
}

type advisorConfig struct {
	logger  *slog.Logger
	secrets *secrets.Resolver
	apiKey  string
	baseURL string
	model   string
	timeout time.Duration
}

// Option configures an Advisor.
type Option func(*advisorConfig) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *advisorConfig) error {
		if logger == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Advisor", "WithLogger",
				"logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithSecrets points the advisor at a secrets resolver; the summarizer
// key is looked up under SecretName when New runs.
func WithSecrets(resolver *secrets.Resolver) Option {
	return func(cfg *advisorConfig) error {
		if resolver == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Advisor", "WithSecrets",
				"resolver cannot be nil")
		}
		cfg.secrets = resolver
		return nil
	}
}

// WithOpenAIKey sets the summarizer key directly, bypassing the
// secrets resolver.
func WithOpenAIKey(key string) Option {
	return func(cfg *advisorConfig) error {
		cfg.apiKey = key
		return nil
	}
}

// WithOpenAIBaseURL points the summarizer at an OpenAI-compatible
// endpoint (LocalAI, a test double).
func WithOpenAIBaseURL(url string) Option {
	return func(cfg *advisorConfig) error {
		if url == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Advisor", "WithOpenAIBaseURL",
				"base URL cannot be empty")
		}
		cfg.baseURL = url
		return nil
	}
}

// WithSummaryModel overrides the completion model.
func WithSummaryModel(model string) Option {
	return func(cfg *advisorConfig) error {
		if model == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Advisor", "WithSummaryModel",
				"model cannot be empty")
		}
		cfg.model = model
		return nil
	}
}

// WithSummaryTimeout bounds each summarization call.
func WithSummaryTimeout(timeout time.Duration) Option {
	return func(cfg *advisorConfig) error {
		if timeout <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Advisor", "WithSummaryTimeout",
				"timeout must be positive")
		}
		cfg.timeout = timeout
		return nil
	}
}

// New builds an Advisor. The summarizer turns on only when a key is
// set directly or resolves through the secrets resolver; a missing key
// is not an error.
func New(opts ...Option) (*Advisor, error) {
	cfg := advisorConfig{
		logger:  slog.Default(),
		model:   openai.GPT4oMini,
		timeout: DefaultSummaryTimeout,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	a := &Advisor{
		rules:  runbook(),
		logger: cfg.logger.With("component", "advisor"),
	}

	key := cfg.apiKey
	if key == "" && cfg.secrets != nil {
		secret, err := cfg.secrets.Resolve(SecretName)
		switch {
		case err != nil:
			a.logger.Warn("OpenAI key lookup failed, summaries stay off", "error", err)
		case secret == nil:
			a.logger.Debug("No OpenAI key configured, summaries stay off")
		default:
			key = secret.Value
		}
	}
	if key != "" {
		clientConfig := openai.DefaultConfig(key)
		if cfg.baseURL != "" {
			clientConfig.BaseURL = cfg.baseURL
		}
		clientConfig.HTTPClient = &http.Client{Timeout: cfg.timeout}
		a.llm = &summarizer{
			client:  openai.NewClientWithConfig(clientConfig),
			model:   cfg.model,
			timeout: cfg.timeout,
		}
		a.logger.Info("Failure summaries enabled", "model", cfg.model)
	}

	return a, nil
}

// SummariesEnabled reports whether the LLM summarizer is configured.
func (a *Advisor) SummariesEnabled() bool {
	return a.llm != nil
}

// Diagnose matches an error against the runbook. The second return is
// false when no rule matches.
func (a *Advisor) Diagnose(err error) (Hint, bool) {
	if err == nil {
		return Hint{}, false
	}
	for _, r := range a.rules {
		if r.matches(err) {
			return Hint{
				Scenario:    r.scenario,
				Cause:       r.cause,
				Remediation: r.remediation,
			}, true
		}
	}
	return Hint{}, false
}

// Advise diagnoses a failure and, when the summarizer is enabled, adds
// a short summary. It always returns a usable Hint: unmatched errors
// get an unclassified hint, and summarizer problems are logged and
// dropped rather than surfaced.
func (a *Advisor) Advise(ctx context.Context, failure Failure) Hint {
	if failure.Err == nil {
		return Hint{}
	}

	hint, ok := a.Diagnose(failure.Err)
	if !ok {
		hint = Hint{
			Scenario: ScenarioUnknown,
			Cause: fmt.Sprintf("%s error with no runbook entry",
				errors.Classify(failure.Err)),
			Remediation: "Read the daemon logs around this failure; transient " +
				"errors usually clear on a re-run of the stage.",
		}
	}

	if a.llm != nil {
		summary, err := a.llm.summarize(ctx, failure, hint)
		if err != nil {
			a.logger.Warn("Failure summary failed",
				"scenario", hint.Scenario, "error", err)
		} else {
			hint.Summary = summary
		}
	}

	a.logger.Info("Diagnosed failure",
		"scenario", hint.Scenario,
		"environment", failure.Environment,
		"operation", failure.Operation,
		"service", failure.Service,
		"error", failure.Err)
	return hint
}
