package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/pkg/security"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// Config is the complete control-plane configuration. Sections map 1:1 to
// the internal services that consume them; durations are written as Go
// duration strings in YAML ("30s", "5m", "14d").
type Config struct {
	Version      string             `json:"version,omitempty"`
	Platform     PlatformConfig     `json:"platform"`
	NATS         NATSConfig         `json:"nats"`
	Server       ServerConfig       `json:"server"`
	Registry     RegistryConfig     `json:"registry"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Pipeline     PipelineConfig     `json:"pipeline"`
	Gateway      GatewayConfig      `json:"gateway"`
	HealthCheck  HealthCheckConfig  `json:"healthcheck"`
	Secrets      SecretsConfig      `json:"secrets"`
	Events       EventsConfig       `json:"events"`
	Notify       NotifyConfig       `json:"notify"`
	Advisor      AdvisorConfig      `json:"advisor"`
	Security     security.Config    `json:"security"`
}

// PlatformConfig identifies this control-plane instance and the
// environment it manages.
type PlatformConfig struct {
	// Environment is the deployment environment this instance manages:
	// dev, staging, or production.
	Environment string `json:"environment"`

	// InstanceID distinguishes replicas sharing one environment. Optional.
	InstanceID string `json:"instance_id,omitempty"`

	Region    string `json:"region,omitempty"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// Env returns the parsed environment.
func (p PlatformConfig) Env() (platform.Environment, error) {
	return platform.ParseEnvironment(p.Environment)
}

// NATSConfig configures the message bus connection shared by every
// internal service.
type NATSConfig struct {
	URLs          []string      `json:"urls"`
	Name          string        `json:"name,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	CredsFile     string        `json:"creds_file,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	PingInterval  time.Duration `json:"ping_interval,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	DrainTimeout  time.Duration `json:"drain_timeout,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty"`
}

// NATSTLSConfig configures TLS for the NATS connection.
type NATSTLSConfig struct {
	Enabled            bool   `json:"enabled,omitempty"`
	CertFile           string `json:"cert_file,omitempty"`
	KeyFile            string `json:"key_file,omitempty"`
	CAFile             string `json:"ca_file,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
}

// ServerConfig configures the control-plane API server that carries the
// management API, the webhook receiver, and the event stream.
type ServerConfig struct {
	Addr            string        `json:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout,omitempty"`
	WriteTimeout    time.Duration `json:"write_timeout,omitempty"`
	IdleTimeout     time.Duration `json:"idle_timeout,omitempty"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout,omitempty"`
}

// RegistryConfig configures the service registry.
type RegistryConfig struct {
	// Bucket is the KV bucket holding service specs.
	Bucket string `json:"bucket"`

	// SeedCatalog loads the built-in MindMirror service catalog into an
	// empty registry on startup.
	SeedCatalog bool `json:"seed_catalog"`
}

// OrchestratorConfig bounds deployment execution.
type OrchestratorConfig struct {
	// MaxParallel caps how many services deploy concurrently within one
	// release.
	MaxParallel int `json:"max_parallel"`

	DeployTimeout         time.Duration `json:"deploy_timeout"`
	HealthTimeout         time.Duration `json:"health_timeout"`
	GatewayRebuildTimeout time.Duration `json:"gateway_rebuild_timeout"`

	// RollbackOnFailure rolls a release back automatically when any
	// service fails to become healthy.
	RollbackOnFailure bool `json:"rollback_on_failure"`

	Runner RunnerConfig `json:"runner"`
}

// RunnerConfig locates the deploy runner that executes infrastructure
// changes. With no URL configured, deploys resolve against the static
// URL map instead of calling out, which keeps local runs offline.
type RunnerConfig struct {
	URL string `json:"url,omitempty"`

	// TokenSecret names the secret holding the bearer token presented
	// to the runner.
	TokenSecret string `json:"token_secret,omitempty"`

	// StaticURLs maps service names to fixed URLs for runnerless runs.
	StaticURLs map[string]string `json:"static_urls,omitempty"`

	// StaticGatewayURL is the gateway address reported in runnerless
	// runs.
	StaticGatewayURL string `json:"static_gateway_url,omitempty"`
}

// Static reports whether deploys run against fixed URLs instead of a
// runner.
func (r RunnerConfig) Static() bool {
	return r.URL == ""
}

// PipelineConfig configures the GitOps pipeline runner.
type PipelineConfig struct {
	Workers      int           `json:"workers"`
	QueueSize    int           `json:"queue_size"`
	StageTimeout time.Duration `json:"stage_timeout"`

	// ApprovalTimeout bounds how long a release may sit awaiting manual
	// approval before the pipeline fails it.
	ApprovalTimeout time.Duration `json:"approval_timeout"`

	// AuditStream is the JetStream stream recording pipeline history.
	AuditStream string `json:"audit_stream"`

	// WebhookTokenSecret names the secret holding the shared token that
	// authenticates push webhooks.
	WebhookTokenSecret string `json:"webhook_token_secret"`

	// CIRunnerURL locates the CI runner executing build, push, and
	// apply stages. The pipeline stays disabled while it is empty.
	CIRunnerURL string `json:"ci_runner_url,omitempty"`

	// CIRunnerTokenSecret names the secret holding the runner's bearer
	// token.
	CIRunnerTokenSecret string `json:"ci_runner_token_secret,omitempty"`
}

// Enabled reports whether the pipeline has a CI runner to execute
// stages against.
func (p PipelineConfig) Enabled() bool {
	return p.CIRunnerURL != ""
}

// GatewayConfig configures the GraphQL gateway listener.
type GatewayConfig struct {
	Listen           string        `json:"listen"`
	GraphQLPath      string        `json:"graphql_path"`
	EnablePlayground bool          `json:"enable_playground"`
	RequestTimeout   time.Duration `json:"request_timeout"`
	MaxRequestBytes  int64         `json:"max_request_bytes"`

	// OperationCacheSize bounds the parsed-operation LRU cache.
	OperationCacheSize int `json:"operation_cache_size"`

	// SchemaCacheTTL bounds how long a composed supergraph is served
	// before the gateway checks for a newer artifact.
	SchemaCacheTTL time.Duration `json:"schema_cache_ttl"`

	CORS CORSConfig `json:"cors"`
}

// CORSConfig configures cross-origin access to the gateway.
type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	AllowedHeaders []string `json:"allowed_headers,omitempty"`
	MaxAge         int      `json:"max_age,omitempty"`
}

// HealthCheckConfig configures the background health monitor.
type HealthCheckConfig struct {
	Interval         time.Duration `json:"interval"`
	Timeout          time.Duration `json:"timeout"`
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`

	// RateLimit caps probe requests per second across all services;
	// RateBurst allows short bursts above it.
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`
}

// SecretsConfig locates mounted secrets.
type SecretsConfig struct {
	MountDir string `json:"mount_dir"`
}

// EventsConfig configures the deployment event stream.
type EventsConfig struct {
	BufferSize   int           `json:"buffer_size"`
	PingInterval time.Duration `json:"ping_interval"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// NotifyConfig configures outbound webhook notifications.
type NotifyConfig struct {
	Enabled     bool          `json:"enabled"`
	URL         string        `json:"url,omitempty"`
	Timeout     time.Duration `json:"timeout"`
	MaxAttempts int           `json:"max_attempts"`

	// TokenSecret names the secret holding the bearer token presented to
	// the receiver.
	TokenSecret string `json:"token_secret"`
}

// AdvisorConfig configures the LLM deployment advisor.
type AdvisorConfig struct {
	Enabled     bool   `json:"enabled"`
	Model       string `json:"model"`
	MaxTokens   int    `json:"max_tokens"`
	TokenSecret string `json:"token_secret"`
}

// Defaults returns a fully populated configuration suitable for local
// development against a NATS server on localhost.
func Defaults() *Config {
	return &Config{
		Version: "1.0.0",
		Platform: PlatformConfig{
			Environment: string(platform.EnvDev),
			LogLevel:    "info",
			LogFormat:   "json",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "sway-control-plane",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: -1,
			PingInterval:  30 * time.Second,
			Timeout:       5 * time.Second,
			DrainTimeout:  10 * time.Second,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Registry: RegistryConfig{
			Bucket:      "sway_services",
			SeedCatalog: true,
		},
		Orchestrator: OrchestratorConfig{
			MaxParallel:           4,
			DeployTimeout:         5 * time.Minute,
			HealthTimeout:         2 * time.Minute,
			GatewayRebuildTimeout: time.Minute,
			RollbackOnFailure:     true,
			Runner: RunnerConfig{
				TokenSecret: "deploy-runner-token",
			},
		},
		Pipeline: PipelineConfig{
			Workers:            4,
			QueueSize:          64,
			StageTimeout:       10 * time.Minute,
			ApprovalTimeout:    24 * time.Hour,
			AuditStream:         "SWAY_AUDIT",
			WebhookTokenSecret:  "webhook-token",
			CIRunnerTokenSecret: "ci-runner-token",
		},
		Gateway: GatewayConfig{
			Listen:             ":4000",
			GraphQLPath:        "/graphql",
			EnablePlayground:   true,
			RequestTimeout:     30 * time.Second,
			MaxRequestBytes:    1 << 20,
			OperationCacheSize: 1000,
			SchemaCacheTTL:     30 * time.Second,
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
				MaxAge:         300,
			},
		},
		HealthCheck: HealthCheckConfig{
			Interval:         15 * time.Second,
			Timeout:          5 * time.Second,
			FailureThreshold: 3,
			SuccessThreshold: 2,
			RateLimit:        10,
			RateBurst:        5,
		},
		Secrets: SecretsConfig{
			MountDir: "/secrets",
		},
		Events: EventsConfig{
			BufferSize:   64,
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Notify: NotifyConfig{
			Enabled:     false,
			Timeout:     10 * time.Second,
			MaxAttempts: 3,
			TokenSecret: "notify-token",
		},
		Advisor: AdvisorConfig{
			Enabled:     false,
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			TokenSecret: "openai-api-key",
		},
	}
}

// Validate checks the full configuration. The first violation found is
// returned; violations carry the invalid class so retry helpers never
// retry them.
func (c *Config) Validate() error {
	if c.Version != "" {
		if _, _, _, err := parseSemVer(c.Version); err != nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("version %q is not valid semver", c.Version))
		}
	}
	if err := c.Platform.validate(); err != nil {
		return err
	}
	if err := c.NATS.validate(); err != nil {
		return err
	}
	if err := c.Server.validate(); err != nil {
		return err
	}
	if err := c.Registry.validate(); err != nil {
		return err
	}
	if err := c.Orchestrator.validate(); err != nil {
		return err
	}
	if err := c.Pipeline.validate(); err != nil {
		return err
	}
	if err := c.Gateway.validate(); err != nil {
		return err
	}
	if err := c.HealthCheck.validate(); err != nil {
		return err
	}
	if err := c.Events.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return c.validateSecurity()
}

func (p PlatformConfig) validate() error {
	if _, err := platform.ParseEnvironment(p.Environment); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("platform.environment %q is not one of dev, staging, production", p.Environment))
	}
	switch p.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("platform.log_level %q is not one of debug, info, warn, error", p.LogLevel))
	}
	switch p.LogFormat {
	case "json", "text":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("platform.log_format %q is not one of json, text", p.LogFormat))
	}
	return nil
}

func (n NATSConfig) validate() error {
	if len(n.URLs) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"nats.urls is required")
	}
	for _, u := range n.URLs {
		if !strings.HasPrefix(u, "nats://") && !strings.HasPrefix(u, "tls://") {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("nats url %q must use the nats:// or tls:// scheme", u))
		}
	}
	if n.MaxReconnects < -1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"nats.max_reconnects must be -1 (unlimited) or greater")
	}
	if n.TLS.Enabled {
		if (n.TLS.CertFile == "") != (n.TLS.KeyFile == "") {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"nats.tls cert_file and key_file must be set together")
		}
		for _, f := range []string{n.TLS.CertFile, n.TLS.KeyFile, n.TLS.CAFile} {
			if f == "" {
				continue
			}
			if _, err := os.Stat(f); err != nil {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
					fmt.Sprintf("nats.tls file %q is not readable", f))
			}
		}
	}
	return nil
}

func (s ServerConfig) validate() error {
	if s.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"server.addr is required")
	}
	return nil
}

func (r RegistryConfig) validate() error {
	if r.Bucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"registry.bucket is required")
	}
	if !isValidBucketName(r.Bucket) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("registry.bucket %q: letters, digits, '-' and '_' only", r.Bucket))
	}
	return nil
}

func (o OrchestratorConfig) validate() error {
	if o.MaxParallel < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"orchestrator.max_parallel must be at least 1")
	}
	if o.DeployTimeout <= 0 || o.HealthTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"orchestrator timeouts must be positive")
	}
	if o.Runner.URL != "" && !strings.HasPrefix(o.Runner.URL, "http://") &&
		!strings.HasPrefix(o.Runner.URL, "https://") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("orchestrator.runner.url %q must use http or https", o.Runner.URL))
	}
	return nil
}

func (p PipelineConfig) validate() error {
	if p.Workers < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"pipeline.workers must be at least 1")
	}
	if p.QueueSize < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"pipeline.queue_size must be at least 1")
	}
	if p.AuditStream == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"pipeline.audit_stream is required")
	}
	if !isValidBucketName(p.AuditStream) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("pipeline.audit_stream %q: letters, digits, '-' and '_' only", p.AuditStream))
	}
	if p.CIRunnerURL != "" && !strings.HasPrefix(p.CIRunnerURL, "http://") &&
		!strings.HasPrefix(p.CIRunnerURL, "https://") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("pipeline.ci_runner_url %q must use http or https", p.CIRunnerURL))
	}
	return nil
}

func (g GatewayConfig) validate() error {
	if g.Listen == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"gateway.listen is required")
	}
	if !strings.HasPrefix(g.GraphQLPath, "/") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("gateway.graphql_path %q must start with /", g.GraphQLPath))
	}
	if g.OperationCacheSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"gateway.operation_cache_size cannot be negative")
	}
	if g.MaxRequestBytes < 1024 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"gateway.max_request_bytes must be at least 1024")
	}
	return nil
}

func (h HealthCheckConfig) validate() error {
	if h.Interval <= 0 || h.Timeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"healthcheck interval and timeout must be positive")
	}
	if h.Timeout >= h.Interval {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"healthcheck.timeout must be shorter than healthcheck.interval")
	}
	if h.FailureThreshold < 1 || h.SuccessThreshold < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"healthcheck thresholds must be at least 1")
	}
	return nil
}

func (e EventsConfig) validate() error {
	if e.BufferSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"events.buffer_size must be positive")
	}
	if e.PingInterval <= 0 || e.WriteTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"events timing values must be positive")
	}
	return nil
}

func (n NotifyConfig) validate() error {
	if !n.Enabled {
		return nil
	}
	if n.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"notify.url is required when notify is enabled")
	}
	if !strings.HasPrefix(n.URL, "http://") && !strings.HasPrefix(n.URL, "https://") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("notify.url %q must use http or https", n.URL))
	}
	if n.MaxAttempts < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"notify.max_attempts must be at least 1")
	}
	return nil
}

func (c *Config) validateSecurity() error {
	srv := c.Security.TLS.Server
	if srv.Enabled {
		switch srv.Mode {
		case "", "manual":
			if srv.CertFile == "" || srv.KeyFile == "" {
				return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
					"security.tls.server cert and key files are required in manual mode")
			}
			for _, f := range []string{srv.CertFile, srv.KeyFile} {
				if _, err := os.Stat(f); err != nil {
					return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
						fmt.Sprintf("security.tls.server file %q is not readable", f))
				}
			}
		case "acme":
			if len(srv.ACME.Domains) == 0 || srv.ACME.Email == "" {
				return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
					"security.tls.server acme mode requires domains and email")
			}
		default:
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("security.tls.server.mode %q is not one of manual, acme", srv.Mode))
		}
		if err := validateTLSVersion(srv.MinVersion); err != nil {
			return err
		}
	}

	cli := c.Security.TLS.Client
	if cli.InsecureSkipVerify {
		// Deliberately loud: this disables certificate verification.
		fmt.Fprintf(os.Stderr,
			"WARNING: security.tls.client.insecureSkipVerify is enabled\n")
	}
	return validateTLSVersion(cli.MinVersion)
}

func validateTLSVersion(v string) error {
	switch v {
	case "", "1.2", "1.3":
		return nil
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("TLS min version %q is not one of 1.2, 1.3", v))
	}
}

func isValidBucketName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return name != ""
}

// parseSemVer parses "major.minor.patch", tolerating a leading "v".
func parseSemVer(version string) (int, int, int, error) {
	v := strings.TrimPrefix(version, "v")
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("expected major.minor.patch, got %q", version)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("segment %q is not a non-negative integer", p)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}

// Clone returns a deep copy so callers can mutate freely.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String renders the config as indented JSON. Credentials are included;
// do not log the result at info level.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps cfg. A nil cfg yields an empty config rather than
// a nil dereference later.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update swaps in a new configuration after validating it.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update",
			"config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
