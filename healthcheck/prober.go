package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/metric"
	"github.com/Peleke/MindMirror-sub002/pkg/retry"
)

// Every platform service answers on both paths: /health is what Cloud
// Run probes, /healthcheck is what the legacy deploy scripts polled.
// The contract is kept on both so neither caller breaks.
var probePaths = [2]string{"/health", "/healthcheck"}

// Prober defaults.
const (
	DefaultProbeTimeout  = 5 * time.Second
	DefaultMaxConcurrent = 8
	DefaultRateLimit     = 10 // probes per second per target
	DefaultRateBurst     = 5
)

// ProbeResult is the outcome of probing one service.
type ProbeResult struct {
	Service    string        `json:"service"`
	Healthy    bool          `json:"healthy"`
	Endpoint   string        `json:"endpoint,omitempty"` // failing path when unhealthy
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	CheckedAt  time.Time     `json:"checked_at"`
	Reason     string        `json:"reason,omitempty"` // sanitized
}

// Prober issues health probes against service endpoints.
type Prober struct {
	client        *http.Client
	timeout       time.Duration
	maxConcurrent int
	logger        *slog.Logger

	// Per-target limiters are created on first probe and shared across
	// sweeps so a hot redeploy loop cannot hammer one service.
	limitMu   sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	rateBurst int

	probesTotal   *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
}

// ProberOption configures a Prober.
type ProberOption func(*Prober) error

// WithTimeout bounds each probe request.
func WithTimeout(d time.Duration) ProberOption {
	return func(p *Prober) error {
		if d <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Prober", "WithTimeout",
				"timeout must be positive")
		}
		p.timeout = d
		return nil
	}
}

// WithHTTPClient replaces the probe transport, e.g. to add TLS config.
func WithHTTPClient(client *http.Client) ProberOption {
	return func(p *Prober) error {
		if client == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Prober", "WithHTTPClient",
				"client cannot be nil")
		}
		p.client = client
		return nil
	}
}

// WithRateLimit caps probes per second against a single target.
func WithRateLimit(perSecond float64, burst int) ProberOption {
	return func(p *Prober) error {
		if perSecond <= 0 || burst < 1 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Prober", "WithRateLimit",
				"rate must be positive and burst at least 1")
		}
		p.rateLimit = rate.Limit(perSecond)
		p.rateBurst = burst
		return nil
	}
}

// WithMaxConcurrent bounds CheckAll fan-out.
func WithMaxConcurrent(n int) ProberOption {
	return func(p *Prober) error {
		if n < 1 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Prober", "WithMaxConcurrent",
				"concurrency must be at least 1")
		}
		p.maxConcurrent = n
		return nil
	}
}

// WithProberLogger sets the logger. Nil falls back to slog.Default.
func WithProberLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) error {
		if logger != nil {
			p.logger = logger
		}
		return nil
	}
}

// WithProberMetrics exports probe counters and latency histograms.
func WithProberMetrics(registrar metric.MetricsRegistrar) ProberOption {
	return func(p *Prober) error {
		probes := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: metricsService,
			Name:      "probes_total",
			Help:      "Health probes by service and result",
		}, []string{"service", "result"})
		if err := registrar.RegisterCounterVec(metricsService, "probes_total", probes); err != nil {
			return errors.WrapFatal(err, "Prober", "WithProberMetrics", "counter registration")
		}
		duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: metricsService,
			Name:      "probe_duration_seconds",
			Help:      "Health probe latency by service",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"})
		if err := registrar.RegisterHistogramVec(metricsService, "probe_duration_seconds", duration); err != nil {
			return errors.WrapFatal(err, "Prober", "WithProberMetrics", "histogram registration")
		}
		p.probesTotal = probes
		p.probeDuration = duration
		return nil
	}
}

// NewProber creates a prober with the given options.
func NewProber(opts ...ProberOption) (*Prober, error) {
	p := &Prober{
		timeout:       DefaultProbeTimeout,
		maxConcurrent: DefaultMaxConcurrent,
		limiters:      make(map[string]*rate.Limiter),
		rateLimit:     rate.Limit(DefaultRateLimit),
		rateBurst:     DefaultRateBurst,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: p.timeout}
	}
	return p, nil
}

func (p *Prober) limiterFor(target string) *rate.Limiter {
	p.limitMu.Lock()
	defer p.limitMu.Unlock()
	if l, ok := p.limiters[target]; ok {
		return l
	}
	l := rate.NewLimiter(p.rateLimit, p.rateBurst)
	p.limiters[target] = l
	return l
}

// Check probes one service: GET {baseURL}/health and
// {baseURL}/healthcheck, both expected to return 200 within the timeout.
// Transport errors are retried briefly; a non-200 answer is final.
func (p *Prober) Check(ctx context.Context, service, baseURL string) ProbeResult {
	res := ProbeResult{Service: service, CheckedAt: time.Now()}
	base := strings.TrimSuffix(baseURL, "/")
	limiter := p.limiterFor(base)

	start := time.Now()
	for _, path := range probePaths {
		if err := limiter.Wait(ctx); err != nil {
			res.Reason = "probe cancelled before rate limit cleared"
			res.Endpoint = path
			p.observe(res)
			return res
		}

		code, err := p.probeOnce(ctx, base+path)
		if err != nil {
			res.Endpoint = path
			res.Reason = fmt.Sprintf("GET %s failed: %s", path, sanitizeMessage(err.Error()))
			res.Latency = time.Since(start)
			p.observe(res)
			return res
		}
		if code != http.StatusOK {
			res.Endpoint = path
			res.StatusCode = code
			res.Reason = fmt.Sprintf("GET %s returned %d, expected 200", path, code)
			res.Latency = time.Since(start)
			p.observe(res)
			return res
		}
	}

	res.Healthy = true
	res.StatusCode = http.StatusOK
	res.Latency = time.Since(start)
	p.observe(res)
	return res
}

// probeOnce GETs the URL, retrying transport errors. The returned code
// is only meaningful when err is nil.
func (p *Prober) probeOnce(ctx context.Context, url string) (int, error) {
	var code int
	err := retry.Do(ctx, retry.Probe(), func() error {
		reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return retry.NonRetryable(err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				// The sweep itself was cancelled; retrying cannot help.
				return retry.NonRetryable(err)
			}
			return err
		}
		defer resp.Body.Close()
		code = resp.StatusCode
		return nil
	})
	return code, err
}

// CheckAll probes every target concurrently and returns results keyed by
// service name. Probe failures are results, not errors; the sweep always
// returns one result per target.
func (p *Prober) CheckAll(ctx context.Context, targets map[string]string) map[string]ProbeResult {
	results := make(map[string]ProbeResult, len(targets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxConcurrent)
	for service, url := range targets {
		g.Go(func() error {
			res := p.Check(gctx, service, url)
			mu.Lock()
			results[service] = res
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; Wait is purely a join.
	_ = g.Wait()
	return results
}

func (p *Prober) observe(res ProbeResult) {
	if !res.Healthy {
		p.logger.Debug("probe failed",
			"service", res.Service,
			"endpoint", res.Endpoint,
			"status", res.StatusCode,
			"reason", res.Reason)
	}
	if p.probesTotal != nil {
		result := "failure"
		if res.Healthy {
			result = "success"
		}
		p.probesTotal.WithLabelValues(res.Service, result).Inc()
	}
	if p.probeDuration != nil {
		p.probeDuration.WithLabelValues(res.Service).Observe(res.Latency.Seconds())
	}
}
