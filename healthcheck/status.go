package healthcheck

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Health states. Degraded means "still serving but suspect": probes are
// failing below the unhealthy threshold, or a recovery is in progress.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status is the health of one component: a deployed platform service or
// an internal control-plane service.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries health-adjacent counters reported alongside a status.
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	ErrorCount   int           `json:"error_count"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
	LatencyMS    int64         `json:"latency_ms,omitempty"`
}

// IsHealthy reports whether the status is healthy.
func (s Status) IsHealthy() bool { return s.Status == StateHealthy }

// IsDegraded reports whether the status is degraded.
func (s Status) IsDegraded() bool { return s.Status == StateDegraded }

// IsUnhealthy reports whether the status is unhealthy.
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// WithMetrics returns a copy of the status with metrics attached.
func (s Status) WithMetrics(m *Metrics) Status {
	s.Metrics = m
	return s
}

// WithSubStatus returns a copy with one more sub-status. The slice is
// copied so callers holding the original are not affected.
func (s Status) WithSubStatus(sub Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, sub)
	return s
}

// Health status messages travel to dashboards and webhook receivers, so
// anything that could identify internal topology or leak credentials is
// stripped before a message is stored.
var (
	urlPattern        = regexp.MustCompile(`(?:https?|nats|wss?)://[^\s]+`)
	unixPathPattern   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrPattern     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portPattern       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialPattern = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// sanitizeMessage strips URLs, file paths, IPs, ports, and credential
// look-alikes from a message. URLs go first since they contain paths.
func sanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}
	out := urlPattern.ReplaceAllString(msg, "[URL]")
	out = unixPathPattern.ReplaceAllString(out, "[PATH]")
	out = ipAddrPattern.ReplaceAllString(out, "[IP]")
	out = portPattern.ReplaceAllString(out, "[PORT]")

	lower := strings.ToLower(out)
	for _, marker := range []string{"password", "token", "key", "secret", "credential"} {
		if strings.Contains(lower, marker) {
			out = credentialPattern.ReplaceAllString(out, "[REDACTED]")
			break
		}
	}
	return out
}

// FromProbe converts a probe result into a Status. The probe reason is
// already sanitized; latency is surfaced through metrics.
func FromProbe(res ProbeResult) Status {
	status := StateUnhealthy
	message := res.Reason
	if res.Healthy {
		status = StateHealthy
		message = fmt.Sprintf("both health endpoints returned 200 in %s", res.Latency.Round(time.Millisecond))
	}
	return Status{
		Component: res.Service,
		Healthy:   res.Healthy,
		Status:    status,
		Message:   message,
		Timestamp: res.CheckedAt,
		Metrics: &Metrics{
			LastActivity: res.CheckedAt,
			LatencyMS:    res.Latency.Milliseconds(),
		},
	}
}
