package healthcheck

import (
	"strings"
	"testing"
	"time"
)

func TestStatus_StateChecks(t *testing.T) {
	tests := []struct {
		name          string
		status        Status
		wantHealthy   bool
		wantDegraded  bool
		wantUnhealthy bool
	}{
		{"healthy", Status{Status: StateHealthy}, true, false, false},
		{"degraded", Status{Status: StateDegraded}, false, true, false},
		{"unhealthy", Status{Status: StateUnhealthy}, false, false, true},
		{"empty", Status{}, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.IsHealthy(); got != tt.wantHealthy {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.wantHealthy)
			}
			if got := tt.status.IsDegraded(); got != tt.wantDegraded {
				t.Errorf("IsDegraded() = %v, want %v", got, tt.wantDegraded)
			}
			if got := tt.status.IsUnhealthy(); got != tt.wantUnhealthy {
				t.Errorf("IsUnhealthy() = %v, want %v", got, tt.wantUnhealthy)
			}
		})
	}
}

func TestStatus_WithSubStatusCopies(t *testing.T) {
	base := NewHealthy("platform", "ok")
	withOne := base.WithSubStatus(NewHealthy("journal", "ok"))
	withTwo := withOne.WithSubStatus(NewUnhealthy("habits", "down"))

	if len(base.SubStatuses) != 0 {
		t.Errorf("base mutated: %d sub-statuses", len(base.SubStatuses))
	}
	if len(withOne.SubStatuses) != 1 {
		t.Errorf("withOne has %d sub-statuses, want 1", len(withOne.SubStatuses))
	}
	if len(withTwo.SubStatuses) != 2 {
		t.Errorf("withTwo has %d sub-statuses, want 2", len(withTwo.SubStatuses))
	}
	if withOne.SubStatuses[0].Component != "journal" {
		t.Errorf("unexpected sub-status %q", withOne.SubStatuses[0].Component)
	}
}

func TestAggregate(t *testing.T) {
	healthy := NewHealthy("a", "ok")
	degraded := NewDegraded("b", "slow")
	unhealthy := NewUnhealthy("c", "down")

	tests := []struct {
		name     string
		subs     []Status
		want     string
		contains string
	}{
		{"empty is healthy", nil, StateHealthy, "no components"},
		{"all healthy", []Status{healthy, healthy}, StateHealthy, "all 2 components healthy"},
		{"unhealthy wins", []Status{healthy, degraded, unhealthy}, StateUnhealthy, "1 of 3 components unhealthy"},
		{"degraded without unhealthy", []Status{healthy, degraded}, StateDegraded, "1 of 2 components degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("platform", tt.subs)
			if got.Status != tt.want {
				t.Errorf("Aggregate status = %q, want %q", got.Status, tt.want)
			}
			if !strings.Contains(got.Message, tt.contains) {
				t.Errorf("Aggregate message %q does not contain %q", got.Message, tt.contains)
			}
			if len(got.SubStatuses) != len(tt.subs) {
				t.Errorf("Aggregate kept %d sub-statuses, want %d", len(got.SubStatuses), len(tt.subs))
			}
		})
	}
}

func TestSanitizeMessage(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		banned  []string
		allowed []string
	}{
		{
			name:    "http url",
			in:      "Get https://journal.internal.example/health: connection refused",
			banned:  []string{"journal.internal.example"},
			allowed: []string{"[URL]", "connection refused"},
		},
		{
			name:   "nats url",
			in:     "dial nats://10.0.0.4:4222 failed",
			banned: []string{"nats://", "10.0.0.4"},
		},
		{
			name:    "unix path",
			in:      "open /secrets/database-url/database-url: permission denied",
			banned:  []string{"/secrets"},
			allowed: []string{"[PATH]", "permission denied"},
		},
		{
			name:   "ip and port",
			in:     "dial tcp 192.168.1.100:8080: timeout",
			banned: []string{"192.168.1.100", "8080"},
		},
		{
			name:    "credentials",
			in:      "auth failed: password=hunter2 rejected",
			banned:  []string{"hunter2"},
			allowed: []string{"[REDACTED]"},
		},
		{
			name:    "plain message untouched",
			in:      "probe timed out",
			allowed: []string{"probe timed out"},
		},
		{"empty", "", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeMessage(tt.in)
			for _, banned := range tt.banned {
				if strings.Contains(got, banned) {
					t.Errorf("sanitized message %q still contains %q", got, banned)
				}
			}
			for _, allowed := range tt.allowed {
				if !strings.Contains(got, allowed) {
					t.Errorf("sanitized message %q lost %q", got, allowed)
				}
			}
		})
	}
}

func TestFromProbe(t *testing.T) {
	now := time.Now()

	healthy := FromProbe(ProbeResult{
		Service:   "journal",
		Healthy:   true,
		Latency:   42 * time.Millisecond,
		CheckedAt: now,
	})
	if !healthy.IsHealthy() {
		t.Fatalf("expected healthy status, got %q", healthy.Status)
	}
	if healthy.Component != "journal" {
		t.Errorf("component = %q", healthy.Component)
	}
	if healthy.Metrics == nil || healthy.Metrics.LatencyMS != 42 {
		t.Errorf("latency metric not carried: %+v", healthy.Metrics)
	}

	unhealthy := FromProbe(ProbeResult{
		Service:   "habits",
		Endpoint:  "/healthcheck",
		Reason:    "GET /healthcheck returned 503, expected 200",
		CheckedAt: now,
	})
	if !unhealthy.IsUnhealthy() {
		t.Fatalf("expected unhealthy status, got %q", unhealthy.Status)
	}
	if !strings.Contains(unhealthy.Message, "503") {
		t.Errorf("message %q lost the status code", unhealthy.Message)
	}
}
