package healthcheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestProber(t *testing.T, opts ...ProberOption) *Prober {
	t.Helper()
	p, err := NewProber(opts...)
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}
	t.Cleanup(p.client.CloseIdleConnections)
	return p
}

// healthyHandler answers 200 on both health paths like a conforming
// platform service.
func healthyHandler() http.Handler {
	mux := http.NewServeMux()
	ok := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	mux.HandleFunc("/health", ok)
	mux.HandleFunc("/healthcheck", ok)
	return mux
}

func TestProber_HealthyService(t *testing.T) {
	srv := httptest.NewServer(healthyHandler())
	defer srv.Close()

	p := newTestProber(t)
	res := p.Check(context.Background(), "journal", srv.URL)

	if !res.Healthy {
		t.Fatalf("expected healthy, got: %s", res.Reason)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status code = %d", res.StatusCode)
	}
	if res.Latency <= 0 {
		t.Error("latency not measured")
	}
	if res.CheckedAt.IsZero() {
		t.Error("checked-at not stamped")
	}
}

func TestProber_TrailingSlashURL(t *testing.T) {
	srv := httptest.NewServer(healthyHandler())
	defer srv.Close()

	p := newTestProber(t)
	res := p.Check(context.Background(), "journal", srv.URL+"/")
	if !res.Healthy {
		t.Fatalf("trailing slash broke the probe: %s", res.Reason)
	}
}

func TestProber_SecondEndpointFails(t *testing.T) {
	var healthcheckHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, _ *http.Request) {
		healthcheckHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newTestProber(t)
	res := p.Check(context.Background(), "habits", srv.URL)

	if res.Healthy {
		t.Fatal("expected unhealthy")
	}
	if res.Endpoint != "/healthcheck" {
		t.Errorf("endpoint = %q, want /healthcheck", res.Endpoint)
	}
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", res.StatusCode)
	}
	if !strings.Contains(res.Reason, "returned 503, expected 200") {
		t.Errorf("reason = %q", res.Reason)
	}
	// A definitive non-200 answer is not retried.
	if hits := healthcheckHits.Load(); hits != 1 {
		t.Errorf("healthcheck hit %d times, want 1", hits)
	}
}

func TestProber_MissingEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newTestProber(t)
	res := p.Check(context.Background(), "meals", srv.URL)

	if res.Healthy {
		t.Fatal("expected unhealthy when /healthcheck is missing")
	}
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", res.StatusCode)
	}
}

func TestProber_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(healthyHandler())
	url := srv.URL
	srv.Close()

	p := newTestProber(t)
	res := p.Check(context.Background(), "movements", url)

	if res.Healthy {
		t.Fatal("expected unhealthy for closed server")
	}
	if !strings.Contains(res.Reason, "GET /health failed") {
		t.Errorf("reason = %q", res.Reason)
	}
	// The reason travels to dashboards; the target address must not.
	if strings.Contains(res.Reason, "127.0.0.1") {
		t.Errorf("reason leaks the target address: %q", res.Reason)
	}
}

func TestProber_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	p := newTestProber(t, WithTimeout(100*time.Millisecond))
	res := p.Check(context.Background(), "practices", srv.URL)

	if res.Healthy {
		t.Fatal("expected unhealthy on timeout")
	}
	if strings.Contains(res.Reason, "127.0.0.1") {
		t.Errorf("reason leaks the target address: %q", res.Reason)
	}
}

func TestProber_RetriesTransientErrors(t *testing.T) {
	var healthCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if healthCalls.Add(1) == 1 {
			// Drop the connection mid-request to simulate a transient
			// network failure.
			hj, ok := w.(http.Hijacker)
			if !ok {
				panic("response writer is not a hijacker")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				panic(err)
			}
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newTestProber(t)
	res := p.Check(context.Background(), "users", srv.URL)

	if !res.Healthy {
		t.Fatalf("expected recovery after transient error, got: %s", res.Reason)
	}
	if calls := healthCalls.Load(); calls < 2 {
		t.Errorf("health called %d times, expected a retry", calls)
	}
}

func TestProber_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(healthyHandler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestProber(t)
	res := p.Check(ctx, "journal", srv.URL)
	if res.Healthy {
		t.Fatal("cancelled probe reported healthy")
	}
}

func TestProber_CheckAll(t *testing.T) {
	healthy1 := httptest.NewServer(healthyHandler())
	defer healthy1.Close()
	healthy2 := httptest.NewServer(healthyHandler())
	defer healthy2.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	broken := httptest.NewServer(mux)
	defer broken.Close()

	p := newTestProber(t, WithMaxConcurrent(2))
	results := p.CheckAll(context.Background(), map[string]string{
		"journal": healthy1.URL,
		"habits":  healthy2.URL,
		"meals":   broken.URL,
	})

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if !results["journal"].Healthy || !results["habits"].Healthy {
		t.Error("healthy services misreported")
	}
	if results["meals"].Healthy {
		t.Error("broken service reported healthy")
	}
	if results["meals"].StatusCode != http.StatusInternalServerError {
		t.Errorf("meals status code = %d", results["meals"].StatusCode)
	}
}

func TestProber_PerTargetLimiters(t *testing.T) {
	srv1 := httptest.NewServer(healthyHandler())
	defer srv1.Close()
	srv2 := httptest.NewServer(healthyHandler())
	defer srv2.Close()

	p := newTestProber(t)
	ctx := context.Background()
	p.Check(ctx, "a", srv1.URL)
	p.Check(ctx, "a", srv1.URL)
	p.Check(ctx, "b", srv2.URL)

	p.limitMu.Lock()
	n := len(p.limiters)
	p.limitMu.Unlock()
	if n != 2 {
		t.Errorf("limiter count = %d, want one per target", n)
	}
}

func TestNewProber_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  ProberOption
	}{
		{"zero timeout", WithTimeout(0)},
		{"nil client", WithHTTPClient(nil)},
		{"zero rate", WithRateLimit(0, 1)},
		{"zero burst", WithRateLimit(1, 0)},
		{"zero concurrency", WithMaxConcurrent(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProber(tt.opt); err == nil {
				t.Error("expected error")
			}
		})
	}
}
