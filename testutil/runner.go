package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// RunnerCall records one request the stub runner answered.
type RunnerCall struct {
	Path           string
	Environment    string
	Service        string
	Image          string
	Tag            string
	GitSHA         string
	SupergraphHash string
	Authorization  string
}

// StubRunner is an httptest server speaking the deploy runner contract:
// POST /deploy provisions a service and answers its URL, POST /gateway
// rolls the federation gateway. Every call is recorded.
type StubRunner struct {
	srv *httptest.Server

	mu          sync.Mutex
	calls       []RunnerCall
	failures    int
	serviceURLs map[string]string
	gatewayURL  string
}

// NewStubRunner starts a stub runner. The server is closed when the
// test finishes.
func NewStubRunner(t *testing.T) *StubRunner {
	t.Helper()

	stub := &StubRunner{serviceURLs: make(map[string]string)}
	mux := http.NewServeMux()
	mux.HandleFunc("/deploy", stub.handleDeploy)
	mux.HandleFunc("/gateway", stub.handleGateway)
	stub.srv = httptest.NewServer(mux)
	t.Cleanup(stub.srv.Close)
	return stub
}

// URL returns the runner's base URL.
func (r *StubRunner) URL() string {
	return r.srv.URL
}

// SetServiceURL fixes the URL answered for a service. Services without
// a fixed URL get a synthetic one derived from name and environment.
func (r *StubRunner) SetServiceURL(service, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serviceURLs[service] = url
}

// SetGatewayURL fixes the URL answered for gateway rolls.
func (r *StubRunner) SetGatewayURL(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gatewayURL = url
}

// FailNext makes the next n calls answer 500 before behavior returns to
// normal.
func (r *StubRunner) FailNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = n
}

// Calls returns a copy of every recorded call in arrival order.
func (r *StubRunner) Calls() []RunnerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]RunnerCall, len(r.calls))
	copy(result, r.calls)
	return result
}

func (r *StubRunner) handleDeploy(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Environment string `json:"environment"`
		Service     string `json:"service"`
		Image       string `json:"image"`
		Tag         string `json:"tag"`
		GitSHA      string `json:"git_sha"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}

	r.mu.Lock()
	r.calls = append(r.calls, RunnerCall{
		Path:          "/deploy",
		Environment:   body.Environment,
		Service:       body.Service,
		Image:         body.Image,
		Tag:           body.Tag,
		GitSHA:        body.GitSHA,
		Authorization: req.Header.Get("Authorization"),
	})
	fail := r.failures > 0
	if fail {
		r.failures--
	}
	url, fixed := r.serviceURLs[body.Service]
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"runner unavailable"}`)
		return
	}
	if !fixed {
		url = fmt.Sprintf("http://%s.%s.internal:8000", body.Service, body.Environment)
	}
	fmt.Fprintf(w, `{"url":%q}`, url)
}

func (r *StubRunner) handleGateway(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Environment    string `json:"environment"`
		SupergraphHash string `json:"supergraph_hash"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}

	r.mu.Lock()
	r.calls = append(r.calls, RunnerCall{
		Path:           "/gateway",
		Environment:    body.Environment,
		SupergraphHash: body.SupergraphHash,
		Authorization:  req.Header.Get("Authorization"),
	})
	fail := r.failures > 0
	if fail {
		r.failures--
	}
	url := r.gatewayURL
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"runner unavailable"}`)
		return
	}
	if url == "" {
		url = fmt.Sprintf("http://gateway.%s.internal:8080", body.Environment)
	}
	fmt.Fprintf(w, `{"url":%q}`, url)
}
