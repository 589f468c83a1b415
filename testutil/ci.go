package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Peleke/MindMirror-sub002/platform"
)

// CICall records one request the stub CI runner answered.
type CICall struct {
	Path          string
	RunID         string
	Repo          string
	Branch        string
	Commit        string
	Tag           string
	Environment   string
	Services      []string
	Authorization string
}

// StubCI is an httptest server speaking the CI runner contract: POST
// /build answers the configured service versions, POST /push and POST
// /apply acknowledge. Every call is recorded.
type StubCI struct {
	srv *httptest.Server

	mu       sync.Mutex
	calls    []CICall
	failures int
	locks    int
	versions []platform.ServiceVersion
}

// NewStubCI starts a stub CI runner that builds journal and users. The
// server is closed when the test finishes.
func NewStubCI(t *testing.T) *StubCI {
	t.Helper()

	stub := &StubCI{
		versions: []platform.ServiceVersion{
			SampleVersion("journal"),
			SampleVersion("users"),
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/build", stub.handle)
	mux.HandleFunc("/push", stub.handle)
	mux.HandleFunc("/apply", stub.handle)
	stub.srv = httptest.NewServer(mux)
	t.Cleanup(stub.srv.Close)
	return stub
}

// URL returns the runner's base URL.
func (c *StubCI) URL() string {
	return c.srv.URL
}

// SetVersions fixes the versions answered for builds.
func (c *StubCI) SetVersions(versions ...platform.ServiceVersion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions = versions
}

// FailNext makes the next n calls answer 500 before behavior returns to
// normal.
func (c *StubCI) FailNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = n
}

// LockNext makes the next n calls answer 423, as the runner does while
// its state lock is held by another job.
func (c *StubCI) LockNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locks = n
}

// Calls returns a copy of every recorded call in arrival order.
func (c *StubCI) Calls() []CICall {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]CICall, len(c.calls))
	copy(result, c.calls)
	return result
}

func (c *StubCI) handle(w http.ResponseWriter, req *http.Request) {
	var body struct {
		RunID       string                    `json:"run_id"`
		Repo        string                    `json:"repo"`
		Branch      string                    `json:"branch"`
		Commit      string                    `json:"commit"`
		Tag         string                    `json:"tag"`
		Environment string                    `json:"environment"`
		Services    []platform.ServiceVersion `json:"services"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}

	call := CICall{
		Path:          req.URL.Path,
		RunID:         body.RunID,
		Repo:          body.Repo,
		Branch:        body.Branch,
		Commit:        body.Commit,
		Tag:           body.Tag,
		Environment:   body.Environment,
		Authorization: req.Header.Get("Authorization"),
	}
	for _, sv := range body.Services {
		call.Services = append(call.Services, sv.Name)
	}

	c.mu.Lock()
	c.calls = append(c.calls, call)
	fail := c.failures > 0
	if fail {
		c.failures--
	}
	locked := !fail && c.locks > 0
	if locked {
		c.locks--
	}
	versions := c.versions
	c.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case fail:
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"runner unavailable"}`)
	case locked:
		w.WriteHeader(http.StatusLocked)
		fmt.Fprint(w, `{"error":"state lock held by another operation"}`)
	case req.URL.Path == "/build":
		resp := struct {
			Services []platform.ServiceVersion `json:"services"`
		}{Services: versions}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			return
		}
	default:
		fmt.Fprint(w, `{}`)
	}
}
