package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

// Scalar names the introspection stub never defines as object types.
var graphqlScalars = map[string]bool{
	"String":  true,
	"Int":     true,
	"Float":   true,
	"Boolean": true,
	"ID":      true,
}

// StubSchema declares the GraphQL surface a StubSubgraph serves. Field
// values are type names. Object types referenced from a field but
// missing from Types are auto-defined with a single id field so the
// rendered SDL stays parseable.
type StubSchema struct {
	QueryFields    map[string]string
	MutationFields map[string]string
	Types          map[string]map[string]string
}

// StubSubgraph is an httptest server speaking the platform's service
// contract: /health and /healthcheck report liveness, /graphql answers
// introspection from the declared schema and canned data for everything
// else.
type StubSubgraph struct {
	Service string

	srv    *httptest.Server
	schema StubSchema

	mu           sync.Mutex
	healthy      bool
	response     map[string]any
	queries      []string
	healthProbes int
}

// NewStubSubgraph starts a stub service. The server is closed when the
// test finishes.
func NewStubSubgraph(t *testing.T, service string, schema StubSchema) *StubSubgraph {
	t.Helper()

	stub := &StubSubgraph{
		Service: service,
		schema:  schema,
		healthy: true,
		response: map[string]any{
			"stub": service,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", stub.handleHealth)
	mux.HandleFunc("/healthcheck", stub.handleHealth)
	mux.HandleFunc("/graphql", stub.handleGraphQL)
	stub.srv = httptest.NewServer(mux)
	t.Cleanup(stub.srv.Close)
	return stub
}

// URL returns the server's base URL.
func (s *StubSubgraph) URL() string {
	return s.srv.URL
}

// SetHealthy flips the health endpoints between 200 and 503.
func (s *StubSubgraph) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// SetSchema replaces the served schema, simulating a service rollout
// that changed its GraphQL surface.
func (s *StubSubgraph) SetSchema(schema StubSchema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = schema
}

// SetResponse sets the data payload returned for non-introspection
// queries.
func (s *StubSubgraph) SetResponse(data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response = data
}

// Queries returns every non-introspection query body received.
func (s *StubSubgraph) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]string, len(s.queries))
	copy(result, s.queries)
	return result
}

// HealthProbes returns how many health requests the stub answered.
func (s *StubSubgraph) HealthProbes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthProbes
}

func (s *StubSubgraph) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.healthProbes++
	healthy := s.healthy
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"unhealthy","service":%q}`, s.Service)
		return
	}
	fmt.Fprintf(w, `{"status":"ok","service":%q}`, s.Service)
}

func (s *StubSubgraph) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"errors":[{"message":%q}]}`, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if strings.Contains(req.Query, "__schema") {
		s.mu.Lock()
		schema := s.schema
		s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"__schema": schema.introspection()},
		})
		return
	}

	s.mu.Lock()
	s.queries = append(s.queries, req.Query)
	data := s.response
	s.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

// introspection builds the __schema payload: a Query root, an optional
// Mutation root, the declared object types, and auto-defined
// placeholders for referenced types nobody declared.
func (s StubSchema) introspection() map[string]any {
	declared := make(map[string]map[string]string, len(s.Types))
	for name, fields := range s.Types {
		declared[name] = fields
	}
	for _, ref := range s.QueryFields {
		ensureDeclared(declared, ref)
	}
	for _, ref := range s.MutationFields {
		ensureDeclared(declared, ref)
	}
	for _, fields := range s.Types {
		for _, ref := range fields {
			ensureDeclared(declared, ref)
		}
	}

	types := []any{objectType("Query", s.QueryFields)}
	if len(s.MutationFields) > 0 {
		types = append(types, objectType("Mutation", s.MutationFields))
	}
	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		types = append(types, objectType(name, declared[name]))
	}

	schema := map[string]any{
		"queryType": map[string]any{"name": "Query"},
		"types":     types,
	}
	if len(s.MutationFields) > 0 {
		schema["mutationType"] = map[string]any{"name": "Mutation"}
	}
	return schema
}

func ensureDeclared(declared map[string]map[string]string, ref string) {
	if graphqlScalars[ref] {
		return
	}
	if _, ok := declared[ref]; !ok {
		declared[ref] = map[string]string{"id": "ID"}
	}
}

func objectType(name string, fields map[string]string) map[string]any {
	fieldNames := make([]string, 0, len(fields))
	for fname := range fields {
		fieldNames = append(fieldNames, fname)
	}
	sort.Strings(fieldNames)

	rendered := make([]any, 0, len(fieldNames))
	for _, fname := range fieldNames {
		ref := fields[fname]
		kind := "OBJECT"
		if graphqlScalars[ref] {
			kind = "SCALAR"
		}
		rendered = append(rendered, map[string]any{
			"name": fname,
			"args": []any{},
			"type": map[string]any{"kind": kind, "name": ref},
		})
	}

	return map[string]any{
		"kind":       "OBJECT",
		"name":       name,
		"fields":     rendered,
		"interfaces": []any{},
	}
}
