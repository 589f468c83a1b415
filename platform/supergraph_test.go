package platform_test

import (
	"reflect"
	"testing"
	"time"

	pkgerrors "github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/platform"
)

func validSupergraph() platform.Supergraph {
	return platform.Supergraph{
		Environment: platform.EnvDev,
		SDL:         "type Query { journalEntries: [String!]! me: String }",
		Routing: map[string]string{
			"journalEntries": "journal",
			"me":             "users",
		},
		ServiceURLs: map[string]string{
			"journal": "https://journal-dev.run.app",
			"users":   "https://users-dev.run.app",
		},
		Hash:       "sha256:0f6e",
		ComposedAt: time.Now().UTC(),
	}
}

func TestSupergraphValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*platform.Supergraph)
		expectError bool
	}{
		{
			name:   "complete artifact",
			mutate: func(*platform.Supergraph) {},
		},
		{
			name: "unknown environment",
			mutate: func(sg *platform.Supergraph) {
				sg.Environment = platform.Environment("qa")
			},
			expectError: true,
		},
		{
			name: "empty SDL",
			mutate: func(sg *platform.Supergraph) {
				sg.SDL = ""
			},
			expectError: true,
		},
		{
			name: "empty hash",
			mutate: func(sg *platform.Supergraph) {
				sg.Hash = ""
			},
			expectError: true,
		},
		{
			name: "empty routing",
			mutate: func(sg *platform.Supergraph) {
				sg.Routing = nil
			},
			expectError: true,
		},
		{
			name: "routed service without URL",
			mutate: func(sg *platform.Supergraph) {
				delete(sg.ServiceURLs, "users")
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sg := validSupergraph()
			tt.mutate(&sg)

			err := sg.Validate()
			if tt.expectError {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if !pkgerrors.IsInvalid(err) {
					t.Errorf("expected Invalid classification, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSupergraphServices(t *testing.T) {
	sg := validSupergraph()
	sg.Routing["habitList"] = "habits"
	sg.ServiceURLs["habits"] = "https://habits-dev.run.app"
	sg.Routing["habitComplete"] = "habits"

	got := sg.Services()
	want := []string{"habits", "journal", "users"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Services() = %v, want %v", got, want)
	}
}

func TestSubgraphSchemaValidate(t *testing.T) {
	valid := platform.SubgraphSchema{
		Service:     "journal",
		Environment: platform.EnvDev,
		SDL:         "type Query { journalEntries: [String!]! }",
		Hash:        "sha256:9a1c",
		FetchedAt:   time.Now().UTC(),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*platform.SubgraphSchema)
	}{
		{"empty service", func(ss *platform.SubgraphSchema) { ss.Service = "" }},
		{"bad environment", func(ss *platform.SubgraphSchema) { ss.Environment = "qa" }},
		{"empty SDL", func(ss *platform.SubgraphSchema) { ss.SDL = "" }},
		{"empty hash", func(ss *platform.SubgraphSchema) { ss.Hash = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ss := valid
			tt.mutate(&ss)
			if err := ss.Validate(); err == nil {
				t.Fatal("expected validation error")
			} else if !pkgerrors.IsInvalid(err) {
				t.Errorf("expected Invalid classification, got: %v", err)
			}
		})
	}
}
