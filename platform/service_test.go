package platform_test

import (
	"testing"

	pkgerrors "github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/platform"
)

func validSpec() platform.ServiceSpec {
	return platform.ServiceSpec{
		Name:        "journal",
		Port:        8000,
		HealthPath:  "/health",
		GraphQLPath: "/graphql",
	}
}

func TestServiceSpecValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*platform.ServiceSpec)
		expectError bool
	}{
		{
			name:   "valid spec",
			mutate: func(*platform.ServiceSpec) {},
		},
		{
			name: "valid with secrets and tables",
			mutate: func(s *platform.ServiceSpec) {
				s.Secrets = []platform.SecretRef{{Name: "database-url"}}
				s.OwnedTables = []string{"journal_entries"}
			},
		},
		{
			name:        "empty name",
			mutate:      func(s *platform.ServiceSpec) { s.Name = "" },
			expectError: true,
		},
		{
			name:        "uppercase name",
			mutate:      func(s *platform.ServiceSpec) { s.Name = "Journal" },
			expectError: true,
		},
		{
			name:        "name starting with digit",
			mutate:      func(s *platform.ServiceSpec) { s.Name = "1journal" },
			expectError: true,
		},
		{
			name:        "name with underscore",
			mutate:      func(s *platform.ServiceSpec) { s.Name = "my_service" },
			expectError: true,
		},
		{
			name:        "port zero",
			mutate:      func(s *platform.ServiceSpec) { s.Port = 0 },
			expectError: true,
		},
		{
			name:        "port too large",
			mutate:      func(s *platform.ServiceSpec) { s.Port = 70000 },
			expectError: true,
		},
		{
			name:        "health path missing slash",
			mutate:      func(s *platform.ServiceSpec) { s.HealthPath = "health" },
			expectError: true,
		},
		{
			name:        "graphql path with whitespace",
			mutate:      func(s *platform.ServiceSpec) { s.GraphQLPath = "/graph ql" },
			expectError: true,
		},
		{
			name: "invalid secret name",
			mutate: func(s *platform.ServiceSpec) {
				s.Secrets = []platform.SecretRef{{Name: "Bad Secret"}}
			},
			expectError: true,
		},
		{
			name:        "self dependency",
			mutate:      func(s *platform.ServiceSpec) { s.DependsOn = []string{"journal"} },
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)

			err := spec.Validate()

			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error but got nil")
				}
				if !pkgerrors.IsInvalid(err) {
					t.Errorf("expected Invalid error classification, got: %v", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	spec := platform.ServiceSpec{Name: "meals"}
	spec.ApplyDefaults()

	if spec.Port != platform.DefaultPort {
		t.Errorf("expected default port %d, got %d", platform.DefaultPort, spec.Port)
	}
	if spec.HealthPath != "/health" {
		t.Errorf("expected /health, got %s", spec.HealthPath)
	}
	if spec.GraphQLPath != "/graphql" {
		t.Errorf("expected /graphql, got %s", spec.GraphQLPath)
	}

	// Explicit values survive defaulting.
	spec = platform.ServiceSpec{Name: "meals", Port: 9000, HealthPath: "/live"}
	spec.ApplyDefaults()
	if spec.Port != 9000 || spec.HealthPath != "/live" {
		t.Errorf("defaults overwrote explicit values: %+v", spec)
	}
}

func TestSecretRefEnvVar(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"database-url", "DATABASE_URL"},
		{"openai-api-key", "OPENAI_API_KEY"},
		{"supabase-service-key", "SUPABASE_SERVICE_KEY"},
		{"token", "TOKEN"},
	}

	for _, tt := range tests {
		ref := platform.SecretRef{Name: tt.name}
		if got := ref.EnvVar(); got != tt.expected {
			t.Errorf("EnvVar(%q) = %q, want %q", tt.name, got, tt.expected)
		}
	}
}

func TestOwnedTables(t *testing.T) {
	specs := []platform.ServiceSpec{
		{Name: "journal", OwnedTables: []string{"journal_entries"}},
		{Name: "users", OwnedTables: []string{"users", "vouchers"}},
	}

	owners, err := platform.OwnedTables(specs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if owners["journal_entries"] != "journal" {
		t.Errorf("journal_entries owned by %q", owners["journal_entries"])
	}
	if owners["vouchers"] != "users" {
		t.Errorf("vouchers owned by %q", owners["vouchers"])
	}

	// Conflicting claims are rejected.
	specs = append(specs, platform.ServiceSpec{Name: "habits", OwnedTables: []string{"vouchers"}})
	_, err = platform.OwnedTables(specs)
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !pkgerrors.IsInvalid(err) {
		t.Errorf("expected Invalid classification, got: %v", err)
	}
}

func TestValidateAll(t *testing.T) {
	good := []platform.ServiceSpec{
		{Name: "users", Port: 8000, HealthPath: "/health", GraphQLPath: "/graphql"},
		{Name: "agent", Port: 8000, HealthPath: "/health", GraphQLPath: "/graphql",
			DependsOn: []string{"users"}},
	}
	if err := platform.ValidateAll(good); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dup := append(good, good[0])
	if err := platform.ValidateAll(dup); err == nil {
		t.Error("expected duplicate service error")
	}

	unknownDep := []platform.ServiceSpec{
		{Name: "agent", Port: 8000, HealthPath: "/health", GraphQLPath: "/graphql",
			DependsOn: []string{"ghost"}},
	}
	if err := platform.ValidateAll(unknownDep); err == nil {
		t.Error("expected unknown dependency error")
	}
}

func TestServiceNames(t *testing.T) {
	specs := []platform.ServiceSpec{
		{Name: "users"},
		{Name: "agent"},
		{Name: "meals"},
	}

	names := platform.ServiceNames(specs)
	expected := []string{"agent", "meals", "users"}
	if len(names) != len(expected) {
		t.Fatalf("expected %d names, got %d", len(expected), len(names))
	}
	for i, n := range expected {
		if names[i] != n {
			t.Errorf("names[%d] = %q, want %q", i, names[i], n)
		}
	}
}

func TestServiceURLGraphQLEndpoint(t *testing.T) {
	spec := validSpec()
	u := platform.ServiceURL{
		Service:     "journal",
		Environment: platform.EnvDev,
		URL:         "https://journal-abc123.a.run.app/",
	}
	if got := u.GraphQLEndpoint(spec); got != "https://journal-abc123.a.run.app/graphql" {
		t.Errorf("GraphQLEndpoint = %q", got)
	}
}
