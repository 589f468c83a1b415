package platform_test

import (
	"testing"

	"github.com/Peleke/MindMirror-sub002/platform"
)

func TestCatalog(t *testing.T) {
	specs := platform.Catalog()

	if len(specs) != 7 {
		t.Fatalf("expected 7 services, got %d", len(specs))
	}

	if err := platform.ValidateAll(specs); err != nil {
		t.Fatalf("catalog must validate: %v", err)
	}

	names := platform.ServiceNames(specs)
	expected := []string{"agent", "habits", "journal", "meals", "movements", "practices", "users"}
	for i, n := range expected {
		if names[i] != n {
			t.Errorf("names[%d] = %q, want %q", i, names[i], n)
		}
	}
}

func TestCatalogDefaults(t *testing.T) {
	for _, spec := range platform.Catalog() {
		if spec.Port != platform.DefaultPort {
			t.Errorf("%s: port = %d, want %d", spec.Name, spec.Port, platform.DefaultPort)
		}
		if spec.HealthPath != "/health" {
			t.Errorf("%s: health path = %q", spec.Name, spec.HealthPath)
		}
		if spec.GraphQLPath != "/graphql" {
			t.Errorf("%s: graphql path = %q", spec.Name, spec.GraphQLPath)
		}
	}
}

func TestCatalogTableOwnership(t *testing.T) {
	owners, err := platform.OwnedTables(platform.Catalog())
	if err != nil {
		t.Fatalf("OwnedTables: %v", err)
	}

	expected := map[string]string{
		"journal_entries":    "journal",
		"habits":             "habits",
		"meals":              "meals",
		"movements":          "movements",
		"practice_instances": "practices",
		"users":              "users",
		"vouchers":           "users",
	}

	if len(owners) != len(expected) {
		t.Errorf("expected %d owned tables, got %d: %v", len(expected), len(owners), owners)
	}
	for table, owner := range expected {
		if owners[table] != owner {
			t.Errorf("table %s owned by %q, want %q", table, owners[table], owner)
		}
	}
}

func TestCatalogSpec(t *testing.T) {
	spec, ok := platform.CatalogSpec("agent")
	if !ok {
		t.Fatal("agent not in catalog")
	}
	if len(spec.Secrets) == 0 || spec.Secrets[0].Name != "openai-api-key" {
		t.Errorf("agent secrets = %v", spec.Secrets)
	}
	if len(spec.DependsOn) == 0 {
		t.Error("agent must declare dependencies")
	}

	if _, ok := platform.CatalogSpec("ghost"); ok {
		t.Error("unknown service must not resolve")
	}
}
