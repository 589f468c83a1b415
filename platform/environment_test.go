package platform_test

import (
	"testing"

	pkgerrors "github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/platform"
)

func TestParseEnvironment(t *testing.T) {
	tests := []struct {
		input       string
		expected    platform.Environment
		expectError bool
	}{
		{"dev", platform.EnvDev, false},
		{"staging", platform.EnvStaging, false},
		{"production", platform.EnvProduction, false},
		{"prod", "", true},
		{"", "", true},
		{"DEV", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			env, err := platform.ParseEnvironment(tt.input)

			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error for %q", tt.input)
				}
				if !pkgerrors.IsInvalid(err) {
					t.Errorf("expected Invalid classification, got: %v", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if env != tt.expected {
				t.Errorf("ParseEnvironment(%q) = %q, want %q", tt.input, env, tt.expected)
			}
		})
	}
}

func TestRequiresApproval(t *testing.T) {
	if platform.EnvDev.RequiresApproval() {
		t.Error("dev must not require approval")
	}
	if platform.EnvStaging.RequiresApproval() {
		t.Error("staging must not require approval")
	}
	if !platform.EnvProduction.RequiresApproval() {
		t.Error("production must require approval")
	}
}

func TestEnvironmentsOrder(t *testing.T) {
	envs := platform.Environments()
	expected := []platform.Environment{platform.EnvDev, platform.EnvStaging, platform.EnvProduction}
	if len(envs) != len(expected) {
		t.Fatalf("expected %d environments, got %d", len(expected), len(envs))
	}
	for i := range expected {
		if envs[i] != expected[i] {
			t.Errorf("envs[%d] = %q, want %q", i, envs[i], expected[i])
		}
	}
}
