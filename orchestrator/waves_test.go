package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Peleke/MindMirror-sub002/platform"
)

func versionOf(name string) platform.ServiceVersion {
	return platform.ServiceVersion{Name: name, Image: "registry.test/" + name, Tag: "v1.0.0"}
}

func waveNames(waves [][]platform.ServiceVersion) [][]string {
	out := make([][]string, 0, len(waves))
	for _, wave := range waves {
		names := make([]string, 0, len(wave))
		for _, sv := range wave {
			names = append(names, sv.Name)
		}
		out = append(out, names)
	}
	return out
}

func TestWaves(t *testing.T) {
	tests := []struct {
		name     string
		services []string
		deps     map[string][]string
		want     [][]string
		wantErr  string
	}{
		{
			name:     "independent services land together",
			services: []string{"meals", "journal", "habits"},
			want:     [][]string{{"habits", "journal", "meals"}},
		},
		{
			name:     "dependents wait for their wave",
			services: []string{"agent", "journal", "users"},
			deps:     map[string][]string{"agent": {"journal", "users"}},
			want:     [][]string{{"journal", "users"}, {"agent"}},
		},
		{
			name:     "diamond orders three waves",
			services: []string{"reporting", "journal", "habits", "users"},
			deps: map[string][]string{
				"journal":   {"users"},
				"habits":    {"users"},
				"reporting": {"journal", "habits"},
			},
			want: [][]string{{"users"}, {"habits", "journal"}, {"reporting"}},
		},
		{
			name:     "dependencies outside the release order nothing",
			services: []string{"agent"},
			deps:     map[string][]string{"agent": {"journal", "users"}},
			want:     [][]string{{"agent"}},
		},
		{
			name:     "cycle is rejected",
			services: []string{"journal", "users"},
			deps: map[string][]string{
				"journal": {"users"},
				"users":   {"journal"},
			},
			wantErr: "circular dependency",
		},
		{
			name:     "self dependency is rejected",
			services: []string{"agent", "journal"},
			deps:     map[string][]string{"agent": {"agent"}},
			wantErr:  "circular dependency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			versions := make([]platform.ServiceVersion, 0, len(tt.services))
			specs := make(map[string]platform.ServiceSpec, len(tt.services))
			for _, name := range tt.services {
				versions = append(versions, versionOf(name))
				spec := platform.ServiceSpec{Name: name, DependsOn: tt.deps[name]}
				spec.ApplyDefaults()
				specs[name] = spec
			}

			waves, err := Waves(versions, specs)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, waveNames(waves))
		})
	}
}

func TestWavesCatalogOrdersAgentLast(t *testing.T) {
	specs := make(map[string]platform.ServiceSpec)
	versions := make([]platform.ServiceVersion, 0)
	for _, spec := range platform.Catalog() {
		specs[spec.Name] = spec
		versions = append(versions, versionOf(spec.Name))
	}

	waves, err := Waves(versions, specs)
	require.NoError(t, err)
	require.Len(t, waves, 2)
	assert.Len(t, waves[0], len(versions)-1)
	assert.Equal(t, []string{"agent"}, waveNames(waves)[1])
}

func TestWavesDeterministic(t *testing.T) {
	services := []string{"agent", "journal", "users", "habits", "meals"}
	deps := map[string][]string{"agent": {"journal", "users"}}

	versions := make([]platform.ServiceVersion, 0, len(services))
	specs := make(map[string]platform.ServiceSpec, len(services))
	for _, name := range services {
		versions = append(versions, versionOf(name))
		specs[name] = platform.ServiceSpec{Name: name, DependsOn: deps[name]}
	}

	first, err := Waves(versions, specs)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Waves(versions, specs)
		require.NoError(t, err)
		assert.Equal(t, waveNames(first), waveNames(again))
	}
}
