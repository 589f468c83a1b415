package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/Peleke/MindMirror-sub002/platform"
)

// SampleSpec returns a registrable service spec with defaults applied.
func SampleSpec(name string) platform.ServiceSpec {
	spec := platform.ServiceSpec{
		Name:        name,
		Description: fmt.Sprintf("%s test service", name),
	}
	spec.ApplyDefaults()
	return spec
}

// SampleVersion returns a deployable version of the named service.
func SampleVersion(name string) platform.ServiceVersion {
	return platform.ServiceVersion{
		Name:   name,
		Image:  "registry.test/" + name,
		Tag:    "v1.0.0",
		GitSHA: "0123456789abcdef0123456789abcdef01234567",
	}
}

// SampleRelease returns a pending release carrying one version per
// named service.
func SampleRelease(t *testing.T, env platform.Environment, services ...string) *platform.Release {
	t.Helper()

	versions := make([]platform.ServiceVersion, 0, len(services))
	for _, name := range services {
		versions = append(versions, SampleVersion(name))
	}
	release, err := platform.NewRelease(env, versions)
	if err != nil {
		t.Fatalf("building sample release: %v", err)
	}
	return release
}

// SampleSchema returns a valid introspected subgraph schema for one
// service with a single top-level query field named after it.
func SampleSchema(service string, env platform.Environment) *platform.SubgraphSchema {
	sdl := fmt.Sprintf("type Query {\n  %s: String\n}\n", service)
	return &platform.SubgraphSchema{
		Service:     service,
		Environment: env,
		SDL:         sdl,
		Hash:        fmt.Sprintf("%s-schema-hash", service),
		URL:         fmt.Sprintf("http://%s.%s.internal:8000/graphql", service, env),
		FetchedAt:   time.Now().UTC(),
	}
}

// SampleSupergraph returns a valid composed artifact routing one field
// per named service.
func SampleSupergraph(env platform.Environment, services ...string) *platform.Supergraph {
	routing := make(map[string]string, len(services))
	urls := make(map[string]string, len(services))
	subgraphHashes := make(map[string]string, len(services))
	sdl := "type Query {\n"
	for _, name := range services {
		routing[name] = name
		urls[name] = fmt.Sprintf("http://%s.%s.internal:8000", name, env)
		subgraphHashes[name] = fmt.Sprintf("%s-schema-hash", name)
		sdl += fmt.Sprintf("  %s: String\n", name)
	}
	sdl += "}\n"

	return &platform.Supergraph{
		Environment:    env,
		SDL:            sdl,
		Routing:        routing,
		ServiceURLs:    urls,
		Hash:           fmt.Sprintf("supergraph-%s-%d", env, len(services)),
		SubgraphHashes: subgraphHashes,
		ComposedAt:     time.Now().UTC(),
	}
}
