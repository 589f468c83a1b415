package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Peleke/MindMirror-sub002/platform"
	"github.com/Peleke/MindMirror-sub002/supergraph"
)

func main() {
	var urls, files pairList
	flag.Var(&urls, "url", "Introspect a live service, as service=http://host:port (repeatable)")
	flag.Var(&files, "sdl", "Read a schema file instead, as service=path.graphql (repeatable)")
	envName := flag.String("env", "dev", "Environment stamped into the manifest")
	outDir := flag.String("out", "./supergraph", "Output directory")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall introspection deadline")
	flag.Parse()

	if len(urls)+len(files) == 0 {
		log.Fatal("nothing to compose: pass at least one -url or -sdl")
	}

	env, err := platform.ParseEnvironment(*envName)
	if err != nil {
		log.Fatalf("Invalid environment %q: %v", *envName, err)
	}

	log.Printf("Supergraph Exporter")
	log.Printf("  Environment: %s", env)
	log.Printf("  Live services: %d", len(urls))
	log.Printf("  Schema files: %d", len(files))
	log.Printf("  Output dir: %s", *outDir)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	subgraphs, err := collectSubgraphs(ctx, env, urls, files)
	if err != nil {
		log.Fatalf("Failed to collect subgraphs: %v", err)
	}
	for _, sub := range subgraphs {
		log.Printf("  ✓ Loaded %s (%d bytes)", sub.Service, len(sub.SDL))
	}

	composer, err := supergraph.NewComposer(ctx)
	if err != nil {
		log.Fatalf("Failed to create composer: %v", err)
	}
	defer composer.Close()

	artifact, err := composer.Compose(ctx, env, subgraphs)
	if err != nil {
		log.Fatalf("Composition failed: %v", err)
	}
	log.Printf("  ✓ Composed %d top-level fields, hash %.12s", len(artifact.Routing), artifact.Hash)

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	sdlPath := filepath.Join(*outDir, "supergraph.graphql")
	if err := os.WriteFile(sdlPath, []byte(artifact.SDL), 0644); err != nil {
		log.Fatalf("Failed to write SDL: %v", err)
	}
	log.Printf("  ✓ Generated: %s", sdlPath)

	manifestPath := filepath.Join(*outDir, "routing.json")
	if err := writeManifest(manifestPath, artifact); err != nil {
		log.Fatalf("Failed to write routing manifest: %v", err)
	}
	log.Printf("  ✓ Generated: %s", manifestPath)

	log.Printf("✅ Supergraph export complete!")
}

// collectSubgraphs loads file-backed schemas first, then introspects the
// live ones.
func collectSubgraphs(ctx context.Context, env platform.Environment, urls, files pairList) ([]*platform.SubgraphSchema, error) {
	subgraphs := make([]*platform.SubgraphSchema, 0, len(urls)+len(files))

	for _, f := range files {
		sub, err := loadSubgraphFile(env, f.service, f.value)
		if err != nil {
			return nil, err
		}
		subgraphs = append(subgraphs, sub)
	}

	if len(urls) > 0 {
		introspector, err := supergraph.NewIntrospector()
		if err != nil {
			return nil, err
		}
		targets := make([]supergraph.Target, 0, len(urls))
		for _, u := range urls {
			targets = append(targets, supergraph.Target{Service: u.service, URL: u.value})
		}
		fetched, err := introspector.FetchAll(ctx, env, targets)
		if err != nil {
			return nil, err
		}
		subgraphs = append(subgraphs, fetched...)
	}

	return subgraphs, nil
}

func loadSubgraphFile(env platform.Environment, service, path string) (*platform.SubgraphSchema, error) {
	sdl, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s schema: %w", service, err)
	}
	return &platform.SubgraphSchema{
		Service:     service,
		Environment: env,
		SDL:         string(sdl),
		Hash:        supergraph.HashSDL(string(sdl)),
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// routingManifest is the JSON emitted beside the SDL. The gateway's
// static mode and CI diff checks both consume it.
type routingManifest struct {
	Environment    string            `json:"environment"`
	Hash           string            `json:"hash"`
	ComposedAt     time.Time         `json:"composed_at"`
	Routing        map[string]string `json:"routing"`
	SubgraphHashes map[string]string `json:"subgraph_hashes"`
	ServiceURLs    map[string]string `json:"service_urls,omitempty"`
}

func writeManifest(path string, artifact *platform.Supergraph) error {
	manifest := routingManifest{
		Environment:    artifact.Environment.String(),
		Hash:           artifact.Hash,
		ComposedAt:     artifact.ComposedAt,
		Routing:        artifact.Routing,
		SubgraphHashes: artifact.SubgraphHashes,
		ServiceURLs:    artifact.ServiceURLs,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// pair is one service=value flag entry.
type pair struct {
	service string
	value   string
}

// pairList collects repeated service=value flags.
type pairList []pair

func (p *pairList) String() string {
	parts := make([]string, 0, len(*p))
	for _, entry := range *p {
		parts = append(parts, entry.service+"="+entry.value)
	}
	return strings.Join(parts, ",")
}

func (p *pairList) Set(raw string) error {
	service, value, found := strings.Cut(raw, "=")
	if !found || service == "" || value == "" {
		return fmt.Errorf("expected service=value, got %q", raw)
	}
	*p = append(*p, pair{service: service, value: value})
	return nil
}
