package registry

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// ManifestVersion is the only manifest format version in use.
const ManifestVersion = "1"

// Manifest is a sway.yaml service manifest. Manifests extend the
// built-in catalog and override it where names collide.
type Manifest struct {
	Version  string                 `yaml:"version" json:"version"`
	Services []platform.ServiceSpec `yaml:"services" json:"services"`
}

// LoadManifest reads and validates a manifest file. Unknown keys fail
// the parse, every entry is checked against the service schema, and
// the returned specs carry platform defaults.
func LoadManifest(path string) (*Manifest, error) {
	if err := validateManifestPath(path); err != nil {
		return nil, errors.WrapInvalid(err, "Manifest", "LoadManifest", "path validation")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Manifest", "LoadManifest",
			fmt.Sprintf("read %s", path))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	// Typoed keys must fail loudly, not decode to zero values.
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil, errors.WrapInvalid(stderrors.New("manifest is empty"),
				"Manifest", "LoadManifest", fmt.Sprintf("parse %s", path))
		}
		return nil, errors.WrapInvalid(err, "Manifest", "LoadManifest",
			fmt.Sprintf("parse %s", path))
	}

	if m.Version == "" {
		m.Version = ManifestVersion
	}
	if m.Version != ManifestVersion {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Manifest", "LoadManifest",
			fmt.Sprintf("unsupported manifest version %q, want %q", m.Version, ManifestVersion))
	}

	seen := make(map[string]bool, len(m.Services))
	for i := range m.Services {
		m.Services[i].ApplyDefaults()
		if err := validateSpecSchema(m.Services[i]); err != nil {
			return nil, errors.Wrap(err, "Manifest", "LoadManifest",
				fmt.Sprintf("service %d in %s", i, path))
		}
		if seen[m.Services[i].Name] {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "Manifest", "LoadManifest",
				fmt.Sprintf("duplicate service %q in %s", m.Services[i].Name, path))
		}
		seen[m.Services[i].Name] = true
	}

	// Dependencies may point at catalog services the manifest does not
	// redeclare, so cross-checks run against the catalog union.
	if err := platform.ValidateAll(m.mergedWithCatalog()); err != nil {
		return nil, errors.Wrap(err, "Manifest", "LoadManifest", fmt.Sprintf("validate %s", path))
	}

	return &m, nil
}

// mergedWithCatalog overlays the manifest on the built-in catalog:
// catalog entries the manifest redeclares are replaced, the rest kept.
func (m *Manifest) mergedWithCatalog() []platform.ServiceSpec {
	overrides := make(map[string]platform.ServiceSpec, len(m.Services))
	for _, spec := range m.Services {
		overrides[spec.Name] = spec
	}

	merged := make([]platform.ServiceSpec, 0, len(m.Services)+8)
	for _, spec := range platform.Catalog() {
		if override, ok := overrides[spec.Name]; ok {
			merged = append(merged, override)
			delete(overrides, spec.Name)
			continue
		}
		merged = append(merged, spec)
	}
	for _, spec := range m.Services {
		if _, ok := overrides[spec.Name]; ok {
			merged = append(merged, spec)
		}
	}
	return merged
}

func validateManifestPath(path string) error {
	if path == "" {
		return fmt.Errorf("manifest path cannot be empty")
	}
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml", ".json":
	default:
		return fmt.Errorf("manifest %s: extension %q not allowed (yaml, yml, json)", path, ext)
	}
	return nil
}

// SeedManifests loads each manifest and upserts its services. Unlike
// catalog seeding, manifest entries override existing specs; recorded
// URLs and registration times are preserved. Returns the names
// created or updated.
func (r *Registry) SeedManifests(ctx context.Context, paths ...string) ([]string, error) {
	var seeded []string
	for _, path := range paths {
		m, err := LoadManifest(path)
		if err != nil {
			return seeded, err
		}

		for _, spec := range m.Services {
			if err := r.upsertSpec(ctx, spec); err != nil {
				return seeded, err
			}
			seeded = append(seeded, spec.Name)
		}

		r.logger.Info("manifest seeded", "path", path, "services", len(m.Services))
	}
	return seeded, nil
}

// upsertSpec creates or replaces a service spec with a CAS update.
// URLs and RegisteredAt survive spec replacement.
func (r *Registry) upsertSpec(ctx context.Context, spec platform.ServiceSpec) error {
	err := r.kv.UpdateWithRetry(ctx, spec.Name, func(current []byte) ([]byte, error) {
		record := Record{
			Spec:         spec,
			RegisteredAt: time.Now().UTC(),
		}

		if len(current) > 0 {
			var existing Record
			if err := json.Unmarshal(current, &existing); err != nil {
				return nil, fmt.Errorf("unmarshal record: %w", err)
			}
			record.URLs = existing.URLs
			record.RegisteredAt = existing.RegisteredAt
		}
		record.UpdatedAt = time.Now().UTC()

		return json.Marshal(record)
	})
	if err != nil {
		return errors.WrapTransient(err, "Registry", "upsertSpec",
			fmt.Sprintf("upsert service %s", spec.Name))
	}
	return nil
}
