// Package secrets resolves secret values for platform services. The
// target-state convention mounts each secret at /secrets/<name>/<name>;
// the legacy fallback is an uppercase underscore-separated environment
// variable (database-url falls back to DATABASE_URL). Secret values are
// never logged, only their lengths.
package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// DefaultMountDir is where the secret manager mounts secret volumes.
const DefaultMountDir = "/secrets"

// Source says where a secret value came from.
type Source string

// Secret sources.
const (
	SourceFile Source = "file"
	SourceEnv  Source = "env"
)

// Secret is a resolved secret value.
type Secret struct {
	Name   string
	Value  string
	Source Source
}

// Resolver resolves secrets from the mount directory with env fallback.
type Resolver struct {
	mountDir string
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMountDir overrides the secret mount directory.
func WithMountDir(dir string) Option {
	return func(r *Resolver) {
		r.mountDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a resolver over the default mount directory.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		mountDir: DefaultMountDir,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// filePath returns the mount path for a secret name.
func (r *Resolver) filePath(name string) string {
	return filepath.Join(r.mountDir, name, name)
}

// Resolve looks up a secret, file first then env. A missing secret
// returns (nil, nil) so callers can treat it as optional; use Require
// when absence is an error.
func (r *Resolver) Resolve(name string) (*Secret, error) {
	ref := platform.SecretRef{Name: name}
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	path := r.filePath(name)
	data, err := os.ReadFile(path)
	if err == nil {
		value := strings.TrimRight(string(data), "\r\n")
		r.logger.Debug("resolved secret from file",
			"secret", name, "path", path, "length", len(value))
		return &Secret{Name: name, Value: value, Source: SourceFile}, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "Resolver", "Resolve",
			fmt.Sprintf("read secret file %s", path))
	}

	envVar := ref.EnvVar()
	if value, ok := os.LookupEnv(envVar); ok {
		r.logger.Debug("resolved secret from environment",
			"secret", name, "env_var", envVar, "length", len(value))
		return &Secret{Name: name, Value: value, Source: SourceEnv}, nil
	}

	return nil, nil
}

// Require resolves a secret that must exist. The error names both
// probed locations so the runbook fix is obvious.
func (r *Resolver) Require(name string) (*Secret, error) {
	secret, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		ref := platform.SecretRef{Name: name}
		return nil, errors.WrapFatal(errors.ErrSecretNotFound, "Resolver", "Require",
			fmt.Sprintf("secret %q not found at %s or in env var %s",
				name, r.filePath(name), ref.EnvVar()))
	}
	return secret, nil
}

// ResolveAll requires every referenced secret and returns them by name.
func (r *Resolver) ResolveAll(refs []platform.SecretRef) (map[string]*Secret, error) {
	resolved := make(map[string]*Secret, len(refs))
	for _, ref := range refs {
		secret, err := r.Require(ref.Name)
		if err != nil {
			return nil, err
		}
		resolved[ref.Name] = secret
	}
	return resolved, nil
}

// EnvForService resolves a service's secrets into the env var map its
// container receives, keyed by the legacy env var names.
func (r *Resolver) EnvForService(spec platform.ServiceSpec) (map[string]string, error) {
	resolved, err := r.ResolveAll(spec.Secrets)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(resolved))
	for name, secret := range resolved {
		ref := platform.SecretRef{Name: name}
		env[ref.EnvVar()] = secret.Value
	}
	return env, nil
}
