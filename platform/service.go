// Package platform contains the shared domain types for the Sway
// deployment platform: service specs, environments, releases, and
// deployment records.
package platform

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Peleke/MindMirror-sub002/errors"
)

// Spec defaults applied when fields are left zero.
const (
	DefaultPort        = 8000
	DefaultHealthPath  = "/health"
	DefaultGraphQLPath = "/graphql"
)

// Service names are DNS labels; Cloud Run rejects anything else.
var serviceNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Secret names map to mount directories and env var fallbacks, so the
// charset is restricted to what both can carry.
var secretNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// SecretRef names a secret a service consumes. The value is mounted at
// /secrets/<name>/<name>, with an uppercase env var as legacy fallback.
type SecretRef struct {
	Name string `json:"name" yaml:"name"`
}

// EnvVar returns the legacy environment variable name for this secret:
// uppercased with separators folded to underscores, e.g. "database-url"
// becomes DATABASE_URL.
func (r SecretRef) EnvVar() string {
	return strings.ToUpper(strings.ReplaceAll(r.Name, "-", "_"))
}

// Validate checks the secret name charset.
func (r SecretRef) Validate() error {
	if r.Name == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SecretRef", "Validate",
			"secret name cannot be empty")
	}
	if !secretNamePattern.MatchString(r.Name) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SecretRef", "Validate",
			fmt.Sprintf("invalid secret name %q: lowercase letters, digits, '-' and '_' only", r.Name))
	}
	return nil
}

// ServiceSpec describes one deployable service.
type ServiceSpec struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Port        int         `json:"port" yaml:"port"`
	HealthPath  string      `json:"health_path" yaml:"health_path"`
	GraphQLPath string      `json:"graphql_path" yaml:"graphql_path"`
	EnvRefs     []string    `json:"env_refs,omitempty" yaml:"env_refs,omitempty"`
	Secrets     []SecretRef `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	OwnedTables []string    `json:"owned_tables,omitempty" yaml:"owned_tables,omitempty"`
	DependsOn   []string    `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// ApplyDefaults fills zero fields with platform defaults.
func (s *ServiceSpec) ApplyDefaults() {
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.HealthPath == "" {
		s.HealthPath = DefaultHealthPath
	}
	if s.GraphQLPath == "" {
		s.GraphQLPath = DefaultGraphQLPath
	}
}

// Validate checks the spec. Call ApplyDefaults first for partial specs.
func (s ServiceSpec) Validate() error {
	if s.Name == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "ServiceSpec", "Validate",
			"service name cannot be empty")
	}
	if !serviceNamePattern.MatchString(s.Name) || len(s.Name) > 63 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ServiceSpec", "Validate",
			fmt.Sprintf("invalid service name %q: must be a DNS label", s.Name))
	}
	if s.Port < 1 || s.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ServiceSpec", "Validate",
			fmt.Sprintf("service %s: port %d out of range", s.Name, s.Port))
	}
	if err := validatePath(s.HealthPath); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ServiceSpec", "Validate",
			fmt.Sprintf("service %s: health path: %v", s.Name, err))
	}
	if err := validatePath(s.GraphQLPath); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ServiceSpec", "Validate",
			fmt.Sprintf("service %s: graphql path: %v", s.Name, err))
	}
	for _, ref := range s.Secrets {
		if err := ref.Validate(); err != nil {
			return err
		}
	}
	for _, dep := range s.DependsOn {
		if dep == s.Name {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "ServiceSpec", "Validate",
				fmt.Sprintf("service %s depends on itself", s.Name))
		}
	}
	return nil
}

func validatePath(p string) error {
	if p == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("path %q must start with '/'", p)
	}
	if strings.ContainsAny(p, " \t\n") {
		return fmt.Errorf("path %q contains whitespace", p)
	}
	return nil
}

// ServiceURL records where a deployed service answers in one
// environment. URLs appear after deploy phase one; the gateway rebuild
// consumes them in phase two.
type ServiceURL struct {
	Service     string      `json:"service"`
	Environment Environment `json:"environment"`
	URL         string      `json:"url"`
}

// GraphQLEndpoint joins the base URL with the service's GraphQL path.
func (u ServiceURL) GraphQLEndpoint(spec ServiceSpec) string {
	return strings.TrimSuffix(u.URL, "/") + spec.GraphQLPath
}

// ServiceNames returns the names of the given specs, sorted.
func ServiceNames(specs []ServiceSpec) []string {
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// OwnedTables maps each table to its owning service. Two services
// claiming the same table is a catalog error.
func OwnedTables(specs []ServiceSpec) (map[string]string, error) {
	owners := make(map[string]string)
	for _, s := range specs {
		for _, table := range s.OwnedTables {
			if existing, ok := owners[table]; ok && existing != s.Name {
				return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "platform", "OwnedTables",
					fmt.Sprintf("table %q claimed by both %s and %s", table, existing, s.Name))
			}
			owners[table] = s.Name
		}
	}
	return owners, nil
}

// ValidateAll validates every spec and the table ownership across them.
func ValidateAll(specs []ServiceSpec) error {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "platform", "ValidateAll",
				fmt.Sprintf("duplicate service %q", s.Name))
		}
		seen[s.Name] = true
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "platform", "ValidateAll",
					fmt.Sprintf("service %s depends on unknown service %q", s.Name, dep))
			}
		}
	}
	if _, err := OwnedTables(specs); err != nil {
		return err
	}
	return nil
}
