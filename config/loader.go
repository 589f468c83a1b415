package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Peleke/MindMirror-sub002/errors"
)

// envPrefix is the prefix for every environment override.
const envPrefix = "SWAY"

// Loader loads configuration from layered YAML files with environment
// variable overrides. Layers are merged in the order added, last wins.
type Loader struct {
	layers      []string
	dotenvFiles []string
	validation  bool
}

// NewLoader creates a loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{validation: true}
}

// AddLayer appends a config file to the merge chain.
func (l *Loader) AddLayer(path string) *Loader {
	l.layers = append(l.layers, path)
	return l
}

// EnableValidation toggles config validation after loading.
func (l *Loader) EnableValidation(enabled bool) *Loader {
	l.validation = enabled
	return l
}

// EnableDotenv loads the named dotenv files into the process environment
// before overrides are read. With no arguments, ".env" is used. Missing
// files are skipped so production images need not carry one.
func (l *Loader) EnableDotenv(files ...string) *Loader {
	if len(files) == 0 {
		files = []string{".env"}
	}
	l.dotenvFiles = append(l.dotenvFiles, files...)
	return l
}

// Load builds the effective configuration: defaults, then each file
// layer, then environment overrides, then validation.
func (l *Loader) Load() (*Config, error) {
	for _, f := range l.dotenvFiles {
		if err := godotenv.Load(f); err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, errors.WrapFatal(err, "Loader", "Load",
				fmt.Sprintf("loading dotenv file %s", f))
		}
	}

	cfg := Defaults()
	for _, path := range l.layers {
		raw, err := l.loadRawYAML(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load",
				fmt.Sprintf("loading layer %s", path))
		}
		cfg = l.mergeFromMap(cfg, raw)
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRawYAML reads and decodes a YAML layer into a string-keyed map.
// Durations are normalized before the caller merges the result.
func (l *Loader) loadRawYAML(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	raw = normalizeKeys(raw).(map[string]any)

	if depth := mapDepth(raw, 1); depth > maxNestingDepth {
		return nil, fmt.Errorf("config nesting too deep: %d > %d", depth, maxNestingDepth)
	}

	l.parseDurations(raw)
	return raw, nil
}

// normalizeKeys rewrites any map[any]any produced by the YAML decoder
// into map[string]any so the merged result is JSON-marshalable.
func normalizeKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			val[k] = normalizeKeys(inner)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[fmt.Sprintf("%v", k)] = normalizeKeys(inner)
		}
		return out
	case []any:
		for i, inner := range val {
			val[i] = normalizeKeys(inner)
		}
		return val
	default:
		return v
	}
}

func mapDepth(v any, depth int) int {
	max := depth
	switch val := v.(type) {
	case map[string]any:
		for _, inner := range val {
			if d := mapDepth(inner, depth+1); d > max {
				max = d
			}
		}
	case []any:
		for _, inner := range val {
			if d := mapDepth(inner, depth+1); d > max {
				max = d
			}
		}
	}
	return max
}

// durationKeys lists every dotted path holding a duration. YAML carries
// them as strings ("30s", "14d"); they are rewritten to nanoseconds so
// the JSON decode into time.Duration fields works.
var durationKeys = []string{
	"nats.reconnect_wait",
	"nats.ping_interval",
	"nats.timeout",
	"nats.drain_timeout",
	"server.read_timeout",
	"server.write_timeout",
	"server.idle_timeout",
	"server.shutdown_timeout",
	"orchestrator.deploy_timeout",
	"orchestrator.health_timeout",
	"orchestrator.gateway_rebuild_timeout",
	"pipeline.stage_timeout",
	"pipeline.approval_timeout",
	"gateway.request_timeout",
	"gateway.schema_cache_ttl",
	"healthcheck.interval",
	"healthcheck.timeout",
	"events.ping_interval",
	"events.write_timeout",
	"notify.timeout",
}

func (l *Loader) parseDurations(data map[string]any) {
	for _, key := range durationKeys {
		convertDurationAt(data, strings.Split(key, "."))
	}
}

// convertDurationAt replaces the string at path with nanoseconds when it
// parses as a duration. Unparseable strings are left alone for the
// decoder to reject with a better position.
func convertDurationAt(m map[string]any, path []string) {
	for _, key := range path[:len(path)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	leaf := path[len(path)-1]
	s, ok := m[leaf].(string)
	if !ok {
		return
	}
	if d, err := parseDurationWithDays(s); err == nil {
		m[leaf] = d.Nanoseconds()
	}
}

// parseDurationWithDays parses durations that may include days ("14d").
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// mergeFromMap merges a raw override map over the base config. Both
// sides pass through JSON maps so nested sections merge field-wise
// rather than wholesale.
func (l *Loader) mergeFromMap(base *Config, override map[string]any) *Config {
	if len(override) == 0 {
		return base
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	mergedMap := deepMergeMaps(baseMap, override)

	mergedJSON, err := json.Marshal(mergedMap)
	if err != nil {
		return base
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return base
	}
	return &merged
}

// deepMergeMaps recursively merges two maps with override winning.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies SWAY_* environment variable overrides. Only
// deployment-variable settings are overridable; structural config stays
// in files.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := envString("ENVIRONMENT"); val != "" {
		cfg.Platform.Environment = val
	}
	if val := envString("INSTANCE_ID"); val != "" {
		cfg.Platform.InstanceID = val
	}
	if val := envString("REGION"); val != "" {
		cfg.Platform.Region = val
	}
	if val := envString("LOG_LEVEL"); val != "" {
		cfg.Platform.LogLevel = val
	}
	if val := envString("LOG_FORMAT"); val != "" {
		cfg.Platform.LogFormat = val
	}
	if val := envString("NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := envString("NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := envString("NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := envString("NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := envString("NATS_CREDS_FILE"); val != "" {
		cfg.NATS.CredsFile = val
	}
	if val := envString("SERVER_ADDR"); val != "" {
		cfg.Server.Addr = val
	}
	if val := envString("GATEWAY_LISTEN"); val != "" {
		cfg.Gateway.Listen = val
	}
	if val := envString("SECRETS_DIR"); val != "" {
		cfg.Secrets.MountDir = val
	}
	if val := envString("RUNNER_URL"); val != "" {
		cfg.Orchestrator.Runner.URL = val
	}
	if val := envString("CI_RUNNER_URL"); val != "" {
		cfg.Pipeline.CIRunnerURL = val
	}
	if val := envString("NOTIFY_URL"); val != "" {
		cfg.Notify.URL = val
		cfg.Notify.Enabled = true
	}
}

// envString reads an override, dropping values that fail basic hygiene
// checks rather than propagating them into the config.
func envString(key string) string {
	full := envPrefix + "_" + key
	val := os.Getenv(full)
	if val == "" {
		return ""
	}
	if err := validateEnvVar(full, val); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: ignoring %s: %v\n", full, err)
		return ""
	}
	return val
}

// SaveToFile writes the configuration as YAML with owner-only
// permissions.
func (c *Config) SaveToFile(path string) error {
	// Round-trip through the JSON field names so a saved file reloads
	// under the same keys Load expects.
	jsonData, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return err
	}
	restoreDurations(m)
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// restoreDurations rewrites nanosecond values back into duration strings
// so saved files stay human-editable.
func restoreDurations(m map[string]any) {
	for _, key := range durationKeys {
		path := strings.Split(key, ".")
		inner := m
		ok := true
		for _, k := range path[:len(path)-1] {
			next, isMap := inner[k].(map[string]any)
			if !isMap {
				ok = false
				break
			}
			inner = next
		}
		if !ok {
			continue
		}
		leaf := path[len(path)-1]
		if ns, isNum := inner[leaf].(float64); isNum {
			inner[leaf] = time.Duration(int64(ns)).String()
		}
	}
}
