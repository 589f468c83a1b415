package config

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/Peleke/MindMirror-sub002/errors"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "dev", cfg.Platform.Environment)
	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sway_services", cfg.Registry.Bucket)
	assert.True(t, cfg.Registry.SeedCatalog)
	assert.Equal(t, "SWAY_AUDIT", cfg.Pipeline.AuditStream)
	assert.Equal(t, ":4000", cfg.Gateway.Listen)
	assert.Equal(t, "/graphql", cfg.Gateway.GraphQLPath)
	assert.Equal(t, "/secrets", cfg.Secrets.MountDir)
	assert.Equal(t, 15*time.Second, cfg.HealthCheck.Interval)
	assert.False(t, cfg.Notify.Enabled)
	assert.False(t, cfg.Advisor.Enabled)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad version", func(c *Config) { c.Version = "one.two" }},
		{"bad environment", func(c *Config) { c.Platform.Environment = "qa" }},
		{"bad log level", func(c *Config) { c.Platform.LogLevel = "trace" }},
		{"bad log format", func(c *Config) { c.Platform.LogFormat = "logfmt" }},
		{"no nats urls", func(c *Config) { c.NATS.URLs = nil }},
		{"bad nats scheme", func(c *Config) { c.NATS.URLs = []string{"http://localhost:4222"} }},
		{"bad max reconnects", func(c *Config) { c.NATS.MaxReconnects = -2 }},
		{"nats tls cert without key", func(c *Config) {
			c.NATS.TLS.Enabled = true
			c.NATS.TLS.CertFile = "/tmp/cert.pem"
		}},
		{"no server addr", func(c *Config) { c.Server.Addr = "" }},
		{"no registry bucket", func(c *Config) { c.Registry.Bucket = "" }},
		{"bad registry bucket", func(c *Config) { c.Registry.Bucket = "sway.services" }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"zero queue", func(c *Config) { c.Pipeline.QueueSize = 0 }},
		{"no audit stream", func(c *Config) { c.Pipeline.AuditStream = "" }},
		{"zero parallel", func(c *Config) { c.Orchestrator.MaxParallel = 0 }},
		{"zero deploy timeout", func(c *Config) { c.Orchestrator.DeployTimeout = 0 }},
		{"no gateway listen", func(c *Config) { c.Gateway.Listen = "" }},
		{"relative graphql path", func(c *Config) { c.Gateway.GraphQLPath = "graphql" }},
		{"negative op cache", func(c *Config) { c.Gateway.OperationCacheSize = -1 }},
		{"tiny request limit", func(c *Config) { c.Gateway.MaxRequestBytes = 100 }},
		{"probe timeout over interval", func(c *Config) {
			c.HealthCheck.Interval = 5 * time.Second
			c.HealthCheck.Timeout = 5 * time.Second
		}},
		{"zero failure threshold", func(c *Config) { c.HealthCheck.FailureThreshold = 0 }},
		{"zero events buffer", func(c *Config) { c.Events.BufferSize = 0 }},
		{"zero events ping", func(c *Config) { c.Events.PingInterval = 0 }},
		{"notify enabled without url", func(c *Config) { c.Notify.Enabled = true }},
		{"notify bad scheme", func(c *Config) {
			c.Notify.Enabled = true
			c.Notify.URL = "ftp://hooks.example.com"
		}},
		{"tls server without certs", func(c *Config) {
			c.Security.TLS.Server.Enabled = true
			c.Security.TLS.Server.Mode = "manual"
		}},
		{"tls bad mode", func(c *Config) {
			c.Security.TLS.Server.Enabled = true
			c.Security.TLS.Server.Mode = "letsencrypt"
		}},
		{"acme without domains", func(c *Config) {
			c.Security.TLS.Server.Enabled = true
			c.Security.TLS.Server.Mode = "acme"
			c.Security.TLS.Server.ACME.Email = "ops@example.com"
		}},
		{"bad client tls version", func(c *Config) { c.Security.TLS.Client.MinVersion = "1.0" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, pkgerrors.IsInvalid(err), "expected invalid class, got: %v", err)
		})
	}
}

func TestConfig_ValidateAcceptsEnvironments(t *testing.T) {
	for _, env := range []string{"dev", "staging", "production"} {
		cfg := Defaults()
		cfg.Platform.Environment = env
		assert.NoError(t, cfg.Validate(), env)
	}
}

func TestConfig_Clone(t *testing.T) {
	cfg := Defaults()
	cfg.NATS.URLs = []string{"nats://one:4222"}

	clone := cfg.Clone()
	clone.NATS.URLs[0] = "nats://mutated:4222"
	clone.Gateway.Listen = ":9999"

	assert.Equal(t, "nats://one:4222", cfg.NATS.URLs[0])
	assert.Equal(t, ":4000", cfg.Gateway.Listen)

	var nilCfg *Config
	assert.NotNil(t, nilCfg.Clone())
}

func TestPlatformConfig_Env(t *testing.T) {
	cfg := Defaults()
	cfg.Platform.Environment = "production"
	env, err := cfg.Platform.Env()
	require.NoError(t, err)
	assert.True(t, env.RequiresApproval())
}

func TestSafeConfig_GetReturnsCopy(t *testing.T) {
	sc := NewSafeConfig(Defaults())

	got := sc.Get()
	got.Server.Addr = ":1"

	assert.Equal(t, ":8080", sc.Get().Server.Addr)
}

func TestSafeConfig_UpdateValidates(t *testing.T) {
	sc := NewSafeConfig(Defaults())

	bad := Defaults()
	bad.Platform.Environment = "qa"
	require.Error(t, sc.Update(bad))
	assert.Equal(t, "dev", sc.Get().Platform.Environment)

	require.Error(t, sc.Update(nil))

	good := Defaults()
	good.Platform.Environment = "staging"
	require.NoError(t, sc.Update(good))
	assert.Equal(t, "staging", sc.Get().Platform.Environment)
}

func TestSafeConfig_ConcurrentAccess(t *testing.T) {
	sc := NewSafeConfig(Defaults())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = sc.Get().Gateway.Listen
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				next := Defaults()
				next.Platform.InstanceID = "replica"
				_ = sc.Update(next)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, sc.Get().Validate())
}

func TestParseSemVer(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"1.0.0", false},
		{"v2.13.4", false},
		{"1.0", true},
		{"1.0.0.0", true},
		{"a.b.c", true},
		{"1.-1.0", true},
		{"", true},
	}
	for _, tt := range tests {
		_, _, _, err := parseSemVer(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
		} else {
			assert.NoError(t, err, tt.in)
		}
	}
}

func TestConfig_StringIsJSON(t *testing.T) {
	s := Defaults().String()
	assert.True(t, strings.HasPrefix(s, "{"))
	assert.Contains(t, s, "sway_services")
}
