package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Peleke/MindMirror-sub002/platform"
	"github.com/Peleke/MindMirror-sub002/registry"
)

// Scenario is one smoke test against a live platform.
type Scenario interface {
	Name() string
	Description() string
	Execute(ctx context.Context) (*Result, error)
}

// Result carries the scenario outcome.
type Result struct {
	Success  bool
	Error    string
	Duration time.Duration
	Metrics  map[string]any
}

// scenarioEnv is what every scenario gets to work with.
type scenarioEnv struct {
	client     *platformClient
	gatewayURL string
	env        platform.Environment
	logger     *slog.Logger
}

// catalog fetches the service records that have a recorded URL for the
// target environment.
func (e *scenarioEnv) catalog(ctx context.Context) ([]registry.Record, error) {
	var out struct {
		Services []registry.Record `json:"services"`
	}
	if err := e.client.getJSON(ctx, "/api/services", &out); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	reachable := out.Services[:0]
	for _, record := range out.Services {
		if _, ok := record.URL(e.env); ok {
			reachable = append(reachable, record)
		}
	}
	return reachable, nil
}

// platformHealthScenario checks the health contract everywhere: the
// control plane, every deployed service, and the gateway answer 200 on
// both /health and /healthcheck.
type platformHealthScenario struct {
	env *scenarioEnv
}

func (s *platformHealthScenario) Name() string { return "platform-health" }
func (s *platformHealthScenario) Description() string {
	return "Control plane, every deployed service, and the gateway answer the health contract"
}

func (s *platformHealthScenario) Execute(ctx context.Context) (*Result, error) {
	start := time.Now()
	checked := 0

	for _, path := range []string{"/healthz", "/readyz"} {
		if err := s.env.client.expectOK(ctx, s.env.client.apiBase+path); err != nil {
			return nil, err
		}
		checked++
	}

	records, err := s.env.catalog(ctx)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		base, _ := record.URL(s.env.env)
		for _, path := range []string{"/health", "/healthcheck"} {
			if err := s.env.client.expectOK(ctx, base+path); err != nil {
				return nil, fmt.Errorf("service %s: %w", record.Spec.Name, err)
			}
			checked++
		}
		s.env.logger.Debug("service healthy", "service", record.Spec.Name, "url", base)
	}

	if s.env.gatewayURL != "" {
		for _, path := range []string{"/health", "/healthcheck"} {
			if err := s.env.client.expectOK(ctx, s.env.gatewayURL+path); err != nil {
				return nil, fmt.Errorf("gateway: %w", err)
			}
			checked++
		}
	}

	return &Result{
		Success:  true,
		Duration: time.Since(start),
		Metrics:  map[string]any{"services": len(records), "endpoints_checked": checked},
	}, nil
}

// graphqlSmokeScenario introspects every subgraph and the gateway.
type graphqlSmokeScenario struct {
	env *scenarioEnv
}

func (s *graphqlSmokeScenario) Name() string { return "graphql-smoke" }
func (s *graphqlSmokeScenario) Description() string {
	return "Every subgraph and the federation gateway answer GraphQL introspection"
}

func (s *graphqlSmokeScenario) Execute(ctx context.Context) (*Result, error) {
	start := time.Now()

	records, err := s.env.catalog(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no services with recorded URLs in %s", s.env.env)
	}

	for _, record := range records {
		base, _ := record.URL(s.env.env)
		if err := s.env.client.introspect(ctx, base+record.Spec.GraphQLPath); err != nil {
			return nil, fmt.Errorf("subgraph %s: %w", record.Spec.Name, err)
		}
		s.env.logger.Debug("subgraph introspected", "service", record.Spec.Name)
	}

	if s.env.gatewayURL != "" {
		if err := s.env.client.introspect(ctx, s.env.gatewayURL+"/graphql"); err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
	}

	return &Result{
		Success:  true,
		Duration: time.Since(start),
		Metrics:  map[string]any{"subgraphs": len(records)},
	}, nil
}

// twoPhaseScenario runs a full release through the control plane: create,
// deploy, wait for the terminal state, then verify the gateway serves
// the recomposed supergraph.
type twoPhaseScenario struct {
	env      *scenarioEnv
	versions []platform.ServiceVersion
	timeout  time.Duration
}

func (s *twoPhaseScenario) Name() string { return "two-phase" }
func (s *twoPhaseScenario) Description() string {
	return "A release deploys services, recomposes the supergraph, and the gateway serves it"
}

func (s *twoPhaseScenario) Execute(ctx context.Context) (*Result, error) {
	if len(s.versions) == 0 {
		return nil, fmt.Errorf("two-phase needs -services name=image:tag[,name=image:tag ...]")
	}
	start := time.Now()

	var release platform.Release
	if err := s.env.client.postJSON(ctx, "/api/releases", map[string]any{
		"environment": string(s.env.env),
		"services":    s.versions,
	}, &release); err != nil {
		return nil, fmt.Errorf("create release: %w", err)
	}
	s.env.logger.Info("release created", "release", release.ID, "services", len(s.versions))

	if err := s.env.client.postJSON(ctx, "/api/releases/"+release.ID+"/deploy", nil, nil); err != nil {
		return nil, fmt.Errorf("start deploy: %w", err)
	}

	final, err := s.waitForOutcome(ctx, release.ID)
	if err != nil {
		return nil, err
	}
	switch final.State {
	case platform.ReleaseDeployed:
	case platform.ReleaseAwaitingApproval:
		// Production deploys park at the gate; reaching it proves phase
		// one worked.
		return &Result{
			Success:  true,
			Duration: time.Since(start),
			Metrics:  map[string]any{"release": final.ID, "state": string(final.State)},
		}, nil
	default:
		return nil, fmt.Errorf("release %s ended %s: %s", final.ID, final.State, final.Error)
	}

	var artifact platform.Supergraph
	if err := s.env.client.getJSON(ctx, "/api/supergraph?env="+string(s.env.env), &artifact); err != nil {
		return nil, fmt.Errorf("fetch supergraph: %w", err)
	}
	if artifact.Hash == "" {
		return nil, fmt.Errorf("supergraph has no hash after deploy")
	}

	if s.env.gatewayURL != "" {
		if err := s.env.client.introspect(ctx, s.env.gatewayURL+"/graphql"); err != nil {
			return nil, fmt.Errorf("gateway after deploy: %w", err)
		}
	}

	return &Result{
		Success:  true,
		Duration: time.Since(start),
		Metrics: map[string]any{
			"release":  final.ID,
			"hash":     artifact.Hash,
			"services": len(artifact.Routing),
		},
	}, nil
}

// waitForOutcome polls the release until it stops moving.
func (s *twoPhaseScenario) waitForOutcome(ctx context.Context, releaseID string) (*platform.Release, error) {
	deadline := time.Now().Add(s.timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		var out struct {
			Release platform.Release `json:"release"`
		}
		if err := s.env.client.getJSON(ctx, "/api/releases/"+releaseID, &out); err != nil {
			return nil, fmt.Errorf("poll release: %w", err)
		}
		state := out.Release.State
		if state.Terminal() || state == platform.ReleaseAwaitingApproval {
			return &out.Release, nil
		}
		s.env.logger.Debug("release in flight", "release", releaseID, "state", state)

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("release %s still %s after %s", releaseID, state, s.timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// parseVersions turns "name=image:tag,name=image:tag" into service
// versions.
func parseVersions(raw string) ([]platform.ServiceVersion, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	versions := make([]platform.ServiceVersion, 0, len(parts))
	for _, part := range parts {
		name, ref, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" || ref == "" {
			return nil, fmt.Errorf("invalid service version %q, want name=image:tag", part)
		}
		image, tag := ref, "latest"
		if i := strings.LastIndex(ref, ":"); i > 0 {
			image, tag = ref[:i], ref[i+1:]
		}
		versions = append(versions, platform.ServiceVersion{Name: name, Image: image, Tag: tag})
	}
	return versions, nil
}
