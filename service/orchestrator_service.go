package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Peleke/MindMirror-sub002/advisor"
	"github.com/Peleke/MindMirror-sub002/artifactstore"
	"github.com/Peleke/MindMirror-sub002/config"
	"github.com/Peleke/MindMirror-sub002/orchestrator"
	"github.com/Peleke/MindMirror-sub002/platform"
	"github.com/Peleke/MindMirror-sub002/secrets"
	"github.com/Peleke/MindMirror-sub002/supergraph"
)

// releaseDriver is the orchestrator surface the release API drives.
type releaseDriver interface {
	Deploy(ctx context.Context, releaseID string) (*platform.Release, error)
	Approve(ctx context.Context, releaseID, approver, reason string) (*platform.Release, error)
	Reject(ctx context.Context, releaseID, approver, reason string) (*platform.Release, error)
	Rollback(ctx context.Context, releaseID string) (*platform.Release, error)
	UpdateGateway(ctx context.Context, env platform.Environment) (*platform.Supergraph, error)
}

// releaseReader is the release persistence the API reads and creates
// through. Deploy execution goes through the driver, never here.
type releaseReader interface {
	CreateRelease(ctx context.Context, release *platform.Release) error
	GetRelease(ctx context.Context, id string) (*platform.Release, error)
	ReleaseAt(ctx context.Context, id string, at time.Time) (*platform.Release, error)
	ListReleases(ctx context.Context) ([]*platform.Release, error)
	ListReleasesByState(ctx context.Context, states ...platform.ReleaseState) ([]*platform.Release, error)
	ListDeployments(ctx context.Context, releaseID string) ([]*platform.Deployment, error)
}

// artifactReader is the composition surface the supergraph API reads.
type artifactReader interface {
	GetSupergraph(ctx context.Context, env platform.Environment) (*platform.Supergraph, error)
	History(ctx context.Context, env platform.Environment) ([]artifactstore.ArtifactInfo, error)
}

// OrchestratorService owns release execution: it wires the deployer,
// prober, introspector, and composer into an orchestrator and exposes
// the release and supergraph APIs.
type OrchestratorService struct {
	*BaseService
	driver    releaseDriver
	orch      *orchestrator.Orchestrator
	releases  releaseReader
	artifacts artifactReader
	composer  *supergraph.Composer
	env       platform.Environment
	logger    *slog.Logger

	deployTimeout  time.Duration
	gatewayTimeout time.Duration
	autoRollback   bool

	runCtx  context.Context
	cancel  context.CancelFunc
	deploys sync.WaitGroup
}

// NewOrchestratorService creates the orchestrator service.
func NewOrchestratorService(deps *Dependencies) (Service, error) {
	switch {
	case deps == nil:
		return nil, fmt.Errorf("orchestrator requires dependencies")
	case deps.ServiceRegistry == nil:
		return nil, fmt.Errorf("orchestrator requires the service registry")
	case deps.Releases == nil:
		return nil, fmt.Errorf("orchestrator requires the release store")
	case deps.Artifacts == nil:
		return nil, fmt.Errorf("orchestrator requires the artifact store")
	case deps.Secrets == nil:
		return nil, fmt.Errorf("orchestrator requires the secrets resolver")
	}
	env, err := deps.Config.Platform.Env()
	if err != nil {
		return nil, err
	}

	cfg := deps.Config.Orchestrator
	deployer, err := newDeployer(cfg.Runner, deps.Secrets, deps.Logger)
	if err != nil {
		return nil, err
	}

	prober, err := newProber(deps.Config.HealthCheck, deps)
	if err != nil {
		return nil, err
	}
	introspector, err := supergraph.NewIntrospector(
		supergraph.WithIntrospectorLogger(deps.Logger))
	if err != nil {
		return nil, err
	}
	composer, err := supergraph.NewComposer(context.Background(),
		supergraph.WithComposerLogger(deps.Logger))
	if err != nil {
		return nil, err
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(deps.Logger),
		orchestrator.WithMetrics(deps.MetricsRegistry),
		orchestrator.WithHealthWait(cfg.HealthTimeout),
		orchestrator.WithWaveParallelism(cfg.MaxParallel),
	}
	if deps.Events != nil {
		opts = append(opts, orchestrator.WithEvents(deps.Events))
	}
	if deps.Config.Advisor.Enabled {
		adv, aerr := advisor.New(
			advisor.WithLogger(deps.Logger),
			advisor.WithSecrets(deps.Secrets),
			advisor.WithSummaryModel(deps.Config.Advisor.Model),
		)
		if aerr != nil {
			composer.Close()
			return nil, aerr
		}
		opts = append(opts, orchestrator.WithAdvisor(adv))
	}

	orch, err := orchestrator.New(orchestrator.Dependencies{
		Registry:     deps.ServiceRegistry,
		Releases:     deps.Releases,
		Artifacts:    deps.Artifacts,
		Deployer:     deployer,
		Prober:       prober,
		Introspector: introspector,
		Composer:     composer,
	}, opts...)
	if err != nil {
		composer.Close()
		return nil, err
	}

	s := &OrchestratorService{
		driver:         orch,
		orch:           orch,
		releases:       deps.Releases,
		artifacts:      deps.Artifacts,
		composer:       composer,
		env:            env,
		logger:         deps.Logger.With("service", "orchestrator"),
		deployTimeout:  cfg.DeployTimeout,
		gatewayTimeout: cfg.GatewayRebuildTimeout,
		autoRollback:   cfg.RollbackOnFailure,
	}
	s.BaseService = NewBaseService("orchestrator",
		WithLogger(deps.Logger),
		WithMetrics(deps.MetricsRegistry),
		WithNATS(deps.NATSClient),
	)
	return s, nil
}

// Orchestrator exposes release execution for the pipeline service.
func (s *OrchestratorService) Orchestrator() *orchestrator.Orchestrator {
	return s.orch
}

// newDeployer picks the runner client or the static URL map. Static is
// the local-development path; nothing leaves the process.
func newDeployer(cfg config.RunnerConfig, resolver *secrets.Resolver, logger *slog.Logger) (orchestrator.Deployer, error) {
	if cfg.Static() {
		return orchestrator.NewStaticDeployer(cfg.StaticURLs, cfg.StaticGatewayURL), nil
	}
	opts := []orchestrator.HTTPDeployerOption{orchestrator.WithRunnerLogger(logger)}
	if cfg.TokenSecret != "" {
		secret, err := resolver.Resolve(cfg.TokenSecret)
		if err != nil {
			return nil, err
		}
		if secret != nil {
			opts = append(opts, orchestrator.WithRunnerToken(secret.Value))
		} else {
			logger.Warn("deploy runner token not found, calling runner unauthenticated",
				"secret", cfg.TokenSecret)
		}
	}
	return orchestrator.NewHTTPDeployer(cfg.URL, opts...)
}

// Start opens the slot background deploys run under.
func (s *OrchestratorService) Start(ctx context.Context) error {
	if err := s.BaseService.Start(ctx); err != nil {
		return err
	}
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	return nil
}

// Stop cancels in-flight deploys and waits for their state writes.
func (s *OrchestratorService) Stop(timeout time.Duration) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.deploys.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("timed out waiting for in-flight deploys")
	}
	s.composer.Close()
	return s.BaseService.Stop(timeout)
}

// RegisterHTTPHandlers mounts the release and supergraph APIs.
func (s *OrchestratorService) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/releases", s.handleCreate)
	mux.HandleFunc("GET /api/releases", s.handleList)
	mux.HandleFunc("GET /api/releases/{id}", s.handleGet)
	mux.HandleFunc("POST /api/releases/{id}/deploy", s.handleDeploy)
	mux.HandleFunc("POST /api/releases/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/releases/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /api/releases/{id}/rollback", s.handleRollback)
	mux.HandleFunc("GET /api/supergraph", s.handleSupergraph)
	mux.HandleFunc("GET /api/supergraph/history", s.handleHistory)
	mux.HandleFunc("POST /api/supergraph/compose", s.handleCompose)
}

type createReleaseRequest struct {
	Environment string                    `json:"environment"`
	Services    []platform.ServiceVersion `json:"services"`
}

func (s *OrchestratorService) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid release body", http.StatusBadRequest)
		return
	}
	env, err := platform.ParseEnvironment(req.Environment)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	release, err := platform.NewRelease(env, req.Services)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	if err := s.releases.CreateRelease(r.Context(), release); err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	s.logger.Info("release created", "release", release.ID,
		"environment", env, "services", len(release.Services))
	writeJSON(w, s.logger, http.StatusCreated, release)
}

func (s *OrchestratorService) handleList(w http.ResponseWriter, r *http.Request) {
	var (
		releases []*platform.Release
		err      error
	)
	if raw := r.URL.Query().Get("state"); raw != "" {
		state := platform.ReleaseState(raw)
		if !state.Valid() {
			http.Error(w, fmt.Sprintf("unknown release state %q", raw), http.StatusBadRequest)
			return
		}
		releases, err = s.releases.ListReleasesByState(r.Context(), state)
	} else {
		releases, err = s.releases.ListReleases(r.Context())
	}
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"releases": releases,
		"count":    len(releases),
	})
}

// handleGet returns a release and its deployment records. An optional
// at=RFC3339 query resolves the release as it stood at that time,
// read from the store's revision history.
func (s *OrchestratorService) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var release *platform.Release
	var err error
	if raw := r.URL.Query().Get("at"); raw != "" {
		at, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			http.Error(w, fmt.Sprintf("invalid at timestamp %q, want RFC3339", raw), http.StatusBadRequest)
			return
		}
		release, err = s.releases.ReleaseAt(r.Context(), id, at)
	} else {
		release, err = s.releases.GetRelease(r.Context(), id)
	}
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	deployments, err := s.releases.ListDeployments(r.Context(), release.ID)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"release":     release,
		"deployments": deployments,
	})
}

// handleDeploy kicks off the rollout and returns immediately. Deploys
// run for minutes; callers watch the release record or the event
// stream for the outcome.
func (s *OrchestratorService) handleDeploy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	release, err := s.releases.GetRelease(r.Context(), id)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	if release.State != platform.ReleasePending {
		writeJSON(w, s.logger, http.StatusConflict, map[string]any{
			"error": fmt.Sprintf("release %s is %s, deploy needs pending", id, release.State),
		})
		return
	}

	s.deploys.Add(1)
	go func() {
		defer s.deploys.Done()
		ctx, cancel := context.WithTimeout(s.runCtx, s.deployTimeout)
		defer cancel()
		if _, err := s.driver.Deploy(ctx, id); err != nil {
			s.logger.Error("deploy failed", "release", id, "error", err)
			if s.autoRollback {
				// The rollback must run even when the deploy died on
				// its own timeout.
				rbCtx, rbCancel := context.WithTimeout(context.WithoutCancel(s.runCtx), s.deployTimeout)
				defer rbCancel()
				if _, rerr := s.driver.Rollback(rbCtx, id); rerr != nil {
					s.logger.Error("automatic rollback failed", "release", id, "error", rerr)
				} else {
					s.logger.Info("release rolled back automatically", "release", id)
				}
			}
		}
	}()

	writeJSON(w, s.logger, http.StatusAccepted, map[string]any{
		"release":     id,
		"environment": release.Environment,
		"state":       platform.ReleaseDeploying,
	})
}

type approvalRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

func (s *OrchestratorService) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid approval body", http.StatusBadRequest)
		return
	}
	release, err := s.driver.Approve(r.Context(), r.PathValue("id"), req.Approver, req.Reason)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, release)
}

func (s *OrchestratorService) handleReject(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid approval body", http.StatusBadRequest)
		return
	}
	release, err := s.driver.Reject(r.Context(), r.PathValue("id"), req.Approver, req.Reason)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, release)
}

func (s *OrchestratorService) handleRollback(w http.ResponseWriter, r *http.Request) {
	release, err := s.driver.Rollback(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, release)
}

func (s *OrchestratorService) handleSupergraph(w http.ResponseWriter, r *http.Request) {
	env, err := s.queryEnv(r)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	artifact, err := s.artifacts.GetSupergraph(r.Context(), env)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, artifact)
}

func (s *OrchestratorService) handleHistory(w http.ResponseWriter, r *http.Request) {
	env, err := s.queryEnv(r)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	history, err := s.artifacts.History(r.Context(), env)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"environment": env,
		"artifacts":   history,
	})
}

func (s *OrchestratorService) handleCompose(w http.ResponseWriter, r *http.Request) {
	env, err := s.queryEnv(r)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.gatewayTimeout)
	defer cancel()
	artifact, err := s.driver.UpdateGateway(ctx, env)
	if err != nil {
		writeAPIError(w, s.logger, err)
		return
	}
	s.logger.Info("supergraph recomposed", "environment", env, "hash", artifact.Hash)
	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"environment": env,
		"hash":        artifact.Hash,
		"services":    len(artifact.Routing),
	})
}

// queryEnv reads the env query parameter, defaulting to the instance's
// own environment.
func (s *OrchestratorService) queryEnv(r *http.Request) (platform.Environment, error) {
	raw := r.URL.Query().Get("env")
	if raw == "" {
		return s.env, nil
	}
	return platform.ParseEnvironment(raw)
}
