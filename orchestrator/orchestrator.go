// Package orchestrator runs releases through the two-phase rollout.
// Phase one deploys the release's services in dependency waves, records
// each URL in the registry, and waits for health probes to pass. Phase
// two introspects every service in the environment, composes the
// supergraph, stores the artifact, and rolls the federation gateway
// onto it. Production releases pause for a recorded approval between
// the phases.
//
// Failures mark the release failed and leave the previously served
// supergraph current; the gateway never serves a composition that did
// not verify. Rollback re-points the gateway at the prior artifact.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Peleke/MindMirror-sub002/advisor"
	"github.com/Peleke/MindMirror-sub002/artifactstore"
	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/events"
	"github.com/Peleke/MindMirror-sub002/healthcheck"
	"github.com/Peleke/MindMirror-sub002/metric"
	"github.com/Peleke/MindMirror-sub002/pkg/retry"
	"github.com/Peleke/MindMirror-sub002/platform"
	"github.com/Peleke/MindMirror-sub002/registry"
	"github.com/Peleke/MindMirror-sub002/supergraph"
)

// GatewayName is the reserved workload name for the federation gateway.
const GatewayName = "gateway"

// Defaults for health gating and wave fan-out.
const (
	DefaultHealthWait      = 2 * time.Minute
	DefaultWaveParallelism = 4
)

// ServiceRegistry is the registry surface deploys consume.
type ServiceRegistry interface {
	Get(ctx context.Context, name string) (*registry.Record, error)
	SetURL(ctx context.Context, service string, env platform.Environment, rawURL string) error
	ResolveAll(ctx context.Context, env platform.Environment) (map[string]string, error)
}

// ReleaseStore is the release persistence surface deploys consume.
type ReleaseStore interface {
	GetRelease(ctx context.Context, id string) (*platform.Release, error)
	UpdateRelease(ctx context.Context, release *platform.Release) error
	TransitionRelease(ctx context.Context, id string, next platform.ReleaseState,
		mutate func(*platform.Release)) (*platform.Release, error)
	CreateDeployment(ctx context.Context, deployment *platform.Deployment) error
	TransitionDeployment(ctx context.Context, releaseID, service string, next platform.DeploymentState,
		mutate func(*platform.Deployment)) (*platform.Deployment, error)
	ListDeployments(ctx context.Context, releaseID string) ([]*platform.Deployment, error)
}

// ArtifactStore is the composition persistence surface deploys consume.
type ArtifactStore interface {
	PutSupergraph(ctx context.Context, artifact *platform.Supergraph) error
	PutSubgraphSchema(ctx context.Context, schema *platform.SubgraphSchema) error
	LatestHash(ctx context.Context, env platform.Environment) (string, error)
	SetCurrent(ctx context.Context, env platform.Environment, hash string) error
	History(ctx context.Context, env platform.Environment) ([]artifactstore.ArtifactInfo, error)
}

// EventSink receives platform events. Publication is best effort; a
// sink error never fails a deploy.
type EventSink interface {
	Publish(ctx context.Context, event events.Event) error
}

// Dependencies carries the stores and executors an Orchestrator wires
// together.
type Dependencies struct {
	Registry     ServiceRegistry
	Releases     ReleaseStore
	Artifacts    ArtifactStore
	Deployer     Deployer
	Prober       *healthcheck.Prober
	Introspector *supergraph.Introspector
	Composer     *supergraph.Composer
}

func (d Dependencies) validate() error {
	missing := ""
	switch {
	case d.Registry == nil:
		missing = "service registry"
	case d.Releases == nil:
		missing = "release store"
	case d.Artifacts == nil:
		missing = "artifact store"
	case d.Deployer == nil:
		missing = "deployer"
	case d.Prober == nil:
		missing = "prober"
	case d.Introspector == nil:
		missing = "introspector"
	case d.Composer == nil:
		missing = "composer"
	}
	if missing != "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s is required", errors.ErrMissingConfig, missing),
			"Orchestrator", "New", "dependency validation")
	}
	return nil
}

// Orchestrator drives releases through deploy, approval, promotion, and
// rollback. One deploy runs per environment at a time.
type Orchestrator struct {
	registry     ServiceRegistry
	releases     ReleaseStore
	artifacts    ArtifactStore
	deployer     Deployer
	prober       *healthcheck.Prober
	introspector *supergraph.Introspector
	composer     *supergraph.Composer

	events  EventSink
	adviser *advisor.Advisor
	logger  *slog.Logger
	metrics *orchMetrics

	healthWait      time.Duration
	healthRetry     retry.Config
	waveParallelism int

	mu     sync.Mutex
	active map[platform.Environment]string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) error {
		if logger == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "WithLogger",
				"logger cannot be nil")
		}
		o.logger = logger
		return nil
	}
}

// WithEvents attaches the event sink deploy progress is published to.
func WithEvents(sink EventSink) Option {
	return func(o *Orchestrator) error {
		if sink == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "WithEvents",
				"sink cannot be nil")
		}
		o.events = sink
		return nil
	}
}

// WithAdvisor attaches the failure advisor consulted when a deploy
// fails.
func WithAdvisor(a *advisor.Advisor) Option {
	return func(o *Orchestrator) error {
		if a == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "WithAdvisor",
				"advisor cannot be nil")
		}
		o.adviser = a
		return nil
	}
}

// WithMetrics registers deploy metrics with the registrar.
func WithMetrics(registrar metric.MetricsRegistrar) Option {
	return func(o *Orchestrator) error {
		m, err := newOrchMetrics(registrar)
		if err != nil {
			return err
		}
		o.metrics = m
		return nil
	}
}

// WithHealthWait bounds how long phase one waits for one service to
// become healthy.
func WithHealthWait(d time.Duration) Option {
	return func(o *Orchestrator) error {
		if d <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "WithHealthWait",
				"health wait must be positive")
		}
		o.healthWait = d
		return nil
	}
}

// WithHealthRetry replaces the probe backoff used while waiting for a
// service to come up.
func WithHealthRetry(cfg retry.Config) Option {
	return func(o *Orchestrator) error {
		o.healthRetry = cfg
		return nil
	}
}

// WithWaveParallelism bounds how many services of one wave deploy at
// once.
func WithWaveParallelism(n int) Option {
	return func(o *Orchestrator) error {
		if n < 1 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "WithWaveParallelism",
				"parallelism must be at least 1")
		}
		o.waveParallelism = n
		return nil
	}
}

// defaultHealthRetry polls quickly at first and settles into a steady
// cadence, together covering a typical cold start inside the health
// wait window.
func defaultHealthRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  60,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   1.6,
		AddJitter:    true,
	}
}

// New creates an orchestrator over the given dependencies.
func New(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		registry:        deps.Registry,
		releases:        deps.Releases,
		artifacts:       deps.Artifacts,
		deployer:        deps.Deployer,
		prober:          deps.Prober,
		introspector:    deps.Introspector,
		composer:        deps.Composer,
		logger:          slog.Default(),
		healthWait:      DefaultHealthWait,
		healthRetry:     defaultHealthRetry(),
		waveParallelism: DefaultWaveParallelism,
		active:          make(map[platform.Environment]string),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o, nil
}

// Deploy runs a release through both phases. Pending releases run from
// the top; an approved release paused at the gate resumes with
// promotion only. Anything else is refused.
func (o *Orchestrator) Deploy(ctx context.Context, releaseID string) (*platform.Release, error) {
	release, err := o.releases.GetRelease(ctx, releaseID)
	if err != nil {
		return nil, err
	}

	switch release.State {
	case platform.ReleasePending:
	case platform.ReleaseAwaitingApproval:
		if release.Approval == nil || release.Approval.Decision != platform.ApprovalApproved {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: release %s", errors.ErrApprovalRequired, releaseID),
				"Orchestrator", "Deploy", "approval gate")
		}
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: release %s is %s, deploy needs pending or an approved hold",
				errors.ErrInvalidTransition, releaseID, release.State),
			"Orchestrator", "Deploy", "state guard")
	}

	if err := o.acquire(release.Environment, release.ID); err != nil {
		return nil, err
	}
	defer o.free(release.Environment)

	start := time.Now()
	if release.State == platform.ReleaseAwaitingApproval {
		release, err = o.promoteAndVerify(ctx, release)
	} else {
		release, err = o.run(ctx, release)
	}
	o.observeDeploy(release, time.Since(start), err)
	return release, err
}

// Approve records an operator's approval on a gated release and runs
// the held-back promotion.
func (o *Orchestrator) Approve(ctx context.Context, releaseID, approver, reason string) (*platform.Release, error) {
	release, err := o.gated(ctx, releaseID, approver, "Approve")
	if err != nil {
		return nil, err
	}

	release.Approval = &platform.Approval{
		Approver:  approver,
		Decision:  platform.ApprovalApproved,
		Reason:    reason,
		DecidedAt: time.Now().UTC(),
	}
	if err := o.releases.UpdateRelease(ctx, release); err != nil {
		return nil, err
	}
	ev, evErr := events.NewApprovalDecided("", release.ID, release.Environment, approver, true, reason)
	o.emit(ctx, ev, evErr)
	o.logger.Info("Release approved", "release", release.ID, "environment", release.Environment,
		"approver", approver)

	return o.Deploy(ctx, releaseID)
}

// Reject denies a gated release and marks it failed.
func (o *Orchestrator) Reject(ctx context.Context, releaseID, approver, reason string) (*platform.Release, error) {
	release, err := o.gated(ctx, releaseID, approver, "Reject")
	if err != nil {
		return nil, err
	}

	decidedAt := time.Now().UTC()
	release, err = o.transition(ctx, release, platform.ReleaseFailed, func(r *platform.Release) {
		r.Approval = &platform.Approval{
			Approver:  approver,
			Decision:  platform.ApprovalDenied,
			Reason:    reason,
			DecidedAt: decidedAt,
		}
		r.Error = fmt.Sprintf("approval denied by %s", approver)
	})
	if err != nil {
		return release, err
	}
	ev, evErr := events.NewApprovalDecided("", release.ID, release.Environment, approver, false, reason)
	o.emit(ctx, ev, evErr)
	ev, evErr = events.NewDeployFailed(release.ID, release.Environment, release.Error)
	o.emit(ctx, ev, evErr)
	o.logger.Info("Release rejected", "release", release.ID, "environment", release.Environment,
		"approver", approver)
	return release, nil
}

// gated loads a release and checks it is sitting at the approval gate.
func (o *Orchestrator) gated(ctx context.Context, releaseID, approver, method string) (*platform.Release, error) {
	if approver == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Orchestrator", method,
			"approver cannot be empty")
	}

	release, err := o.releases.GetRelease(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	if release.State != platform.ReleaseAwaitingApproval {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: release %s is %s, decisions only apply at the approval gate",
				errors.ErrInvalidTransition, releaseID, release.State),
			"Orchestrator", method, "approval gate")
	}
	return release, nil
}

// Rollback re-points the environment at the artifact it served before
// this release and marks the release rolled back. Deployed and failed
// releases can roll back.
func (o *Orchestrator) Rollback(ctx context.Context, releaseID string) (*platform.Release, error) {
	release, err := o.releases.GetRelease(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	if release.State != platform.ReleaseDeployed && release.State != platform.ReleaseFailed {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: release %s is %s, rollback needs deployed or failed",
				errors.ErrInvalidTransition, releaseID, release.State),
			"Orchestrator", "Rollback", "state guard")
	}

	if err := o.acquire(release.Environment, release.ID); err != nil {
		return nil, err
	}
	defer o.free(release.Environment)

	env := release.Environment
	target, err := o.rollbackTarget(ctx, release)
	if err != nil {
		return nil, err
	}
	if target != "" {
		if err := o.artifacts.SetCurrent(ctx, env, target); err != nil {
			return nil, err
		}
		if _, err := o.deployer.DeployGateway(ctx, env, target); err != nil {
			return nil, errors.Wrap(err, "Orchestrator", "Rollback", "roll gateway back")
		}
	}

	release, err = o.transition(ctx, release, platform.ReleaseRolledBack, nil)
	if err != nil {
		return release, err
	}

	// Deployment records follow the release.
	if deployments, derr := o.releases.ListDeployments(ctx, release.ID); derr == nil {
		for _, d := range deployments {
			if d.State != platform.DeploymentHealthy && d.State != platform.DeploymentFailed {
				continue
			}
			if _, terr := o.releases.TransitionDeployment(ctx, release.ID, d.Service,
				platform.DeploymentRolledBack, nil); terr != nil {
				o.logger.Warn("Failed to mark deployment rolled back",
					"release", release.ID, "service", d.Service, "error", terr)
			}
		}
	}

	ev, evErr := events.NewRolledBack(release.ID, env, fmt.Sprintf("release %s rolled back", release.ID))
	o.emit(ctx, ev, evErr)
	if o.metrics != nil {
		o.metrics.rollbacks.WithLabelValues(env.String()).Inc()
	}
	o.logger.Info("Release rolled back", "release", release.ID, "environment", env, "artifact", target)
	return release, nil
}

// rollbackTarget picks the artifact hash the environment should serve
// after the rollback: the previous artifact when this release's
// composition is current, the already-current one otherwise. Empty when
// nothing was ever composed.
func (o *Orchestrator) rollbackTarget(ctx context.Context, release *platform.Release) (string, error) {
	history, err := o.artifacts.History(ctx, release.Environment)
	if err != nil {
		return "", err
	}

	for i := range history {
		if !history[i].Current {
			continue
		}
		if history[i].ReleaseID != release.ID {
			// This release's composition never went current, or a later
			// release already re-pointed. Reasserting the current
			// artifact still forces a gateway reload.
			return history[i].Hash, nil
		}
		if i+1 >= len(history) {
			return "", errors.WrapInvalid(
				fmt.Errorf("%w: no earlier %s artifact to roll back to",
					errors.ErrKeyNotFound, release.Environment),
				"Orchestrator", "Rollback", "history walk")
		}
		return history[i+1].Hash, nil
	}
	return "", nil
}

// UpdateGateway recomposes an environment from the URLs the registry
// currently holds and rolls the gateway, outside any release. This is
// the manual path for when a subgraph schema changed without a deploy.
// A failed roll or verification restores the previously current
// artifact.
func (o *Orchestrator) UpdateGateway(ctx context.Context, env platform.Environment) (*platform.Supergraph, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if err := o.acquire(env, "manual-compose"); err != nil {
		return nil, err
	}
	defer o.free(env)

	prevHash, err := o.artifacts.LatestHash(ctx, env)
	if err != nil {
		if !stderrors.Is(err, errors.ErrKeyNotFound) {
			return nil, err
		}
		prevHash = ""
	}

	artifact, err := o.compose(ctx, env)
	if err != nil {
		ev, evErr := events.NewCompositionFailed(env, "", err.Error())
		o.emit(ctx, ev, evErr)
		return nil, err
	}
	if err := o.artifacts.PutSupergraph(ctx, artifact); err != nil {
		return nil, err
	}

	gatewayURL, err := o.deployer.DeployGateway(ctx, env, artifact.Hash)
	if err != nil {
		o.restoreCurrent(ctx, env, prevHash)
		return nil, errors.Wrap(err, "Orchestrator", "UpdateGateway", "gateway roll")
	}
	ev, evErr := events.NewSupergraphUpdated(env, artifact.Hash, "", len(artifact.Routing))
	o.emit(ctx, ev, evErr)

	if err := o.verify(ctx, env, gatewayURL); err != nil {
		o.restoreCurrent(ctx, env, prevHash)
		return nil, err
	}

	o.logger.Info("Supergraph updated", "environment", env, "supergraph", artifact.Hash)
	return artifact, nil
}

// run is the full two-phase rollout for a pending release.
func (o *Orchestrator) run(ctx context.Context, release *platform.Release) (*platform.Release, error) {
	release, err := o.transition(ctx, release, platform.ReleaseDeploying, nil)
	if err != nil {
		return release, err
	}
	ev, evErr := events.NewDeployStarted(release.ID, release.Environment)
	o.emit(ctx, ev, evErr)
	o.logger.Info("Deploy started", "release", release.ID, "environment", release.Environment,
		"services", len(release.Services))

	if err := o.deployServices(ctx, release); err != nil {
		return o.fail(ctx, release, "services", err)
	}

	if release.Environment.RequiresApproval() &&
		(release.Approval == nil || release.Approval.Decision != platform.ApprovalApproved) {
		release, err = o.transition(ctx, release, platform.ReleaseAwaitingApproval, nil)
		if err != nil {
			return o.fail(ctx, release, "approval hold", err)
		}
		ev, evErr := events.NewApprovalRequested("", release.ID, release.Environment)
		o.emit(ctx, ev, evErr)
		o.logger.Info("Release awaiting approval", "release", release.ID,
			"environment", release.Environment)
		return release, nil
	}

	return o.promoteAndVerify(ctx, release)
}

// deployServices is phase one: every service gets a deployment record,
// then waves land in dependency order, parallel within a wave.
func (o *Orchestrator) deployServices(ctx context.Context, release *platform.Release) error {
	specs := make(map[string]platform.ServiceSpec, len(release.Services))
	for _, sv := range release.Services {
		rec, err := o.registry.Get(ctx, sv.Name)
		if err != nil {
			return err
		}
		specs[sv.Name] = rec.Spec
	}

	waves, err := Waves(release.Services, specs)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, sv := range release.Services {
		if err := o.releases.CreateDeployment(ctx, &platform.Deployment{
			ReleaseID:   release.ID,
			Service:     sv.Name,
			Environment: release.Environment,
			State:       platform.DeploymentPending,
			StartedAt:   now,
		}); err != nil {
			return err
		}
	}

	for i, wave := range waves {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.waveParallelism)
		for _, sv := range wave {
			g.Go(func() error {
				return o.deployOne(gctx, release, sv, i)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// deployOne lands a single service: deploy, record the URL, gate on
// health, mark the deployment healthy.
func (o *Orchestrator) deployOne(ctx context.Context, release *platform.Release, sv platform.ServiceVersion, wave int) error {
	if _, err := o.releases.TransitionDeployment(ctx, release.ID, sv.Name,
		platform.DeploymentDeploying, nil); err != nil {
		return err
	}

	serviceURL, err := o.deployer.DeployService(ctx, release.Environment, sv)
	if err != nil {
		o.markDeploymentFailed(ctx, release.ID, sv.Name, err)
		return fmt.Errorf("deploy %s: %w", sv.Name, err)
	}

	if err := o.registry.SetURL(ctx, sv.Name, release.Environment, serviceURL); err != nil {
		o.markDeploymentFailed(ctx, release.ID, sv.Name, err)
		return fmt.Errorf("record %s URL: %w", sv.Name, err)
	}

	if err := o.waitHealthy(ctx, sv.Name, serviceURL); err != nil {
		o.markDeploymentFailed(ctx, release.ID, sv.Name, err)
		return err
	}

	if _, err := o.releases.TransitionDeployment(ctx, release.ID, sv.Name,
		platform.DeploymentHealthy, func(d *platform.Deployment) {
			d.URL = serviceURL
		}); err != nil {
		return err
	}

	ev, evErr := events.NewServiceDeployed(release.ID, release.Environment, sv.Name, serviceURL, wave)
	o.emit(ctx, ev, evErr)
	if o.metrics != nil {
		o.metrics.servicesDeployed.WithLabelValues(release.Environment.String()).Inc()
	}
	o.logger.Info("Service deployed", "release", release.ID, "service", sv.Name,
		"url", serviceURL, "wave", wave)
	return nil
}

// markDeploymentFailed records the failure on the deployment record.
// The record write must survive the wave's cancellation.
func (o *Orchestrator) markDeploymentFailed(ctx context.Context, releaseID, service string, cause error) {
	markCtx := context.WithoutCancel(ctx)
	if _, err := o.releases.TransitionDeployment(markCtx, releaseID, service,
		platform.DeploymentFailed, func(d *platform.Deployment) {
			d.Error = cause.Error()
		}); err != nil {
		o.logger.Warn("Failed to mark deployment failed",
			"release", releaseID, "service", service, "error", err)
	}
}

// waitHealthy polls the service's health endpoints until they pass or
// the wait budget runs out. Single probes fail fast; the retry loop is
// what gives a cold-starting service its time.
func (o *Orchestrator) waitHealthy(ctx context.Context, service, baseURL string) error {
	waitCtx, cancel := context.WithTimeout(ctx, o.healthWait)
	defer cancel()

	err := retry.Do(waitCtx, o.healthRetry, func() error {
		result := o.prober.Check(waitCtx, service, baseURL)
		if result.Healthy {
			return nil
		}
		return fmt.Errorf("%w: %s: %s", errors.ErrHealthCheckFailed, service, result.Reason)
	})
	if err != nil {
		return errors.WrapTransient(err, "Orchestrator", "waitHealthy",
			fmt.Sprintf("health gate for %s", service))
	}
	return nil
}

// promoteAndVerify is phase two: compose the environment, store the
// artifact, roll the gateway, and verify the whole surface. A failed
// verification restores the previously current artifact.
func (o *Orchestrator) promoteAndVerify(ctx context.Context, release *platform.Release) (*platform.Release, error) {
	release, err := o.transition(ctx, release, platform.ReleasePromoting, nil)
	if err != nil {
		return release, err
	}

	prevHash, err := o.artifacts.LatestHash(ctx, release.Environment)
	if err != nil {
		if !stderrors.Is(err, errors.ErrKeyNotFound) {
			return o.fail(ctx, release, "read current artifact", err)
		}
		prevHash = ""
	}

	artifact, err := o.composeEnvironment(ctx, release)
	if err != nil {
		ev, evErr := events.NewCompositionFailed(release.Environment, release.ID, err.Error())
		o.emit(ctx, ev, evErr)
		return o.fail(ctx, release, "composition", err)
	}

	if err := o.artifacts.PutSupergraph(ctx, artifact); err != nil {
		return o.fail(ctx, release, "store artifact", err)
	}

	gatewayURL, err := o.deployer.DeployGateway(ctx, release.Environment, artifact.Hash)
	if err != nil {
		o.restoreCurrent(ctx, release.Environment, prevHash)
		return o.fail(ctx, release, "gateway roll", err)
	}
	ev, evErr := events.NewSupergraphUpdated(release.Environment, artifact.Hash, release.ID,
		len(artifact.Routing))
	o.emit(ctx, ev, evErr)

	if err := o.verify(ctx, release.Environment, gatewayURL); err != nil {
		o.restoreCurrent(ctx, release.Environment, prevHash)
		return o.fail(ctx, release, "verification", err)
	}

	release, err = o.transition(ctx, release, platform.ReleaseDeployed, nil)
	if err != nil {
		return release, err
	}
	ev, evErr = events.NewDeploySucceeded(release.ID, release.Environment)
	o.emit(ctx, ev, evErr)
	o.logger.Info("Release deployed", "release", release.ID, "environment", release.Environment,
		"supergraph", artifact.Hash)
	return release, nil
}

// composeEnvironment introspects every resolved URL in the release's
// environment and composes one artifact. The whole environment
// composes, not just the release's services: the gateway serves a
// single graph.
func (o *Orchestrator) composeEnvironment(ctx context.Context, release *platform.Release) (*platform.Supergraph, error) {
	artifact, err := o.compose(ctx, release.Environment)
	if err != nil {
		return nil, err
	}
	artifact.ReleaseID = release.ID
	return artifact, nil
}

func (o *Orchestrator) compose(ctx context.Context, env platform.Environment) (*platform.Supergraph, error) {
	urls, err := o.registry.ResolveAll(ctx, env)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no service URLs recorded for %s", errors.ErrURLUnresolved, env),
			"Orchestrator", "compose", "resolve services")
	}

	targets := make([]supergraph.Target, 0, len(urls))
	for service, serviceURL := range urls {
		target := supergraph.Target{Service: service, URL: serviceURL}
		if rec, gerr := o.registry.Get(ctx, service); gerr == nil {
			target.Path = rec.Spec.GraphQLPath
		}
		targets = append(targets, target)
	}

	schemas, err := o.introspector.FetchAll(ctx, env, targets)
	if err != nil {
		return nil, err
	}

	for _, schema := range schemas {
		// The stored copy is a debugging aid; composition carries on
		// without it.
		if perr := o.artifacts.PutSubgraphSchema(ctx, schema); perr != nil {
			o.logger.Warn("Failed to store subgraph schema",
				"service", schema.Service, "error", perr)
		}
	}

	return o.composer.Compose(ctx, env, schemas)
}

// verify re-probes everything the rollout touched: every resolved
// service URL plus the freshly rolled gateway.
func (o *Orchestrator) verify(ctx context.Context, env platform.Environment, gatewayURL string) error {
	urls, err := o.registry.ResolveAll(ctx, env)
	if err != nil {
		return err
	}

	unhealthy := make([]string, 0)
	for service, result := range o.prober.CheckAll(ctx, urls) {
		if !result.Healthy {
			unhealthy = append(unhealthy, fmt.Sprintf("%s (%s)", service, result.Reason))
		}
	}
	if gw := o.prober.Check(ctx, GatewayName, gatewayURL); !gw.Healthy {
		unhealthy = append(unhealthy, fmt.Sprintf("%s (%s)", GatewayName, gw.Reason))
	}

	if len(unhealthy) > 0 {
		sort.Strings(unhealthy)
		return errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrHealthCheckFailed, strings.Join(unhealthy, "; ")),
			"Orchestrator", "verify", "post-deploy sweep")
	}
	return nil
}

// restoreCurrent re-points the environment at the artifact it served
// before this deploy. A rollout that failed after publishing must not
// leave the new composition current.
func (o *Orchestrator) restoreCurrent(ctx context.Context, env platform.Environment, prevHash string) {
	if prevHash == "" {
		return
	}
	markCtx := context.WithoutCancel(ctx)
	if err := o.artifacts.SetCurrent(markCtx, env, prevHash); err != nil {
		o.logger.Error("Failed to restore previous supergraph",
			"environment", env, "hash", prevHash, "error", err)
		return
	}
	o.logger.Info("Restored previous supergraph", "environment", env, "hash", prevHash)
}

// fail marks the release failed, consults the advisor, and emits the
// failure event. The cause comes back so callers propagate it.
func (o *Orchestrator) fail(ctx context.Context, release *platform.Release, stage string, cause error) (*platform.Release, error) {
	markCtx := context.WithoutCancel(ctx)

	failed, terr := o.transition(markCtx, release, platform.ReleaseFailed, func(r *platform.Release) {
		r.Error = cause.Error()
	})
	if terr != nil {
		o.logger.Error("Failed to mark release failed", "release", release.ID, "error", terr)
		failed = release
	}
	ev, evErr := events.NewDeployFailed(release.ID, release.Environment, cause.Error())
	o.emit(markCtx, ev, evErr)

	logArgs := []any{"release", release.ID, "environment", release.Environment,
		"stage", stage, "error", cause}
	if o.adviser != nil {
		hint := o.adviser.Advise(markCtx, advisor.Failure{
			Environment: release.Environment,
			Operation:   "deploy " + stage,
			Err:         cause,
		})
		logArgs = append(logArgs, "scenario", hint.Scenario, "remediation", hint.Remediation)
	}
	o.logger.Error("Deploy failed", logArgs...)

	return failed, cause
}

// transition advances the release through the store and publishes the
// state change.
func (o *Orchestrator) transition(ctx context.Context, release *platform.Release,
	next platform.ReleaseState, mutate func(*platform.Release)) (*platform.Release, error) {

	from := release.State
	stored, err := o.releases.TransitionRelease(ctx, release.ID, next, mutate)
	if err != nil {
		return release, err
	}
	ev, evErr := events.NewReleaseStateChanged(stored, from)
	o.emit(ctx, ev, evErr)
	return stored, nil
}

// emit publishes one event when a sink is attached. Event construction
// and publication failures are logged and swallowed; deploys never fail
// on eventing.
func (o *Orchestrator) emit(ctx context.Context, event events.Event, err error) {
	if err != nil {
		o.logger.Warn("Failed to build event", "error", err)
		return
	}
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, event); err != nil {
		o.logger.Warn("Failed to publish event", "type", event.Type, "error", err)
	}
}

// acquire takes the per-environment deploy slot. Two releases rolling
// one environment at once would race in the registry and the artifact
// store.
func (o *Orchestrator) acquire(env platform.Environment, releaseID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if holder, busy := o.active[env]; busy {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s is deploying release %s", errors.ErrDeployInProgress, env, holder),
			"Orchestrator", "acquire", "environment slot")
	}
	o.active[env] = releaseID
	return nil
}

func (o *Orchestrator) free(env platform.Environment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, env)
}

func (o *Orchestrator) observeDeploy(release *platform.Release, took time.Duration, err error) {
	if o.metrics == nil || release == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	o.metrics.deploysTotal.WithLabelValues(release.Environment.String(), result).Inc()
	o.metrics.deployDuration.WithLabelValues(release.Environment.String()).Observe(took.Seconds())
}

const metricsService = "orchestrator"

type orchMetrics struct {
	deploysTotal     *prometheus.CounterVec
	deployDuration   *prometheus.HistogramVec
	servicesDeployed *prometheus.CounterVec
	rollbacks        *prometheus.CounterVec
}

func newOrchMetrics(registrar metric.MetricsRegistrar) (*orchMetrics, error) {
	if registrar == nil {
		return nil, nil
	}

	m := &orchMetrics{
		deploysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: metricsService,
			Name:      "deploys_total",
			Help:      "Deploy attempts by environment and result",
		}, []string{"environment", "result"}),
		deployDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: metricsService,
			Name:      "deploy_duration_seconds",
			Help:      "Wall time of deploy calls by environment",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"environment"}),
		servicesDeployed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: metricsService,
			Name:      "services_deployed_total",
			Help:      "Services landed in phase one by environment",
		}, []string{"environment"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: metricsService,
			Name:      "rollbacks_total",
			Help:      "Rollbacks by environment",
		}, []string{"environment"}),
	}

	if err := registrar.RegisterCounterVec(metricsService, "deploys_total", m.deploysTotal); err != nil {
		return nil, errors.WrapFatal(err, "Orchestrator", "newOrchMetrics", "register deploys_total")
	}
	if err := registrar.RegisterHistogramVec(metricsService, "deploy_duration_seconds", m.deployDuration); err != nil {
		return nil, errors.WrapFatal(err, "Orchestrator", "newOrchMetrics", "register deploy_duration_seconds")
	}
	if err := registrar.RegisterCounterVec(metricsService, "services_deployed_total", m.servicesDeployed); err != nil {
		return nil, errors.WrapFatal(err, "Orchestrator", "newOrchMetrics", "register services_deployed_total")
	}
	if err := registrar.RegisterCounterVec(metricsService, "rollbacks_total", m.rollbacks); err != nil {
		return nil, errors.WrapFatal(err, "Orchestrator", "newOrchMetrics", "register rollbacks_total")
	}
	return m, nil
}
