package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Peleke/MindMirror-sub002/advisor"
	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/events"
	"github.com/Peleke/MindMirror-sub002/healthcheck"
	"github.com/Peleke/MindMirror-sub002/metric"
	"github.com/Peleke/MindMirror-sub002/pkg/worker"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// Default worker pool shape. Runs are heavyweight (builds, applies,
// full deploys) and the orchestrator serializes per environment anyway,
// so concurrency stays low.
const (
	DefaultWorkers   = 2
	DefaultQueueSize = 32
)

// RunStore persists pipeline runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	TransitionRun(ctx context.Context, id string, next Stage, mutate func(*Run)) (*Run, error)
	ListRuns(ctx context.Context) ([]*Run, error)
}

// ReleaseCreator persists the release a run deploys.
type ReleaseCreator interface {
	CreateRelease(ctx context.Context, release *platform.Release) error
}

// ReleaseOrchestrator drives the two-phase rollout for a release.
type ReleaseOrchestrator interface {
	Deploy(ctx context.Context, releaseID string) (*platform.Release, error)
}

// URLResolver answers the service URLs the verifying stage probes.
type URLResolver interface {
	ResolveAll(ctx context.Context, env platform.Environment) (map[string]string, error)
}

// AuditSink records stage transitions durably. Forward progress stops
// when a transition cannot be recorded.
type AuditSink interface {
	Append(ctx context.Context, entry AuditEntry) error
}

// EventSink receives platform events. Publication is best effort; a
// sink error never fails a run.
type EventSink interface {
	Publish(ctx context.Context, event events.Event) error
}

// Dependencies carries the stores and executors a Pipeline wires
// together.
type Dependencies struct {
	Runs         RunStore
	Releases     ReleaseCreator
	Orchestrator ReleaseOrchestrator
	Registry     URLResolver
	Prober       *healthcheck.Prober
	Builder      Builder
	Pusher       Pusher
	Applier      Applier
	Audit        AuditSink
}

func (d Dependencies) validate() error {
	missing := ""
	switch {
	case d.Runs == nil:
		missing = "run store"
	case d.Releases == nil:
		missing = "release store"
	case d.Orchestrator == nil:
		missing = "orchestrator"
	case d.Registry == nil:
		missing = "service registry"
	case d.Prober == nil:
		missing = "prober"
	case d.Builder == nil:
		missing = "builder"
	case d.Pusher == nil:
		missing = "pusher"
	case d.Applier == nil:
		missing = "applier"
	case d.Audit == nil:
		missing = "audit sink"
	}
	if missing != "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s is required", errors.ErrMissingConfig, missing),
			"Pipeline", "New", "dependency validation")
	}
	return nil
}

// Pipeline is the GitOps control loop: pushes become runs, runs move
// build -> push -> apply -> deploy -> verify on a bounded worker pool,
// production runs hold for approval before deploying. Every stage
// transition lands in the audit stream before the next stage starts.
type Pipeline struct {
	runs     RunStore
	releases ReleaseCreator
	orch     ReleaseOrchestrator
	registry URLResolver
	prober   *healthcheck.Prober
	builder  Builder
	pusher   Pusher
	applier  Applier
	audit    AuditSink

	events    EventSink
	adviser   *advisor.Advisor
	logger    *slog.Logger
	metrics   *metric.Metrics
	registrar metric.MetricsRegistrar

	workers         int
	queueSize       int
	stageTimeout    time.Duration
	approvalTimeout time.Duration
	pool            *worker.Pool[string]

	reaperCancel context.CancelFunc
	reaperDone   sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithLogger sets the logger. Nil falls back to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger != nil {
			p.logger = logger
		}
		return nil
	}
}

// WithEvents attaches the platform event sink.
func WithEvents(sink EventSink) Option {
	return func(p *Pipeline) error {
		if sink == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "WithEvents",
				"sink cannot be nil")
		}
		p.events = sink
		return nil
	}
}

// WithAdvisor attaches the failure advisor consulted when a run fails.
func WithAdvisor(a *advisor.Advisor) Option {
	return func(p *Pipeline) error {
		if a == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "WithAdvisor",
				"advisor cannot be nil")
		}
		p.adviser = a
		return nil
	}
}

// WithMetrics attaches the core platform metrics for stage durations
// and approval counts.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Pipeline) error {
		if m == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "WithMetrics",
				"metrics cannot be nil")
		}
		p.metrics = m
		return nil
	}
}

// WithPoolMetrics exports the run queue gauges through the registrar.
func WithPoolMetrics(registrar metric.MetricsRegistrar) Option {
	return func(p *Pipeline) error {
		if registrar == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "WithPoolMetrics",
				"registrar cannot be nil")
		}
		p.registrar = registrar
		return nil
	}
}

// WithWorkers sets how many runs execute concurrently.
func WithWorkers(n int) Option {
	return func(p *Pipeline) error {
		if n <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "WithWorkers",
				"worker count must be positive")
		}
		p.workers = n
		return nil
	}
}

// WithQueueSize sets the pending-run queue capacity.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) error {
		if n <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "WithQueueSize",
				"queue size must be positive")
		}
		p.queueSize = n
		return nil
	}
}

// WithStageTimeout bounds each executor call. Zero disables the
// timeout.
func WithStageTimeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		if d < 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "WithStageTimeout",
				"stage timeout must not be negative")
		}
		p.stageTimeout = d
		return nil
	}
}

// WithApprovalTimeout bounds how long a run may wait at the approval
// gate. Zero disables the reaper.
func WithApprovalTimeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		if d < 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "WithApprovalTimeout",
				"approval timeout must not be negative")
		}
		p.approvalTimeout = d
		return nil
	}
}

// New creates a Pipeline from its dependencies.
func New(deps Dependencies, opts ...Option) (*Pipeline, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		runs:      deps.Runs,
		releases:  deps.Releases,
		orch:      deps.Orchestrator,
		registry:  deps.Registry,
		prober:    deps.Prober,
		builder:   deps.Builder,
		pusher:    deps.Pusher,
		applier:   deps.Applier,
		audit:     deps.Audit,
		logger:    slog.Default(),
		workers:   DefaultWorkers,
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "pipeline")

	poolOpts := []worker.Option[string]{
		worker.WithWorkers[string](p.workers),
		worker.WithQueueSize[string](p.queueSize),
	}
	if p.registrar != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[string](p.registrar, "pipeline"))
	}
	pool, err := worker.NewPool(p.process, poolOpts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Pipeline", "New", "create worker pool")
	}
	p.pool = pool

	return p, nil
}

// Start launches the worker pool. The context bounds all run
// execution; canceling it aborts in-flight stages.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Pipeline", "Start", "start worker pool")
	}
	if p.approvalTimeout > 0 {
		reapCtx, cancel := context.WithCancel(ctx)
		p.reaperCancel = cancel
		p.reaperDone.Add(1)
		go p.reapStaleApprovals(reapCtx)
	}
	p.logger.Info("Pipeline started", "workers", p.workers, "queue", p.queueSize)
	return nil
}

// Stop closes the run queue and waits for in-flight stages up to
// timeout.
func (p *Pipeline) Stop(timeout time.Duration) error {
	if p.reaperCancel != nil {
		p.reaperCancel()
		p.reaperDone.Wait()
	}
	if err := p.pool.Stop(timeout); err != nil {
		return errors.Wrap(err, "Pipeline", "Stop", "stop worker pool")
	}
	p.logger.Info("Pipeline stopped")
	return nil
}

// Trigger creates a run for a push and queues it for execution. Pushes
// on unmapped branches are invalid; callers that want to ignore them
// check MapBranch first.
func (p *Pipeline) Trigger(ctx context.Context, event PushEvent) (*Run, error) {
	run, err := NewRun(event)
	if err != nil {
		return nil, err
	}

	if err := p.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	actor := run.Author
	if actor == "" {
		actor = "webhook"
	}
	if err := p.appendAudit(ctx, AuditEntry{
		RunID:  run.ID,
		To:     StageTriggered,
		Actor:  actor,
		Detail: fmt.Sprintf("push %s on %s", shortCommit(run.Commit), run.Branch),
	}); err != nil {
		// The run exists but its trigger was never recorded; leave it
		// parked in triggered for Resume instead of racing the audit
		// stream.
		return run, err
	}

	ev, evErr := events.NewPipelineStage(run.ID, run.Environment, run.Branch, run.Commit,
		"", StageTriggered.String(), "")
	p.emit(ctx, ev, evErr)

	if err := p.submit(run.ID); err != nil {
		return run, err
	}

	p.logger.Info("Run triggered",
		"run", run.ID,
		"repo", run.Repo,
		"branch", run.Branch,
		"commit", shortCommit(run.Commit),
		"environment", run.Environment)
	return run, nil
}

// Approve records an approval for a held run and resumes it. Only runs
// in awaiting_approval accept decisions.
func (p *Pipeline) Approve(ctx context.Context, runID, approver, reason string) (*Run, error) {
	run, err := p.gated(ctx, runID, approver, "Approve")
	if err != nil {
		return nil, err
	}

	decision := &RunApproval{
		ID:        uuid.NewString(),
		Approver:  approver,
		Decision:  platform.ApprovalApproved,
		Reason:    reason,
		DecidedAt: time.Now().UTC(),
	}
	detail := "approval " + decision.ID
	if reason != "" {
		detail += ": " + reason
	}

	approved, err := p.advance(ctx, run, StageDeploying, approver, detail, func(r *Run) {
		r.Approval = decision
	})
	if err != nil {
		return approved, err
	}

	p.recordApproval("approved")
	ev, evErr := events.NewApprovalDecided(run.ID, run.ReleaseID, run.Environment, approver, true, reason)
	p.emit(ctx, ev, evErr)
	p.logger.Info("Run approved", "run", run.ID, "approver", approver)

	if err := p.submit(run.ID); err != nil {
		// Approved but not queued; Resume picks it up.
		return approved, err
	}
	return approved, nil
}

// Reject denies a held run and fails it.
func (p *Pipeline) Reject(ctx context.Context, runID, approver, reason string) (*Run, error) {
	run, err := p.gated(ctx, runID, approver, "Reject")
	if err != nil {
		return nil, err
	}

	decision := &RunApproval{
		ID:        uuid.NewString(),
		Approver:  approver,
		Decision:  platform.ApprovalDenied,
		Reason:    reason,
		DecidedAt: time.Now().UTC(),
	}
	detail := "approval " + decision.ID + " denied"
	if reason != "" {
		detail += ": " + reason
	}

	rejected, err := p.advance(ctx, run, StageFailed, approver, detail, func(r *Run) {
		r.Approval = decision
		r.Error = fmt.Sprintf("approval denied by %s", approver)
	})
	if err != nil {
		return rejected, err
	}

	p.recordApproval("denied")
	ev, evErr := events.NewApprovalDecided(run.ID, run.ReleaseID, run.Environment, approver, false, reason)
	p.emit(ctx, ev, evErr)
	p.logger.Info("Run rejected", "run", run.ID, "approver", approver, "reason", reason)
	return rejected, nil
}

// gated loads a run and checks it is actually holding at the approval
// gate.
func (p *Pipeline) gated(ctx context.Context, runID, approver, op string) (*Run, error) {
	if approver == "" {
		return nil, errors.WrapInvalid(stderrors.New("approver cannot be empty"),
			"Pipeline", op, "approver validation")
	}

	run, err := p.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Stage != StageAwaitingApproval {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: run %s is %s, approvals only apply in %s",
				errors.ErrInvalidTransition, runID, run.Stage, StageAwaitingApproval),
			"Pipeline", op, "stage guard")
	}
	return run, nil
}

// Resume re-queues a run that is neither terminal nor holding at the
// gate: after a daemon restart, or after a queue-full submission.
func (p *Pipeline) Resume(ctx context.Context, runID string) (*Run, error) {
	run, err := p.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Stage.Terminal() || run.Stage == StageAwaitingApproval {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: run %s is %s and cannot resume", errors.ErrInvalidTransition,
				runID, run.Stage),
			"Pipeline", "Resume", "stage guard")
	}
	if err := p.submit(run.ID); err != nil {
		return run, err
	}
	p.logger.Info("Run resumed", "run", run.ID, "stage", run.Stage.String())
	return run, nil
}

// ResumeAll re-queues every in-flight run. The daemon calls this at
// startup so runs survive restarts; runs at the approval gate stay put.
func (p *Pipeline) ResumeAll(ctx context.Context) (int, error) {
	runs, err := p.runs.ListRuns(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, run := range runs {
		if run.Stage.Terminal() || run.Stage == StageAwaitingApproval {
			continue
		}
		if err := p.submit(run.ID); err != nil {
			return resumed, err
		}
		resumed++
	}
	if resumed > 0 {
		p.logger.Info("Resumed in-flight runs", "count", resumed)
	}
	return resumed, nil
}

// process drives one run forward until it parks at the approval gate
// or reaches a terminal stage. Runs re-enter here after approval and
// after restarts, so every stage picks up from the stored record.
func (p *Pipeline) process(ctx context.Context, runID string) error {
	run, err := p.runs.GetRun(ctx, runID)
	if err != nil {
		p.logger.Error("Failed to load queued run", "run", runID, "error", err)
		return err
	}

	for {
		switch run.Stage {
		case StageTriggered:
			run, err = p.advance(ctx, run, StageBuilding, "pipeline", "", nil)
		case StageBuilding:
			run, err = p.build(ctx, run)
		case StagePushing:
			run, err = p.push(ctx, run)
		case StageApplying:
			run, err = p.apply(ctx, run)
		case StageAwaitingApproval:
			// Parked; an approval decision moves it.
			return nil
		case StageDeploying:
			run, err = p.deploy(ctx, run)
		case StageVerifying:
			run, err = p.verify(ctx, run)
		case StageSucceeded, StageFailed:
			return nil
		default:
			return errors.WrapInvalid(
				fmt.Errorf("%w: run %s in unknown stage %q", errors.ErrInvalidTransition,
					run.ID, run.Stage),
				"Pipeline", "process", "stage dispatch")
		}
		if err != nil {
			return err
		}
	}
}

// stageCtx bounds one executor call when a stage timeout is set.
func (p *Pipeline) stageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.stageTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.stageTimeout)
}

// reapStaleApprovals periodically fails runs whose approval gate has
// gone unanswered past the timeout.
func (p *Pipeline) reapStaleApprovals(ctx context.Context) {
	defer p.reaperDone.Done()

	interval := p.approvalTimeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runs, err := p.runs.ListRuns(ctx)
			if err != nil {
				p.logger.Warn("Approval reaper cannot list runs", "error", err)
				continue
			}
			for _, run := range runs {
				if run.Stage != StageAwaitingApproval {
					continue
				}
				if time.Since(run.UpdatedAt) < p.approvalTimeout {
					continue
				}
				_, _ = p.fail(ctx, run, "approval",
					fmt.Errorf("%w: no decision within %s",
						errors.ErrApprovalRequired, p.approvalTimeout))
			}
		}
	}
}

// build runs the building stage: images for the run's commit.
func (p *Pipeline) build(ctx context.Context, run *Run) (*Run, error) {
	execCtx, cancel := p.stageCtx(ctx)
	versions, err := p.builder.Build(execCtx, run)
	cancel()
	if err != nil {
		return p.fail(ctx, run, "build", err)
	}

	names := make([]string, len(versions))
	for i, sv := range versions {
		names[i] = sv.Name
	}
	sort.Strings(names)

	return p.advance(ctx, run, StagePushing, "pipeline",
		"built "+strings.Join(names, ", "),
		func(r *Run) { r.Versions = versions })
}

// push runs the pushing stage: publish the built images.
func (p *Pipeline) push(ctx context.Context, run *Run) (*Run, error) {
	execCtx, cancel := p.stageCtx(ctx)
	err := p.pusher.Push(execCtx, run, run.Versions)
	cancel()
	if err != nil {
		return p.fail(ctx, run, "push", err)
	}
	return p.advance(ctx, run, StageApplying, "pipeline", "", nil)
}

// apply runs the applying stage, then either holds production runs at
// the approval gate or moves straight to deploying.
func (p *Pipeline) apply(ctx context.Context, run *Run) (*Run, error) {
	execCtx, cancel := p.stageCtx(ctx)
	err := p.applier.Apply(execCtx, run)
	cancel()
	if err != nil {
		return p.fail(ctx, run, "apply", err)
	}

	if run.Gated() {
		held, err := p.advance(ctx, run, StageAwaitingApproval, "pipeline", "production gate", nil)
		if err != nil {
			return held, err
		}
		ev, evErr := events.NewApprovalRequested(held.ID, "", held.Environment)
		p.emit(ctx, ev, evErr)
		p.logger.Info("Run awaiting approval", "run", held.ID, "environment", held.Environment)
		return held, nil
	}

	return p.advance(ctx, run, StageDeploying, "pipeline", "", nil)
}

// deploy runs the deploying stage: pin the built versions into a
// release and hand it to the orchestrator.
func (p *Pipeline) deploy(ctx context.Context, run *Run) (*Run, error) {
	release, err := platform.NewRelease(run.Environment, run.Versions)
	if err != nil {
		return p.fail(ctx, run, "deploy", err)
	}
	if run.Approved() {
		// The run's gate decision carries onto the release so the
		// orchestrator does not hold it a second time.
		release.Approval = &platform.Approval{
			Approver:  run.Approval.Approver,
			Decision:  run.Approval.Decision,
			Reason:    run.Approval.Reason,
			DecidedAt: run.Approval.DecidedAt,
		}
	}

	if err := p.releases.CreateRelease(ctx, release); err != nil {
		return p.fail(ctx, run, "deploy", err)
	}
	run.ReleaseID = release.ID

	deployed, err := p.orch.Deploy(ctx, release.ID)
	if err != nil {
		return p.fail(ctx, run, "deploy", err)
	}
	if deployed.State != platform.ReleaseDeployed {
		return p.fail(ctx, run, "deploy",
			fmt.Errorf("release %s finished %s instead of %s",
				release.ID, deployed.State, platform.ReleaseDeployed))
	}

	return p.advance(ctx, run, StageVerifying, "pipeline", "release "+release.ID,
		func(r *Run) { r.ReleaseID = release.ID })
}

// verify runs the verifying stage: every service in the environment
// must answer its health probes.
func (p *Pipeline) verify(ctx context.Context, run *Run) (*Run, error) {
	urls, err := p.registry.ResolveAll(ctx, run.Environment)
	if err != nil {
		return p.fail(ctx, run, "verify", err)
	}

	results := p.prober.CheckAll(ctx, urls)
	unhealthy := make([]string, 0)
	for service, result := range results {
		if !result.Healthy {
			unhealthy = append(unhealthy, fmt.Sprintf("%s (%s)", service, result.Reason))
		}
	}
	if len(unhealthy) > 0 {
		sort.Strings(unhealthy)
		return p.fail(ctx, run, "verify",
			fmt.Errorf("%w: %s", errors.ErrHealthCheckFailed, strings.Join(unhealthy, "; ")))
	}

	return p.advance(ctx, run, StageSucceeded, "pipeline",
		fmt.Sprintf("%d services healthy", len(results)), nil)
}

// advance appends the audit entry, transitions the run, and emits the
// stage event. The entry lands before the state moves so no stage ever
// runs unrecorded; when the stream is down the run parks at its current
// stage and Resume retries the whole stage once the stream recovers.
// An append whose transition then fails gets appended again on retry;
// duplicates are cheaper than gaps.
func (p *Pipeline) advance(ctx context.Context, run *Run, next Stage, actor, detail string,
	mutate func(*Run)) (*Run, error) {

	from := run.Stage
	stageStart := run.UpdatedAt

	if err := p.appendAudit(ctx, AuditEntry{
		RunID:  run.ID,
		From:   from,
		To:     next,
		Actor:  actor,
		Detail: detail,
	}); err != nil {
		p.logger.Error("Audit append failed, run parked",
			"run", run.ID, "from", from.String(), "to", next.String(), "error", err)
		return run, err
	}

	updated, err := p.runs.TransitionRun(ctx, run.ID, next, mutate)
	if err != nil {
		return run, err
	}

	status := "ok"
	if next == StageFailed {
		status = "failed"
	}
	p.observeStage(from, status, time.Since(stageStart))

	ev, evErr := events.NewPipelineStage(updated.ID, updated.Environment, updated.Branch,
		updated.Commit, from.String(), next.String(), updated.Error)
	p.emit(ctx, ev, evErr)

	p.logger.Info("Run advanced", "run", updated.ID, "from", from.String(), "to", next.String())
	return updated, nil
}

// fail marks the run failed, consults the advisor, and emits the
// failure event. The audit append here is best effort: the terminal
// mark must not depend on the stream. The cause comes back so the pool
// counts the failure.
func (p *Pipeline) fail(ctx context.Context, run *Run, stage string, cause error) (*Run, error) {
	markCtx := context.WithoutCancel(ctx)
	from := run.Stage
	stageStart := run.UpdatedAt
	releaseID := run.ReleaseID

	failed, terr := p.runs.TransitionRun(markCtx, run.ID, StageFailed, func(r *Run) {
		r.Error = cause.Error()
		if r.ReleaseID == "" {
			r.ReleaseID = releaseID
		}
	})
	if terr != nil {
		p.logger.Error("Failed to mark run failed", "run", run.ID, "error", terr)
		failed = run
	}

	p.observeStage(from, "failed", time.Since(stageStart))

	logArgs := []any{
		"run", run.ID,
		"stage", stage,
		"environment", run.Environment,
		"error", cause,
	}
	if p.adviser != nil {
		hint := p.adviser.Advise(markCtx, advisor.Failure{
			Environment: run.Environment,
			Operation:   "pipeline " + stage,
			Err:         cause,
		})
		logArgs = append(logArgs, "scenario", hint.Scenario, "remediation", hint.Remediation)
	}
	p.logger.Error("Run failed", logArgs...)

	if err := p.appendAudit(markCtx, AuditEntry{
		RunID:  run.ID,
		From:   from,
		To:     StageFailed,
		Actor:  "pipeline",
		Detail: cause.Error(),
	}); err != nil {
		p.logger.Warn("Failed to audit run failure", "run", run.ID, "error", err)
	}

	ev, evErr := events.NewPipelineStage(run.ID, run.Environment, run.Branch, run.Commit,
		from.String(), StageFailed.String(), cause.Error())
	p.emit(markCtx, ev, evErr)

	return failed, cause
}

// submit queues a run ID onto the pool without blocking.
func (p *Pipeline) submit(runID string) error {
	if err := p.pool.Submit(runID); err != nil {
		if stderrors.Is(err, worker.ErrQueueFull) {
			return errors.WrapTransient(
				fmt.Errorf("%w: run queue full", errors.ErrRateLimited),
				"Pipeline", "Submit", "queue run "+runID)
		}
		return errors.WrapTransient(err, "Pipeline", "Submit", "queue run "+runID)
	}
	return nil
}

func (p *Pipeline) appendAudit(ctx context.Context, entry AuditEntry) error {
	entry.At = time.Now().UTC()
	return p.audit.Append(ctx, entry)
}

// emit publishes an event built by one of the typed constructors.
func (p *Pipeline) emit(ctx context.Context, event events.Event, err error) {
	if err != nil {
		p.logger.Warn("Failed to build event", "error", err)
		return
	}
	if p.events == nil {
		return
	}
	if err := p.events.Publish(ctx, event); err != nil {
		p.logger.Warn("Failed to publish event", "type", event.Type, "error", err)
	}
}

func (p *Pipeline) observeStage(stage Stage, status string, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordPipelineStage(stage.String(), status, elapsed)
}

func (p *Pipeline) recordApproval(decision string) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordApproval(decision)
}

// shortCommit trims a full SHA down to the familiar seven characters.
func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}
