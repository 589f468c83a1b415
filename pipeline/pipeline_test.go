package pipeline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Peleke/MindMirror-sub002/advisor"
	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/events"
	"github.com/Peleke/MindMirror-sub002/healthcheck"
	"github.com/Peleke/MindMirror-sub002/platform"
	"github.com/Peleke/MindMirror-sub002/testutil"
)

// memRunStore is an in-memory RunStore running the real stage machine.
type memRunStore struct {
	mu   sync.Mutex
	runs map[string]*Run
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: make(map[string]*Run)}
}

func cloneRun(r *Run) *Run {
	copied := *r
	copied.Versions = append([]platform.ServiceVersion(nil), r.Versions...)
	if r.Approval != nil {
		approval := *r.Approval
		copied.Approval = &approval
	}
	if r.Auth != nil {
		auth := *r.Auth
		copied.Auth = &auth
	}
	if r.FinishedAt != nil {
		finished := *r.FinishedAt
		copied.FinishedAt = &finished
	}
	return &copied
}

func (s *memRunStore) add(run *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = cloneRun(run)
}

func (s *memRunStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *memRunStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrRunNotFound, id)
	}
	return cloneRun(run), nil
}

func (s *memRunStore) TransitionRun(_ context.Context, id string, next Stage,
	mutate func(*Run)) (*Run, error) {

	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrRunNotFound, id)
	}
	updated := cloneRun(run)
	if err := updated.Transition(next); err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(updated)
	}
	s.runs[id] = cloneRun(updated)
	return updated, nil
}

func (s *memRunStore) ListRuns(_ context.Context) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// memReleaseStore records created releases.
type memReleaseStore struct {
	mu       sync.Mutex
	releases map[string]*platform.Release
}

func newMemReleaseStore() *memReleaseStore {
	return &memReleaseStore{releases: make(map[string]*platform.Release)}
}

func cloneRelease(r *platform.Release) *platform.Release {
	copied := *r
	copied.Services = append([]platform.ServiceVersion(nil), r.Services...)
	if r.Approval != nil {
		approval := *r.Approval
		copied.Approval = &approval
	}
	return &copied
}

func (s *memReleaseStore) CreateRelease(_ context.Context, release *platform.Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.releases[release.ID]; exists {
		return fmt.Errorf("release %s already exists", release.ID)
	}
	s.releases[release.ID] = cloneRelease(release)
	return nil
}

func (s *memReleaseStore) get(id string) (*platform.Release, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, ok := s.releases[id]
	if !ok {
		return nil, false
	}
	return cloneRelease(release), true
}

func (s *memReleaseStore) put(release *platform.Release) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases[release.ID] = cloneRelease(release)
}

func (s *memReleaseStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.releases)
}

// fakeOrchestrator walks the release machine the way the real
// orchestrator does, including the production approval hold. Runs that
// reach it without an approved release come back held, which the
// pipeline reports as a deploy failure.
type fakeOrchestrator struct {
	releases *memReleaseStore

	mu      sync.Mutex
	err     error
	deploys int
}

func (o *fakeOrchestrator) Deploy(_ context.Context, releaseID string) (*platform.Release, error) {
	o.mu.Lock()
	failErr := o.err
	o.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}

	release, ok := o.releases.get(releaseID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrReleaseNotFound, releaseID)
	}
	if err := release.Transition(platform.ReleaseDeploying); err != nil {
		return nil, err
	}

	if release.Environment.RequiresApproval() &&
		(release.Approval == nil || release.Approval.Decision != platform.ApprovalApproved) {
		if err := release.Transition(platform.ReleaseAwaitingApproval); err != nil {
			return nil, err
		}
		o.releases.put(release)
		return release, nil
	}

	if err := release.Transition(platform.ReleasePromoting); err != nil {
		return nil, err
	}
	if err := release.Transition(platform.ReleaseDeployed); err != nil {
		return nil, err
	}
	o.releases.put(release)

	o.mu.Lock()
	o.deploys++
	o.mu.Unlock()
	return release, nil
}

func (o *fakeOrchestrator) failWith(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *fakeOrchestrator) deployCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deploys
}

// fakeResolver answers environment URLs from a fixed map.
type fakeResolver struct {
	mu   sync.Mutex
	urls map[string]string
	err  error
}

func (r *fakeResolver) ResolveAll(_ context.Context, _ platform.Environment) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[string]string, len(r.urls))
	for name, u := range r.urls {
		out[name] = u
	}
	return out, nil
}

// fakeBuilder answers fixed versions.
type fakeBuilder struct {
	mu       sync.Mutex
	versions []platform.ServiceVersion
	err      error
	calls    int
}

func (b *fakeBuilder) Build(_ context.Context, _ *Run) ([]platform.ServiceVersion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return append([]platform.ServiceVersion(nil), b.versions...), nil
}

func (b *fakeBuilder) failWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *fakeBuilder) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// blockingBuilder parks builds until released.
type blockingBuilder struct {
	inner   Builder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingBuilder) Build(ctx context.Context, run *Run) ([]platform.ServiceVersion, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.inner.Build(ctx, run)
}

// fakePusher records the service names of the last push.
type fakePusher struct {
	mu     sync.Mutex
	pushed []string
	err    error
	calls  int
}

func (p *fakePusher) Push(_ context.Context, _ *Run, versions []platform.ServiceVersion) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return p.err
	}
	names := make([]string, 0, len(versions))
	for _, sv := range versions {
		names = append(names, sv.Name)
	}
	sort.Strings(names)
	p.pushed = names
	return nil
}

func (p *fakePusher) lastPushed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.pushed...)
}

func (p *fakePusher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeApplier counts applies.
type fakeApplier struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (a *fakeApplier) Apply(_ context.Context, _ *Run) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return a.err
	}
	return nil
}

func (a *fakeApplier) failWith(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

func (a *fakeApplier) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// memAudit records audit entries in memory. okLeft appends succeed
// before err starts applying; err nil accepts everything.
type memAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
	okLeft  int
}

func (a *memAudit) Append(_ context.Context, entry AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		if a.okLeft <= 0 {
			return a.err
		}
		a.okLeft--
	}
	a.entries = append(a.entries, entry)
	return nil
}

func (a *memAudit) failWith(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
	a.okLeft = 0
}

func (a *memAudit) failAfter(n int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
	a.okLeft = n
}

func (a *memAudit) all() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AuditEntry(nil), a.entries...)
}

func (a *memAudit) stages() []Stage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Stage, 0, len(a.entries))
	for _, entry := range a.entries {
		out = append(out, entry.To)
	}
	return out
}

func (a *memAudit) last() (AuditEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		return AuditEntry{}, false
	}
	return a.entries[len(a.entries)-1], true
}

// eventSink records published events.
type eventSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *eventSink) Publish(_ context.Context, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *eventSink) count(eventType events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (s *eventSink) recorded() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.events))
	copy(out, s.events)
	return out
}

// pipeHarness wires a pipeline over in-memory stores and fake
// executors. The prober is real, probing stub subgraphs for journal and
// users.
type pipeHarness struct {
	runs      *memRunStore
	releases  *memReleaseStore
	orch      *fakeOrchestrator
	resolver  *fakeResolver
	builder   *fakeBuilder
	pusher    *fakePusher
	applier   *fakeApplier
	audit     *memAudit
	sink      *eventSink
	subgraphs map[string]*testutil.StubSubgraph
	prober    *healthcheck.Prober
	quiet     *slog.Logger
	pipe      *Pipeline
}

func newPipeHarness(t *testing.T, opts ...Option) *pipeHarness {
	t.Helper()

	services := []string{"journal", "users"}
	subgraphs := make(map[string]*testutil.StubSubgraph, len(services))
	urls := make(map[string]string, len(services))
	versions := make([]platform.ServiceVersion, 0, len(services))
	for _, name := range services {
		stub := testutil.NewStubSubgraph(t, name, testutil.StubSchema{
			QueryFields: map[string]string{name: "String"},
		})
		subgraphs[name] = stub
		urls[name] = stub.URL()
		versions = append(versions, testutil.SampleVersion(name))
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	prober, err := healthcheck.NewProber(
		healthcheck.WithTimeout(500*time.Millisecond),
		healthcheck.WithRateLimit(1000, 1000),
		healthcheck.WithProberLogger(quiet))
	require.NoError(t, err)

	adviser, err := advisor.New(advisor.WithLogger(quiet))
	require.NoError(t, err)

	h := &pipeHarness{
		runs:      newMemRunStore(),
		releases:  newMemReleaseStore(),
		resolver:  &fakeResolver{urls: urls},
		builder:   &fakeBuilder{versions: versions},
		pusher:    &fakePusher{},
		applier:   &fakeApplier{},
		audit:     &memAudit{},
		sink:      &eventSink{},
		subgraphs: subgraphs,
		prober:    prober,
		quiet:     quiet,
	}
	h.orch = &fakeOrchestrator{releases: h.releases}

	h.pipe, err = New(h.dependencies(h.builder),
		append([]Option{
			WithLogger(quiet),
			WithEvents(h.sink),
			WithAdvisor(adviser),
		}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, h.pipe.Start(context.Background()))
	t.Cleanup(func() { _ = h.pipe.Stop(5 * time.Second) })
	return h
}

func (h *pipeHarness) dependencies(b Builder) Dependencies {
	return Dependencies{
		Runs:         h.runs,
		Releases:     h.releases,
		Orchestrator: h.orch,
		Registry:     h.resolver,
		Prober:       h.prober,
		Builder:      b,
		Pusher:       h.pusher,
		Applier:      h.applier,
		Audit:        h.audit,
	}
}

func (h *pipeHarness) waitForStage(t *testing.T, runID string, want Stage) *Run {
	t.Helper()

	var run *Run
	require.Eventually(t, func() bool {
		current, err := h.runs.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = current
		return current.Stage == want
	}, 5*time.Second, 10*time.Millisecond, "run %s never reached %s", runID, want)
	return run
}

func (h *pipeHarness) waitForEvents(t *testing.T, eventType events.Type, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return h.sink.count(eventType) >= n
	}, 5*time.Second, 10*time.Millisecond, "never saw %d %s events", n, eventType)
}

func productionPush() PushEvent {
	event := pushEvent()
	event.Branch = "release/2026.08"
	return event
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrMissingConfig))
	assert.Contains(t, err.Error(), "run store")
}

func TestOptionValidation(t *testing.T) {
	h := newPipeHarness(t)

	_, err := New(h.dependencies(h.builder), WithWorkers(0))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidConfig))

	_, err = New(h.dependencies(h.builder), WithQueueSize(-1))
	require.Error(t, err)

	_, err = New(h.dependencies(h.builder), WithEvents(nil))
	require.Error(t, err)
}

func TestStagingPushEndToEnd(t *testing.T) {
	h := newPipeHarness(t)

	run, err := h.pipe.Trigger(context.Background(), pushEvent())
	require.NoError(t, err)
	assert.Equal(t, platform.EnvStaging, run.Environment)

	done := h.waitForStage(t, run.ID, StageSucceeded)
	assert.Empty(t, done.Error)
	require.NotNil(t, done.FinishedAt)
	assert.Len(t, done.Versions, 2)
	require.NotEmpty(t, done.ReleaseID)

	release, ok := h.releases.get(done.ReleaseID)
	require.True(t, ok)
	assert.Equal(t, platform.ReleaseDeployed, release.State)
	assert.Equal(t, platform.EnvStaging, release.Environment)
	assert.Nil(t, release.Approval)

	assert.Equal(t, []string{"journal", "users"}, h.pusher.lastPushed())

	wantStages := []Stage{StageTriggered, StageBuilding, StagePushing, StageApplying,
		StageDeploying, StageVerifying, StageSucceeded}
	h.waitForEvents(t, events.TypePipelineStage, len(wantStages))
	assert.Equal(t, wantStages, h.audit.stages())

	entries := h.audit.all()
	assert.Equal(t, "dev@mindmirror.app", entries[0].Actor)
	assert.Contains(t, entries[0].Detail, "push 9f2c1aa on main")
	assert.Contains(t, entries[len(entries)-1].Detail, "services healthy")

	assert.Zero(t, h.sink.count(events.TypeApprovalRequested))

	// Every published event carries a decodable payload; a constructor
	// error suppresses the event rather than publishing a broken one.
	for _, ev := range h.sink.recorded() {
		assert.NotEmpty(t, ev.ID, ev.Type)
		require.NotEmpty(t, ev.Data, ev.Type)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(ev.Data, &payload), ev.Type)
	}
}

func TestProductionPushHoldsAtGate(t *testing.T) {
	h := newPipeHarness(t)

	run, err := h.pipe.Trigger(context.Background(), productionPush())
	require.NoError(t, err)
	assert.Equal(t, platform.EnvProduction, run.Environment)

	held := h.waitForStage(t, run.ID, StageAwaitingApproval)
	assert.Empty(t, held.ReleaseID)
	assert.Zero(t, h.releases.count())

	h.waitForEvents(t, events.TypeApprovalRequested, 1)

	last, ok := h.audit.last()
	require.True(t, ok)
	assert.Equal(t, StageAwaitingApproval, last.To)
	assert.Equal(t, "production gate", last.Detail)
}

func TestApproveCarriesDecisionToRelease(t *testing.T) {
	h := newPipeHarness(t)

	run, err := h.pipe.Trigger(context.Background(), productionPush())
	require.NoError(t, err)
	h.waitForStage(t, run.ID, StageAwaitingApproval)

	approved, err := h.pipe.Approve(context.Background(), run.ID, "sre@mindmirror.app", "looks good")
	require.NoError(t, err)
	require.NotNil(t, approved.Approval)
	assert.Equal(t, platform.ApprovalApproved, approved.Approval.Decision)
	assert.NotEmpty(t, approved.Approval.ID)

	done := h.waitForStage(t, run.ID, StageSucceeded)
	require.NotEmpty(t, done.ReleaseID)

	// The gate decision rode onto the release, so the orchestrator did
	// not hold it a second time.
	release, ok := h.releases.get(done.ReleaseID)
	require.True(t, ok)
	assert.Equal(t, platform.ReleaseDeployed, release.State)
	require.NotNil(t, release.Approval)
	assert.Equal(t, "sre@mindmirror.app", release.Approval.Approver)
	assert.Equal(t, platform.ApprovalApproved, release.Approval.Decision)
	assert.Equal(t, "looks good", release.Approval.Reason)

	assert.Equal(t, 1, h.orch.deployCount())
	assert.Equal(t, 1, h.sink.count(events.TypeApprovalDecided))

	var decision AuditEntry
	for _, entry := range h.audit.all() {
		if entry.To == StageDeploying && entry.Actor == "sre@mindmirror.app" {
			decision = entry
		}
	}
	assert.Contains(t, decision.Detail, "approval ")
	assert.Contains(t, decision.Detail, "looks good")
}

func TestRejectFailsHeldRun(t *testing.T) {
	h := newPipeHarness(t)

	run, err := h.pipe.Trigger(context.Background(), productionPush())
	require.NoError(t, err)
	h.waitForStage(t, run.ID, StageAwaitingApproval)

	rejected, err := h.pipe.Reject(context.Background(), run.ID, "sre@mindmirror.app", "schema drift")
	require.NoError(t, err)
	assert.Equal(t, StageFailed, rejected.Stage)
	assert.Equal(t, "approval denied by sre@mindmirror.app", rejected.Error)
	require.NotNil(t, rejected.Approval)
	assert.Equal(t, platform.ApprovalDenied, rejected.Approval.Decision)

	assert.Zero(t, h.releases.count())
	assert.Zero(t, h.orch.deployCount())
	assert.Equal(t, 1, h.sink.count(events.TypeApprovalDecided))
}

func TestApprovalRequiresHeldRun(t *testing.T) {
	h := newPipeHarness(t)

	run, err := h.pipe.Trigger(context.Background(), pushEvent())
	require.NoError(t, err)
	h.waitForStage(t, run.ID, StageSucceeded)

	_, err = h.pipe.Approve(context.Background(), run.ID, "sre@mindmirror.app", "")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition))

	_, err = h.pipe.Approve(context.Background(), run.ID, "", "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = h.pipe.Reject(context.Background(), "ghost", "sre@mindmirror.app", "")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrRunNotFound))
}

func TestBuildFailureFailsRun(t *testing.T) {
	h := newPipeHarness(t)
	h.builder.failWith(stderrors.New("base image vanished"))

	run, err := h.pipe.Trigger(context.Background(), pushEvent())
	require.NoError(t, err)

	failed := h.waitForStage(t, run.ID, StageFailed)
	assert.Contains(t, failed.Error, "base image vanished")
	require.NotNil(t, failed.FinishedAt)
	assert.Zero(t, h.releases.count())

	require.Eventually(t, func() bool {
		last, ok := h.audit.last()
		return ok && last.To == StageFailed
	}, 5*time.Second, 10*time.Millisecond)
	last, _ := h.audit.last()
	assert.Equal(t, StageBuilding, last.From)
	assert.Contains(t, last.Detail, "base image vanished")
}

func TestApplyLockFailsRun(t *testing.T) {
	h := newPipeHarness(t)
	h.applier.failWith(fmt.Errorf("%w: workspace staging", errors.ErrStateLocked))

	run, err := h.pipe.Trigger(context.Background(), pushEvent())
	require.NoError(t, err)

	failed := h.waitForStage(t, run.ID, StageFailed)
	assert.Contains(t, failed.Error, "state locked")
	assert.Zero(t, h.releases.count())
}

func TestDeployFailureFailsRun(t *testing.T) {
	h := newPipeHarness(t)
	h.orch.failWith(stderrors.New("wave 1 stalled"))

	run, err := h.pipe.Trigger(context.Background(), pushEvent())
	require.NoError(t, err)

	failed := h.waitForStage(t, run.ID, StageFailed)
	assert.Contains(t, failed.Error, "wave 1 stalled")
	// The release was created before the orchestrator failed; the run
	// keeps its ID for the postmortem.
	assert.NotEmpty(t, failed.ReleaseID)
	assert.Equal(t, 1, h.releases.count())
}

func TestVerifyUnhealthyFailsRun(t *testing.T) {
	h := newPipeHarness(t)
	h.subgraphs["journal"].SetHealthy(false)

	run, err := h.pipe.Trigger(context.Background(), pushEvent())
	require.NoError(t, err)

	failed := h.waitForStage(t, run.ID, StageFailed)
	assert.Contains(t, failed.Error, "health check failed")
	assert.Contains(t, failed.Error, "journal (")
	assert.NotEmpty(t, failed.ReleaseID)
}

func TestTriggerAuditFailureParksRun(t *testing.T) {
	h := newPipeHarness(t)
	h.audit.failWith(stderrors.New("stream down"))

	run, err := h.pipe.Trigger(context.Background(), pushEvent())
	require.Error(t, err)
	require.NotNil(t, run)

	// The run exists but was never queued; no stage ran and no event
	// went out before the audit landed.
	stored, err := h.runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StageTriggered, stored.Stage)
	assert.Zero(t, h.builder.callCount())
	assert.Zero(t, h.sink.count(events.TypePipelineStage))

	h.audit.failWith(nil)
	_, err = h.pipe.Resume(context.Background(), run.ID)
	require.NoError(t, err)
	h.waitForStage(t, run.ID, StageSucceeded)
}

func TestMidRunAuditFailureHaltsRun(t *testing.T) {
	h := newPipeHarness(t)
	// Trigger, -> building, and -> pushing land. The exit from pushing
	// cannot be recorded, so the run parks there.
	h.audit.failAfter(3, stderrors.New("stream down"))

	run, err := h.pipe.Trigger(context.Background(), pushEvent())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.pusher.callCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// No append, no transition: the run cannot leave pushing while the
	// stream is down.
	stored, err := h.runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StagePushing, stored.Stage)
	assert.Zero(t, h.applier.callCount())

	h.audit.failWith(nil)
	_, err = h.pipe.Resume(context.Background(), run.ID)
	require.NoError(t, err)
	h.waitForStage(t, run.ID, StageSucceeded)

	// The push stage re-ran whole on resume; runner jobs are idempotent
	// per commit.
	assert.Equal(t, 2, h.pusher.callCount())
	assert.Equal(t, 1, h.applier.callCount())
}

func TestTriggerQueueFull(t *testing.T) {
	h := newPipeHarness(t)

	blocker := &blockingBuilder{
		inner:   h.builder,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	pipe, err := New(h.dependencies(blocker),
		WithLogger(h.quiet),
		WithEvents(h.sink),
		WithWorkers(1),
		WithQueueSize(1))
	require.NoError(t, err)
	require.NoError(t, pipe.Start(context.Background()))
	t.Cleanup(func() { _ = pipe.Stop(5 * time.Second) })

	first, err := pipe.Trigger(context.Background(), pushEvent())
	require.NoError(t, err)
	<-blocker.entered

	second, err := pipe.Trigger(context.Background(), pushEvent())
	require.NoError(t, err)

	third, err := pipe.Trigger(context.Background(), pushEvent())
	require.Error(t, err)
	require.NotNil(t, third)
	assert.True(t, stderrors.Is(err, errors.ErrRateLimited))
	assert.True(t, errors.IsTransient(err))

	close(blocker.release)
	h.waitForStage(t, first.ID, StageSucceeded)
	h.waitForStage(t, second.ID, StageSucceeded)

	_, err = pipe.Resume(context.Background(), third.ID)
	require.NoError(t, err)
	h.waitForStage(t, third.ID, StageSucceeded)
}

func TestTriggerUnmappedBranch(t *testing.T) {
	h := newPipeHarness(t)

	event := pushEvent()
	event.Branch = "feature/streaks"
	_, err := h.pipe.Trigger(context.Background(), event)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	runs, err := h.runs.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestResumeGuards(t *testing.T) {
	h := newPipeHarness(t)

	run, err := h.pipe.Trigger(context.Background(), pushEvent())
	require.NoError(t, err)
	h.waitForStage(t, run.ID, StageSucceeded)

	_, err = h.pipe.Resume(context.Background(), run.ID)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition))

	held, err := h.pipe.Trigger(context.Background(), productionPush())
	require.NoError(t, err)
	h.waitForStage(t, held.ID, StageAwaitingApproval)

	_, err = h.pipe.Resume(context.Background(), held.ID)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestResumeAllRequeuesInFlight(t *testing.T) {
	h := newPipeHarness(t)

	inflight := testRun(t, "main")
	require.NoError(t, inflight.Transition(StageBuilding))
	h.runs.add(inflight)

	held := testRun(t, "release/2026.08")
	for _, next := range []Stage{StageBuilding, StagePushing, StageApplying, StageAwaitingApproval} {
		require.NoError(t, held.Transition(next))
	}
	h.runs.add(held)

	done := testRun(t, "main")
	require.NoError(t, done.Transition(StageFailed))
	h.runs.add(done)

	resumed, err := h.pipe.ResumeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	h.waitForStage(t, inflight.ID, StageSucceeded)

	stored, err := h.runs.GetRun(context.Background(), held.ID)
	require.NoError(t, err)
	assert.Equal(t, StageAwaitingApproval, stored.Stage)
}
