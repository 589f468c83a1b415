package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// PushEvent is a git push arriving from a forge webhook or the
// sway.pipeline.push subject.
type PushEvent struct {
	Repo      string       `json:"repo"`
	Branch    string       `json:"branch"`
	Commit    string       `json:"commit"`
	Tag       string       `json:"tag,omitempty"`
	Author    string       `json:"author,omitempty"`
	Message   string       `json:"message,omitempty"`
	Timestamp time.Time    `json:"timestamp,omitempty"`
	Auth      *AuthContext `json:"auth,omitempty"`
}

// AuthContext is the workload identity a push authenticated with.
// Metadata only; the token itself is never stored.
type AuthContext struct {
	Subject string `json:"subject"`
	Issuer  string `json:"issuer,omitempty"`
}

// MapBranch maps a push to the environment it deploys. Tagged pushes
// and release/* branches target production, main targets staging.
// Everything else is ignored; dev never deploys through the pipeline.
func MapBranch(event PushEvent) (platform.Environment, bool) {
	if event.Tag != "" {
		return platform.EnvProduction, true
	}
	switch {
	case event.Branch == "main":
		return platform.EnvStaging, true
	case strings.HasPrefix(event.Branch, "release/"):
		return platform.EnvProduction, true
	}
	return "", false
}

// Stage is the lifecycle stage of a pipeline run.
type Stage string

// Run lifecycle. Production runs hold at awaiting_approval between
// applying and deploying; staging skips straight to deploying.
const (
	StageTriggered        Stage = "triggered"
	StageBuilding         Stage = "building"
	StagePushing          Stage = "pushing"
	StageApplying         Stage = "applying"
	StageAwaitingApproval Stage = "awaiting_approval"
	StageDeploying        Stage = "deploying"
	StageVerifying        Stage = "verifying"
	StageSucceeded        Stage = "succeeded"
	StageFailed           Stage = "failed"
)

var stageTransitions = map[Stage][]Stage{
	StageTriggered:        {StageBuilding, StageFailed},
	StageBuilding:         {StagePushing, StageFailed},
	StagePushing:          {StageApplying, StageFailed},
	StageApplying:         {StageAwaitingApproval, StageDeploying, StageFailed},
	StageAwaitingApproval: {StageDeploying, StageFailed},
	StageDeploying:        {StageVerifying, StageFailed},
	StageVerifying:        {StageSucceeded, StageFailed},
	StageSucceeded:        {},
	StageFailed:           {},
}

// CanTransitionTo reports whether the stage machine permits moving to
// next.
func (s Stage) CanTransitionTo(next Stage) bool {
	for _, allowed := range stageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return len(stageTransitions[s]) == 0
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageTransitions[s]
	return ok
}

// String implements fmt.Stringer.
func (s Stage) String() string {
	return string(s)
}

// RunApproval records the manual gate decision for a production run.
// Each decision gets its own ID; audit entries name it.
type RunApproval struct {
	ID        string                    `json:"id"`
	Approver  string                    `json:"approver"`
	Decision  platform.ApprovalDecision `json:"decision"`
	Reason    string                    `json:"reason,omitempty"`
	DecidedAt time.Time                 `json:"decided_at"`
}

// Run is one pass through the GitOps loop: a push moving from build
// through apply to a verified deployment.
type Run struct {
	ID          string               `json:"id"`
	Repo        string               `json:"repo"`
	Branch      string               `json:"branch"`
	Commit      string               `json:"commit"`
	Tag         string               `json:"tag,omitempty"`
	Author      string               `json:"author,omitempty"`
	Environment platform.Environment `json:"environment"`
	Stage       Stage                `json:"stage"`

	// Versions are the images the building stage produced. The release
	// created in the deploying stage pins exactly these.
	Versions []platform.ServiceVersion `json:"versions,omitempty"`

	ReleaseID string       `json:"release_id,omitempty"`
	Approval  *RunApproval `json:"approval,omitempty"`
	Auth      *AuthContext `json:"auth,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// NewRun creates a triggered run for a push. The push must map to an
// environment; ignored branches never produce runs.
func NewRun(event PushEvent) (*Run, error) {
	if event.Repo == "" || event.Branch == "" || event.Commit == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Pipeline", "NewRun",
			"push event must carry repo, branch, and commit")
	}
	env, ok := MapBranch(event)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Pipeline", "NewRun",
			fmt.Sprintf("branch %q does not map to an environment", event.Branch))
	}

	now := time.Now().UTC()
	return &Run{
		ID:          uuid.NewString(),
		Repo:        event.Repo,
		Branch:      event.Branch,
		Commit:      event.Commit,
		Tag:         event.Tag,
		Author:      event.Author,
		Environment: env,
		Stage:       StageTriggered,
		Auth:        event.Auth,
		StartedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Transition moves the run to next, enforcing the stage machine, and
// stamps FinishedAt on terminal stages.
func (r *Run) Transition(next Stage) error {
	if !next.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidTransition, "Run", "Transition",
			fmt.Sprintf("unknown stage %q", string(next)))
	}
	if !r.Stage.CanTransitionTo(next) {
		return errors.WrapInvalid(errors.ErrInvalidTransition, "Run", "Transition",
			fmt.Sprintf("run %s: %s -> %s", r.ID, r.Stage, next))
	}
	r.Stage = next
	r.UpdatedAt = time.Now().UTC()
	if next.Terminal() {
		finished := r.UpdatedAt
		r.FinishedAt = &finished
	}
	return nil
}

// Approved reports whether the run carries an approved gate decision.
func (r *Run) Approved() bool {
	return r.Approval != nil && r.Approval.Decision == platform.ApprovalApproved
}

// Gated reports whether the run still needs an approval before it may
// deploy.
func (r *Run) Gated() bool {
	return r.Environment.RequiresApproval() && !r.Approved()
}
