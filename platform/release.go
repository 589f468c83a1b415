package platform

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Peleke/MindMirror-sub002/errors"
)

// ReleaseState is the lifecycle state of a release.
type ReleaseState string

// Release lifecycle. Production releases pass through
// awaiting_approval; other environments go straight from deploying to
// deployed.
const (
	ReleasePending          ReleaseState = "pending"
	ReleaseDeploying        ReleaseState = "deploying"
	ReleaseAwaitingApproval ReleaseState = "awaiting_approval"
	ReleasePromoting        ReleaseState = "promoting"
	ReleaseDeployed         ReleaseState = "deployed"
	ReleaseFailed           ReleaseState = "failed"
	ReleaseRolledBack       ReleaseState = "rolled_back"
)

var releaseTransitions = map[ReleaseState][]ReleaseState{
	ReleasePending:          {ReleaseDeploying, ReleaseFailed},
	ReleaseDeploying:        {ReleaseAwaitingApproval, ReleasePromoting, ReleaseDeployed, ReleaseFailed},
	ReleaseAwaitingApproval: {ReleasePromoting, ReleaseFailed},
	ReleasePromoting:        {ReleaseDeployed, ReleaseFailed},
	ReleaseDeployed:         {ReleaseRolledBack},
	ReleaseFailed:           {ReleaseRolledBack},
	ReleaseRolledBack:       {},
}

// CanTransitionTo reports whether the state machine permits moving to
// next.
func (s ReleaseState) CanTransitionTo(next ReleaseState) bool {
	for _, allowed := range releaseTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s ReleaseState) Terminal() bool {
	return len(releaseTransitions[s]) == 0
}

// Valid reports whether s is a known release state.
func (s ReleaseState) Valid() bool {
	_, ok := releaseTransitions[s]
	return ok
}

// String implements fmt.Stringer.
func (s ReleaseState) String() string {
	return string(s)
}

// ServiceVersion pins one service to an image for a release.
type ServiceVersion struct {
	Name   string `json:"name"`
	Image  string `json:"image"`
	Tag    string `json:"tag"`
	GitSHA string `json:"git_sha,omitempty"`
}

// ApprovalDecision is an operator's verdict on a gated release.
type ApprovalDecision string

// Approval decisions.
const (
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalDenied   ApprovalDecision = "denied"
)

// Approval records the manual gate decision for a production release.
type Approval struct {
	Approver  string           `json:"approver"`
	Decision  ApprovalDecision `json:"decision"`
	Reason    string           `json:"reason,omitempty"`
	DecidedAt time.Time        `json:"decided_at"`
}

// Release is an immutable set of service versions moving through the
// deploy lifecycle together. Services in a release deploy in phase one;
// the gateway rebuild that consumes their URLs is phase two.
type Release struct {
	ID          string           `json:"id"`
	Environment Environment      `json:"environment"`
	Services    []ServiceVersion `json:"services"`
	State       ReleaseState     `json:"state"`

	// Version is the optimistic concurrency counter. Every store write
	// compares then increments it; a mismatch means a concurrent writer
	// won.
	Version uint64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Approval  *Approval `json:"approval,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewRelease creates a pending release for the given environment.
func NewRelease(env Environment, services []ServiceVersion) (*Release, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Release", "NewRelease",
			"release must contain at least one service")
	}
	seen := make(map[string]bool, len(services))
	for _, sv := range services {
		if sv.Name == "" || sv.Image == "" {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Release", "NewRelease",
				fmt.Sprintf("service version %q must name a service and an image", sv.Name))
		}
		if seen[sv.Name] {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Release", "NewRelease",
				fmt.Sprintf("service %s appears twice in release", sv.Name))
		}
		seen[sv.Name] = true
	}

	now := time.Now().UTC()
	return &Release{
		ID:          uuid.NewString(),
		Environment: env,
		Services:    services,
		State:       ReleasePending,
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Transition moves the release to next, enforcing the state machine.
func (r *Release) Transition(next ReleaseState) error {
	if !next.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidTransition, "Release", "Transition",
			fmt.Sprintf("unknown state %q", string(next)))
	}
	if !r.State.CanTransitionTo(next) {
		return errors.WrapInvalid(errors.ErrInvalidTransition, "Release", "Transition",
			fmt.Sprintf("release %s: %s -> %s", r.ID, r.State, next))
	}
	r.State = next
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// ServiceVersionFor returns the pinned version for a service name.
func (r *Release) ServiceVersionFor(name string) (ServiceVersion, bool) {
	for _, sv := range r.Services {
		if sv.Name == name {
			return sv, true
		}
	}
	return ServiceVersion{}, false
}

// DeploymentState is the lifecycle state of one service's deploy within
// a release.
type DeploymentState string

// Deployment lifecycle.
const (
	DeploymentPending    DeploymentState = "pending"
	DeploymentDeploying  DeploymentState = "deploying"
	DeploymentHealthy    DeploymentState = "healthy"
	DeploymentFailed     DeploymentState = "failed"
	DeploymentRolledBack DeploymentState = "rolled_back"
)

var deploymentTransitions = map[DeploymentState][]DeploymentState{
	DeploymentPending:    {DeploymentDeploying, DeploymentFailed},
	DeploymentDeploying:  {DeploymentHealthy, DeploymentFailed},
	DeploymentHealthy:    {DeploymentRolledBack},
	DeploymentFailed:     {DeploymentRolledBack},
	DeploymentRolledBack: {},
}

// CanTransitionTo reports whether the deployment state machine permits
// moving to next.
func (s DeploymentState) CanTransitionTo(next DeploymentState) bool {
	for _, allowed := range deploymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (s DeploymentState) String() string {
	return string(s)
}

// Deployment records one service's deploy within a release.
type Deployment struct {
	ReleaseID   string          `json:"release_id"`
	Service     string          `json:"service"`
	Environment Environment     `json:"environment"`
	State       DeploymentState `json:"state"`
	URL         string          `json:"url,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Key returns the store key for this deployment record.
func (d Deployment) Key() string {
	return d.ReleaseID + "." + d.Service
}

// Transition moves the deployment to next, enforcing the state machine,
// and stamps FinishedAt on terminal states.
func (d *Deployment) Transition(next DeploymentState) error {
	if !d.State.CanTransitionTo(next) {
		return errors.WrapInvalid(errors.ErrInvalidTransition, "Deployment", "Transition",
			fmt.Sprintf("deployment %s: %s -> %s", d.Key(), d.State, next))
	}
	d.State = next
	if len(deploymentTransitions[next]) == 0 || next == DeploymentHealthy {
		now := time.Now().UTC()
		d.FinishedAt = &now
	}
	return nil
}
