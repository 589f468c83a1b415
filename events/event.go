package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// Type identifies what happened. Types double as NATS subject suffixes.
type Type string

// Event types.
const (
	TypeReleaseCreated      Type = "release.created"
	TypeReleaseStateChanged Type = "release.state_changed"
	TypeDeployStarted       Type = "deploy.started"
	TypeServiceDeployed     Type = "deploy.service_deployed"
	TypeDeploySucceeded     Type = "deploy.succeeded"
	TypeDeployFailed        Type = "deploy.failed"
	TypeRolledBack          Type = "deploy.rolled_back"
	TypeSupergraphUpdated   Type = "supergraph.updated"
	TypeCompositionFailed   Type = "supergraph.composition_failed"
	TypePipelineStage       Type = "pipeline.stage_changed"
	TypeApprovalRequested   Type = "approval.requested"
	TypeApprovalDecided     Type = "approval.decided"
	TypeHealthChanged       Type = "health.changed"
)

// NATS subjects.
const (
	SubjectPrefix   = "sway.events."
	SubjectWildcard = "sway.events.>"
)

// SubjectFor returns the NATS subject an event type is published under.
func SubjectFor(t Type) string {
	return SubjectPrefix + string(t)
}

// Event is the envelope every platform event travels in.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Source    string          `json:"source,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New wraps a payload in an event envelope.
func New(eventType Type, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidData, err),
			"Event", "New", "marshal payload")
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// ReleaseEventData describes a release transition.
type ReleaseEventData struct {
	ReleaseID   string                `json:"release_id"`
	Environment platform.Environment  `json:"environment"`
	From        platform.ReleaseState `json:"from,omitempty"`
	State       platform.ReleaseState `json:"state"`
	Services    []string              `json:"services,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// NewReleaseCreated announces a fresh release record.
func NewReleaseCreated(release *platform.Release) (Event, error) {
	services := make([]string, 0, len(release.Services))
	for _, sv := range release.Services {
		services = append(services, sv.Name)
	}
	return New(TypeReleaseCreated, ReleaseEventData{
		ReleaseID:   release.ID,
		Environment: release.Environment,
		State:       release.State,
		Services:    services,
	})
}

// NewReleaseStateChanged announces a release moving between states.
func NewReleaseStateChanged(release *platform.Release, from platform.ReleaseState) (Event, error) {
	return New(TypeReleaseStateChanged, ReleaseEventData{
		ReleaseID:   release.ID,
		Environment: release.Environment,
		From:        from,
		State:       release.State,
		Error:       release.Error,
	})
}

// DeployEventData describes deploy progress for a release.
type DeployEventData struct {
	ReleaseID   string               `json:"release_id"`
	Environment platform.Environment `json:"environment"`
	Service     string               `json:"service,omitempty"`
	URL         string               `json:"url,omitempty"`
	Wave        int                  `json:"wave,omitempty"`
	Reason      string               `json:"reason,omitempty"`
}

// NewDeployStarted announces phase one beginning.
func NewDeployStarted(releaseID string, env platform.Environment) (Event, error) {
	return New(TypeDeployStarted, DeployEventData{ReleaseID: releaseID, Environment: env})
}

// NewServiceDeployed announces one service landing at its URL.
func NewServiceDeployed(releaseID string, env platform.Environment, service, url string, wave int) (Event, error) {
	return New(TypeServiceDeployed, DeployEventData{
		ReleaseID:   releaseID,
		Environment: env,
		Service:     service,
		URL:         url,
		Wave:        wave,
	})
}

// NewDeploySucceeded announces a fully verified deploy.
func NewDeploySucceeded(releaseID string, env platform.Environment) (Event, error) {
	return New(TypeDeploySucceeded, DeployEventData{ReleaseID: releaseID, Environment: env})
}

// NewDeployFailed announces a deploy giving up. The reason is already
// sanitized by the caller.
func NewDeployFailed(releaseID string, env platform.Environment, reason string) (Event, error) {
	return New(TypeDeployFailed, DeployEventData{
		ReleaseID:   releaseID,
		Environment: env,
		Reason:      reason,
	})
}

// NewRolledBack announces an environment re-pointed at a prior release.
func NewRolledBack(releaseID string, env platform.Environment, reason string) (Event, error) {
	return New(TypeRolledBack, DeployEventData{
		ReleaseID:   releaseID,
		Environment: env,
		Reason:      reason,
	})
}

// SupergraphEventData describes a composition result.
type SupergraphEventData struct {
	Environment platform.Environment `json:"environment"`
	Hash        string               `json:"hash,omitempty"`
	ReleaseID   string               `json:"release_id,omitempty"`
	Fields      int                  `json:"fields,omitempty"`
	Reason      string               `json:"reason,omitempty"`
}

// NewSupergraphUpdated announces a new current supergraph. The gateway
// reloads on this event.
func NewSupergraphUpdated(env platform.Environment, hash, releaseID string, fields int) (Event, error) {
	return New(TypeSupergraphUpdated, SupergraphEventData{
		Environment: env,
		Hash:        hash,
		ReleaseID:   releaseID,
		Fields:      fields,
	})
}

// NewCompositionFailed announces a composition that was refused. The
// previous supergraph stays current.
func NewCompositionFailed(env platform.Environment, releaseID, reason string) (Event, error) {
	return New(TypeCompositionFailed, SupergraphEventData{
		Environment: env,
		ReleaseID:   releaseID,
		Reason:      reason,
	})
}

// PipelineEventData describes a pipeline run stage change.
type PipelineEventData struct {
	RunID       string               `json:"run_id"`
	Environment platform.Environment `json:"environment"`
	Branch      string               `json:"branch,omitempty"`
	Commit      string               `json:"commit,omitempty"`
	From        string               `json:"from,omitempty"`
	Stage       string               `json:"stage"`
	Error       string               `json:"error,omitempty"`
}

// NewPipelineStage announces a run moving between stages.
func NewPipelineStage(runID string, env platform.Environment, branch, commit, from, stage, errMsg string) (Event, error) {
	return New(TypePipelineStage, PipelineEventData{
		RunID:       runID,
		Environment: env,
		Branch:      branch,
		Commit:      commit,
		From:        from,
		Stage:       stage,
		Error:       errMsg,
	})
}

// ApprovalEventData describes an approval gate.
type ApprovalEventData struct {
	RunID       string               `json:"run_id,omitempty"`
	ReleaseID   string               `json:"release_id,omitempty"`
	Environment platform.Environment `json:"environment"`
	Approver    string               `json:"approver,omitempty"`
	Approved    bool                 `json:"approved,omitempty"`
	Reason      string               `json:"reason,omitempty"`
}

// NewApprovalRequested announces a run waiting at the approval gate.
// Notifiers forward this one to humans.
func NewApprovalRequested(runID, releaseID string, env platform.Environment) (Event, error) {
	return New(TypeApprovalRequested, ApprovalEventData{
		RunID:       runID,
		ReleaseID:   releaseID,
		Environment: env,
	})
}

// NewApprovalDecided announces an approval or rejection.
func NewApprovalDecided(runID, releaseID string, env platform.Environment, approver string, approved bool, reason string) (Event, error) {
	return New(TypeApprovalDecided, ApprovalEventData{
		RunID:       runID,
		ReleaseID:   releaseID,
		Environment: env,
		Approver:    approver,
		Approved:    approved,
		Reason:      reason,
	})
}

// HealthEventData describes a service health flip.
type HealthEventData struct {
	Service     string               `json:"service"`
	Environment platform.Environment `json:"environment"`
	Healthy     bool                 `json:"healthy"`
	Reason      string               `json:"reason,omitempty"`
}

// NewHealthChanged announces a service crossing the healthy boundary.
func NewHealthChanged(service string, env platform.Environment, healthy bool, reason string) (Event, error) {
	return New(TypeHealthChanged, HealthEventData{
		Service:     service,
		Environment: env,
		Healthy:     healthy,
		Reason:      reason,
	})
}
