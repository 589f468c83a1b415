package releasestore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/natsclient"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// deploymentKey builds the releaseID.service store key.
func deploymentKey(releaseID, service string) string {
	return releaseID + "." + service
}

// CreateDeployment stores a new deployment record. The orchestrator
// creates one per service when a release starts deploying.
func (s *Store) CreateDeployment(ctx context.Context, d *platform.Deployment) error {
	if d == nil {
		return errors.WrapInvalid(stderrors.New("deployment cannot be nil"),
			"ReleaseStore", "CreateDeployment", "deployment validation")
	}
	if d.ReleaseID == "" || d.Service == "" {
		return errors.WrapInvalid(stderrors.New("deployment must name a release and a service"),
			"ReleaseStore", "CreateDeployment", "deployment validation")
	}

	data, err := json.Marshal(d)
	if err != nil {
		return errors.WrapFatal(err, "ReleaseStore", "CreateDeployment", "marshal deployment")
	}

	if _, err := s.deployments.Create(ctx, d.Key(), data); err != nil {
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(err, "ReleaseStore", "CreateDeployment",
				fmt.Sprintf("deployment %s already exists", d.Key()))
		}
		return errors.WrapTransient(err, "ReleaseStore", "CreateDeployment", "create in KV")
	}

	return nil
}

// GetDeployment retrieves one service's deployment record for a
// release.
func (s *Store) GetDeployment(ctx context.Context, releaseID, service string) (*platform.Deployment, error) {
	if releaseID == "" || service == "" {
		return nil, errors.WrapInvalid(stderrors.New("release ID and service cannot be empty"),
			"ReleaseStore", "GetDeployment", "key validation")
	}

	key := deploymentKey(releaseID, service)
	entry, err := s.deployments.Get(ctx, key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "ReleaseStore", "GetDeployment",
				fmt.Sprintf("deployment %s", key))
		}
		return nil, errors.WrapTransient(err, "ReleaseStore", "GetDeployment", "get from KV")
	}

	var d platform.Deployment
	if err := json.Unmarshal(entry.Value, &d); err != nil {
		return nil, errors.WrapFatal(err, "ReleaseStore", "GetDeployment", "unmarshal deployment")
	}

	return &d, nil
}

// TransitionDeployment moves a deployment to the next state under a CAS
// loop: KV conflicts retry with fresh state, state machine violations
// abort. The mutate hook (if non-nil) runs after the transition and is
// where URLs and failure messages get attached. Returns the stored
// record.
func (s *Store) TransitionDeployment(ctx context.Context, releaseID, service string,
	next platform.DeploymentState, mutate func(*platform.Deployment)) (*platform.Deployment, error) {

	if releaseID == "" || service == "" {
		return nil, errors.WrapInvalid(stderrors.New("release ID and service cannot be empty"),
			"ReleaseStore", "TransitionDeployment", "key validation")
	}

	key := deploymentKey(releaseID, service)
	var stored platform.Deployment

	err := s.deployments.UpdateWithRetry(ctx, key, func(current []byte) ([]byte, error) {
		if len(current) == 0 {
			return nil, fmt.Errorf("%w: deployment %s", errors.ErrKeyNotFound, key)
		}

		var d platform.Deployment
		if err := json.Unmarshal(current, &d); err != nil {
			return nil, fmt.Errorf("unmarshal deployment: %w", err)
		}

		if err := d.Transition(next); err != nil {
			return nil, err
		}
		if mutate != nil {
			mutate(&d)
		}

		stored = d
		return json.Marshal(d)
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "ReleaseStore", "TransitionDeployment",
				fmt.Sprintf("deployment %s", key))
		}
		if errors.IsInvalid(err) {
			// State machine violation from the closure.
			return nil, err
		}
		return nil, errors.WrapTransient(err, "ReleaseStore", "TransitionDeployment", "update in KV")
	}

	s.logger.Debug("deployment transitioned",
		"release", releaseID, "service", service, "to", next.String())
	return &stored, nil
}

// ListDeployments retrieves all deployment records for a release,
// sorted by service name.
func (s *Store) ListDeployments(ctx context.Context, releaseID string) ([]*platform.Deployment, error) {
	if releaseID == "" {
		return nil, errors.WrapInvalid(stderrors.New("release ID cannot be empty"),
			"ReleaseStore", "ListDeployments", "id validation")
	}

	keys, err := s.deployments.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "ReleaseStore", "ListDeployments", "list KV keys")
	}

	prefix := releaseID + "."
	deployments := make([]*platform.Deployment, 0, 8)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		service := strings.TrimPrefix(key, prefix)
		d, err := s.GetDeployment(ctx, releaseID, service)
		if err != nil {
			if stderrors.Is(err, errors.ErrKeyNotFound) {
				continue
			}
			return nil, errors.WrapTransient(err, "ReleaseStore", "ListDeployments",
				fmt.Sprintf("get deployment %s", key))
		}
		deployments = append(deployments, d)
	}

	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].Service < deployments[j].Service
	})

	return deployments, nil
}
