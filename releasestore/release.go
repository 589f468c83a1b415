package releasestore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/natsclient"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// CreateRelease stores a new release. The release must be in a valid
// state (normally pending, from platform.NewRelease) and its ID must be
// unused.
func (s *Store) CreateRelease(ctx context.Context, release *platform.Release) error {
	if release == nil {
		return errors.WrapInvalid(stderrors.New("release cannot be nil"),
			"ReleaseStore", "CreateRelease", "release validation")
	}
	if release.ID == "" {
		return errors.WrapInvalid(stderrors.New("release ID cannot be empty"),
			"ReleaseStore", "CreateRelease", "release validation")
	}
	if !release.State.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidData, "ReleaseStore", "CreateRelease",
			fmt.Sprintf("unknown release state %q", release.State))
	}

	data, err := json.Marshal(release)
	if err != nil {
		return errors.WrapFatal(err, "ReleaseStore", "CreateRelease", "marshal release")
	}

	if _, err := s.releases.Create(ctx, release.ID, data); err != nil {
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(err, "ReleaseStore", "CreateRelease",
				fmt.Sprintf("release %s already exists", release.ID))
		}
		return errors.WrapTransient(err, "ReleaseStore", "CreateRelease", "create in KV")
	}

	s.logger.Info("release created",
		"release", release.ID,
		"environment", release.Environment.String(),
		"services", len(release.Services))
	return nil
}

// GetRelease retrieves a release by ID.
func (s *Store) GetRelease(ctx context.Context, id string) (*platform.Release, error) {
	release, _, err := s.getReleaseWithRevision(ctx, id)
	return release, err
}

func (s *Store) getReleaseWithRevision(ctx context.Context, id string) (*platform.Release, uint64, error) {
	if id == "" {
		return nil, 0, errors.WrapInvalid(stderrors.New("release ID cannot be empty"),
			"ReleaseStore", "GetRelease", "id validation")
	}

	entry, err := s.releases.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, 0, errors.WrapInvalid(errors.ErrReleaseNotFound, "ReleaseStore", "GetRelease",
				fmt.Sprintf("release %s", id))
		}
		return nil, 0, errors.WrapTransient(err, "ReleaseStore", "GetRelease", "get from KV")
	}

	var release platform.Release
	if err := json.Unmarshal(entry.Value, &release); err != nil {
		return nil, 0, errors.WrapFatal(err, "ReleaseStore", "GetRelease", "unmarshal release")
	}

	return &release, entry.Revision, nil
}

// ReleaseAt reconstructs a release as it stood at the given time,
// resolved against the release bucket's revision history. Times before
// the first revision answer with that first revision.
func (s *Store) ReleaseAt(ctx context.Context, id string, at time.Time) (*platform.Release, error) {
	if id == "" {
		return nil, errors.WrapInvalid(stderrors.New("release ID cannot be empty"),
			"ReleaseStore", "ReleaseAt", "id validation")
	}

	entry, err := s.history.GetAtTimestamp(ctx, id, at)
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, errors.WrapInvalid(errors.ErrReleaseNotFound, "ReleaseStore", "ReleaseAt",
				fmt.Sprintf("release %s", id))
		}
		return nil, errors.WrapTransient(err, "ReleaseStore", "ReleaseAt", "read history")
	}

	var release platform.Release
	if err := json.Unmarshal(entry.Value(), &release); err != nil {
		return nil, errors.WrapFatal(err, "ReleaseStore", "ReleaseAt", "unmarshal release")
	}
	return &release, nil
}

// UpdateRelease writes back a release the caller read earlier. The
// stored Version must still equal the caller's; on success the Version
// is incremented. A mismatch, or a concurrent write landing between
// read and write, returns ErrVersionConflict. Callers re-read and
// re-decide; the store never retries transitions blindly.
func (s *Store) UpdateRelease(ctx context.Context, release *platform.Release) error {
	if release == nil {
		return errors.WrapInvalid(stderrors.New("release cannot be nil"),
			"ReleaseStore", "UpdateRelease", "release validation")
	}

	current, revision, err := s.getReleaseWithRevision(ctx, release.ID)
	if err != nil {
		return err
	}

	if current.Version != release.Version {
		return errors.WrapInvalid(errors.ErrVersionConflict, "ReleaseStore", "UpdateRelease",
			fmt.Sprintf("release %s: stored version %d, caller has %d",
				release.ID, current.Version, release.Version))
	}

	release.Version++
	release.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(release)
	if err != nil {
		return errors.WrapFatal(err, "ReleaseStore", "UpdateRelease", "marshal release")
	}

	if _, err := s.releases.Update(ctx, release.ID, data, revision); err != nil {
		// A writer landed between our read and write. Roll the local
		// counter back so the caller's copy matches what it read.
		release.Version--
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(errors.ErrVersionConflict, "ReleaseStore", "UpdateRelease",
				fmt.Sprintf("release %s: concurrent write", release.ID))
		}
		return errors.WrapTransient(err, "ReleaseStore", "UpdateRelease", "update in KV")
	}

	return nil
}

// TransitionRelease moves a release to the next state, enforcing the
// state machine, and applies mutate (if non-nil) before writing. The
// mutate hook is where approval records and failure messages get
// attached. Returns the stored release.
func (s *Store) TransitionRelease(ctx context.Context, id string, next platform.ReleaseState,
	mutate func(*platform.Release)) (*platform.Release, error) {

	release, err := s.GetRelease(ctx, id)
	if err != nil {
		return nil, err
	}

	from := release.State
	if err := release.Transition(next); err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(release)
	}

	if err := s.UpdateRelease(ctx, release); err != nil {
		return nil, err
	}

	s.logger.Info("release transitioned",
		"release", release.ID,
		"environment", release.Environment.String(),
		"from", from.String(),
		"to", next.String())
	return release, nil
}

// ListReleases retrieves all releases, newest first.
func (s *Store) ListReleases(ctx context.Context) ([]*platform.Release, error) {
	keys, err := s.releases.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "ReleaseStore", "ListReleases", "list KV keys")
	}

	releases := make([]*platform.Release, 0, len(keys))
	for _, key := range keys {
		release, err := s.GetRelease(ctx, key)
		if err != nil {
			if stderrors.Is(err, errors.ErrReleaseNotFound) {
				continue
			}
			return nil, errors.WrapTransient(err, "ReleaseStore", "ListReleases",
				fmt.Sprintf("get release %s", key))
		}
		releases = append(releases, release)
	}

	sort.Slice(releases, func(i, j int) bool {
		if releases[i].CreatedAt.Equal(releases[j].CreatedAt) {
			return releases[i].ID < releases[j].ID
		}
		return releases[i].CreatedAt.After(releases[j].CreatedAt)
	})

	return releases, nil
}

// ListReleasesByState retrieves releases in any of the given states,
// newest first. The approval queue is ListReleasesByState(ctx,
// awaiting_approval).
func (s *Store) ListReleasesByState(ctx context.Context, states ...platform.ReleaseState) ([]*platform.Release, error) {
	if len(states) == 0 {
		return s.ListReleases(ctx)
	}

	want := make(map[platform.ReleaseState]bool, len(states))
	for _, state := range states {
		if !state.Valid() {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "ReleaseStore", "ListReleasesByState",
				fmt.Sprintf("unknown release state %q", state))
		}
		want[state] = true
	}

	releases, err := s.ListReleases(ctx)
	if err != nil {
		return nil, err
	}

	filtered := releases[:0]
	for _, release := range releases {
		if want[release.State] {
			filtered = append(filtered, release)
		}
	}

	return filtered, nil
}
