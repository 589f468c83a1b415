package healthcheck

import (
	"fmt"
	"sync"
)

// streak tracks consecutive probe outcomes for one service. state is the
// last published state, which is what thresholds are measured against.
type streak struct {
	state     string
	failures  int
	successes int
}

type streakTracker struct {
	mu      sync.Mutex
	streaks map[string]*streak
}

func newStreakTracker() *streakTracker {
	return &streakTracker{streaks: make(map[string]*streak)}
}

// apply folds a probe result into the streak for its service and returns
// the state to publish. An empty message means the caller's default
// message stands.
func (t *streakTracker) apply(res ProbeResult, failureThreshold, successThreshold int) (string, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streaks[res.Service]
	if !ok {
		// First observation publishes directly; thresholds only damp
		// transitions, not discovery.
		s = &streak{state: StateUnhealthy}
		if res.Healthy {
			s.state = StateHealthy
			s.successes = 1
		} else {
			s.failures = 1
		}
		t.streaks[res.Service] = s
		return s.state, ""
	}

	if res.Healthy {
		s.failures = 0
		s.successes++
		if s.state == StateHealthy {
			return s.state, ""
		}
		if s.successes >= successThreshold {
			s.state = StateHealthy
			return s.state, ""
		}
		return s.state, fmt.Sprintf("recovering: %d/%d consecutive successes",
			s.successes, successThreshold)
	}

	s.successes = 0
	s.failures++
	switch {
	case s.state == StateUnhealthy:
		return s.state, ""
	case s.failures >= failureThreshold:
		s.state = StateUnhealthy
		return s.state, fmt.Sprintf("%d consecutive probe failures; last: %s",
			s.failures, res.Reason)
	default:
		s.state = StateDegraded
		return s.state, fmt.Sprintf("probe failed (%d/%d): %s",
			s.failures, failureThreshold, res.Reason)
	}
}

// reconcile drops streaks for services no longer in the target set and
// returns their names so the caller can clean up elsewhere.
func (t *streakTracker) reconcile(targets map[string]string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for name := range t.streaks {
		if _, ok := targets[name]; !ok {
			delete(t.streaks, name)
			removed = append(removed, name)
		}
	}
	return removed
}
