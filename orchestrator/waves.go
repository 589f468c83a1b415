package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// Waves orders a release's services into deploy waves: every service
// lands after the in-release services it depends on. Dependencies on
// services outside the release are assumed already running and order
// nothing. Waves and their members are sorted by name, so the same
// release always deploys the same way.
func Waves(services []platform.ServiceVersion, specs map[string]platform.ServiceSpec) ([][]platform.ServiceVersion, error) {
	inRelease := make(map[string]platform.ServiceVersion, len(services))
	for _, sv := range services {
		inRelease[sv.Name] = sv
	}

	remaining := make(map[string]map[string]bool, len(services))
	for _, sv := range services {
		deps := make(map[string]bool)
		for _, dep := range specs[sv.Name].DependsOn {
			if _, ok := inRelease[dep]; ok {
				deps[dep] = true
			}
		}
		remaining[sv.Name] = deps
	}

	waves := make([][]platform.ServiceVersion, 0, 2)
	for len(remaining) > 0 {
		ready := make([]string, 0, len(remaining))
		for name, deps := range remaining {
			if len(deps) == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			stuck := make([]string, 0, len(remaining))
			for name := range remaining {
				stuck = append(stuck, name)
			}
			sort.Strings(stuck)
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: circular dependency among services: %s",
					errors.ErrInvalidConfig, strings.Join(stuck, ", ")),
				"Orchestrator", "Waves", "dependency ordering")
		}
		sort.Strings(ready)

		wave := make([]platform.ServiceVersion, 0, len(ready))
		for _, name := range ready {
			wave = append(wave, inRelease[name])
			delete(remaining, name)
		}
		for _, deps := range remaining {
			for _, name := range ready {
				delete(deps, name)
			}
		}
		waves = append(waves, wave)
	}
	return waves, nil
}
