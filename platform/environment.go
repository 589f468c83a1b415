package platform

import (
	"fmt"

	"github.com/Peleke/MindMirror-sub002/errors"
)

// Environment identifies a deployment target.
type Environment string

// Known environments.
const (
	EnvDev        Environment = "dev"
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
)

// Environments returns all known environments in promotion order.
func Environments() []Environment {
	return []Environment{EnvDev, EnvStaging, EnvProduction}
}

// ParseEnvironment converts a string to a known Environment.
func ParseEnvironment(s string) (Environment, error) {
	env := Environment(s)
	if err := env.Validate(); err != nil {
		return "", err
	}
	return env, nil
}

// Validate checks that the environment is one of the known targets.
func (e Environment) Validate() error {
	switch e {
	case EnvDev, EnvStaging, EnvProduction:
		return nil
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Environment", "Validate",
			fmt.Sprintf("unknown environment %q", string(e)))
	}
}

// RequiresApproval reports whether deploys to this environment stop at
// a manual approval gate before promotion.
func (e Environment) RequiresApproval() bool {
	return e == EnvProduction
}

// String implements fmt.Stringer.
func (e Environment) String() string {
	return string(e)
}
