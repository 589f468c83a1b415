package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubConstructor(*Dependencies) (Service, error) {
	return NewBaseService("stub", WithHealthInterval(0)), nil
}

func TestRegistryRegister(t *testing.T) {
	r := NewServiceRegistry()

	require.NoError(t, r.Register("alpha", stubConstructor))

	assert.Error(t, r.Register("alpha", stubConstructor), "duplicate must be rejected")
	assert.Error(t, r.Register("", stubConstructor))
	assert.Error(t, r.Register("beta", nil))

	ctor, ok := r.Constructor("alpha")
	require.True(t, ok)
	require.NotNil(t, ctor)

	_, ok = r.Constructor("missing")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"alpha"}, r.Services())
	assert.Len(t, r.Constructors(), 1)
}

func TestRegisterAll(t *testing.T) {
	r := NewServiceRegistry()
	require.NoError(t, RegisterAll(r))

	for _, name := range []string{
		"metrics", "service-registry", "health-checker", "event-stream",
		"orchestrator", "pipeline", "notifier", "gateway",
	} {
		_, ok := r.Constructor(name)
		assert.True(t, ok, name)
	}

	// A second registration collides with the built-ins.
	assert.Error(t, RegisterAll(r))
}
