package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResourceArithmetic(t *testing.T) {
	a := Resource{Memory: 2048, Cores: 1.5}
	b := Resource{Memory: 1024, Cores: 0.5}

	assert.Equal(t, Resource{Memory: 3072, Cores: 2.0}, a.Add(b))
	assert.Equal(t, Resource{Memory: 1024, Cores: 1.0}, a.Subtract(b))
	assert.True(t, Resource{}.IsEmpty())
	assert.False(t, a.IsEmpty())
}

func TestResourceFitsIn(t *testing.T) {
	limit := Resource{Memory: 4096, Cores: 2}

	assert.True(t, Resource{Memory: 4096, Cores: 2}.FitsIn(limit))
	assert.True(t, Resource{Memory: 1024, Cores: 0.5}.FitsIn(limit))
	assert.False(t, Resource{Memory: 4097, Cores: 1}.FitsIn(limit))
	assert.False(t, Resource{Memory: 1024, Cores: 2.5}.FitsIn(limit))
}

func TestStateClassification(t *testing.T) {
	activeStates := []string{
		ExecutionStateSubmitted,
		ExecutionStateScheduled,
		ExecutionStateStarting,
		ExecutionStateRunning,
		ExecutionStateTerminating,
	}
	for _, state := range activeStates {
		assert.True(t, IsActiveState(state), "state %s should be active", state)
		assert.False(t, IsTerminalState(state), "state %s should not be terminal", state)
	}

	terminalStates := []string{ExecutionStateTerminated, ExecutionStateError}
	for _, state := range terminalStates {
		assert.True(t, IsTerminalState(state), "state %s should be terminal", state)
		assert.False(t, IsActiveState(state), "state %s should not be active", state)
	}

	assert.False(t, IsActiveState("UNKNOWN"))
	assert.False(t, IsTerminalState("UNKNOWN"))
}
