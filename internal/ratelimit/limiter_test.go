package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowStopsAtCapacityWithoutRefill(t *testing.T) {
	l := New(true, map[Scope]Setting{
		ScopeTunnel: {Capacity: 2, RefillPerSec: 0},
	})

	assert.True(t, l.Allow(ScopeTunnel, "client-1"))
	assert.True(t, l.Allow(ScopeTunnel, "client-1"))
	assert.False(t, l.Allow(ScopeTunnel, "client-1"))
}

func TestAllowIsPerKey(t *testing.T) {
	l := New(true, map[Scope]Setting{
		ScopeTunnel: {Capacity: 1, RefillPerSec: 0},
	})

	assert.True(t, l.Allow(ScopeTunnel, "client-1"))
	assert.True(t, l.Allow(ScopeTunnel, "client-2"))
	assert.False(t, l.Allow(ScopeTunnel, "client-1"))
}

func TestDisabledLimiterAlwaysAllows(t *testing.T) {
	l := New(false, nil)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(ScopeRequest, "tunnel-1"))
	}
}
