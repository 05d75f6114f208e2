package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPPortPoolAllocateAndRelease(t *testing.T) {
	pool := NewTCPPortPool(20000, 20001)
	pool.Ingress = &TCPIngress{}

	p1, err := pool.Allocate("t1")
	require.NoError(t, err)
	assert.Contains(t, []int{20000, 20001}, p1)

	p2, err := pool.Allocate("t2")
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)

	_, err = pool.Allocate("t3")
	assert.Error(t, err, "pool of size 2 is exhausted after two allocations")

	pool.Release(p1)
	p3, err := pool.Allocate("t4")
	require.NoError(t, err)
	assert.Equal(t, p1, p3, "released port is reused")

	pool.Release(p2)
	pool.Release(p3)
}
