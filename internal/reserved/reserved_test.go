package reserved

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSetContainsSeeds(t *testing.T) {
	s := New()
	assert.True(t, s.Contains("admin"))
	assert.True(t, s.Contains("API")) // case-insensitive
	assert.False(t, s.Contains("myapp"))
}

func TestAddAndRemove(t *testing.T) {
	s := New()
	s.Add("acme", "customer request")
	assert.True(t, s.Contains("acme"))

	require.NoError(t, s.Remove("acme"))
	assert.False(t, s.Contains("acme"))
}

func TestRemoveDefaultEntryFails(t *testing.T) {
	s := New()
	err := s.Remove("admin")
	assert.ErrorIs(t, err, ErrDefaultEntry)
	assert.True(t, s.Contains("admin"))
}

func TestRefreshReplacesSnapshotAtomically(t *testing.T) {
	s := New()
	s.Add("acme", "reserved earlier")

	s.Refresh(map[string]string{"acme": "still reserved"})
	assert.True(t, s.Contains("acme"))
	assert.True(t, s.Contains("admin")) // defaults survive refresh
}
