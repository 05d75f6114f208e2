package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilteredRequestsMatchesSubdomain(t *testing.T) {
	m := NewModel()
	m.requests = []RequestItem{
		{ID: "1", Subdomain: "api", Method: "GET", Path: "/x"},
		{ID: "2", Subdomain: "web", Method: "GET", Path: "/y"},
	}
	m.filterInput = "api"
	filtered := m.filteredRequests()
	require.Len(t, filtered, 1)
	assert.Equal(t, "1", filtered[0].ID)
}

func TestActiveTunnelsDedupesSubdomains(t *testing.T) {
	m := NewModel()
	m.requests = []RequestItem{
		{ID: "1", Subdomain: "api"},
		{ID: "2", Subdomain: "api"},
		{ID: "3", Subdomain: "web"},
		{ID: "4", Subdomain: ""},
	}
	assert.ElementsMatch(t, []string{"api", "web"}, m.activeTunnels())
}

// TestPauseBuffersThenFlushesRequests confirms toggling Pause stops new
// requests from appearing in the visible list and resuming flushes the
// buffered items back in, newest first.
func TestPauseBuffersThenFlushesRequests(t *testing.T) {
	m := NewModel()
	m.width, m.height = 80, 24

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	m = updated.(Model)
	assert.True(t, m.paused)

	updated, _ = m.Update(requestMsg(RequestItem{ID: "buffered", Subdomain: "api"}))
	m = updated.(Model)
	assert.Empty(t, m.requests)
	require.Len(t, m.pausedQueue, 1)
	assert.Equal(t, "buffered", m.pausedQueue[0].ID)

	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	m = updated.(Model)
	assert.False(t, m.paused)
	require.Len(t, m.requests, 1)
	assert.Equal(t, "buffered", m.requests[0].ID)
	assert.Empty(t, m.pausedQueue)
}

func TestTruncateLabel(t *testing.T) {
	assert.Equal(t, "short", truncateLabel("short", 10))
	assert.Equal(t, "longish…", truncateLabel("longish-subdomain", 8))
}
