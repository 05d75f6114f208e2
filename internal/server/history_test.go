package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestHistoryRecentOrderAndCap(t *testing.T) {
	h := NewRequestHistory(10)
	for i := 0; i < 3; i++ {
		h.Record(HistoryEntry{RequestID: string(rune('a' + i))})
	}

	recent := h.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "c", recent[0].RequestID, "newest entry first")
	assert.Equal(t, "a", recent[2].RequestID)

	limited := h.Recent(2)
	assert.Len(t, limited, 2)
	assert.Equal(t, "c", limited[0].RequestID)
}

func TestRequestHistoryEvictsOldest(t *testing.T) {
	h := NewRequestHistory(2)
	h.Record(HistoryEntry{RequestID: "1"})
	h.Record(HistoryEntry{RequestID: "2"})
	h.Record(HistoryEntry{RequestID: "3"})

	recent := h.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "3", recent[0].RequestID)
	assert.Equal(t, "2", recent[1].RequestID)

	_, ok := h.ByID("1")
	assert.False(t, ok, "evicted entry is no longer retained")
}

func TestRequestHistoryByID(t *testing.T) {
	h := NewRequestHistory(10)
	h.Record(HistoryEntry{RequestID: "req-1", Method: "GET"})

	entry, ok := h.ByID("req-1")
	require.True(t, ok)
	assert.Equal(t, "GET", entry.Method)

	_, ok = h.ByID("missing")
	assert.False(t, ok)
}

func TestNewRequestHistoryDefaultsCapacity(t *testing.T) {
	h := NewRequestHistory(0)
	assert.Equal(t, 100, h.capacity)

	h = NewRequestHistory(-5)
	assert.Equal(t, 100, h.capacity)
}
