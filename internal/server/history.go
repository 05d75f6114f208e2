package server

import (
	"sync"
	"time"

	"github.com/watzon/sellia/internal/protocol"
)

// HistoryEntry is a completed HTTP request recorded for the admin API's
// `requests`/`replay` surface. Entries live in a bounded in-memory ring
// buffer rather than a persistent log.
type HistoryEntry struct {
	RequestID  string
	TunnelID   string
	Subdomain  string
	Method     string
	Path       string
	Headers    protocol.Headers
	Body       []byte
	StatusCode int
	Duration   time.Duration
	Timestamp  time.Time
}

// RequestHistory keeps the most recent N completed requests across all
// tunnels in one shared buffer, queryable by the admin API for `sellia requests` and replayable via
// `sellia replay`.
type RequestHistory struct {
	mu       sync.Mutex
	capacity int
	entries  []HistoryEntry // ring buffer, oldest first once full
}

// NewRequestHistory builds a history retaining at most capacity entries.
func NewRequestHistory(capacity int) *RequestHistory {
	if capacity <= 0 {
		capacity = 100
	}
	return &RequestHistory{capacity: capacity}
}

// Record appends entry, evicting the oldest if the buffer is full.
func (h *RequestHistory) Record(entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	if len(h.entries) > h.capacity {
		h.entries = h.entries[len(h.entries)-h.capacity:]
	}
}

// Recent returns the most recent entries, newest first, capped at limit
// (0 means no cap).
func (h *RequestHistory) Recent(limit int) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]HistoryEntry, n)
	for i := 0; i < n; i++ {
		out[i] = h.entries[len(h.entries)-1-i]
	}
	return out
}

// ByID returns the entry with the given request id, if still retained.
func (h *RequestHistory) ByID(requestID string) (HistoryEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].RequestID == requestID {
			return h.entries[i], true
		}
	}
	return HistoryEntry{}, false
}
