// Package reserved provides a read-mostly, atomically-refreshable set of
// subdomain names the tunnel registry refuses to allocate.
package reserved

import (
	"errors"
	"strings"
	"sync/atomic"
)

// ErrDefaultEntry is returned when Remove targets a default-seeded entry.
var ErrDefaultEntry = errors.New("reserved: cannot remove a default entry")

// defaultNames seeds the set at startup.
var defaultNames = []string{
	"api", "www", "admin", "mail", "smtp", "pop", "imap", "ssh", "cdn",
	"auth", "billing", "docs", "ws", "wss", "git", "root", "system",
	"server", "sellia", "tunnel", "proxy", "status", "health", "metrics",
	"dashboard", "console", "app", "apps", "static", "assets", "media",
	"blog", "support", "help", "login", "signup", "account", "accounts",
	"secure", "security", "vpn", "ftp", "ns1", "ns2", "dns", "mx",
	"webmail", "portal", "dev", "staging", "test", "internal", "localhost",
}

type entry struct {
	reason    string
	isDefault bool
}

// Source holds an atomically-swappable snapshot of reserved names.
type Source struct {
	snapshot atomic.Pointer[map[string]entry]
}

// New returns a Source seeded with the default reserved set.
func New() *Source {
	s := &Source{}
	initial := make(map[string]entry, len(defaultNames))
	for _, name := range defaultNames {
		initial[name] = entry{reason: "default reserved name", isDefault: true}
	}
	s.snapshot.Store(&initial)
	return s
}

// Snapshot returns the current set of reserved names as a read-only slice.
func (s *Source) Snapshot() []string {
	m := *s.snapshot.Load()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names
}

// Contains reports whether name (lowercased) is currently reserved.
func (s *Source) Contains(name string) bool {
	m := *s.snapshot.Load()
	_, ok := m[strings.ToLower(name)]
	return ok
}

// Add reserves name with a human-readable reason. Not a default entry, so it
// can later be removed.
func (s *Source) Add(name, reason string) {
	name = strings.ToLower(name)
	for {
		old := s.snapshot.Load()
		next := cloneMap(*old)
		next[name] = entry{reason: reason}
		if s.snapshot.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Remove un-reserves name. Fails if name is one of the default-seeded
// entries.
func (s *Source) Remove(name string) error {
	name = strings.ToLower(name)
	for {
		old := s.snapshot.Load()
		m := *old
		e, ok := m[name]
		if !ok {
			return nil
		}
		if e.isDefault {
			return ErrDefaultEntry
		}
		next := cloneMap(m)
		delete(next, name)
		if s.snapshot.CompareAndSwap(old, &next) {
			return nil
		}
	}
}

// Refresh atomically replaces the snapshot wholesale, e.g. after reloading
// from an external reserved-name store. Concurrent readers keep seeing the
// old snapshot until the swap completes.
func (s *Source) Refresh(names map[string]string) {
	next := make(map[string]entry, len(names)+len(defaultNames))
	for _, n := range defaultNames {
		next[n] = entry{reason: "default reserved name", isDefault: true}
	}
	for name, reason := range names {
		next[strings.ToLower(name)] = entry{reason: reason}
	}
	s.snapshot.Store(&next)
}

func cloneMap(m map[string]entry) map[string]entry {
	next := make(map[string]entry, len(m)+1)
	for k, v := range m {
		next[k] = v
	}
	return next
}
