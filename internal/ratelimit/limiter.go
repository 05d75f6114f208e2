// Package ratelimit implements token-bucket rate limiting keyed by an
// arbitrary string, used at three admission-control scopes: connection
// (source IP), tunnel (client id), and request (tunnel id).
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Setting describes one scope's token-bucket parameters.
type Setting struct {
	Capacity     float64 // burst size
	RefillPerSec float64 // steady-state refill rate
}

// Scope is one of the three admission-control rate-limit scopes.
type Scope string

const (
	ScopeConnection Scope = "connection"
	ScopeTunnel     Scope = "tunnel"
	ScopeRequest    Scope = "request"
)

// DefaultSettings are the built-in per-scope token-bucket defaults.
var DefaultSettings = map[Scope]Setting{
	ScopeConnection: {Capacity: 10, RefillPerSec: 1},
	ScopeTunnel:     {Capacity: 5, RefillPerSec: 0.2},
	ScopeRequest:    {Capacity: 100, RefillPerSec: 20},
}

// Limiter owns one golang.org/x/time/rate.Limiter per key per scope,
// creating buckets lazily on first use of a given key.
type Limiter struct {
	mu       sync.Mutex
	settings map[Scope]Setting
	buckets  map[Scope]map[string]*rate.Limiter
	enabled  bool
}

// New builds a Limiter. When enabled is false, Allow always returns true.
func New(enabled bool, overrides map[Scope]Setting) *Limiter {
	settings := make(map[Scope]Setting, len(DefaultSettings))
	for scope, s := range DefaultSettings {
		settings[scope] = s
	}
	for scope, s := range overrides {
		settings[scope] = s
	}
	return &Limiter{
		enabled:  enabled,
		settings: settings,
		buckets: map[Scope]map[string]*rate.Limiter{
			ScopeConnection: {},
			ScopeTunnel:     {},
			ScopeRequest:    {},
		},
	}
}

// Allow attempts to take one token from the bucket identified by
// (scope, key), creating the bucket on first use. Non-blocking, suitable
// for a hot admission-control path.
func (l *Limiter) Allow(scope Scope, key string) bool {
	if !l.enabled {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.buckets[scope][key]
	if !ok {
		setting := l.settings[scope]
		bucket = rate.NewLimiter(rate.Limit(setting.RefillPerSec), int(setting.Capacity))
		l.buckets[scope][key] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Forget removes a scope's bucket for key, e.g. when a tunnel or connection
// tears down and its key will never be reused.
func (l *Limiter) Forget(scope Scope, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets[scope], key)
}
