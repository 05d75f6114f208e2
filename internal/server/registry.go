package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/watzon/sellia/internal/protocol"
	"github.com/watzon/sellia/internal/reserved"
)

// Errors returned by Registry operations.
var (
	ErrTaken       = errors.New("registry: subdomain already registered")
	ErrNotFound    = errors.New("registry: tunnel not found")
	ErrExhausted   = errors.New("registry: could not generate a unique subdomain")
)

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidationResult reports whether a requested subdomain can be registered.
type ValidationResult struct {
	OK     bool
	Reason string
}

// Tunnel is a registered subdomain (or TCP port) bound to a single client
// connection.
type Tunnel struct {
	ID         string
	Kind       protocol.TunnelKind
	Subdomain  string
	ClientID   string
	LocalPort  int
	BasicAuth  *protocol.BasicAuthPair
	CreatedAt  time.Time
	PublicPort int // only set for Kind == KindTCP
}

// ShortID returns a compact identifier for logging.
func (t *Tunnel) ShortID() string {
	if len(t.ID) > 8 {
		return t.ID[:8]
	}
	return t.ID
}

// Registry owns the subdomain -> Tunnel mapping and validates names
// before a tunnel is allowed to claim one.
type Registry struct {
	mu         sync.Mutex
	bySub      map[string]*Tunnel
	byID       map[string]*Tunnel
	byClient   map[string]map[string]*Tunnel // clientID -> tunnelID -> Tunnel
	reserved   *reserved.Source
}

// NewRegistry builds an empty Registry backed by the given reserved-name
// source.
func NewRegistry(reservedSource *reserved.Source) *Registry {
	return &Registry{
		bySub:    make(map[string]*Tunnel),
		byID:     make(map[string]*Tunnel),
		byClient: make(map[string]map[string]*Tunnel),
		reserved: reservedSource,
	}
}

// Validate applies the subdomain rules in order: length, leading/trailing
// hyphen, character set, consecutive hyphens, reserved-name collision, then
// availability. It takes the registry's lock itself; Register runs the same
// checks under the lock it holds for the insert.
func (r *Registry) Validate(name string) ValidationResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validateLocked(name)
}

func (r *Registry) validateLocked(name string) ValidationResult {
	lower := toLower(name)

	if len(lower) < 3 {
		return ValidationResult{OK: false, Reason: "must be at least 3 characters"}
	}
	if len(lower) > 63 {
		return ValidationResult{OK: false, Reason: "must be at most 63 characters"}
	}
	if lower[0] == '-' || lower[len(lower)-1] == '-' {
		return ValidationResult{OK: false, Reason: "cannot start or end with a hyphen"}
	}
	if !subdomainPattern.MatchString(lower) {
		return ValidationResult{OK: false, Reason: "must contain only lowercase letters, digits, and hyphens"}
	}
	if containsConsecutiveHyphens(lower) {
		return ValidationResult{OK: false, Reason: "cannot contain consecutive hyphens"}
	}
	if r.reserved != nil && r.reserved.Contains(lower) {
		return ValidationResult{OK: false, Reason: fmt.Sprintf("'%s' is reserved", lower)}
	}
	if _, taken := r.bySub[lower]; taken {
		return ValidationResult{OK: false, Reason: fmt.Sprintf("'%s' is already registered", lower)}
	}
	return ValidationResult{OK: true}
}

func containsConsecutiveHyphens(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] == '-' && s[i-1] == '-' {
			return true
		}
	}
	return false
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Register validates and inserts tunnel, race-safe via the registry's
// single lock.
func (r *Registry) Register(t *Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t.Subdomain = toLower(t.Subdomain)
	result := r.validateLocked(t.Subdomain)
	if !result.OK {
		if _, taken := r.bySub[t.Subdomain]; taken {
			return fmt.Errorf("%w: %s", ErrTaken, result.Reason)
		}
		return fmt.Errorf("registry: %s", result.Reason)
	}

	r.bySub[t.Subdomain] = t
	r.byID[t.ID] = t
	if r.byClient[t.ClientID] == nil {
		r.byClient[t.ClientID] = make(map[string]*Tunnel)
	}
	r.byClient[t.ClientID][t.ID] = t
	return nil
}

// Unregister removes a tunnel by id. Idempotent.
func (r *Registry) Unregister(tunnelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(tunnelID)
}

func (r *Registry) unregisterLocked(tunnelID string) {
	t, ok := r.byID[tunnelID]
	if !ok {
		return
	}
	delete(r.byID, tunnelID)
	delete(r.bySub, t.Subdomain)
	if byID, ok := r.byClient[t.ClientID]; ok {
		delete(byID, tunnelID)
		if len(byID) == 0 {
			delete(r.byClient, t.ClientID)
		}
	}
}

// UnregisterClient removes every tunnel owned by clientID, returning them
// for the caller to fail pending requests against and release resources.
func (r *Registry) UnregisterClient(clientID string) []*Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID, ok := r.byClient[clientID]
	if !ok {
		return nil
	}
	removed := make([]*Tunnel, 0, len(byID))
	for id, t := range byID {
		removed = append(removed, t)
		delete(r.byID, id)
		delete(r.bySub, t.Subdomain)
	}
	delete(r.byClient, clientID)
	return removed
}

// GenerateUnique produces a random 8-hex-character name guaranteed
// available at the time of the check.
func (r *Registry) GenerateUnique() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < 1000; attempt++ {
		candidate, err := randomHex8()
		if err != nil {
			return "", err
		}
		if _, taken := r.bySub[candidate]; taken {
			continue
		}
		if r.reserved != nil && r.reserved.Contains(candidate) {
			continue
		}
		return candidate, nil
	}
	return "", ErrExhausted
}

func randomHex8() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// LookupBySubdomain returns the tunnel registered under name, if any.
func (r *Registry) LookupBySubdomain(name string) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.bySub[toLower(name)]
	return t, ok
}

// LookupByID returns the tunnel with the given id, if any.
func (r *Registry) LookupByID(id string) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	return t, ok
}

// LookupByClient returns every tunnel owned by clientID.
func (r *Registry) LookupByClient(clientID string) []*Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.byClient[clientID]
	if !ok {
		return nil
	}
	out := make([]*Tunnel, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	return out
}

// Count returns the number of currently registered tunnels, for metrics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
