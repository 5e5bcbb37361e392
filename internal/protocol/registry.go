package protocol

import (
	"log"
	"os"
	"sync"

	"github.com/ecliptix-labs/ecliptix-crypto/errs"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/session"
	"github.com/ecliptix-labs/ecliptix-crypto/internal/wire"
)

// registryKey lets one session_id carry more than one logical channel, as
// spec.md §4.6 requires: the registry keys on (id, exchange_type).
type registryKey struct {
	id   uint32
	kind wire.ExchangeKind
}

// Registry is SessionRegistry: the only shared mutable map in the core.
// Its lock is held only for map operations, never across cryptographic
// work, grounded on internal/registry/consul.go's registration-map shape
// minus Consul itself.
type Registry struct {
	mu       sync.RWMutex
	sessions map[registryKey]*session.Session
	logger   *log.Logger
}

// RegistryOption configures a Registry at construction.
type RegistryOption func(*Registry)

// WithRegistryLogger overrides the default stderr logger.
func WithRegistryLogger(l *log.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry builds an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[registryKey]*session.Session),
		logger:   log.New(os.Stderr, "[REGISTRY] ", log.Ldate|log.Ltime|log.LUTC),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Insert adds s under (id, kind). It fails if the key is already taken.
func (r *Registry) Insert(id uint32, kind wire.ExchangeKind, s *session.Session) error {
	const op = "Registry.Insert"
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{id: id, kind: kind}
	if _, exists := r.sessions[key]; exists {
		return errs.New(errs.ErrInvalidInput, op, nil)
	}
	r.sessions[key] = s
	return nil
}

// Find returns the session stored under (id, kind), if any.
func (r *Registry) Find(id uint32, kind wire.ExchangeKind) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[registryKey{id: id, kind: kind}]
	return s, ok
}

// Remove deletes the session under (id, kind), zeroing its secrets first.
// Removing a key that is not present is a no-op.
func (r *Registry) Remove(id uint32, kind wire.ExchangeKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{id: id, kind: kind}
	s, ok := r.sessions[key]
	if !ok {
		return
	}
	s.Destroy()
	delete(r.sessions, key)
}

// Len returns the number of sessions currently held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountByKind returns the number of live sessions for each kind present,
// for gauge reporting.
func (r *Registry) CountByKind() map[wire.ExchangeKind]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[wire.ExchangeKind]int)
	for key := range r.sessions {
		counts[key.kind]++
	}
	return counts
}

// RemoveExpired sweeps every session past its TTL, zeroing its secrets,
// and returns the kind of each one removed (for metrics labeling).
func (r *Registry) RemoveExpired() []wire.ExchangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []wire.ExchangeKind
	for key, s := range r.sessions {
		if s.Expired() {
			s.Destroy()
			delete(r.sessions, key)
			removed = append(removed, key.kind)
		}
	}
	return removed
}

// Shutdown destroys every session the registry holds, zeroing all secrets,
// and empties the map.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, s := range r.sessions {
		s.Destroy()
		delete(r.sessions, key)
	}
	r.logger.Println("registry shutdown: all sessions destroyed")
}
