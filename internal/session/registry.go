package session

import "errors"

// ErrRegistryFull is returned by Add when the registry is at capacity. The
// connecting client is refused; existing clients are never evicted.
var ErrRegistryFull = errors.New("session registry full")

// Registry is the bounded set of live sessions, keyed by identity. It does
// no locking of its own: the proxy's single lock guards registry
// membership together with the per-handle activation state, so activation
// accounting and event fan-out never observe a half-updated session list.
type Registry struct {
	capacity int
	sessions map[*Session]struct{}
}

func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 8
	}
	return &Registry{
		capacity: capacity,
		sessions: make(map[*Session]struct{}, capacity),
	}
}

func (r *Registry) Add(s *Session) error {
	if _, ok := r.sessions[s]; ok {
		return nil
	}
	if len(r.sessions) >= r.capacity {
		return ErrRegistryFull
	}
	r.sessions[s] = struct{}{}
	return nil
}

// Remove deletes the session by identity. Removing an absent session is a
// no-op so error paths can call it unconditionally.
func (r *Registry) Remove(s *Session) {
	delete(r.sessions, s)
}

func (r *Registry) Contains(s *Session) bool {
	_, ok := r.sessions[s]
	return ok
}

func (r *Registry) Count() int {
	return len(r.sessions)
}

func (r *Registry) Capacity() int {
	return r.capacity
}

// ForEach applies f to every live session. f must not add or remove
// sessions.
func (r *Registry) ForEach(f func(*Session)) {
	for s := range r.sessions {
		f(s)
	}
}
