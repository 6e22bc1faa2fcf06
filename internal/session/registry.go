package session

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry tracks active device sessions by name. The API and CLI resolve
// sessions through it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*DeviceSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*DeviceSession),
	}
}

// Register adds a session. An existing session under the same name is
// closed and replaced.
func (r *Registry) Register(s *DeviceSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.sessions[s.Name()]; ok {
		old.Close()
		log.Warn().Str("session", s.Name()).Msg("replacing existing session")
	}
	r.sessions[s.Name()] = s
	log.Debug().Str("session", s.Name()).Msg("session registered")
}

// Unregister removes a session and closes it.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[name]; ok {
		s.Close()
		delete(r.sessions, name)
		log.Debug().Str("session", name).Msg("session unregistered")
	}
}

// Get returns the session with the given name.
func (r *Registry) Get(name string) (*DeviceSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Names returns all registered session names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered sessions.
func (r *Registry) All() []*DeviceSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*DeviceSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every registered session and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, s := range r.sessions {
		s.Close()
		delete(r.sessions, name)
	}
	log.Info().Msg("all sessions closed")
}
