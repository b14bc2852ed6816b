package shell

import "sync"

// Registry tracks connected sessions so they can all be torn down on an
// abnormal exit. Create one per process and pass it to sessions with
// WithRegistry.
type Registry struct {
	mu       sync.Mutex
	sessions []*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add records s. Adding the same session twice is a no-op.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sessions {
		if existing == s {
			return
		}
	}
	r.sessions = append(r.sessions, s)
}

// Len returns the number of recorded sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// DisconnectAll drains the registry, disconnecting every session. Like
// Session.Disconnect it is best-effort and safe to call repeatedly.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = nil
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.Disconnect()
	}
}
