package mcp

import "sync"

// SessionRegistry maps workflow owners to MCP session IDs. Populated when a
// caller creates or runs a workflow.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // owner → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an owner with a session ID, replacing any previous one.
func (r *SessionRegistry) Register(owner, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[owner] = sessionID
}

// SessionFor returns the session ID for the given owner, if connected.
func (r *SessionRegistry) SessionFor(owner string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[owner]
	return sid, ok
}

// Remove deletes every owner mapped to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for owner, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, owner)
		}
	}
}
