package mcp

import "sync"

// SessionRegistry maps execution IDs to the MCP session that triggered them.
// Populated when a session calls flowhub.trigger.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // executionID → sessionID
	expected map[string]string // correlationID → sessionID, until the execution ID is known
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]string),
		expected: make(map[string]string),
	}
}

// Register associates an execution ID with a session ID. A later trigger of
// the same execution (a deduplicated one) takes it over.
func (r *SessionRegistry) Register(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[executionID] = sessionID
}

// Expect claims the events of the execution about to be created under
// correlationID, so events published before Register are still delivered.
func (r *SessionRegistry) Expect(correlationID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expected[correlationID] = sessionID
}

// Unexpect drops a claim made by Expect.
func (r *SessionRegistry) Unexpect(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.expected, correlationID)
}

// SessionFor returns the session watching the given execution, if any.
func (r *SessionRegistry) SessionFor(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[executionID]
	return sid, ok
}

// Resolve is SessionFor with a fallback to a claim on correlationID. A
// matching claim is bound to executionID.
func (r *SessionRegistry) Resolve(executionID, correlationID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sid, ok := r.sessions[executionID]; ok {
		return sid, true
	}
	if correlationID == "" {
		return "", false
	}
	sid, ok := r.expected[correlationID]
	if !ok {
		return "", false
	}
	delete(r.expected, correlationID)
	r.sessions[executionID] = sid
	return sid, true
}

// Forget drops the mapping of one execution.
func (r *SessionRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, executionID)
}

// Remove deletes all execution mappings and claims for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, eid)
		}
	}
	for cid, sid := range r.expected {
		if sid == sessionID {
			delete(r.expected, cid)
		}
	}
}

// Len returns the number of watched executions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
