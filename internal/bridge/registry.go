package bridge

import "sync"

// Registry maps a logical client id to its live connection. It is the
// single source of truth for "is this client currently reachable".
// At most one live connection per id: a new registration supersedes
// (and returns) the prior one so the caller can close it.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register binds id to conn, returning the superseded connection if one
// was registered. The caller closes the superseded connection.
func (r *Registry) Register(id string, conn *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[id]
	r.conns[id] = conn
	if prev == conn {
		return nil
	}
	return prev
}

// Unregister removes the entry for id, but only if it still points at
// conn. A reconnect may have superseded it already.
func (r *Registry) Unregister(id string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[id] == conn {
		delete(r.conns, id)
	}
}

// Get returns the live connection for id, or nil.
func (r *Registry) Get(id string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Connected reports whether id has a live, open connection.
func (r *Registry) Connected(id string) bool {
	c := r.Get(id)
	return c != nil && c.Open()
}

// IDs returns the ids of all registered connections.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns all registered connections.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Clear empties the registry and returns the removed connections.
func (r *Registry) Clear() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	return conns
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
