package sessions

import "sync"

// Registry maps authenticated users to their active connection and back.
// The mapping is 1:1 in both directions and valid only for the lifetime of a
// connection: registering a user who already has a connection, or a
// connection already claimed by another user, evicts the stale pair first so
// settlement notifications never fan out to a superseded connection.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]string
	byConn map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]string),
		byConn: make(map[string]string),
	}
}

// Register installs the user/connection pair, evicting any existing mapping
// for either key. It returns the connection the user previously held, if
// any, so the caller can close the superseded socket.
func (r *Registry) Register(userID, connID string) (prevConn string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byUser[userID]; ok && old != connID {
		delete(r.byConn, old)
		prevConn = old
	}
	if oldUser, ok := r.byConn[connID]; ok && oldUser != userID {
		delete(r.byUser, oldUser)
	}

	r.byUser[userID] = connID
	r.byConn[connID] = userID
	return prevConn
}

// Unregister removes the mapping for the connection in both directions.
// It is a no-op for unknown connections.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	// Only drop the user mapping if it still points at this connection; a
	// re-registration may already have moved the user elsewhere.
	if r.byUser[userID] == connID {
		delete(r.byUser, userID)
	}
}

// Lookup returns the active connection for a user.
func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byUser[userID]
	return connID, ok
}

// lookupConn returns the user bound to a connection.
func (r *Registry) lookupConn(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}
