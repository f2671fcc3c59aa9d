package relay

import "sync"

// Conn is a live connection handle. Enqueue must never block: it pushes
// onto the connection's bounded outbound buffer and reports whether the
// event was accepted.
type Conn interface {
	UserID() string
	Enqueue(Event) bool
}

// Registry maps each user to at most one live connection. It is an
// injected instance, not process-global state, so tests can run several
// isolated registries side by side.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register unconditionally makes c the user's live connection. A second
// connection from the same user replaces the first; fan-out to multiple
// devices is not supported.
func (r *Registry) Register(c Conn) {
	r.mu.Lock()
	r.conns[c.UserID()] = c
	r.mu.Unlock()
}

// Unregister removes the user's mapping only when c is still the
// registered handle. A disconnect of a stale handle that was already
// replaced by a reconnect must not evict the newer connection.
func (r *Registry) Unregister(c Conn) {
	r.mu.Lock()
	if current, ok := r.conns[c.UserID()]; ok && current == c {
		delete(r.conns, c.UserID())
	}
	r.mu.Unlock()
}

// Lookup returns the user's live connection, if any.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	c, ok := r.conns[userID]
	r.mu.RUnlock()
	return c, ok
}

// Online reports how many users currently hold a live connection.
func (r *Registry) Online() int {
	r.mu.RLock()
	n := len(r.conns)
	r.mu.RUnlock()
	return n
}
