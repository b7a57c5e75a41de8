package realtime

import (
	"sync"
	"time"
)

// Conn is a live client connection as seen by the core. The transport
// owns the socket; Send must not block.
type Conn interface {
	ID() string
	// Send queues ev for delivery and reports whether it was accepted.
	Send(ev Event) bool
}

type session struct {
	conn            Conn
	userID          int64
	authenticatedAt time.Time
}

// Registry binds authenticated connections to users. It is the only
// source of truth for who is reachable on this process.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*session
	byUser map[int64]map[string]Conn
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]*session),
		byUser: make(map[int64]map[string]Conn),
		now:    time.Now,
	}
}

// Register binds conn to userID and reports whether it is the user's first
// live connection. Registering the same pair again is a no-op.
func (r *Registry) Register(conn Conn, userID int64) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byConn[conn.ID()]; ok {
		if s.userID == userID {
			return false
		}
		r.removeLocked(s)
	}

	conns := r.byUser[userID]
	if conns == nil {
		conns = make(map[string]Conn)
		r.byUser[userID] = conns
	}
	first = len(conns) == 0
	conns[conn.ID()] = conn
	r.byConn[conn.ID()] = &session{conn: conn, userID: userID, authenticatedAt: r.now()}
	return first
}

// Unregister drops conn. last is true when it was the user's final
// connection. Unknown connections return ok=false.
func (r *Registry) Unregister(conn Conn) (userID int64, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConn[conn.ID()]
	if !ok {
		return 0, false, false
	}
	return s.userID, r.removeLocked(s), true
}

func (r *Registry) removeLocked(s *session) (last bool) {
	delete(r.byConn, s.conn.ID())
	conns := r.byUser[s.userID]
	delete(conns, s.conn.ID())
	if len(conns) == 0 {
		delete(r.byUser, s.userID)
		return true
	}
	return false
}

// ConnectionsFor returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsFor(userID int64) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// UserOf returns the user bound to a connection id.
func (r *Registry) UserOf(connID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConn[connID]
	if !ok {
		return 0, false
	}
	return s.userID, true
}

// AuthenticatedAt returns when the connection was bound.
func (r *Registry) AuthenticatedAt(connID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConn[connID]
	if !ok {
		return time.Time{}, false
	}
	return s.authenticatedAt, true
}

func (r *Registry) Online(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Counts returns the number of online users and live connections.
func (r *Registry) Counts() (users, conns int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser), len(r.byConn)
}
