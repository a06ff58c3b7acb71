// Package registry maps a party identity (driver, client, admin) to its
// current live WebSocket session. Last writer wins: a new connection for a
// party replaces the previous entry. The registry is not presence; a party
// can be registered here and still be offline for dispatch purposes.
package registry

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no live session for party")

type Role string

const (
	RoleDriver Role = "driver"
	RoleClient Role = "client"
	RoleAdmin  Role = "admin"
)

// Session wraps one connection with a write mutex; gorilla/websocket
// allows only one concurrent writer per connection.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	roles    map[string]Role
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		roles:    make(map[string]Role),
	}
}

// Register installs the connection as the party's live session,
// replacing any previous one. It returns the session handle the caller
// must pass back to Unregister.
func (r *Registry) Register(partyID string, role Role, conn *websocket.Conn) *Session {
	s := &Session{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[partyID] = s
	r.roles[partyID] = role
	return s
}

// Unregister removes the party's entry only if it still points at the
// caller's session. A disconnect racing a fresh connection for the same
// party must not evict the newer entry.
func (r *Registry) Unregister(partyID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[partyID]; ok && cur == s {
		delete(r.sessions, partyID)
		delete(r.roles, partyID)
	}
}

// Send delivers v to the party's live session, if any.
func (r *Registry) Send(partyID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[partyID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(v)
}

// Connected reports whether the party has a live session.
func (r *Registry) Connected(partyID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[partyID]
	return ok
}

// Admins returns the ids of all connected administrative observers.
func (r *Registry) Admins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, role := range r.roles {
		if role == RoleAdmin {
			out = append(out, id)
		}
	}
	return out
}
