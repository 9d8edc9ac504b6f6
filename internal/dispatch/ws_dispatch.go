package dispatch

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no websocket session")

// WSSession is one connected user session. Writes are serialized per
// connection as gorilla/websocket allows a single concurrent writer.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) SendJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *WSSession) Close() error { return s.conn.Close() }

// WSRegistry tracks live sessions keyed by user id (drivers and
// customers share the registry).
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[userID]; ok {
		_ = old.Close()
	}
	r.sessions[userID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok {
		_ = s.Close()
		delete(r.sessions, userID)
	}
}

// RemoveConn drops the session only while conn is still the registered
// one, so a stale read loop cannot evict a reconnected session.
func (r *WSRegistry) RemoveConn(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok && s.conn == conn {
		_ = s.Close()
		delete(r.sessions, userID)
	}
}

func (r *WSRegistry) Send(userID string, payload any) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.SendJSON(payload)
}
