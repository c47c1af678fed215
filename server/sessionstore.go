/******************************************************************************
 *
 *  Description :
 *
 *  Registry of live sessions.
 *
 *****************************************************************************/

package main

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinode/topicsync/server/logs"
)

// SessionStore holds live sessions indexed by session ID.
type SessionStore struct {
	lock sync.Mutex

	hub *Hub

	// All sessions indexed by session ID
	sessCache map[string]*Session
}

// NewSessionStore initializes a session store.
func NewSessionStore(hub *Hub) *SessionStore {
	return &SessionStore{
		hub:       hub,
		sessCache: make(map[string]*Session),
	}
}

// NewSession creates a new session and saves it to the session store. A random ID is
// generated if sid is empty.
func (ss *SessionStore) NewSession(conn *websocket.Conn, sid string) (*Session, int) {
	if sid == "" {
		sid = uuid.NewString()
	}
	s := newSession(ss.hub, conn, sid)

	ss.lock.Lock()
	ss.sessCache[s.sid] = s
	count := len(ss.sessCache)
	ss.lock.Unlock()

	return s, count
}

// Get fetches a session from store by session ID.
func (ss *SessionStore) Get(sid string) *Session {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return ss.sessCache[sid]
}

// Delete removes session from store.
func (ss *SessionStore) Delete(s *Session) int {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	if ss.sessCache[s.sid] == s {
		delete(ss.sessCache, s.sid)
	}
	return len(ss.sessCache)
}

// Len returns the number of live sessions.
func (ss *SessionStore) Len() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return len(ss.sessCache)
}

// Range calls f for every session until f returns false.
func (ss *SessionStore) Range(f func(sid string, s *Session) bool) {
	ss.lock.Lock()
	all := make([]*Session, 0, len(ss.sessCache))
	for _, s := range ss.sessCache {
		all = append(all, s)
	}
	ss.lock.Unlock()

	for _, s := range all {
		if !f(s.sid, s) {
			break
		}
	}
}

// Shutdown terminates all sessions.
func (ss *SessionStore) Shutdown() {
	var all []*Session
	ss.Range(func(_ string, s *Session) bool {
		all = append(all, s)
		return true
	})

	for _, s := range all {
		ss.hub.evict(s)
	}

	logs.Info.Printf("SessionStore shut down, sessions terminated: %d", len(all))
}
