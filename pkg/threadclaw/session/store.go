// Package session keeps the per-thread continuation state that lets a later
// mention in the same chat thread resume the assistant's previous session.
//
// State lives in memory only. There is no eviction: a thread's record lives as
// long as the process does.
package session

import (
	"sort"
	"sync"
)

// ThreadSession is the continuation metadata of one conversation thread.
type ThreadSession struct {
	// ThreadID is the stable identifier of the thread.
	ThreadID string `json:"thread_id"`

	// SessionToken is the opaque continuation id returned by the assistant.
	SessionToken string `json:"session_token"`

	// LastResponseMarker is the ordering marker of the last inbound message
	// that was answered.
	LastResponseMarker string `json:"last_response_marker"`
}

// Store maps thread ids to their ThreadSession. It is safe for concurrent use.
// Concurrent updates to the same thread are last-write-wins.
type Store struct {
	sessions map[string]ThreadSession
	mu       sync.RWMutex
}

// New creates an empty store.
func New() *Store {
	return &Store{sessions: make(map[string]ThreadSession)}
}

// Get returns the session of a thread, if one was recorded.
func (s *Store) Get(threadID string) (ThreadSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.sessions[threadID]
	return ts, ok
}

// Update inserts or overwrites the full record of a thread.
func (s *Store) Update(threadID, sessionToken, lastResponseMarker string) {
	rec := ThreadSession{
		ThreadID:           threadID,
		SessionToken:       sessionToken,
		LastResponseMarker: lastResponseMarker,
	}

	s.mu.Lock()
	s.sessions[threadID] = rec
	s.mu.Unlock()
}

// Len returns the number of tracked threads.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Snapshot returns a copy of all records sorted by thread id.
func (s *Store) Snapshot() []ThreadSession {
	s.mu.RLock()
	out := make([]ThreadSession, 0, len(s.sessions))
	for _, ts := range s.sessions {
		out = append(out, ts)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out
}
