package auth

import (
	"crypto/subtle"
	"sync"
	"time"
)

// DefaultStateTTL bounds how long a user has to finish the consent screen.
const DefaultStateTTL = 10 * time.Minute

// StateStore holds the pending authorization state and PKCE verifier per user.
type StateStore interface {
	StoreState(userID, state, verifier string) error
	// ConsumeState returns the verifier and removes the entry when state
	// matches the one stored for userID and has not expired.
	ConsumeState(userID, state string) (string, bool)
}

type pendingAuth struct {
	state     string
	verifier  string
	expiresAt time.Time
}

// InMemoryStateStore provides an in-memory implementation of the StateStore interface.
type InMemoryStateStore struct {
	mu     sync.Mutex
	states map[string]pendingAuth
	ttl    time.Duration
	now    func() time.Time
}

// NewInMemoryStateStore creates a new InMemoryStateStore. A non-positive ttl
// uses DefaultStateTTL.
func NewInMemoryStateStore(ttl time.Duration) *InMemoryStateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &InMemoryStateStore{
		states: make(map[string]pendingAuth),
		ttl:    ttl,
		now:    time.Now,
	}
}

// StoreState replaces any pending state for userID.
func (s *InMemoryStateStore) StoreState(userID, state, verifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired()
	s.states[userID] = pendingAuth{
		state:     state,
		verifier:  verifier,
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

// ConsumeState validates and then deletes the state for a given user ID.
func (s *InMemoryStateStore) ConsumeState(userID, state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.states[userID]
	if !ok {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(entry.state), []byte(state)) != 1 {
		return "", false
	}
	delete(s.states, userID)
	if !s.now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.verifier, true
}

// Len reports the number of pending entries.
func (s *InMemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func (s *InMemoryStateStore) evictExpired() {
	now := s.now()
	for userID, entry := range s.states {
		if !now.Before(entry.expiresAt) {
			delete(s.states, userID)
		}
	}
}
