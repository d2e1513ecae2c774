// Package credential keeps the bearer credential used for upstream calls
// valid and shares it between the refresher and relay handlers.
package credential

import (
	"sync"
	"time"
)

// Credential is a short-lived bearer token plus its absolute expiry.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its expiry at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Store holds the current credential. It is empty until the first successful
// refresh and is replaced wholesale afterwards; readers get a copy.
type Store struct {
	mu      sync.RWMutex
	current *Credential
}

func NewStore() *Store {
	return &Store{}
}

// Load returns a copy of the current credential. ok is false until a
// credential has been stored.
func (s *Store) Load() (Credential, bool) {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()

	if cur == nil {
		return Credential{}, false
	}
	return *cur, true
}

// Store replaces the current credential.
func (s *Store) Store(c Credential) {
	next := &c
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
}
