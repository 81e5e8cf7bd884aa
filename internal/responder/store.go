// Package responder implements the HTTP-01 challenge responder: a TTL-bound
// token store, the public challenge endpoint, the HMAC-authenticated admin
// endpoint, and the admin client used by the issuance engine.
package responder

import (
	"sync"
	"time"
)

type tokenKey struct {
	host  string
	token string
}

type tokenEntry struct {
	keyAuthorization string
	expiresAt        time.Time
}

// TokenStore holds pending challenge tokens keyed by (host, token). It is
// the only state shared between the public listener, the admin listener and
// the sweep loop, so every access goes through the mutex. Expiry is checked
// at read time; the sweep only reclaims memory and is never the authority on
// validity.
type TokenStore struct {
	mu      sync.Mutex
	entries map[tokenKey]tokenEntry

	now func() time.Time
}

func NewTokenStore() *TokenStore {
	return &TokenStore{
		entries: make(map[tokenKey]tokenEntry),
		now:     time.Now,
	}
}

// Put registers a key authorization for (host, token). Re-registering an
// existing pair refreshes its TTL instead of duplicating the entry.
func (s *TokenStore) Put(host, token, keyAuthorization string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[tokenKey{host: host, token: token}] = tokenEntry{
		keyAuthorization: keyAuthorization,
		expiresAt:        s.now().Add(ttl),
	}
}

// Get returns the key authorization for (host, token) if it exists and has
// not expired. An expired-but-unswept entry is removed and reported as
// missing.
func (s *TokenStore) Get(host, token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tokenKey{host: host, token: token}
	entry, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, key)
		return "", false
	}
	return entry.keyAuthorization, true
}

// Delete removes (host, token) if present.
func (s *TokenStore) Delete(host, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, tokenKey{host: host, token: token})
}

// Sweep removes expired entries and returns how many were reclaimed.
func (s *TokenStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, expired or not.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
