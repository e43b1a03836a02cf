package httpapi

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
)

type session struct {
	id        string
	user      string
	expiresAt time.Time
}

// sessionStore maps login tokens to users. Tokens live in memory only, so a
// restart logs everyone out.
type sessionStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]session
	now   func() time.Time
}

func newSessionStore(ttl time.Duration) *sessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &sessionStore{
		ttl:   ttl,
		items: make(map[string]session),
		now:   time.Now,
	}
}

func (s *sessionStore) create(user string) (string, session) {
	token := randomToken(32)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := session{id: uuid.NewString(), user: user, expiresAt: s.now().Add(s.ttl)}
	s.items[token] = entry
	s.sweepLocked()
	return token, entry
}

func (s *sessionStore) get(token string) (session, bool) {
	if token == "" {
		return session{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.items[token]
	if !ok {
		return session{}, false
	}
	if s.now().After(entry.expiresAt) {
		delete(s.items, token)
		return session{}, false
	}
	return entry, true
}

func (s *sessionStore) delete(token string) (session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.items[token]
	delete(s.items, token)
	return entry, ok
}

func (s *sessionStore) sweepLocked() {
	now := s.now()
	for token, entry := range s.items {
		if now.After(entry.expiresAt) {
			delete(s.items, token)
		}
	}
}

func randomToken(size int) string {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
