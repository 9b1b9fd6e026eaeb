// Package session manages the adapter's dedicated conversation context,
// distinct from sessions on other chat surfaces.
package session

import (
	"fmt"
	"sync"

	"github.com/segmentio/ksuid"
)

// Session is the adapter's conversation handle. Renewals serialize against
// concurrent reads: a dispatch that captured the ID before a reset keeps
// using the pre-reset session, never a half-applied one.
type Session struct {
	mu     sync.Mutex
	prefix string
	id     string
}

// New creates a session with a fresh identity under the given prefix.
func New(prefix string) *Session {
	if prefix == "" {
		prefix = "astrbook"
	}
	s := &Session{prefix: prefix}
	s.id = s.newID()
	return s
}

func (s *Session) newID() string {
	return fmt.Sprintf("%s-%s", s.prefix, ksuid.New().String())
}

// ID returns the current session identity.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Renew discards the current conversation context and returns the new
// session identity. The persona selection lives elsewhere and is preserved.
func (s *Session) Renew() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = s.newID()
	return s.id
}
