package chat

import (
	"strings"
	"sync"
)

// Session tracks the subject the chat widget is currently scoped to.
type Session struct {
	mu      sync.RWMutex
	subject string
}

// SetSubject replaces the active subject. It reports whether a summary poll
// should start, which is false for a blank subject.
func (s *Session) SetSubject(raw string) (string, bool) {
	subject := strings.TrimSpace(raw)
	s.mu.Lock()
	s.subject = subject
	s.mu.Unlock()
	return subject, subject != ""
}

// Subject returns the active subject, or "" when none is set.
func (s *Session) Subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subject
}

// Active reports whether the session is scoped to a subject.
func (s *Session) Active() bool {
	return s.Subject() != ""
}
