// Package session keeps the short-lived sessions users obtain by completing
// the sign-in handshake.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"adrelay/internal/domain"
)

// DefaultTimeout is the session lifetime when none is configured.
const DefaultTimeout = time.Hour

// Config configures a Store.
type Config struct {
	Timeout  time.Duration
	ITChatID string
	HRChatID string
	Logger   *slog.Logger
}

// AuthResult is the outcome of the chat-level gate.
type AuthResult struct {
	Authenticated bool
	Authorized    bool
	Session       *domain.Session
}

// Store holds one session per user. Safe for concurrent use.
type Store struct {
	timeout  time.Duration
	itChatID string
	hrChatID string
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]domain.Session // userID -> session
}

// New creates an empty Store.
func New(cfg Config) *Store {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		timeout:  timeout,
		itChatID: cfg.ITChatID,
		hrChatID: cfg.HRChatID,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]domain.Session),
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Authenticate looks up the user's session and checks that chatID is one of
// the department chats. Unknown chats are never authorized.
func (s *Store) Authenticate(userID, chatID string) AuthResult {
	s.mu.RLock()
	sess, ok := s.sessions[userID]
	s.mu.RUnlock()

	if !ok || !s.IsValid(sess) {
		return AuthResult{}
	}
	return AuthResult{
		Authenticated: true,
		Authorized:    s.IsDepartmentChat(chatID),
		Session:       &sess,
	}
}

// IsDepartmentChat reports whether chatID is the IT or HR chat.
func (s *Store) IsDepartmentChat(chatID string) bool {
	if chatID == "" {
		return false
	}
	return chatID == s.itChatID || chatID == s.hrChatID
}

// Create stores a new session for userID, replacing any earlier one.
func (s *Store) Create(userID string, identity domain.Identity, mfaVerified bool) domain.Session {
	sess := domain.Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		Identity:    identity,
		IssuedAt:    s.now(),
		Timeout:     s.timeout,
		MFAVerified: mfaVerified,
	}

	s.mu.Lock()
	s.sessions[userID] = sess
	s.mu.Unlock()

	s.logger.Info("session created",
		"user_id", userID,
		"display_name", identity.DisplayName,
		"department", identity.Department,
		"mfa", mfaVerified,
	)
	return sess
}

// Get returns the user's session if one exists and is still valid.
func (s *Store) Get(userID string) (domain.Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[userID]
	s.mu.RUnlock()
	if !ok || !s.IsValid(sess) {
		return domain.Session{}, false
	}
	return sess, true
}

// Invalidate removes the user's session immediately.
func (s *Store) Invalidate(userID string) {
	s.mu.Lock()
	_, existed := s.sessions[userID]
	delete(s.sessions, userID)
	s.mu.Unlock()

	if existed {
		s.logger.Info("session invalidated", "user_id", userID)
	}
}

// IsValid reports whether the session is younger than its timeout.
func (s *Store) IsValid(sess domain.Session) bool {
	timeout := sess.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	return s.now().Sub(sess.IssuedAt) < timeout
}

// Sweep removes every expired session and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.RLock()
	var expired []string
	for userID, sess := range s.sessions {
		if !s.IsValid(sess) {
			expired = append(expired, userID)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	removed := 0
	s.mu.Lock()
	for _, userID := range expired {
		// Re-check: the user may have signed in again since the scan.
		if sess, ok := s.sessions[userID]; ok && !s.IsValid(sess) {
			delete(s.sessions, userID)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("expired sessions swept", "count", removed)
	}
	return removed
}

// Count returns the number of stored sessions, expired ones included until swept.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
