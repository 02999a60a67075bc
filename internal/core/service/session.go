package service

import (
	"sync"
	"time"

	"github.com/yndnr/securekv/internal/core/domain"
)

// Session is the state of one authenticated connection.
type Session struct {
	ID          string
	Identity    string
	RemoteAddr  string
	ConnectedAt time.Time

	mu            sync.Mutex
	table         string
	cursor        *Cursor
	loginRequired bool
	user          string
}

// NewSession creates a session bound to the default table.
func NewSession(identity, remoteAddr string) (*Session, error) {
	id, err := domain.GenerateSessionID()
	if err != nil {
		return nil, err
	}
	if identity == "" {
		identity = remoteAddr
	}
	return &Session{
		ID:          id,
		Identity:    identity,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		table:       domain.DefaultTable,
	}, nil
}

// Table returns the active table.
func (s *Session) Table() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table
}

// SetTable changes the active table.
func (s *Session) SetTable(table string) {
	s.mu.Lock()
	s.table = table
	s.mu.Unlock()
}

// Cursor returns the held cursor, or nil.
func (s *Session) Cursor() *Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// SetCursor replaces the held cursor. nil clears it.
func (s *Session) SetCursor(c *Cursor) {
	s.mu.Lock()
	s.cursor = c
	s.mu.Unlock()
}

// RequireLogin marks the session as unusable until SetUser is called.
func (s *Session) RequireLogin() {
	s.mu.Lock()
	s.loginRequired = true
	s.mu.Unlock()
}

// LoggedIn reports whether the session may run commands.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.loginRequired || s.user != ""
}

// User returns the logged in user, or "".
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// SetUser records a successful login.
func (s *Session) SetUser(user string) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}
