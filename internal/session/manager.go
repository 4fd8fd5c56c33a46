package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrExists is returned by Manager.Open for a key already in use.
var ErrExists = errors.New("session: key already open")

// Manager keeps the open sessions by key.
type Manager struct {
	log *slog.Logger
	// base is the caller's logger, handed to sessions untagged.
	base     *slog.Logger
	opts     []func(*Session)
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. opts apply to every session it
// opens. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger, opts ...func(*Session)) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		base:     log,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Open opens a session for filename under key. The key is reserved while
// the session opens, so concurrent opens of the same key fail fast.
func (m *Manager) Open(ctx context.Context, key, filename string, opts ...func(*Session)) (*Session, error) {
	m.mu.Lock()
	if _, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		m.log.Warn("session already exists, rejecting duplicate", "key", key)
		return nil, ErrExists
	}
	m.sessions[key] = nil
	m.mu.Unlock()

	s, err := Open(ctx, key, filename, m.base, append(append([]func(*Session){}, m.opts...), opts...)...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.sessions, key)
		return nil, err
	}
	m.sessions[key] = s
	m.log.Info("session registered", "key", key, "filename", filename)
	return s, nil
}

// Get returns the session for key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sessions[key]
	return s, s != nil
}

// List returns all open sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// Close closes and forgets the session for key.
func (m *Manager) Close(key string) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok && s != nil {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if !ok || s == nil {
		return nil
	}
	m.log.Info("session removed", "key", key)
	return s.Close()
}

// CloseAll closes every session.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	return errors.Join(errs...)
}
