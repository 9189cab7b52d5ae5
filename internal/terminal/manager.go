package terminal

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"fire-dispatch/radiostatus/internal/announce"
	"fire-dispatch/radiostatus/internal/domain"
	"fire-dispatch/radiostatus/internal/statuslog"
	"fire-dispatch/radiostatus/internal/store"
	"fire-dispatch/radiostatus/internal/tracker"
	"fire-dispatch/radiostatus/pkg/logger"
)

// ScopeFunc decides which vehicles a user may see.
type ScopeFunc func(domain.User) tracker.Scope

// OutputFunc returns where a session's announcements are played.
type OutputFunc func(sessionID string) announce.Announcer

// Manager owns the open sessions of this process.
type Manager struct {
	ctx     context.Context
	records *store.Records
	writer  *statuslog.Writer
	scopeOf ScopeFunc
	output  OutputFunc
	opts    Options
	logger  *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager whose sessions live until ctx is cancelled or
// they are closed.
func NewManager(ctx context.Context, records *store.Records, writer *statuslog.Writer, scopeOf ScopeFunc, output OutputFunc, opts Options, log *logger.Logger) *Manager {
	return &Manager{
		ctx:      ctx,
		records:  records,
		writer:   writer,
		scopeOf:  scopeOf,
		output:   output,
		opts:     opts,
		logger:   log,
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Open(kind Kind, user domain.User) (*Session, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrWrongKind, kind)
	}
	if !user.Active {
		return nil, fmt.Errorf("%w: %s", ErrInactiveUser, user.Username)
	}

	id := uuid.NewString()
	var scope tracker.Scope
	if m.scopeOf != nil {
		scope = m.scopeOf(user)
	}
	var out announce.Announcer = announce.NewLogAnnouncer(m.logger)
	if m.output != nil {
		out = m.output(id)
	}

	s := newSession(id, kind, user, scope, m.records, m.writer, out, m.opts, m.logger)
	if err := s.start(m.ctx); err != nil {
		s.Close()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("session opened",
		logger.String("session_id", id),
		logger.String("kind", string(kind)),
		logger.String("user", user.Username),
	)
	return s, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close logs a session out.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	s.Close()
	return nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
}
