package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"cellrun/cli/internal/logging"
	"cellrun/cli/internal/notebook"
)

// ErrBusy is returned by Run when the document already has a batch running.
var ErrBusy = stderrors.New("a batch is already running for this document")

// Manager owns the running sessions, keyed by document path. At most one
// batch runs per document.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a manager whose sessions are built from opts.
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts, log: logging.OrNop(opts.Log), sessions: make(map[string]*Session)}
}

func key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// Run executes requested cells of doc in a new session and forgets the
// session once the batch ends.
func (m *Manager) Run(ctx context.Context, doc *notebook.Document, requested []int) (Batch, error) {
	k := key(doc.Path())
	m.mu.Lock()
	if _, busy := m.sessions[k]; busy {
		m.mu.Unlock()
		return Batch{}, fmt.Errorf("%s: %w", doc.Path(), ErrBusy)
	}
	s := New(doc, m.opts)
	m.sessions[k] = s
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.sessions[k] == s {
			delete(m.sessions, k)
		}
		m.mu.Unlock()
	}()
	return s.ExecuteBatch(ctx, requested), nil
}

// Interrupt interrupts the session running for path. It returns false when no
// batch is running.
func (m *Manager) Interrupt(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	s := m.sessions[key(path)]
	m.mu.Unlock()
	if s == nil {
		return false, nil
	}
	return true, s.Interrupt(ctx)
}

// InterruptAll interrupts every running session.
func (m *Manager) InterruptAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		if err := s.Interrupt(ctx); err != nil {
			m.log.Warn("interrupt session", zap.String("session", s.ID()), zap.Error(err))
		}
	}
}

// Close interrupts the session for path, if any, and forgets it.
func (m *Manager) Close(ctx context.Context, path string) error {
	k := key(path)
	m.mu.Lock()
	s := m.sessions[k]
	delete(m.sessions, k)
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Interrupt(ctx)
}

// Active reports whether a batch is running for path.
func (m *Manager) Active(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[key(path)]
	return ok
}
