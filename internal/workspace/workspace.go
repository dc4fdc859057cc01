// Package workspace gives every browser session its own disposable
// directory and in-memory guide state.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"slide-guide/internal/logger"
)

var (
	// ErrUnknownSession is returned for session ids with no open workspace.
	ErrUnknownSession = errors.New("unknown session")
	// ErrInvalidSession rejects empty session ids.
	ErrInvalidSession = errors.New("invalid session id")
	// ErrInvalidName rejects file names that would leave the workspace.
	ErrInvalidName = errors.New("invalid workspace file name")
	// ErrClosed is returned for writes to a workspace that was closed.
	ErrClosed = errors.New("workspace closed")
)

// WorkspaceError wraps filesystem failures. They are fatal for the session.
type WorkspaceError struct {
	Op  string
	Err error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace %s: %v", e.Op, e.Err)
}

func (e *WorkspaceError) Unwrap() error { return e.Err }

// Manager maps session ids to workspaces. Directory names are random tokens
// and never derive from the session id or any uploaded file name.
type Manager struct {
	root string
	log  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Workspace
}

func NewManager(root string, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &WorkspaceError{Op: "init", Err: err}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{root: root, log: log, sessions: make(map[string]*Workspace)}, nil
}

func (m *Manager) Root() string { return m.root }

// Open returns the session's workspace, creating it on first use.
func (m *Manager) Open(sessionID string) (*Workspace, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ws, ok := m.sessions[sessionID]; ok {
		return ws, nil
	}

	token := uuid.NewString()
	dir := filepath.Join(m.root, token)
	// Mkdir rather than MkdirAll so an existing directory is an error.
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, &WorkspaceError{Op: "open", Err: err}
	}
	ws := &Workspace{id: token, dir: dir}
	m.sessions[sessionID] = ws
	m.log.Info("workspace opened", "session_id", sessionID, "workspace", token)
	return ws, nil
}

// Get returns an open workspace without creating one.
func (m *Manager) Get(sessionID string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return ws, nil
}

// Close deletes the session's workspace and everything in it. Closing an
// unknown or already closed session is a no-op.
//
// Close takes no lock against writers inside the workspace. Callers must
// make sure no further writes to it are in flight.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	ws, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	ws.closed.Store(true)
	if err := os.RemoveAll(ws.dir); err != nil {
		return &WorkspaceError{Op: "close", Err: err}
	}
	m.log.Info("workspace closed", "session_id", sessionID, "workspace", ws.id)
	return nil
}

// Reset closes the session's workspace and opens a fresh one.
func (m *Manager) Reset(sessionID string) (*Workspace, error) {
	if err := m.Close(sessionID); err != nil {
		return nil, err
	}
	return m.Open(sessionID)
}

// CloseAll is called on shutdown.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Close(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveOrphans deletes directories under the root that no open session
// owns, such as those left by a crash. Run it before serving traffic.
func (m *Manager) RemoveOrphans() (int, error) {
	items, err := os.ReadDir(m.root)
	if err != nil {
		return 0, &WorkspaceError{Op: "scan", Err: err}
	}

	m.mu.Lock()
	owned := make(map[string]bool, len(m.sessions))
	for _, ws := range m.sessions {
		owned[ws.id] = true
	}
	m.mu.Unlock()

	removed := 0
	for _, item := range items {
		if !item.IsDir() || owned[item.Name()] {
			continue
		}
		if _, err := uuid.Parse(item.Name()); err != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, item.Name())); err != nil {
			return removed, &WorkspaceError{Op: "remove orphan", Err: err}
		}
		removed++
	}
	if removed > 0 {
		m.log.Info("removed orphaned workspaces", "count", removed)
	}
	return removed, nil
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Workspace is one session's directory plus its guide state. State changes
// go through a workspace-local mutex; sessions never share one.
type Workspace struct {
	id     string
	dir    string
	closed atomic.Bool

	mu    sync.Mutex
	state State
}

// ID is the random token naming the directory.
func (w *Workspace) ID() string  { return w.id }
func (w *Workspace) Dir() string { return w.dir }

// Path resolves a workspace-relative name, rejecting anything that could
// escape the directory.
func (w *Workspace) Path(name string) (string, error) {
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(w.dir, name), nil
}

// WriteFile replaces name atomically.
func (w *Workspace) WriteFile(name string, data []byte) error {
	if w.closed.Load() {
		return &WorkspaceError{Op: "write", Err: ErrClosed}
	}
	path, err := w.Path(name)
	if err != nil {
		return err
	}
	if parent := filepath.Dir(path); parent != w.dir {
		if err := os.MkdirAll(parent, 0o700); err != nil {
			return &WorkspaceError{Op: "write", Err: err}
		}
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return &WorkspaceError{Op: "write", Err: err}
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return &WorkspaceError{Op: "write", Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &WorkspaceError{Op: "write", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &WorkspaceError{Op: "write", Err: err}
	}
	return nil
}

func (w *Workspace) ReadFile(name string) ([]byte, error) {
	path, err := w.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &WorkspaceError{Op: "read", Err: err}
	}
	return data, nil
}

// Update applies fn to a copy of the state and keeps the copy only if fn
// succeeds.
func (w *Workspace) Update(fn func(*State) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := w.state.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	w.state = next
	return nil
}

// Snapshot returns a deep copy of the current state.
func (w *Workspace) Snapshot() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Clone()
}
