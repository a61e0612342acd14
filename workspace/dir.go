package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DirManager backs each workspace with a plain directory under a base dir.
// It is the default manager and the one tests use.
type DirManager struct {
	baseDir string

	mu    sync.Mutex
	cache map[string]*Workspace
}

// NewDirManager creates a DirManager rooted at baseDir.
func NewDirManager(baseDir string) *DirManager {
	return &DirManager{
		baseDir: baseDir,
		cache:   make(map[string]*Workspace),
	}
}

// GetWorkspace returns the workspace for an id, provisioning it on first use.
func (m *DirManager) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	m.mu.Lock()
	if ws, ok := m.cache[id]; ok {
		m.mu.Unlock()
		return ws, nil
	}
	m.mu.Unlock()

	if m.dirExists(id) {
		ws := &Workspace{ID: id, Path: m.pathFor(id)}
		m.remember(ws)
		return ws, nil
	}
	return m.CreateWorkspace(ctx, id)
}

// CreateWorkspace provisions the workspace directory.
func (m *DirManager) CreateWorkspace(_ context.Context, id string) (*Workspace, error) {
	if id == "" {
		return nil, fmt.Errorf("workspace id required")
	}
	path := m.pathFor(id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", id, err)
	}
	ws := &Workspace{ID: id, Path: path}
	m.remember(ws)
	return ws, nil
}

// WorkspaceExists reports whether a workspace has been provisioned.
func (m *DirManager) WorkspaceExists(id string) bool {
	m.mu.Lock()
	_, cached := m.cache[id]
	m.mu.Unlock()
	return cached || m.dirExists(id)
}

func (m *DirManager) pathFor(id string) string {
	return filepath.Join(m.baseDir, id)
}

func (m *DirManager) dirExists(id string) bool {
	info, err := os.Stat(m.pathFor(id))
	return err == nil && info.IsDir()
}

func (m *DirManager) remember(ws *Workspace) {
	m.mu.Lock()
	m.cache[ws.ID] = ws
	m.mu.Unlock()
}
