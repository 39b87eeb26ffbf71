package sched

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Strategy selects how concurrent workers isolate their file access.
// It is a plan-wide property.
type Strategy string

const (
	// GitWorktree gives each worker a dedicated worktree branch.
	GitWorktree Strategy = "git_worktree"
	// FileLocking shares one directory with per-file advisory locks.
	FileLocking Strategy = "file_locking"
	// InMemory is for read-only analysis; no isolation needed.
	InMemory Strategy = "in_memory"
)

// Workspace is one worker's acquired working area. Release must be called
// when the chunk finishes.
type Workspace struct {
	Path    string
	Locks   *FileLocks // non-nil under FileLocking
	release func()
}

// Release tears the workspace down. Safe to call once.
func (w *Workspace) Release() {
	if w.release != nil {
		w.release()
	}
}

// WorkspaceManager hands out isolated workspaces per chunk.
type WorkspaceManager interface {
	Acquire(ctx context.Context, chunkID string) (*Workspace, error)
}

// NewWorkspaceManager builds the manager for the chosen strategy rooted at
// the working directory.
func NewWorkspaceManager(strategy Strategy, root string) (WorkspaceManager, error) {
	switch strategy {
	case GitWorktree:
		return &worktreeManager{root: root}, nil
	case FileLocking:
		return &lockingManager{root: root, locks: NewFileLocks()}, nil
	case InMemory, "":
		return inMemoryManager{}, nil
	default:
		return nil, fmt.Errorf("unknown workspace strategy %q", strategy)
	}
}

// worktreeManager creates one git worktree per chunk under <root>/.conductor.
type worktreeManager struct {
	root string
	mu   sync.Mutex
}

func (m *worktreeManager) Acquire(ctx context.Context, chunkID string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := "conductor/" + sanitizeRef(chunkID)
	dir := filepath.Join(m.root, ".conductor", "worktrees", sanitizeRef(chunkID))
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("preparing worktree dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-B", branch, dir)
	cmd.Dir = m.root
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git worktree add: %w: %s", err, strings.TrimSpace(string(out)))
	}

	release := func() {
		rm := exec.Command("git", "worktree", "remove", "--force", dir)
		rm.Dir = m.root
		_ = rm.Run()
	}
	return &Workspace{Path: dir, release: release}, nil
}

// sanitizeRef maps a chunk id onto a safe ref/path component.
func sanitizeRef(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, s)
}

// lockingManager shares the root directory; workers coordinate through the
// per-file lock set.
type lockingManager struct {
	root  string
	locks *FileLocks
}

func (m *lockingManager) Acquire(context.Context, string) (*Workspace, error) {
	return &Workspace{Path: m.root, Locks: m.locks}, nil
}

// inMemoryManager hands out empty workspaces for read-only analysis.
type inMemoryManager struct{}

func (inMemoryManager) Acquire(context.Context, string) (*Workspace, error) {
	return &Workspace{}, nil
}

// FileLocks is a coarse advisory lock set keyed by file path.
type FileLocks struct {
	mu    sync.Mutex
	files map[string]*sync.Mutex
}

// NewFileLocks creates an empty lock set.
func NewFileLocks() *FileLocks {
	return &FileLocks{files: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for a path, creating it on first use, and returns
// the unlock function.
func (l *FileLocks) Lock(path string) func() {
	l.mu.Lock()
	m, ok := l.files[path]
	if !ok {
		m = &sync.Mutex{}
		l.files[path] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
