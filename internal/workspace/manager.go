package workspace

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultIdleTimeout is how long a workspace may go unused before cleanup.
	DefaultIdleTimeout = 2 * time.Hour

	// DefaultCleanupInterval is how often idle workspaces are swept.
	DefaultCleanupInterval = 10 * time.Minute

	// DefaultMaxWorkspaces caps live workspaces before LRU eviction.
	DefaultMaxWorkspaces = 200
)

// ManagerOptions tunes a Manager. Zero fields take the defaults.
type ManagerOptions struct {
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	MaxWorkspaces   int
}

type entry struct {
	ws           *Workspace
	lastActivity time.Time
}

// Manager owns the live workspaces, keyed by session ID.
//
// Workspaces idle for longer than the idle timeout are closed by a background
// sweep. When the cap is reached, the least recently used workspace is closed
// to make room. Closing a workspace releases all of its preview bindings.
type Manager struct {
	deps        Deps
	idleTimeout time.Duration
	maxEntries  int

	mu            sync.RWMutex
	entries       map[string]*entry
	cancelCleanup context.CancelFunc
	cleanupDone   chan struct{}
}

// NewManager starts a manager and its cleanup goroutine.
func NewManager(d Deps, opts ManagerOptions) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.MaxWorkspaces <= 0 {
		opts.MaxWorkspaces = DefaultMaxWorkspaces
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		deps:          d,
		idleTimeout:   opts.IdleTimeout,
		maxEntries:    opts.MaxWorkspaces,
		entries:       make(map[string]*entry),
		cancelCleanup: cancel,
		cleanupDone:   make(chan struct{}),
	}
	go m.cleanupLoop(ctx, opts.CleanupInterval)
	return m
}

// GetOrCreate returns the workspace for id, creating it if needed, and marks
// it as used.
func (m *Manager) GetOrCreate(id string) *Workspace {
	now := time.Now()

	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		e.lastActivity = now
		m.mu.Unlock()
		return e.ws
	}

	var evicted *Workspace
	if len(m.entries) >= m.maxEntries {
		evicted = m.evictLRULocked()
	}
	ws := New(id, m.deps)
	m.entries[id] = &entry{ws: ws, lastActivity: now}
	count := len(m.entries)
	m.mu.Unlock()

	if evicted != nil {
		closeWorkspace(evicted, "evicted")
	}
	log.Info().
		Str("sessionId", id).
		Int("workspaces", count).
		Msg("Workspace created")
	return ws
}

// Get returns the workspace for id, or nil. It marks the workspace as used.
func (m *Manager) Get(id string) *Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.lastActivity = time.Now()
		return e.ws
	}
	return nil
}

// Delete closes and removes the workspace for id. Unknown IDs are a no-op.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()

	if ok {
		closeWorkspace(e.ws, "deleted")
	}
}

// Count returns the number of live workspaces.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Shutdown stops the cleanup goroutine and closes every workspace.
func (m *Manager) Shutdown() {
	if m.cancelCleanup != nil {
		m.cancelCleanup()
		<-m.cleanupDone
	}

	m.mu.Lock()
	all := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range all {
		closeWorkspace(e.ws, "shutdown")
	}
}

func (m *Manager) cleanupLoop(ctx context.Context, interval time.Duration) {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupIdle(time.Now())
		}
	}
}

// cleanupIdle closes workspaces unused since before now minus the idle timeout.
func (m *Manager) cleanupIdle(now time.Time) int {
	m.mu.Lock()
	var stale []*Workspace
	for id, e := range m.entries {
		if now.Sub(e.lastActivity) > m.idleTimeout {
			stale = append(stale, e.ws)
			delete(m.entries, id)
		}
	}
	remaining := len(m.entries)
	m.mu.Unlock()

	for _, ws := range stale {
		closeWorkspace(ws, "idle")
	}
	if len(stale) > 0 {
		log.Info().
			Int("removed", len(stale)).
			Int("remaining", remaining).
			Msg("Cleaned up idle workspaces")
	}
	return len(stale)
}

// evictLRULocked removes the least recently used workspace and returns it for
// closing. Must be called with m.mu held for writing.
func (m *Manager) evictLRULocked() *Workspace {
	var oldestID string
	var oldest time.Time
	for id, e := range m.entries {
		if oldestID == "" || e.lastActivity.Before(oldest) {
			oldestID = id
			oldest = e.lastActivity
		}
	}
	if oldestID == "" {
		return nil
	}
	ws := m.entries[oldestID].ws
	delete(m.entries, oldestID)
	log.Info().
		Str("sessionId", oldestID).
		Dur("idle", time.Since(oldest)).
		Msg("Evicted least recently used workspace")
	return ws
}

func closeWorkspace(ws *Workspace, reason string) {
	if leaked := ws.Close(); leaked > 0 {
		log.Warn().
			Str("sessionId", ws.ID).
			Int("bindings", leaked).
			Msg("Released leftover preview bindings")
	}
	log.Debug().Str("sessionId", ws.ID).Str("reason", reason).Msg("Workspace closed")
}
