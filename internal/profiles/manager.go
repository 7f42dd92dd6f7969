package profiles

import (
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgeboard/forgeboard/internal/common/logger"
)

// Manager owns one profile cache per workspace. Projects register their
// workspace path; projects sharing a workspace share a cache and its watcher.
type Manager struct {
	subdir   string
	debounce time.Duration
	logger   *logger.Logger

	mu       sync.Mutex
	caches   map[string]*Cache // workspace path -> cache
	projects map[string]*Cache // project id -> cache
}

// NewManager creates a profile manager. subdir is the profile directory
// relative to each workspace, normally ".forgeboard/profiles".
func NewManager(subdir string, debounce time.Duration, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		subdir:   subdir,
		debounce: debounce,
		logger:   log,
		caches:   make(map[string]*Cache),
		projects: make(map[string]*Cache),
	}
}

// Register binds a project to its workspace's profile cache, creating the
// cache (and its watcher) on first registration of the workspace.
func (m *Manager) Register(projectID, workspacePath string) (*Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cache, ok := m.caches[workspacePath]
	if !ok {
		var err error
		cache, err = NewCache(filepath.Join(workspacePath, m.subdir), m.debounce, m.logger)
		if err != nil {
			return nil, err
		}
		m.caches[workspacePath] = cache
	}
	m.projects[projectID] = cache
	return cache, nil
}

// ForProject returns the cache a project registered with.
func (m *Manager) ForProject(projectID string) (*Cache, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cache, ok := m.projects[projectID]
	return cache, ok
}

// Close stops every cache's watcher.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cache := range m.caches {
		if err := cache.Close(); err != nil {
			m.logger.Warn("failed to close profile cache", zap.Error(err))
		}
	}
	m.caches = make(map[string]*Cache)
	m.projects = make(map[string]*Cache)
}
