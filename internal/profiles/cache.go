package profiles

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/forgeboard/forgeboard/internal/common/logger"
)

// Cache holds the resolved profiles of one directory and keeps them fresh
// through a filesystem watcher. Reloads replace the whole set in a single
// atomic swap.
type Cache struct {
	dir      string
	debounce time.Duration
	logger   *logger.Logger

	mu       sync.RWMutex
	profiles ProfileSet

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewCache loads the profiles under dir and starts watching it. A missing
// directory yields an empty cache without a watcher; profiles appear after
// the directory is created and the cache is rebuilt.
func NewCache(dir string, debounce time.Duration, log *logger.Logger) (*Cache, error) {
	if log == nil {
		log = logger.Default()
	}
	c := &Cache{
		dir:      dir,
		debounce: debounce,
		logger:   log.WithFields(zap.String("component", "profile-cache"), zap.String("dir", dir)),
		profiles: make(ProfileSet),
		stop:     make(chan struct{}),
	}

	if err := c.Reload(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(dir); err == nil {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, err
		}
		c.watcher = watcher
		c.wg.Add(1)
		go c.watchLoop()
	}

	return c, nil
}

// Reload parses every profile file under the directory and swaps the set.
// A missing directory resolves to an empty set.
func (c *Cache) Reload() error {
	paths, err := filepath.Glob(filepath.Join(c.dir, "*.md"))
	if err != nil {
		return err
	}
	sort.Strings(paths)

	next := make(ProfileSet)
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		set, err := ParseProfile(content)
		if err != nil {
			c.logger.Warn("skipping invalid profile file",
				zap.String("file", filepath.Base(path)),
				zap.Error(err))
			continue
		}
		next.merge(set)
	}

	c.mu.Lock()
	c.profiles = next
	c.mu.Unlock()
	return nil
}

// Resolve looks up the config for an executor variant. An empty variant
// resolves to the default variant.
func (c *Cache) Resolve(executor, variant string) (VariantConfig, bool) {
	if variant == "" {
		variant = DefaultVariant
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	variants, ok := c.profiles[executor]
	if !ok {
		return VariantConfig{}, false
	}
	cfg, ok := variants[variant]
	return cfg, ok
}

// Executors returns the executor names the cache knows about, sorted.
func (c *Cache) Executors() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.profiles))
	for name := range c.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Variants returns the variant names defined for an executor, sorted.
func (c *Cache) Variants(executor string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	variants, ok := c.profiles[executor]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops the watcher goroutine.
func (c *Cache) Close() error {
	close(c.stop)
	var err error
	if c.watcher != nil {
		err = c.watcher.Close()
	}
	c.wg.Wait()
	return err
}

// watchLoop debounces filesystem events into reloads. A failed reload keeps
// the pending flag set so the next timer fires a retry instead of dropping
// the change.
func (c *Cache) watchLoop() {
	defer c.wg.Done()

	var debounceTimer *time.Timer
	var pending bool

	timerC := func() <-chan time.Time {
		if debounceTimer != nil {
			return debounceTimer.C
		}
		return nil
	}

	resetTimer := func() {
		if debounceTimer == nil {
			debounceTimer = time.NewTimer(c.debounce)
			return
		}
		if !debounceTimer.Stop() {
			select {
			case <-debounceTimer.C:
			default:
			}
		}
		debounceTimer.Reset(c.debounce)
	}

	for {
		select {
		case <-c.stop:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			// Permission changes never alter profile content.
			if event.Op == fsnotify.Chmod {
				continue
			}
			pending = true
			resetTimer()

		case <-timerC():
			debounceTimer = nil
			if !pending {
				continue
			}
			if err := c.Reload(); err != nil {
				c.logger.Warn("profile reload failed, retrying", zap.Error(err))
				resetTimer()
				continue
			}
			pending = false
			c.logger.Debug("profiles reloaded")

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("profile watcher error", zap.Error(err))
		}
	}
}
