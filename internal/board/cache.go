// Package board streams the kanban view to websocket clients, filtering out
// hidden agent tasks from the patch stream.
package board

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgeboard/forgeboard/internal/common/logger"
	"github.com/forgeboard/forgeboard/internal/store"
)

// HiddenTaskCache tracks the task ids known to be hidden (agent) tasks for
// one project. It is seeded with a single query at subscribe time and
// refreshed on a fixed interval by replacing the set in one atomic swap.
type HiddenTaskCache struct {
	store     *store.Store
	projectID string
	interval  time.Duration
	logger    *logger.Logger

	mu     sync.RWMutex
	hidden map[string]struct{}
}

// NewHiddenTaskCache creates and seeds a cache for a project.
func NewHiddenTaskCache(ctx context.Context, st *store.Store, projectID string, interval time.Duration, log *logger.Logger) (*HiddenTaskCache, error) {
	if log == nil {
		log = logger.Default()
	}
	c := &HiddenTaskCache{
		store:     st,
		projectID: projectID,
		interval:  interval,
		logger:    log.WithFields(zap.String("component", "hidden-task-cache"), zap.String("project_id", projectID)),
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh replaces the hidden set with a freshly queried one. The query runs
// outside the lock; only the swap is exclusive.
func (c *HiddenTaskCache) Refresh(ctx context.Context) error {
	ids, err := c.store.ListAgentTaskIDs(ctx, c.projectID)
	if err != nil {
		return err
	}

	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	c.mu.Lock()
	c.hidden = next
	c.mu.Unlock()
	return nil
}

// Run refreshes the cache on the configured interval until ctx is cancelled.
// Refresh cadence is independent of stream traffic.
func (c *HiddenTaskCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("hidden task cache refresh failed", zap.Error(err))
			}
		}
	}
}

// Contains reports whether a task is hidden. A cache miss falls back to a
// point lookup and, when confirmed hidden, inserts into the set — the
// steady-state path stays cache-only while staying correct inside the
// refresh interval.
func (c *HiddenTaskCache) Contains(ctx context.Context, taskID string) bool {
	c.mu.RLock()
	_, ok := c.hidden[taskID]
	c.mu.RUnlock()
	if ok {
		return true
	}

	hidden, err := c.store.IsAgentTask(ctx, taskID)
	if err != nil {
		c.logger.Warn("hidden task fallback lookup failed",
			zap.String("task_id", taskID),
			zap.Error(err))
		return false
	}
	if hidden {
		c.mu.Lock()
		c.hidden[taskID] = struct{}{}
		c.mu.Unlock()
	}
	return hidden
}

// Len returns the current hidden-set size.
func (c *HiddenTaskCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hidden)
}
