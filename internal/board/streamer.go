package board

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/forgeboard/forgeboard/internal/common/logger"
	"github.com/forgeboard/forgeboard/internal/events"
	"github.com/forgeboard/forgeboard/internal/events/bus"
	"github.com/forgeboard/forgeboard/internal/store"
	"github.com/forgeboard/forgeboard/pkg/patch"
)

const sendBuffer = 256

// Streamer serves the live board patch stream over websockets. The stream is
// not restartable: a disconnected client re-subscribes and receives a fresh
// snapshot.
type Streamer struct {
	store           *store.Store
	bus             bus.EventBus
	refreshInterval time.Duration
	logger          *logger.Logger
}

// NewStreamer creates a board streamer. refreshInterval drives the hidden
// task cache refresher of each subscription.
func NewStreamer(st *store.Store, eventBus bus.EventBus, refreshInterval time.Duration, log *logger.Logger) *Streamer {
	if log == nil {
		log = logger.Default()
	}
	return &Streamer{
		store:           st,
		bus:             eventBus,
		refreshInterval: refreshInterval,
		logger:          log.WithFields(zap.String("component", "board-streamer")),
	}
}

// Stream serves one subscription on an upgraded websocket connection until
// either side closes. It sends the filtered snapshot first, then forwards
// filtered live patches. The cache refresher goroutine stops with the
// subscription.
func (s *Streamer) Stream(ctx context.Context, conn *websocket.Conn, projectID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = conn.Close() }()

	cache, err := NewHiddenTaskCache(ctx, s.store, projectID, s.refreshInterval, s.logger)
	if err != nil {
		return err
	}
	go cache.Run(ctx)

	snapshot, err := s.snapshotOperation(ctx, projectID)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(snapshot); err != nil {
		return err
	}

	send := make(chan patch.Operation, sendBuffer)
	sub, err := s.bus.Subscribe(events.BuildBoardSubject(projectID), func(ctx context.Context, event *bus.Event) error {
		var op patch.Operation
		if err := event.Decode(&op); err != nil {
			s.logger.Warn("dropping malformed board patch", zap.Error(err))
			return nil
		}
		filtered, keep := FilterOperation(ctx, cache, op)
		if !keep {
			return nil
		}
		select {
		case send <- filtered:
		default:
			// Client is too slow; drop the subscription, it will
			// re-subscribe for a fresh snapshot.
			cancel()
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	// Drain client frames purely to observe disconnect.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-send:
			if err := conn.WriteJSON(op); err != nil {
				return nil
			}
		}
	}
}

// snapshotOperation builds the initial full-board patch: a replace of /tasks
// with an object keyed by task id. The kanban query already excludes agent
// tasks, so the snapshot needs no further filtering.
func (s *Streamer) snapshotOperation(ctx context.Context, projectID string) (patch.Operation, error) {
	tasks, err := s.store.ListKanbanTasks(ctx, projectID)
	if err != nil {
		return patch.Operation{}, err
	}

	entries := make(map[string]*store.TaskWithAttemptStatus, len(tasks))
	for _, task := range tasks {
		entries[task.ID] = task
	}
	return patch.NewReplace("/tasks", entries)
}
