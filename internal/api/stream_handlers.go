package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/forgeboard/forgeboard/internal/events/bus"
)

// streamBoard upgrades to a websocket and hands the connection to the board
// streamer: one filtered snapshot, then live patches until disconnect.
func (s *Server) streamBoard(c *gin.Context) {
	projectID := c.Param("project_id")
	if _, err := s.store.GetProject(c.Request.Context(), projectID); err != nil {
		respondError(c, s.logger, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if err := s.streamer.Stream(c.Request.Context(), conn, projectID); err != nil {
		s.logger.Warn("board stream ended with error",
			zap.String("project_id", projectID),
			zap.Error(err))
	}
}

// streamRunLogs forwards a run's raw log events over a websocket. There is no
// replay: subscribers see events published after they attach.
func (s *Server) streamRunLogs(c *gin.Context) {
	runID := c.Param("run_id")
	if _, err := s.store.GetRun(c.Request.Context(), runID); err != nil {
		respondError(c, s.logger, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	send := make(chan *bus.Event, 256)
	sub, err := s.container.StreamRawLogsForRun(ctx, runID, func(ctx context.Context, event *bus.Event) error {
		select {
		case send <- event:
		default:
			// Slow consumer: drop the connection rather than the backlog.
			cancel()
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("run log subscription failed",
			zap.String("run_id", runID),
			zap.Error(err))
		_ = conn.WriteJSON(gin.H{"error": "log stream unavailable"})
		return
	}
	if sub == nil {
		_ = conn.WriteJSON(gin.H{"error": "log stream unavailable"})
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	// Drain client frames so pings are answered and disconnects observed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-send:
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
