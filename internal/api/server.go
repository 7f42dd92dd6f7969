package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/forgeboard/forgeboard/internal/board"
	"github.com/forgeboard/forgeboard/internal/common/logger"
	"github.com/forgeboard/forgeboard/internal/container"
	"github.com/forgeboard/forgeboard/internal/gitsync"
	"github.com/forgeboard/forgeboard/internal/lifecycle"
	"github.com/forgeboard/forgeboard/internal/profiles"
	"github.com/forgeboard/forgeboard/internal/store"
)

// Server wires the services into a gin router.
type Server struct {
	store     *store.Store
	lifecycle *lifecycle.Manager
	container container.Service
	gitsync   *gitsync.Service
	streamer  *board.Streamer
	profiles  *profiles.Manager
	logger    *logger.Logger
	upgrader  websocket.Upgrader
}

// NewServer creates the API server.
func NewServer(
	st *store.Store,
	lm *lifecycle.Manager,
	cs container.Service,
	gs *gitsync.Service,
	streamer *board.Streamer,
	pm *profiles.Manager,
	log *logger.Logger,
) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		store:     st,
		lifecycle: lm,
		container: cs,
		gitsync:   gs,
		streamer:  streamer,
		profiles:  pm,
		logger:    log.WithFields(zap.String("component", "api")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts every route on the router.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", s.health)

	api := router.Group("/api/v1")
	{
		api.POST("/projects", s.createProject)
		api.GET("/projects", s.listProjects)
		api.GET("/projects/:project_id", s.getProject)
		api.DELETE("/projects/:project_id", s.deleteProject)

		api.GET("/projects/:project_id/tasks", s.listKanbanTasks)
		api.GET("/projects/:project_id/board/ws", s.streamBoard)
		api.GET("/projects/:project_id/profiles", s.listProfiles)

		api.POST("/projects/:project_id/git/fetch", s.gitFetch)
		api.GET("/projects/:project_id/git/status", s.gitStatus)
		api.POST("/projects/:project_id/git/pull", s.gitPull)

		api.POST("/tasks/create-and-start", s.createAndStartTask)
		api.GET("/tasks/:task_id", s.getTask)
		api.PATCH("/tasks/:task_id", s.updateTask)
		api.DELETE("/tasks/:task_id", s.deleteTask)
		api.GET("/tasks/:task_id/attempts", s.listAttempts)

		api.POST("/attempts/:attempt_id/follow-up", s.followUpAttempt)
		api.POST("/attempts/:attempt_id/stop", s.stopAttempt)
		api.GET("/attempts/:attempt_id/processes", s.listAttemptProcesses)
		api.GET("/attempts/:attempt_id/commit-message", s.attemptCommitMessage)

		api.POST("/runs", s.createRun)
		api.GET("/projects/:project_id/runs", s.listRuns)
		api.GET("/runs/:run_id", s.getRun)
		api.POST("/runs/:run_id/follow-up", s.followUpRun)
		api.POST("/runs/:run_id/stop", s.stopRun)
		api.GET("/runs/:run_id/processes", s.listRunProcesses)
		api.GET("/runs/:run_id/logs/ws", s.streamRunLogs)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
