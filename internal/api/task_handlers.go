package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgeboard/forgeboard/internal/commitmsg"
	"github.com/forgeboard/forgeboard/internal/lifecycle"
	"github.com/forgeboard/forgeboard/internal/store"
)

func (s *Server) listKanbanTasks(c *gin.Context) {
	tasks, err := s.store.ListKanbanTasks(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) createAndStartTask(c *gin.Context) {
	var body lifecycle.CreateAndStartRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := s.lifecycle.CreateAndStartTask(c.Request.Context(), body)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.store.GetTask(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) updateTask(c *gin.Context) {
	var body lifecycle.UpdateTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	task, err := s.lifecycle.UpdateTask(c.Request.Context(), c.Param("task_id"), body)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// deleteTask answers 202: the rows are gone but worktree reclamation still
// runs in the background.
func (s *Server) deleteTask(c *gin.Context) {
	if err := s.lifecycle.DeleteTask(c.Request.Context(), c.Param("task_id")); err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) listAttempts(c *gin.Context) {
	attempts, err := s.store.ListAttemptsByTask(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

// attemptCommitMessage builds a commit message for an attempt's changes: the
// executor's last assistant message when it looks like one, otherwise the
// sanitized task title and description.
func (s *Server) attemptCommitMessage(c *gin.Context) {
	ctx := c.Request.Context()

	attempt, err := s.store.GetAttempt(ctx, c.Param("attempt_id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	task, err := s.store.GetTask(ctx, attempt.TaskID)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}

	var executorMessage string
	process, err := s.store.FindLatestProcess(ctx, store.AttemptSubject(attempt.ID))
	if err == nil {
		if msg, msgErr := process.LastAssistantMessage(); msgErr == nil {
			executorMessage = msg
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		respondError(c, s.logger, err)
		return
	}

	message := commitmsg.Generate(task.Title, task.Description, 0, executorMessage)
	c.JSON(http.StatusOK, gin.H{"message": message})
}
