package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgeboard/forgeboard/internal/lifecycle"
	"github.com/forgeboard/forgeboard/internal/store"
)

type httpFollowUpRequest struct {
	Prompt  string `json:"prompt" binding:"required"`
	Variant string `json:"variant"`
}

func (s *Server) createRun(c *gin.Context) {
	var body lifecycle.CreateRunRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	run, err := s.lifecycle.CreateRun(c.Request.Context(), body)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.store.ListRunsByProject(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.store.GetRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) followUpRun(c *gin.Context) {
	s.followUp(c, store.RunSubject(c.Param("run_id")))
}

func (s *Server) followUpAttempt(c *gin.Context) {
	s.followUp(c, store.AttemptSubject(c.Param("attempt_id")))
}

func (s *Server) followUp(c *gin.Context, subject store.Subject) {
	var body httpFollowUpRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	process, err := s.lifecycle.FollowUp(c.Request.Context(), subject, body.Prompt, body.Variant)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, process)
}

func (s *Server) stopRun(c *gin.Context) {
	s.stop(c, store.RunSubject(c.Param("run_id")))
}

func (s *Server) stopAttempt(c *gin.Context) {
	s.stop(c, store.AttemptSubject(c.Param("attempt_id")))
}

func (s *Server) stop(c *gin.Context, subject store.Subject) {
	if err := s.lifecycle.Stop(c.Request.Context(), subject); err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) listRunProcesses(c *gin.Context) {
	s.listProcesses(c, store.RunSubject(c.Param("run_id")))
}

func (s *Server) listAttemptProcesses(c *gin.Context) {
	s.listProcesses(c, store.AttemptSubject(c.Param("attempt_id")))
}

func (s *Server) listProcesses(c *gin.Context, subject store.Subject) {
	processes, err := s.store.ListProcesses(c.Request.Context(), subject)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"processes": processes})
}
