package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgeboard/forgeboard/internal/gitsync"
)

// Tokens arrive in request bodies and flow straight to the git transport;
// they must never reach logs or response payloads.
type httpGitFetchRequest struct {
	Token string `json:"token"`
}

type httpGitPullRequest struct {
	Branch   string `json:"branch" binding:"required"`
	Token    string `json:"token"`
	Strategy string `json:"strategy"`
}

func (s *Server) gitFetch(c *gin.Context) {
	var body httpGitFetchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	project, err := s.store.GetProject(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}

	result, err := s.gitsync.Fetch(c.Request.Context(), project.GitRepoPath, body.Token)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) gitStatus(c *gin.Context) {
	project, err := s.store.GetProject(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}

	status, err := s.gitsync.SyncStatus(c.Request.Context(), project.GitRepoPath)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) gitPull(c *gin.Context) {
	var body httpGitPullRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	strategy := gitsync.PullStrategy(body.Strategy)
	if strategy == "" {
		strategy = gitsync.PullStrategyFastForward
	}

	project, err := s.store.GetProject(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}

	result, err := s.gitsync.Pull(c.Request.Context(), project.GitRepoPath, body.Branch, body.Token, strategy)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
