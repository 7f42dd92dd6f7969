package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/forgeboard/forgeboard/internal/store"
)

type httpCreateProjectRequest struct {
	Name          string `json:"name" binding:"required"`
	GitRepoPath   string `json:"git_repo_path" binding:"required"`
	DefaultBranch string `json:"default_branch"`
}

func (s *Server) createProject(c *gin.Context) {
	var body httpCreateProjectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if body.DefaultBranch == "" {
		body.DefaultBranch = "main"
	}

	project := &store.Project{
		Name:          body.Name,
		GitRepoPath:   body.GitRepoPath,
		DefaultBranch: body.DefaultBranch,
	}
	if err := s.store.CreateProject(c.Request.Context(), project); err != nil {
		respondError(c, s.logger, err)
		return
	}

	// Missing profile directories register an empty cache; failures here must
	// not lose the project row.
	if s.profiles != nil {
		if _, err := s.profiles.Register(project.ID, project.GitRepoPath); err != nil {
			s.logger.Warn("failed to register profile cache",
				zap.String("project_id", project.ID),
				zap.Error(err))
		}
	}

	c.JSON(http.StatusCreated, project)
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.store.ListProjects(c.Request.Context())
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) getProject(c *gin.Context) {
	project, err := s.store.GetProject(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (s *Server) deleteProject(c *gin.Context) {
	if err := s.store.DeleteProject(c.Request.Context(), c.Param("project_id")); err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
