package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// listProfiles reports the executor profiles available to a project. A
// project whose workspace was never registered (or has no profile directory)
// answers with an empty map rather than an error.
func (s *Server) listProfiles(c *gin.Context) {
	projectID := c.Param("project_id")
	if _, err := s.store.GetProject(c.Request.Context(), projectID); err != nil {
		respondError(c, s.logger, err)
		return
	}

	executors := map[string][]string{}
	if s.profiles != nil {
		if cache, ok := s.profiles.ForProject(projectID); ok {
			for _, executor := range cache.Executors() {
				executors[executor] = cache.Variants(executor)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"executors": executors})
}
