// Package api exposes the HTTP and websocket surface. Handlers are thin:
// all semantics live in the lifecycle, gitsync, container, and board
// services.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/forgeboard/forgeboard/internal/common/logger"
	"github.com/forgeboard/forgeboard/internal/gitsync"
	"github.com/forgeboard/forgeboard/internal/lifecycle"
	"github.com/forgeboard/forgeboard/internal/store"
)

// respondError maps service errors onto the HTTP taxonomy: not-found 404,
// validation 400, conflict and divergence 409 (divergence with a structured
// body), everything else 500 after logging.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	var diverged *gitsync.DivergedError
	if errors.As(err, &diverged) {
		c.JSON(http.StatusConflict, gin.H{
			"error":  diverged.Error(),
			"branch": diverged.Branch,
			"ahead":  diverged.Ahead,
			"behind": diverged.Behind,
		})
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrRunningProcesses),
		errors.Is(err, store.ErrContainerRefTaken),
		errors.Is(err, gitsync.ErrDirtyWorktree),
		errors.Is(err, gitsync.ErrWrongBranch):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
