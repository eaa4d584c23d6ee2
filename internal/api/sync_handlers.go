package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ajitpratap0/legacysync/pkg/store"
)

type historyQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=100"`
}

// POST /sync
func (h *handlers) triggerSync(c *gin.Context) {
	res, err := h.sync.Trigger(c.Request.Context())
	if err != nil {
		h.abort(c, err)
		return
	}
	requestLogger(c, h.logger).Info("sync requested",
		zap.Int64("sync_log_id", res.SyncLogID),
		zap.Bool("already_running", res.AlreadyRunning))
	c.JSON(http.StatusAccepted, res)
}

// GET /sync/status
func (h *handlers) syncStatus(c *gin.Context) {
	status, err := h.sync.LatestStatus(c.Request.Context())
	if errors.Is(err, store.ErrNotFound) {
		h.abort(c, err, "No synchronization found")
		return
	}
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GET /sync/history
func (h *handlers) syncHistory(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.abort(c, bindError(err))
		return
	}
	logs, err := h.sync.History(c.Request.Context(), q.Limit)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// POST /sync/reset
func (h *handlers) resetSync(c *gin.Context) {
	res, err := h.sync.Reset(c.Request.Context())
	if err != nil {
		h.abort(c, err)
		return
	}
	if res == nil {
		h.abort(c, notFound("No synchronization in progress to reset"))
		return
	}
	c.JSON(http.StatusOK, res)
}
