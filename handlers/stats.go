package handlers

import (
	"errors"
	"net/http"

	"guild-portal-service/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type StatsHandler struct {
	Stats  *services.StatsService
	Logger *zap.Logger
}

func NewStatsHandler(stats *services.StatsService, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{Stats: stats, Logger: logger}
}

// GetDiscordStats serves guild statistics, from cache when fresh enough.
func (h *StatsHandler) GetDiscordStats(c *gin.Context) {
	data, source, err := h.Stats.Get(c.Request.Context())
	if err != nil {
		if errors.Is(err, services.ErrNotConfigured) {
			h.Logger.Error("Stats requested but DISCORD_BOT_TOKEN is missing")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Server misconfiguration: No Bot Token"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to fetch Discord data",
			"details": services.ErrorDetail(err),
		})
		return
	}

	c.Header("X-Cache", string(source))
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}
