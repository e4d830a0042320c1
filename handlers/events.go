package handlers

import (
	"net/http"

	"guild-portal-service/models"
	"guild-portal-service/services"
	"guild-portal-service/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type EventHandler struct {
	Events *services.EventService
	Logger *zap.Logger
}

func (h *EventHandler) ListEvents(c *gin.Context) {
	events, err := h.Events.List()
	if err != nil {
		h.Logger.Error("Failed to read events", zap.Error(err))
		utils.InternalErrorResponse(c, "Failed to read events")
		return
	}
	c.JSON(http.StatusOK, events)
}

// SaveEvent inserts the posted event, or replaces the one with its id.
func (h *EventHandler) SaveEvent(c *gin.Context) {
	var event models.Event
	if err := c.ShouldBindJSON(&event); err != nil || event == nil {
		utils.BadRequestResponse(c, "Request body must be a JSON object")
		return
	}

	saved, err := h.Events.Upsert(event)
	if err != nil {
		h.Logger.Error("Failed to save events", zap.Error(err))
		utils.InternalErrorResponse(c, "Failed to save events")
		return
	}
	utils.SuccessResponse(c, gin.H{"event": saved})
}

func (h *EventHandler) DeleteEvent(c *gin.Context) {
	if err := h.Events.Delete(c.Param("id")); err != nil {
		h.Logger.Error("Failed to save events", zap.Error(err))
		utils.InternalErrorResponse(c, "Failed to save events")
		return
	}
	utils.SuccessResponse(c, nil)
}
