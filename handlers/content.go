package handlers

import (
	"net/http"

	"guild-portal-service/services"
	"guild-portal-service/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ContentHandler struct {
	Content *services.ContentService
	Logger  *zap.Logger
}

func (h *ContentHandler) GetContent(c *gin.Context) {
	content, err := h.Content.Get()
	if err != nil {
		h.Logger.Error("Failed to read content", zap.Error(err))
		utils.InternalErrorResponse(c, "Failed to read content")
		return
	}
	c.JSON(http.StatusOK, content)
}

// UpdateContent merges the posted object over the stored document.
func (h *ContentHandler) UpdateContent(c *gin.Context) {
	var patch services.Content
	if err := c.ShouldBindJSON(&patch); err != nil || patch == nil {
		utils.BadRequestResponse(c, "Request body must be a JSON object")
		return
	}

	if _, err := h.Content.Merge(patch); err != nil {
		h.Logger.Error("Failed to save content", zap.Error(err))
		utils.InternalErrorResponse(c, "Failed to save content")
		return
	}
	utils.SuccessResponse(c, nil)
}
