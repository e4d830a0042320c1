package handlers

import (
	"errors"
	"net/http"

	"guild-portal-service/services"
	"guild-portal-service/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// multipart overhead allowed on top of the file itself
const uploadBodySlack = 1 << 20

type UploadHandler struct {
	Uploads *services.UploadService
	Logger  *zap.Logger
}

// UploadImage stores the multipart "image" field. Admin auth runs first,
// so unauthenticated bodies are never parsed.
func (h *UploadHandler) UploadImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, services.MaxUploadSize+uploadBodySlack)

	header, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			utils.BadRequestResponse(c, services.ErrTooLarge.Error())
			return
		}
		utils.BadRequestResponse(c, "No file uploaded")
		return
	}

	result, err := h.Uploads.Save(header)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNoFile), errors.Is(err, services.ErrNotImage), errors.Is(err, services.ErrTooLarge):
			utils.BadRequestResponse(c, err.Error())
		default:
			h.Logger.Error("Failed to store upload", zap.Error(err))
			utils.InternalErrorResponse(c, "Failed to save upload")
		}
		return
	}

	fields := gin.H{"filePath": result.FilePath}
	if result.ThumbnailPath != "" {
		fields["thumbnailPath"] = result.ThumbnailPath
	}
	utils.SuccessResponse(c, fields)
}
