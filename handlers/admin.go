package handlers

import (
	"net/http"
	"time"

	"guild-portal-service/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const turnstileLoginAction = "admin_login"

type AdminLoginRequest struct {
	Password       string `json:"password" binding:"required"`
	TurnstileToken string `json:"turnstile_token"`
}

type AdminHandler struct {
	Password     string
	PasswordHash string
	TokenSecret  string
	TokenTTL     time.Duration
	Turnstile    *utils.TurnstileVerifier
	Logger       *zap.Logger
}

// Login exchanges the admin password for a bearer token.
func (h *AdminHandler) Login(c *gin.Context) {
	var req AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body")
		return
	}

	if internal, err := h.Turnstile.Verify(c.Request.Context(), req.TurnstileToken, c.ClientIP(), turnstileLoginAction); err != nil {
		if internal {
			utils.InternalErrorResponse(c, "Captcha verification unavailable")
			return
		}
		utils.BadRequestResponse(c, err.Error())
		return
	}

	if !utils.VerifyAdminPassword(req.Password, h.Password, h.PasswordHash) {
		h.Logger.Warn("Admin login rejected", zap.String("client_ip", c.ClientIP()))
		utils.FailureMessageResponse(c, http.StatusUnauthorized, "Invalid password")
		return
	}

	token, _, err := utils.GenerateAdminToken(h.TokenSecret, h.TokenTTL)
	if err != nil {
		h.Logger.Error("Failed to sign admin token", zap.Error(err))
		utils.InternalErrorResponse(c, "Failed to generate token")
		return
	}

	h.Logger.Info("Admin logged in", zap.String("client_ip", c.ClientIP()))
	utils.SuccessResponse(c, gin.H{
		"token":      token,
		"expires_in": int(h.TokenTTL.Seconds()),
	})
}
