package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"guild-portal-service/metrics"
	"guild-portal-service/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Callback terminal states, as counted in oauth_callbacks_total.
const (
	callbackSuccess     = "success"
	callbackError       = "error"
	callbackMissingCode = "missing_code"
)

type OAuthHandler struct {
	Auth        *services.DiscordAuthService
	FrontendURL string
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

func NewOAuthHandler(auth *services.DiscordAuthService, frontendURL string, logger *zap.Logger, m *metrics.Metrics) *OAuthHandler {
	return &OAuthHandler{Auth: auth, FrontendURL: frontendURL, Logger: logger, Metrics: m}
}

// Login redirects the browser to Discord's consent screen.
func (h *OAuthHandler) Login(c *gin.Context) {
	target, err := h.Auth.AuthorizeURL()
	if err != nil {
		c.String(http.StatusInternalServerError, "Server missing DISCORD_CLIENT_ID")
		return
	}
	c.Redirect(http.StatusFound, target)
}

// Callback finishes a login. Apart from a missing code it always answers
// with a redirect to the front end, carrying either auth or auth_error.
func (h *OAuthHandler) Callback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		h.Metrics.OAuthCallback(callbackMissingCode)
		c.String(http.StatusBadRequest, "No code provided")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			h.Logger.Error("OAuth callback panicked", zap.Any("panic", r), zap.Stack("stack"))
			h.redirectError(c, fmt.Sprint(r))
		}
	}()

	result, err := h.Auth.Authenticate(c.Request.Context(), code)
	if err != nil {
		fields := []zap.Field{zap.Error(err)}
		var stageErr *services.StageError
		if errors.As(err, &stageErr) {
			fields = append(fields, zap.String("stage", stageErr.Stage))
		}
		if detail, ok := services.UpstreamDetail(err); ok {
			fields = append(fields, zap.Int("status", detail.Status), zap.String("body", detail.Body))
		}
		h.Logger.Error("OAuth login failed", fields...)
		h.redirectError(c, services.ErrorDetail(err))
		return
	}

	encoded, err := services.EncodeAuthResult(result)
	if err != nil {
		h.Logger.Error("Failed to encode auth result", zap.Error(err))
		h.redirectError(c, err.Error())
		return
	}

	h.Logger.Info("OAuth login succeeded",
		zap.String("user_id", result.ID),
		zap.Bool("is_member", result.IsMember))
	h.Metrics.OAuthCallback(callbackSuccess)
	c.Redirect(http.StatusFound, h.FrontendURL+"/?"+url.Values{"auth": {encoded}}.Encode())
}

func (h *OAuthHandler) redirectError(c *gin.Context, detail string) {
	h.Metrics.OAuthCallback(callbackError)
	c.Redirect(http.StatusFound, h.FrontendURL+"/?auth_error="+url.QueryEscape(detail))
}
