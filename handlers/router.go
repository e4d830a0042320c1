package handlers

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"guild-portal-service/metrics"
	"guild-portal-service/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const UploadsPath = "/gallery-uploads"

type Handlers struct {
	Stats   *StatsHandler
	OAuth   *OAuthHandler
	Admin   *AdminHandler
	Content *ContentHandler
	Events  *EventHandler
	Uploads *UploadHandler
}

type RouterOptions struct {
	AdminTokenSecret string
	LoginLimiter     *middleware.RateLimiter
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
	UploadDir        string
	// TrustedProxies may set X-Forwarded-For; nil trusts no proxy, so the
	// login rate limit keys on the socket peer.
	TrustedProxies []string
	// DistDir, when set, serves the built front end with index.html as the
	// fallback for unknown non-API paths.
	DistDir string
}

func NewRouter(h Handlers, opts RouterOptions) (*gin.Engine, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(opts.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	router.Use(middleware.RequestLogger(opts.Logger), gin.Recovery(), middleware.CORS())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	// Public routes
	public := router.Group("/api")
	{
		public.GET("/discord-stats", h.Stats.GetDiscordStats)
		public.GET("/auth/login", h.OAuth.Login)
		public.GET("/auth/callback", h.OAuth.Callback)
		public.GET("/content", h.Content.GetContent)
		public.GET("/events", h.Events.ListEvents)

		if opts.LoginLimiter != nil {
			public.POST("/login", opts.LoginLimiter.Middleware(), h.Admin.Login)
		} else {
			public.POST("/login", h.Admin.Login)
		}
	}

	// Admin routes
	admin := router.Group("/api")
	admin.Use(middleware.AdminAuthMiddleware(opts.AdminTokenSecret))
	{
		admin.POST("/content", h.Content.UpdateContent)
		admin.POST("/upload", h.Uploads.UploadImage)
		admin.POST("/events", h.Events.SaveEvent)
		admin.DELETE("/events/:id", h.Events.DeleteEvent)
	}

	if opts.UploadDir != "" {
		router.Static(UploadsPath, opts.UploadDir)
	}

	router.NoRoute(spaFallback(opts.DistDir))
	return router, nil
}

func spaFallback(distDir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := c.Request.URL.Path
		if distDir == "" || strings.HasPrefix(p, "/api/") || c.Request.Method != http.MethodGet {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
			return
		}

		// path.Clean on a rooted path cannot climb above distDir.
		file := filepath.Join(distDir, filepath.FromSlash(path.Clean("/"+p)))
		if info, err := os.Stat(file); err == nil && !info.IsDir() {
			c.File(file)
			return
		}
		c.File(filepath.Join(distDir, "index.html"))
	}
}
