package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"guild-portal-service/config"
	"guild-portal-service/database"
	"guild-portal-service/handlers"
	"guild-portal-service/metrics"
	"guild-portal-service/middleware"
	"guild-portal-service/services"
	"guild-portal-service/utils"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// `guild-portal-service hash-password` reads a password from stdin and
	// prints a value for ADMIN_PASSWORD_HASH.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := printPasswordHash(); err != nil {
			log.Fatal("Failed to hash password:", err)
		}
		return
	}

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		log.Fatal("Failed to load configuration:", err)
	}
	cfg := config.AppConfig

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal("Failed to build logger:", err)
	}
	defer logger.Sync()

	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	// Initialize storage
	store, err := database.Open(cfg.StorageDriver, cfg.DataDir, cfg.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.String("driver", cfg.StorageDriver), zap.Error(err))
	}

	m := metrics.New()
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	var bot *discordgo.Session
	var fetcher services.StatsFetcher
	if cfg.DiscordBotToken != "" {
		bot, err = services.NewDiscordSession("Bot "+strings.TrimPrefix(cfg.DiscordBotToken, "Bot "), httpClient)
		if err != nil {
			logger.Fatal("Failed to create Discord bot session", zap.Error(err))
		}
		anon, err := services.NewDiscordSession("", httpClient)
		if err != nil {
			logger.Fatal("Failed to create Discord session", zap.Error(err))
		}
		fetcher = services.NewDiscordStatsFetcher(bot, anon, cfg.DiscordGuildID, logger, m)
	}

	cache := services.NewCacheStore(store, database.StatsCacheKey, logger)
	stats := services.NewStatsService(cache, fetcher, cfg.StatsCacheTTL, logger, m)
	auth := services.NewDiscordAuthService(services.DiscordAuthConfig{
		ClientID:     cfg.DiscordClientID,
		ClientSecret: cfg.DiscordClientSecret,
		RedirectURI:  cfg.RedirectURI(),
		GuildID:      cfg.DiscordGuildID,
	}, bot, httpClient, logger, m)

	logger.Info("OAuth configuration",
		zap.Bool("client_id_loaded", cfg.DiscordClientID != ""),
		zap.Bool("client_secret_loaded", cfg.DiscordClientSecret != ""),
		zap.String("redirect_uri", cfg.RedirectURI()))

	h := handlers.Handlers{
		Stats: handlers.NewStatsHandler(stats, logger),
		OAuth: handlers.NewOAuthHandler(auth, cfg.FrontendURL, logger, m),
		Admin: &handlers.AdminHandler{
			Password:     cfg.AdminPassword,
			PasswordHash: cfg.AdminPasswordHash,
			TokenSecret:  cfg.AdminTokenSecret,
			TokenTTL:     cfg.AdminTokenTTL(),
			Turnstile:    utils.NewTurnstileVerifier(cfg.TurnstileEnabled, cfg.TurnstileSecretKey, cfg.TurnstileAllowedHostname, logger),
			Logger:       logger,
		},
		Content: &handlers.ContentHandler{Content: services.NewContentService(store, logger), Logger: logger},
		Events:  &handlers.EventHandler{Events: services.NewEventService(store, logger), Logger: logger},
		Uploads: &handlers.UploadHandler{
			Uploads: services.NewUploadService(cfg.UploadDir, handlers.UploadsPath, logger),
			Logger:  logger,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Admin login: 10 attempts per minute, then a 5 minute lockout
	loginLimiter := middleware.NewRateLimiter(10, time.Minute, 5*time.Minute)
	go loginLimiter.Cleanup(ctx, 10*time.Minute)

	opts := handlers.RouterOptions{
		AdminTokenSecret: cfg.AdminTokenSecret,
		LoginLimiter:     loginLimiter,
		Metrics:          m,
		Logger:           logger,
		UploadDir:        cfg.UploadDir,
		TrustedProxies:   cfg.TrustedProxies,
	}
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
		opts.DistDir = cfg.DistDir
	}
	router, err := handlers.NewRouter(h, opts)
	if err != nil {
		logger.Fatal("Failed to build router", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Port), zap.Bool("production", cfg.Production))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func printPasswordHash() error {
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}
	hash, err := utils.HashAdminPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
