package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

const (
	StorageDriverFile   = "file"
	StorageDriverSQLite = "sqlite"

	defaultGuildID = "1426635201542623314"
)

type Config struct {
	Port string

	// Discord
	DiscordBotToken     string
	DiscordGuildID      string
	DiscordClientID     string
	DiscordClientSecret string
	FrontendURL         string

	// Admin access
	AdminPassword            string
	AdminPasswordHash        string // bcrypt, takes precedence over AdminPassword
	AdminTokenSecret         string
	AdminTokenExpireHours    int
	TurnstileEnabled         bool
	TurnstileSecretKey       string
	TurnstileAllowedHostname string

	// Storage
	StorageDriver string
	DataDir       string
	DBPath        string
	UploadDir     string

	StatsCacheTTL time.Duration
	HTTPTimeout   time.Duration

	Production bool
	DistDir    string
	// TrustedProxies are the addresses allowed to set X-Forwarded-For.
	// Empty means the socket peer is always the client IP.
	TrustedProxies []string

	LogLevel  string
	LogFormat string
}

var AppConfig *Config

// LoadConfig reads .env and the process environment into AppConfig.
func LoadConfig() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := FromEnv()
	if err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

// FromEnv builds a Config from environment variables without touching AppConfig.
func FromEnv() (*Config, error) {
	expireHours, _ := strconv.Atoi(getEnv("ADMIN_TOKEN_EXPIRE_HOURS", "12"))

	ttl, err := time.ParseDuration(getEnv("STATS_CACHE_TTL", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid STATS_CACHE_TTL: %w", err)
	}
	timeout, err := time.ParseDuration(getEnv("HTTP_TIMEOUT", "15s"))
	if err != nil {
		return nil, fmt.Errorf("invalid HTTP_TIMEOUT: %w", err)
	}

	cfg := &Config{
		Port:                     getEnv("PORT", "3000"),
		DiscordBotToken:          strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")),
		DiscordGuildID:           getEnv("DISCORD_GUILD_ID", defaultGuildID),
		DiscordClientID:          strings.TrimSpace(os.Getenv("DISCORD_CLIENT_ID")),
		DiscordClientSecret:      strings.TrimSpace(os.Getenv("DISCORD_CLIENT_SECRET")),
		FrontendURL:              strings.TrimRight(getEnv("FRONTEND_URL", "http://localhost:5173"), "/"),
		AdminPassword:            getEnv("ADMIN_PASSWORD", "admin123"),
		AdminPasswordHash:        os.Getenv("ADMIN_PASSWORD_HASH"),
		AdminTokenSecret:         os.Getenv("ADMIN_TOKEN_SECRET"),
		AdminTokenExpireHours:    expireHours,
		TurnstileEnabled:         getEnv("TURNSTILE_ENABLED", "false") == "true",
		TurnstileSecretKey:       os.Getenv("TURNSTILE_SECRET_KEY"),
		TurnstileAllowedHostname: os.Getenv("TURNSTILE_ALLOWED_HOSTNAME"),
		StorageDriver:            strings.ToLower(getEnv("STORAGE_DRIVER", StorageDriverFile)),
		DataDir:                  getEnv("DATA_DIR", "./data"),
		DBPath:                   getEnv("DB_PATH", "./data/site.db"),
		UploadDir:                getEnv("UPLOAD_DIR", "./gallery-uploads"),
		StatsCacheTTL:            ttl,
		HTTPTimeout:              timeout,
		Production:               os.Getenv("NODE_ENV") == "production",
		DistDir:                  getEnv("DIST_DIR", "./dist"),
		TrustedProxies:           splitList(os.Getenv("TRUSTED_PROXIES")),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		LogFormat:                getEnv("LOG_FORMAT", "json"),
	}

	if cfg.AdminTokenSecret == "" {
		// Tokens issued with a per-process secret stop validating after a restart.
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.AdminTokenSecret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// splitList parses a comma separated env value, dropping empty items.
func splitList(value string) []string {
	items := lo.Compact(lo.Map(strings.Split(value, ","), func(item string, _ int) string {
		return strings.TrimSpace(item)
	}))
	if len(items) == 0 {
		return nil
	}
	return items
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate admin token secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// RedirectURI is the OAuth callback registered with Discord.
func (c *Config) RedirectURI() string {
	return c.FrontendURL + "/api/auth/callback"
}

// AdminTokenTTL is the lifetime of issued admin tokens.
func (c *Config) AdminTokenTTL() time.Duration {
	return time.Duration(c.AdminTokenExpireHours) * time.Hour
}

// Validate rejects configurations the server cannot start with. Missing
// Discord credentials are not errors; those features degrade instead.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverFile, StorageDriverSQLite:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}

	if c.StatsCacheTTL <= 0 {
		return fmt.Errorf("STATS_CACHE_TTL must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}
	if c.AdminTokenExpireHours <= 0 {
		return fmt.Errorf("ADMIN_TOKEN_EXPIRE_HOURS must be positive")
	}

	u, err := url.Parse(c.FrontendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("FRONTEND_URL must be an absolute URL, got %q", c.FrontendURL)
	}

	if c.TurnstileEnabled && c.TurnstileSecretKey == "" {
		return fmt.Errorf("TURNSTILE_SECRET_KEY is required when TURNSTILE_ENABLED is true")
	}
	return nil
}

// Warnings lists degraded-mode conditions worth logging at startup.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.DiscordBotToken == "" {
		warnings = append(warnings, "DISCORD_BOT_TOKEN is missing: stats endpoint disabled, membership lookup skipped")
	}
	if c.DiscordClientID == "" {
		warnings = append(warnings, "DISCORD_CLIENT_ID is missing: Discord login disabled")
	}
	if c.DiscordClientID != "" && c.DiscordClientSecret == "" {
		warnings = append(warnings, "DISCORD_CLIENT_SECRET is missing: token exchange will fail")
	}
	if os.Getenv("ADMIN_TOKEN_SECRET") == "" {
		warnings = append(warnings, "ADMIN_TOKEN_SECRET is not set: admin tokens will not survive a restart")
	}
	if c.AdminPasswordHash == "" && c.AdminPassword == "admin123" {
		warnings = append(warnings, "ADMIN_PASSWORD is the default value")
	}
	return warnings
}
