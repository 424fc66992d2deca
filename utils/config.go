package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig
	Reddit    RedditConfig
	Database  DatabaseConfig
	Server    ServerConfig
	Rules     RulesConfig
	Moderator ModeratorConfig
	Notify    NotifyConfig
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Name    string
	Version string
}

// RedditConfig holds Reddit API configuration
type RedditConfig struct {
	ClientID     string
	ClientSecret string
	Username     string // moderator account the bot acts as
	Password     string
	UserAgent    string
	// Subreddits are registered (enabled) at start-up if missing from the database
	Subreddits           []string
	PollingInterval      int
	MaxRequestsPerMinute int // value is per minute, multiply by 10 for 10-minute rate
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port int
}

// RulesConfig controls how condition patterns are compiled
type RulesConfig struct {
	CaseInsensitive bool
}

// ModeratorConfig holds settings for the polling loop
type ModeratorConfig struct {
	Concurrency     int // subreddits checked in parallel
	ItemLimit       int // items requested per listing
	AuthorCacheSize int
	AuthorCacheTTL  time.Duration
	DryRun          bool // decide and log, but never call Reddit's moderation endpoints
}

// NotifyConfig holds operator notification settings
type NotifyConfig struct {
	SlackWebhookURL string
}

// LoadConfig loads configuration from .env file, falling back to the process
// environment when the file does not exist
func LoadConfig(envPath string, log *logrus.Logger) (*Config, error) {
	if envPath == "" {
		envPath = ".env"
	}

	if err := godotenv.Load(envPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
		log.WithField("file", envPath).Warn("No .env file found, using process environment")
	}

	config := &Config{
		App: AppConfig{
			Name:    getEnv("APP_NAME", "Reddit Modbot"),
			Version: getEnv("APP_VERSION", "1.0.0"),
		},
		Reddit: RedditConfig{
			ClientID:             getEnv("REDDIT_CLIENT_ID", ""),
			ClientSecret:         getEnv("REDDIT_CLIENT_SECRET", ""),
			Username:             getEnv("REDDIT_USERNAME", ""),
			Password:             getEnv("REDDIT_PASSWORD", ""),
			UserAgent:            getEnv("REDDIT_USER_AGENT", ""),
			Subreddits:           parseSubreddits(getEnv("REDDIT_SUBREDDITS", "")),
			PollingInterval:      getEnvAsInt("REDDIT_POLLING_INTERVAL", 60),
			MaxRequestsPerMinute: getEnvAsInt("REDDIT_MAX_REQUESTS_PER_MINUTE", 100),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./modbot.db"),
		},
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
		},
		Rules: RulesConfig{
			CaseInsensitive: getEnvAsBool("RULES_CASE_INSENSITIVE", false),
		},
		Moderator: ModeratorConfig{
			Concurrency:     getEnvAsInt("MODERATOR_CONCURRENCY", 4),
			ItemLimit:       getEnvAsInt("MODERATOR_ITEM_LIMIT", 100),
			AuthorCacheSize: getEnvAsInt("AUTHOR_CACHE_SIZE", 5000),
			AuthorCacheTTL:  time.Duration(getEnvAsInt("AUTHOR_CACHE_TTL_MINUTES", 30)) * time.Minute,
			DryRun:          getEnvAsBool("MODERATOR_DRY_RUN", false),
		},
		Notify: NotifyConfig{
			SlackWebhookURL: getEnv("SLACK_WEBHOOK_URL", ""),
		},
	}

	// validation
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	log.WithField("file", envPath).Info("Config loaded successfully")
	return config, nil
}

// parseSubreddits parses a comma-separated list of subreddits, dropping any /r/ prefix
func parseSubreddits(subredditsStr string) []string {
	parts := strings.Split(subredditsStr, ",")

	subreddits := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		trimmed = strings.TrimPrefix(trimmed, "/")
		trimmed = strings.TrimPrefix(trimmed, "r/")
		if trimmed != "" {
			subreddits = append(subreddits, trimmed)
		}
	}

	return subreddits
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt gets an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	// Check Reddit API credentials
	if config.Reddit.ClientID == "" {
		return fmt.Errorf("REDDIT_CLIENT_ID environment variable is required")
	}
	if config.Reddit.ClientSecret == "" {
		return fmt.Errorf("REDDIT_CLIENT_SECRET environment variable is required")
	}

	// moderation endpoints need a user token, app-only auth cannot approve or remove
	if config.Reddit.Username == "" || config.Reddit.Password == "" {
		return fmt.Errorf("REDDIT_USERNAME and REDDIT_PASSWORD environment variables are required")
	}

	// User-Agent required per API documentation;  it has strict requirements.  see example.env
	if config.Reddit.UserAgent == "" {
		return fmt.Errorf("REDDIT_USER_AGENT environment variable is required")
	}
	if config.Reddit.PollingInterval < 1 {
		return fmt.Errorf("REDDIT_POLLING_INTERVAL must be positive")
	}
	if config.Moderator.Concurrency < 1 {
		return fmt.Errorf("MODERATOR_CONCURRENCY must be positive")
	}
	if config.Moderator.ItemLimit < 1 || config.Moderator.ItemLimit > 100 {
		return fmt.Errorf("MODERATOR_ITEM_LIMIT must be between 1 and 100")
	}

	// if we are storing the db in a nested directory, create the directory
	dbDir := filepath.Dir(config.Database.Path)
	if dbDir != "." && dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return nil
}
