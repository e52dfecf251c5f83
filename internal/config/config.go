package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Version is set at build time via -ldflags
var Version = "dev"

// EnvPrefix is prepended to every configuration key.
const EnvPrefix = "REQUESTARR_"

// ProviderConfig describes one external download manager.
type ProviderConfig struct {
	URL              string
	APIKey           string
	QualityProfileID int
	RootFolder       string
	// LanguageProfileID is only sent to the episode manager.
	LanguageProfileID int
}

// Enabled reports whether the provider has enough configuration to be called.
func (p ProviderConfig) Enabled() bool {
	return p.URL != "" && p.APIKey != ""
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Port      string
	BasePath  string
	LogLevel  string
	PublicURL string // deep-link base used in notifications

	DataDir      string
	DatabasePath string
	LogDir       string

	Radarr ProviderConfig
	Sonarr ProviderConfig

	TMDBAPIKey  string
	TMDBBaseURL string

	ArrRateLimitRPS   float64
	ArrRateLimitBurst int

	// ProviderTimeout bounds each provider call made by sync and approval.
	ProviderTimeout time.Duration
	// SyncConcurrency bounds the number of requests reconciled in parallel.
	SyncConcurrency int
	// SyncSchedule is the cron expression for the background pending sync.
	SyncSchedule string
	// BulkApproveSyncDelay is the window between a bulk approval and the
	// follow-up pass that submits those requests to the providers.
	BulkApproveSyncDelay time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RecentCacheTTL time.Duration

	AMQPURL string

	TelegramBotToken string
	WebPushEndpoint  string

	// EncryptionKey enables at-rest encryption of notification endpoint configs.
	EncryptionKey string

	NotificationMaxAttempts int
	RetentionDays           int
}

var cfg *Config

// Load reads configuration from environment variables (and a .env file, if one
// exists in the working directory). Should be called once at startup.
func Load() *Config {
	// Missing .env is the normal case in containers.
	_ = godotenv.Load()

	dataDir := getEnvOrDefault("DATA_DIR", "")
	if dataDir == "" {
		if info, err := os.Stat("/config"); err == nil && info.IsDir() {
			dataDir = "/config"
		} else if cwd, err := os.Getwd(); err == nil {
			dataDir = filepath.Join(cwd, "config")
		} else {
			dataDir = "./config"
		}
	}
	if abs, err := filepath.Abs(dataDir); err == nil {
		dataDir = abs
	}
	_ = os.MkdirAll(dataDir, 0755)

	dbPath := getEnvOrDefault("DATABASE_PATH", filepath.Join(dataDir, "requestarr.db"))
	logDir := filepath.Join(dataDir, "logs")

	port := getEnvOrDefault("PORT", "3095")

	cfg = &Config{
		Port:         port,
		BasePath:     normalizeBasePath(getEnvOrDefault("BASE_PATH", "/")),
		LogLevel:     normalizeLogLevel(getEnvOrDefault("LOG_LEVEL", "info")),
		PublicURL:    strings.TrimSuffix(getEnvOrDefault("PUBLIC_URL", "http://localhost:"+port), "/"),
		DataDir:      dataDir,
		DatabasePath: dbPath,
		LogDir:       logDir,
		Radarr: ProviderConfig{
			URL:              getEnvOrDefault("RADARR_URL", ""),
			APIKey:           getEnvOrDefault("RADARR_API_KEY", ""),
			QualityProfileID: getEnvIntOrDefault("RADARR_QUALITY_PROFILE_ID", 1),
			RootFolder:       getEnvOrDefault("RADARR_ROOT_FOLDER", "/movies"),
		},
		Sonarr: ProviderConfig{
			URL:               getEnvOrDefault("SONARR_URL", ""),
			APIKey:            getEnvOrDefault("SONARR_API_KEY", ""),
			QualityProfileID:  getEnvIntOrDefault("SONARR_QUALITY_PROFILE_ID", 1),
			RootFolder:        getEnvOrDefault("SONARR_ROOT_FOLDER", "/tv"),
			LanguageProfileID: getEnvIntOrDefault("SONARR_LANGUAGE_PROFILE_ID", 1),
		},
		TMDBAPIKey:              getEnvOrDefault("TMDB_API_KEY", ""),
		TMDBBaseURL:             getEnvOrDefault("TMDB_BASE_URL", "https://api.themoviedb.org/3"),
		ArrRateLimitRPS:         getEnvFloatOrDefault("ARR_RATE_LIMIT_RPS", 5.0),
		ArrRateLimitBurst:       getEnvIntOrDefault("ARR_RATE_LIMIT_BURST", 10),
		ProviderTimeout:         getEnvDurationOrDefault("PROVIDER_TIMEOUT", 15*time.Second),
		SyncConcurrency:         getEnvIntOrDefault("SYNC_CONCURRENCY", 4),
		SyncSchedule:            getEnvOrDefault("SYNC_SCHEDULE", "*/5 * * * *"),
		BulkApproveSyncDelay:    getEnvDurationOrDefault("BULK_APPROVE_SYNC_DELAY", 30*time.Second),
		RedisAddr:               getEnvOrDefault("REDIS_ADDR", ""),
		RedisPassword:           getEnvOrDefault("REDIS_PASSWORD", ""),
		RedisDB:                 getEnvIntOrDefault("REDIS_DB", 0),
		RecentCacheTTL:          getEnvDurationOrDefault("RECENT_CACHE_TTL", 5*time.Minute),
		AMQPURL:                 getEnvOrDefault("AMQP_URL", ""),
		TelegramBotToken:        getEnvOrDefault("TELEGRAM_BOT_TOKEN", ""),
		WebPushEndpoint:         getEnvOrDefault("WEBPUSH_ENDPOINT", ""),
		EncryptionKey:           getEnvOrDefault("ENCRYPTION_KEY", ""),
		NotificationMaxAttempts: getEnvIntOrDefault("NOTIFICATION_MAX_ATTEMPTS", 3),
		RetentionDays:           getEnvIntOrDefault("RETENTION_DAYS", 90),
	}

	if cfg.SyncConcurrency < 1 {
		cfg.SyncConcurrency = 1
	}
	return cfg
}

// Get returns the current configuration. Panics if Load() hasn't been called.
func Get() *Config {
	if cfg == nil {
		panic("config.Load() must be called before config.Get()")
	}
	return cfg
}

// SetForTesting installs c as the global config. Test code only.
func SetForTesting(c *Config) {
	cfg = c
}

// NewTestConfig returns a minimal Config suitable for unit tests.
func NewTestConfig() *Config {
	return &Config{
		Port:                    "8080",
		BasePath:                "/",
		LogLevel:                "debug",
		PublicURL:               "http://requestarr.test",
		DataDir:                 "/tmp/requestarr-test",
		DatabasePath:            "/tmp/requestarr-test/requestarr.db",
		LogDir:                  "/tmp/requestarr-test/logs",
		Radarr:                  ProviderConfig{QualityProfileID: 1, RootFolder: "/movies"},
		Sonarr:                  ProviderConfig{QualityProfileID: 1, RootFolder: "/tv", LanguageProfileID: 1},
		ArrRateLimitRPS:         100,
		ArrRateLimitBurst:       100,
		ProviderTimeout:         2 * time.Second,
		SyncConcurrency:         2,
		SyncSchedule:            "*/5 * * * *",
		BulkApproveSyncDelay:    30 * time.Second,
		RecentCacheTTL:          time.Minute,
		NotificationMaxAttempts: 2,
		RetentionDays:           90,
	}
}

func normalizeBasePath(basePath string) string {
	if basePath == "" || basePath == "/" {
		return "/"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return strings.TrimSuffix(basePath, "/")
}

func normalizeLogLevel(level string) string {
	level = strings.ToLower(level)
	switch level {
	case "debug", "info", "warn", "error":
		return level
	default:
		return "info"
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault accepts Go duration strings like "30s" or "5m".
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// FlagOverrides holds command-line flag values that take precedence over the environment.
type FlagOverrides struct {
	Port                 *string
	BasePath             *string
	LogLevel             *string
	DataDir              *string
	DatabasePath         *string
	SyncSchedule         *string
	SyncConcurrency      *int
	ProviderTimeout      *time.Duration
	BulkApproveSyncDelay *time.Duration
	RetentionDays        *int
}

// ApplyFlags applies non-empty flag values on top of the loaded configuration.
func ApplyFlags(flags FlagOverrides) {
	if cfg == nil {
		return
	}

	if flags.Port != nil && *flags.Port != "" {
		cfg.Port = *flags.Port
	}
	if flags.BasePath != nil && *flags.BasePath != "" {
		cfg.BasePath = normalizeBasePath(*flags.BasePath)
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.LogLevel = normalizeLogLevel(*flags.LogLevel)
	}
	if flags.DataDir != nil && *flags.DataDir != "" {
		cfg.DataDir = *flags.DataDir
		cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
	}
	if flags.DatabasePath != nil && *flags.DatabasePath != "" {
		cfg.DatabasePath = *flags.DatabasePath
	}
	if flags.SyncSchedule != nil && *flags.SyncSchedule != "" {
		cfg.SyncSchedule = *flags.SyncSchedule
	}
	if flags.SyncConcurrency != nil && *flags.SyncConcurrency > 0 {
		cfg.SyncConcurrency = *flags.SyncConcurrency
	}
	if flags.ProviderTimeout != nil && *flags.ProviderTimeout != 0 {
		cfg.ProviderTimeout = *flags.ProviderTimeout
	}
	if flags.BulkApproveSyncDelay != nil && *flags.BulkApproveSyncDelay != 0 {
		cfg.BulkApproveSyncDelay = *flags.BulkApproveSyncDelay
	}
	if flags.RetentionDays != nil {
		cfg.RetentionDays = *flags.RetentionDays
	}
}
