package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Browser   BrowserConfig
	Scraper   ScraperConfig
	Scheduler SchedulerConfig
	Mail      MailConfig
	Storage   StorageConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type DatabaseConfig struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	MaxConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type BrowserConfig struct {
	Headless       bool
	LaunchTimeout  time.Duration
	LaunchAttempts int
	LaunchBackoff  time.Duration
	HealthTimeout  time.Duration
	HealthInterval time.Duration
	ProxyServer    string
}

type ScraperConfig struct {
	NavigationTimeout  time.Duration
	NavigationAttempts int
	SelectorTimeout    time.Duration
	ConsentTimeout     time.Duration
	RateLimitMin       time.Duration
	RateLimitMax       time.Duration
	ImageTimeout       time.Duration
	ImageMaxBytes      int64
	UserAgents         []string
}

type SchedulerConfig struct {
	Interval         time.Duration
	Schedule         string
	HistoryRetention time.Duration
	MaxConcurrent    int
	TickTimeout      time.Duration
}

type MailConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
}

type StorageConfig struct {
	Backend   string
	Dir       string
	BaseURL   string
	GCSBucket string
}

type LoggingConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getIntOrDefault("SERVER_PORT", 8080),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getStringSliceOrDefault("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
		Database: DatabaseConfig{
			URL:      getEnvOrDefault("DATABASE_URL", ""),
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			Name:     getEnvOrDefault("DB_NAME", "price_tracker"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),
		},
		Browser: BrowserConfig{
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", true),
			LaunchTimeout:  getDurationOrDefault("BROWSER_LAUNCH_TIMEOUT", 60*time.Second),
			LaunchAttempts: getIntOrDefault("BROWSER_LAUNCH_ATTEMPTS", 3),
			LaunchBackoff:  getDurationOrDefault("BROWSER_LAUNCH_BACKOFF", 2*time.Second),
			HealthTimeout:  getDurationOrDefault("BROWSER_HEALTH_TIMEOUT", 5*time.Second),
			HealthInterval: getDurationOrDefault("BROWSER_HEALTH_INTERVAL", 5*time.Minute),
			ProxyServer:    getEnvOrDefault("BROWSER_PROXY", ""),
		},
		Scraper: ScraperConfig{
			NavigationTimeout:  getDurationOrDefault("SCRAPER_NAVIGATION_TIMEOUT", 45*time.Second),
			NavigationAttempts: getIntOrDefault("SCRAPER_NAVIGATION_ATTEMPTS", 2),
			SelectorTimeout:    getDurationOrDefault("SCRAPER_SELECTOR_TIMEOUT", 10*time.Second),
			ConsentTimeout:     getDurationOrDefault("SCRAPER_CONSENT_TIMEOUT", 5*time.Second),
			RateLimitMin:       getDurationOrDefault("SCRAPER_RATE_LIMIT_MIN", 1*time.Second),
			RateLimitMax:       getDurationOrDefault("SCRAPER_RATE_LIMIT_MAX", 3*time.Second),
			ImageTimeout:       getDurationOrDefault("SCRAPER_IMAGE_TIMEOUT", 15*time.Second),
			ImageMaxBytes:      int64(getIntOrDefault("SCRAPER_IMAGE_MAX_BYTES", 5<<20)),
			UserAgents:         getStringSliceOrDefault("SCRAPER_USER_AGENTS", defaultUserAgents()),
		},
		Scheduler: SchedulerConfig{
			Interval:         getDurationOrDefault("SCRAPE_INTERVAL", 30*time.Minute),
			Schedule:         getEnvOrDefault("SCRAPE_SCHEDULE", ""),
			HistoryRetention: getDurationOrDefault("HISTORY_RETENTION", 14*24*time.Hour),
			MaxConcurrent:    getIntOrDefault("MAX_CONCURRENT_SCRAPES", 50),
			TickTimeout:      getDurationOrDefault("TICK_TIMEOUT", 3*time.Minute),
		},
		Mail: MailConfig{
			SMTPHost: getEnvOrDefault("SMTP_HOST", ""),
			SMTPPort: getIntOrDefault("SMTP_PORT", 587),
			Username: getEnvOrDefault("SMTP_USERNAME", ""),
			Password: getEnvOrDefault("SMTP_PASSWORD", ""),
			From:     getEnvOrDefault("MAIL_FROM", ""),
		},
		Storage: StorageConfig{
			Backend:   getEnvOrDefault("IMAGE_STORE", "local"),
			Dir:       getEnvOrDefault("IMAGE_DIR", "uploads"),
			BaseURL:   getEnvOrDefault("IMAGE_BASE_URL", "/uploads"),
			GCSBucket: getEnvOrDefault("GCS_BUCKET", ""),
		},
		Logging: LoggingConfig{
			Level:      getEnvOrDefault("LOG_LEVEL", "info"),
			Format:     getEnvOrDefault("LOG_FORMAT", "json"),
			File:       getEnvOrDefault("LOG_FILE", ""),
			MaxSizeMB:  getIntOrDefault("LOG_MAX_SIZE_MB", 10),
			MaxBackups: getIntOrDefault("LOG_MAX_BACKUPS", 3),
			MaxAgeDays: getIntOrDefault("LOG_MAX_AGE_DAYS", 7),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.URL == "" && (c.Database.Host == "" || c.Database.Name == "") {
		return fmt.Errorf("DATABASE_URL or DB_HOST and DB_NAME are required")
	}

	if c.Browser.LaunchAttempts < 1 {
		return fmt.Errorf("BROWSER_LAUNCH_ATTEMPTS must be at least 1")
	}

	if c.Scraper.NavigationAttempts < 1 {
		return fmt.Errorf("SCRAPER_NAVIGATION_ATTEMPTS must be at least 1")
	}

	if c.Scraper.RateLimitMin > c.Scraper.RateLimitMax {
		return fmt.Errorf("SCRAPER_RATE_LIMIT_MIN cannot be greater than SCRAPER_RATE_LIMIT_MAX")
	}

	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT_SCRAPES must be at least 1")
	}

	if c.Scheduler.Schedule != "" {
		if _, err := cron.ParseStandard(c.Scheduler.Schedule); err != nil {
			return fmt.Errorf("invalid SCRAPE_SCHEDULE %q: %w", c.Scheduler.Schedule, err)
		}
	} else if c.Scheduler.Interval < time.Second {
		return fmt.Errorf("SCRAPE_INTERVAL must be at least 1s")
	}

	if c.Scheduler.HistoryRetention <= 0 {
		return fmt.Errorf("HISTORY_RETENTION must be positive")
	}

	switch c.Storage.Backend {
	case "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when IMAGE_STORE=gcs")
		}
	default:
		return fmt.Errorf("unknown IMAGE_STORE %q", c.Storage.Backend)
	}

	if c.Mail.SMTPHost != "" && c.Mail.From == "" {
		return fmt.Errorf("MAIL_FROM is required when SMTP_HOST is set")
	}

	return nil
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", d.User, d.Password, d.Host, d.Port, d.Name)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

func defaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	}
}
