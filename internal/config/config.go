package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort string
	// MetricsPort はworkerがメトリクスを公開するポート。空の場合は公開しない。
	MetricsPort string

	// Logging
	LogLevel string

	// Ops API
	OpsAPIToken        string
	RateLimitGeneral   int // req/min/client
	RateLimitReprocess int // req/min/client

	// Digest
	DigestTimezone        *time.Location
	DigestSchedule        string
	DeliveryTimeout       time.Duration
	DispatchMaxConcurrent int
	DeliveryRatePerSec    float64
	ClaimStaleAfter       time.Duration

	// Delivery (Resend)
	ResendAPIKey          string
	ResendEndpoint        string
	NotificationFromEmail string
	PreferencesURL        string

	// Unsubscribe
	UnsubscribeSecretKey string
	UnsubscribeURL       string

	// Scrape
	SourcesFile    string
	ScrapeTimeout  time.Duration
	ScrapeMaxSize  int64
	ScrapeRate     float64
	ScrapeSchedule string

	// Retention
	ContentRetentionDays int
	CleanupSchedule      string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	tzName := getEnvString("DIGEST_TIMEZONE", "America/Chicago")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid DIGEST_TIMEZONE %q: %w", tzName, err)
	}
	cfg.DigestTimezone = loc

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = os.Getenv("METRICS_PORT")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.OpsAPIToken = os.Getenv("OPS_API_TOKEN")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitReprocess = getEnvInt("RATE_LIMIT_REPROCESS", 10)
	cfg.DigestSchedule = getEnvString("DIGEST_SCHEDULE", "35 7 * * *")
	cfg.DeliveryTimeout = getEnvDuration("DELIVERY_TIMEOUT", 30*time.Second)
	cfg.DispatchMaxConcurrent = getEnvInt("DISPATCH_MAX_CONCURRENT", 4)
	cfg.DeliveryRatePerSec = getEnvFloat("DELIVERY_RATE_PER_SEC", 10)
	cfg.ClaimStaleAfter = getEnvDuration("CLAIM_STALE_AFTER", 10*time.Minute)
	cfg.ResendAPIKey = os.Getenv("RESEND_API_KEY")
	cfg.ResendEndpoint = getEnvString("RESEND_ENDPOINT", "https://api.resend.com/emails")
	cfg.NotificationFromEmail = getEnvString("NOTIFICATION_FROM_EMAIL", "newsletter-notifications@example.com")
	cfg.PreferencesURL = getEnvString("PREFERENCES_URL", "http://localhost:4321/preferences")
	cfg.UnsubscribeSecretKey = os.Getenv("UNSUBSCRIBE_SECRET_KEY")
	cfg.UnsubscribeURL = getEnvString("UNSUBSCRIBE_URL", "http://localhost:4321/unsubscribe")
	cfg.SourcesFile = getEnvString("SOURCES_FILE", "sources.yaml")
	cfg.ScrapeTimeout = getEnvDuration("SCRAPE_TIMEOUT", 20*time.Second)
	cfg.ScrapeMaxSize = getEnvInt64("SCRAPE_MAX_SIZE", 5242880)
	cfg.ScrapeRate = getEnvFloat("SCRAPE_RATE_PER_SEC", 1)
	cfg.ScrapeSchedule = getEnvString("SCRAPE_SCHEDULE", "0 * * * *")
	cfg.ContentRetentionDays = getEnvInt("CONTENT_RETENTION_DAYS", 365)
	cfg.CleanupSchedule = getEnvString("CLEANUP_SCHEDULE", "15 3 * * *")

	// 送信中の行が再確保されないよう、確保の有効期限は送信期限より長くする
	if cfg.ClaimStaleAfter > 0 && cfg.ClaimStaleAfter <= cfg.DeliveryTimeout {
		return nil, fmt.Errorf("CLAIM_STALE_AFTER (%s) must be longer than DELIVERY_TIMEOUT (%s)",
			cfg.ClaimStaleAfter, cfg.DeliveryTimeout)
	}
	// 配信停止リンクの署名鍵がないメールは送信しない
	if cfg.EmailEnabled() && cfg.UnsubscribeSecretKey == "" {
		return nil, fmt.Errorf("UNSUBSCRIBE_SECRET_KEY is required when RESEND_API_KEY is set")
	}

	return cfg, nil
}

// EmailEnabled はResend APIでの送信が設定されているかを返す。
func (c *Config) EmailEnabled() bool {
	return c.ResendAPIKey != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
