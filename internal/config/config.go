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

	// Redis（キャッシュと一時的な調整レコードの保存先）
	RedisURL string

	// Cache / Coordination
	SessionCacheTTL    time.Duration
	InvitationTTL      time.Duration
	ActiveSessionTTL   time.Duration
	RecentSessionTTL   time.Duration
	RecentSessionLimit int

	// Notification
	NotificationBuffer        int
	NotificationWorkers       int
	NotificationRetentionDays int

	// Rate Limit（req/min/user）
	RateLimitGeneral int
	RateLimitJoin    int

	// Worker
	CleanupInterval time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionCacheTTL = getEnvDuration("SESSION_CACHE_TTL", 5*time.Minute)
	cfg.InvitationTTL = getEnvDuration("INVITATION_TTL", 7*24*time.Hour)
	cfg.ActiveSessionTTL = getEnvDuration("ACTIVE_SESSION_TTL", 24*time.Hour)
	cfg.RecentSessionTTL = getEnvDuration("RECENT_SESSION_TTL", 30*24*time.Hour)
	cfg.RecentSessionLimit = getEnvInt("RECENT_SESSION_LIMIT", 10)
	cfg.NotificationBuffer = getEnvInt("NOTIFICATION_BUFFER", 256)
	cfg.NotificationWorkers = getEnvInt("NOTIFICATION_WORKERS", 4)
	cfg.NotificationRetentionDays = getEnvInt("NOTIFICATION_RETENTION_DAYS", 30)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitJoin = getEnvInt("RATE_LIMIT_JOIN", 20)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	// 直近閲覧リストは最大10件に制限する
	if cfg.RecentSessionLimit <= 0 || cfg.RecentSessionLimit > 10 {
		cfg.RecentSessionLimit = 10
	}

	return cfg, nil
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
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
