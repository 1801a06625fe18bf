package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Identity Provider (Ory Kratos)
	KratosPublicURL string
	KratosAdminURL  string

	// Session
	SessionSecret   string
	SessionMaxAge   int
	SessionCacheDir string // 空の場合はインメモリ

	// 残り有効期間がこれを下回ったセッションを延長する（0で無効）
	SessionRefreshWindow time.Duration

	// Email
	EmailAPIKey       string
	EmailAPIURL       string
	EmailFrom         string
	WelcomeTemplateID string

	// Account lifecycle
	RequireEmailVerification bool
	VerificationLinkTTL      time.Duration
	AbandonedSignupTTL       time.Duration

	// Rate Limit (req/min)
	RateLimitGeneral int
	RateLimitAuth    int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// X-Forwarded-For を信頼するリバースプロキシ（CIDRまたはIP、カンマ区切り）
	TrustedProxies []string

	// Logging
	LogLevel slog.Level
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	required := []struct {
		key string
		dst *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"KRATOS_PUBLIC_URL", &cfg.KratosPublicURL},
		{"KRATOS_ADMIN_URL", &cfg.KratosAdminURL},
		{"SESSION_SECRET", &cfg.SessionSecret},
		{"BASE_URL", &cfg.BaseURL},
	}
	for _, r := range required {
		*r.dst = os.Getenv(r.key)
		if *r.dst == "" {
			missing = append(missing, r.key)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.SessionCacheDir = getEnvString("SESSION_CACHE_DIR", "")
	cfg.SessionRefreshWindow = getEnvDuration("SESSION_REFRESH_WINDOW", time.Hour)
	cfg.EmailAPIKey = getEnvString("EMAIL_API_KEY", "")
	cfg.EmailAPIURL = strings.TrimRight(getEnvString("EMAIL_API_URL", "https://api.resend.com"), "/")
	cfg.EmailFrom = getEnvString("EMAIL_FROM", "Bandstand <noreply@bandstand.app>")
	cfg.WelcomeTemplateID = getEnvString("WELCOME_TEMPLATE_ID", "")
	cfg.RequireEmailVerification = getEnvBool("REQUIRE_EMAIL_VERIFICATION", true)
	cfg.VerificationLinkTTL = getEnvDuration("VERIFICATION_LINK_TTL", 24*time.Hour)
	cfg.AbandonedSignupTTL = getEnvDuration("ABANDONED_SIGNUP_TTL", 7*24*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.TrustedProxies = getEnvList("TRUSTED_PROXIES")
	cfg.LogLevel = parseLogLevel(getEnvString("LOG_LEVEL", "info"))

	return cfg, nil
}

// CallbackURL はIdPのOAuthリダイレクト先URLを返す。
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/auth/callback"
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
