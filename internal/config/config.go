package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DotEnvFile は起動時に読み込む環境変数ファイル。
const DotEnvFile = ".env"

// 文書ストアのドライバ名
const (
	DriverMongo    = "mongodb"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Document store
	DocstoreDriver   string
	DocstoreURI      string
	DocstoreDatabase string

	// Identity service
	IdentityAPIKey       string
	IdentityEmulatorHost string
	RequestTimeout       time.Duration

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	OAuthCallbackPort  int

	// Local state
	StatePath string

	// Session
	ClientPlatform string
	DeviceID       string
	SessionMaxAge  int

	// Analytics
	AnalyticsPushgatewayURL  string
	AnalyticsJob             string
	AnalyticsEventsPerSecond float64

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに .env がある場合は先に読み込む（既に設定済みの環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(DotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", DotEnvFile, err)
	}

	cfg := &Config{}

	cfg.DocstoreDriver = getEnvString("DOCSTORE_DRIVER", DriverMongo)
	switch cfg.DocstoreDriver {
	case DriverMongo, DriverPostgres, DriverMemory:
	default:
		return nil, fmt.Errorf("unsupported DOCSTORE_DRIVER: %q", cfg.DocstoreDriver)
	}

	// Required fields
	var missing []string

	cfg.DocstoreURI = os.Getenv("DOCSTORE_URI")
	if cfg.DocstoreURI == "" && cfg.DocstoreDriver != DriverMemory {
		missing = append(missing, "DOCSTORE_URI")
	}

	cfg.IdentityAPIKey = os.Getenv("IDENTITY_API_KEY")
	if cfg.IdentityAPIKey == "" {
		missing = append(missing, "IDENTITY_API_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.ClientPlatform = getEnvString("CLIENT_PLATFORM", "web")
	switch cfg.ClientPlatform {
	case "web", "ios", "android":
	default:
		return nil, fmt.Errorf("unsupported CLIENT_PLATFORM: %q", cfg.ClientPlatform)
	}

	// Optional fields with defaults
	cfg.DocstoreDatabase = getEnvString("DOCSTORE_DATABASE", "dashboard")
	cfg.IdentityEmulatorHost = getEnvString("IDENTITY_EMULATOR_HOST", "")
	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", 15*time.Second)
	cfg.GoogleClientID = getEnvString("GOOGLE_CLIENT_ID", "")
	cfg.GoogleClientSecret = getEnvString("GOOGLE_CLIENT_SECRET", "")
	cfg.OAuthCallbackPort = getEnvInt("OAUTH_CALLBACK_PORT", 8085)
	cfg.StatePath = getEnvString("STATE_PATH", defaultStatePath())
	cfg.DeviceID = getEnvString("DEVICE_ID", "")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 0)
	cfg.AnalyticsPushgatewayURL = getEnvString("ANALYTICS_PUSHGATEWAY_URL", "")
	cfg.AnalyticsJob = getEnvString("ANALYTICS_JOB", "dashboard")
	cfg.AnalyticsEventsPerSecond = getEnvFloat("ANALYTICS_EVENTS_PER_SECOND", 20)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// GoogleSignInEnabled はGoogleサインインに必要な設定が揃っているかを返す。
func (c *Config) GoogleSignInEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// SessionLifetime はセッションの有効期間を返す。0の場合は無期限。
func (c *Config) SessionLifetime() time.Duration {
	if c.SessionMaxAge <= 0 {
		return 0
	}
	return time.Duration(c.SessionMaxAge) * time.Second
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".dashboard", "state.db")
	}
	return filepath.Join(home, ".dashboard", "state.db")
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
