package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Log       LogConfig
	Backend   BackendConfig
	Migration MigrationConfig
	Uploads   UploadsConfig
	Snapshots SnapshotsConfig
	Bootstrap BootstrapConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// BackendConfig points at the remote learning-platform API and carries the
// service-account credentials used for privileged calls.
type BackendConfig struct {
	BaseURL       string
	AdminUsername string
	AdminPassword string
	Timeout       time.Duration
}

// MigrationConfig tunes the orchestration engine: send rates, group
// concurrency, retry ceilings, display-name bounds, and the school year used
// for class date ranges.
type MigrationConfig struct {
	RegisterRate         int
	LoginRate            int
	MaxConcurrentGroups  int
	MaxSuffixAttempts    int
	GenericRetries       int
	RetryDelay           time.Duration
	OverloadRetries      int
	OverloadDelay        time.Duration
	MinDisplayNameLength int
	MaxDisplayNameLength int
	SchoolYear           int
	WorkerConcurrency    int
}

// UploadsConfig bounds roster workbook uploads.
type UploadsConfig struct {
	MaxFileSizeBytes int64
}

// SnapshotsConfig controls audit snapshot and export storage.
type SnapshotsConfig struct {
	StorageDir      string
	SignedURLSecret string
	SignedURLTTL    time.Duration
}

// BootstrapConfig seeds the first panel admin on startup when no account with
// the given email exists. Left empty, seeding is skipped.
type BootstrapConfig struct {
	AdminEmail    string
	AdminPassword string
	AdminName     string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Backend = BackendConfig{
		BaseURL:       v.GetString("BACKEND_BASE_URL"),
		AdminUsername: v.GetString("BACKEND_ADMIN_USERNAME"),
		AdminPassword: v.GetString("BACKEND_ADMIN_PASSWORD"),
		Timeout:       parseDuration(v.GetString("BACKEND_TIMEOUT"), 60*time.Second),
	}

	cfg.Migration = MigrationConfig{
		RegisterRate:         v.GetInt("MIGRATION_REGISTER_RATE"),
		LoginRate:            v.GetInt("MIGRATION_LOGIN_RATE"),
		MaxConcurrentGroups:  v.GetInt("MIGRATION_MAX_CONCURRENT_GROUPS"),
		MaxSuffixAttempts:    v.GetInt("MIGRATION_MAX_SUFFIX_ATTEMPTS"),
		GenericRetries:       v.GetInt("MIGRATION_GENERIC_RETRIES"),
		RetryDelay:           parseDuration(v.GetString("MIGRATION_RETRY_DELAY"), time.Second),
		OverloadRetries:      v.GetInt("MIGRATION_OVERLOAD_RETRIES"),
		OverloadDelay:        parseDuration(v.GetString("MIGRATION_OVERLOAD_DELAY"), 500*time.Millisecond),
		MinDisplayNameLength: v.GetInt("MIGRATION_MIN_DISPLAY_NAME_LENGTH"),
		MaxDisplayNameLength: v.GetInt("MIGRATION_MAX_DISPLAY_NAME_LENGTH"),
		SchoolYear:           v.GetInt("MIGRATION_SCHOOL_YEAR"),
		WorkerConcurrency:    v.GetInt("MIGRATION_WORKER_CONCURRENCY"),
	}

	maxUploadSize := v.GetInt64("UPLOADS_MAX_FILE_SIZE")
	if maxUploadSize <= 0 {
		maxUploadSize = 10 * 1024 * 1024
	}
	cfg.Uploads = UploadsConfig{MaxFileSizeBytes: maxUploadSize}

	cfg.Snapshots = SnapshotsConfig{
		StorageDir:      v.GetString("SNAPSHOTS_STORAGE_DIR"),
		SignedURLSecret: v.GetString("SNAPSHOTS_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("SNAPSHOTS_SIGNED_URL_TTL"), 24*time.Hour),
	}

	cfg.Bootstrap = BootstrapConfig{
		AdminEmail:    v.GetString("BOOTSTRAP_ADMIN_EMAIL"),
		AdminPassword: v.GetString("BOOTSTRAP_ADMIN_PASSWORD"),
		AdminName:     v.GetString("BOOTSTRAP_ADMIN_NAME"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "school_migrate")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("BACKEND_BASE_URL", "http://localhost:5000")
	v.SetDefault("BACKEND_ADMIN_USERNAME", "")
	v.SetDefault("BACKEND_ADMIN_PASSWORD", "")
	v.SetDefault("BACKEND_TIMEOUT", "60s")

	v.SetDefault("MIGRATION_REGISTER_RATE", 5)
	v.SetDefault("MIGRATION_LOGIN_RATE", 10)
	v.SetDefault("MIGRATION_MAX_CONCURRENT_GROUPS", 5)
	v.SetDefault("MIGRATION_MAX_SUFFIX_ATTEMPTS", 100)
	v.SetDefault("MIGRATION_GENERIC_RETRIES", 4)
	v.SetDefault("MIGRATION_RETRY_DELAY", "1s")
	v.SetDefault("MIGRATION_OVERLOAD_RETRIES", 100)
	v.SetDefault("MIGRATION_OVERLOAD_DELAY", "500ms")
	v.SetDefault("MIGRATION_MIN_DISPLAY_NAME_LENGTH", 2)
	v.SetDefault("MIGRATION_MAX_DISPLAY_NAME_LENGTH", 20)
	v.SetDefault("MIGRATION_SCHOOL_YEAR", 2024)
	v.SetDefault("MIGRATION_WORKER_CONCURRENCY", 1)

	v.SetDefault("UPLOADS_MAX_FILE_SIZE", 10*1024*1024)

	v.SetDefault("SNAPSHOTS_STORAGE_DIR", "./snapshots")
	v.SetDefault("SNAPSHOTS_SIGNED_URL_SECRET", "dev_snapshots_secret")
	v.SetDefault("SNAPSHOTS_SIGNED_URL_TTL", "24h")

	v.SetDefault("BOOTSTRAP_ADMIN_EMAIL", "")
	v.SetDefault("BOOTSTRAP_ADMIN_PASSWORD", "")
	v.SetDefault("BOOTSTRAP_ADMIN_NAME", "Administrator")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
