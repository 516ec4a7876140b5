package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App            AppConfig
	Server         ServerConfig
	Database       DatabaseConfig
	JWT            JWTConfig
	Redis          RedisConfig
	RemoteSettings RemoteSettingsConfig
	Publisher      PublisherConfig
	Features       FeaturesConfig
}

type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

type ServerConfig struct {
	Port string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type JWTConfig struct {
	// SecretKey is optional; without it only the forwarded identity header
	// is trusted.
	SecretKey string
}

type RedisConfig struct {
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
}

// Enabled reports whether a redis host was configured.
func (r RedisConfig) Enabled() bool {
	return r.RedisHost != ""
}

type RemoteSettingsConfig struct {
	URL               string
	User              string
	Password          string
	WorkspaceBucket   string
	MainBucket        string
	PreviewCollection string
	// CollectionOverrides maps an application name to the collection that
	// carries its experiments.
	CollectionOverrides map[string]string
	Timeout             time.Duration
}

type PublisherConfig struct {
	PollInterval  time.Duration
	ReviewTimeout time.Duration
	BucketTotal   int
}

type FeaturesConfig struct {
	LaunchingDisabled bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, errors.New("invalid redis database")
	}
	timeout, err := getEnvDuration("REMOTE_SETTINGS_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	pollInterval, err := getEnvDuration("PUBLISHER_POLL_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, err
	}
	reviewTimeout, err := getEnvDuration("PUBLISHER_REVIEW_TIMEOUT", 3*time.Hour)
	if err != nil {
		return nil, err
	}
	bucketTotal, err := getEnvInt("PUBLISHER_BUCKET_TOTAL", 10000)
	if err != nil {
		return nil, errors.New("invalid bucket total")
	}
	overrides, err := parseOverrides(getEnv("REMOTE_SETTINGS_COLLECTIONS", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: AppConfig{
			Name:        getEnv("APP_NAME", "Experimenter"),
			Version:     getEnv("APP_VERSION", "1.0.0"),
			Environment: getEnv("APP_ENV", "development"),
		},
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "experimenter"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET", ""),
		},
		Redis: RedisConfig{
			RedisHost:     getEnv("REDIS_HOST", ""),
			RedisPort:     getEnv("REDIS_PORT", "6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       redisDB,
		},
		RemoteSettings: RemoteSettingsConfig{
			URL:                 getEnv("REMOTE_SETTINGS_URL", ""),
			User:                getEnv("REMOTE_SETTINGS_USER", ""),
			Password:            getEnv("REMOTE_SETTINGS_PASSWORD", ""),
			WorkspaceBucket:     getEnv("REMOTE_SETTINGS_WORKSPACE_BUCKET", "main-workspace"),
			MainBucket:          getEnv("REMOTE_SETTINGS_MAIN_BUCKET", "main"),
			PreviewCollection:   getEnv("REMOTE_SETTINGS_PREVIEW_COLLECTION", "nimbus-preview"),
			CollectionOverrides: overrides,
			Timeout:             timeout,
		},
		Publisher: PublisherConfig{
			PollInterval:  pollInterval,
			ReviewTimeout: reviewTimeout,
			BucketTotal:   bucketTotal,
		},
		Features: FeaturesConfig{
			LaunchingDisabled: getEnvBool("LAUNCHING_DISABLED"),
		},
	}

	if cfg.Database.Password == "" {
		return nil, errors.New("missing database password")
	}

	if cfg.RemoteSettings.URL == "" {
		return nil, errors.New("missing remote settings url")
	}

	if cfg.Publisher.BucketTotal <= 0 {
		return nil, errors.New("bucket total must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(val)
}

func getEnvBool(key string) bool {
	val, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && val
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// parseOverrides reads "app=collection,app=collection".
func parseOverrides(raw string) (map[string]string, error) {
	out := make(map[string]string)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		app, collection, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || app == "" || collection == "" {
			return nil, fmt.Errorf("invalid collection override %q", pair)
		}
		out[app] = collection
	}
	return out, nil
}
