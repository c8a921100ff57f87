package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// MaxUploadSizeDefault is the backend's per-file limit (10 MiB)
	MaxUploadSizeDefault = 10 * 1024 * 1024
	// MaxBatchSizeDefault is the backend's per-batch image limit
	MaxBatchSizeDefault = 100
	// DefaultSessionKey names the durable session record
	DefaultSessionKey = "session"

	minTokenSecretLength = 16
)

type Config struct {
	// BFF listener
	Host               string
	Port               string
	RequestTimeout     time.Duration
	MaxRequestBodySize int64

	// Analysis backend
	BackendURL        string
	BackendTimeout    time.Duration
	BackendRetryDelay time.Duration

	// Session
	SessionDir         string
	SessionKey         string
	SessionTokenSecret string
	SessionTokenTTL    time.Duration

	// Upload contract
	MaxUploadSize int64
	MaxBatchSize  int
	UploadWorkers int

	// Results
	ResultCacheTTL  time.Duration
	PollInterval    time.Duration
	PollMaxInterval time.Duration

	// Image sources
	AzureStorageAccount string
	AzureStorageKey     string
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	S3Endpoint          string

	LogLevel string
}

func (c *Config) ServerAddress() string {
	// Trim any whitespace from host and port
	host := strings.TrimSpace(c.Host)
	port := strings.TrimSpace(c.Port)
	return net.JoinHostPort(host, port)
}

// SessionRecordPath is where the file record store keeps the session
func (c *Config) SessionRecordPath() string {
	return filepath.Join(c.SessionDir, c.SessionKey+".json")
}

// LoadFromEnv reads an optional .env file from the working directory and
// then builds the configuration from the environment
func LoadFromEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	return Load()
}

// Load builds the configuration from the environment only
func Load() (*Config, error) {
	// Set defaults
	cfg := &Config{
		Host:               getEnvOrDefault("HOST", "127.0.0.1"),
		Port:               getEnvOrDefault("PORT", "8090"),
		RequestTimeout:     parseDurationOrDefault("REQUEST_TIMEOUT", 60*time.Second),
		MaxRequestBodySize: parseIntOrDefault("MAX_REQUEST_BODY_SIZE", 101*MaxUploadSizeDefault),

		BackendURL:        getEnvOrDefault("BACKEND_URL", "http://localhost:8000"),
		BackendTimeout:    parseDurationOrDefault("BACKEND_TIMEOUT", 120*time.Second),
		BackendRetryDelay: parseDurationOrDefault("BACKEND_RETRY_DELAY", time.Second),

		SessionDir:         getEnvOrDefault("SESSION_DIR", defaultSessionDir()),
		SessionKey:         getEnvOrDefault("SESSION_KEY", DefaultSessionKey),
		SessionTokenSecret: getEnvOrDefault("SESSION_TOKEN_SECRET", "octapulse-local-session-secret"),
		SessionTokenTTL:    parseDurationOrDefault("SESSION_TOKEN_TTL", 12*time.Hour),

		MaxUploadSize: parseIntOrDefault("MAX_UPLOAD_SIZE", MaxUploadSizeDefault),
		MaxBatchSize:  int(parseIntOrDefault("MAX_BATCH_SIZE", MaxBatchSizeDefault)),
		UploadWorkers: int(parseIntOrDefault("UPLOAD_WORKERS", 4)),

		ResultCacheTTL:  parseDurationOrDefault("RESULT_CACHE_TTL", 30*time.Minute),
		PollInterval:    parseDurationOrDefault("POLL_INTERVAL", 2*time.Second),
		PollMaxInterval: parseDurationOrDefault("POLL_MAX_INTERVAL", 30*time.Second),

		AzureStorageAccount: os.Getenv("AZURE_STORAGE_ACCOUNT"),
		AzureStorageKey:     os.Getenv("AZURE_STORAGE_KEY"),
		AWSRegion:           getEnvOrDefault("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey:  os.Getenv("AWS_SECRET_ACCESS_KEY"),
		S3Endpoint:          os.Getenv("AWS_S3_ENDPOINT"),

		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints
func (c *Config) Validate() error {
	// Validate port is numeric and in range
	p, err := strconv.Atoi(strings.TrimSpace(c.Port))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid PORT: %q", c.Port)
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0 (got %d)", c.MaxRequestBodySize)
	}
	if c.RequestTimeout <= 0 || c.BackendTimeout <= 0 {
		return fmt.Errorf("timeouts must be > 0 (got request=%s, backend=%s)", c.RequestTimeout, c.BackendTimeout)
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid BACKEND_URL: %q", c.BackendURL)
	}
	if strings.TrimSpace(c.SessionDir) == "" || strings.TrimSpace(c.SessionKey) == "" {
		return errors.New("SESSION_DIR and SESSION_KEY must not be empty")
	}
	if strings.ContainsAny(c.SessionKey, `/\`) {
		return fmt.Errorf("SESSION_KEY must not contain path separators (got %q)", c.SessionKey)
	}
	if len(c.SessionTokenSecret) < minTokenSecretLength {
		return fmt.Errorf("SESSION_TOKEN_SECRET must be at least %d characters", minTokenSecretLength)
	}
	if c.MaxUploadSize <= 0 || c.MaxBatchSize <= 0 {
		return fmt.Errorf("upload limits must be > 0 (got size=%d, batch=%d)", c.MaxUploadSize, c.MaxBatchSize)
	}
	// the backend refuses anything above its own limits
	if c.MaxUploadSize > MaxUploadSizeDefault {
		return fmt.Errorf("MAX_UPLOAD_SIZE must not exceed %d (got %d)", int64(MaxUploadSizeDefault), c.MaxUploadSize)
	}
	if c.MaxBatchSize > MaxBatchSizeDefault {
		return fmt.Errorf("MAX_BATCH_SIZE must not exceed %d (got %d)", MaxBatchSizeDefault, c.MaxBatchSize)
	}
	if c.UploadWorkers <= 0 {
		c.UploadWorkers = 1
	}
	if c.PollInterval <= 0 || c.PollMaxInterval < c.PollInterval {
		return fmt.Errorf("poll intervals invalid (interval=%s, max=%s)", c.PollInterval, c.PollMaxInterval)
	}
	if (c.AzureStorageAccount == "") != (c.AzureStorageKey == "") {
		return errors.New("AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_KEY must be set together")
	}
	if (c.AWSAccessKeyID == "") != (c.AWSSecretAccessKey == "") {
		return errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
	}
	return nil
}

// AzureEnabled reports whether Azure blob sources can be constructed
func (c *Config) AzureEnabled() bool {
	return c.AzureStorageAccount != "" && c.AzureStorageKey != ""
}

func defaultSessionDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "fishlens")
	}
	return ".fishlens"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
