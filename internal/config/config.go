package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Environment         string
	Port                string
	BaseURL             string
	EncryptionKeyBase64 string
	AuthSecret          string
	AllowedOrigins      []string

	DBHost     string
	DBPort     string
	DBUsername string
	DBPassword string
	DBName     string
	DBSSLMode  string

	GmailClientID       string
	GmailClientSecret   string
	OutlookClientID     string
	OutlookClientSecret string
	OutlookTenant       string

	AttachmentMaxBytes int64
	LogoMaxBytes       int64
	MaxAttachments     int
	UploadErrorTTL     time.Duration
	SearchDebounce     time.Duration
	PageSize           int
	MessageCacheSize   int
	IMAPMaxWorkers     int

	LogLevel  string
	LogFormat string

	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Bucket          string
	S3UseSSL          bool
	AWSRegion         string
	UploadDir         string
	PublicUploadURL   string
}

func NewConfig() (*Config, error) {
	env := getEnvOrDefault("MAILCORE_ENV", "development")

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			logrus.Warn(".env file not found, using environment variables")
		}
	}

	port := getEnvOrDefault("PORT", "11764")
	config := &Config{
		Environment:         env,
		Port:                port,
		BaseURL:             strings.TrimRight(getEnvOrDefault("MAILCORE_BASE_URL", "http://localhost:"+port), "/"),
		EncryptionKeyBase64: os.Getenv("MAILCORE_ENCRYPTION_KEY_BASE64"),
		AuthSecret:          os.Getenv("MAILCORE_AUTH_SECRET"),
		AllowedOrigins:      splitList(os.Getenv("MAILCORE_ALLOWED_ORIGINS")),

		DBHost:     getEnvOrDefault("MAILCORE_DB_HOST", "localhost"),
		DBPort:     getEnvOrDefault("MAILCORE_DB_PORT", "5432"),
		DBUsername: getEnvOrDefault("MAILCORE_DB_USER", "mailcore"),
		DBPassword: os.Getenv("MAILCORE_DB_PASSWORD"),
		DBName:     getEnvOrDefault("MAILCORE_DB_NAME", "mailcore"),
		DBSSLMode:  getEnvOrDefault("MAILCORE_DB_SSLMODE", "disable"),

		GmailClientID:       os.Getenv("GMAIL_CLIENT_ID"),
		GmailClientSecret:   os.Getenv("GMAIL_CLIENT_SECRET"),
		OutlookClientID:     os.Getenv("OUTLOOK_CLIENT_ID"),
		OutlookClientSecret: os.Getenv("OUTLOOK_CLIENT_SECRET"),
		OutlookTenant:       getEnvOrDefault("OUTLOOK_TENANT", "common"),

		LogLevel:  getEnvOrDefault("MAILCORE_LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("MAILCORE_LOG_FORMAT", "text"),

		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3Bucket:          getEnvOrDefault("S3_BUCKET", "mailcore"),
		AWSRegion:         getEnvOrDefault("AWS_REGION", "us-east-1"),
		UploadDir:         getEnvOrDefault("MAILCORE_UPLOAD_DIR", "./uploads"),
		PublicUploadURL:   strings.TrimRight(getEnvOrDefault("MAILCORE_PUBLIC_UPLOAD_URL", "/uploads"), "/"),
	}

	var err error
	if config.AttachmentMaxBytes, err = getEnvInt64("MAILCORE_ATTACHMENT_MAX_BYTES", 25*1024*1024); err != nil {
		return nil, err
	}
	if config.LogoMaxBytes, err = getEnvInt64("MAILCORE_LOGO_MAX_BYTES", 5*1024*1024); err != nil {
		return nil, err
	}
	if config.MaxAttachments, err = getEnvInt("MAILCORE_MAX_ATTACHMENTS", 10); err != nil {
		return nil, err
	}
	if config.UploadErrorTTL, err = getEnvDuration("MAILCORE_UPLOAD_ERROR_TTL", 5*time.Second); err != nil {
		return nil, err
	}
	if config.SearchDebounce, err = getEnvDuration("MAILCORE_SEARCH_DEBOUNCE", 300*time.Millisecond); err != nil {
		return nil, err
	}
	if config.PageSize, err = getEnvInt("MAILCORE_PAGE_SIZE", 50); err != nil {
		return nil, err
	}
	if config.MessageCacheSize, err = getEnvInt("MAILCORE_MESSAGE_CACHE_SIZE", 256); err != nil {
		return nil, err
	}
	if config.IMAPMaxWorkers, err = getEnvInt("MAILCORE_IMAP_MAX_WORKERS", 3); err != nil {
		return nil, err
	}
	if config.S3UseSSL, err = getEnvBool("S3_USE_SSL", true); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILCORE_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.AuthSecret == "" {
		return fmt.Errorf("MAILCORE_AUTH_SECRET is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILCORE_DB_PASSWORD is required")
	}

	if c.AttachmentMaxBytes <= 0 {
		return fmt.Errorf("MAILCORE_ATTACHMENT_MAX_BYTES must be positive")
	}

	if c.LogoMaxBytes <= 0 {
		return fmt.Errorf("MAILCORE_LOGO_MAX_BYTES must be positive")
	}

	if c.MaxAttachments <= 0 {
		return fmt.Errorf("MAILCORE_MAX_ATTACHMENTS must be positive")
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("MAILCORE_PAGE_SIZE must be positive")
	}

	if c.IMAPMaxWorkers <= 0 {
		return fmt.Errorf("MAILCORE_IMAP_MAX_WORKERS must be positive")
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("MAILCORE_LOG_LEVEL is invalid: %w", err)
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("MAILCORE_LOG_FORMAT must be 'text' or 'json', got %q", c.LogFormat)
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// UsesS3 reports whether uploads go to S3 rather than the local upload directory.
func (c *Config) UsesS3() bool {
	return c.S3Endpoint != "" || c.S3AccessKeyID != ""
}

// NewLogger builds the process logger from the configured level and format.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 5s: %w", key, err)
	}
	return d, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false: %w", key, err)
	}
	return b, nil
}

// splitList parses a comma-separated list, dropping empty items.
func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
