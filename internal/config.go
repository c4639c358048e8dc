package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	Port     int
	LogLevel string

	// Entitlement ledger
	StoreBackend      string // "memory", "postgres" or "dynamodb"
	DatabaseUrl       string
	DynamoTablePrefix string
	MigrateOnStart    bool // Apply migrations (or create tables) during serve

	// AWS (DynamoDB ledger and SQS delivery)
	AWSRegion          string
	AWSEndpoint        string // Local emulator endpoint, e.g. http://localhost:8000
	AWSAccessKeyID     string
	AWSSecretAccessKey string

	// Rate limiting
	RateLimitBackend  string // "memory" or "redis"
	RedisURL          string
	RateLimitMax      int
	RateLimitWindow   time.Duration
	PaymentRateLimit  int
	PaymentRateWindow time.Duration
	RateLimitSweep    time.Duration

	// Payment provider
	PaymentProvider     string // "stripe" or "mock"
	StripeSecretKey     string
	StripeWebhookSecret string
	PaymentAmount       int64  // Minor units
	PaymentCurrency     string // ISO code
	PaymentMaxAge       time.Duration

	// AI Provider Configuration
	AIProvider       string // "anthropic" or "mock"
	AnthropicAPIKey  string
	AnthropicModel   string
	AIMaxRetries     int
	AIRetryBaseDelay time.Duration
	AIRequestTimeout time.Duration

	// Admission gate
	AdmissionKeywords    []string
	AdmissionMinLength   int
	AdmissionMinKeywords int

	// Delivery
	DeliveryProvider string // "email", "sqs" or "mock"
	SQSQueueURL      string

	// SMTP Configuration
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	SMTPReplyTo  string

	// Archive storage
	StorageProvider string // "none", "local" or "r2"

	// Local Storage (development)
	LocalStoragePath string
	LocalStorageURL  string

	// R2 Storage (production)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicURL       string

	// Pipeline limits and per-dependency timeouts
	MaxUploadBytes        int64
	MaxConcurrentAnalyses int64
	VerifyTimeout         time.Duration
	ExtractTimeout        time.Duration
	AnalysisTimeout       time.Duration
	DeliveryTimeout       time.Duration
	StoreTimeout          time.Duration
	RateLimitTimeout      time.Duration
	ArchiveTimeout        time.Duration

	// Free claims left unfinalized this long may be taken over. Zero derives
	// the window from the timeouts above.
	FreeClaimTTL time.Duration

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		StoreBackend:      getEnv("STORE_BACKEND", "memory"),
		DatabaseUrl:       os.Getenv("DATABASE_URL"),
		DynamoTablePrefix: getEnv("DYNAMODB_TABLE_PREFIX", "gatekeeper_"),
		MigrateOnStart:    getEnvBool("MIGRATE_ON_START", true),

		AWSRegion:          getEnv("AWS_REGION", "eu-west-2"),
		AWSEndpoint:        getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),

		// Rate limit defaults: 5 submissions per identifier per minute
		RateLimitBackend:  getEnv("RATE_LIMIT_BACKEND", "memory"),
		RedisURL:          getEnv("REDIS_URL", ""),
		RateLimitMax:      getEnvInt("RATE_LIMIT_MAX", 5),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		PaymentRateLimit:  getEnvInt("PAYMENT_RATE_LIMIT_MAX", 20),
		PaymentRateWindow: getEnvDuration("PAYMENT_RATE_LIMIT_WINDOW", time.Minute),
		RateLimitSweep:    getEnvDuration("RATE_LIMIT_SWEEP_INTERVAL", 5*time.Minute),

		PaymentProvider:     getEnv("PAYMENT_PROVIDER", "mock"),
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		PaymentAmount:       getEnvInt64("PAYMENT_AMOUNT", 3000),
		PaymentCurrency:     strings.ToLower(getEnv("PAYMENT_CURRENCY", "gbp")),
		PaymentMaxAge:       getEnvDuration("PAYMENT_MAX_AGE", 24*time.Hour),

		AIProvider:       getEnv("AI_PROVIDER", "mock"),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:   getEnv("ANTHROPIC_MODEL", ""),
		AIMaxRetries:     getEnvInt("AI_MAX_RETRIES", 3),
		AIRetryBaseDelay: getEnvDuration("AI_RETRY_BASE_DELAY", 1*time.Second),
		AIRequestTimeout: getEnvDuration("AI_REQUEST_TIMEOUT", 90*time.Second),

		AdmissionKeywords:    getEnvList("ADMISSION_KEYWORDS"),
		AdmissionMinLength:   getEnvInt("ADMISSION_MIN_LENGTH", 0),
		AdmissionMinKeywords: getEnvInt("ADMISSION_MIN_KEYWORDS", 0),

		DeliveryProvider: getEnv("DELIVERY_PROVIDER", "email"),
		SQSQueueURL:      getEnv("SQS_QUEUE_URL", ""),

		// SMTP defaults for Mailhog (development)
		SMTPHost:     getEnv("SMTP_HOST", "localhost"),
		SMTPPort:     getEnvInt("SMTP_PORT", 1025),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("SMTP_FROM", ""),
		SMTPFromName: getEnv("SMTP_FROM_NAME", ""),
		SMTPReplyTo:  getEnv("SMTP_REPLY_TO", ""),

		StorageProvider:  getEnv("STORAGE_PROVIDER", "local"),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "./archive"),
		LocalStorageURL:  getEnv("LOCAL_STORAGE_URL", ""),

		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),
		R2PublicURL:       getEnv("R2_PUBLIC_URL", ""),

		MaxUploadBytes:        getEnvInt64("MAX_UPLOAD_BYTES", 10<<20),
		MaxConcurrentAnalyses: getEnvInt64("MAX_CONCURRENT_ANALYSES", 4),
		VerifyTimeout:         getEnvDuration("VERIFY_TIMEOUT", 10*time.Second),
		ExtractTimeout:        getEnvDuration("EXTRACT_TIMEOUT", 30*time.Second),
		AnalysisTimeout:       getEnvDuration("ANALYSIS_TIMEOUT", 120*time.Second),
		DeliveryTimeout:       getEnvDuration("DELIVERY_TIMEOUT", 30*time.Second),
		StoreTimeout:          getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		RateLimitTimeout:      getEnvDuration("RATE_LIMIT_TIMEOUT", 500*time.Millisecond),
		ArchiveTimeout:        getEnvDuration("ARCHIVE_TIMEOUT", 30*time.Second),
		FreeClaimTTL:          getEnvDuration("FREE_CLAIM_TTL", 0),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the service runs with development defaults.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.DatabaseUrl == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is 'postgres'")
		}
	case "dynamodb":
		if c.DynamoTablePrefix == "" {
			return fmt.Errorf("DYNAMODB_TABLE_PREFIX must not be empty when STORE_BACKEND is 'dynamodb'")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of 'memory', 'postgres' or 'dynamodb', got: %s", c.StoreBackend)
	}

	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND is 'redis'")
		}
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be either 'memory' or 'redis', got: %s", c.RateLimitBackend)
	}

	switch c.PaymentProvider {
	case "mock":
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when PAYMENT_PROVIDER is 'stripe'")
		}
	default:
		return fmt.Errorf("PAYMENT_PROVIDER must be either 'stripe' or 'mock', got: %s", c.PaymentProvider)
	}

	// Validate AI provider configuration
	if c.AIProvider == "anthropic" {
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is 'anthropic'")
		}
	} else if c.AIProvider != "mock" {
		return fmt.Errorf("AI_PROVIDER must be either 'anthropic' or 'mock', got: %s", c.AIProvider)
	}

	switch c.DeliveryProvider {
	case "mock":
	case "email":
		if c.SMTPHost == "" {
			return fmt.Errorf("SMTP_HOST is required when DELIVERY_PROVIDER is 'email'")
		}
	case "sqs":
		if c.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required when DELIVERY_PROVIDER is 'sqs'")
		}
	default:
		return fmt.Errorf("DELIVERY_PROVIDER must be one of 'email', 'sqs' or 'mock', got: %s", c.DeliveryProvider)
	}

	// Validate storage configuration
	switch c.StorageProvider {
	case "none", "local":
	case "r2":
		if c.R2AccountID == "" {
			return fmt.Errorf("R2_ACCOUNT_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if c.R2AccessKeyID == "" {
			return fmt.Errorf("R2_ACCESS_KEY_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if c.R2SecretAccessKey == "" {
			return fmt.Errorf("R2_SECRET_ACCESS_KEY is required when STORAGE_PROVIDER is 'r2'")
		}
		if c.R2BucketName == "" {
			return fmt.Errorf("R2_BUCKET_NAME is required when STORAGE_PROVIDER is 'r2'")
		}
	default:
		return fmt.Errorf("STORAGE_PROVIDER must be one of 'none', 'local' or 'r2', got: %s", c.StorageProvider)
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got: %d", c.MaxUploadBytes)
	}
	if c.MaxConcurrentAnalyses <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_ANALYSES must be positive, got: %d", c.MaxConcurrentAnalyses)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
