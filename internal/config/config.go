package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// FrontendDomain is the base URL of the web client, used for checkout redirects.
	FrontendDomain string

	LogLevel  string
	LogFormat string

	Auth    AuthConfig
	Stripe  StripeConfig
	LLM     LLMConfig
	Search  SearchConfig
	Email   EmailConfig
	Storage StorageConfig
}

// AuthConfig controls token issuance.
type AuthConfig struct {
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// StripeConfig holds billing provider credentials and the price ids the
// reconciler maps onto billing cycles.
type StripeConfig struct {
	SecretKey      string
	WebhookSecret  string
	PriceIDMonthly string
	PriceIDYearly  string
}

// LLMConfig points the chat agent at an OpenAI-compatible endpoint.
type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// SearchConfig configures the web-search tool.
type SearchConfig struct {
	APIKey  string
	BaseURL string
}

// EmailConfig configures outbound SMTP.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
	From     string
}

// StorageConfig configures S3-compatible object storage for profile pictures.
type StorageConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	CDNURL    string
}

const (
	defaultServerAddress   = ":18111"
	defaultAccessTokenTTL  = 60 * time.Minute
	defaultRefreshTokenTTL = 30 * 24 * time.Hour
	defaultLLMBaseURL      = "https://generativelanguage.googleapis.com/v1beta/openai/"
	defaultLLMModel        = "gemini-1.5-flash"
	defaultLLMTemperature  = 0.7
	defaultSearchBaseURL   = "https://api.tavily.com"
	defaultEmailPort       = 587
	defaultStorageRegion   = "us-east-1"

	envServerAddress    = "BACKEND_ADDR"
	envDatabaseURL      = "DATABASE_URL"
	envFrontendDomain   = "FRONTEND_DOMAIN"
	envLogLevel         = "LOG_LEVEL"
	envLogFormat        = "LOG_FORMAT"
	envJWTSecret        = "JWT_SECRET"
	envAccessTokenTTL   = "ACCESS_TOKEN_EXPIRE_MINUTES"
	envStripeSecretKey  = "STRIPE_SECRET_KEY"
	envStripeWebhook    = "STRIPE_WEBHOOK_SECRET"
	envStripeMonthly    = "STRIPE_PRICE_MONTHLY"
	envStripeYearly     = "STRIPE_PRICE_YEARLY"
	envLLMAPIKey        = "LLM_API_KEY"
	envLLMBaseURL       = "LLM_BASE_URL"
	envLLMModel         = "LLM_MODEL"
	envTavilyAPIKey     = "TAVILY_API_KEY"
	envTavilyBaseURL    = "TAVILY_BASE_URL"
	envEmailHost        = "EMAIL_HOST"
	envEmailPort        = "EMAIL_PORT"
	envEmailUser        = "EMAIL_HOST_USER"
	envEmailPassword    = "EMAIL_HOST_PASSWORD"
	envEmailUseTLS      = "EMAIL_USE_TLS"
	envEmailFrom        = "DEFAULT_FROM_EMAIL"
	envStorageEndpoint  = "STORAGE_ENDPOINT"
	envStorageRegion    = "STORAGE_REGION"
	envStorageBucket    = "STORAGE_BUCKET"
	envStorageAccessKey = "STORAGE_ACCESS_KEY"
	envStorageSecretKey = "STORAGE_SECRET_KEY"
	envCDNURL           = "CDN_URL"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:  firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:    strings.TrimSpace(os.Getenv(envDatabaseURL)),
		FrontendDomain: strings.TrimRight(os.Getenv(envFrontendDomain), "/"),
		LogLevel:       os.Getenv(envLogLevel),
		LogFormat:      os.Getenv(envLogFormat),
		Auth: AuthConfig{
			JWTSecret:       os.Getenv(envJWTSecret),
			AccessTokenTTL:  defaultAccessTokenTTL,
			RefreshTokenTTL: defaultRefreshTokenTTL,
		},
		Stripe: StripeConfig{
			SecretKey:      os.Getenv(envStripeSecretKey),
			WebhookSecret:  os.Getenv(envStripeWebhook),
			PriceIDMonthly: strings.TrimSpace(os.Getenv(envStripeMonthly)),
			PriceIDYearly:  strings.TrimSpace(os.Getenv(envStripeYearly)),
		},
		LLM: LLMConfig{
			APIKey:      os.Getenv(envLLMAPIKey),
			BaseURL:     firstNonEmpty(os.Getenv(envLLMBaseURL), defaultLLMBaseURL),
			Model:       firstNonEmpty(os.Getenv(envLLMModel), defaultLLMModel),
			Temperature: defaultLLMTemperature,
		},
		Search: SearchConfig{
			APIKey:  os.Getenv(envTavilyAPIKey),
			BaseURL: firstNonEmpty(os.Getenv(envTavilyBaseURL), defaultSearchBaseURL),
		},
		Email: EmailConfig{
			Host:     os.Getenv(envEmailHost),
			Port:     defaultEmailPort,
			Username: os.Getenv(envEmailUser),
			Password: os.Getenv(envEmailPassword),
			UseTLS:   true,
			From:     os.Getenv(envEmailFrom),
		},
		Storage: StorageConfig{
			Endpoint:  os.Getenv(envStorageEndpoint),
			Region:    firstNonEmpty(os.Getenv(envStorageRegion), defaultStorageRegion),
			Bucket:    os.Getenv(envStorageBucket),
			AccessKey: os.Getenv(envStorageAccessKey),
			SecretKey: os.Getenv(envStorageSecretKey),
			CDNURL:    strings.TrimRight(os.Getenv(envCDNURL), "/"),
		},
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if cfg.Auth.JWTSecret == "" {
		return Config{}, fmt.Errorf("%s is required", envJWTSecret)
	}

	if value := os.Getenv(envAccessTokenTTL); value != "" {
		minutes, err := strconv.Atoi(value)
		if err != nil || minutes <= 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", envAccessTokenTTL, value)
		}
		cfg.Auth.AccessTokenTTL = time.Duration(minutes) * time.Minute
	}

	if value := os.Getenv(envEmailPort); value != "" {
		port, err := strconv.Atoi(value)
		if err != nil || port <= 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", envEmailPort, value)
		}
		cfg.Email.Port = port
	}

	if value := os.Getenv(envEmailUseTLS); value != "" {
		useTLS, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %q", envEmailUseTLS, value)
		}
		cfg.Email.UseTLS = useTLS
	}

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
