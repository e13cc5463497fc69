// Package config provides configuration management for the payment platform
// client. It loads configuration from environment variables with sensible
// defaults and validates it before any connection is attempted.
//
// Environment Variables:
//
// Platform:
//   - EPAYMENT_BASE_URL: Platform base URL (required)
//   - EPAYMENT_TOKEN_URL: Token endpoint (default: <EPAYMENT_BASE_URL>/token)
//   - EPAYMENT_SUBSCRIPTION_KEY: API gateway subscription key
//   - EPAYMENT_CLIENT_ID: OAuth2 client id (required)
//   - EPAYMENT_CLIENT_SECRET: OAuth2 client secret (required)
//   - EPAYMENT_SCOPE: OAuth2 scope
//   - EPAYMENT_GRANT_TYPE: OAuth2 grant type (default: client_credentials)
//
// Timing:
//   - EPAYMENT_TOKEN_TIMEOUT: Longest wait for an access token (default: 10s)
//   - EPAYMENT_BACKOFF: Delay before retrying a failed token fetch or request (default: 5s)
//   - EPAYMENT_HTTP_TIMEOUT: HTTP client timeout (default: 30s)
//
// Rate Limiting:
//   - EPAYMENT_RATE_LIMIT_RPS: Outbound requests per second, 0 disables (default: 0)
//   - EPAYMENT_RATE_LIMIT_BURST: Burst size (default: 1)
//
// Token Persistence:
//   - EPAYMENT_TOKEN_STORE: "memory", "redis" or "none" (default: none)
//   - REDIS_ADDRESS: Redis server address (required for the redis store)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Logging:
//   - LOG_LEVEL: Logging level (default: info)
//
// Example usage:
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"epayment-client/internal/common/errors"
	"epayment-client/internal/common/ratelimit"
	"epayment-client/internal/oauth2"
	"epayment-client/internal/redis"
)

// Token store kinds
const (
	TokenStoreNone   = "none"
	TokenStoreMemory = "memory"
	TokenStoreRedis  = "redis"
)

// Config holds all configuration values of the client. Every field maps to
// one environment variable, listed in the package documentation.
type Config struct {
	// Platform settings
	BaseURL         string `validate:"required,url" env:"EPAYMENT_BASE_URL"`
	TokenURL        string `validate:"required,url" env:"EPAYMENT_TOKEN_URL"`
	SubscriptionKey string `env:"EPAYMENT_SUBSCRIPTION_KEY"`
	ClientID        string `validate:"required" env:"EPAYMENT_CLIENT_ID"`
	ClientSecret    string `validate:"required" env:"EPAYMENT_CLIENT_SECRET"`
	Scope           string `env:"EPAYMENT_SCOPE"`
	GrantType       string `validate:"required" env:"EPAYMENT_GRANT_TYPE"`

	// Timing
	TokenTimeout time.Duration `validate:"gt=0" env:"EPAYMENT_TOKEN_TIMEOUT"`
	Backoff      time.Duration `validate:"gt=0" env:"EPAYMENT_BACKOFF"`
	HTTPTimeout  time.Duration `validate:"gt=0" env:"EPAYMENT_HTTP_TIMEOUT"`

	// Rate limiting
	RateLimitRPS   float64 `validate:"gte=0" env:"EPAYMENT_RATE_LIMIT_RPS"`
	RateLimitBurst int     `validate:"gte=0" env:"EPAYMENT_RATE_LIMIT_BURST"`

	// Token persistence
	TokenStore    string `validate:"oneof=none memory redis" env:"EPAYMENT_TOKEN_STORE"`
	RedisAddress  string `validate:"required_if=TokenStore redis" env:"REDIS_ADDRESS"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `validate:"gte=0,lte=15" env:"REDIS_DB"`
	RedisPoolSize int    `validate:"gte=1" env:"REDIS_POOL_SIZE"`

	// Logging level (debug, info, warn, error)
	LogLevel string `validate:"oneof=debug info warn warning error" env:"LOG_LEVEL"`
}

// Load creates a new Config with values loaded from environment variables.
// Unset or unparseable variables fall back to their defaults.
//
// This function does not validate the configuration; call Validate on the
// returned Config before use.
func Load() *Config {
	baseURL := strings.TrimRight(getEnv("EPAYMENT_BASE_URL", ""), "/")

	tokenURL := getEnv("EPAYMENT_TOKEN_URL", "")
	if tokenURL == "" && baseURL != "" {
		tokenURL = baseURL + "/token"
	}

	return &Config{
		BaseURL:         baseURL,
		TokenURL:        tokenURL,
		SubscriptionKey: getEnv("EPAYMENT_SUBSCRIPTION_KEY", ""),
		ClientID:        getEnv("EPAYMENT_CLIENT_ID", ""),
		ClientSecret:    getEnv("EPAYMENT_CLIENT_SECRET", ""),
		Scope:           getEnv("EPAYMENT_SCOPE", ""),
		GrantType:       getEnv("EPAYMENT_GRANT_TYPE", oauth2.GrantTypeClientCredentials),

		TokenTimeout: getDurationEnv("EPAYMENT_TOKEN_TIMEOUT", 10*time.Second),
		Backoff:      getDurationEnv("EPAYMENT_BACKOFF", oauth2.DefaultBackoff),
		HTTPTimeout:  getDurationEnv("EPAYMENT_HTTP_TIMEOUT", 30*time.Second),

		RateLimitRPS:   getFloatEnv("EPAYMENT_RATE_LIMIT_RPS", 0),
		RateLimitBurst: getIntEnv("EPAYMENT_RATE_LIMIT_BURST", 1),

		TokenStore:    strings.ToLower(getEnv("EPAYMENT_TOKEN_STORE", TokenStoreNone)),
		RedisAddress:  getEnv("REDIS_ADDRESS", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		RedisPoolSize: getIntEnv("REDIS_POOL_SIZE", 10),

		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}
}

// getEnv retrieves an environment variable value or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv parses a Go duration ("5s", "1m30s"); plain integers are
// read as seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if parsed, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return parsed
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if parsed, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return parsed
	}
	return defaultValue
}

// Validate checks required fields, formats and ranges. The returned error
// names the environment variable at fault.
func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		return field.Tag.Get("env")
	})

	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return errors.ConfigError("configuration is invalid").WithContext("details", err.Error())
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, describe(fe))
	}
	return errors.ConfigError(strings.Join(problems, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", fe.Field())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
}

// Credentials returns the OAuth2 client credentials.
func (c *Config) Credentials() oauth2.Credentials {
	return oauth2.Credentials{
		TokenURL:        c.TokenURL,
		ClientID:        c.ClientID,
		ClientSecret:    c.ClientSecret,
		Scope:           c.Scope,
		GrantType:       c.GrantType,
		SubscriptionKey: c.SubscriptionKey,
	}
}

// RateLimit returns the outbound rate limiter settings.
func (c *Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerSecond: c.RateLimitRPS,
		BurstSize:         c.RateLimitBurst,
	}
}

// Redis returns the Redis connection settings.
func (c *Config) Redis() *redis.Config {
	return &redis.Config{
		Address:  c.RedisAddress,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
		PoolSize: c.RedisPoolSize,
	}
}
