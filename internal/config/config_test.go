package config

import (
	"strings"
	"testing"
	"time"

	"epayment-client/internal/common/errors"
)

var allVars = []string{
	"EPAYMENT_BASE_URL", "EPAYMENT_TOKEN_URL", "EPAYMENT_SUBSCRIPTION_KEY",
	"EPAYMENT_CLIENT_ID", "EPAYMENT_CLIENT_SECRET", "EPAYMENT_SCOPE", "EPAYMENT_GRANT_TYPE",
	"EPAYMENT_TOKEN_TIMEOUT", "EPAYMENT_BACKOFF", "EPAYMENT_HTTP_TIMEOUT",
	"EPAYMENT_RATE_LIMIT_RPS", "EPAYMENT_RATE_LIMIT_BURST", "EPAYMENT_TOKEN_STORE",
	"REDIS_ADDRESS", "REDIS_PASSWORD", "REDIS_DB", "REDIS_POOL_SIZE", "LOG_LEVEL",
}

// setTestEnv clears every variable Load reads and then applies vars.
// t.Setenv restores the previous values when the test ends.
func setTestEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for _, key := range allVars {
		t.Setenv(key, "")
	}
	for key, value := range vars {
		t.Setenv(key, value)
	}
}

func validEnv() map[string]string {
	return map[string]string{
		"EPAYMENT_BASE_URL":      "https://epayment.example.com",
		"EPAYMENT_CLIENT_ID":     "merchant-1",
		"EPAYMENT_CLIENT_SECRET": "s3cret",
	}
}

func TestLoad_Defaults(t *testing.T) {
	setTestEnv(t, validEnv())

	cfg := Load()

	if cfg.TokenURL != "https://epayment.example.com/token" {
		t.Errorf("TokenURL = %v, want base url + /token", cfg.TokenURL)
	}
	if cfg.GrantType != "client_credentials" {
		t.Errorf("GrantType = %v, want client_credentials", cfg.GrantType)
	}
	if cfg.TokenTimeout != 10*time.Second {
		t.Errorf("TokenTimeout = %v, want 10s", cfg.TokenTimeout)
	}
	if cfg.Backoff != 5*time.Second {
		t.Errorf("Backoff = %v, want 5s", cfg.Backoff)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("HTTPTimeout = %v, want 30s", cfg.HTTPTimeout)
	}
	if cfg.TokenStore != TokenStoreNone {
		t.Errorf("TokenStore = %v, want none", cfg.TokenStore)
	}
	if cfg.RedisPoolSize != 10 {
		t.Errorf("RedisPoolSize = %v, want 10", cfg.RedisPoolSize)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	env := validEnv()
	env["EPAYMENT_BASE_URL"] = "https://epayment.example.com/"
	env["EPAYMENT_TOKEN_URL"] = "https://auth.example.com/oauth2/token"
	env["EPAYMENT_SUBSCRIPTION_KEY"] = "sub-key"
	env["EPAYMENT_TOKEN_TIMEOUT"] = "2s"
	env["EPAYMENT_BACKOFF"] = "3"
	env["EPAYMENT_RATE_LIMIT_RPS"] = "12.5"
	env["EPAYMENT_RATE_LIMIT_BURST"] = "4"
	env["EPAYMENT_TOKEN_STORE"] = "Redis"
	env["REDIS_ADDRESS"] = "localhost:6379"
	env["REDIS_DB"] = "2"
	env["LOG_LEVEL"] = "DEBUG"
	setTestEnv(t, env)

	cfg := Load()

	if cfg.BaseURL != "https://epayment.example.com" {
		t.Errorf("BaseURL = %v, want trailing slash trimmed", cfg.BaseURL)
	}
	if cfg.TokenURL != "https://auth.example.com/oauth2/token" {
		t.Errorf("TokenURL = %v", cfg.TokenURL)
	}
	if cfg.TokenTimeout != 2*time.Second {
		t.Errorf("TokenTimeout = %v, want 2s", cfg.TokenTimeout)
	}
	if cfg.Backoff != 3*time.Second {
		t.Errorf("Backoff = %v, want 3s from plain seconds", cfg.Backoff)
	}
	if cfg.TokenStore != TokenStoreRedis {
		t.Errorf("TokenStore = %v, want redis", cfg.TokenStore)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}

	rl := cfg.RateLimit()
	if rl.RequestsPerSecond != 12.5 || rl.BurstSize != 4 {
		t.Errorf("RateLimit() = %+v", rl)
	}

	rc := cfg.Redis()
	if rc.Address != "localhost:6379" || rc.DB != 2 || rc.PoolSize != 10 {
		t.Errorf("Redis() = %+v", rc)
	}

	creds := cfg.Credentials()
	if creds.TokenURL != cfg.TokenURL || creds.ClientID != "merchant-1" || creds.SubscriptionKey != "sub-key" {
		t.Errorf("Credentials() = %+v", creds)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	env := validEnv()
	env["EPAYMENT_TOKEN_TIMEOUT"] = "soon"
	env["REDIS_POOL_SIZE"] = "many"
	env["EPAYMENT_RATE_LIMIT_RPS"] = "fast"
	setTestEnv(t, env)

	cfg := Load()

	if cfg.TokenTimeout != 10*time.Second {
		t.Errorf("TokenTimeout = %v, want default", cfg.TokenTimeout)
	}
	if cfg.RedisPoolSize != 10 {
		t.Errorf("RedisPoolSize = %v, want default", cfg.RedisPoolSize)
	}
	if cfg.RateLimitRPS != 0 {
		t.Errorf("RateLimitRPS = %v, want default", cfg.RateLimitRPS)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing base url",
			env:     map[string]string{"EPAYMENT_BASE_URL": ""},
			wantErr: "EPAYMENT_BASE_URL is required",
		},
		{
			name:    "missing client secret",
			env:     map[string]string{"EPAYMENT_CLIENT_SECRET": ""},
			wantErr: "EPAYMENT_CLIENT_SECRET is required",
		},
		{
			name:    "invalid token url",
			env:     map[string]string{"EPAYMENT_TOKEN_URL": "not a url"},
			wantErr: "EPAYMENT_TOKEN_URL must be a valid URL",
		},
		{
			name:    "unknown token store",
			env:     map[string]string{"EPAYMENT_TOKEN_STORE": "disk"},
			wantErr: "EPAYMENT_TOKEN_STORE must be one of",
		},
		{
			name:    "redis store without address",
			env:     map[string]string{"EPAYMENT_TOKEN_STORE": "redis"},
			wantErr: "REDIS_ADDRESS is required",
		},
		{
			name:    "non-positive backoff",
			env:     map[string]string{"EPAYMENT_BACKOFF": "0s"},
			wantErr: "EPAYMENT_BACKOFF must be greater than 0",
		},
		{
			name:    "redis db out of range",
			env:     map[string]string{"REDIS_DB": "16"},
			wantErr: "REDIS_DB failed lte=15",
		},
		{
			name:    "unknown log level",
			env:     map[string]string{"LOG_LEVEL": "trace"},
			wantErr: "LOG_LEVEL must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validEnv()
			for k, v := range tt.env {
				env[k] = v
			}
			setTestEnv(t, env)

			err := Load().Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
			if !errors.IsType(err, errors.ErrTypeConfig) {
				t.Errorf("Validate() error type = %v, want config", errors.GetType(err))
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	setTestEnv(t, nil)

	err := Load().Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	for _, want := range []string{"EPAYMENT_BASE_URL", "EPAYMENT_CLIENT_ID", "EPAYMENT_CLIENT_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %v, want it to mention %s", err, want)
		}
	}
}

func BenchmarkLoad(b *testing.B) {
	b.Setenv("EPAYMENT_BASE_URL", "https://epayment.example.com")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Load()
	}
}
