// Package ratelimit throttles outbound requests on the client side using
// golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter defines the interface used by the transport
type Limiter interface {
	// Wait blocks until a request may be sent or ctx is done
	Wait(ctx context.Context) error
	// TryAcquire reports whether a request may be sent right now
	TryAcquire() bool
}

// Config represents rate limiter configuration. A zero RequestsPerSecond
// disables limiting.
type Config struct {
	RequestsPerSecond float64 `json:"requests_per_second" validate:"gte=0"`
	BurstSize         int     `json:"burst_size" validate:"gte=0"`
}

// Enabled reports whether the config limits anything
func (c Config) Enabled() bool {
	return c.RequestsPerSecond > 0
}

// Validate validates the rate limiter configuration
func (c Config) Validate() error {
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second must not be negative, got %v", c.RequestsPerSecond)
	}
	if c.BurstSize < 0 {
		return fmt.Errorf("burst size must not be negative, got %d", c.BurstSize)
	}
	return nil
}

type localLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter for config. It returns nil when limiting is disabled.
func New(config Config) (Limiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if !config.Enabled() {
		return nil, nil
	}

	burst := config.BurstSize
	if burst == 0 {
		burst = 1
	}

	return &localLimiter{limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)}, nil
}

func (l *localLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

func (l *localLimiter) TryAcquire() bool {
	return l.limiter.Allow()
}
