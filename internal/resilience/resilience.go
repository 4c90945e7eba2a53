// Package resilience provides retry and circuit breaker primitives for
// outbound portal calls:
//   - Retry mechanism with exponential backoff and jitter
//   - Retryable-error classification (unauthorized sessions, timeouts)
//   - Circuit breaker to stop hammering a broken portal
//   - Context cancellation handling
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = gobreaker.ErrOpenState
	// ErrExhaustedRetries indicates retry attempts were exhausted.
	ErrExhaustedRetries = errors.New("retry attempts exhausted")
)

// RetryConfig holds configuration for retry operations.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	RandomFactor    float64

	// RetryIf decides whether an error is worth another attempt.
	// When nil every error is retried.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns a default retry configuration matching the
// portal clients' needs: three attempts with short backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		RandomFactor:    0.1,
	}
}

// IsTimeout reports whether err is a context deadline or a network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// WithRetry executes an operation with exponential backoff retry.
func WithRetry(ctx context.Context, operation func(context.Context) error, cfg RetryConfig) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	interval := cfg.InitialInterval
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := operation(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		// Don't retry if context is done.
		if ctx.Err() != nil {
			return fmt.Errorf("retry abandoned: %w", ctx.Err())
		}

		// Circuit breaker open means the backend is down, back off entirely.
		if errors.Is(err, ErrCircuitOpen) {
			return err
		}

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		sleep := interval
		if cfg.RandomFactor > 0 {
			delta := cfg.RandomFactor * float64(interval)
			sleep = time.Duration(float64(interval) - delta + rnd.Float64()*2*delta)
		}

		slog.Debug("retrying operation",
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"sleep", sleep,
			"error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry abandoned: %w", ctx.Err())
		case <-time.After(sleep):
		}

		interval = time.Duration(float64(interval) * cfg.Multiplier)
		if cfg.MaxInterval > 0 && interval > cfg.MaxInterval {
			interval = cfg.MaxInterval
		}
	}

	return fmt.Errorf("%w: %v", ErrExhaustedRetries, lastErr)
}

// CircuitBreakerConfig holds configuration for circuit breakers.
type CircuitBreakerConfig struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenLimit int
	ResetInterval time.Duration
}

// CircuitBreaker implements the circuit breaker pattern using gobreaker.
type CircuitBreaker struct {
	name    string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenLimit <= 0 {
		cfg.HalfOpenLimit = 1
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = 60 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.HalfOpenLimit),
		Interval:    cfg.ResetInterval,
		Timeout:     cfg.ResetInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())
		},
	}

	return &CircuitBreaker{
		name:    cfg.Name,
		timeout: cfg.Timeout,
		cb:      gobreaker.NewCircuitBreaker(settings),
	}
}

// Execute runs an operation through the circuit breaker, applying the
// breaker's timeout when the context carries no deadline.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func(context.Context) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.timeout)
		defer cancel()
	}

	_, err := cb.cb.Execute(func() (interface{}, error) {
		return nil, operation(ctx)
	})
	return err
}
