// Package retry provides exponential backoff retry logic for the block
// cache's collaborators. Most operations in this module use the bounded
// Retryer below; the object-store PUT path additionally needs an unbounded
// variant (RetryForever) because spec.md requires uploads to retry forever
// until a permanent success or an explicit abandonment, never a max-attempts
// cutoff.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/dingodb/dingofs-blockcache/pkg/errors"
)

// Config defines bounded retry behavior.
type Config struct {
	MaxAttempts     int                  `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay    time.Duration        `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay        time.Duration        `yaml:"max_delay" json:"max_delay"`
	Multiplier      float64              `yaml:"multiplier" json:"multiplier"`
	Jitter          bool                 `yaml:"jitter" json:"jitter"`
	RetryableErrors []errors.ErrorCode   `yaml:"retryable_errors" json:"retryable_errors"`
	OnRetry         func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the bounded retry policy used for admission-facing
// operations (not the object-store PUT path, which uses RetryForever).
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.CodeCacheDown,
			errors.CodeCacheUnhealthy,
			errors.CodeCacheFull,
			errors.CodeIO,
		},
	}
}

// Retryer handles bounded retry logic with exponential backoff.
type Retryer struct {
	config Config
}

// New creates a new Retryer, filling zero-valued fields with defaults.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &Retryer{config: config}
}

// Do executes fn with retry logic using a background context.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn with retry logic, honoring ctx cancellation.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.shouldRetry(err, attempt) {
			return err
		}

		if attempt < r.config.MaxAttempts {
			delay := r.calculateDelay(attempt)
			if r.config.OnRetry != nil {
				r.config.OnRetry(attempt, err, delay)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("operation canceled after %d attempts: %w", attempt, ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, lastErr)
}

func (r *Retryer) shouldRetry(err error, attempt int) bool {
	if attempt >= r.config.MaxAttempts {
		return false
	}

	var bcErr *errors.BlockCacheError
	if stderr.As(err, &bcErr) {
		if bcErr.Retryable {
			return true
		}
		for _, code := range r.config.RetryableErrors {
			if bcErr.Code == code {
				return true
			}
		}
	}
	return false
}

func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		jitter := delay * 0.2 * (rand.Float64()*2 - 1)
		delay += jitter
	}
	return time.Duration(delay)
}

func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	newConfig := r.config
	newConfig.MaxAttempts = attempts
	return New(newConfig)
}

func (r *Retryer) WithInitialDelay(delay time.Duration) *Retryer {
	newConfig := r.config
	newConfig.InitialDelay = delay
	return New(newConfig)
}

func (r *Retryer) WithMaxDelay(delay time.Duration) *Retryer {
	newConfig := r.config
	newConfig.MaxDelay = delay
	return New(newConfig)
}

func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}

// ForeverConfig configures the unbounded backoff used by RetryForever.
type ForeverConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultForeverConfig mirrors DefaultConfig's backoff shape but without a
// bound on attempts.
func DefaultForeverConfig() ForeverConfig {
	return ForeverConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (c ForeverConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter {
		d += d * 0.2 * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// RetryForever calls fn repeatedly, backing off between attempts, until fn
// returns nil (success) or ctx is done (explicit abandonment — the only way
// to stop this loop short of success). It never gives up on its own; this is
// the mechanism spec.md §4.5/§9 requires for object-store PUT retry.
func RetryForever(ctx context.Context, cfg ForeverConfig, fn func(attempt int) error) error {
	if cfg.InitialDelay <= 0 {
		cfg = DefaultForeverConfig()
	}

	for attempt := 1; ; attempt++ {
		if err := fn(attempt); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.delay(attempt)):
		}
	}
}
