package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/Swind/go-task-chain/core"
)

// RetryConfig configures exponential backoff between attempts.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 1min)
	MaxRetries          int           // Retries after the first attempt (default 3, negative: until MaxElapsedTime)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      time.Minute,
		MaxRetries:          3,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerConfig configures the per-executable circuit breakers.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker (default 5).
	ConsecutiveFailures uint32
	// OpenTimeout is how long a tripped breaker rejects calls (default 30s).
	OpenTimeout time.Duration
	// HalfOpenRequests is how many probes a half-open breaker lets through
	// (default 1).
	HalfOpenRequests uint32
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

// ResilientRunner wraps a Runner with retries and a circuit breaker per
// executable path. onLine observes the output of every attempt.
type ResilientRunner struct {
	next    Runner
	retry   RetryConfig
	breaker BreakerConfig
	logger  core.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

var _ Runner = (*ResilientRunner)(nil)

// NewResilientRunner wraps next. A nil logger discards logs.
func NewResilientRunner(next Runner, retry RetryConfig, breaker BreakerConfig, logger core.Logger) *ResilientRunner {
	if next == nil {
		panic("process: NewResilientRunner requires a runner")
	}
	if logger == nil {
		logger = core.NewNoOpLogger()
	}
	def := DefaultBreakerConfig()
	if breaker.ConsecutiveFailures == 0 {
		breaker.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if breaker.OpenTimeout <= 0 {
		breaker.OpenTimeout = def.OpenTimeout
	}
	if breaker.HalfOpenRequests == 0 {
		breaker.HalfOpenRequests = def.HalfOpenRequests
	}
	return &ResilientRunner{
		next:     next,
		retry:    retry,
		breaker:  breaker,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Breaker returns the circuit breaker guarding path, creating it on first use.
func (r *ResilientRunner) Breaker(path string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[path]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        path,
		MaxRequests: r.breaker.HalfOpenRequests,
		Timeout:     r.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.breaker.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed",
				core.F("executable", name),
				core.F("from", from.String()),
				core.F("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about the executable's health.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[path] = cb
	return cb
}

// Run executes cmd through its breaker, retrying transient failures with
// exponential backoff. Missing executables, an open breaker and cancellation
// are not retried.
func (r *ResilientRunner) Run(ctx context.Context, cmd Command, onLine LineHandler) (Result, error) {
	if cmd.Path == "" {
		return Result{Command: cmd, ExitCode: -1}, ErrEmptyCommand
	}
	cb := r.Breaker(cmd.Path)

	var res Result
	attempt := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		out, err := cb.Execute(func() (interface{}, error) {
			return r.next.Run(ctx, cmd, onLine)
		})
		if out != nil {
			res = out.(Result)
		}
		if err == nil {
			return nil
		}
		if !retryable(ctx, err) {
			return backoff.Permanent(err)
		}
		r.logger.Debug("process attempt failed",
			core.F("command", cmd.String()),
			core.F("attempt", attempt),
			core.F("error", err.Error()),
		)
		return err
	}

	err := backoff.Retry(operation, r.backOff(ctx))
	if err != nil && attempt > 1 {
		r.logger.Warn("process failed after retries",
			core.F("command", cmd.String()),
			core.F("attempts", attempt),
			core.F("error", err.Error()),
		)
	}
	return res, err
}

func (r *ResilientRunner) backOff(ctx context.Context) backoff.BackOff {
	def := DefaultRetryConfig()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = orDuration(r.retry.InitialInterval, def.InitialInterval)
	policy.MaxInterval = orDuration(r.retry.MaxInterval, def.MaxInterval)
	policy.MaxElapsedTime = orDuration(r.retry.MaxElapsedTime, def.MaxElapsedTime)
	policy.Multiplier = def.Multiplier
	if r.retry.Multiplier >= 1 {
		policy.Multiplier = r.retry.Multiplier
	}
	policy.RandomizationFactor = r.retry.RandomizationFactor
	policy.Reset()

	var b backoff.BackOff = policy
	if r.retry.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(r.retry.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

func retryable(ctx context.Context, err error) bool {
	switch {
	case ctx.Err() != nil:
		return false
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return false
	case errors.Is(err, ErrEmptyCommand), errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return false
	}
	return true
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
