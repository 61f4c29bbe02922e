package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/tender-intel/internal/config"
)

// Policy combines a retry schedule with an optional circuit breaker. Each
// attempt passes through the breaker, so an open circuit ends the retries.
type Policy struct {
	Retry   RetryConfig
	Breaker *CircuitBreaker
}

// NewPolicy builds a Policy from configuration. transient decides which
// errors are retried and counted by the breaker; nil means IsTransient. A
// nil circuit config leaves the breaker off.
func NewPolicy(name string, r config.RetryConfig, c *config.CircuitConfig, transient func(error) bool) Policy {
	if transient == nil {
		transient = IsTransient
	}
	p := Policy{Retry: RetryFromConfig(r)}
	p.Retry.ShouldRetry = transient
	p.Retry.OnRetry = RetryLogger(name, "call")
	if c != nil {
		cb := CircuitFromConfig(*c)
		cb.ShouldTrip = transient
		cb.OnStateChange = StateLogger(name)
		p.Breaker = NewCircuitBreaker(cb)
	}
	return p
}

// Call runs fn under the policy.
func Call[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	if p.Breaker == nil {
		return DoVal(ctx, p.Retry, fn)
	}
	retry := p.Retry
	should := retry.ShouldRetry
	if should == nil {
		should = IsTransient
	}
	retry.ShouldRetry = func(err error) bool {
		return !errors.Is(err, ErrCircuitOpen) && should(err)
	}
	return DoVal(ctx, retry, func(ctx context.Context) (T, error) {
		return ExecuteVal(ctx, p.Breaker, fn)
	})
}

// RetryFromConfig converts config values to a RetryConfig. Zero values keep
// the defaults.
func RetryFromConfig(r config.RetryConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if r.MaxAttempts > 0 {
		cfg.MaxAttempts = r.MaxAttempts
	}
	if r.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(r.InitialBackoffMs) * time.Millisecond
	}
	if r.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(r.MaxBackoffMs) * time.Millisecond
	}
	if r.Multiplier > 0 {
		cfg.Multiplier = r.Multiplier
	}
	if r.JitterFraction >= 0 {
		cfg.JitterFraction = r.JitterFraction
	}
	return cfg
}

// CircuitFromConfig converts config values to a CircuitBreakerConfig.
func CircuitFromConfig(c config.CircuitConfig) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return cfg
}
