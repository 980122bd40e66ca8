package config

import (
	"fmt"
	"strings"
	"time"
)

// ResilienceConfig groups the fault-tolerance settings applied to remote backends.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `koanf:"circuitbreaker"`
}

type CircuitBreakerConfig struct {
	Enabled             bool          `koanf:"enabled"`
	MaxRequests         uint32        `koanf:"maxrequests"`
	ConsecutiveFailures uint32        `koanf:"consecutivefailures"`
	ErrorRatePercent    int           `koanf:"errorratepercent"`
	Interval            time.Duration `koanf:"interval"`
	OpenTimeout         time.Duration `koanf:"opentimeout"`
}

// String returns a string representation of the ResilienceConfig.
func (c *ResilienceConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- Circuit Breaker ---\n")
	b.WriteString(fmt.Sprintf("  enabled: %t\n", c.CircuitBreaker.Enabled))
	b.WriteString(fmt.Sprintf("  maxrequests: %d\n", c.CircuitBreaker.MaxRequests))
	b.WriteString(fmt.Sprintf("  consecutivefailures: %d\n", c.CircuitBreaker.ConsecutiveFailures))
	b.WriteString(fmt.Sprintf("  errorratepercent: %d\n", c.CircuitBreaker.ErrorRatePercent))
	b.WriteString(fmt.Sprintf("  interval: %v\n", c.CircuitBreaker.Interval))
	b.WriteString(fmt.Sprintf("  opentimeout: %v\n", c.CircuitBreaker.OpenTimeout))
	return b.String()
}

func (c *ResilienceConfig) Validate() error {
	cb := c.CircuitBreaker
	if !cb.Enabled {
		return nil
	}
	if cb.MaxRequests == 0 {
		return fmt.Errorf("circuit_breaker.max_requests must be greater than 0")
	}
	if cb.ConsecutiveFailures == 0 {
		return fmt.Errorf("circuit_breaker.consecutive_failures must be greater than 0")
	}
	if cb.ErrorRatePercent < 0 || cb.ErrorRatePercent > 100 {
		return fmt.Errorf("circuit_breaker.error_rate_percent must be between 0 and 100")
	}
	if cb.Interval < 0 {
		return fmt.Errorf("circuit_breaker.interval must not be negative")
	}
	if cb.OpenTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.open_timeout must be greater than 0")
	}
	return nil
}
