// Package config holds the cart service configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/abgdnv/kidscart/pkg/config"
	"github.com/abgdnv/kidscart/pkg/config/configloader"
)

var _ configloader.Validator = (*Config)(nil)

// Backend kinds.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
)

type Config struct {
	HTTPServer config.HTTPConfig       `koanf:"server"`
	Log        config.LogConfig        `koanf:"log"`
	PProf      config.PProfConfig      `koanf:"pprof"`
	Shutdown   config.ShutdownConfig   `koanf:"shutdown"`
	Telemetry  config.TelemetryConfig  `koanf:"telemetry"`
	Resilience config.ResilienceConfig `koanf:"resilience"`
	Backend    BackendConfig           `koanf:"backend"`
	Cart       CartConfig              `koanf:"cart"`
	Checkout   CheckoutConfig          `koanf:"checkout"`
}

// BackendConfig selects where carts are persisted. Only the block of the selected kind is validated.
type BackendConfig struct {
	Kind     string                `koanf:"kind"`
	Redis    config.RedisConfig    `koanf:"redis"`
	Database config.DatabaseConfig `koanf:"database"`
	NATS     config.NATSConfig     `koanf:"nats"`
}

type CartConfig struct {
	// Key is the storage key prefix. Each session's cart is stored under "<key>:<session id>".
	Key           string        `koanf:"key"`
	ShippingCost  float64       `koanf:"shippingCost"`
	Currency      string        `koanf:"currency"`
	SessionCookie string        `koanf:"sessionCookie"`
	SessionTTL    time.Duration `koanf:"sessionTTL"`
	SweepInterval time.Duration `koanf:"sweepInterval"`
	Heartbeat     time.Duration `koanf:"heartbeat"`
}

type CheckoutConfig struct {
	Publish struct {
		Enabled bool   `koanf:"enabled"`
		Stream  string `koanf:"stream"`
		Subject string `koanf:"subject"`
	} `koanf:"publish"`
}

const (
	defaultCartKey       = "kids-fashion-cart"
	defaultShippingCost  = 80.0
	defaultCurrency      = "BDT"
	defaultSessionCookie = "cart_session"
	defaultSessionTTL    = 30 * time.Minute
	defaultSweepInterval = time.Minute
	defaultHeartbeat     = 15 * time.Second
	defaultStream        = "ORDERS"
	defaultSubject       = "orders.placed"
)

func (c *Config) String() string {
	var b strings.Builder
	b.WriteString(c.HTTPServer.String())
	b.WriteString(c.Log.String())
	b.WriteString(c.PProf.String())
	b.WriteString(c.Shutdown.String())
	b.WriteString(c.Telemetry.String())
	b.WriteString(c.Resilience.String())

	b.WriteString("\n--- Backend ---\n")
	b.WriteString(fmt.Sprintf("  kind: %s\n", c.Backend.Kind))
	switch c.Backend.Kind {
	case BackendRedis:
		b.WriteString(c.Backend.Redis.String())
	case BackendPostgres:
		b.WriteString(c.Backend.Database.String())
	case BackendNATS:
		b.WriteString(c.Backend.NATS.String())
	}

	b.WriteString("\n--- Cart ---\n")
	b.WriteString(fmt.Sprintf("  key: %s\n", c.Cart.Key))
	b.WriteString(fmt.Sprintf("  shippingCost: %.2f\n", c.Cart.ShippingCost))
	b.WriteString(fmt.Sprintf("  currency: %s\n", c.Cart.Currency))
	b.WriteString(fmt.Sprintf("  sessionCookie: %s\n", c.Cart.SessionCookie))
	b.WriteString(fmt.Sprintf("  sessionTTL: %s\n", c.Cart.SessionTTL))
	b.WriteString(fmt.Sprintf("  sweepInterval: %s\n", c.Cart.SweepInterval))
	b.WriteString(fmt.Sprintf("  heartbeat: %s\n", c.Cart.Heartbeat))

	b.WriteString("\n--- Checkout ---\n")
	b.WriteString(fmt.Sprintf("  publish.enabled: %t\n", c.Checkout.Publish.Enabled))
	b.WriteString(fmt.Sprintf("  publish.stream: %s\n", c.Checkout.Publish.Stream))
	b.WriteString(fmt.Sprintf("  publish.subject: %s\n", c.Checkout.Publish.Subject))
	return b.String()
}

// Validate checks if the configuration values are valid and fills in defaults.
func (c *Config) Validate() error {
	if err := c.HTTPServer.Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.PProf.Validate(); err != nil {
		return err
	}
	if err := c.Shutdown.Validate(); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if err := c.Resilience.Validate(); err != nil {
		return err
	}
	if err := c.Backend.Validate(); err != nil {
		return err
	}
	if err := c.Cart.Validate(); err != nil {
		return err
	}
	if err := c.Checkout.Validate(); err != nil {
		return err
	}
	// Order events need a NATS connection even when carts are stored elsewhere.
	if c.Checkout.Publish.Enabled && c.Backend.Kind != BackendNATS {
		if err := c.Backend.NATS.Validate(); err != nil {
			return fmt.Errorf("checkout.publish: %w", err)
		}
	}
	return nil
}

func (c *BackendConfig) Validate() error {
	c.Kind = strings.ToLower(c.Kind)
	switch c.Kind {
	case "":
		c.Kind = BackendMemory
		return nil
	case BackendMemory:
		return nil
	case BackendRedis:
		return c.Redis.Validate()
	case BackendPostgres:
		return c.Database.Validate()
	case BackendNATS:
		return c.NATS.Validate()
	default:
		return fmt.Errorf("unsupported backend kind: %q", c.Kind)
	}
}

func (c *CartConfig) Validate() error {
	if c.Key == "" {
		c.Key = defaultCartKey
	}
	if strings.Contains(c.Key, ":") {
		return fmt.Errorf("cart key must not contain ':': %q", c.Key)
	}
	if c.ShippingCost < 0 {
		return fmt.Errorf("shipping cost must not be negative: %v", c.ShippingCost)
	}
	if c.ShippingCost == 0 {
		c.ShippingCost = defaultShippingCost
	}
	if c.Currency == "" {
		c.Currency = defaultCurrency
	}
	if c.SessionCookie == "" {
		c.SessionCookie = defaultSessionCookie
	}
	if c.SessionTTL < 0 || c.SweepInterval < 0 || c.Heartbeat < 0 {
		return fmt.Errorf("cart durations must not be negative")
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = defaultHeartbeat
	}
	return nil
}

func (c *CheckoutConfig) Validate() error {
	if c.Publish.Stream == "" {
		c.Publish.Stream = defaultStream
	}
	if c.Publish.Subject == "" {
		c.Publish.Subject = defaultSubject
	}
	return nil
}
