package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NATSConfig points the cart service at NATS. The same connection backs the JetStream
// key-value bucket holding carts and the stream order events are published to.
type NATSConfig struct {
	Url     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
	Bucket  string        `koanf:"bucket"`
}

const defaultBucket = "carts"

func (c *NATSConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- NATS ---\n")
	fmt.Fprintf(&b, "  url: %s\n", c.Url)
	fmt.Fprintf(&b, "  dial timeout: %s\n", c.Timeout)
	fmt.Fprintf(&b, "  cart bucket: %s\n", c.Bucket)
	return b.String()
}

// Validate requires the server URL and dial timeout. The cart bucket defaults to "carts".
func (c *NATSConfig) Validate() error {
	if c.Url == "" {
		return errors.New("nats url is not configured")
	}
	if c.Timeout <= 0 {
		return errors.New("nats dial timeout is not configured")
	}
	if c.Bucket == "" {
		c.Bucket = defaultBucket
	}
	return nil
}
