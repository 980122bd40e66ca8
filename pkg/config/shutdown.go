package config

import (
	"fmt"
	"strings"
	"time"
)

// ShutdownConfig bounds how long the cart service drains in-flight requests and open event
// streams after a stop signal.
type ShutdownConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

const defaultShutdownTimeout = 5 * time.Second

func (c *ShutdownConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- Shutdown ---\n")
	fmt.Fprintf(&b, "  drain timeout: %s\n", c.Timeout)
	return b.String()
}

// Validate rejects a negative drain timeout and defaults an unset one to five seconds.
func (c *ShutdownConfig) Validate() error {
	switch {
	case c.Timeout < 0:
		return fmt.Errorf("shutdown timeout must not be negative: %v", c.Timeout)
	case c.Timeout == 0:
		c.Timeout = defaultShutdownTimeout
	}
	return nil
}
