package config

import (
	"fmt"
	"strings"
	"time"
)

// RedisConfig configures the Redis cart backend.
type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Timeout  time.Duration `koanf:"timeout"`
	// Channel is the prefix of the pub/sub channel used for change notifications.
	Channel string `koanf:"channel"`
}

const defaultRedisChannel = "cart-changed"

// String returns a string representation of the Redis configuration.
func (c *RedisConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- Redis ---\n")
	b.WriteString(fmt.Sprintf("  addr: %s\n", c.Addr))
	b.WriteString(fmt.Sprintf("  db: %d\n", c.DB))
	b.WriteString(fmt.Sprintf("  timeout: %s\n", c.Timeout))
	b.WriteString(fmt.Sprintf("  channel: %s\n", c.Channel))
	return b.String()
}

func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redis address is not configured")
	}
	if c.DB < 0 {
		return fmt.Errorf("invalid redis db: %d", c.DB)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("redis timeout is not configured")
	}
	if c.Channel == "" {
		c.Channel = defaultRedisChannel
	}
	return nil
}
