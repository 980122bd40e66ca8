package config

import (
	"fmt"
	"strings"
)

type PProfConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

const defaultPProfAddr = "localhost:6060"

// String returns a string representation of the pprof configuration.
func (c *PProfConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- PProf ---\n")
	b.WriteString(fmt.Sprintf("  enabled: %t\n", c.Enabled))
	b.WriteString(fmt.Sprintf("  address: %s\n", c.Addr))
	return b.String()
}

// Validate binds pprof to localhost:6060 when it is enabled without an address.
func (c *PProfConfig) Validate() error {
	if c.Enabled && c.Addr == "" {
		c.Addr = defaultPProfAddr
	}
	return nil
}
