package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownConfig_Validate(t *testing.T) {
	testCases := []struct {
		name        string
		timeout     time.Duration
		expected    time.Duration
		expectError bool
	}{
		{name: "unset defaults", timeout: 0, expected: 5 * time.Second},
		{name: "explicit", timeout: 30 * time.Second, expected: 30 * time.Second},
		{name: "negative", timeout: -time.Second, expectError: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := ShutdownConfig{Timeout: tc.timeout}

			err := cfg.Validate()

			if tc.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, cfg.Timeout)
			assert.Contains(t, cfg.String(), "drain timeout: "+tc.expected.String())
		})
	}
}

func TestNATSConfig_Validate(t *testing.T) {
	testCases := []struct {
		name           string
		cfg            NATSConfig
		expectedBucket string
		expectError    bool
	}{
		{name: "bucket defaults", cfg: NATSConfig{Url: "nats://localhost:4222", Timeout: time.Second}, expectedBucket: "carts"},
		{name: "explicit bucket", cfg: NATSConfig{Url: "nats://localhost:4222", Timeout: time.Second, Bucket: "kids"}, expectedBucket: "kids"},
		{name: "missing url", cfg: NATSConfig{Timeout: time.Second}, expectError: true},
		{name: "missing timeout", cfg: NATSConfig{Url: "nats://localhost:4222"}, expectError: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg

			err := cfg.Validate()

			if tc.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectedBucket, cfg.Bucket)
			assert.Contains(t, cfg.String(), "cart bucket: "+tc.expectedBucket)
		})
	}
}
