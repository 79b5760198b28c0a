package config

import (
	"os"
	"testing"
	"time"
)

// TestLoad_DefaultPort tests loading config with default port.
// Follows AAA (Arrange, Act, Assert) pattern.
func TestLoad_DefaultPort(t *testing.T) {
	// Arrange
	os.Unsetenv("PORT")

	// Act
	cfg, err := Load()

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
}

// TestLoad_CustomPort tests loading config with custom port from environment.
func TestLoad_CustomPort(t *testing.T) {
	// Arrange
	os.Setenv("PORT", "3000")
	defer os.Unsetenv("PORT")

	// Act
	cfg, err := Load()

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.Port != 3000 {
		t.Errorf("expected port 3000, got %d", cfg.Port)
	}
}

// TestLoad_InvalidPort tests that invalid port falls back to default.
func TestLoad_InvalidPort(t *testing.T) {
	// Arrange
	os.Setenv("PORT", "invalid")
	defer os.Unsetenv("PORT")

	// Act
	cfg, err := Load()

	// Assert
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080 for invalid input, got %d", cfg.Port)
	}
}

// TestLoad_Defaults checks the zero-config defaults for the knobs every
// component reads at startup.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	cases := []struct {
		name string
		got  any
		want any
	}{
		{"RateLimitCapacity", cfg.RateLimitCapacity, float64(10)},
		{"RateLimitRefillRate", cfg.RateLimitRefillRate, float64(5)},
		{"HTTPMaxRetries", cfg.HTTPMaxRetries, 3},
		{"HTTPBackoffInitial", cfg.HTTPBackoffInitial, 200 * time.Millisecond},
		{"HTTPBackoffMax", cfg.HTTPBackoffMax, 5 * time.Second},
		{"SessionIdleTTL", cfg.SessionIdleTTL, 30 * time.Minute},
		{"BulkPoolSize", cfg.BulkPoolSize, 5},
		{"BulkAPIDelay", cfg.BulkAPIDelay, 200 * time.Millisecond},
		{"MigrationPoolSize", cfg.MigrationPoolSize, 2},
		{"BusRingSize", cfg.BusRingSize, 128},
		{"BusSubscriberQueueSize", cfg.BusSubscriberQueueSize, 64},
		{"TopicGrace", cfg.TopicGrace, 5 * time.Minute},
		{"JobGrace", cfg.JobGrace, time.Hour},
		{"GatewayRateLimitRequests", cfg.GatewayRateLimitRequests, 100},
		{"GatewayRateLimitWindow", cfg.GatewayRateLimitWindow, 15 * time.Minute},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, c.got)
		}
	}
}

// TestLoad_EnvOverridesRateLimit tests env vars taking priority over defaults.
func TestLoad_EnvOverridesRateLimit(t *testing.T) {
	os.Setenv("RATE_LIMIT_CAPACITY", "20")
	os.Setenv("BULK_POOL_SIZE", "9")
	defer os.Unsetenv("RATE_LIMIT_CAPACITY")
	defer os.Unsetenv("BULK_POOL_SIZE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.RateLimitCapacity != 20 {
		t.Errorf("expected rate limit capacity 20, got %v", cfg.RateLimitCapacity)
	}
	if cfg.BulkPoolSize != 9 {
		t.Errorf("expected bulk pool size 9, got %d", cfg.BulkPoolSize)
	}
}
