package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds process-wide configuration for fleetd. Every field has a
// sane default so the process starts with an empty config file; env vars
// and the YAML file only override specific knobs.
type Config struct {
	Port int

	// GitLabDefaultBaseURL seeds the login form; a session's actual base
	// URL comes from the client's login request, not this config.
	GitLabDefaultBaseURL string

	// CORSOrigin is the single allowed origin for the gateway's CORS policy.
	CORSOrigin string

	RequestSizeLimitBytes   int64
	MultipartSizeLimitBytes int64

	SessionIdleTTL       time.Duration
	SessionSweepInterval time.Duration

	RateLimitCapacity   float64
	RateLimitRefillRate float64 // tokens per second

	HTTPMaxRetries     int
	HTTPBackoffInitial time.Duration
	HTTPBackoffMax     time.Duration
	HTTPCallTimeout    time.Duration
	HTTPArchiveTimeout time.Duration

	BulkPoolSize        int
	BulkAPIDelay        time.Duration
	BulkJobSoftDeadline time.Duration

	MigrationPoolSize        int
	MigrationJobSoftDeadline time.Duration

	BusRingSize            int
	BusSubscriberQueueSize int
	TopicGrace             time.Duration

	JobGrace time.Duration

	WorkspaceTempRoot string

	GatewayRateLimitRequests int
	GatewayRateLimitWindow   time.Duration
}

// yamlConfig mirrors the on-disk config file shape.
type yamlConfig struct {
	Port   int `yaml:"port"`
	GitLab struct {
		DefaultBaseURL string `yaml:"default_base_url"`
	} `yaml:"gitlab"`
	Gateway struct {
		CORSOrigin          string `yaml:"cors_origin"`
		RequestSizeBytes    int64  `yaml:"request_size_bytes"`
		MultipartSizeBytes  int64  `yaml:"multipart_size_bytes"`
		RateLimitRequests   int    `yaml:"rate_limit_requests"`
		RateLimitWindowSecs int    `yaml:"rate_limit_window_seconds"`
	} `yaml:"gateway"`
	Session struct {
		IdleTTLSeconds       int `yaml:"idle_ttl_seconds"`
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	} `yaml:"session"`
	RateLimit struct {
		Capacity   float64 `yaml:"capacity"`
		RefillRate float64 `yaml:"refill_rate"`
	} `yaml:"rate_limit"`
	HTTP struct {
		MaxRetries         int `yaml:"max_retries"`
		BackoffInitialMs   int `yaml:"backoff_initial_ms"`
		BackoffMaxMs       int `yaml:"backoff_max_ms"`
		CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
		ArchiveTimeoutSecs int `yaml:"archive_timeout_seconds"`
	} `yaml:"http"`
	Bulk struct {
		PoolSize               int `yaml:"pool_size"`
		APIDelayMs             int `yaml:"api_delay_ms"`
		JobSoftDeadlineMinutes int `yaml:"job_soft_deadline_minutes"`
	} `yaml:"bulk"`
	Migration struct {
		PoolSize               int `yaml:"pool_size"`
		JobSoftDeadlineMinutes int `yaml:"job_soft_deadline_minutes"`
	} `yaml:"migration"`
	Bus struct {
		RingSize            int `yaml:"ring_size"`
		SubscriberQueueSize int `yaml:"subscriber_queue_size"`
		TopicGraceSeconds   int `yaml:"topic_grace_seconds"`
	} `yaml:"bus"`
	Jobs struct {
		GraceSeconds int `yaml:"grace_seconds"`
	} `yaml:"jobs"`
	Workspace struct {
		TempRoot string `yaml:"temp_root"`
	} `yaml:"workspace"`
}

// Load loads configuration from a YAML file (if one exists) overlaid by
// environment variables. Priority order: Environment Variables -> YAML File
// -> Default Values.
func Load() (*Config, error) {
	var yc yamlConfig

	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		for _, path := range []string{"config.yaml", "config.yml"} {
			if _, err := os.Stat(path); err == nil {
				configFile = path
				break
			}
		}
	}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err == nil {
			if err := yaml.Unmarshal(data, &yc); err != nil {
				return nil, err
			}
		}
	}

	cfg := &Config{
		Port:                    intVal("PORT", yc.Port, 8080),
		GitLabDefaultBaseURL:    strVal("GITLAB_DEFAULT_BASE_URL", yc.GitLab.DefaultBaseURL, "https://gitlab.com"),
		CORSOrigin:              strVal("CORS_ORIGIN", yc.Gateway.CORSOrigin, "http://localhost:3000"),
		RequestSizeLimitBytes:   int64Val("REQUEST_SIZE_LIMIT_BYTES", yc.Gateway.RequestSizeBytes, 1<<20),
		MultipartSizeLimitBytes: int64Val("MULTIPART_SIZE_LIMIT_BYTES", yc.Gateway.MultipartSizeBytes, 32<<20),

		SessionIdleTTL:       durSecondsVal("SESSION_IDLE_TTL_SECONDS", yc.Session.IdleTTLSeconds, 30*time.Minute),
		SessionSweepInterval: durSecondsVal("SESSION_SWEEP_INTERVAL_SECONDS", yc.Session.SweepIntervalSeconds, 5*time.Minute),

		RateLimitCapacity:   floatVal("RATE_LIMIT_CAPACITY", yc.RateLimit.Capacity, 10),
		RateLimitRefillRate: floatVal("RATE_LIMIT_REFILL_RATE", yc.RateLimit.RefillRate, 5),

		HTTPMaxRetries:     intVal("HTTP_MAX_RETRIES", yc.HTTP.MaxRetries, 3),
		HTTPBackoffInitial: durMillisVal("HTTP_BACKOFF_INITIAL_MS", yc.HTTP.BackoffInitialMs, 200*time.Millisecond),
		HTTPBackoffMax:     durMillisVal("HTTP_BACKOFF_MAX_MS", yc.HTTP.BackoffMaxMs, 5*time.Second),
		HTTPCallTimeout:    durSecondsVal("HTTP_CALL_TIMEOUT_SECONDS", yc.HTTP.CallTimeoutSeconds, 30*time.Second),
		HTTPArchiveTimeout: durSecondsVal("HTTP_ARCHIVE_TIMEOUT_SECONDS", yc.HTTP.ArchiveTimeoutSecs, 10*time.Minute),

		BulkPoolSize:        intVal("BULK_POOL_SIZE", yc.Bulk.PoolSize, 5),
		BulkAPIDelay:        durMillisVal("BULK_API_DELAY_MS", yc.Bulk.APIDelayMs, 200*time.Millisecond),
		BulkJobSoftDeadline: durMinutesVal("BULK_JOB_SOFT_DEADLINE_MINUTES", yc.Bulk.JobSoftDeadlineMinutes, 30*time.Minute),

		MigrationPoolSize:        intVal("MIGRATION_POOL_SIZE", yc.Migration.PoolSize, 2),
		MigrationJobSoftDeadline: durMinutesVal("MIGRATION_JOB_SOFT_DEADLINE_MINUTES", yc.Migration.JobSoftDeadlineMinutes, 2*time.Hour),

		BusRingSize:            intVal("BUS_RING_SIZE", yc.Bus.RingSize, 128),
		BusSubscriberQueueSize: intVal("BUS_SUBSCRIBER_QUEUE_SIZE", yc.Bus.SubscriberQueueSize, 64),
		TopicGrace:             durSecondsVal("TOPIC_GRACE_SECONDS", yc.Bus.TopicGraceSeconds, 5*time.Minute),

		JobGrace: durSecondsVal("JOB_GRACE_SECONDS", yc.Jobs.GraceSeconds, time.Hour),

		WorkspaceTempRoot: strVal("WORKSPACE_TEMP_ROOT", yc.Workspace.TempRoot, os.TempDir()),

		GatewayRateLimitRequests: intVal("GATEWAY_RATE_LIMIT_REQUESTS", yc.Gateway.RateLimitRequests, 100),
		GatewayRateLimitWindow:   durSecondsVal("GATEWAY_RATE_LIMIT_WINDOW_SECONDS", yc.Gateway.RateLimitWindowSecs, 15*time.Minute),
	}

	return cfg, nil
}

func strVal(envKey, yamlVal, def string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if yamlVal != "" {
		return yamlVal
	}
	return def
}

func intVal(envKey string, yamlVal, def int) int {
	if s := os.Getenv(envKey); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	if yamlVal != 0 {
		return yamlVal
	}
	return def
}

func int64Val(envKey string, yamlVal, def int64) int64 {
	if s := os.Getenv(envKey); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v
		}
	}
	if yamlVal != 0 {
		return yamlVal
	}
	return def
}

func floatVal(envKey string, yamlVal, def float64) float64 {
	if s := os.Getenv(envKey); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	if yamlVal != 0 {
		return yamlVal
	}
	return def
}

func durSecondsVal(envKey string, yamlSeconds int, def time.Duration) time.Duration {
	if s := os.Getenv(envKey); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return time.Duration(v) * time.Second
		}
	}
	if yamlSeconds != 0 {
		return time.Duration(yamlSeconds) * time.Second
	}
	return def
}

func durMinutesVal(envKey string, yamlMinutes int, def time.Duration) time.Duration {
	if s := os.Getenv(envKey); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return time.Duration(v) * time.Minute
		}
	}
	if yamlMinutes != 0 {
		return time.Duration(yamlMinutes) * time.Minute
	}
	return def
}

func durMillisVal(envKey string, yamlMillis int, def time.Duration) time.Duration {
	if s := os.Getenv(envKey); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return time.Duration(v) * time.Millisecond
		}
	}
	if yamlMillis != 0 {
		return time.Duration(yamlMillis) * time.Millisecond
	}
	return def
}
