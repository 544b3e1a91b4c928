// Package config loads the match control plane's runtime configuration
// from the environment, applying the same defaults-plus-validation-
// accumulation style the teacher service uses: every malformed override
// is collected into a single descriptive error rather than failing fast
// on the first bad variable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the control plane listens on.
	DefaultAddr = ":8080"
	// DefaultMetricsAddr is the default bind address for /metrics and /health.
	DefaultMetricsAddr = ":9090"

	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 25 * time.Second
	// DefaultIdleTimeout evicts a connection that misses every pong/frame for this long.
	DefaultIdleTimeout = 90 * time.Second
	// DefaultSendQueueSize bounds each connection's outbound frame queue.
	DefaultSendQueueSize = 256
	// DefaultSendTimeout bounds how long a blocked send may wait before eviction.
	DefaultSendTimeout = 2 * time.Second
	// DefaultCommandRetryMax bounds the Event Log Appender's conflict-retry loop.
	DefaultCommandRetryMax = 3
	// DefaultMatchDurationSeconds seeds new matches lacking an explicit duration.
	DefaultMatchDurationSeconds = 300
	// DefaultStoreTimeout bounds every outbound Match Store call.
	DefaultStoreTimeout = 2 * time.Second

	// DefaultLogLevel controls verbosity for structured logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "procomp.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures every runtime tunable for the match control plane.
type Config struct {
	Address         string
	MetricsBindAddr string
	AllowedOrigins  []string

	PubSubURL   string
	DatabaseURL string

	TokenSharedSecret string
	TokenIssuer       string

	PingInterval     time.Duration
	IdleTimeout      time.Duration
	SendQueueSize    int
	SendTimeout      time.Duration
	CommandRetryMax  int
	MatchDefaultSecs uint
	StoreTimeout     time.Duration

	TLSCertPath string
	TLSKeyPath  string
	AdminToken  string

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the control plane's configuration from environment variables
// named in SPEC_FULL.md §6.4, applying defaults and returning a single
// descriptive error that accumulates every invalid override found.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("BROKER_ADDR", DefaultAddr),
		MetricsBindAddr: getString("METRICS_BIND_ADDR", DefaultMetricsAddr),
		AllowedOrigins:  parseList(os.Getenv("BROKER_ALLOWED_ORIGINS")),

		PubSubURL:   strings.TrimSpace(os.Getenv("PUBSUB_URL")),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),

		TokenSharedSecret: strings.TrimSpace(os.Getenv("TOKEN_SHARED_SECRET")),
		TokenIssuer:       strings.TrimSpace(os.Getenv("TOKEN_ISSUER")),

		PingInterval:     DefaultPingInterval,
		IdleTimeout:      DefaultIdleTimeout,
		SendQueueSize:    DefaultSendQueueSize,
		SendTimeout:      DefaultSendTimeout,
		CommandRetryMax:  DefaultCommandRetryMax,
		MatchDefaultSecs: DefaultMatchDurationSeconds,
		StoreTimeout:     DefaultStoreTimeout,

		TLSCertPath: strings.TrimSpace(os.Getenv("BROKER_TLS_CERT")),
		TLSKeyPath:  strings.TrimSpace(os.Getenv("BROKER_TLS_KEY")),
		AdminToken:  strings.TrimSpace(os.Getenv("BROKER_ADMIN_TOKEN")),

		Logging: LoggingConfig{
			Level:      getString("BROKER_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("BROKER_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("WS_PING_INTERVAL_SECONDS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("WS_PING_INTERVAL_SECONDS must be a positive integer, got %q", raw))
		} else {
			cfg.PingInterval = time.Duration(value) * time.Second
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WS_IDLE_TIMEOUT_SECONDS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("WS_IDLE_TIMEOUT_SECONDS must be a positive integer, got %q", raw))
		} else {
			cfg.IdleTimeout = time.Duration(value) * time.Second
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WS_SEND_QUEUE_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("WS_SEND_QUEUE_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.SendQueueSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WS_SEND_TIMEOUT_MS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("WS_SEND_TIMEOUT_MS must be a positive integer, got %q", raw))
		} else {
			cfg.SendTimeout = time.Duration(value) * time.Millisecond
		}
	}

	if raw := strings.TrimSpace(os.Getenv("COMMAND_RETRY_MAX")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("COMMAND_RETRY_MAX must be a non-negative integer, got %q", raw))
		} else {
			cfg.CommandRetryMax = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MATCH_DEFAULT_DURATION_SECONDS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MATCH_DEFAULT_DURATION_SECONDS must be a positive integer, got %q", raw))
		} else {
			cfg.MatchDefaultSecs = uint(value)
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("BROKER_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("BROKER_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("BROKER_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("BROKER_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "BROKER_TLS_CERT and BROKER_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
