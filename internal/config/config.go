// Package config loads the router's configuration from environment
// variables, with an optional TOML file merged underneath (env wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the message router
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// Queue configuration (SQS, EMBEDDED, ACTIVEMQ, NATS)
	Queue QueueConfig

	// ControlPlane configuration (config fetch + OIDC client credentials)
	ControlPlane ControlPlaneConfig

	// Standby (warm-standby HA) configuration
	Standby StandbyConfig

	// Router tuning
	Router RouterConfig

	// InstanceID uniquely identifies this instance (defaults to HOSTNAME)
	InstanceID string

	// Data directory for embedded services
	DataDir string

	// Development mode (debug logging, seed endpoint)
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port int
}

// QueueConfig holds queue backend configuration
type QueueConfig struct {
	// Type is one of "SQS", "EMBEDDED", "ACTIVEMQ", "NATS"
	Type string

	NATS     NATSConfig
	SQS      SQSConfig
	ActiveMQ ActiveMQConfig
	Embedded EmbeddedConfig
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL         string
	StreamName  string
	DataDir     string
	EmbedServer bool
}

// SQSConfig holds AWS SQS configuration
type SQSConfig struct {
	QueueURL          string
	Region            string
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// ActiveMQConfig holds ActiveMQ (STOMP) configuration
type ActiveMQConfig struct {
	BrokerAddr string
	Username   string
	Password   string
	QueueName  string
}

// EmbeddedConfig holds embedded SQLite broker configuration
type EmbeddedConfig struct {
	DatabasePath      string
	QueueName         string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// ControlPlaneConfig holds config fetcher and OIDC settings
type ControlPlaneConfig struct {
	// URLs is the ordered list of control plane base URLs
	URLs []string

	// RefreshInterval between configuration fetches
	RefreshInterval time.Duration

	// OIDC client-credentials settings for authenticating to the control plane
	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string

	// CredentialsTTL for the webhook credentials cache
	CredentialsTTL time.Duration
}

// StandbyConfig holds warm-standby configuration
type StandbyConfig struct {
	// Enabled controls whether standby mode is active
	Enabled bool

	// LockKey is the coordination store key for the primary lock
	LockKey string

	// LockTTL is how long the lock is valid before expiring
	LockTTL time.Duration

	// RedisURL is the coordination store address
	RedisURL string
}

// RouterConfig holds router tuning knobs
type RouterConfig struct {
	// GlobalInFlightCap bounds pointers in flight across all pools
	GlobalInFlightCap int

	// MediatorTimeout is the default per-call timeout for mediation
	MediatorTimeout time.Duration
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.Queue.Type) {
	case "SQS", "EMBEDDED", "ACTIVEMQ", "NATS":
	default:
		return fmt.Errorf("invalid QUEUE_TYPE %q (want SQS, EMBEDDED, ACTIVEMQ or NATS)", c.Queue.Type)
	}
	if c.Standby.Enabled && c.Standby.RedisURL == "" {
		return fmt.Errorf("STANDBY_ENABLED requires REDIS_URL")
	}
	return nil
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	instanceID := getEnv("INSTANCE_ID", "")
	if instanceID == "" {
		instanceID = getEnv("HOSTNAME", "")
	}

	cfg := &Config{
		HTTP: HTTPConfig{
			Port: getEnvInt("HTTP_PORT", 8080),
		},

		Queue: QueueConfig{
			Type: strings.ToUpper(getEnv("QUEUE_TYPE", "EMBEDDED")),
			NATS: NATSConfig{
				URL:         getEnv("NATS_URL", "nats://localhost:4222"),
				StreamName:  getEnv("NATS_STREAM_NAME", "FLOWCATALYST"),
				DataDir:     getEnv("NATS_DATA_DIR", "./data/nats"),
				EmbedServer: getEnvBool("NATS_EMBED_SERVER", false),
			},
			SQS: SQSConfig{
				QueueURL:          getEnv("SQS_QUEUE_URL", ""),
				Region:            getEnv("AWS_REGION", "us-east-1"),
				WaitTimeSeconds:   getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
				VisibilityTimeout: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
			},
			ActiveMQ: ActiveMQConfig{
				BrokerAddr: getEnv("ACTIVEMQ_BROKER_ADDR", "localhost:61613"),
				Username:   getEnv("ACTIVEMQ_USERNAME", ""),
				Password:   getEnv("ACTIVEMQ_PASSWORD", ""),
				QueueName:  getEnv("ACTIVEMQ_QUEUE_NAME", "/queue/message-router"),
			},
			Embedded: EmbeddedConfig{
				DatabasePath:      getEnv("EMBEDDED_DB_PATH", "./data/broker.db"),
				QueueName:         getEnv("EMBEDDED_QUEUE_NAME", "message-router"),
				VisibilityTimeout: getEnvDuration("EMBEDDED_VISIBILITY_TIMEOUT", 2*time.Minute),
				PollInterval:      getEnvDuration("EMBEDDED_POLL_INTERVAL", 500*time.Millisecond),
			},
		},

		ControlPlane: ControlPlaneConfig{
			URLs:             getEnvSlice("CONFIG_URLS", nil),
			RefreshInterval:  getEnvDuration("CONFIG_REFRESH_INTERVAL", 60*time.Second),
			OIDCIssuerURL:    getEnv("OIDC_ISSUER_URL", ""),
			OIDCClientID:     getEnv("OIDC_CLIENT_ID", ""),
			OIDCClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
			CredentialsTTL:   getEnvDuration("WEBHOOK_CREDENTIALS_TTL", 5*time.Minute),
		},

		Standby: StandbyConfig{
			Enabled:  getEnvBool("STANDBY_ENABLED", false),
			LockKey:  getEnv("STANDBY_LOCK_KEY", "flowcatalyst:router:primary"),
			LockTTL:  time.Duration(getEnvInt("STANDBY_LOCK_TTL_SECONDS", 30)) * time.Second,
			RedisURL: getEnv("REDIS_URL", ""),
		},

		Router: RouterConfig{
			GlobalInFlightCap: getEnvInt("GLOBAL_INFLIGHT_CAP", 1000),
			MediatorTimeout:   getEnvDuration("MEDIATOR_TIMEOUT", 900*time.Second),
		},

		InstanceID: instanceID,
		DataDir:    getEnv("DATA_DIR", "./data"),
		DevMode:    getEnvBool("FLOWCATALYST_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
