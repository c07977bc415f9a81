package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP         TOMLHTTPConfig         `toml:"http"`
	Queue        TOMLQueueConfig        `toml:"queue"`
	ControlPlane TOMLControlPlaneConfig `toml:"control_plane"`
	Standby      TOMLStandbyConfig      `toml:"standby"`
	Router       TOMLRouterConfig       `toml:"router"`
	Secrets      TOMLSecretsConfig      `toml:"secrets"`
	InstanceID   string                 `toml:"instance_id"`
	DataDir      string                 `toml:"data_dir"`
	DevMode      bool                   `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port int `toml:"port"`
}

// TOMLQueueConfig represents queue configuration in TOML
type TOMLQueueConfig struct {
	Type     string             `toml:"type"`
	NATS     TOMLNATSConfig     `toml:"nats"`
	SQS      TOMLSQSConfig      `toml:"sqs"`
	ActiveMQ TOMLActiveMQConfig `toml:"activemq"`
	Embedded TOMLEmbeddedConfig `toml:"embedded"`
}

// TOMLNATSConfig represents NATS configuration in TOML
type TOMLNATSConfig struct {
	URL         string `toml:"url"`
	StreamName  string `toml:"stream_name"`
	DataDir     string `toml:"data_dir"`
	EmbedServer bool   `toml:"embed_server"`
}

// TOMLSQSConfig represents SQS configuration in TOML
type TOMLSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// TOMLActiveMQConfig represents ActiveMQ configuration in TOML
type TOMLActiveMQConfig struct {
	BrokerAddr string `toml:"broker_addr"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	QueueName  string `toml:"queue_name"`
}

// TOMLEmbeddedConfig represents embedded broker configuration in TOML
type TOMLEmbeddedConfig struct {
	DatabasePath      string `toml:"database_path"`
	QueueName         string `toml:"queue_name"`
	VisibilityTimeout string `toml:"visibility_timeout"`
	PollInterval      string `toml:"poll_interval"`
}

// TOMLControlPlaneConfig represents control plane settings in TOML
type TOMLControlPlaneConfig struct {
	URLs             []string `toml:"urls"`
	RefreshInterval  string   `toml:"refresh_interval"`
	OIDCIssuerURL    string   `toml:"oidc_issuer_url"`
	OIDCClientID     string   `toml:"oidc_client_id"`
	OIDCClientSecret string   `toml:"oidc_client_secret"`
	CredentialsTTL   string   `toml:"credentials_ttl"`
}

// TOMLStandbyConfig represents standby configuration in TOML
type TOMLStandbyConfig struct {
	Enabled        bool   `toml:"enabled"`
	LockKey        string `toml:"lock_key"`
	LockTTLSeconds int    `toml:"lock_ttl_seconds"`
	RedisURL       string `toml:"redis_url"`
}

// TOMLRouterConfig represents router tuning in TOML
type TOMLRouterConfig struct {
	GlobalInFlightCap int    `toml:"global_inflight_cap"`
	MediatorTimeout   string `toml:"mediator_timeout"`
}

// TOMLSecretsConfig represents secrets provider configuration in TOML
type TOMLSecretsConfig struct {
	Provider      string `toml:"provider"`
	EncryptionKey string `toml:"encryption_key"`
	DataDir       string `toml:"data_dir"`

	// AWS
	AWSRegion   string `toml:"aws_region"`
	AWSPrefix   string `toml:"aws_prefix"`
	AWSEndpoint string `toml:"aws_endpoint"`

	// Vault
	VaultAddr      string `toml:"vault_addr"`
	VaultPath      string `toml:"vault_path"`
	VaultNamespace string `toml:"vault_namespace"`

	// GCP
	GCPProject string `toml:"gcp_project"`
	GCPPrefix  string `toml:"gcp_prefix"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"router.toml",
	"flowcatalyst.toml",
	"./config/config.toml",
	"./config/router.toml",
	"/etc/flowcatalyst/router.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg), nil
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("FLOWCATALYST_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// File config as base, env-derived values override where set
	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) *Config {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port: tc.HTTP.Port,
		},
		Queue: QueueConfig{
			Type: tc.Queue.Type,
			NATS: NATSConfig{
				URL:         tc.Queue.NATS.URL,
				StreamName:  tc.Queue.NATS.StreamName,
				DataDir:     tc.Queue.NATS.DataDir,
				EmbedServer: tc.Queue.NATS.EmbedServer,
			},
			SQS: SQSConfig{
				QueueURL:          tc.Queue.SQS.QueueURL,
				Region:            tc.Queue.SQS.Region,
				WaitTimeSeconds:   tc.Queue.SQS.WaitTimeSeconds,
				VisibilityTimeout: tc.Queue.SQS.VisibilityTimeout,
			},
			ActiveMQ: ActiveMQConfig{
				BrokerAddr: tc.Queue.ActiveMQ.BrokerAddr,
				Username:   tc.Queue.ActiveMQ.Username,
				Password:   tc.Queue.ActiveMQ.Password,
				QueueName:  tc.Queue.ActiveMQ.QueueName,
			},
			Embedded: EmbeddedConfig{
				DatabasePath:      tc.Queue.Embedded.DatabasePath,
				QueueName:         tc.Queue.Embedded.QueueName,
				VisibilityTimeout: parseDuration(tc.Queue.Embedded.VisibilityTimeout),
				PollInterval:      parseDuration(tc.Queue.Embedded.PollInterval),
			},
		},
		ControlPlane: ControlPlaneConfig{
			URLs:             tc.ControlPlane.URLs,
			RefreshInterval:  parseDuration(tc.ControlPlane.RefreshInterval),
			OIDCIssuerURL:    tc.ControlPlane.OIDCIssuerURL,
			OIDCClientID:     tc.ControlPlane.OIDCClientID,
			OIDCClientSecret: tc.ControlPlane.OIDCClientSecret,
			CredentialsTTL:   parseDuration(tc.ControlPlane.CredentialsTTL),
		},
		Standby: StandbyConfig{
			Enabled:  tc.Standby.Enabled,
			LockKey:  tc.Standby.LockKey,
			LockTTL:  time.Duration(tc.Standby.LockTTLSeconds) * time.Second,
			RedisURL: tc.Standby.RedisURL,
		},
		Router: RouterConfig{
			GlobalInFlightCap: tc.Router.GlobalInFlightCap,
			MediatorTimeout:   parseDuration(tc.Router.MediatorTimeout),
		},
		InstanceID: tc.InstanceID,
		DataDir:    tc.DataDir,
		DevMode:    tc.DevMode,
	}

	return cfg
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// mergeConfigs merges two configs, with override taking precedence for values
// that differ from the Load defaults.
func mergeConfigs(base, override *Config) *Config {
	result := *base

	// HTTP
	if override.HTTP.Port != 0 && override.HTTP.Port != 8080 {
		result.HTTP.Port = override.HTTP.Port
	} else if result.HTTP.Port == 0 {
		result.HTTP.Port = override.HTTP.Port
	}

	// Queue
	if override.Queue.Type != "" && override.Queue.Type != "EMBEDDED" {
		result.Queue.Type = override.Queue.Type
	} else if result.Queue.Type == "" {
		result.Queue.Type = override.Queue.Type
	}
	if override.Queue.SQS.QueueURL != "" {
		result.Queue.SQS.QueueURL = override.Queue.SQS.QueueURL
	}
	if result.Queue.SQS.Region == "" {
		result.Queue.SQS.Region = override.Queue.SQS.Region
	}
	if result.Queue.SQS.WaitTimeSeconds == 0 {
		result.Queue.SQS.WaitTimeSeconds = override.Queue.SQS.WaitTimeSeconds
	}
	if result.Queue.SQS.VisibilityTimeout == 0 {
		result.Queue.SQS.VisibilityTimeout = override.Queue.SQS.VisibilityTimeout
	}
	if result.Queue.NATS.URL == "" {
		result.Queue.NATS.URL = override.Queue.NATS.URL
	}
	if result.Queue.NATS.StreamName == "" {
		result.Queue.NATS.StreamName = override.Queue.NATS.StreamName
	}
	if result.Queue.NATS.DataDir == "" {
		result.Queue.NATS.DataDir = override.Queue.NATS.DataDir
	}
	if result.Queue.ActiveMQ.BrokerAddr == "" {
		result.Queue.ActiveMQ.BrokerAddr = override.Queue.ActiveMQ.BrokerAddr
	}
	if override.Queue.ActiveMQ.Username != "" {
		result.Queue.ActiveMQ.Username = override.Queue.ActiveMQ.Username
	}
	if override.Queue.ActiveMQ.Password != "" {
		result.Queue.ActiveMQ.Password = override.Queue.ActiveMQ.Password
	}
	if result.Queue.ActiveMQ.QueueName == "" {
		result.Queue.ActiveMQ.QueueName = override.Queue.ActiveMQ.QueueName
	}
	if result.Queue.Embedded.DatabasePath == "" {
		result.Queue.Embedded.DatabasePath = override.Queue.Embedded.DatabasePath
	}
	if result.Queue.Embedded.QueueName == "" {
		result.Queue.Embedded.QueueName = override.Queue.Embedded.QueueName
	}
	if result.Queue.Embedded.VisibilityTimeout == 0 {
		result.Queue.Embedded.VisibilityTimeout = override.Queue.Embedded.VisibilityTimeout
	}
	if result.Queue.Embedded.PollInterval == 0 {
		result.Queue.Embedded.PollInterval = override.Queue.Embedded.PollInterval
	}

	// Control plane
	if len(override.ControlPlane.URLs) > 0 {
		result.ControlPlane.URLs = override.ControlPlane.URLs
	}
	if result.ControlPlane.RefreshInterval == 0 {
		result.ControlPlane.RefreshInterval = override.ControlPlane.RefreshInterval
	}
	if override.ControlPlane.OIDCIssuerURL != "" {
		result.ControlPlane.OIDCIssuerURL = override.ControlPlane.OIDCIssuerURL
	}
	if override.ControlPlane.OIDCClientID != "" {
		result.ControlPlane.OIDCClientID = override.ControlPlane.OIDCClientID
	}
	if override.ControlPlane.OIDCClientSecret != "" {
		result.ControlPlane.OIDCClientSecret = override.ControlPlane.OIDCClientSecret
	}
	if result.ControlPlane.CredentialsTTL == 0 {
		result.ControlPlane.CredentialsTTL = override.ControlPlane.CredentialsTTL
	}

	// Standby
	if override.Standby.Enabled {
		result.Standby.Enabled = true
	}
	if result.Standby.LockKey == "" {
		result.Standby.LockKey = override.Standby.LockKey
	}
	if result.Standby.LockTTL == 0 {
		result.Standby.LockTTL = override.Standby.LockTTL
	}
	if override.Standby.RedisURL != "" {
		result.Standby.RedisURL = override.Standby.RedisURL
	}

	// Router
	if result.Router.GlobalInFlightCap == 0 {
		result.Router.GlobalInFlightCap = override.Router.GlobalInFlightCap
	}
	if result.Router.MediatorTimeout == 0 {
		result.Router.MediatorTimeout = override.Router.MediatorTimeout
	}

	// General
	if override.InstanceID != "" {
		result.InstanceID = override.InstanceID
	}
	if override.DataDir != "" && override.DataDir != "./data" {
		result.DataDir = override.DataDir
	} else if result.DataDir == "" {
		result.DataDir = override.DataDir
	}
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# FlowCatalyst Message Router configuration
# Environment variables override these settings

instance_id = ""
data_dir = "./data"
dev_mode = false

[http]
port = 8080

[queue]
type = "EMBEDDED"  # SQS, EMBEDDED, ACTIVEMQ, or NATS

[queue.nats]
url = "nats://localhost:4222"
stream_name = "FLOWCATALYST"
data_dir = "./data/nats"
embed_server = false

[queue.sqs]
queue_url = ""
region = "us-east-1"
wait_time_seconds = 20
visibility_timeout = 120

[queue.activemq]
broker_addr = "localhost:61613"
username = ""
password = ""
queue_name = "/queue/message-router"

[queue.embedded]
database_path = "./data/broker.db"
queue_name = "message-router"
visibility_timeout = "2m"
poll_interval = "500ms"

[control_plane]
urls = ["http://localhost:8081"]
refresh_interval = "60s"
oidc_issuer_url = ""
oidc_client_id = ""
oidc_client_secret = ""
credentials_ttl = "5m"

[standby]
enabled = false
lock_key = "flowcatalyst:router:primary"
lock_ttl_seconds = 30
redis_url = ""

[router]
global_inflight_cap = 1000
mediator_timeout = "900s"

[secrets]
provider = "env"  # env, encrypted, aws-sm, vault, gcp-sm
encryption_key = ""
data_dir = "./data/secrets"
aws_region = ""
aws_prefix = "/flowcatalyst/"
aws_endpoint = ""
vault_addr = ""
vault_path = "secret/data/flowcatalyst"
vault_namespace = ""
gcp_project = ""
gcp_prefix = "flowcatalyst-"
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
