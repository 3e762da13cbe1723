package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/amoylab/wshub/pkg/helper"
	"github.com/amoylab/wshub/pkg/trace"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// HubConfig represents the hub configuration
	HubConfig struct {
		PID                string          `yaml:"pid" toml:"pid"`
		Port               int             `yaml:"port" toml:"port"`
		MetricsPort        int             `yaml:"metrics_port" toml:"metrics_port"`
		MaxConnections     int             `yaml:"max_connections" toml:"max_connections"`
		HeartbeatInterval  time.Duration   `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
		ConnectionTimeout  time.Duration   `yaml:"connection_timeout" toml:"connection_timeout"` // handshake and write deadline
		MessageTTL         time.Duration   `yaml:"message_ttl" toml:"message_ttl"`               // default event expiry
		MaxMessageSize     int64           `yaml:"max_message_size" toml:"max_message_size"`     // bytes
		TenantIsolation    bool            `yaml:"tenant_isolation" toml:"tenant_isolation"`
		EnablePersistence  bool            `yaml:"enable_persistence" toml:"enable_persistence"`
		WorkerCount        int             `yaml:"worker_count" toml:"worker_count"`
		ReplayBufferSize   int             `yaml:"replay_buffer_size" toml:"replay_buffer_size"`
		OutboundQueueSize  int             `yaml:"outbound_queue_size" toml:"outbound_queue_size"`
		BackpressurePolicy string          `yaml:"backpressure_policy" toml:"backpressure_policy"` // drop_lowest or drop_new
		ShutdownGrace      time.Duration   `yaml:"shutdown_grace" toml:"shutdown_grace"`
		Broadcast          BroadcastConfig `yaml:"broadcast" toml:"broadcast"`
		Room               RoomConfig      `yaml:"room" toml:"room"`
		Cluster            ClusterConfig   `yaml:"cluster" toml:"cluster"`
		Storage            StorageConfig   `yaml:"storage" toml:"storage"`
		Auth               AuthConfig      `yaml:"auth" toml:"auth"`
		Logger             LoggerConfig    `yaml:"logger" toml:"logger"`
		Metrics            MetricsConfig   `yaml:"metrics" toml:"metrics"`
		Tracing            trace.Config    `yaml:"tracing" toml:"tracing"`
	}

	// BroadcastConfig controls fan-out batching, retries and rate limits
	BroadcastConfig struct {
		BatchSize       int           `yaml:"batch_size" toml:"batch_size"`
		RetryBudget     int           `yaml:"retry_budget" toml:"retry_budget"`
		RetryTimeout    time.Duration `yaml:"retry_timeout" toml:"retry_timeout"` // per target
		InitialBackoff  time.Duration `yaml:"initial_backoff" toml:"initial_backoff"`
		MaxBackoff      time.Duration `yaml:"max_backoff" toml:"max_backoff"`
		TenantRate      float64       `yaml:"tenant_rate" toml:"tenant_rate"` // broadcasts per second, 0 disables
		TenantBurst     int           `yaml:"tenant_burst" toml:"tenant_burst"`
		ConnectionRate  float64       `yaml:"connection_rate" toml:"connection_rate"`
		ConnectionBurst int           `yaml:"connection_burst" toml:"connection_burst"`
	}

	// RoomConfig controls room defaults
	RoomConfig struct {
		DefaultMaxMembers int           `yaml:"default_max_members" toml:"default_max_members"`
		TemporaryTTL      time.Duration `yaml:"temporary_ttl" toml:"temporary_ttl"`
		SweepInterval     time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	}

	// ClusterConfig represents the coordination backend configuration
	ClusterConfig struct {
		Type              string        `yaml:"type" toml:"type"`         // none or redis
		Required          bool          `yaml:"required" toml:"required"` // fail startup when the store is unreachable
		InstanceID        string        `yaml:"instance_id" toml:"instance_id"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
		GracePeriod       time.Duration `yaml:"grace_period" toml:"grace_period"`
		CacheTTL          time.Duration `yaml:"cache_ttl" toml:"cache_ttl"` // staleness bound of local caches
		Redis             RedisConfig   `yaml:"redis" toml:"redis"`
	}

	// RedisConfig represents the redis connection used by the cluster backend
	RedisConfig struct {
		ClusterType string `yaml:"cluster_type" toml:"cluster_type"` // single, sentinel or cluster
		Addr        string `yaml:"addr" toml:"addr"`                 // multiple addresses separated by ; or ,
		MasterName  string `yaml:"master_name" toml:"master_name"`
		Username    string `yaml:"username" toml:"username"`
		Password    string `yaml:"password" toml:"password"`
		DB          int    `yaml:"db" toml:"db"`
		Prefix      string `yaml:"prefix" toml:"prefix"`
	}

	// StorageConfig represents the room catalog storage
	StorageConfig struct {
		Type string `yaml:"type" toml:"type"` // none, sqlite, postgres or mysql
		DSN  string `yaml:"dsn" toml:"dsn"`
	}

	// AuthConfig defines how handshake tokens issued by the auth provider are verified
	AuthConfig struct {
		SecretKey       string `yaml:"secret_key" toml:"secret_key"`
		Issuer          string `yaml:"issuer" toml:"issuer"`
		AllowQueryToken bool   `yaml:"allow_query_token" toml:"allow_query_token"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level" toml:"level"`             // debug, info, warn, error
		Format     string `yaml:"format" toml:"format"`           // json, console
		Output     string `yaml:"output" toml:"output"`           // stdout, file
		FilePath   string `yaml:"file_path" toml:"file_path"`     // path to log file when output is file
		MaxSize    int    `yaml:"max_size" toml:"max_size"`       // max size of log file in MB
		MaxBackups int    `yaml:"max_backups" toml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age" toml:"max_age"`         // max age of backup files in days
		Compress   bool   `yaml:"compress" toml:"compress"`       // whether to compress backup files
		Color      bool   `yaml:"color" toml:"color"`             // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace" toml:"stacktrace"`   // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone" toml:"time_zone"`     // time zone for log timestamps, e.g., "UTC", default is local
		TimeFormat string `yaml:"time_format" toml:"time_format"` // time format for log timestamps, default is "2006-01-02 15:04:05"
	}

	// MetricsConfig represents the prometheus configuration
	MetricsConfig struct {
		Namespace string    `yaml:"namespace" toml:"namespace"`
		Buckets   []float64 `yaml:"buckets" toml:"buckets"`
	}
)

type Type interface {
	HubConfig
}

// LoadConfig loads configuration from a YAML or TOML file with environment variable support
func LoadConfig[T Type](filename string) (*T, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.ConfigPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg T
	switch strings.ToLower(filepath.Ext(cfgPath)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, cfgPath, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, cfgPath, err
		}
	}

	if hubCfg, ok := any(&cfg).(*HubConfig); ok {
		SetDefaults(hubCfg)
	}

	return &cfg, cfgPath, nil
}

// resolveEnv replaces environment variable placeholders in the file content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
