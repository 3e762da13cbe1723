package config

import (
	"fmt"

	"github.com/amoylab/wshub/internal/common/cnst"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Message)
}

// Validate checks a hub configuration after defaults have been applied
func Validate(cfg *HubConfig) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return &ValidationError{Field: "port", Message: "must be between 1 and 65535"}
	}
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return &ValidationError{Field: "metrics_port", Message: "must be between 0 and 65535"}
	}
	if cfg.MaxConnections <= 0 {
		return &ValidationError{Field: "max_connections", Message: "must be positive"}
	}
	if cfg.HeartbeatInterval <= 0 {
		return &ValidationError{Field: "heartbeat_interval", Message: "must be positive"}
	}
	if cfg.MessageTTL < 0 {
		return &ValidationError{Field: "message_ttl", Message: "must not be negative"}
	}
	if cfg.MaxMessageSize <= 0 {
		return &ValidationError{Field: "max_message_size", Message: "must be positive"}
	}
	if cfg.WorkerCount <= 0 {
		return &ValidationError{Field: "worker_count", Message: "must be positive"}
	}
	if cfg.ReplayBufferSize <= 0 {
		return &ValidationError{Field: "replay_buffer_size", Message: "must be positive"}
	}
	if cfg.OutboundQueueSize <= 0 {
		return &ValidationError{Field: "outbound_queue_size", Message: "must be positive"}
	}
	switch cfg.BackpressurePolicy {
	case cnst.BackpressureDropLowest, cnst.BackpressureDropNew:
	default:
		return &ValidationError{Field: "backpressure_policy", Message: fmt.Sprintf("unsupported policy %q", cfg.BackpressurePolicy)}
	}
	if cfg.Broadcast.BatchSize <= 0 {
		return &ValidationError{Field: "broadcast.batch_size", Message: "must be positive"}
	}
	if cfg.Broadcast.RetryBudget < 0 {
		return &ValidationError{Field: "broadcast.retry_budget", Message: "must not be negative"}
	}
	switch cfg.Cluster.Type {
	case cnst.ClusterTypeNone:
	case cnst.ClusterTypeRedis:
		if cfg.Cluster.Redis.Addr == "" {
			return &ValidationError{Field: "cluster.redis.addr", Message: "required when cluster.type is redis"}
		}
		if cfg.Cluster.GracePeriod <= cfg.Cluster.HeartbeatInterval {
			return &ValidationError{Field: "cluster.grace_period", Message: "must exceed cluster.heartbeat_interval"}
		}
	default:
		return &ValidationError{Field: "cluster.type", Message: fmt.Sprintf("unsupported cluster type %q", cfg.Cluster.Type)}
	}
	switch cfg.Storage.Type {
	case "none":
	case "sqlite", "postgres", "mysql":
		if cfg.Storage.DSN == "" {
			return &ValidationError{Field: "storage.dsn", Message: "required for " + cfg.Storage.Type}
		}
	default:
		return &ValidationError{Field: "storage.type", Message: fmt.Sprintf("unsupported storage type %q", cfg.Storage.Type)}
	}
	if len(cfg.Auth.SecretKey) < 32 {
		return &ValidationError{Field: "auth.secret_key", Message: "must be at least 32 characters"}
	}
	return nil
}
