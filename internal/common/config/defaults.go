package config

import (
	"runtime"
	"time"

	"github.com/amoylab/wshub/internal/common/cnst"
)

// SetDefaults fills zero values with the hub defaults
func SetDefaults(cfg *HubConfig) {
	if cfg.PID == "" {
		cfg.PID = "wshub.pid"
	}
	if cfg.Port == 0 {
		cfg.Port = 5235
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 5236
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	if cfg.MessageTTL == 0 {
		cfg.MessageTTL = 5 * time.Minute
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = runtime.NumCPU()
	}
	if cfg.ReplayBufferSize == 0 {
		cfg.ReplayBufferSize = 1024
	}
	if cfg.OutboundQueueSize == 0 {
		cfg.OutboundQueueSize = 256
	}
	if cfg.BackpressurePolicy == "" {
		cfg.BackpressurePolicy = cnst.BackpressureDropLowest
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}

	b := &cfg.Broadcast
	if b.BatchSize == 0 {
		b.BatchSize = 500
	}
	if b.RetryBudget == 0 {
		b.RetryBudget = 3
	}
	if b.RetryTimeout == 0 {
		b.RetryTimeout = 2 * time.Second
	}
	if b.InitialBackoff == 0 {
		b.InitialBackoff = 20 * time.Millisecond
	}
	if b.MaxBackoff == 0 {
		b.MaxBackoff = 500 * time.Millisecond
	}
	if b.TenantRate > 0 && b.TenantBurst == 0 {
		b.TenantBurst = int(b.TenantRate)
	}
	if b.ConnectionRate > 0 && b.ConnectionBurst == 0 {
		b.ConnectionBurst = int(b.ConnectionRate)
	}

	r := &cfg.Room
	if r.DefaultMaxMembers == 0 {
		r.DefaultMaxMembers = 1000
	}
	if r.TemporaryTTL == 0 {
		r.TemporaryTTL = time.Hour
	}
	if r.SweepInterval == 0 {
		r.SweepInterval = 30 * time.Second
	}

	c := &cfg.Cluster
	if c.Type == "" {
		c.Type = cnst.ClusterTypeNone
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 3 * c.HeartbeatInterval
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = c.HeartbeatInterval
	}
	if c.Redis.ClusterType == "" {
		c.Redis.ClusterType = cnst.RedisClusterTypeSingle
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = cnst.AppName
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "none"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = cnst.AppName
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = cnst.AppName
	}
}
