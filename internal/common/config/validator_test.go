package config

import (
	"testing"

	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/stretchr/testify/assert"
)

func validConfig() *HubConfig {
	cfg := &HubConfig{Auth: AuthConfig{SecretKey: "0123456789abcdef0123456789abcdef"}}
	SetDefaults(cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*HubConfig)
		field  string
	}{
		{"valid", func(*HubConfig) {}, ""},
		{"bad port", func(c *HubConfig) { c.Port = 70000 }, "port"},
		{"zero capacity", func(c *HubConfig) { c.MaxConnections = -1 }, "max_connections"},
		{"bad policy", func(c *HubConfig) { c.BackpressurePolicy = "block" }, "backpressure_policy"},
		{"redis without addr", func(c *HubConfig) { c.Cluster.Type = cnst.ClusterTypeRedis }, "cluster.redis.addr"},
		{"unknown cluster", func(c *HubConfig) { c.Cluster.Type = "etcd" }, "cluster.type"},
		{"grace too short", func(c *HubConfig) {
			c.Cluster.Type = cnst.ClusterTypeRedis
			c.Cluster.Redis.Addr = "localhost:6379"
			c.Cluster.GracePeriod = c.Cluster.HeartbeatInterval
		}, "cluster.grace_period"},
		{"sqlite without dsn", func(c *HubConfig) { c.Storage.Type = "sqlite" }, "storage.dsn"},
		{"unknown storage", func(c *HubConfig) { c.Storage.Type = "mongo" }, "storage.type"},
		{"no secret", func(c *HubConfig) { c.Auth.SecretKey = "" }, "auth.secret_key"},
		{"weak secret", func(c *HubConfig) { c.Auth.SecretKey = "short" }, "auth.secret_key"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			if assert.ErrorAs(t, err, &verr) {
				assert.Equal(t, tc.field, verr.Field)
			}
		})
	}
}
