package config

import "github.com/amoylab/wshub/internal/common/cnst"

// RedisDB returns the db index to use, which must be zero in cluster mode
func (r RedisConfig) RedisDB() int {
	if r.ClusterType == cnst.RedisClusterTypeCluster {
		return 0
	}
	return r.DB
}

// Enabled reports whether a room catalog is configured
func (s StorageConfig) Enabled() bool {
	return s.Type != "" && s.Type != "none"
}
