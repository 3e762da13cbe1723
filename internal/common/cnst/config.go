package cnst

const (
	// HubYaml is the default configuration file name
	HubYaml = "wshub.yaml"
)

const (
	RedisClusterTypeSentinel = "sentinel"
	RedisClusterTypeCluster  = "cluster"
	RedisClusterTypeSingle   = "single"
)

const (
	// ClusterTypeNone runs the hub as a single instance
	ClusterTypeNone = "none"
	// ClusterTypeRedis coordinates instances through redis
	ClusterTypeRedis = "redis"
)

const (
	// BackpressureDropLowest evicts the lowest priority pending message to make room
	BackpressureDropLowest = "drop_lowest"
	// BackpressureDropNew rejects the incoming message when the queue is full
	BackpressureDropNew = "drop_new"
)
