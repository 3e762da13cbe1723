package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/config"
	"github.com/amoylab/wshub/internal/event"
	"github.com/amoylab/wshub/pkg/metrics"
	"github.com/amoylab/wshub/pkg/trace"
	"github.com/amoylab/wshub/pkg/utils"
	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const defaultPrefix = "wshub"

// RedisBackend coordinates instances through redis.
//
// Layout, relative to the configured prefix:
//
//	{p}:instances              zset of instance id scored by last heartbeat (unix ms)
//	{p}:instance:<id>          hash with started_at and connections
//	{p}:conns:<id>             hash of connection id to ConnectionRecord json
//	{p}:events                 channel for cluster-wide events
//	{p}:instance:<id>:inbox    channel for targeted deliveries
type RedisBackend struct {
	id        string
	cfg       config.ClusterConfig
	prefix    string
	client    redis.UniversalClient
	logger    *zap.Logger
	metrics   *metrics.Metrics
	startedAt time.Time
	now       func() time.Time

	mu        sync.RWMutex
	handler   Handler
	instances snapshot[[]Instance]
	remote    snapshot[[]ConnectionRecord]

	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend connects to the store described by cfg.Redis.
func NewRedisBackend(ctx context.Context, id string, cfg config.ClusterConfig, logger *zap.Logger, m *metrics.Metrics) (*RedisBackend, error) {
	addrs := utils.SplitByMultipleDelimiters(cfg.Redis.Addr, ";", ",")
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no redis address", cnst.ErrClusterUnavailable)
	}
	opts := &redis.UniversalOptions{
		Addrs:    addrs,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
	}
	if cfg.Redis.ClusterType == cnst.RedisClusterTypeSentinel {
		opts.MasterName = cfg.Redis.MasterName
	}
	if cfg.Redis.ClusterType != cnst.RedisClusterTypeCluster {
		// can not set db in cluster mode
		opts.DB = cfg.Redis.DB
	}
	client := redis.NewUniversalClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: failed to connect to Redis: %v", cnst.ErrClusterUnavailable, err)
	}

	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 3 * cfg.HeartbeatInterval
	}
	return &RedisBackend{
		id:        id,
		cfg:       cfg,
		prefix:    prefix,
		client:    client,
		logger:    logger.Named("cluster.redis").With(zap.String("instance_id", id)),
		metrics:   m,
		startedAt: time.Now(),
		now:       time.Now,
	}, nil
}

func (b *RedisBackend) instancesKey() string          { return b.prefix + ":instances" }
func (b *RedisBackend) instanceKey(id string) string  { return b.prefix + ":instance:" + id }
func (b *RedisBackend) connsKey(id string) string     { return b.prefix + ":conns:" + id }
func (b *RedisBackend) eventsChannel() string         { return b.prefix + ":events" }
func (b *RedisBackend) inboxChannel(id string) string { return b.prefix + ":instance:" + id + ":inbox" }

func (b *RedisBackend) InstanceID() string { return b.id }

func (b *RedisBackend) RegisterInstance(ctx context.Context) error {
	if err := b.HeartbeatInstance(ctx); err != nil {
		return err
	}
	b.logger.Info("instance registered", zap.String("prefix", b.prefix))
	return nil
}

// HeartbeatInstance refreshes this instance's score, its counters and the
// expiry of its connection index.
func (b *RedisBackend) HeartbeatInstance(ctx context.Context) error {
	now := b.now()
	count := 0
	b.mu.RLock()
	if b.handler != nil {
		count = b.handler.LocalConnectionCount()
	}
	b.mu.RUnlock()

	pipe := b.client.Pipeline()
	pipe.ZAdd(ctx, b.instancesKey(), redis.Z{Score: float64(now.UnixMilli()), Member: b.id})
	pipe.HSet(ctx, b.instanceKey(b.id),
		"started_at", b.startedAt.UnixMilli(),
		"connections", count,
	)
	pipe.PExpire(ctx, b.instanceKey(b.id), b.cfg.GracePeriod)
	pipe.PExpire(ctx, b.connsKey(b.id), b.cfg.GracePeriod)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: heartbeat: %v", cnst.ErrClusterUnavailable, err)
	}
	return nil
}

// Instances returns live instances, served from cache within cache_ttl.
func (b *RedisBackend) Instances(ctx context.Context) ([]Instance, error) {
	now := b.now()
	b.mu.RLock()
	cached := b.instances
	b.mu.RUnlock()
	if cached.fresh(now, b.cfg.CacheTTL) {
		return cached.value, nil
	}

	list, err := b.fetchInstances(ctx, now)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.instances = snapshot[[]Instance]{value: list, fetchedAt: now}
	b.mu.Unlock()
	b.metrics.SetInstances(len(list))
	return list, nil
}

func (b *RedisBackend) fetchInstances(ctx context.Context, now time.Time) ([]Instance, error) {
	cutoff := now.Add(-b.cfg.GracePeriod).UnixMilli()
	zs, err := b.client.ZRangeByScoreWithScores(ctx, b.instancesKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list instances: %v", cnst.ErrClusterUnavailable, err)
	}
	if len(zs) == 0 {
		return nil, nil
	}

	pipe := b.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(zs))
	for i, z := range zs {
		cmds[i] = pipe.HGetAll(ctx, b.instanceKey(z.Member.(string)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: read instances: %v", cnst.ErrClusterUnavailable, err)
	}

	list := make([]Instance, 0, len(zs))
	for i, z := range zs {
		fields := cmds[i].Val()
		inst := Instance{
			ID:            z.Member.(string),
			LastHeartbeat: time.UnixMilli(int64(z.Score)),
		}
		if v, err := strconv.ParseInt(fields["started_at"], 10, 64); err == nil {
			inst.StartedAt = time.UnixMilli(v)
		}
		if v, err := strconv.Atoi(fields["connections"]); err == nil {
			inst.Connections = v
		}
		list = append(list, inst)
	}
	return list, nil
}

// prune removes instances whose heartbeat is older than the grace period.
// Their connections become unreachable.
func (b *RedisBackend) prune(ctx context.Context) (int, error) {
	cutoff := b.now().Add(-b.cfg.GracePeriod).UnixMilli()
	dead, err := b.client.ZRangeByScore(ctx, b.instancesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, id := range dead {
		if id == b.id {
			continue
		}
		pipe := b.client.Pipeline()
		pipe.ZRem(ctx, b.instancesKey(), id)
		pipe.Del(ctx, b.instanceKey(id))
		pipe.Del(ctx, b.connsKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return pruned, err
		}
		pruned++
		b.logger.Warn("pruned dead instance", zap.String("dead_instance_id", id))
	}
	return pruned, nil
}

func (b *RedisBackend) TotalConnectionCount(ctx context.Context) (int, error) {
	list, err := b.Instances(ctx)
	if err != nil {
		return 0, err
	}
	// own count is read live, peers as of their last heartbeat
	total := 0
	for _, inst := range list {
		if inst.ID != b.id {
			total += inst.Connections
		}
	}
	b.mu.RLock()
	if b.handler != nil {
		total += b.handler.LocalConnectionCount()
	}
	b.mu.RUnlock()
	return total, nil
}

func (b *RedisBackend) publish(ctx context.Context, channel string, msg relayMessage) (int64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal relay message: %w", err)
	}
	n, err := b.client.Publish(ctx, channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: publish: %v", cnst.ErrClusterUnavailable, err)
	}
	b.metrics.Relay("out", string(msg.Kind))
	return n, nil
}

func (b *RedisBackend) RelayEvent(ctx context.Context, ev *event.Event) error {
	scope := trace.Tracer(cnst.TraceCluster).Start(ctx, cnst.SpanClusterRelay)
	defer scope.End()
	scope.WithAttrs(
		attribute.String(cnst.AttrInstanceID, b.id),
		attribute.String(cnst.AttrEventType, ev.Type),
	)

	_, err := b.publish(scope.Ctx, b.eventsChannel(), relayMessage{Kind: relayEvent, Origin: b.id, Event: ev})
	if err != nil {
		scope.Fail(err)
	}
	return err
}

// DeliverRemote fails when the target instance has no receiver listening.
func (b *RedisBackend) DeliverRemote(ctx context.Context, instanceID string, ev *event.Event, connIDs []string) error {
	if len(connIDs) == 0 {
		return nil
	}
	if instanceID == b.id {
		b.mu.RLock()
		h := b.handler
		b.mu.RUnlock()
		if h != nil {
			h.HandleDelivery(ctx, ev, connIDs)
		}
		return nil
	}

	scope := trace.Tracer(cnst.TraceCluster).Start(ctx, cnst.SpanClusterDeliver)
	defer scope.End()
	scope.WithAttrs(
		attribute.String(cnst.AttrInstanceID, instanceID),
		attribute.Int(cnst.AttrTargets, len(connIDs)),
	)

	n, err := b.publish(scope.Ctx, b.inboxChannel(instanceID), relayMessage{
		Kind:    relayDeliver,
		Origin:  b.id,
		Event:   ev,
		Targets: connIDs,
	})
	if err != nil {
		scope.Fail(err)
		return err
	}
	if n == 0 {
		err = fmt.Errorf("%w: instance %s has no receiver", cnst.ErrClusterUnavailable, instanceID)
		scope.Fail(err)
		return err
	}
	return nil
}

func (b *RedisBackend) IndexConnection(ctx context.Context, rec ConnectionRecord) error {
	rec.InstanceID = b.id
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal connection record: %w", err)
	}
	pipe := b.client.Pipeline()
	pipe.HSet(ctx, b.connsKey(b.id), rec.ID, data)
	pipe.PExpire(ctx, b.connsKey(b.id), b.cfg.GracePeriod)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: index connection: %v", cnst.ErrClusterUnavailable, err)
	}
	return nil
}

func (b *RedisBackend) RemoveConnection(ctx context.Context, connID string) error {
	if err := b.client.HDel(ctx, b.connsKey(b.id), connID).Err(); err != nil {
		return fmt.Errorf("%w: remove connection: %v", cnst.ErrClusterUnavailable, err)
	}
	return nil
}

func (b *RedisBackend) RemoteConnections(ctx context.Context, tenantID string) ([]ConnectionRecord, error) {
	now := b.now()
	b.mu.RLock()
	cached := b.remote
	b.mu.RUnlock()

	all := cached.value
	if !cached.fresh(now, b.cfg.CacheTTL) {
		var err error
		if all, err = b.fetchRemote(ctx); err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.remote = snapshot[[]ConnectionRecord]{value: all, fetchedAt: now}
		b.mu.Unlock()
	}

	if tenantID == "" {
		return all, nil
	}
	out := make([]ConnectionRecord, 0, len(all))
	for _, rec := range all {
		if rec.TenantID == tenantID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (b *RedisBackend) fetchRemote(ctx context.Context) ([]ConnectionRecord, error) {
	list, err := b.Instances(ctx)
	if err != nil {
		return nil, err
	}
	var out []ConnectionRecord
	for _, inst := range list {
		if inst.ID == b.id {
			continue
		}
		vals, err := b.client.HVals(ctx, b.connsKey(inst.ID)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: read connection index: %v", cnst.ErrClusterUnavailable, err)
		}
		for _, v := range vals {
			var rec ConnectionRecord
			if err := json.Unmarshal([]byte(v), &rec); err != nil {
				b.logger.Warn("skipping malformed connection record",
					zap.String("owner", inst.ID),
					zap.Error(err))
				continue
			}
			rec.InstanceID = inst.ID
			out = append(out, rec)
		}
	}
	return out, nil
}

// OwnerOf picks the tenant's room host by rendezvous hashing over the live
// instances.
func (b *RedisBackend) OwnerOf(ctx context.Context, tenantID string) (string, error) {
	list, err := b.Instances(ctx)
	if err != nil {
		return "", err
	}
	nodes := make([]string, 0, len(list)+1)
	self := false
	for _, inst := range list {
		nodes = append(nodes, inst.ID)
		if inst.ID == b.id {
			self = true
		}
	}
	if !self {
		nodes = append(nodes, b.id)
	}
	return rendezvous.New(nodes, xxhash.Sum64String).Lookup(tenantID), nil
}

// OwnsTenant reports whether rooms of tenantID live here. When the store
// cannot be read the instance serves the tenant itself.
func (b *RedisBackend) OwnsTenant(tenantID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	owner, err := b.OwnerOf(ctx, tenantID)
	if err != nil {
		b.logger.Warn("failed to resolve tenant owner", zap.String("tenant_id", tenantID), zap.Error(err))
		return true
	}
	return owner == b.id
}

// Start registers the instance, subscribes to the relay channels and runs
// the heartbeat loop until Close.
func (b *RedisBackend) Start(ctx context.Context, h Handler) error {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()

	if err := b.RegisterInstance(ctx); err != nil {
		return err
	}

	pubsub := b.client.Subscribe(ctx, b.eventsChannel(), b.inboxChannel(b.id))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("%w: subscribe: %v", cnst.ErrClusterUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.mu.Lock()
	b.pubsub = pubsub
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.receive(runCtx, pubsub.Channel())
	}()
	go func() {
		defer b.wg.Done()
		b.heartbeatLoop(runCtx)
	}()
	return nil
}

func (b *RedisBackend) receive(ctx context.Context, ch <-chan *redis.Message) {
	for msg := range ch {
		var rm relayMessage
		if err := json.Unmarshal([]byte(msg.Payload), &rm); err != nil {
			b.logger.Error("failed to unmarshal relay message",
				zap.String("channel", msg.Channel),
				zap.Error(err))
			continue
		}
		if rm.Event == nil || rm.Origin == b.id {
			continue
		}
		b.mu.RLock()
		h := b.handler
		b.mu.RUnlock()
		if h == nil {
			continue
		}
		b.metrics.Relay("in", string(rm.Kind))
		switch rm.Kind {
		case relayEvent:
			h.HandleEvent(ctx, rm.Event)
		case relayDeliver:
			h.HandleDelivery(ctx, rm.Event, rm.Targets)
		default:
			b.logger.Warn("unknown relay message kind", zap.String("kind", string(rm.Kind)))
		}
	}
}

func (b *RedisBackend) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.HeartbeatInstance(ctx); err != nil {
				b.logger.Warn("instance heartbeat failed", zap.Error(err))
				continue
			}
			if n, err := b.prune(ctx); err != nil {
				b.logger.Warn("failed to prune instances", zap.Error(err))
			} else if n > 0 {
				b.mu.Lock()
				b.instances = snapshot[[]Instance]{}
				b.remote = snapshot[[]ConnectionRecord]{}
				b.mu.Unlock()
			}
		}
	}
}

// Close stops the background loops and withdraws this instance from the
// store.
func (b *RedisBackend) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		cancel, pubsub := b.cancel, b.pubsub
		b.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if pubsub != nil {
			_ = pubsub.Close()
		}
		b.wg.Wait()

		pipe := b.client.Pipeline()
		pipe.ZRem(ctx, b.instancesKey(), b.id)
		pipe.Del(ctx, b.instanceKey(b.id))
		pipe.Del(ctx, b.connsKey(b.id))
		if _, e := pipe.Exec(ctx); e != nil {
			b.logger.Warn("failed to unregister instance", zap.Error(e))
		}
		err = b.client.Close()
	})
	return err
}

func (b *RedisBackend) Healthy(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", cnst.ErrClusterUnavailable, err)
	}
	return nil
}
