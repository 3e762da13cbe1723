package cluster

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/config"
	"github.com/amoylab/wshub/internal/event"
	"github.com/amoylab/wshub/pkg/metrics"
	"github.com/ifuryst/lol"
	"go.uber.org/zap"
)

// Instance is one live hub process as seen by the coordination store
type Instance struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Connections   int       `json:"connections"`
}

// ConnectionRecord is the cluster-wide index entry of a connection
type ConnectionRecord struct {
	ID          string            `json:"id"`
	InstanceID  string            `json:"instance_id"`
	TenantID    string            `json:"tenant_id"`
	UserID      string            `json:"user_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ConnectedAt time.Time         `json:"connected_at"`
}

// Handler receives traffic addressed to this instance by its peers
type Handler interface {
	// HandleEvent delivers an event published on another instance to local subscribers.
	HandleEvent(ctx context.Context, ev *event.Event)
	// HandleDelivery pushes ev to the given local connections.
	HandleDelivery(ctx context.Context, ev *event.Event, connIDs []string)
	// LocalConnectionCount is reported with every instance heartbeat.
	LocalConnectionCount() int
}

// Backend coordinates hub instances. Implementations must be safe for
// concurrent use.
type Backend interface {
	InstanceID() string
	RegisterInstance(ctx context.Context) error
	HeartbeatInstance(ctx context.Context) error
	// Instances lists the instances whose last heartbeat is within the grace period.
	Instances(ctx context.Context) ([]Instance, error)
	TotalConnectionCount(ctx context.Context) (int, error)

	// RelayEvent fans ev out to every other instance.
	RelayEvent(ctx context.Context, ev *event.Event) error
	// DeliverRemote hands ev to instanceID for the given connections.
	DeliverRemote(ctx context.Context, instanceID string, ev *event.Event, connIDs []string) error

	IndexConnection(ctx context.Context, rec ConnectionRecord) error
	RemoveConnection(ctx context.Context, connID string) error
	// RemoteConnections lists connections held by other live instances. An
	// empty tenant means all tenants. Results may be up to cache_ttl stale.
	RemoteConnections(ctx context.Context, tenantID string) ([]ConnectionRecord, error)

	// OwnerOf returns the instance that hosts rooms of the tenant.
	OwnerOf(ctx context.Context, tenantID string) (string, error)
	OwnsTenant(tenantID string) bool

	Start(ctx context.Context, h Handler) error
	Close(ctx context.Context) error
	Healthy(ctx context.Context) error
}

// relayKind tags messages on the relay channels
type relayKind string

const (
	relayEvent   relayKind = "event"
	relayDeliver relayKind = "deliver"
)

type relayMessage struct {
	Kind    relayKind    `json:"kind"`
	Origin  string       `json:"origin"`
	Event   *event.Event `json:"event"`
	Targets []string     `json:"targets,omitempty"`
}

// snapshot is a cached value labelled with the time it was fetched
type snapshot[T any] struct {
	value     T
	fetchedAt time.Time
}

func (s snapshot[T]) fresh(now time.Time, ttl time.Duration) bool {
	return !s.fetchedAt.IsZero() && now.Sub(s.fetchedAt) < ttl
}

// NewInstanceID returns the configured id or derives one from the hostname.
func NewInstanceID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = cnst.AppName
	}
	return host + "-" + lol.RandomString(6)
}

// New builds the backend for cfg. An unreachable store degrades to a
// single-instance backend unless the cluster is required.
func New(ctx context.Context, cfg config.ClusterConfig, logger *zap.Logger, m *metrics.Metrics) (Backend, error) {
	id := NewInstanceID(cfg.InstanceID)
	switch cfg.Type {
	case "", cnst.ClusterTypeNone:
		return NewLocalBackend(id, logger), nil
	case cnst.ClusterTypeRedis:
		b, err := NewRedisBackend(ctx, id, cfg, logger, m)
		if err == nil {
			return b, nil
		}
		if cfg.Required {
			return nil, err
		}
		logger.Warn("cluster backend unavailable, running as a single instance",
			zap.String("instance_id", id),
			zap.Error(err))
		return NewLocalBackend(id, logger), nil
	default:
		return nil, fmt.Errorf("unsupported cluster type: %s", cfg.Type)
	}
}
