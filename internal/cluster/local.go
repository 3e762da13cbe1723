package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/event"
	"go.uber.org/zap"
)

// LocalBackend is the backend of a hub running alone
type LocalBackend struct {
	id        string
	startedAt time.Time
	logger    *zap.Logger

	mu      sync.RWMutex
	handler Handler
}

var _ Backend = (*LocalBackend)(nil)

func NewLocalBackend(id string, logger *zap.Logger) *LocalBackend {
	return &LocalBackend{
		id:        id,
		startedAt: time.Now(),
		logger:    logger.Named("cluster.local"),
	}
}

func (b *LocalBackend) InstanceID() string { return b.id }

func (b *LocalBackend) RegisterInstance(context.Context) error  { return nil }
func (b *LocalBackend) HeartbeatInstance(context.Context) error { return nil }

func (b *LocalBackend) Instances(context.Context) ([]Instance, error) {
	now := time.Now()
	return []Instance{{
		ID:            b.id,
		StartedAt:     b.startedAt,
		LastHeartbeat: now,
		Connections:   b.localCount(),
	}}, nil
}

func (b *LocalBackend) TotalConnectionCount(context.Context) (int, error) {
	return b.localCount(), nil
}

func (b *LocalBackend) localCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.handler == nil {
		return 0
	}
	return b.handler.LocalConnectionCount()
}

// RelayEvent has no peers to reach.
func (b *LocalBackend) RelayEvent(context.Context, *event.Event) error { return nil }

func (b *LocalBackend) DeliverRemote(ctx context.Context, instanceID string, ev *event.Event, connIDs []string) error {
	if instanceID != b.id {
		return fmt.Errorf("%w: unknown instance %s", cnst.ErrClusterUnavailable, instanceID)
	}
	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()
	if h != nil {
		h.HandleDelivery(ctx, ev, connIDs)
	}
	return nil
}

func (b *LocalBackend) IndexConnection(context.Context, ConnectionRecord) error { return nil }
func (b *LocalBackend) RemoveConnection(context.Context, string) error          { return nil }

func (b *LocalBackend) RemoteConnections(context.Context, string) ([]ConnectionRecord, error) {
	return nil, nil
}

func (b *LocalBackend) OwnerOf(context.Context, string) (string, error) { return b.id, nil }
func (b *LocalBackend) OwnsTenant(string) bool                          { return true }

func (b *LocalBackend) Start(_ context.Context, h Handler) error {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
	b.logger.Info("running as a single instance", zap.String("instance_id", b.id))
	return nil
}

func (b *LocalBackend) Close(context.Context) error   { return nil }
func (b *LocalBackend) Healthy(context.Context) error { return nil }
