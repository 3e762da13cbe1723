package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amoylab/wshub/internal/broadcast"
	"github.com/amoylab/wshub/internal/cluster"
	"github.com/amoylab/wshub/internal/common/config"
	"github.com/amoylab/wshub/internal/event"
	"github.com/amoylab/wshub/internal/registry"
	"github.com/amoylab/wshub/internal/room"
	"github.com/amoylab/wshub/internal/storage"
	zlog "github.com/amoylab/wshub/pkg/logger"
	"github.com/amoylab/wshub/pkg/metrics"
	"go.uber.org/zap"
)

// Hub is the process-wide state object. It owns every component and the
// background tasks that keep them consistent.
type Hub struct {
	cfg     *config.HubConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	registry   *registry.Registry
	events     *event.Manager
	rooms      *room.Manager
	broadcasts *broadcast.Manager
	cluster    cluster.Backend
	store      *storage.DBStore

	started  atomic.Bool
	stopping atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds and wires the components. Nothing runs until Start.
func New(ctx context.Context, cfg *config.HubConfig, logger *zap.Logger, m *metrics.Metrics) (*Hub, error) {
	backend, err := cluster.New(ctx, cfg.Cluster, logger, m)
	if err != nil {
		return nil, fmt.Errorf("init cluster backend: %w", err)
	}
	instanceID := backend.InstanceID()
	logger = zlog.ForInstance(logger, instanceID)

	reg := registry.New(registry.Options{
		MaxConnections:     cfg.MaxConnections,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		QueueSize:          cfg.OutboundQueueSize,
		BackpressurePolicy: cfg.BackpressurePolicy,
	}, logger, m)

	events := event.NewManager(event.Options{
		InstanceID:        instanceID,
		TenantIsolation:   cfg.TenantIsolation,
		EnablePersistence: cfg.EnablePersistence,
		MessageTTL:        cfg.MessageTTL,
		MaxMessageSize:    cfg.MaxMessageSize,
		ReplayBufferSize:  cfg.ReplayBufferSize,
	}, reg, logger, m)
	events.SetRelay(backend)

	rooms := room.NewManager(room.Options{
		DefaultMaxMembers: cfg.Room.DefaultMaxMembers,
		TemporaryTTL:      cfg.Room.TemporaryTTL,
		SweepInterval:     cfg.Room.SweepInterval,
	}, reg, events, logger, m)
	rooms.SetSharder(backend)
	events.SetMembership(rooms)

	store, err := storage.NewStore(logger, cfg.Storage)
	if err != nil {
		_ = backend.Close(ctx)
		return nil, fmt.Errorf("init room catalog: %w", err)
	}
	if store != nil {
		rooms.SetCatalog(store)
	}

	bc := broadcast.NewManager(broadcast.Options{
		BroadcastConfig: cfg.Broadcast,
		WorkerCount:     cfg.WorkerCount,
	}, reg, events, rooms, logger, m)
	bc.SetCluster(backend)

	h := &Hub{
		cfg:        cfg,
		logger:     logger.Named("hub"),
		metrics:    m,
		registry:   reg,
		events:     events,
		rooms:      rooms,
		broadcasts: bc,
		cluster:    backend,
		store:      store,
	}
	reg.OnRelease(h.release)
	return h, nil
}

func (h *Hub) Config() *config.HubConfig      { return h.cfg }
func (h *Hub) Registry() *registry.Registry   { return h.registry }
func (h *Hub) Events() *event.Manager         { return h.events }
func (h *Hub) Rooms() *room.Manager           { return h.rooms }
func (h *Hub) Broadcasts() *broadcast.Manager { return h.broadcasts }
func (h *Hub) Cluster() cluster.Backend       { return h.cluster }
func (h *Hub) InstanceID() string             { return h.cluster.InstanceID() }
func (h *Hub) ShuttingDown() bool             { return h.stopping.Load() }
func (h *Hub) Logger() *zap.Logger            { return h.logger }
func (h *Hub) Metrics() *metrics.Metrics      { return h.metrics }

// Start restores persistent rooms, joins the cluster and launches the
// background tasks. They stop on Shutdown.
func (h *Hub) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return errors.New("hub already started")
	}
	if h.store != nil {
		n, err := h.rooms.LoadCatalog(ctx)
		if err != nil {
			return fmt.Errorf("load room catalog: %w", err)
		}
		h.logger.Info("persistent rooms restored", zap.Int("count", n))
	}
	if err := h.cluster.Start(ctx, h); err != nil {
		return fmt.Errorf("start cluster backend: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	h.spawn(func() { h.registry.Run(runCtx) })
	h.spawn(func() { h.events.Run(runCtx, h.cfg.HeartbeatInterval) })
	h.spawn(func() { h.rooms.Run(runCtx) })

	h.logger.Info("hub started",
		zap.Int("max_connections", h.cfg.MaxConnections),
		zap.Bool("tenant_isolation", h.cfg.TenantIsolation),
		zap.Bool("persistence", h.cfg.EnablePersistence))
	return nil
}

func (h *Hub) spawn(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// Shutdown stops accepting connections, drains outbound queues for up to the
// configured grace period, then stops background tasks and leaves the cluster.
func (h *Hub) Shutdown(ctx context.Context) error {
	if !h.stopping.CompareAndSwap(false, true) {
		return nil
	}
	h.logger.Info("shutting down hub", zap.Int("connections", h.registry.Count()))
	h.registry.Shutdown(ctx, h.cfg.ShutdownGrace)

	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	var errs []error
	if err := h.cluster.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close cluster backend: %w", err))
	}
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close room catalog: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Connect registers an authenticated connection and indexes it for the rest
// of the cluster.
func (h *Hub) Connect(ctx context.Context, p registry.Params) (string, error) {
	id, err := h.registry.Register(ctx, p)
	if err != nil {
		return "", err
	}
	rec := cluster.ConnectionRecord{
		ID:          id,
		InstanceID:  h.InstanceID(),
		TenantID:    p.Principal.TenantID,
		UserID:      p.Principal.UserID,
		Metadata:    p.Metadata,
		ConnectedAt: time.Now(),
	}
	if err := h.cluster.IndexConnection(ctx, rec); err != nil {
		// still reachable locally, only remote targeting misses it
		h.logger.Warn("failed to index connection", zap.String("connection_id", id), zap.Error(err))
	}
	return id, nil
}

func (h *Hub) Disconnect(ctx context.Context, id, reason string) error {
	return h.registry.Disconnect(ctx, id, reason)
}

// release drops everything the components hold for a closing connection.
func (h *Hub) release(ctx context.Context, info registry.Info, _ string) {
	h.events.ReleaseConnection(info.ID)
	h.rooms.ReleaseConnection(ctx, info.ID)
	h.broadcasts.ReleaseConnection(info.ID)
	if err := h.cluster.RemoveConnection(ctx, info.ID); err != nil {
		h.logger.Debug("failed to remove connection from index", zap.String("connection_id", info.ID), zap.Error(err))
	}
}

// HandleEvent implements cluster.Handler.
func (h *Hub) HandleEvent(ctx context.Context, ev *event.Event) {
	if _, err := h.events.DeliverLocal(ctx, ev); err != nil {
		h.logger.Debug("relayed event dropped", zap.String("event_id", ev.ID), zap.Error(err))
	}
}

// HandleDelivery implements cluster.Handler. Persisted deliveries are stored
// in the replay buffer of every tenant among the local targets.
func (h *Hub) HandleDelivery(ctx context.Context, ev *event.Event, connIDs []string) {
	persist := ev.Persist
	ev.Persist = false
	if _, err := h.events.PublishTo(ctx, ev, connIDs); err != nil {
		h.logger.Debug("remote delivery dropped", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	if !persist {
		return
	}
	tenants := make(map[string]struct{})
	for _, id := range connIDs {
		if info, ok := h.registry.Get(id); ok {
			tenants[info.TenantID] = struct{}{}
		}
	}
	for tenantID := range tenants {
		cp := *ev
		cp.TenantID = tenantID
		h.events.Persist(&cp)
	}
}

// LocalConnectionCount implements cluster.Handler.
func (h *Hub) LocalConnectionCount() int {
	return h.registry.Count()
}

// Heartbeat implements transport.Handler.
func (h *Hub) Heartbeat(connID string) {
	_ = h.registry.Heartbeat(connID)
}

// Status is the readiness report served by /readyz
type Status struct {
	InstanceID    string         `json:"instance_id"`
	Ready         bool           `json:"ready"`
	ShuttingDown  bool           `json:"shutting_down"`
	Connections   map[string]int `json:"connections"`
	Backpressured int            `json:"backpressured"`
	Subscriptions int            `json:"subscriptions"`
	Rooms         int            `json:"rooms"`
	Cluster       ClusterStatus  `json:"cluster"`
}

type ClusterStatus struct {
	Healthy          bool   `json:"healthy"`
	Instances        int    `json:"instances"`
	TotalConnections int    `json:"total_connections"`
	Error            string `json:"error,omitempty"`
}

// Status reports per component readiness. The hub is ready while it accepts
// connections and its cluster backend answers.
func (h *Hub) Status(ctx context.Context) Status {
	st := Status{
		InstanceID:    h.InstanceID(),
		ShuttingDown:  h.stopping.Load(),
		Connections:   make(map[string]int),
		Subscriptions: h.events.SubscriptionCount(),
		Rooms:         h.rooms.Count(),
	}
	for state, n := range h.registry.CountByState() {
		st.Connections[state.String()] = n
	}
	st.Backpressured = len(h.registry.List(registry.ListFilter{
		Match: func(i registry.Info) bool { return i.Backpressured },
	}))

	if err := h.cluster.Healthy(ctx); err != nil {
		st.Cluster.Error = err.Error()
	} else {
		st.Cluster.Healthy = true
		if instances, err := h.cluster.Instances(ctx); err == nil {
			st.Cluster.Instances = len(instances)
		}
		if total, err := h.cluster.TotalConnectionCount(ctx); err == nil {
			st.Cluster.TotalConnections = total
		}
	}
	st.Ready = h.started.Load() && !st.ShuttingDown && st.Cluster.Healthy
	return st
}
