package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/amoylab/wshub/internal/cluster"
	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/config"
	"github.com/amoylab/wshub/internal/common/dto"
	"github.com/amoylab/wshub/internal/event"
	"github.com/amoylab/wshub/internal/registry"
	"github.com/amoylab/wshub/internal/room"
	"github.com/amoylab/wshub/pkg/metrics"
	"github.com/amoylab/wshub/pkg/trace"
	"github.com/cenkalti/backoff/v5"
	"github.com/ifuryst/lol"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Connections is the part of the registry a broadcast reads and writes
type Connections interface {
	List(f registry.ListFilter) []registry.Info
	Deliver(id string, msg registry.Message) (registry.Outcome, error)
}

// Events prepares the shared payload and owns the replay buffers
type Events interface {
	Prepare(ev *event.Event) (registry.Message, error)
	Persist(ev *event.Event)
}

type Rooms interface {
	Members(roomID string) ([]room.Member, error)
}

// Cluster resolves and reaches connections held by other instances
type Cluster interface {
	InstanceID() string
	RemoteConnections(ctx context.Context, tenantID string) ([]cluster.ConnectionRecord, error)
	DeliverRemote(ctx context.Context, instanceID string, ev *event.Event, connIDs []string) error
}

type Options struct {
	config.BroadcastConfig
	WorkerCount int
}

// Filter narrows the target set. All set fields must hold.
type Filter struct {
	TenantIDs  []string // defaults to the sender's tenant
	RoomID     string
	Metadata   map[string]string
	MinAge     time.Duration
	MaxTargets int
	LocalOnly  bool
}

// Request is a one-shot fan-out. It is not kept after Broadcast returns.
type Request struct {
	EventType    string
	Payload      json.RawMessage
	Priority     dto.Priority
	TTL          time.Duration
	Mode         Mode
	SenderTenant string
	SenderUserID string
	SenderConnID string // empty for server-side producers
	Filter       Filter
}

// Result counts every resolved target exactly once:
// TotalTargets == Delivered + Failed + Skipped.
type Result struct {
	EventID      string
	TotalTargets int
	Delivered    int
	Failed       int
	Skipped      int
	Duration     time.Duration
}

// Manager fans one message out to a filtered target set.
type Manager struct {
	opts    Options
	conns   Connections
	events  Events
	rooms   Rooms
	cluster Cluster
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	tenantLimits *limiters
	connLimits   *limiters
}

func NewManager(opts Options, conns Connections, events Events, rooms Rooms, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = runtime.NumCPU()
	}
	if opts.RetryBudget < 0 {
		opts.RetryBudget = 0
	}
	if opts.RetryTimeout <= 0 {
		opts.RetryTimeout = 2 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 50 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Second
	}
	return &Manager{
		opts:         opts,
		conns:        conns,
		events:       events,
		rooms:        rooms,
		logger:       logger.Named("broadcast"),
		metrics:      m,
		now:          time.Now,
		tenantLimits: newLimiters(opts.TenantRate, opts.TenantBurst),
		connLimits:   newLimiters(opts.ConnectionRate, opts.ConnectionBurst),
	}
}

// SetCluster enables remote targets. Without a cluster every broadcast is local.
func (m *Manager) SetCluster(c Cluster) {
	m.cluster = c
}

// ReleaseConnection drops the token bucket of a closed connection.
func (m *Manager) ReleaseConnection(connID string) {
	m.connLimits.forget(connID)
}

type remoteTarget struct {
	instanceID string
	connID     string
}

// Broadcast resolves the targets of req and delivers to them according to
// its mode. Per-target failures are counted in the result, not returned.
func (m *Manager) Broadcast(ctx context.Context, req Request) (Result, error) {
	start := m.now()
	scope := trace.Tracer(cnst.TraceBroadcast).Start(ctx, cnst.SpanBroadcast)
	defer scope.End()
	ctx = scope.Ctx

	if !req.Mode.valid() {
		err := fmt.Errorf("%w: %s", cnst.ErrInvalidEvent, req.Mode)
		scope.Fail(err)
		return Result{}, err
	}
	if err := m.admit(req); err != nil {
		scope.Fail(err)
		m.metrics.BroadcastDone(req.Mode.String(), "rate_limited", start)
		return Result{}, err
	}

	tenants := lol.UniqSlice(req.Filter.TenantIDs)
	if len(tenants) == 0 {
		tenants = []string{req.SenderTenant}
	}
	ev := &event.Event{
		Type:        req.EventType,
		Payload:     req.Payload,
		UserID:      req.SenderUserID,
		TenantID:    req.SenderTenant,
		RoomID:      req.Filter.RoomID,
		Priority:    req.Priority,
		CrossTenant: len(tenants) > 1 || tenants[0] != req.SenderTenant,
	}
	if req.TTL > 0 {
		ev.ExpiresAt = start.Add(req.TTL)
	}
	msg, err := m.events.Prepare(ev)
	if err != nil {
		scope.Fail(err)
		m.metrics.BroadcastDone(req.Mode.String(), "rejected", start)
		return Result{}, err
	}

	local, remote, err := m.resolve(ctx, req.Filter, tenants)
	if err != nil {
		scope.Fail(err)
		m.metrics.BroadcastDone(req.Mode.String(), "rejected", start)
		return Result{}, err
	}

	// guaranteed copies go to every targeted tenant, connected or not
	def := modes[req.Mode]
	if def.persist {
		for _, tenantID := range tenants {
			cp := *ev
			cp.TenantID = tenantID
			m.events.Persist(&cp)
		}
	}

	res := Result{EventID: ev.ID, TotalTargets: len(local) + len(remote)}
	if limit := req.Filter.MaxTargets; limit > 0 && res.TotalTargets > limit {
		res.Skipped = res.TotalTargets - limit
		if len(local) >= limit {
			local, remote = local[:limit], nil
		} else {
			remote = remote[:limit-len(local)]
		}
	}

	var delivered, failed, skipped atomic.Int64
	m.deliverLocal(ctx, def.retry, msg, local, &delivered, &failed, &skipped)
	remoteEv := ev
	if def.persist {
		// hosting instances keep their own copy for targets that resume there
		cp := *ev
		cp.Persist = true
		remoteEv = &cp
	}
	m.deliverRemote(ctx, def.retry, remoteEv, remote, &delivered, &failed)

	res.Delivered = int(delivered.Load())
	res.Failed = int(failed.Load())
	res.Skipped += int(skipped.Load())
	res.Duration = m.now().Sub(start)

	m.metrics.DeliveryN("broadcast", "delivered", res.Delivered)
	m.metrics.DeliveryN("broadcast", "failed", res.Failed)
	m.metrics.DeliveryN("broadcast", "skipped", res.Skipped)
	outcome := "ok"
	if res.Failed > 0 {
		outcome = "partial"
	}
	m.metrics.BroadcastDone(req.Mode.String(), outcome, start)
	scope.WithAttrs(
		attribute.String(cnst.AttrTenantID, req.SenderTenant),
		attribute.String(cnst.AttrEventType, req.EventType),
		attribute.String(cnst.AttrDeliveryMode, req.Mode.String()),
		attribute.Int(cnst.AttrTargets, res.TotalTargets),
		attribute.Int(cnst.AttrDelivered, res.Delivered),
		attribute.Int(cnst.AttrFailed, res.Failed),
		attribute.Int(cnst.AttrSkipped, res.Skipped),
	)
	m.logger.Debug("broadcast finished",
		zap.String("event_id", res.EventID),
		zap.String("mode", req.Mode.String()),
		zap.Int("targets", res.TotalTargets),
		zap.Int("delivered", res.Delivered),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// admit takes one token from the sending connection's and the tenant's bucket.
func (m *Manager) admit(req Request) error {
	if !m.connLimits.allow(req.SenderConnID) {
		m.metrics.RateLimited("connection")
		return fmt.Errorf("%w: connection %s", cnst.ErrRateLimited, req.SenderConnID)
	}
	if !m.tenantLimits.allow(req.SenderTenant) {
		m.metrics.RateLimited("tenant")
		return fmt.Errorf("%w: tenant %s", cnst.ErrRateLimited, req.SenderTenant)
	}
	return nil
}

// resolve returns local connection ids ordered by connection time, followed
// by remote targets from the cluster index. Room filters resolve locally
// only since rooms live on their tenant's owning instance.
func (m *Manager) resolve(ctx context.Context, f Filter, tenants []string) ([]string, []remoteTarget, error) {
	now := m.now()
	tenantSet := make(map[string]struct{}, len(tenants))
	for _, t := range tenants {
		tenantSet[t] = struct{}{}
	}

	var members map[string]struct{}
	if f.RoomID != "" {
		list, err := m.rooms.Members(f.RoomID)
		if err != nil {
			return nil, nil, err
		}
		members = make(map[string]struct{}, len(list))
		for _, mem := range list {
			members[mem.ConnectionID] = struct{}{}
		}
	}

	infos := m.conns.List(registry.ListFilter{Match: func(info registry.Info) bool {
		if _, ok := tenantSet[info.TenantID]; !ok {
			return false
		}
		if members != nil {
			if _, ok := members[info.ID]; !ok {
				return false
			}
		}
		return matchMetadata(info.Metadata, f.Metadata) && oldEnough(info.ConnectedAt, now, f.MinAge)
	}})
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	local := make([]string, len(infos))
	for i, info := range infos {
		local[i] = info.ID
	}

	if f.LocalOnly || f.RoomID != "" || m.cluster == nil {
		return local, nil, nil
	}
	self := m.cluster.InstanceID()
	var remote []remoteTarget
	for _, tenantID := range tenants {
		recs, err := m.cluster.RemoteConnections(ctx, tenantID)
		if err != nil {
			// remote targets are best effort when the store is unreachable
			m.logger.Warn("failed to resolve remote targets",
				zap.String("tenant_id", tenantID),
				zap.Error(err))
			continue
		}
		for _, rec := range recs {
			if rec.InstanceID == self {
				continue
			}
			if !matchMetadata(rec.Metadata, f.Metadata) || !oldEnough(rec.ConnectedAt, now, f.MinAge) {
				continue
			}
			remote = append(remote, remoteTarget{instanceID: rec.InstanceID, connID: rec.ID})
		}
	}
	return local, remote, nil
}

func matchMetadata(have, want map[string]string) bool {
	for k, v := range want {
		if got, ok := have[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func oldEnough(connectedAt, now time.Time, minAge time.Duration) bool {
	return minAge <= 0 || now.Sub(connectedAt) >= minAge
}

// deliverLocal pushes msg in batches of BatchSize, each processed by at most
// WorkerCount goroutines.
func (m *Manager) deliverLocal(ctx context.Context, retry bool, msg registry.Message, ids []string, delivered, failed, skipped *atomic.Int64) {
	for batch := range slices.Chunk(ids, m.opts.BatchSize) {
		if ctx.Err() != nil {
			failed.Add(int64(len(batch)))
			continue
		}
		var g errgroup.Group
		g.SetLimit(m.opts.WorkerCount)
		for _, id := range batch {
			g.Go(func() error {
				err := m.push(ctx, retry, id, msg)
				switch {
				case err == nil:
					delivered.Add(1)
				case !retry && errors.Is(err, cnst.ErrQueueFull):
					skipped.Add(1)
				default:
					failed.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
		runtime.Gosched()
	}
}

// push delivers to one connection. Only a full queue is worth retrying.
func (m *Manager) push(ctx context.Context, retry bool, id string, msg registry.Message) error {
	op := func() (registry.Outcome, error) {
		outcome, err := m.conns.Deliver(id, msg)
		if err == nil || errors.Is(err, cnst.ErrQueueFull) {
			return outcome, err
		}
		return outcome, backoff.Permanent(err)
	}
	if !retry {
		_, err := op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Unwrap()
		}
		return err
	}
	_, err := backoff.Retry(ctx, op, m.retryOptions()...)
	return err
}

func (m *Manager) retryOptions() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialBackoff
	b.MaxInterval = m.opts.MaxBackoff
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.opts.RetryBudget + 1)),
		backoff.WithMaxElapsedTime(m.opts.RetryTimeout),
	}
}

// deliverRemote hands targets to their owning instances, one message per
// instance and batch.
func (m *Manager) deliverRemote(ctx context.Context, retry bool, ev *event.Event, targets []remoteTarget, delivered, failed *atomic.Int64) {
	if len(targets) == 0 {
		return
	}
	byInstance := make(map[string][]string)
	for _, t := range targets {
		byInstance[t.instanceID] = append(byInstance[t.instanceID], t.connID)
	}
	for _, instanceID := range slices.Sorted(maps.Keys(byInstance)) {
		for batch := range slices.Chunk(byInstance[instanceID], m.opts.BatchSize) {
			op := func() (struct{}, error) {
				return struct{}{}, m.cluster.DeliverRemote(ctx, instanceID, ev, batch)
			}
			var err error
			if retry {
				_, err = backoff.Retry(ctx, op, m.retryOptions()...)
			} else {
				_, err = op()
			}
			if err != nil {
				m.logger.Warn("remote delivery failed",
					zap.String("target_instance", instanceID),
					zap.Int("targets", len(batch)),
					zap.Error(err))
				failed.Add(int64(len(batch)))
				continue
			}
			delivered.Add(int64(len(batch)))
		}
	}
}
