package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/registry"
	"github.com/amoylab/wshub/pkg/metrics"
	"github.com/amoylab/wshub/pkg/trace"
	"github.com/google/uuid"
	"github.com/ifuryst/lol"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Connections is the part of the registry the manager needs
type Connections interface {
	Get(id string) (registry.Info, bool)
	Deliver(id string, msg registry.Message) (registry.Outcome, error)
}

// Membership answers whether a connection currently belongs to a room
type Membership interface {
	IsMember(roomID, connID string) bool
}

// Relay forwards locally published events to other instances
type Relay interface {
	RelayEvent(ctx context.Context, ev *Event) error
}

type Options struct {
	InstanceID        string
	TenantIsolation   bool
	EnablePersistence bool
	MessageTTL        time.Duration
	MaxMessageSize    int64
	ReplayBufferSize  int
}

// DeliveryResult aggregates per-connection outcomes. A publish never fails
// because individual connections could not take the event.
type DeliveryResult struct {
	EventID   string
	Matched   int
	Delivered int
	Skipped   int
}

// Manager routes events to subscribed connections and keeps per-tenant
// replay buffers.
type Manager struct {
	opts    Options
	conns   Connections
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	subs   map[string]*Subscription
	byConn map[string]map[string]struct{}
	byType map[string]map[string]struct{}
	relay  Relay
	rooms  Membership

	bufMu   sync.Mutex
	buffers map[string]*ring
}

func NewManager(opts Options, conns Connections, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if opts.ReplayBufferSize <= 0 {
		opts.ReplayBufferSize = 1024
	}
	return &Manager{
		opts:    opts,
		conns:   conns,
		logger:  logger.Named("event"),
		metrics: m,
		now:     time.Now,
		subs:    make(map[string]*Subscription),
		byConn:  make(map[string]map[string]struct{}),
		byType:  make(map[string]map[string]struct{}),
		buffers: make(map[string]*ring),
	}
}

// SetRelay installs the cluster relay. Without one, events stay local.
func (m *Manager) SetRelay(r Relay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relay = r
}

// SetMembership installs the room membership check used by replay. Without
// one, room-scoped events are never replayed.
func (m *Manager) SetMembership(rooms Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = rooms
}

// Subscribe registers interest of a live connection in the given event types.
func (m *Manager) Subscribe(connID string, types []string, f Filter) (string, error) {
	info, ok := m.conns.Get(connID)
	if !ok || !info.State.Live() {
		return "", cnst.ErrUnknownConnection
	}
	types = lol.UniqSlice(types)
	if len(types) == 0 {
		return "", fmt.Errorf("%w: no event types", cnst.ErrInvalidEvent)
	}

	sub := &Subscription{
		ID:           uuid.NewString(),
		ConnectionID: connID,
		Types:        types,
		Filter:       f,
		tenantID:     info.TenantID,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	addIndex(m.byConn, connID, sub.ID)
	for _, t := range types {
		addIndex(m.byType, t, sub.ID)
	}
	return sub.ID, nil
}

func (m *Manager) Unsubscribe(subID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[subID]; !ok {
		return cnst.ErrUnknownSubscription
	}
	m.removeLocked(subID)
	return nil
}

// UnsubscribeRoom drops the subscriptions a connection holds for a room.
func (m *Manager) UnsubscribeRoom(connID, roomID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id := range m.byConn[connID] {
		if m.subs[id].Filter.RoomID == roomID {
			m.removeLocked(id)
			n++
		}
	}
	return n
}

// ReleaseConnection drops every subscription of a connection.
func (m *Manager) ReleaseConnection(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.byConn[connID] {
		m.removeLocked(id)
	}
}

// Subscriptions returns copies of a connection's subscriptions.
func (m *Manager) Subscriptions(connID string) []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0, len(m.byConn[connID]))
	for id := range m.byConn[connID] {
		out = append(out, *m.subs[id])
	}
	return out
}

func (m *Manager) removeLocked(subID string) {
	sub := m.subs[subID]
	delete(m.subs, subID)
	removeIndex(m.byConn, sub.ConnectionID, subID)
	for _, t := range sub.Types {
		removeIndex(m.byType, t, subID)
	}
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// Prepare validates and stamps ev and serializes the envelope once for all
// recipients.
func (m *Manager) Prepare(ev *Event) (registry.Message, error) {
	if err := ev.validate(); err != nil {
		return registry.Message{}, err
	}
	now := m.now()
	ev.stamp(now, m.opts.MessageTTL)
	if ev.Origin == "" {
		ev.Origin = m.opts.InstanceID
	}
	if ev.Expired(now) {
		return registry.Message{}, cnst.ErrEventExpired
	}
	payload, err := json.Marshal(ev.Envelope())
	if err != nil {
		return registry.Message{}, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	if m.opts.MaxMessageSize > 0 && int64(len(payload)) > m.opts.MaxMessageSize {
		return registry.Message{}, fmt.Errorf("%w: %d > %d bytes", cnst.ErrMessageTooLarge, len(payload), m.opts.MaxMessageSize)
	}
	return registry.Message{
		ID:        ev.ID,
		Priority:  ev.Priority,
		ExpiresAt: ev.ExpiresAt,
		Payload:   payload,
	}, nil
}

// Publish delivers ev to matching local subscriptions, persists it when
// asked to, and relays it to the rest of the cluster.
func (m *Manager) Publish(ctx context.Context, ev *Event) (DeliveryResult, error) {
	scope := trace.Tracer(cnst.TraceHub).Start(ctx, cnst.SpanEventPublish)
	defer scope.End()

	res, err := m.publishLocal(ev)
	if errors.Is(err, cnst.ErrEventExpired) {
		return m.dropExpired(ev), nil
	}
	if err != nil {
		scope.Fail(err)
		return res, err
	}
	scope.WithAttrs(
		attribute.String(cnst.AttrTenantID, ev.TenantID),
		attribute.String(cnst.AttrEventType, ev.Type),
		attribute.Int(cnst.AttrDelivered, res.Delivered),
		attribute.Int(cnst.AttrSkipped, res.Skipped),
	)

	m.mu.RLock()
	relay := m.relay
	m.mu.RUnlock()
	if relay != nil && ev.Origin == m.opts.InstanceID {
		if err := relay.RelayEvent(scope.Ctx, ev); err != nil {
			// local delivery already happened
			m.logger.Warn("failed to relay event", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}
	return res, nil
}

// DeliverLocal handles an event relayed by another instance. It is never
// relayed again.
func (m *Manager) DeliverLocal(_ context.Context, ev *Event) (DeliveryResult, error) {
	res, err := m.publishLocal(ev)
	if errors.Is(err, cnst.ErrEventExpired) {
		return m.dropExpired(ev), nil
	}
	return res, err
}

// dropExpired accounts for an event that expired before it reached anyone.
// Expiry is not a failure of the caller, so nothing is returned to it.
func (m *Manager) dropExpired(ev *Event) DeliveryResult {
	m.metrics.Delivery("event", registry.OutcomeExpired.String())
	m.logger.Debug("dropped expired event",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.Time("expires_at", ev.ExpiresAt))
	return DeliveryResult{EventID: ev.ID}
}

func (m *Manager) publishLocal(ev *Event) (DeliveryResult, error) {
	msg, err := m.Prepare(ev)
	if err != nil {
		return DeliveryResult{}, err
	}
	targets := m.resolve(ev)
	res := m.deliver(msg, targets)
	if ev.Persist {
		m.Persist(ev)
	}
	return res, nil
}

// resolve returns the connections with at least one matching subscription.
func (m *Manager) resolve(ev *Event) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, key := range []string{ev.Type, Wildcard} {
		for id := range m.byType[key] {
			sub := m.subs[id]
			if _, dup := seen[sub.ConnectionID]; dup {
				continue
			}
			if !sub.matches(ev, m.opts.TenantIsolation) {
				continue
			}
			seen[sub.ConnectionID] = struct{}{}
			out = append(out, sub.ConnectionID)
		}
	}
	return out
}

// PublishTo delivers ev to an explicit set of connections, bypassing
// subscriptions.
func (m *Manager) PublishTo(ctx context.Context, ev *Event, connIDs []string) (DeliveryResult, error) {
	scope := trace.Tracer(cnst.TraceHub).Start(ctx, cnst.SpanEventPublish)
	defer scope.End()

	msg, err := m.Prepare(ev)
	if errors.Is(err, cnst.ErrEventExpired) {
		return m.dropExpired(ev), nil
	}
	if err != nil {
		scope.Fail(err)
		return DeliveryResult{}, err
	}
	res := m.deliver(msg, lol.UniqSlice(connIDs))
	if ev.Persist {
		m.Persist(ev)
	}
	scope.WithAttrs(
		attribute.String(cnst.AttrTenantID, ev.TenantID),
		attribute.Int(cnst.AttrTargets, res.Matched),
		attribute.Int(cnst.AttrDelivered, res.Delivered),
	)
	return res, nil
}

func (m *Manager) deliver(msg registry.Message, targets []string) DeliveryResult {
	res := DeliveryResult{EventID: msg.ID, Matched: len(targets)}
	for _, id := range targets {
		outcome, err := m.conns.Deliver(id, msg)
		m.metrics.Delivery("event", outcome.String())
		if err != nil || !outcome.Accepted() {
			res.Skipped++
			continue
		}
		res.Delivered++
	}
	return res
}

// Persist appends ev to its tenant's replay buffer when persistence is on.
func (m *Manager) Persist(ev *Event) {
	if !m.opts.EnablePersistence || ev.TenantID == "" || ev.Expired(m.now()) {
		return
	}
	m.buffer(ev.TenantID, true).push(ev)
}

func (m *Manager) buffer(tenantID string, create bool) *ring {
	m.bufMu.Lock()
	defer m.bufMu.Unlock()
	b, ok := m.buffers[tenantID]
	if !ok && create {
		b = newRing(m.opts.ReplayBufferSize)
		m.buffers[tenantID] = b
	}
	return b
}

// Replay returns the persisted events of the connection's tenant created
// after since. Expired events are skipped, as are room-scoped events of rooms
// the connection is not a member of at the time they are read.
func (m *Manager) Replay(connID string, since time.Time) (*ReplayIterator, error) {
	info, ok := m.conns.Get(connID)
	if !ok {
		return nil, cnst.ErrUnknownConnection
	}
	m.mu.RLock()
	rooms := m.rooms
	m.mu.RUnlock()
	it := m.ReplayTenant(info.TenantID, since)
	it.keep = func(ev *Event) bool {
		if ev.RoomID == "" {
			return true
		}
		return rooms != nil && rooms.IsMember(ev.RoomID, connID)
	}
	return it, nil
}

func (m *Manager) ReplayTenant(tenantID string, since time.Time) *ReplayIterator {
	return newReplayIterator(m.buffer(tenantID, false), since, m.now)
}

// ReplayTo pushes replayed events onto the connection's queue and returns how
// many were accepted.
func (m *Manager) ReplayTo(ctx context.Context, connID string, since time.Time) (int, error) {
	scope := trace.Tracer(cnst.TraceHub).Start(ctx, cnst.SpanEventReplay)
	defer scope.End()

	it, err := m.Replay(connID, since)
	if err != nil {
		scope.Fail(err)
		return 0, err
	}
	n := 0
	for ev := range it.All() {
		payload, err := json.Marshal(ev.Envelope())
		if err != nil {
			continue
		}
		outcome, err := m.conns.Deliver(connID, registry.Message{
			ID:        ev.ID,
			Priority:  ev.Priority,
			ExpiresAt: ev.ExpiresAt,
			Payload:   payload,
		})
		m.metrics.Delivery("replay", outcome.String())
		if errors.Is(err, cnst.ErrUnknownConnection) {
			return n, err
		}
		if outcome.Accepted() {
			n++
		}
	}
	scope.WithAttrs(attribute.String(cnst.AttrConnectionID, connID), attribute.Int(cnst.AttrDelivered, n))
	return n, nil
}

// Purge removes expired events from every replay buffer.
func (m *Manager) Purge(now time.Time) int {
	m.bufMu.Lock()
	bufs := make([]*ring, 0, len(m.buffers))
	for _, b := range m.buffers {
		bufs = append(bufs, b)
	}
	m.bufMu.Unlock()
	n := 0
	for _, b := range bufs {
		n += b.purge(now)
	}
	return n
}

// Run purges replay buffers periodically until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Purge(now); n > 0 {
				m.logger.Debug("purged expired events", zap.Int("count", n))
			}
		}
	}
}

func (m *Manager) SubscriptionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}
