package registry

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/amoylab/wshub/internal/auth"
	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Close reasons recorded when a connection ends
const (
	ReasonClient           = "client_closed"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonTransportError   = "transport_error"
	ReasonShutdown         = "shutdown"
	ReasonKicked           = "kicked"
)

// Transport is the network side of a connection
type Transport interface {
	Close(reason string) error
}

// ReleaseHook is called once per connection while it is disconnecting, so
// other components can drop what they hold for it.
type ReleaseHook func(ctx context.Context, info Info, reason string)

// Options configures a Registry
type Options struct {
	MaxConnections     int
	HeartbeatInterval  time.Duration
	QueueSize          int
	BackpressurePolicy string
}

// Params describes a new connection
type Params struct {
	Transport  Transport
	Principal  auth.Principal
	Metadata   map[string]string
	RemoteAddr string
}

// Info is a read-only snapshot of a connection
type Info struct {
	ID              string
	TenantID        string
	UserID          string
	Permissions     []string
	State           State
	Metadata        map[string]string
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
	RemoteAddr      string
	Backpressured   bool
	Dropped         uint64
	Pending         int
}

// Principal rebuilds the principal the connection acts as.
func (i Info) Principal() auth.Principal {
	return auth.Principal{UserID: i.UserID, TenantID: i.TenantID, Permissions: i.Permissions}
}

type conn struct {
	id            string
	tenantID      string
	userID        string
	permissions   []string
	state         State
	metadata      map[string]string
	connectedAt   time.Time
	lastHeartbeat time.Time
	remoteAddr    string
	queue         *Queue
	transport     Transport
}

func (c *conn) snapshot() Info {
	return Info{
		ID:              c.id,
		TenantID:        c.tenantID,
		UserID:          c.userID,
		Permissions:     c.permissions,
		State:           c.state,
		Metadata:        maps.Clone(c.metadata),
		ConnectedAt:     c.connectedAt,
		LastHeartbeatAt: c.lastHeartbeat,
		RemoteAddr:      c.remoteAddr,
		Backpressured:   c.queue.Backpressured(),
		Dropped:         c.queue.Dropped(),
		Pending:         c.queue.Len(),
	}
}

// Registry owns every local connection and is the only component that
// mutates connection state.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*conn
	closing  bool
	hooks    []ReleaseHook
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics
	commands chan command
	now      func() time.Time
}

func New(opts Options, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Registry{
		conns:    make(map[string]*conn),
		opts:     opts,
		logger:   logger.Named("registry"),
		metrics:  m,
		commands: make(chan command, 64),
		now:      time.Now,
	}
}

// OnRelease adds a hook run for every disconnecting connection. Hooks must be
// added before connections are registered.
func (r *Registry) OnRelease(h ReleaseHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Register admits a new connection. Existing connections are never evicted
// to make room.
func (r *Registry) Register(ctx context.Context, p Params) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.Principal.Empty() {
		return "", cnst.ErrUnauthenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return "", cnst.ErrShuttingDown
	}
	if r.opts.MaxConnections > 0 && len(r.conns) >= r.opts.MaxConnections {
		return "", cnst.ErrCapacityExceeded
	}

	now := r.now()
	c := &conn{
		id:            uuid.NewString(),
		tenantID:      p.Principal.TenantID,
		userID:        p.Principal.UserID,
		permissions:   append([]string(nil), p.Principal.Permissions...),
		state:         StateConnecting,
		metadata:      maps.Clone(p.Metadata),
		connectedAt:   now,
		lastHeartbeat: now,
		remoteAddr:    p.RemoteAddr,
		queue:         NewQueue(r.opts.QueueSize, r.opts.BackpressurePolicy),
		transport:     p.Transport,
	}
	if c.metadata == nil {
		c.metadata = map[string]string{}
	}
	r.conns[c.id] = c
	if err := r.transition(c, StateConnected); err != nil {
		delete(r.conns, c.id)
		return "", err
	}
	r.metrics.ConnectionOpened()
	r.logger.Debug("connection registered",
		zap.String("connection_id", c.id),
		zap.String("tenant_id", c.tenantID),
		zap.String("user_id", c.userID))
	return c.id, nil
}

func (r *Registry) transition(c *conn, to State) error {
	if !c.state.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", cnst.ErrInvalidTransition, c.state, to)
	}
	c.state = to
	return nil
}

// Heartbeat records liveness and wakes an idle connection.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok || !c.state.Live() {
		return cnst.ErrUnknownConnection
	}
	c.lastHeartbeat = r.now()
	if c.state == StateIdle {
		return r.transition(c, StateConnected)
	}
	return nil
}

// Disconnect closes a connection and releases everything held for it.
// Disconnecting an unknown or already closing connection is a no-op.
func (r *Registry) Disconnect(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok || c.state == StateDisconnecting || c.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	if err := r.transition(c, StateDisconnecting); err != nil {
		r.mu.Unlock()
		return err
	}
	info := c.snapshot()
	hooks := r.hooks
	r.mu.Unlock()

	for _, h := range hooks {
		h(ctx, info, reason)
	}

	// pending messages are only flushed on graceful shutdown
	c.queue.Close(reason != ReasonShutdown)
	if c.transport != nil {
		if err := c.transport.Close(reason); err != nil {
			r.logger.Debug("transport close failed", zap.String("connection_id", id), zap.Error(err))
		}
	}

	r.mu.Lock()
	_ = r.transition(c, StateClosed)
	delete(r.conns, id)
	r.mu.Unlock()

	r.metrics.ConnectionClosed(reason)
	r.logger.Debug("connection closed", zap.String("connection_id", id), zap.String("reason", reason))
	return nil
}

func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return Info{}, false
	}
	return c.snapshot(), true
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	TenantID string
	UserID   string
	Match    func(Info) bool
}

// List returns snapshots of the live connections matching f.
func (r *Registry) List(f ListFilter) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.conns))
	for _, c := range r.conns {
		if !c.state.Live() {
			continue
		}
		if f.TenantID != "" && c.tenantID != f.TenantID {
			continue
		}
		if f.UserID != "" && c.userID != f.UserID {
			continue
		}
		info := c.snapshot()
		if f.Match != nil && !f.Match(info) {
			continue
		}
		out = append(out, info)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) CountByState() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[State]int, len(stateNames))
	for _, c := range r.conns {
		out[c.state]++
	}
	return out
}

// Deliver is the only way onto a connection's outbound queue.
func (r *Registry) Deliver(id string, msg Message) (Outcome, error) {
	r.mu.RLock()
	c, ok := r.conns[id]
	live := ok && c.state.Live()
	r.mu.RUnlock()
	if !live {
		return OutcomeClosed, cnst.ErrUnknownConnection
	}

	outcome := c.queue.Push(msg)
	switch outcome {
	case OutcomeDisplaced:
		r.metrics.Backpressure()
	case OutcomeDropped:
		r.metrics.Backpressure()
		return outcome, cnst.ErrQueueFull
	case OutcomeExpired:
		return outcome, cnst.ErrEventExpired
	case OutcomeClosed:
		return outcome, cnst.ErrUnknownConnection
	}
	return outcome, nil
}

// Outbound returns the queue drained by the connection's transport.
func (r *Registry) Outbound(id string) (*Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, cnst.ErrUnknownConnection
	}
	return c.queue, nil
}

// Shutdown stops admitting connections, gives outbound queues up to grace to
// drain and then closes everything that is left.
func (r *Registry) Shutdown(ctx context.Context, grace time.Duration) {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

wait:
	for r.pending() > 0 {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline.C:
			break wait
		case <-tick.C:
		}
	}

	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.Disconnect(context.WithoutCancel(ctx), id, ReasonShutdown)
	}
	r.logger.Info("registry shut down", zap.Int("closed", len(ids)))
}

func (r *Registry) pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.conns {
		n += c.queue.Len()
	}
	return n
}
