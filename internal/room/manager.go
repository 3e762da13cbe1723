package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/dto"
	"github.com/amoylab/wshub/internal/event"
	"github.com/amoylab/wshub/internal/registry"
	"github.com/amoylab/wshub/pkg/metrics"
	"github.com/amoylab/wshub/pkg/trace"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Events emitted to members affected by room changes
const (
	EventKicked  = "room.kicked"
	EventBanned  = "room.banned"
	EventDeleted = "room.deleted"
)

type Connections interface {
	Get(id string) (registry.Info, bool)
}

// Publisher routes room messages and drops room-scoped subscriptions
type Publisher interface {
	PublishTo(ctx context.Context, ev *event.Event, connIDs []string) (event.DeliveryResult, error)
	UnsubscribeRoom(connID, roomID string) int
}

// Sharder decides whether this instance hosts a tenant's rooms
type Sharder interface {
	OwnsTenant(tenantID string) bool
}

type localShard struct{}

func (localShard) OwnsTenant(string) bool { return true }

type Options struct {
	DefaultMaxMembers int
	TemporaryTTL      time.Duration
	SweepInterval     time.Duration
}

// CreateOptions describes a new room. The tenant is taken from the creator.
type CreateOptions struct {
	Name        string
	Type        Type
	CreatorID   string
	TenantID    string // optional, must match the creator's tenant
	MaxMembers  int
	ParentID    string
	Password    string
	CrossTenant bool
	TTL         time.Duration
}

type JoinOptions struct {
	Role        Role
	Password    string
	InviteToken string
}

// Message is a room message sent by a member
type Message struct {
	Type     string
	Payload  []byte
	Priority dto.Priority
	Persist  bool
}

// Manager owns the rooms hosted by this instance. Each room has its own
// mutex; the manager lock only guards the lookup maps and is never held while
// taking a room lock.
type Manager struct {
	opts    Options
	conns   Connections
	events  Publisher
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	rooms    map[string]*room
	children map[string]map[string]struct{}
	shard    Sharder
	catalog  Catalog

	memMu       sync.Mutex
	memberships map[string]map[string]struct{} // connection id -> room ids
}

func NewManager(opts Options, conns Connections, events Publisher, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if opts.DefaultMaxMembers <= 0 {
		opts.DefaultMaxMembers = 1000
	}
	if opts.TemporaryTTL <= 0 {
		opts.TemporaryTTL = time.Hour
	}
	return &Manager{
		opts:        opts,
		conns:       conns,
		events:      events,
		logger:      logger.Named("room"),
		metrics:     m,
		now:         time.Now,
		rooms:       make(map[string]*room),
		children:    make(map[string]map[string]struct{}),
		shard:       localShard{},
		memberships: make(map[string]map[string]struct{}),
	}
}

// SetSharder installs the cluster's tenant placement.
func (m *Manager) SetSharder(s Sharder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shard = s
}

func (m *Manager) sharder() Sharder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shard
}

func (m *Manager) lookup(roomID string) (*room, error) {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return nil, cnst.ErrRoomNotFound
	}
	return r, nil
}

// CreateRoom creates a room owned by the creating connection.
func (m *Manager) CreateRoom(ctx context.Context, o CreateOptions) (Info, error) {
	creator, ok := m.conns.Get(o.CreatorID)
	if !ok || !creator.State.Live() {
		return Info{}, cnst.ErrUnknownConnection
	}
	if !creator.Principal().Has(cnst.PermRoomCreate) {
		return Info{}, fmt.Errorf("%w: %s required", cnst.ErrForbidden, cnst.PermRoomCreate)
	}
	if o.TenantID != "" && o.TenantID != creator.TenantID {
		return Info{}, m.deny(ReasonTenantMismatch)
	}
	if !o.Type.valid() {
		return Info{}, fmt.Errorf("%w: unknown type", cnst.ErrInvalidRoom)
	}
	if o.Name == "" {
		return Info{}, fmt.Errorf("%w: name is required", cnst.ErrInvalidRoom)
	}
	if !m.sharder().OwnsTenant(creator.TenantID) {
		return Info{}, m.deny(ReasonWrongShard)
	}

	b := o.Type.behavior()
	now := m.now()
	r := &room{
		id:          uuid.NewString(),
		name:        o.Name,
		typ:         o.Type,
		tenantID:    creator.TenantID,
		parentID:    o.ParentID,
		crossTenant: o.CrossTenant,
		maxMembers:  o.MaxMembers,
		createdAt:   now,
		invites:     make(map[string]time.Time),
		members:     make(map[string]*member),
		bans:        make(map[string]struct{}),
	}
	if r.maxMembers <= 0 {
		r.maxMembers = m.opts.DefaultMaxMembers
	}
	if b.expires {
		ttl := o.TTL
		if ttl <= 0 {
			ttl = m.opts.TemporaryTTL
		}
		r.expiresAt = now.Add(ttl)
	}
	if b.credential == credentialPassword {
		if o.Password == "" {
			return Info{}, fmt.Errorf("%w: protected rooms need a password", cnst.ErrInvalidRoom)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(o.Password), bcrypt.DefaultCost)
		if err != nil {
			return Info{}, fmt.Errorf("hash room password: %w", err)
		}
		r.passwordHash = hash
	}
	r.members[creator.ID] = &member{userID: creator.UserID, role: RoleOwner, joinedAt: now}

	m.mu.Lock()
	if o.ParentID != "" {
		parent, ok := m.rooms[o.ParentID]
		// tenant and id are immutable, safe to read without the room lock
		if !ok || parent.tenantID != r.tenantID {
			m.mu.Unlock()
			return Info{}, cnst.ErrInvalidHierarchy
		}
	}
	m.rooms[r.id] = r
	if r.parentID != "" {
		addSet(m.children, r.parentID, r.id)
	}
	total := len(m.rooms)
	m.mu.Unlock()

	m.trackMembership(creator.ID, r.id, true)
	m.metrics.SetRooms(total)

	r.mu.Lock()
	info := r.info()
	rec := r.record()
	r.mu.Unlock()
	if b.catalog {
		m.save(ctx, rec)
	}
	m.logger.Debug("room created",
		zap.String("room_id", r.id),
		zap.String("type", r.typ.String()),
		zap.String("tenant_id", r.tenantID))
	return info, nil
}

func (m *Manager) deny(reason string) error {
	m.metrics.RoomDenied(reason)
	return denied(reason)
}

// JoinRoom adds a connection to a room, enforcing bans, capacity, the type's
// credential and tenant boundaries.
func (m *Manager) JoinRoom(_ context.Context, connID, roomID string, o JoinOptions) error {
	info, ok := m.conns.Get(connID)
	if !ok || !info.State.Live() {
		return cnst.ErrUnknownConnection
	}
	r, err := m.lookup(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return cnst.ErrRoomNotFound
	}
	if info.TenantID != r.tenantID && !r.crossTenant {
		return m.deny(ReasonTenantMismatch)
	}
	if !m.sharder().OwnsTenant(r.tenantID) {
		return m.deny(ReasonWrongShard)
	}
	if _, already := r.members[connID]; already {
		return nil
	}
	if _, banned := r.bans[info.UserID]; banned {
		return m.deny(ReasonBanned)
	}
	if len(r.members) >= r.maxMembers {
		return m.deny(ReasonFull)
	}
	if o.Role == RoleOwner || (o.Role > RoleMember && !info.Principal().Has(cnst.PermRoomAdmin)) {
		return m.deny(ReasonElevatedRole)
	}

	switch r.typ.behavior().credential {
	case credentialInvite:
		exp, ok := r.invites[o.InviteToken]
		if o.InviteToken == "" || !ok || !m.now().Before(exp) {
			return m.deny(ReasonInviteRequired)
		}
		// invites are single use
		delete(r.invites, o.InviteToken)
	case credentialPassword:
		if o.Password == "" || bcrypt.CompareHashAndPassword(r.passwordHash, []byte(o.Password)) != nil {
			return m.deny(ReasonBadPassword)
		}
	}

	r.members[connID] = &member{userID: info.UserID, role: o.Role, joinedAt: m.now()}
	m.trackMembership(connID, roomID, true)
	return nil
}

// LeaveRoom removes a member. An owner leaving hands the room to the next
// highest ranked member; an emptied temporary room is deleted.
func (m *Manager) LeaveRoom(ctx context.Context, connID, roomID string) error {
	r, err := m.lookup(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	mem, ok := r.members[connID]
	if !ok || r.deleted {
		r.mu.Unlock()
		return cnst.ErrNotAMember
	}
	m.removeMemberLocked(r, connID)
	if mem.role == RoleOwner && len(r.members) > 0 {
		r.members[r.successor()].role = RoleOwner
	}
	drop := len(r.members) == 0 && r.typ.behavior().dropEmpty
	if drop {
		m.markDeletedLocked(r)
	}
	r.mu.Unlock()

	if drop {
		m.unlink(ctx, r)
	}
	return nil
}

// caller must hold r.mu
func (m *Manager) removeMemberLocked(r *room, connID string) {
	delete(r.members, connID)
	m.trackMembership(connID, r.id, false)
	if m.events != nil {
		m.events.UnsubscribeRoom(connID, r.id)
	}
}

// Moderate applies a moderation action. target is a member connection id; for
// ban and unban it may also be a user id.
func (m *Manager) Moderate(ctx context.Context, actorID, roomID, target string, action Action) error {
	if action < ActionKick || int(action) >= len(actions) {
		return fmt.Errorf("%w: unknown moderation action", cnst.ErrInvalidRoom)
	}
	r, err := m.lookup(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	actor, ok := r.members[actorID]
	if !ok || r.deleted {
		r.mu.Unlock()
		return cnst.ErrNotAMember
	}
	if actor.role < action.minRole() {
		r.mu.Unlock()
		return cnst.ErrInsufficientRole
	}

	var removed []string
	var notify string
	tm, isMember := r.members[target]
	switch action {
	case ActionKick, ActionPromote, ActionDemote:
		if !isMember {
			r.mu.Unlock()
			return cnst.ErrNotAMember
		}
		if tm.role >= actor.role {
			r.mu.Unlock()
			return cnst.ErrInsufficientRole
		}
		switch action {
		case ActionKick:
			m.removeMemberLocked(r, target)
			removed, notify = []string{target}, EventKicked
		case ActionPromote:
			// never up to the actor's own rank
			if tm.role+1 >= actor.role || tm.role+1 > RoleAdmin {
				r.mu.Unlock()
				return cnst.ErrInsufficientRole
			}
			tm.role++
		case ActionDemote:
			if tm.role > RoleMember {
				tm.role--
			}
		}
	case ActionBan:
		userID := target
		if isMember {
			userID = tm.userID
		}
		conns := r.connectionsOf(userID)
		for _, id := range conns {
			if r.members[id].role >= actor.role {
				r.mu.Unlock()
				return cnst.ErrInsufficientRole
			}
		}
		r.bans[userID] = struct{}{}
		for _, id := range conns {
			m.removeMemberLocked(r, id)
		}
		removed, notify = conns, EventBanned
	case ActionUnban:
		userID := target
		if isMember {
			userID = tm.userID
		}
		delete(r.bans, userID)
	}

	drop := len(r.members) == 0 && r.typ.behavior().dropEmpty
	if drop {
		m.markDeletedLocked(r)
	}
	tenantID := r.tenantID
	r.mu.Unlock()

	if drop {
		m.unlink(ctx, r)
	}
	if len(removed) > 0 {
		m.notify(ctx, tenantID, roomID, notify, removed)
	}
	m.logger.Debug("room moderated",
		zap.String("room_id", roomID),
		zap.String("action", action.String()),
		zap.String("actor", actorID),
		zap.String("target", target))
	return nil
}

// notify sends a control event to connections that are no longer members.
func (m *Manager) notify(ctx context.Context, tenantID, roomID, typ string, connIDs []string) {
	if m.events == nil {
		return
	}
	ev := &event.Event{
		Type:     typ,
		TenantID: tenantID,
		RoomID:   roomID,
		Priority: dto.PriorityHigh,
	}
	if _, err := m.events.PublishTo(ctx, ev, connIDs); err != nil {
		m.logger.Debug("room notification failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

// SendRoomMessage publishes a message to the room's current members.
func (m *Manager) SendRoomMessage(ctx context.Context, connID, roomID string, msg Message) (event.DeliveryResult, error) {
	scope := trace.Tracer(cnst.TraceHub).Start(ctx, cnst.SpanRoomMessage)
	defer scope.End()
	scope.WithAttrs(attribute.String(cnst.AttrRoomID, roomID), attribute.String(cnst.AttrConnectionID, connID))

	r, err := m.lookup(roomID)
	if err != nil {
		scope.Fail(err)
		return event.DeliveryResult{}, err
	}
	r.mu.Lock()
	sender, ok := r.members[connID]
	if !ok || r.deleted {
		r.mu.Unlock()
		scope.Fail(cnst.ErrNotAMember)
		return event.DeliveryResult{}, cnst.ErrNotAMember
	}
	targets := r.memberIDs()
	ev := &event.Event{
		Type:     msg.Type,
		Payload:  msg.Payload,
		UserID:   sender.userID,
		TenantID: r.tenantID,
		RoomID:   r.id,
		Priority: msg.Priority,
		Persist:  msg.Persist,
	}
	r.mu.Unlock()

	res, err := m.events.PublishTo(scope.Ctx, ev, targets)
	if err != nil {
		scope.Fail(err)
	}
	return res, err
}

// CreateInvite issues a single-use invite token. Moderators and above may
// invite.
func (m *Manager) CreateInvite(_ context.Context, connID, roomID string, ttl time.Duration) (string, error) {
	r, err := m.lookup(roomID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	actor, ok := r.members[connID]
	if !ok || r.deleted {
		return "", cnst.ErrNotAMember
	}
	if actor.role < RoleModerator {
		return "", cnst.ErrInsufficientRole
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := m.now()
	for tok, exp := range r.invites {
		if !now.Before(exp) {
			delete(r.invites, tok)
		}
	}
	token := uuid.NewString()
	r.invites[token] = now.Add(ttl)
	return token, nil
}

// DeleteRoom removes a room. Only admins and the owner may delete; members
// are told the room is gone and child rooms become top level.
func (m *Manager) DeleteRoom(ctx context.Context, actorID, roomID string) error {
	r, err := m.lookup(roomID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	actor, ok := r.members[actorID]
	if !ok || r.deleted {
		r.mu.Unlock()
		return cnst.ErrNotAMember
	}
	if actor.role < RoleAdmin {
		r.mu.Unlock()
		return cnst.ErrInsufficientRole
	}
	members := r.memberIDs()
	for _, id := range members {
		m.removeMemberLocked(r, id)
	}
	m.markDeletedLocked(r)
	tenantID := r.tenantID
	r.mu.Unlock()

	m.unlink(ctx, r)
	m.notify(ctx, tenantID, roomID, EventDeleted, members)
	return nil
}

// caller must hold r.mu
func (m *Manager) markDeletedLocked(r *room) {
	r.deleted = true
	for id := range r.members {
		m.trackMembership(id, r.id, false)
	}
}

// unlink removes a deleted room from the lookup maps and the catalog.
func (m *Manager) unlink(ctx context.Context, r *room) {
	m.mu.Lock()
	delete(m.rooms, r.id)
	if r.parentID != "" {
		removeSet(m.children, r.parentID, r.id)
	}
	orphans := m.children[r.id]
	delete(m.children, r.id)
	var kids []*room
	for id := range orphans {
		if kid, ok := m.rooms[id]; ok {
			kids = append(kids, kid)
		}
	}
	total := len(m.rooms)
	m.mu.Unlock()

	for _, kid := range kids {
		kid.mu.Lock()
		kid.parentID = ""
		rec, persist := kid.record(), kid.typ.behavior().catalog
		kid.mu.Unlock()
		if persist {
			m.save(ctx, rec)
		}
	}
	if r.typ.behavior().catalog {
		m.remove(ctx, r.id)
	}
	m.metrics.SetRooms(total)
	m.logger.Debug("room deleted", zap.String("room_id", r.id))
}

func (m *Manager) Get(roomID string) (Info, error) {
	r, err := m.lookup(roomID)
	if err != nil {
		return Info{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info(), nil
}

func (m *Manager) Members(roomID string) ([]Member, error) {
	r, err := m.lookup(roomID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memberList(), nil
}

// IsMember reports whether the connection belongs to the room.
func (m *Manager) IsMember(roomID, connID string) bool {
	r, err := m.lookup(roomID)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[connID]
	return ok
}

// List returns the rooms of a tenant. An empty tenant lists all rooms.
func (m *Manager) List(tenantID string) []Info {
	m.mu.RLock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		if tenantID == "" || r.tenantID == tenantID {
			rooms = append(rooms, r)
		}
	}
	m.mu.RUnlock()
	return snapshots(rooms)
}

// Children returns the direct child rooms of roomID.
func (m *Manager) Children(roomID string) ([]Info, error) {
	m.mu.RLock()
	if _, ok := m.rooms[roomID]; !ok {
		m.mu.RUnlock()
		return nil, cnst.ErrRoomNotFound
	}
	var rooms []*room
	for id := range m.children[roomID] {
		if r, ok := m.rooms[id]; ok {
			rooms = append(rooms, r)
		}
	}
	m.mu.RUnlock()
	return snapshots(rooms), nil
}

func snapshots(rooms []*room) []Info {
	out := make([]Info, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		if !r.deleted {
			out = append(out, r.info())
		}
		r.mu.Unlock()
	}
	return out
}

// RoomsOf returns the ids of the rooms a connection belongs to.
func (m *Manager) RoomsOf(connID string) []string {
	m.memMu.Lock()
	defer m.memMu.Unlock()
	ids := make([]string, 0, len(m.memberships[connID]))
	for id := range m.memberships[connID] {
		ids = append(ids, id)
	}
	return ids
}

// ReleaseConnection removes a closing connection from every room it joined.
func (m *Manager) ReleaseConnection(ctx context.Context, connID string) {
	for _, roomID := range m.RoomsOf(connID) {
		if err := m.LeaveRoom(ctx, connID, roomID); err != nil && !errors.Is(err, cnst.ErrNotAMember) && !errors.Is(err, cnst.ErrRoomNotFound) {
			m.logger.Debug("release membership failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *Manager) trackMembership(connID, roomID string, add bool) {
	m.memMu.Lock()
	defer m.memMu.Unlock()
	if add {
		addSet(m.memberships, connID, roomID)
		return
	}
	removeSet(m.memberships, connID, roomID)
}

func addSet(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeSet(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}
