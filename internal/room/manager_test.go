package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amoylab/wshub/internal/auth"
	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/dto"
	"github.com/amoylab/wshub/internal/event"
	"github.com/amoylab/wshub/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	reg    *registry.Registry
	events *event.Manager
	rooms  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New(registry.Options{QueueSize: 64}, zap.NewNop(), nil)
	events := event.NewManager(event.Options{InstanceID: "i1"}, reg, zap.NewNop(), nil)
	rooms := NewManager(Options{DefaultMaxMembers: 10}, reg, events, zap.NewNop(), nil)
	return &fixture{reg: reg, events: events, rooms: rooms}
}

func (f *fixture) connect(t *testing.T, tenant, user string, perms ...string) string {
	t.Helper()
	id, err := f.reg.Register(context.Background(), registry.Params{
		Principal: auth.Principal{UserID: user, TenantID: tenant, Permissions: perms},
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) create(t *testing.T, o CreateOptions) Info {
	t.Helper()
	if o.Name == "" {
		o.Name = "lobby"
	}
	info, err := f.rooms.CreateRoom(context.Background(), o)
	require.NoError(t, err)
	return info
}

func (f *fixture) drain(t *testing.T, connID string) []dto.Envelope {
	t.Helper()
	q, err := f.reg.Outbound(connID)
	require.NoError(t, err)
	var out []dto.Envelope
	for q.Len() > 0 {
		m, err := q.Pop(context.Background())
		require.NoError(t, err)
		var env dto.Envelope
		require.NoError(t, json.Unmarshal(m.Payload, &env))
		out = append(out, env)
	}
	return out
}

func reasonOf(err error) string {
	var d *DeniedError
	if errors.As(err, &d) {
		return d.Reason
	}
	return ""
}

func TestCreateRoom(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "t1", "alice", cnst.PermRoomCreate)
	plain := f.connect(t, "t1", "bob")

	info := f.create(t, CreateOptions{CreatorID: owner, Type: TypePublic})
	assert.Equal(t, "t1", info.TenantID)
	assert.Equal(t, 1, info.MemberCount)
	assert.Equal(t, 10, info.MaxMembers)

	members, err := f.rooms.Members(info.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, RoleOwner, members[0].Role)

	_, err = f.rooms.CreateRoom(context.Background(), CreateOptions{Name: "x", CreatorID: plain})
	assert.ErrorIs(t, err, cnst.ErrForbidden)

	_, err = f.rooms.CreateRoom(context.Background(), CreateOptions{Name: "x", CreatorID: owner, Type: TypeProtected})
	assert.ErrorIs(t, err, cnst.ErrInvalidRoom)

	_, err = f.rooms.CreateRoom(context.Background(), CreateOptions{Name: "x", CreatorID: owner, TenantID: "t2"})
	assert.ErrorIs(t, err, cnst.ErrDenied)
}

func TestCreateRoom_Hierarchy(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "t1", "alice", cnst.PermWildcard)
	b := f.connect(t, "t2", "bob", cnst.PermWildcard)

	parent := f.create(t, CreateOptions{CreatorID: a})
	child := f.create(t, CreateOptions{Name: "child", CreatorID: a, ParentID: parent.ID})
	assert.Equal(t, parent.ID, child.ParentID)

	kids, err := f.rooms.Children(parent.ID)
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, child.ID, kids[0].ID)

	_, err = f.rooms.CreateRoom(context.Background(), CreateOptions{Name: "x", CreatorID: b, ParentID: parent.ID})
	assert.ErrorIs(t, err, cnst.ErrInvalidHierarchy)
	_, err = f.rooms.CreateRoom(context.Background(), CreateOptions{Name: "x", CreatorID: a, ParentID: "missing"})
	assert.ErrorIs(t, err, cnst.ErrInvalidHierarchy)

	// deleting the parent promotes the child to top level
	require.NoError(t, f.rooms.DeleteRoom(context.Background(), a, parent.ID))
	got, err := f.rooms.Get(child.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ParentID)
}

func TestJoinRoom_MaxMembers(t *testing.T) {
	f := newFixture(t)
	creator := f.connect(t, "t1", "owner", cnst.PermRoomCreate)
	a := f.connect(t, "t1", "a")
	b := f.connect(t, "t1", "b")
	c := f.connect(t, "t1", "c")

	r := f.create(t, CreateOptions{CreatorID: creator, MaxMembers: 2})
	require.NoError(t, f.rooms.LeaveRoom(context.Background(), creator, r.ID))

	require.NoError(t, f.rooms.JoinRoom(context.Background(), a, r.ID, JoinOptions{}))
	require.NoError(t, f.rooms.JoinRoom(context.Background(), b, r.ID, JoinOptions{}))

	err := f.rooms.JoinRoom(context.Background(), c, r.ID, JoinOptions{})
	assert.ErrorIs(t, err, cnst.ErrDenied)
	assert.Equal(t, ReasonFull, reasonOf(err))

	// never succeeds while full, however often it is tried
	for range 3 {
		assert.ErrorIs(t, f.rooms.JoinRoom(context.Background(), c, r.ID, JoinOptions{}), cnst.ErrDenied)
	}
	info, _ := f.rooms.Get(r.ID)
	assert.Equal(t, 2, info.MemberCount)
}

func TestJoinRoom_TenantBoundary(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "t1", "a", cnst.PermRoomCreate)
	other := f.connect(t, "t2", "x")

	closed := f.create(t, CreateOptions{CreatorID: a})
	err := f.rooms.JoinRoom(context.Background(), other, closed.ID, JoinOptions{})
	assert.Equal(t, ReasonTenantMismatch, reasonOf(err))

	shared := f.create(t, CreateOptions{Name: "shared", CreatorID: a, CrossTenant: true})
	assert.NoError(t, f.rooms.JoinRoom(context.Background(), other, shared.ID, JoinOptions{}))
}

func TestJoinRoom_Credentials(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "t1", "owner", cnst.PermRoomCreate)
	guest := f.connect(t, "t1", "guest")
	second := f.connect(t, "t1", "second")

	priv := f.create(t, CreateOptions{CreatorID: owner, Type: TypePrivate})
	assert.Equal(t, ReasonInviteRequired, reasonOf(f.rooms.JoinRoom(context.Background(), guest, priv.ID, JoinOptions{})))
	assert.Equal(t, ReasonInviteRequired, reasonOf(f.rooms.JoinRoom(context.Background(), guest, priv.ID, JoinOptions{InviteToken: "forged"})))

	_, err := f.rooms.CreateInvite(context.Background(), guest, priv.ID, time.Hour)
	assert.ErrorIs(t, err, cnst.ErrNotAMember)
	token, err := f.rooms.CreateInvite(context.Background(), owner, priv.ID, time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.rooms.JoinRoom(context.Background(), guest, priv.ID, JoinOptions{InviteToken: token}))
	// single use
	assert.Equal(t, ReasonInviteRequired, reasonOf(f.rooms.JoinRoom(context.Background(), second, priv.ID, JoinOptions{InviteToken: token})))

	prot := f.create(t, CreateOptions{Name: "vault", CreatorID: owner, Type: TypeProtected, Password: "s3cret"})
	assert.Equal(t, ReasonBadPassword, reasonOf(f.rooms.JoinRoom(context.Background(), guest, prot.ID, JoinOptions{})))
	assert.Equal(t, ReasonBadPassword, reasonOf(f.rooms.JoinRoom(context.Background(), guest, prot.ID, JoinOptions{Password: "wrong"})))
	assert.NoError(t, f.rooms.JoinRoom(context.Background(), guest, prot.ID, JoinOptions{Password: "s3cret"}))
}

func TestJoinRoom_ElevatedRole(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "t1", "owner", cnst.PermRoomCreate)
	plain := f.connect(t, "t1", "plain")
	staff := f.connect(t, "t1", "staff", cnst.PermRoomAdmin)
	r := f.create(t, CreateOptions{CreatorID: owner})

	assert.Equal(t, ReasonElevatedRole, reasonOf(f.rooms.JoinRoom(context.Background(), plain, r.ID, JoinOptions{Role: RoleModerator})))
	assert.Equal(t, ReasonElevatedRole, reasonOf(f.rooms.JoinRoom(context.Background(), staff, r.ID, JoinOptions{Role: RoleOwner})))
	require.NoError(t, f.rooms.JoinRoom(context.Background(), staff, r.ID, JoinOptions{Role: RoleAdmin}))
}

func TestLeaveRoom(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "t1", "owner", cnst.PermRoomCreate)
	a := f.connect(t, "t1", "a")
	b := f.connect(t, "t1", "b")
	r := f.create(t, CreateOptions{CreatorID: owner})
	require.NoError(t, f.rooms.JoinRoom(context.Background(), a, r.ID, JoinOptions{}))
	require.NoError(t, f.rooms.JoinRoom(context.Background(), b, r.ID, JoinOptions{}))

	before, _ := f.rooms.Members(r.ID)
	require.NoError(t, f.rooms.LeaveRoom(context.Background(), a, r.ID))
	after, _ := f.rooms.Members(r.ID)
	assert.Len(t, after, len(before)-1)
	for _, m := range after {
		assert.NotEqual(t, a, m.ConnectionID)
	}
	assert.ErrorIs(t, f.rooms.LeaveRoom(context.Background(), a, r.ID), cnst.ErrNotAMember)

	// the owner leaving hands the room over
	require.NoError(t, f.rooms.LeaveRoom(context.Background(), owner, r.ID))
	after, _ = f.rooms.Members(r.ID)
	require.Len(t, after, 1)
	assert.Equal(t, RoleOwner, after[0].Role)
}

func TestTemporaryRooms(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "t1", "owner", cnst.PermRoomCreate)
	member := f.connect(t, "t1", "m")

	empty := f.create(t, CreateOptions{CreatorID: owner, Type: TypeTemporary})
	require.NoError(t, f.rooms.LeaveRoom(context.Background(), owner, empty.ID))
	_, err := f.rooms.Get(empty.ID)
	assert.ErrorIs(t, err, cnst.ErrRoomNotFound)

	expiring := f.create(t, CreateOptions{Name: "call", CreatorID: owner, Type: TypeTemporary, TTL: time.Minute})
	require.NoError(t, f.rooms.JoinRoom(context.Background(), member, expiring.ID, JoinOptions{}))
	assert.Equal(t, 0, f.rooms.Sweep(context.Background(), time.Now()))
	assert.Equal(t, 1, f.rooms.Sweep(context.Background(), time.Now().Add(2*time.Minute)))
	_, err = f.rooms.Get(expiring.ID)
	assert.ErrorIs(t, err, cnst.ErrRoomNotFound)
	assert.Empty(t, f.rooms.RoomsOf(member))

	got := f.drain(t, member)
	require.Len(t, got, 1)
	assert.Equal(t, EventDeleted, got[0].EventType)

	persistent := f.create(t, CreateOptions{Name: "hall", CreatorID: owner, Type: TypePersistent})
	require.NoError(t, f.rooms.LeaveRoom(context.Background(), owner, persistent.ID))
	_, err = f.rooms.Get(persistent.ID)
	assert.NoError(t, err)
}

func TestModerate_KickStopsRoomEvents(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "t1", "owner", cnst.PermRoomCreate)
	mod := f.connect(t, "t1", "mod", cnst.PermRoomAdmin)
	target := f.connect(t, "t1", "m")
	r := f.create(t, CreateOptions{CreatorID: owner})
	require.NoError(t, f.rooms.JoinRoom(context.Background(), mod, r.ID, JoinOptions{Role: RoleModerator}))
	require.NoError(t, f.rooms.JoinRoom(context.Background(), target, r.ID, JoinOptions{}))
	_, err := f.events.Subscribe(target, []string{"chat"}, event.Filter{RoomID: r.ID})
	require.NoError(t, err)

	require.NoError(t, f.rooms.Moderate(context.Background(), mod, r.ID, target, ActionKick))

	members, _ := f.rooms.Members(r.ID)
	for _, m := range members {
		assert.NotEqual(t, target, m.ConnectionID)
	}
	assert.Empty(t, f.events.Subscriptions(target))
	kicked := f.drain(t, target)
	require.Len(t, kicked, 1)
	assert.Equal(t, EventKicked, kicked[0].EventType)

	_, err = f.rooms.SendRoomMessage(context.Background(), owner, r.ID, Message{Type: "chat", Payload: []byte(`"hi"`)})
	require.NoError(t, err)
	_, err = f.events.Publish(context.Background(), &event.Event{Type: "chat", TenantID: "t1", RoomID: r.ID})
	require.NoError(t, err)
	assert.Empty(t, f.drain(t, target))

	_, err = f.rooms.SendRoomMessage(context.Background(), target, r.ID, Message{Type: "chat"})
	assert.ErrorIs(t, err, cnst.ErrNotAMember)
}

func TestModerate_Authority(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "t1", "owner", cnst.PermRoomCreate)
	admin := f.connect(t, "t1", "admin", cnst.PermRoomAdmin)
	mod := f.connect(t, "t1", "mod", cnst.PermRoomAdmin)
	m1 := f.connect(t, "t1", "m1")
	m2 := f.connect(t, "t1", "m2")
	r := f.create(t, CreateOptions{CreatorID: owner})
	ctx := context.Background()
	require.NoError(t, f.rooms.JoinRoom(ctx, admin, r.ID, JoinOptions{Role: RoleAdmin}))
	require.NoError(t, f.rooms.JoinRoom(ctx, mod, r.ID, JoinOptions{Role: RoleModerator}))
	require.NoError(t, f.rooms.JoinRoom(ctx, m1, r.ID, JoinOptions{}))
	require.NoError(t, f.rooms.JoinRoom(ctx, m2, r.ID, JoinOptions{}))

	// members cannot moderate, moderators cannot promote
	assert.ErrorIs(t, f.rooms.Moderate(ctx, m1, r.ID, m2, ActionKick), cnst.ErrInsufficientRole)
	assert.ErrorIs(t, f.rooms.Moderate(ctx, mod, r.ID, m1, ActionPromote), cnst.ErrInsufficientRole)
	// nobody acts on an equal or higher rank
	assert.ErrorIs(t, f.rooms.Moderate(ctx, mod, r.ID, admin, ActionKick), cnst.ErrInsufficientRole)
	assert.ErrorIs(t, f.rooms.Moderate(ctx, admin, r.ID, owner, ActionDemote), cnst.ErrInsufficientRole)

	require.NoError(t, f.rooms.Moderate(ctx, admin, r.ID, m1, ActionPromote))
	// admin cannot lift a moderator to its own rank
	assert.ErrorIs(t, f.rooms.Moderate(ctx, admin, r.ID, m1, ActionPromote), cnst.ErrInsufficientRole)
	require.NoError(t, f.rooms.Moderate(ctx, owner, r.ID, m1, ActionPromote))
	require.NoError(t, f.rooms.Moderate(ctx, owner, r.ID, m1, ActionDemote))

	roles := map[string]Role{}
	members, _ := f.rooms.Members(r.ID)
	for _, m := range members {
		roles[m.ConnectionID] = m.Role
	}
	assert.Equal(t, RoleModerator, roles[m1])

	assert.ErrorIs(t, f.rooms.Moderate(ctx, "stranger", r.ID, m2, ActionKick), cnst.ErrNotAMember)
	assert.ErrorIs(t, f.rooms.Moderate(ctx, mod, "missing", m2, ActionKick), cnst.ErrRoomNotFound)
}

func TestModerate_BanAndUnban(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "t1", "owner", cnst.PermRoomCreate)
	troll := f.connect(t, "t1", "troll")
	trollAgain := f.connect(t, "t1", "troll")
	r := f.create(t, CreateOptions{CreatorID: owner})
	ctx := context.Background()
	require.NoError(t, f.rooms.JoinRoom(ctx, troll, r.ID, JoinOptions{}))
	require.NoError(t, f.rooms.JoinRoom(ctx, trollAgain, r.ID, JoinOptions{}))

	require.NoError(t, f.rooms.Moderate(ctx, owner, r.ID, troll, ActionBan))
	info, _ := f.rooms.Get(r.ID)
	assert.Equal(t, 1, info.MemberCount)

	err := f.rooms.JoinRoom(ctx, troll, r.ID, JoinOptions{})
	assert.Equal(t, ReasonBanned, reasonOf(err))

	require.NoError(t, f.rooms.Moderate(ctx, owner, r.ID, "troll", ActionUnban))
	assert.NoError(t, f.rooms.JoinRoom(ctx, troll, r.ID, JoinOptions{}))
}

func TestReleaseConnection(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "t1", "owner", cnst.PermRoomCreate)
	a := f.connect(t, "t1", "a")
	r1 := f.create(t, CreateOptions{CreatorID: owner})
	r2 := f.create(t, CreateOptions{Name: "second", CreatorID: owner})
	require.NoError(t, f.rooms.JoinRoom(context.Background(), a, r1.ID, JoinOptions{}))
	require.NoError(t, f.rooms.JoinRoom(context.Background(), a, r2.ID, JoinOptions{}))
	assert.Len(t, f.rooms.RoomsOf(a), 2)

	f.rooms.ReleaseConnection(context.Background(), a)
	assert.Empty(t, f.rooms.RoomsOf(a))
	assert.False(t, f.rooms.IsMember(r1.ID, a))
	assert.Len(t, f.rooms.List("t1"), 2)
	assert.Empty(t, f.rooms.List("t2"))
}

func TestConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "t1", "owner", cnst.PermRoomCreate)
	r := f.create(t, CreateOptions{CreatorID: owner, MaxMembers: 5})

	var wg sync.WaitGroup
	for range 20 {
		id := f.connect(t, "t1", "u")
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.rooms.JoinRoom(context.Background(), id, r.ID, JoinOptions{})
		}()
	}
	wg.Wait()
	info, _ := f.rooms.Get(r.ID)
	assert.Equal(t, 5, info.MemberCount)
}

type denyShard struct{}

func (denyShard) OwnsTenant(string) bool { return false }

func TestWrongShard(t *testing.T) {
	f := newFixture(t)
	owner := f.connect(t, "t1", "owner", cnst.PermRoomCreate)
	r := f.create(t, CreateOptions{CreatorID: owner})
	f.rooms.SetSharder(denyShard{})

	_, err := f.rooms.CreateRoom(context.Background(), CreateOptions{Name: "x", CreatorID: owner})
	assert.Equal(t, ReasonWrongShard, reasonOf(err))
	other := f.connect(t, "t1", "o")
	assert.Equal(t, ReasonWrongShard, reasonOf(f.rooms.JoinRoom(context.Background(), other, r.ID, JoinOptions{})))
}
