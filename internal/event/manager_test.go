package event

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amoylab/wshub/internal/auth"
	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/dto"
	"github.com/amoylab/wshub/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingRelay struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recordingRelay) RelayEvent(_ context.Context, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func newTestManager(t *testing.T, opts Options) (*Manager, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Options{QueueSize: 64}, zap.NewNop(), nil)
	if opts.InstanceID == "" {
		opts.InstanceID = "i1"
	}
	return NewManager(opts, reg, zap.NewNop(), nil), reg
}

func connect(t *testing.T, reg *registry.Registry, tenant, user string) string {
	t.Helper()
	id, err := reg.Register(context.Background(), registry.Params{
		Principal: auth.Principal{UserID: user, TenantID: tenant},
	})
	require.NoError(t, err)
	return id
}

// received drains whatever is queued for a connection.
func received(t *testing.T, reg *registry.Registry, connID string) []dto.Envelope {
	t.Helper()
	q, err := reg.Outbound(connID)
	require.NoError(t, err)
	var out []dto.Envelope
	for q.Len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		m, err := q.Pop(ctx)
		cancel()
		if err != nil {
			break
		}
		var env dto.Envelope
		require.NoError(t, json.Unmarshal(m.Payload, &env))
		out = append(out, env)
	}
	return out
}

func TestPublish_TenantScoped(t *testing.T) {
	m, reg := newTestManager(t, Options{TenantIsolation: true})
	a := connect(t, reg, "A", "u1")
	b := connect(t, reg, "B", "u2")
	_, err := m.Subscribe(a, []string{"order.created"}, Filter{})
	require.NoError(t, err)
	_, err = m.Subscribe(b, []string{"order.created"}, Filter{})
	require.NoError(t, err)

	res, err := m.Publish(context.Background(), &Event{
		Type:     "order.created",
		TenantID: "A",
		Payload:  json.RawMessage(`{"id":7}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	gotA := received(t, reg, a)
	require.Len(t, gotA, 1)
	assert.Equal(t, "order.created", gotA[0].EventType)
	assert.Equal(t, "A", gotA[0].TenantID)
	assert.JSONEq(t, `{"id":7}`, string(gotA[0].Data))
	assert.Empty(t, received(t, reg, b))
}

func TestPublish_CrossTenant(t *testing.T) {
	ev := func() *Event { return &Event{Type: "notice", TenantID: "A", CrossTenant: true} }

	// isolation ignores the cross-tenant flag
	m, reg := newTestManager(t, Options{TenantIsolation: true})
	b := connect(t, reg, "B", "u")
	_, err := m.Subscribe(b, []string{"notice"}, Filter{CrossTenant: true})
	require.NoError(t, err)
	res, err := m.Publish(context.Background(), ev())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Delivered)

	m, reg = newTestManager(t, Options{TenantIsolation: false})
	optedIn := connect(t, reg, "B", "u")
	optedOut := connect(t, reg, "C", "u")
	_, err = m.Subscribe(optedIn, []string{"notice"}, Filter{CrossTenant: true})
	require.NoError(t, err)
	_, err = m.Subscribe(optedOut, []string{"notice"}, Filter{})
	require.NoError(t, err)
	res, err = m.Publish(context.Background(), ev())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Len(t, received(t, reg, optedIn), 1)
	assert.Empty(t, received(t, reg, optedOut))
}

func TestPublish_Filters(t *testing.T) {
	m, reg := newTestManager(t, Options{})
	all := connect(t, reg, "A", "u1")
	room := connect(t, reg, "A", "u2")
	user := connect(t, reg, "A", "u3")
	urgent := connect(t, reg, "A", "u4")

	_, err := m.Subscribe(all, []string{Wildcard, "chat"}, Filter{})
	require.NoError(t, err)
	_, err = m.Subscribe(room, []string{"chat"}, Filter{RoomID: "r1"})
	require.NoError(t, err)
	_, err = m.Subscribe(user, []string{"chat"}, Filter{UserID: "bob"})
	require.NoError(t, err)
	_, err = m.Subscribe(urgent, []string{"chat"}, Filter{MinPriority: dto.PriorityHigh})
	require.NoError(t, err)

	_, err = m.Publish(context.Background(), &Event{Type: "chat", TenantID: "A", RoomID: "r1", UserID: "alice"})
	require.NoError(t, err)
	_, err = m.Publish(context.Background(), &Event{Type: "chat", TenantID: "A", UserID: "bob", Priority: dto.PriorityCritical})
	require.NoError(t, err)

	// wildcard plus explicit type still delivers once per event
	assert.Len(t, received(t, reg, all), 2)
	assert.Len(t, received(t, reg, room), 1)
	assert.Len(t, received(t, reg, user), 1)
	assert.Len(t, received(t, reg, urgent), 1)
}

func TestPublish_Validation(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxMessageSize: 128})
	ctx := context.Background()

	_, err := m.Publish(ctx, &Event{TenantID: "A"})
	assert.ErrorIs(t, err, cnst.ErrInvalidEvent)

	big := json.RawMessage(`"` + strings.Repeat("a", 200) + `"`)
	_, err = m.Publish(ctx, &Event{Type: "x", TenantID: "A", Payload: big})
	assert.ErrorIs(t, err, cnst.ErrMessageTooLarge)
}

func TestPublish_DropsExpired(t *testing.T) {
	m, reg := newTestManager(t, Options{EnablePersistence: true})
	relay := &recordingRelay{}
	m.SetRelay(relay)
	a := connect(t, reg, "A", "u1")
	_, err := m.Subscribe(a, []string{Wildcard}, Filter{})
	require.NoError(t, err)
	stale := time.Now().Add(-time.Second)

	res, err := m.Publish(context.Background(), &Event{Type: "x", TenantID: "A", Persist: true, ExpiresAt: stale})
	require.NoError(t, err)
	assert.NotEmpty(t, res.EventID)
	assert.Zero(t, res.Delivered)
	assert.Zero(t, res.Skipped)

	res, err = m.DeliverLocal(context.Background(), &Event{Type: "x", TenantID: "A", Origin: "i2", ExpiresAt: stale})
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)

	res, err = m.PublishTo(context.Background(), &Event{Type: "x", TenantID: "A", ExpiresAt: stale}, []string{a})
	require.NoError(t, err)
	assert.Zero(t, res.Matched)

	assert.Empty(t, received(t, reg, a))
	assert.Empty(t, relay.events)
	assert.Nil(t, m.buffer("A", false))
}

func TestPublish_StampsDefaults(t *testing.T) {
	m, _ := newTestManager(t, Options{MessageTTL: time.Minute})
	ev := &Event{Type: "x", TenantID: "A"}
	_, err := m.Publish(context.Background(), ev)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.CreatedAt.IsZero())
	assert.Equal(t, ev.CreatedAt.Add(time.Minute), ev.ExpiresAt)
	assert.Equal(t, "i1", ev.Origin)
}

func TestPublish_RelaysOnlyLocalEvents(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	relay := &recordingRelay{}
	m.SetRelay(relay)

	_, err := m.Publish(context.Background(), &Event{Type: "x", TenantID: "A"})
	require.NoError(t, err)
	_, err = m.DeliverLocal(context.Background(), &Event{Type: "x", TenantID: "A", Origin: "i2"})
	require.NoError(t, err)
	_, err = m.Publish(context.Background(), &Event{Type: "x", TenantID: "A", Origin: "i2"})
	require.NoError(t, err)

	assert.Len(t, relay.events, 1)
}

func TestPublishTo(t *testing.T) {
	m, reg := newTestManager(t, Options{})
	a := connect(t, reg, "A", "u1")
	b := connect(t, reg, "A", "u2")

	res, err := m.PublishTo(context.Background(), &Event{Type: "room.msg", TenantID: "A", RoomID: "r1"}, []string{a, b, a, "gone"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Matched)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 1, res.Skipped)
	got := received(t, reg, a)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].Room)
}

func TestSubscriptions_Lifecycle(t *testing.T) {
	m, reg := newTestManager(t, Options{})
	a := connect(t, reg, "A", "u1")

	_, err := m.Subscribe("missing", []string{"x"}, Filter{})
	assert.ErrorIs(t, err, cnst.ErrUnknownConnection)
	_, err = m.Subscribe(a, nil, Filter{})
	assert.ErrorIs(t, err, cnst.ErrInvalidEvent)

	s1, err := m.Subscribe(a, []string{"x", "x"}, Filter{RoomID: "r1"})
	require.NoError(t, err)
	_, err = m.Subscribe(a, []string{"y"}, Filter{})
	require.NoError(t, err)
	subs := m.Subscriptions(a)
	require.Len(t, subs, 2)

	assert.Equal(t, 1, m.UnsubscribeRoom(a, "r1"))
	assert.ErrorIs(t, m.Unsubscribe(s1), cnst.ErrUnknownSubscription)
	assert.Equal(t, 1, m.SubscriptionCount())

	m.ReleaseConnection(a)
	assert.Equal(t, 0, m.SubscriptionCount())
	assert.Empty(t, m.byType)
}

func TestPersistAndReplay(t *testing.T) {
	m, reg := newTestManager(t, Options{EnablePersistence: true})
	base := time.Now()
	m.now = func() time.Time { return base }

	before := &Event{Type: "x", TenantID: "A", Persist: true, CreatedAt: base.Add(-2 * time.Second)}
	after1 := &Event{Type: "x", TenantID: "A", Persist: true, CreatedAt: base.Add(time.Second)}
	after2 := &Event{Type: "y", TenantID: "A", Persist: true, CreatedAt: base.Add(2 * time.Second)}
	other := &Event{Type: "x", TenantID: "B", Persist: true, CreatedAt: base.Add(time.Second)}
	transient := &Event{Type: "x", TenantID: "A", CreatedAt: base.Add(time.Second)}
	for _, ev := range []*Event{before, after1, after2, other, transient} {
		_, err := m.Publish(context.Background(), ev)
		require.NoError(t, err)
	}

	c := connect(t, reg, "A", "u1")
	it, err := m.Replay(c, base)
	require.NoError(t, err)

	var ids []string
	for ev := range it.All() {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{after1.ID, after2.ID}, ids)

	// the sequence is finite and restartable
	assert.False(t, it.Next())
	it.Reset()
	require.True(t, it.Next())
	assert.Equal(t, after1.ID, it.Event().ID)

	n, err := m.ReplayTo(context.Background(), c, base)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got := received(t, reg, c)
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].EventType)

	_, err = m.Replay("missing", base)
	assert.ErrorIs(t, err, cnst.ErrUnknownConnection)
}

type memberSet map[string]bool

func (s memberSet) IsMember(roomID, connID string) bool {
	return s[roomID+"/"+connID]
}

func TestReplay_RoomEventsRequireMembership(t *testing.T) {
	m, reg := newTestManager(t, Options{EnablePersistence: true})
	base := time.Now()
	m.now = func() time.Time { return base }

	plain := &Event{Type: "notice", TenantID: "A", Persist: true, CreatedAt: base.Add(time.Second)}
	chat := &Event{Type: "chat", TenantID: "A", RoomID: "r1", Persist: true, CreatedAt: base.Add(2 * time.Second)}
	for _, ev := range []*Event{plain, chat} {
		_, err := m.Publish(context.Background(), ev)
		require.NoError(t, err)
	}
	member := connect(t, reg, "A", "member")
	kicked := connect(t, reg, "A", "kicked")
	outsider := connect(t, reg, "A", "outsider")

	replayed := func(connID string) []string {
		t.Helper()
		it, err := m.Replay(connID, base)
		require.NoError(t, err)
		var types []string
		for ev := range it.All() {
			types = append(types, ev.Type)
		}
		return types
	}

	// without a membership source room events stay hidden
	assert.Equal(t, []string{"notice"}, replayed(member))

	rooms := memberSet{"r1/" + member: true, "r1/" + kicked: true}
	m.SetMembership(rooms)
	assert.Equal(t, []string{"notice", "chat"}, replayed(member))
	assert.Equal(t, []string{"notice"}, replayed(outsider))

	delete(rooms, "r1/"+kicked)
	n, err := m.ReplayTo(context.Background(), kicked, base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got := received(t, reg, kicked)
	require.Len(t, got, 1)
	assert.Equal(t, "notice", got[0].EventType)

	// the tenant view is not filtered per connection
	it := m.ReplayTenant("A", base)
	var all int
	for range it.All() {
		all++
	}
	assert.Equal(t, 2, all)
}

func TestReplay_SkipsExpired(t *testing.T) {
	m, reg := newTestManager(t, Options{EnablePersistence: true})
	base := time.Now()
	m.now = func() time.Time { return base }

	short := &Event{Type: "x", TenantID: "A", Persist: true, CreatedAt: base, ExpiresAt: base.Add(time.Second)}
	long := &Event{Type: "x", TenantID: "A", Persist: true, CreatedAt: base, ExpiresAt: base.Add(time.Hour)}
	for _, ev := range []*Event{short, long} {
		_, err := m.Publish(context.Background(), ev)
		require.NoError(t, err)
	}

	m.now = func() time.Time { return base.Add(2 * time.Second) }
	c := connect(t, reg, "A", "u1")
	it, err := m.Replay(c, base.Add(-time.Minute))
	require.NoError(t, err)
	var ids []string
	for ev := range it.All() {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{long.ID}, ids)

	assert.Equal(t, 1, m.Purge(base.Add(2*time.Second)))
	assert.Equal(t, 1, m.buffer("A", false).len())
}

func TestPersist_DisabledAndBounded(t *testing.T) {
	m, _ := newTestManager(t, Options{EnablePersistence: false})
	m.Persist(&Event{Type: "x", TenantID: "A"})
	assert.Nil(t, m.buffer("A", false))

	m, _ = newTestManager(t, Options{EnablePersistence: true, ReplayBufferSize: 2})
	for range 5 {
		m.Persist(&Event{Type: "x", TenantID: "A", CreatedAt: time.Now()})
	}
	assert.Equal(t, 2, m.buffer("A", false).len())
}
