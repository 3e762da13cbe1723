package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/amoylab/wshub/internal/auth"
	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/config"
	"github.com/amoylab/wshub/internal/event"
	"github.com/amoylab/wshub/internal/registry"
	"github.com/amoylab/wshub/internal/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSQLiteStore(t *testing.T) *DBStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "rooms.db")
	s, err := NewStore(zap.NewNop(), config.StorageConfig{Type: "sqlite", DSN: dbPath})
	require.NoError(t, err)
	require.NotNil(t, s)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewStore_Disabled(t *testing.T) {
	s, err := NewStore(zap.NewNop(), config.StorageConfig{Type: "none"})
	assert.NoError(t, err)
	assert.Nil(t, s)

	_, err = NewDBStore(zap.NewNop(), "oracle", "")
	assert.ErrorIs(t, err, ErrInvalidDatabaseType)
}

func TestDBStore_SaveListDelete(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	created := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)

	rec := room.Record{
		ID:           "r1",
		Name:         "ops",
		Type:         "persistent",
		TenantID:     "t1",
		MaxMembers:   20,
		PasswordHash: []byte("hash"),
		CreatedAt:    created,
	}
	require.NoError(t, s.SaveRoom(ctx, rec))
	require.NoError(t, s.SaveRoom(ctx, room.Record{ID: "r2", Name: "child", Type: "persistent", TenantID: "t1", ParentID: "r1", CreatedAt: created.Add(time.Minute)}))

	// saving again updates in place
	rec.Name = "operations"
	require.NoError(t, s.SaveRoom(ctx, rec))

	list, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r1", list[0].ID)
	assert.Equal(t, "operations", list[0].Name)
	assert.Equal(t, []byte("hash"), list[0].PasswordHash)
	assert.Equal(t, 20, list[0].MaxMembers)
	assert.True(t, created.Equal(list[0].CreatedAt))
	assert.Equal(t, "r1", list[1].ParentID)

	require.NoError(t, s.DeleteRoom(ctx, "r1"))
	list, err = s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "r2", list[0].ID)
}

func TestDBStore_RestoresPersistentRooms(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	newRooms := func() (*room.Manager, *registry.Registry) {
		reg := registry.New(registry.Options{QueueSize: 8}, zap.NewNop(), nil)
		events := event.NewManager(event.Options{InstanceID: "i1"}, reg, zap.NewNop(), nil)
		rooms := room.NewManager(room.Options{DefaultMaxMembers: 5}, reg, events, zap.NewNop(), nil)
		rooms.SetCatalog(s)
		return rooms, reg
	}

	rooms, reg := newRooms()
	creator, err := reg.Register(ctx, registry.Params{
		Principal: auth.Principal{UserID: "u1", TenantID: "t1", Permissions: []string{cnst.PermRoomCreate}},
	})
	require.NoError(t, err)
	kept, err := rooms.CreateRoom(ctx, room.CreateOptions{Name: "archive", Type: room.TypePersistent, CreatorID: creator, TenantID: "t1"})
	require.NoError(t, err)
	_, err = rooms.CreateRoom(ctx, room.CreateOptions{Name: "lobby", Type: room.TypePublic, CreatorID: creator, TenantID: "t1"})
	require.NoError(t, err)

	restarted, _ := newRooms()
	n, err := restarted.LoadCatalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := restarted.Get(kept.ID)
	require.NoError(t, err)
	assert.Equal(t, "archive", got.Name)
	assert.Equal(t, room.TypePersistent, got.Type)
}
