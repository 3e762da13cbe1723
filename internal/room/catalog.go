package room

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Record is the stored form of a persistent room. Members are not stored;
// they are bound to live connections.
type Record struct {
	ID           string
	Name         string
	Type         string
	TenantID     string
	ParentID     string
	CrossTenant  bool
	MaxMembers   int
	PasswordHash []byte
	CreatedAt    time.Time
}

// Catalog stores persistent rooms across restarts
type Catalog interface {
	SaveRoom(ctx context.Context, rec Record) error
	DeleteRoom(ctx context.Context, id string) error
	ListRooms(ctx context.Context) ([]Record, error)
}

// caller must hold r.mu
func (r *room) record() Record {
	return Record{
		ID:           r.id,
		Name:         r.name,
		Type:         r.typ.String(),
		TenantID:     r.tenantID,
		ParentID:     r.parentID,
		CrossTenant:  r.crossTenant,
		MaxMembers:   r.maxMembers,
		PasswordHash: r.passwordHash,
		CreatedAt:    r.createdAt,
	}
}

// SetCatalog installs the store used for persistent rooms.
func (m *Manager) SetCatalog(c Catalog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog = c
}

func (m *Manager) store() Catalog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.catalog
}

func (m *Manager) save(ctx context.Context, rec Record) {
	c := m.store()
	if c == nil {
		return
	}
	if err := c.SaveRoom(ctx, rec); err != nil {
		m.logger.Warn("failed to save room", zap.String("room_id", rec.ID), zap.Error(err))
	}
}

func (m *Manager) remove(ctx context.Context, id string) {
	c := m.store()
	if c == nil {
		return
	}
	if err := c.DeleteRoom(ctx, id); err != nil {
		m.logger.Warn("failed to delete room", zap.String("room_id", id), zap.Error(err))
	}
}

// LoadCatalog restores persistent rooms saved by a previous run. Rooms of
// tenants this instance does not host are skipped.
func (m *Manager) LoadCatalog(ctx context.Context) (int, error) {
	c := m.store()
	if c == nil {
		return 0, nil
	}
	recs, err := c.ListRooms(ctx)
	if err != nil {
		return 0, err
	}
	shard := m.sharder()

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range recs {
		typ, err := ParseType(rec.Type)
		if err != nil || !typ.behavior().catalog || !shard.OwnsTenant(rec.TenantID) {
			continue
		}
		if _, exists := m.rooms[rec.ID]; exists {
			continue
		}
		m.rooms[rec.ID] = &room{
			id:           rec.ID,
			name:         rec.Name,
			typ:          typ,
			tenantID:     rec.TenantID,
			parentID:     rec.ParentID,
			crossTenant:  rec.CrossTenant,
			maxMembers:   rec.MaxMembers,
			createdAt:    rec.CreatedAt,
			passwordHash: rec.PasswordHash,
			invites:      make(map[string]time.Time),
			members:      make(map[string]*member),
			bans:         make(map[string]struct{}),
		}
		if rec.ParentID != "" {
			addSet(m.children, rec.ParentID, rec.ID)
		}
		n++
	}
	m.metrics.SetRooms(len(m.rooms))
	return n, nil
}
