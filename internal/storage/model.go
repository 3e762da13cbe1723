package storage

import (
	"time"

	"github.com/amoylab/wshub/internal/room"
)

// Room represents the database model of a persistent room
type Room struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)"`
	Name         string    `gorm:"column:name;type:varchar(128)"`
	Type         string    `gorm:"column:type;type:varchar(16)"`
	TenantID     string    `gorm:"column:tenant_id;type:varchar(64);index:idx_room_tenant"`
	ParentID     string    `gorm:"column:parent_id;type:varchar(64);default:''"`
	CrossTenant  bool      `gorm:"column:cross_tenant"`
	MaxMembers   int       `gorm:"column:max_members"`
	PasswordHash []byte    `gorm:"column:password_hash"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (Room) TableName() string {
	return "rooms"
}

func (m *Room) toRecord() room.Record {
	return room.Record{
		ID:           m.ID,
		Name:         m.Name,
		Type:         m.Type,
		TenantID:     m.TenantID,
		ParentID:     m.ParentID,
		CrossTenant:  m.CrossTenant,
		MaxMembers:   m.MaxMembers,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
	}
}

func fromRecord(rec room.Record) *Room {
	return &Room{
		ID:           rec.ID,
		Name:         rec.Name,
		Type:         rec.Type,
		TenantID:     rec.TenantID,
		ParentID:     rec.ParentID,
		CrossTenant:  rec.CrossTenant,
		MaxMembers:   rec.MaxMembers,
		PasswordHash: rec.PasswordHash,
		CreatedAt:    rec.CreatedAt,
	}
}
