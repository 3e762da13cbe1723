package event

import (
	"encoding/json"
	"time"

	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/dto"
	"github.com/google/uuid"
)

// Event is a typed message published to subscribers
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	TenantID    string          `json:"tenant_id"`
	RoomID      string          `json:"room_id,omitempty"`
	Priority    dto.Priority    `json:"priority"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at,omitzero"`
	Persist     bool            `json:"persist,omitempty"`
	CrossTenant bool            `json:"cross_tenant,omitempty"`
	Origin      string          `json:"origin,omitempty"` // instance that accepted the event
}

// Expired reports whether the event is past its expiry at now.
func (e *Event) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Envelope renders the event as the message clients receive.
func (e *Event) Envelope() dto.Envelope {
	env := dto.Envelope{
		ID:        e.ID,
		EventType: e.Type,
		Data:      e.Payload,
		UserID:    e.UserID,
		TenantID:  e.TenantID,
		Room:      e.RoomID,
		Priority:  e.Priority,
		CreatedAt: e.CreatedAt.UnixMilli(),
	}
	if !e.ExpiresAt.IsZero() {
		env.ExpiresAt = e.ExpiresAt.UnixMilli()
	}
	return env
}

func (e *Event) validate() error {
	if e == nil || e.Type == "" || e.TenantID == "" || !e.Priority.Valid() {
		return cnst.ErrInvalidEvent
	}
	return nil
}

// stamp fills in id, creation time and the default expiry.
func (e *Event) stamp(now time.Time, ttl time.Duration) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.ExpiresAt.IsZero() && ttl > 0 {
		e.ExpiresAt = e.CreatedAt.Add(ttl)
	}
}
