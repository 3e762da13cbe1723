package dto

import "encoding/json"

// PublishRequest is the body of POST /api/v1/events
type PublishRequest struct {
	TenantID    string          `json:"tenant_id" binding:"required"`
	EventType   string          `json:"event_type" binding:"required"`
	Data        json.RawMessage `json:"data"`
	UserID      string          `json:"user_id,omitempty"`
	Room        string          `json:"room,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	Persist     bool            `json:"persist,omitempty"`
	CrossTenant bool            `json:"cross_tenant,omitempty"`
	TTL         int64           `json:"ttl_ms,omitempty"`
}

// PublishResponse reports how many local subscribers received an event
type PublishResponse struct {
	EventID   string `json:"event_id"`
	Delivered int    `json:"delivered"`
	Skipped   int    `json:"skipped"`
}

// BroadcastRequest is the body of POST /api/v1/broadcasts
type BroadcastRequest struct {
	SenderTenant string `json:"sender_tenant" binding:"required"`
	Priority     string `json:"priority,omitempty"`
	Room         string `json:"room,omitempty"`
	BroadcastContent
}

type BroadcastResponse struct {
	TotalTargets int   `json:"total_targets"`
	Delivered    int   `json:"delivered"`
	Failed       int   `json:"failed"`
	Skipped      int   `json:"skipped"`
	DurationMS   int64 `json:"duration_ms"`
}

type InstanceResponse struct {
	InstanceID  string `json:"instance_id"`
	Connections int    `json:"connections"`
	StartedAt   int64  `json:"started_at"`
	LastSeenAt  int64  `json:"last_seen_at"`
}

type RoomResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	TenantID    string `json:"tenant_id"`
	ParentID    string `json:"parent_id,omitempty"`
	CrossTenant bool   `json:"cross_tenant"`
	Members     int    `json:"members"`
	MaxMembers  int    `json:"max_members"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
}
