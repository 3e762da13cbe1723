package dto

import "encoding/json"

// Inbound message types accepted on a websocket connection
const (
	MsgTypePing        = "ping"
	MsgTypeSubscribe   = "subscribe"
	MsgTypeUnsubscribe = "unsubscribe"
	MsgTypePublish     = "publish"
	MsgTypeCreateRoom  = "create_room"
	MsgTypeJoin        = "join"
	MsgTypeLeave       = "leave"
	MsgTypeRoomMessage = "room_message"
	MsgTypeModerate    = "moderate"
	MsgTypeInvite      = "invite"
	MsgTypeReplay      = "replay"
	MsgTypeBroadcast   = "broadcast"
)

// Control event types sent back to clients
const (
	EventTypeAck   = "ack"
	EventTypeError = "error"
	EventTypePong  = "pong"
)

// Inbound is the envelope a client sends. Content is decoded according to Type.
type Inbound struct {
	Type      string          `json:"type"`
	Room      string          `json:"room,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Envelope is the message written to a client
type Envelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	TenantID  string          `json:"tenant_id"`
	Room      string          `json:"room,omitempty"`
	Priority  Priority        `json:"priority"`
	CreatedAt int64           `json:"created_at"`           // unix milliseconds
	ExpiresAt int64           `json:"expires_at,omitempty"` // unix milliseconds
}

// Ack acknowledges an inbound request
type Ack struct {
	RequestID string `json:"request_id,omitempty"`
	Type      string `json:"type"`
	Result    any    `json:"result,omitempty"`
}

type SubscribeContent struct {
	Types       []string `json:"types"`
	Room        string   `json:"room,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
	MinPriority string   `json:"min_priority,omitempty"`
	CrossTenant bool     `json:"cross_tenant,omitempty"`
}

type UnsubscribeContent struct {
	SubscriptionID string `json:"subscription_id"`
}

type PublishContent struct {
	EventType   string          `json:"event_type"`
	Data        json.RawMessage `json:"data"`
	Persist     bool            `json:"persist,omitempty"`
	CrossTenant bool            `json:"cross_tenant,omitempty"`
	TTL         int64           `json:"ttl_ms,omitempty"`
}

type CreateRoomContent struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Parent      string `json:"parent,omitempty"`
	MaxMembers  int    `json:"max_members,omitempty"`
	Password    string `json:"password,omitempty"`
	CrossTenant bool   `json:"cross_tenant,omitempty"`
	TTL         int64  `json:"ttl_ms,omitempty"`
}

type JoinContent struct {
	Role        string `json:"role,omitempty"`
	Password    string `json:"password,omitempty"`
	InviteToken string `json:"invite_token,omitempty"`
}

type RoomMessageContent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Persist   bool            `json:"persist,omitempty"`
}

type ModerateContent struct {
	Target string `json:"target"` // connection id of the member
	Action string `json:"action"`
}

type InviteContent struct {
	TTL int64 `json:"ttl_ms,omitempty"`
}

type ReplayContent struct {
	Since int64 `json:"since"` // unix milliseconds
}

type BroadcastContent struct {
	EventType  string            `json:"event_type"`
	Data       json.RawMessage   `json:"data"`
	Mode       string            `json:"mode,omitempty"`
	TenantIDs  []string          `json:"tenant_ids,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	MinAge     int64             `json:"min_age_ms,omitempty"`
	MaxTargets int               `json:"max_targets,omitempty"`
	LocalOnly  bool              `json:"local_only,omitempty"`
}
