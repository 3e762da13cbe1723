package room

import (
	"fmt"
	"strings"

	"github.com/amoylab/wshub/internal/common/cnst"
)

// Type is the closed set of room kinds. Behaviour per kind lives in behaviors.
type Type int

const (
	TypePublic Type = iota
	TypePrivate
	TypeProtected
	TypeTemporary
	TypePersistent
)

type credential int

const (
	credentialNone credential = iota
	credentialInvite
	credentialPassword
)

type behavior struct {
	name       string
	credential credential
	expires    bool // gets an expires_at and is removed by the janitor
	dropEmpty  bool // removed when the last member leaves
	catalog    bool // saved to the room catalog when one is configured
}

var behaviors = [...]behavior{
	TypePublic:     {name: "public"},
	TypePrivate:    {name: "private", credential: credentialInvite},
	TypeProtected:  {name: "protected", credential: credentialPassword},
	TypeTemporary:  {name: "temporary", expires: true, dropEmpty: true},
	TypePersistent: {name: "persistent", catalog: true},
}

func (t Type) valid() bool {
	return t >= TypePublic && int(t) < len(behaviors)
}

func (t Type) behavior() behavior {
	return behaviors[t]
}

func (t Type) String() string {
	if !t.valid() {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return behaviors[t].name
}

func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TypePublic, nil
	}
	for t, b := range behaviors {
		if b.name == s {
			return Type(t), nil
		}
	}
	return TypePublic, fmt.Errorf("%w: unknown room type %q", cnst.ErrInvalidRoom, s)
}

// Role is a member's rank inside a room. Higher values outrank lower ones.
type Role int

const (
	RoleMember Role = iota
	RoleModerator
	RoleAdmin
	RoleOwner
)

var roleNames = [...]string{"member", "moderator", "admin", "owner"}

func (r Role) String() string {
	if r < RoleMember || r > RoleOwner {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return RoleMember, nil
	}
	for r, name := range roleNames {
		if name == s {
			return Role(r), nil
		}
	}
	return RoleMember, fmt.Errorf("%w: unknown role %q", cnst.ErrInvalidRoom, s)
}

// Action is a moderation action
type Action int

const (
	ActionKick Action = iota
	ActionBan
	ActionUnban
	ActionPromote
	ActionDemote
)

var actions = [...]struct {
	name    string
	minRole Role
}{
	ActionKick:    {"kick", RoleModerator},
	ActionBan:     {"ban", RoleModerator},
	ActionUnban:   {"unban", RoleModerator},
	ActionPromote: {"promote", RoleAdmin},
	ActionDemote:  {"demote", RoleAdmin},
}

func (a Action) String() string {
	if a < ActionKick || int(a) >= len(actions) {
		return fmt.Sprintf("action(%d)", int(a))
	}
	return actions[a].name
}

func (a Action) minRole() Role {
	return actions[a].minRole
}

func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a, def := range actions {
		if def.name == s {
			return Action(a), nil
		}
	}
	return ActionKick, fmt.Errorf("%w: unknown moderation action %q", cnst.ErrInvalidRoom, s)
}

// Reasons carried by DeniedError
const (
	ReasonBanned         = "banned"
	ReasonFull           = "full"
	ReasonInviteRequired = "invite_required"
	ReasonBadPassword    = "bad_password"
	ReasonTenantMismatch = "tenant_mismatch"
	ReasonWrongShard     = "wrong_shard"
	ReasonElevatedRole   = "elevated_role"
)

// DeniedError is returned when a join is refused by room policy
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return "denied: " + e.Reason
}

func (e *DeniedError) Unwrap() error {
	return cnst.ErrDenied
}

func (e *DeniedError) DenyReason() string {
	return e.Reason
}

func denied(reason string) error {
	return &DeniedError{Reason: reason}
}
