package room

import (
	"sort"
	"sync"
	"time"
)

type member struct {
	userID   string
	role     Role
	joinedAt time.Time
}

type room struct {
	mu sync.Mutex

	id           string
	name         string
	typ          Type
	tenantID     string
	parentID     string
	crossTenant  bool
	maxMembers   int
	createdAt    time.Time
	expiresAt    time.Time
	passwordHash []byte
	invites      map[string]time.Time // token -> expiry
	members      map[string]*member   // connection id -> member
	bans         map[string]struct{}  // user ids
	deleted      bool
}

// Info is a snapshot of a room
type Info struct {
	ID          string
	Name        string
	Type        Type
	TenantID    string
	ParentID    string
	CrossTenant bool
	MaxMembers  int
	MemberCount int
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Member is a snapshot of one room member
type Member struct {
	ConnectionID string
	UserID       string
	Role         Role
	JoinedAt     time.Time
}

// caller must hold r.mu
func (r *room) info() Info {
	return Info{
		ID:          r.id,
		Name:        r.name,
		Type:        r.typ,
		TenantID:    r.tenantID,
		ParentID:    r.parentID,
		CrossTenant: r.crossTenant,
		MaxMembers:  r.maxMembers,
		MemberCount: len(r.members),
		CreatedAt:   r.createdAt,
		ExpiresAt:   r.expiresAt,
	}
}

// memberList returns members ordered by join time. caller must hold r.mu
func (r *room) memberList() []Member {
	out := make([]Member, 0, len(r.members))
	for id, m := range r.members {
		out = append(out, Member{ConnectionID: id, UserID: m.userID, Role: m.role, JoinedAt: m.joinedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (r *room) memberIDs() []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

// connectionsOf returns the member connections of a user. caller must hold r.mu
func (r *room) connectionsOf(userID string) []string {
	var ids []string
	for id, m := range r.members {
		if m.userID == userID {
			ids = append(ids, id)
		}
	}
	return ids
}

// successor picks the next owner: highest role, then longest membership.
func (r *room) successor() string {
	var best string
	var bm *member
	for id, m := range r.members {
		if bm == nil || m.role > bm.role || (m.role == bm.role && m.joinedAt.Before(bm.joinedAt)) {
			best, bm = id, m
		}
	}
	return best
}
