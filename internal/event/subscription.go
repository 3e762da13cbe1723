package event

import (
	"github.com/amoylab/wshub/internal/common/dto"
)

// Wildcard subscribes to every event type
const Wildcard = "*"

// Filter narrows which events a subscription receives. Empty fields match all.
type Filter struct {
	TenantID    string
	RoomID      string
	UserID      string
	MinPriority dto.Priority
	// CrossTenant opts in to events other tenants publish as cross-tenant.
	// It has no effect while tenant isolation is on.
	CrossTenant bool
}

// Subscription binds a connection to a set of event types
type Subscription struct {
	ID           string
	ConnectionID string
	Types        []string
	Filter       Filter
	tenantID     string
}

func (s *Subscription) wantsType(t string) bool {
	for _, st := range s.Types {
		if st == Wildcard || st == t {
			return true
		}
	}
	return false
}

// matches applies the tenant rule and the filter. The type is checked by the
// index lookup.
func (s *Subscription) matches(e *Event, isolation bool) bool {
	if e.TenantID != s.tenantID {
		if isolation || !e.CrossTenant || !s.Filter.CrossTenant {
			return false
		}
	}
	if s.Filter.TenantID != "" && s.Filter.TenantID != e.TenantID {
		return false
	}
	if s.Filter.RoomID != "" && s.Filter.RoomID != e.RoomID {
		return false
	}
	if s.Filter.UserID != "" && s.Filter.UserID != e.UserID {
		return false
	}
	return e.Priority >= s.Filter.MinPriority
}
