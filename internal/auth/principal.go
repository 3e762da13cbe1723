package auth

import (
	"slices"

	"github.com/amoylab/wshub/internal/common/cnst"
)

// Principal is the pre-validated identity a connection acts as
type Principal struct {
	UserID      string
	TenantID    string
	Permissions []string
}

func (p Principal) Empty() bool {
	return p.UserID == "" || p.TenantID == ""
}

// Has reports whether the principal holds perm or the wildcard permission.
func (p Principal) Has(perm string) bool {
	return slices.Contains(p.Permissions, cnst.PermWildcard) || slices.Contains(p.Permissions, perm)
}
