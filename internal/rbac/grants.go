package rbac

import "sort"

// Grants is what the resolver knows about a principal. The zero value grants
// nothing and is what every resolver failure collapses to.
type Grants struct {
	Superuser bool
	Admin     bool // holds a role named by the admin-role sentinel

	permissions map[Code]struct{}
}

// NewGrants builds Grants from role-derived permission codes. Blank codes and
// duplicates are dropped.
func NewGrants(codes []string, superuser, admin bool) Grants {
	g := Grants{Superuser: superuser, Admin: admin}
	for _, c := range codes {
		if c == "" {
			continue
		}
		if g.permissions == nil {
			g.permissions = make(map[Code]struct{}, len(codes))
		}
		g.permissions[Code(c)] = struct{}{}
	}
	return g
}

// Has reports whether code was granted through a role.
func (g Grants) Has(code Code) bool {
	if code == "" {
		return false
	}
	_, ok := g.permissions[code]
	return ok
}

// Empty reports whether no permission codes were granted.
func (g Grants) Empty() bool {
	return len(g.permissions) == 0
}

// Codes returns the granted codes in sorted order.
func (g Grants) Codes() []string {
	out := make([]string, 0, len(g.permissions))
	for c := range g.permissions {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}
