package auth

import "sort"

// RoleSet is an immutable set of valid roles. The zero value is empty and
// denies every check.
type RoleSet struct {
	roles map[Role]struct{}
}

// NewRoleSet builds a set, silently dropping invalid roles.
func NewRoleSet(roles ...Role) RoleSet {
	set := RoleSet{roles: make(map[Role]struct{}, len(roles))}
	for _, r := range roles {
		if r.Valid() {
			set.roles[r] = struct{}{}
		}
	}
	return set
}

// RoleSetFromStrings parses names leniently; malformed entries are dropped.
func RoleSetFromStrings(names []string) RoleSet {
	roles := make([]Role, 0, len(names))
	for _, n := range names {
		if r, err := ParseRole(n); err == nil {
			roles = append(roles, r)
		}
	}
	return NewRoleSet(roles...)
}

func (s RoleSet) Empty() bool { return len(s.roles) == 0 }

func (s RoleSet) Has(r Role) bool {
	if !r.Valid() {
		return false
	}
	_, ok := s.roles[r]
	return ok
}

func (s RoleSet) HasAny(roles ...Role) bool {
	for _, r := range roles {
		if s.Has(r) {
			return true
		}
	}
	return false
}

// Highest returns the highest-ranked role in the set.
func (s RoleSet) Highest() (Role, bool) {
	var best Role
	for r := range s.roles {
		if r.Rank() > best.Rank() {
			best = r
		}
	}
	return best, best.Valid()
}

// Rank is the rank of the highest role, 0 for an empty set.
func (s RoleSet) Rank() int {
	r, _ := s.Highest()
	return r.Rank()
}

// Satisfies reports whether the highest role ranks at least min.
func (s RoleSet) Satisfies(min Role) bool {
	if !min.Valid() {
		return false
	}
	return s.Rank() >= min.Rank()
}

// Roles returns the members ordered by rank, highest first.
func (s RoleSet) Roles() []Role {
	out := make([]Role, 0, len(s.roles))
	for r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() > out[j].Rank() })
	return out
}

func (s RoleSet) Strings() []string {
	roles := s.Roles()
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
