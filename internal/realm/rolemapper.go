package realm

import (
	"context"
	"sort"
)

// RoleMapper turns a (principal, dn, groups, metadata) tuple into a role
// set when delegated authorization is not configured.
type RoleMapper interface {
	MapRoles(ctx context.Context, principal, dn string, groups []string, metadata map[string]any) ([]string, error)
}

// GroupRoleMapping maps an external group name to the realm roles it
// grants.
type GroupRoleMapping map[string][]string

// ClaimsRoleMapper is the default RoleMapper: it unions the roles granted
// by each of the user's groups with a fixed set of default roles. It never
// performs its own remote lookups; a realm wanting that should configure
// DelegatedAuthorization instead.
type ClaimsRoleMapper struct {
	mapping      GroupRoleMapping
	defaultRoles []string
}

// NewClaimsRoleMapper builds a ClaimsRoleMapper.
func NewClaimsRoleMapper(mapping GroupRoleMapping, defaultRoles ...string) *ClaimsRoleMapper {
	return &ClaimsRoleMapper{mapping: mapping, defaultRoles: defaultRoles}
}

func (m *ClaimsRoleMapper) MapRoles(_ context.Context, _, _ string, groups []string, _ map[string]any) ([]string, error) {
	roleSet := make(map[string]struct{}, len(m.defaultRoles))
	for _, role := range m.defaultRoles {
		roleSet[role] = struct{}{}
	}
	for _, group := range groups {
		for _, role := range m.mapping[group] {
			roleSet[role] = struct{}{}
		}
	}

	roles := make([]string, 0, len(roleSet))
	for role := range roleSet {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles, nil
}
