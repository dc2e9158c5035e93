package rbac

import (
	"context"
	"sort"
	"strings"
)

type Role string
type Permission string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
)

const (
	PermissionWrite Permission = "room:write"
	PermissionRead  Permission = "room:read"
)

// Grants maps a user key (verified email) to the permissions recorded for that
// user on one room.
type Grants map[string][]Permission

// RoleOf derives the role of userKey from the room's grants. Users without an
// entry are viewers; being allowed to open the room is decided elsewhere.
func RoleOf(grants Grants, userKey string) Role {
	for _, permission := range grants[userKey] {
		if permission == PermissionWrite {
			return RoleEditor
		}
	}
	return RoleViewer
}

// Has reports whether userKey has any entry at all.
func (g Grants) Has(userKey string) bool {
	_, ok := g[userKey]
	return ok
}

// Writers returns the keys holding room:write, sorted.
func (g Grants) Writers() []string {
	writers := make([]string, 0, len(g))
	for key := range g {
		if RoleOf(g, key) == RoleEditor {
			writers = append(writers, key)
		}
	}
	sort.Strings(writers)
	return writers
}

// Keys returns every user key present in the grants, sorted.
func (g Grants) Keys() []string {
	keys := make([]string, 0, len(g))
	for key := range g {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (g Grants) Clone() Grants {
	out := make(Grants, len(g))
	for key, permissions := range g {
		out[key] = append([]Permission(nil), permissions...)
	}
	return out
}

// PermissionsFor is the grant set written when a room is shared with role.
func PermissionsFor(role Role) []Permission {
	if role == RoleEditor {
		return []Permission{PermissionWrite}
	}
	return []Permission{PermissionRead}
}

// NormalizePermissions drops unknown values and duplicates, keeping first-seen order.
func NormalizePermissions(values []Permission) []Permission {
	seen := make(map[Permission]struct{}, len(values))
	out := make([]Permission, 0, len(values))
	for _, value := range values {
		if value != PermissionWrite && value != PermissionRead {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

// ParseRole reads a role as a client sends it. Case and surrounding space are
// ignored; anything but viewer or editor is rejected.
func ParseRole(value string) (Role, bool) {
	switch role := Role(strings.ToLower(strings.TrimSpace(value))); role {
	case RoleViewer, RoleEditor:
		return role, true
	default:
		return "", false
	}
}

// Profile is the display identity the directory returns for a user key.
type Profile struct {
	Key       string
	Name      string
	AvatarURL string
}

// Directory resolves display identities for a batch of user keys.
type Directory interface {
	LookupUsers(ctx context.Context, keys []string) ([]Profile, error)
}

type Collaborator struct {
	Profile
	Role Role
}

// CollaboratorsOf resolves every grantee through the directory and tags each
// with its role. The result keeps the directory's return order.
func CollaboratorsOf(ctx context.Context, grants Grants, directory Directory) ([]Collaborator, error) {
	keys := grants.Keys()
	if len(keys) == 0 {
		return []Collaborator{}, nil
	}
	profiles, err := directory.LookupUsers(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]Collaborator, 0, len(profiles))
	for _, profile := range profiles {
		out = append(out, Collaborator{Profile: profile, Role: RoleOf(grants, profile.Key)})
	}
	return out, nil
}
