package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleOf(t *testing.T) {
	grants := Grants{
		"alice@x.com": {PermissionWrite},
		"bob@x.com":   {PermissionRead},
		"carol@x.com": {PermissionRead, PermissionWrite},
		"dave@x.com":  {},
	}

	cases := []struct {
		name string
		key  string
		want Role
	}{
		{name: "writer", key: "alice@x.com", want: RoleEditor},
		{name: "reader", key: "bob@x.com", want: RoleViewer},
		{name: "both", key: "carol@x.com", want: RoleEditor},
		{name: "empty set", key: "dave@x.com", want: RoleViewer},
		{name: "absent", key: "erin@x.com", want: RoleViewer},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RoleOf(grants, tc.key))
		})
	}
}

func TestRoleOfIsTotal(t *testing.T) {
	assert.Equal(t, RoleViewer, RoleOf(nil, "alice@x.com"))
	assert.Equal(t, RoleViewer, RoleOf(Grants{}, ""))
}

func TestWritersAndKeys(t *testing.T) {
	grants := Grants{
		"zed@x.com":   {PermissionWrite},
		"bob@x.com":   {PermissionRead},
		"alice@x.com": {PermissionWrite},
	}
	assert.Equal(t, []string{"alice@x.com", "zed@x.com"}, grants.Writers())
	assert.Equal(t, []string{"alice@x.com", "bob@x.com", "zed@x.com"}, grants.Keys())
}

func TestNormalizePermissions(t *testing.T) {
	got := NormalizePermissions([]Permission{"room:read", "room:admin", "room:read", "room:write"})
	assert.Equal(t, []Permission{PermissionRead, PermissionWrite}, got)
}

func TestPermissionsFor(t *testing.T) {
	assert.Equal(t, []Permission{PermissionWrite}, PermissionsFor(RoleEditor))
	assert.Equal(t, []Permission{PermissionRead}, PermissionsFor(RoleViewer))
}

func TestParseRole(t *testing.T) {
	for input, want := range map[string]Role{"viewer": RoleViewer, " Editor ": RoleEditor, "VIEWER": RoleViewer} {
		role, ok := ParseRole(input)
		assert.True(t, ok, input)
		assert.Equal(t, want, role, input)
	}
	for _, input := range []string{"", "owner", "admin", "edit or"} {
		role, ok := ParseRole(input)
		assert.False(t, ok, input)
		assert.Empty(t, role, input)
	}
}

type stubDirectory struct {
	profiles []Profile
	err      error
	asked    []string
}

func (s *stubDirectory) LookupUsers(_ context.Context, keys []string) ([]Profile, error) {
	s.asked = keys
	return s.profiles, s.err
}

func TestCollaboratorsOfKeepsDirectoryOrder(t *testing.T) {
	grants := Grants{
		"alice@x.com": {PermissionWrite},
		"bob@x.com":   {PermissionRead},
	}
	dir := &stubDirectory{profiles: []Profile{
		{Key: "bob@x.com", Name: "Bob"},
		{Key: "alice@x.com", Name: "Alice"},
	}}

	got, err := CollaboratorsOf(context.Background(), grants, dir)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"alice@x.com", "bob@x.com"}, dir.asked)
	assert.Equal(t, "bob@x.com", got[0].Key)
	assert.Equal(t, RoleViewer, got[0].Role)
	assert.Equal(t, "alice@x.com", got[1].Key)
	assert.Equal(t, RoleEditor, got[1].Role)
}

func TestCollaboratorsOfPropagatesDirectoryError(t *testing.T) {
	dir := &stubDirectory{err: errors.New("directory down")}
	_, err := CollaboratorsOf(context.Background(), Grants{"a@x.com": {PermissionRead}}, dir)
	require.Error(t, err)
}

func TestCollaboratorsOfEmptyGrants(t *testing.T) {
	dir := &stubDirectory{}
	got, err := CollaboratorsOf(context.Background(), Grants{}, dir)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Nil(t, dir.asked)
}
