package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveroom/api/internal/rbac"
)

func TestEditableMatrix(t *testing.T) {
	cases := []struct {
		role   rbac.Role
		status State
		want   bool
	}{
		{rbac.RoleViewer, StateLoaded, false},
		{rbac.RoleEditor, StateLoaded, true},
		{rbac.RoleEditor, StateLoading, false},
		{rbac.RoleViewer, StateLoading, false},
		{rbac.RoleEditor, StateNotLoaded, false},
	}
	for _, tc := range cases {
		m := New("room_1", tc.role)
		m.Apply(ConnectivityReported{Status: tc.status})
		assert.Equal(t, tc.want, m.Editable(), "%s/%s", tc.role, tc.status)
	}
}

func TestConnectivityNeverRegresses(t *testing.T) {
	m := New("room_1", rbac.RoleEditor)
	assert.Equal(t, StateNotLoaded, m.State())

	assert.True(t, m.Apply(ConnectivityReported{Status: StateLoading}))
	assert.True(t, m.Apply(ConnectivityReported{Status: StateLoaded}))
	assert.False(t, m.Apply(ConnectivityReported{Status: StateLoading}))
	assert.False(t, m.Apply(ConnectivityReported{Status: StateNotLoaded}))
	assert.False(t, m.Apply(ConnectivityReported{Status: StateLoaded}))
	assert.False(t, m.Apply(ConnectivityReported{Status: "bogus"}))
	assert.Equal(t, StateLoaded, m.State())
}

func TestDroppedConnectionIsAnOverlay(t *testing.T) {
	m := New("room_1", rbac.RoleEditor)
	m.Apply(ConnectivityReported{Status: StateLoaded})

	assert.True(t, m.Apply(ConnectionDropped{}))
	assert.False(t, m.Apply(ConnectionDropped{}))
	assert.Equal(t, StateLoaded, m.State())
	assert.True(t, m.Surface().Reconnecting)
	assert.True(t, m.Surface().Editable)

	assert.True(t, m.Apply(ConnectionRestored{}))
	assert.False(t, m.Surface().Reconnecting)
}

func TestClosedDiscardsLaterEvents(t *testing.T) {
	m := New("room_1", rbac.RoleEditor)
	released := 0
	m.OnRelease(func() { released++ })
	m.Apply(ConnectivityReported{Status: StateLoaded})

	assert.True(t, m.Apply(ViewClosed{}))
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, 1, released)

	assert.False(t, m.Apply(ConnectivityReported{Status: StateLoaded}))
	assert.False(t, m.Apply(DocumentDeleted{}))
	assert.False(t, m.Apply(ViewClosed{}))
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, 1, released)
	assert.False(t, m.Editable())

	late := false
	m.OnRelease(func() { late = true })
	assert.True(t, late)
}

func TestDeletionIsTerminalFailure(t *testing.T) {
	m := New("room_1", rbac.RoleEditor)
	m.Apply(ConnectivityReported{Status: StateLoaded})

	require.True(t, m.Apply(DocumentDeleted{}))
	assert.Equal(t, StateFailed, m.State())
	assert.NotEqual(t, StateClosed, m.State())
	assert.ErrorIs(t, m.Err(), ErrDocumentDeleted)
	assert.False(t, m.Editable())

	surface := m.Surface()
	assert.Equal(t, "/", surface.NavigateTo)
	assert.False(t, surface.Editable)
	assert.False(t, surface.ShowToolbar)

	assert.False(t, m.Apply(ViewClosed{}))
	assert.Equal(t, StateFailed, m.State())
}

func TestCollaboratorFailure(t *testing.T) {
	m := New("room_1", rbac.RoleViewer)
	boom := errors.New("engine crashed")

	require.True(t, m.Apply(CollaboratorFailed{Err: boom}))
	assert.Equal(t, StateFailed, m.State())
	assert.ErrorIs(t, m.Err(), boom)
	assert.Empty(t, m.Surface().NavigateTo)
	assert.Equal(t, "engine crashed", m.Surface().Error)

	n := New("room_2", rbac.RoleViewer)
	n.Apply(CollaboratorFailed{})
	assert.Error(t, n.Err())
}

func TestSurfaceByRole(t *testing.T) {
	loading := New("room_1", rbac.RoleEditor)
	loading.Apply(ConnectivityReported{Status: StateLoading})
	s := loading.Surface()
	assert.True(t, s.Placeholder)
	assert.False(t, s.Editable)
	assert.False(t, s.ShowToolbar)

	editor := New("room_1", rbac.RoleEditor)
	editor.Apply(ConnectivityReported{Status: StateLoaded})
	s = editor.Surface()
	assert.False(t, s.Placeholder)
	assert.True(t, s.Editable)
	assert.True(t, s.ShowToolbar)
	assert.True(t, s.ShowComposer)
	assert.True(t, s.ShowDeleteAction)
	assert.Empty(t, s.ReadOnlyNotice)

	viewer := New("room_1", rbac.RoleViewer)
	viewer.Apply(ConnectivityReported{Status: StateLoaded})
	s = viewer.Surface()
	assert.True(t, s.ReadOnly)
	assert.False(t, s.Editable)
	assert.False(t, s.ShowToolbar)
	assert.False(t, s.ShowComposer)
	assert.False(t, s.ShowDeleteAction)
	assert.Equal(t, ReadOnlyNotice, s.ReadOnlyNotice)
}

func TestEditorOptionsFollowRoleOnly(t *testing.T) {
	viewer := New("room_1", rbac.RoleViewer)
	viewer.Apply(ConnectivityReported{Status: StateLoaded})
	assert.Equal(t, EditorOptions{DocumentID: "room_1", Editable: false}, viewer.EditorOptions())

	editor := New("room_1", rbac.RoleEditor)
	assert.Equal(t, EditorOptions{DocumentID: "room_1", Editable: true}, editor.EditorOptions())

	unknown := New("room_1", rbac.Role("owner"))
	assert.Equal(t, rbac.RoleViewer, unknown.Role())
}
