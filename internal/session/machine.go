// Package session gates a single document view's editing surface from the
// realtime engine's connectivity reports and the viewer's role.
//
// A Machine is owned by exactly one goroutine; it is not safe for concurrent
// use.
package session

import (
	"errors"

	"liveroom/api/internal/rbac"
)

type State string

const (
	StateNotLoaded State = "not-loaded"
	StateLoading   State = "loading"
	StateLoaded    State = "loaded"
	StateClosed    State = "closed"
	StateFailed    State = "failed"
)

const ReadOnlyNotice = "You're viewing in read-only mode. Ask the owner for edit access to make changes."

var ErrDocumentDeleted = errors.New("document deleted")

// Event is one of ConnectivityReported, ConnectionDropped, ConnectionRestored,
// DocumentDeleted, CollaboratorFailed or ViewClosed.
type Event interface {
	sessionEvent()
}

// ConnectivityReported carries the engine's status. Only not-loaded, loading
// and loaded are meaningful here.
type ConnectivityReported struct {
	Status State
}

type ConnectionDropped struct{}

type ConnectionRestored struct{}

type DocumentDeleted struct{}

type CollaboratorFailed struct {
	Err error
}

type ViewClosed struct{}

func (ConnectivityReported) sessionEvent() {}
func (ConnectionDropped) sessionEvent()    {}
func (ConnectionRestored) sessionEvent()   {}
func (DocumentDeleted) sessionEvent()      {}
func (CollaboratorFailed) sessionEvent()   {}
func (ViewClosed) sessionEvent()           {}

type Machine struct {
	documentID   string
	role         rbac.Role
	state        State
	reconnecting bool
	err          error
	release      []func()
}

func New(documentID string, role rbac.Role) *Machine {
	if role != rbac.RoleEditor {
		role = rbac.RoleViewer
	}
	return &Machine{documentID: documentID, role: role, state: StateNotLoaded}
}

// OnRelease registers fn to run once when the machine reaches a terminal
// state. Registering on a terminal machine runs fn immediately.
func (m *Machine) OnRelease(fn func()) {
	if m.Terminal() {
		fn()
		return
	}
	m.release = append(m.release, fn)
}

func (m *Machine) DocumentID() string { return m.documentID }
func (m *Machine) Role() rbac.Role    { return m.role }
func (m *Machine) State() State       { return m.state }
func (m *Machine) Err() error         { return m.err }
func (m *Machine) Reconnecting() bool { return m.reconnecting }

func (m *Machine) Terminal() bool {
	return m.state == StateClosed || m.state == StateFailed
}

// Editable reports whether edits may be sent right now.
func (m *Machine) Editable() bool {
	return m.role == rbac.RoleEditor && m.state == StateLoaded
}

// Apply feeds one event through the transition table and reports whether it
// changed anything. Connectivity only moves forward; events after a terminal
// state are dropped.
func (m *Machine) Apply(ev Event) bool {
	if m.Terminal() {
		return false
	}

	switch e := ev.(type) {
	case ConnectivityReported:
		next, ok := rank[e.Status]
		if !ok || next <= rank[m.state] {
			return false
		}
		m.state = e.Status
		return true
	case ConnectionDropped:
		if m.reconnecting {
			return false
		}
		m.reconnecting = true
		return true
	case ConnectionRestored:
		if !m.reconnecting {
			return false
		}
		m.reconnecting = false
		return true
	case DocumentDeleted:
		m.finish(StateFailed, ErrDocumentDeleted)
		return true
	case CollaboratorFailed:
		err := e.Err
		if err == nil {
			err = errors.New("collaborator failed")
		}
		m.finish(StateFailed, err)
		return true
	case ViewClosed:
		m.finish(StateClosed, nil)
		return true
	}
	return false
}

var rank = map[State]int{
	StateNotLoaded: 0,
	StateLoading:   1,
	StateLoaded:    2,
}

func (m *Machine) finish(state State, err error) {
	m.state = state
	m.err = err
	m.reconnecting = false
	release := m.release
	m.release = nil
	for _, fn := range release {
		fn()
	}
}

// EditorOptions is what the realtime engine is initialised with. Viewers get
// a non-editable engine session regardless of what the surface shows.
type EditorOptions struct {
	DocumentID string `json:"documentId"`
	Editable   bool   `json:"editable"`
}

func (m *Machine) EditorOptions() EditorOptions {
	return EditorOptions{DocumentID: m.documentID, Editable: m.role == rbac.RoleEditor}
}

// Surface lists what the view may render for the current state.
type Surface struct {
	State            State  `json:"state"`
	Role             string `json:"role"`
	Placeholder      bool   `json:"placeholder"`
	Editable         bool   `json:"editable"`
	ReadOnly         bool   `json:"readOnly"`
	ShowToolbar      bool   `json:"showToolbar"`
	ShowComposer     bool   `json:"showComposer"`
	ShowDeleteAction bool   `json:"showDeleteAction"`
	ReadOnlyNotice   string `json:"readOnlyNotice,omitempty"`
	Reconnecting     bool   `json:"reconnecting"`
	NavigateTo       string `json:"navigateTo,omitempty"`
	Error            string `json:"error,omitempty"`
}

func (m *Machine) Surface() Surface {
	s := Surface{State: m.state, Role: string(m.role)}

	switch m.state {
	case StateNotLoaded, StateLoading:
		s.Placeholder = true
		s.Reconnecting = m.reconnecting
	case StateLoaded:
		s.Reconnecting = m.reconnecting
		if m.role == rbac.RoleEditor {
			s.Editable = true
			s.ShowToolbar = true
			s.ShowComposer = true
			s.ShowDeleteAction = true
		} else {
			s.ReadOnly = true
			s.ReadOnlyNotice = ReadOnlyNotice
		}
	case StateFailed:
		if errors.Is(m.err, ErrDocumentDeleted) {
			s.NavigateTo = "/"
		}
		if m.err != nil {
			s.Error = m.err.Error()
		}
	}
	return s
}
