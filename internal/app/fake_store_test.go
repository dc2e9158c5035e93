package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"liveroom/api/internal/rbac"
	"liveroom/api/internal/store"
)

// memoryStore is an in-memory dataStore. Function fields override single
// operations for failure cases.
type memoryStore struct {
	mu            sync.Mutex
	rooms         map[string]store.Room
	threads       map[string][]store.Thread
	notifications []store.Notification
	users         map[string]store.User

	createRoomFn func(context.Context, store.Room) error
	pingErr      error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		rooms:   map[string]store.Room{},
		threads: map[string][]store.Thread{},
		users:   map[string]store.User{},
	}
}

func copyRoom(room store.Room) store.Room {
	metadata := make(map[string]any, len(room.Metadata))
	for k, v := range room.Metadata {
		metadata[k] = v
	}
	room.Metadata = metadata
	room.Grants = room.Grants.Clone()
	return room
}

func (m *memoryStore) CreateRoom(ctx context.Context, room store.Room) error {
	if m.createRoomFn != nil {
		if err := m.createRoomFn(ctx, room); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.ID] = copyRoom(room)
	return nil
}

func (m *memoryStore) ListRoomsFor(_ context.Context, userKey string) ([]store.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Room
	for _, room := range m.rooms {
		if room.Grants.Has(userKey) {
			out = append(out, copyRoom(room))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) GetRoom(_ context.Context, roomID string) (store.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return store.Room{}, store.ErrNotFound
	}
	return copyRoom(room), nil
}

func (m *memoryStore) locked(roomID string, authorize store.Authorizer, apply func(room *store.Room)) (store.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.rooms[roomID]
	if !ok {
		return store.Room{}, store.ErrNotFound
	}
	room := copyRoom(current)
	if authorize != nil {
		if err := authorize(copyRoom(room)); err != nil {
			return store.Room{}, err
		}
	}
	apply(&room)
	return room, nil
}

func (m *memoryStore) DeleteRoom(_ context.Context, roomID string, authorize store.Authorizer) error {
	_, err := m.locked(roomID, authorize, func(room *store.Room) {
		delete(m.rooms, room.ID)
		delete(m.threads, room.ID)
		kept := m.notifications[:0]
		for _, n := range m.notifications {
			if n.RoomID != room.ID {
				kept = append(kept, n)
			}
		}
		m.notifications = kept
	})
	return err
}

func (m *memoryStore) SetGrant(_ context.Context, roomID, userKey string, permissions []rbac.Permission, authorize store.Authorizer) (store.Room, error) {
	return m.locked(roomID, authorize, func(room *store.Room) {
		if len(permissions) == 0 {
			delete(room.Grants, userKey)
		} else {
			room.Grants[userKey] = rbac.NormalizePermissions(permissions)
		}
		m.rooms[room.ID] = copyRoom(*room)
	})
}

func (m *memoryStore) UpdateMetadata(_ context.Context, roomID string, patch map[string]any, authorize store.Authorizer) (store.Room, error) {
	return m.locked(roomID, authorize, func(room *store.Room) {
		for k, v := range patch {
			room.Metadata[k] = v
		}
		m.rooms[room.ID] = copyRoom(*room)
	})
}

func (m *memoryStore) ListThreads(_ context.Context, roomID string) ([]store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Thread(nil), m.threads[roomID]...), nil
}

func (m *memoryStore) InsertNotification(_ context.Context, item store.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, item)
	return nil
}

func (m *memoryStore) ListUnreadNotifications(_ context.Context, userKey string) ([]store.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if n.UserKey == userKey && n.ReadAt == nil {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memoryStore) CountUnreadNotifications(_ context.Context, userKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.notifications {
		if n.UserKey == userKey && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (m *memoryStore) MarkNotificationRead(_ context.Context, notificationID, userKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.notifications {
		n := &m.notifications[i]
		if n.ID == notificationID && n.UserKey == userKey {
			if n.ReadAt == nil {
				now := time.Now()
				n.ReadAt = &now
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memoryStore) UpsertUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.Email] = user
	return nil
}

func (m *memoryStore) LookupUsers(_ context.Context, keys []string) ([]rbac.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var known, unknown []rbac.Profile
	for _, key := range keys {
		if user, ok := m.users[key]; ok {
			known = append(known, rbac.Profile{Key: key, Name: user.DisplayName, AvatarURL: user.AvatarURL})
		} else {
			unknown = append(unknown, rbac.Profile{Key: key, Name: key})
		}
	}
	sort.SliceStable(known, func(i, j int) bool { return known[i].Name < known[j].Name })
	return append(known, unknown...), nil
}

func (m *memoryStore) Ping(context.Context) error {
	return m.pingErr
}

func (m *memoryStore) roomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
