package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"liveroom/api/internal/listing"
	"liveroom/api/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// CreateRoom inserts the room and its initial grants in one transaction.
func (s *PostgresStore) CreateRoom(ctx context.Context, room Room) error {
	metadata, err := encodeMetadata(room.Metadata)
	if err != nil {
		return err
	}
	var createdAt any
	if ms, ok := room.CreatedAt.Millis(); ok {
		createdAt = time.UnixMilli(ms).UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create room: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (id, metadata, created_at)
		VALUES ($1, $2, $3)
	`, room.ID, metadata, createdAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert room: %w", err)
	}
	for _, key := range room.Grants.Keys() {
		if err := insertGrant(ctx, tx, room.ID, key, room.Grants[key]); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create room: %w", err)
	}
	return nil
}

const roomColumns = `r.id, r.metadata, r.created_at, r.legacy_created_at, g.user_key, g.permission`

// ListRoomsFor returns every room userKey holds any grant on, each with its
// full grant set. Order is unspecified.
func (s *PostgresStore) ListRoomsFor(ctx context.Context, userKey string) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roomColumns+`
		FROM rooms r
		LEFT JOIN room_grants g ON g.room_id = r.id
		WHERE r.id IN (SELECT room_id FROM room_grants WHERE user_key = $1)
		ORDER BY r.id, g.user_key, g.permission
	`, userKey)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms, err := scanRooms(rows)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// ListAllRooms feeds search reindexing.
func (s *PostgresStore) ListAllRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roomColumns+`
		FROM rooms r
		LEFT JOIN room_grants g ON g.room_id = r.id
		ORDER BY r.id, g.user_key, g.permission
	`)
	if err != nil {
		return nil, fmt.Errorf("list all rooms: %w", err)
	}
	defer rows.Close()

	rooms, err := scanRooms(rows)
	if err != nil {
		return nil, fmt.Errorf("list all rooms: %w", err)
	}
	return rooms, nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roomColumns+`
		FROM rooms r
		LEFT JOIN room_grants g ON g.room_id = r.id
		WHERE r.id = $1
		ORDER BY g.user_key, g.permission
	`, roomID)
	if err != nil {
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	defer rows.Close()

	rooms, err := scanRooms(rows)
	if err != nil {
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	if len(rooms) == 0 {
		return Room{}, ErrNotFound
	}
	return rooms[0], nil
}

// DeleteRoom locks the room row, asks authorize, then deletes it. Grants,
// threads and notifications go with it through ON DELETE CASCADE. A second
// concurrent delete blocks on the lock and then sees ErrNotFound.
func (s *PostgresStore) DeleteRoom(ctx context.Context, roomID string, authorize Authorizer) error {
	return s.withLockedRoom(ctx, roomID, authorize, func(tx *sql.Tx, _ *Room) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, roomID); err != nil {
			return fmt.Errorf("delete room: %w", err)
		}
		return nil
	})
}

// SetGrant replaces userKey's permissions on the room. An empty set removes
// the user's entry. Returns the room as it is after the change.
func (s *PostgresStore) SetGrant(ctx context.Context, roomID, userKey string, permissions []rbac.Permission, authorize Authorizer) (Room, error) {
	var updated Room
	err := s.withLockedRoom(ctx, roomID, authorize, func(tx *sql.Tx, room *Room) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM room_grants WHERE room_id = $1 AND user_key = $2`, roomID, userKey); err != nil {
			return fmt.Errorf("clear grant: %w", err)
		}
		permissions = rbac.NormalizePermissions(permissions)
		if err := insertGrant(ctx, tx, roomID, userKey, permissions); err != nil {
			return err
		}
		updated = *room
		updated.Grants = room.Grants.Clone()
		if len(permissions) == 0 {
			delete(updated.Grants, userKey)
		} else {
			updated.Grants[userKey] = permissions
		}
		return nil
	})
	if err != nil {
		return Room{}, err
	}
	return updated, nil
}

// UpdateMetadata merges patch into the room's metadata.
func (s *PostgresStore) UpdateMetadata(ctx context.Context, roomID string, patch map[string]any, authorize Authorizer) (Room, error) {
	encoded, err := encodeMetadata(patch)
	if err != nil {
		return Room{}, err
	}
	var updated Room
	err = s.withLockedRoom(ctx, roomID, authorize, func(tx *sql.Tx, room *Room) error {
		var raw []byte
		if err := tx.QueryRowContext(ctx, `
			UPDATE rooms SET metadata = metadata || $2::jsonb
			WHERE id = $1
			RETURNING metadata
		`, roomID, encoded).Scan(&raw); err != nil {
			return fmt.Errorf("update metadata: %w", err)
		}
		metadata, err := decodeMetadata(raw)
		if err != nil {
			return err
		}
		updated = *room
		updated.Metadata = metadata
		return nil
	})
	if err != nil {
		return Room{}, err
	}
	return updated, nil
}

func (s *PostgresStore) withLockedRoom(ctx context.Context, roomID string, authorize Authorizer, apply func(tx *sql.Tx, room *Room) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin room tx: %w", err)
	}

	room := Room{ID: roomID, Grants: rbac.Grants{}}
	var (
		metadata  []byte
		createdAt sql.NullTime
		legacy    []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT metadata, created_at, legacy_created_at
		FROM rooms
		WHERE id = $1
		FOR UPDATE
	`, roomID).Scan(&metadata, &createdAt, &legacy)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return ErrNotFound
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("lock room: %w", err)
	}
	if room.Metadata, err = decodeMetadata(metadata); err != nil {
		_ = tx.Rollback()
		return err
	}
	room.CreatedAt = createdTimestamp(createdAt, legacy)

	rows, err := tx.QueryContext(ctx, `
		SELECT user_key, permission
		FROM room_grants
		WHERE room_id = $1
		ORDER BY user_key, permission
	`, roomID)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("load grants: %w", err)
	}
	for rows.Next() {
		var key, permission string
		if err := rows.Scan(&key, &permission); err != nil {
			rows.Close()
			_ = tx.Rollback()
			return fmt.Errorf("scan grant: %w", err)
		}
		room.Grants[key] = append(room.Grants[key], rbac.Permission(permission))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		_ = tx.Rollback()
		return fmt.Errorf("load grants: %w", err)
	}
	rows.Close()

	if authorize != nil {
		if err := authorize(room); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := apply(tx, &room); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit room tx: %w", err)
	}
	return nil
}

func insertGrant(ctx context.Context, tx *sql.Tx, roomID, userKey string, permissions []rbac.Permission) error {
	for _, permission := range rbac.NormalizePermissions(permissions) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO room_grants (room_id, user_key, permission)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, roomID, userKey, string(permission)); err != nil {
			return fmt.Errorf("insert grant: %w", err)
		}
	}
	return nil
}

func scanRooms(rows *sql.Rows) ([]Room, error) {
	rooms := make([]Room, 0)
	index := map[string]int{}
	for rows.Next() {
		var (
			id         string
			metadata   []byte
			createdAt  sql.NullTime
			legacy     []byte
			userKey    sql.NullString
			permission sql.NullString
		)
		if err := rows.Scan(&id, &metadata, &createdAt, &legacy, &userKey, &permission); err != nil {
			return nil, err
		}
		pos, ok := index[id]
		if !ok {
			decoded, err := decodeMetadata(metadata)
			if err != nil {
				return nil, err
			}
			rooms = append(rooms, Room{
				ID:        id,
				Metadata:  decoded,
				Grants:    rbac.Grants{},
				CreatedAt: createdTimestamp(createdAt, legacy),
			})
			pos = len(rooms) - 1
			index[id] = pos
		}
		if userKey.Valid && permission.Valid {
			grants := rooms[pos].Grants
			grants[userKey.String] = append(grants[userKey.String], rbac.Permission(permission.String))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rooms, nil
}

func createdTimestamp(createdAt sql.NullTime, legacy []byte) listing.Timestamp {
	if createdAt.Valid {
		return listing.FromTime(createdAt.Time)
	}
	return listing.ParseJSON(legacy)
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	metadata := map[string]any{}
	if len(raw) == 0 {
		return metadata, nil
	}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return metadata, nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, roomID string) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, resolved, last_activity_at
		FROM threads
		WHERE room_id = $1
		ORDER BY id
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]Thread, 0)
	for rows.Next() {
		var item Thread
		var lastActivity sql.NullTime
		if err := rows.Scan(&item.ID, &item.RoomID, &item.Resolved, &lastActivity); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		if lastActivity.Valid {
			t := lastActivity.Time
			item.LastActivityAt = &t
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) InsertNotification(ctx context.Context, item Notification) error {
	payload := string(item.Payload)
	if payload == "" {
		payload = "{}"
	}
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_key, kind, room_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.UserKey, item.Kind, item.RoomID, payload, createdAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListUnreadNotifications returns every unread item for the user, newest
// first.
func (s *PostgresStore) ListUnreadNotifications(ctx context.Context, userKey string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_key, kind, room_id, read_at, payload, created_at
		FROM notifications
		WHERE user_key = $1 AND read_at IS NULL
		ORDER BY created_at DESC, id DESC
	`, userKey)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		var readAt sql.NullTime
		var payload []byte
		if err := rows.Scan(&item.ID, &item.UserKey, &item.Kind, &item.RoomID, &readAt, &payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if readAt.Valid {
			t := readAt.Time
			item.ReadAt = &t
		}
		item.Payload = json.RawMessage(payload)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CountUnreadNotifications(ctx context.Context, userKey string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM notifications WHERE user_key = $1 AND read_at IS NULL
	`, userKey).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead is scoped to the owner; marking twice keeps the first
// read time.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, userKey string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, NOW())
		WHERE id = $1 AND user_key = $2
	`, notificationID, userKey)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertUser mirrors the identity provider's profile for directory lookups.
func (s *PostgresStore) UpsertUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (email, display_name, avatar_url, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (email) DO UPDATE
		SET display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url, updated_at = NOW()
	`, user.Email, user.DisplayName, user.AvatarURL)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// LookupUsers resolves profiles in display-name order. Keys the directory has
// never seen are appended in the order given, named by their key.
func (s *PostgresStore) LookupUsers(ctx context.Context, keys []string) ([]rbac.Profile, error) {
	if len(keys) == 0 {
		return []rbac.Profile{}, nil
	}
	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, key := range keys {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = key
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, display_name, avatar_url
		FROM users
		WHERE email IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY display_name, email
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup users: %w", err)
	}
	defer rows.Close()

	found := map[string]bool{}
	profiles := make([]rbac.Profile, 0, len(keys))
	for rows.Next() {
		var p rbac.Profile
		if err := rows.Scan(&p.Key, &p.Name, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if p.Name == "" {
			p.Name = p.Key
		}
		found[p.Key] = true
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lookup users: %w", err)
	}
	for _, key := range keys {
		if !found[key] {
			profiles = append(profiles, rbac.Profile{Key: key, Name: key})
		}
	}
	return profiles, nil
}

// SearchRoomsByTitle is the database fallback for title search.
func (s *PostgresStore) SearchRoomsByTitle(ctx context.Context, userKey, query string, limit int) ([]Room, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roomColumns+`
		FROM rooms r
		LEFT JOIN room_grants g ON g.room_id = r.id
		WHERE r.id IN (
			SELECT DISTINCT r2.id
			FROM rooms r2
			JOIN room_grants g2 ON g2.room_id = r2.id AND g2.user_key = $1
			WHERE COALESCE(r2.metadata->>'title', '') ILIKE $2
			ORDER BY r2.id
			LIMIT $3
		)
		ORDER BY r.id, g.user_key, g.permission
	`, userKey, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search rooms: %w", err)
	}
	defer rows.Close()

	rooms, err := scanRooms(rows)
	if err != nil {
		return nil, fmt.Errorf("search rooms: %w", err)
	}
	return rooms, nil
}

// AccessibleRoomIDs returns the subset of roomIDs on which userKey holds a
// grant. Missing rooms are simply absent.
func (s *PostgresStore) AccessibleRoomIDs(ctx context.Context, userKey string, roomIDs []string) ([]string, error) {
	if len(roomIDs) == 0 {
		return []string{}, nil
	}
	placeholders := make([]string, len(roomIDs))
	args := make([]any, 0, len(roomIDs)+1)
	args = append(args, userKey)
	for i, id := range roomIDs {
		placeholders[i] = "$" + strconv.Itoa(i+2)
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT room_id
		FROM room_grants
		WHERE user_key = $1 AND room_id IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("accessible rooms: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, len(roomIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan room id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
