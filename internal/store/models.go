package store

import (
	"encoding/json"
	"errors"
	"time"

	"liveroom/api/internal/listing"
	"liveroom/api/internal/rbac"
)

var ErrNotFound = errors.New("not found")

type Room struct {
	ID       string
	Metadata map[string]any
	Grants   rbac.Grants
	// CreatedAt is read from created_at, or from the raw legacy column for
	// rooms imported from the previous store.
	CreatedAt listing.Timestamp
}

type Thread struct {
	ID             string
	RoomID         string
	Resolved       bool
	LastActivityAt *time.Time
}

type Notification struct {
	ID        string
	UserKey   string
	Kind      string
	RoomID    string
	ReadAt    *time.Time
	Payload   json.RawMessage
	CreatedAt time.Time
}

type User struct {
	Email       string
	DisplayName string
	AvatarURL   string
}

// Authorizer decides whether a mutation may proceed against the locked room.
type Authorizer func(room Room) error
