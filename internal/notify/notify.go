// Package notify aggregates a user's inbox feed: unread counting, unread
// filtering and per-kind presentation.
package notify

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"liveroom/api/internal/listing"
)

type Kind string

const (
	KindMention        Kind = "mention"
	KindThreadActivity Kind = "thread-activity"
	KindAccessChange   Kind = "access-change"
)

const (
	FallbackAvatar = "/assets/icons/user-fallback.png"
	FallbackTitle  = "New notification"
)

// Payload is one of MentionPayload, ThreadActivityPayload,
// AccessChangePayload or UnknownPayload.
type Payload interface {
	payloadKind() Kind
}

type MentionPayload struct {
	Author  string `json:"author"`
	Excerpt string `json:"excerpt"`
}

type ThreadActivityPayload struct {
	Author   string `json:"author"`
	ThreadID string `json:"threadId"`
	Excerpt  string `json:"excerpt"`
}

type AccessChangePayload struct {
	Title  string `json:"title"`
	Avatar string `json:"avatar"`
}

// UnknownPayload keeps data whose shape did not match its kind.
type UnknownPayload struct {
	Raw json.RawMessage
}

func (MentionPayload) payloadKind() Kind        { return KindMention }
func (ThreadActivityPayload) payloadKind() Kind { return KindThreadActivity }
func (AccessChangePayload) payloadKind() Kind   { return KindAccessChange }
func (UnknownPayload) payloadKind() Kind        { return "" }

// DecodePayload picks the variant for kind. Anything that fails to decode
// becomes an UnknownPayload.
func DecodePayload(kind Kind, raw []byte) Payload {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return UnknownPayload{Raw: append(json.RawMessage(nil), trimmed...)}
	}
	switch kind {
	case KindMention:
		var p MentionPayload
		if err := json.Unmarshal(trimmed, &p); err == nil {
			return p
		}
	case KindThreadActivity:
		var p ThreadActivityPayload
		if err := json.Unmarshal(trimmed, &p); err == nil {
			return p
		}
	case KindAccessChange:
		var p AccessChangePayload
		if err := json.Unmarshal(trimmed, &p); err == nil {
			return p
		}
	}
	return UnknownPayload{Raw: append(json.RawMessage(nil), trimmed...)}
}

// EncodePayload is the stored form of p.
func EncodePayload(p Payload) json.RawMessage {
	if unknown, ok := p.(UnknownPayload); ok {
		if len(unknown.Raw) == 0 {
			return json.RawMessage(`{}`)
		}
		return unknown.Raw
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

type Notification struct {
	ID        string
	Kind      Kind
	RoomID    string
	ReadAt    *time.Time
	Payload   Payload
	CreatedAt time.Time
}

func (n Notification) Unread() bool {
	return n.ReadAt == nil
}

// UnreadCount is exact; truncation for badges is BadgeLabel's job.
func UnreadCount(items []Notification) int {
	count := 0
	for _, item := range items {
		if item.Unread() {
			count++
		}
	}
	return count
}

// Unread keeps the feed order, which already arrives newest first.
func Unread(items []Notification) []Notification {
	out := make([]Notification, 0, len(items))
	for _, item := range items {
		if item.Unread() {
			out = append(out, item)
		}
	}
	return out
}

func BadgeLabel(count int) string {
	if count <= 0 {
		return ""
	}
	if count > 9 {
		return "9+"
	}
	return strconv.Itoa(count)
}

type Item struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Href   string `json:"href"`
	Title  string `json:"title"`
	Text   string `json:"text,omitempty"`
	Avatar string `json:"avatar"`
	Unread bool   `json:"unread"`
}

// Present maps a notification to its inbox row. Missing payload fields fall
// back to generic labels and the fallback avatar.
func Present(n Notification) Item {
	item := Item{
		ID:     n.ID,
		Kind:   n.Kind,
		Href:   listing.DocumentPath(n.RoomID),
		Title:  FallbackTitle,
		Avatar: FallbackAvatar,
		Unread: n.Unread(),
	}

	switch p := n.Payload.(type) {
	case MentionPayload:
		item.Title = orDefault(p.Author, "Someone") + " mentioned you."
		item.Text = p.Excerpt
	case ThreadActivityPayload:
		item.Title = orDefault(p.Author, "Someone") + " commented in a thread."
		item.Text = p.Excerpt
	case AccessChangePayload:
		item.Title = orDefault(p.Title, "Document access")
		item.Avatar = orDefault(p.Avatar, FallbackAvatar)
	}
	return item
}

func PresentAll(items []Notification) []Item {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		out = append(out, Present(item))
	}
	return out
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
