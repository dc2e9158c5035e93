package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAt(sec int64) *time.Time {
	t := time.Unix(sec, 0)
	return &t
}

func TestUnreadCountAndFilter(t *testing.T) {
	feed := []Notification{
		{ID: "n1"},
		{ID: "n2", ReadAt: readAt(5)},
		{ID: "n3"},
	}

	assert.Equal(t, 2, UnreadCount(feed))
	unread := Unread(feed)
	require.Len(t, unread, 2)
	assert.Equal(t, "n1", unread[0].ID)
	assert.Equal(t, "n3", unread[1].ID)
}

func TestUnreadCountIsNotCapped(t *testing.T) {
	feed := make([]Notification, 25)
	assert.Equal(t, 25, UnreadCount(feed))
	assert.Equal(t, "9+", BadgeLabel(25))
	assert.Equal(t, "9", BadgeLabel(9))
	assert.Equal(t, "", BadgeLabel(0))
}

func TestDecodePayload(t *testing.T) {
	mention := DecodePayload(KindMention, []byte(`{"author":"Alice","excerpt":"hey @bob"}`))
	assert.Equal(t, MentionPayload{Author: "Alice", Excerpt: "hey @bob"}, mention)

	access := DecodePayload(KindAccessChange, []byte(`{"title":"Alice shared Plan","avatar":"https://img/a.png"}`))
	assert.Equal(t, AccessChangePayload{Title: "Alice shared Plan", Avatar: "https://img/a.png"}, access)

	thread := DecodePayload(KindThreadActivity, []byte(`{"author":"Carol","threadId":"th_1"}`))
	assert.Equal(t, ThreadActivityPayload{Author: "Carol", ThreadID: "th_1"}, thread)

	_, ok := DecodePayload(KindAccessChange, []byte(`{"title": 12}`)).(UnknownPayload)
	assert.True(t, ok, "wrongly typed fields fall back to unknown")

	_, ok = DecodePayload("reaction", []byte(`{"emoji":"+1"}`)).(UnknownPayload)
	assert.True(t, ok)

	_, ok = DecodePayload(KindMention, nil).(UnknownPayload)
	assert.True(t, ok)
}

func TestPresent(t *testing.T) {
	cases := []struct {
		name       string
		in         Notification
		wantTitle  string
		wantAvatar string
	}{
		{
			name:       "mention",
			in:         Notification{ID: "1", Kind: KindMention, RoomID: "room_a", Payload: MentionPayload{Author: "Alice"}},
			wantTitle:  "Alice mentioned you.",
			wantAvatar: FallbackAvatar,
		},
		{
			name:       "mention without author",
			in:         Notification{ID: "2", Kind: KindMention, RoomID: "room_a", Payload: MentionPayload{}},
			wantTitle:  "Someone mentioned you.",
			wantAvatar: FallbackAvatar,
		},
		{
			name:       "access change",
			in:         Notification{ID: "3", Kind: KindAccessChange, RoomID: "room_b", Payload: AccessChangePayload{Title: "Shared", Avatar: "a.png"}},
			wantTitle:  "Shared",
			wantAvatar: "a.png",
		},
		{
			name:       "access change missing fields",
			in:         Notification{ID: "4", Kind: KindAccessChange, RoomID: "room_b", Payload: AccessChangePayload{}},
			wantTitle:  "Document access",
			wantAvatar: FallbackAvatar,
		},
		{
			name:       "unknown payload",
			in:         Notification{ID: "5", Kind: KindAccessChange, RoomID: "room_c", Payload: UnknownPayload{}},
			wantTitle:  FallbackTitle,
			wantAvatar: FallbackAvatar,
		},
		{
			name:       "nil payload",
			in:         Notification{ID: "6", Kind: KindThreadActivity, RoomID: "room_c"},
			wantTitle:  FallbackTitle,
			wantAvatar: FallbackAvatar,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item := Present(tc.in)
			assert.Equal(t, tc.wantTitle, item.Title)
			assert.Equal(t, tc.wantAvatar, item.Avatar)
			assert.Equal(t, "/documents/"+tc.in.RoomID, item.Href)
			assert.True(t, item.Unread)
		})
	}
}

func TestEncodePayload(t *testing.T) {
	raw := EncodePayload(AccessChangePayload{Title: "t", Avatar: "a"})
	assert.JSONEq(t, `{"title":"t","avatar":"a"}`, string(raw))
	assert.JSONEq(t, `{}`, string(EncodePayload(UnknownPayload{})))
	assert.JSONEq(t, `{"x":1}`, string(EncodePayload(UnknownPayload{Raw: []byte(`{"x":1}`)})))
}
