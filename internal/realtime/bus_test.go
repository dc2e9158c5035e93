package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	bus, err := NewBus(context.Background(), "redis://"+s.Addr(), nil)
	if err != nil {
		t.Fatalf("NewBus failed: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus, s
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestNewBusRejectsBadURL(t *testing.T) {
	if _, err := NewBus(context.Background(), "://nope", nil); err == nil {
		t.Fatalf("expected error for malformed url")
	}
}

func TestJoinDeliversLoadingThenRoomEvents(t *testing.T) {
	bus, _ := setupTestBus(t)
	ctx := context.Background()

	sub, err := bus.Join(ctx, "room_1", "alice@x.com", true)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	defer sub.Close()

	first := next(t, sub)
	if first.Type != EventStatus || first.Status != "loading" {
		t.Fatalf("expected loading status first, got %+v", first)
	}

	if err := bus.Publish(ctx, Event{Type: EventStatus, RoomID: "room_1", Status: "loaded"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	got := next(t, sub)
	if got.Type != EventStatus || got.Status != "loaded" {
		t.Fatalf("unexpected event %+v", got)
	}

	if err := bus.Publish(ctx, Event{Type: EventRoomDeleted, RoomID: "room_1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := next(t, sub); got.Type != EventRoomDeleted {
		t.Fatalf("expected room-deleted, got %+v", got)
	}
}

func TestJoinAnnouncesToEngineInbox(t *testing.T) {
	bus, s := setupTestBus(t)
	ctx := context.Background()

	engine := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer engine.Close()
	inbox := engine.Subscribe(ctx, inboxChannel("room_9"))
	defer inbox.Close()
	if _, err := inbox.Receive(ctx); err != nil {
		t.Fatalf("subscribe inbox: %v", err)
	}

	sub, err := bus.Join(ctx, "room_9", "bob@x.com", false)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	var join Event
	select {
	case msg := <-inbox.Channel():
		if err := json.Unmarshal([]byte(msg.Payload), &join); err != nil {
			t.Fatalf("decode join: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("engine never saw the join")
	}
	if join.Type != EventJoin || join.UserKey != "bob@x.com" || join.Editable {
		t.Fatalf("unexpected join %+v", join)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case msg := <-inbox.Channel():
		var leave Event
		_ = json.Unmarshal([]byte(msg.Payload), &leave)
		if leave.Type != EventLeave {
			t.Fatalf("expected leave, got %+v", leave)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("engine never saw the leave")
	}
}

func TestSubscriptionSkipsForeignAndMalformedMessages(t *testing.T) {
	bus, s := setupTestBus(t)
	ctx := context.Background()

	sub, err := bus.Join(ctx, "room_1", "alice@x.com", true)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	defer sub.Close()
	next(t, sub)

	s.Publish(roomChannel("room_1"), "not json")
	s.Publish(roomChannel("room_1"), `{"type":"status","roomId":"room_2","status":"loaded"}`)
	s.Publish(roomChannel("room_1"), `{"type":"threads-changed","roomId":"room_1"}`)

	if got := next(t, sub); got.Type != EventThreadsChanged {
		t.Fatalf("expected threads-changed, got %+v", got)
	}
}

func TestCloseIsIdempotentAndEndsFeed(t *testing.T) {
	bus, _ := setupTestBus(t)

	sub, err := bus.Join(context.Background(), "room_1", "alice@x.com", true)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	_ = sub.Close()
	_ = sub.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("feed did not close")
		}
	}
}

func TestPing(t *testing.T) {
	bus, _ := setupTestBus(t)
	if err := bus.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
