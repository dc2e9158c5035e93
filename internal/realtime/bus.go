// Package realtime is the adapter to the collaborative editing engine. The
// engine and this API talk over Redis pub/sub: the engine publishes status
// and feed events on a room channel, and reads joins, leaves and edits from
// its inbox channel.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type EventType string

const (
	EventStatus             EventType = "status"
	EventConnectionDropped  EventType = "connection-dropped"
	EventConnectionRestored EventType = "connection-restored"
	EventRoomDeleted        EventType = "room-deleted"
	EventAccessChanged      EventType = "access-changed"
	EventThreadsChanged     EventType = "threads-changed"
	EventNotification       EventType = "notification"
	EventEdit               EventType = "edit"
	EventFailure            EventType = "failure"
	EventJoin               EventType = "join"
	EventLeave              EventType = "leave"
)

type Event struct {
	Type     EventType       `json:"type"`
	RoomID   string          `json:"roomId"`
	Status   string          `json:"status,omitempty"`
	UserKey  string          `json:"userKey,omitempty"`
	Editable bool            `json:"editable,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type Bus struct {
	rdb *redis.Client
	log *zap.Logger
}

// NewBus connects to redis and verifies connectivity.
func NewBus(ctx context.Context, redisURL string, log *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewBusWithClient(rdb, log), nil
}

func NewBusWithClient(rdb *redis.Client, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{rdb: rdb, log: log.Named("realtime")}
}

// Publish sends ev to the room channel every open view of the room listens on.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	return b.publish(ctx, roomChannel(ev.RoomID), ev)
}

// Send delivers ev to the engine's inbox for the room.
func (b *Bus) Send(ctx context.Context, ev Event) error {
	return b.publish(ctx, inboxChannel(ev.RoomID), ev)
}

func (b *Bus) publish(ctx context.Context, channel string, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Join opens an engine session for one view. The subscription is confirmed
// before the join is announced so no engine reply is missed. The first event
// on C is always a loading status.
func (b *Bus) Join(ctx context.Context, roomID, userKey string, editable bool) (*Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, roomChannel(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe room: %w", err)
	}

	join := Event{Type: EventJoin, RoomID: roomID, UserKey: userKey, Editable: editable}
	if err := b.Send(ctx, join); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan Event, 64)
	out <- Event{Type: EventStatus, RoomID: roomID, Status: "loading"}

	sub := &Subscription{
		C:       out,
		bus:     b,
		pubsub:  pubsub,
		roomID:  roomID,
		userKey: userKey,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go sub.pump(out)
	return sub, nil
}

// Ping checks if Redis is reachable.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}

// Subscription is one view's feed of room events.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	pubsub  *redis.PubSub
	roomID  string
	userKey string
	once    sync.Once
	quit    chan struct{}
	done    chan struct{}
}

func (s *Subscription) pump(out chan<- Event) {
	defer close(s.done)
	defer close(out)

	for msg := range s.pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			s.bus.log.Warn("drop malformed event", zap.String("room", s.roomID), zap.Error(err))
			continue
		}
		if ev.Type == "" || ev.RoomID != s.roomID {
			continue
		}
		select {
		case out <- ev:
		case <-s.quit:
			return
		}
	}
}

// Close stops delivery and tells the engine the view left. Safe to call more
// than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		err = s.pubsub.Close()
		<-s.done

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if sendErr := s.bus.Send(ctx, Event{Type: EventLeave, RoomID: s.roomID, UserKey: s.userKey}); sendErr != nil {
			s.bus.log.Debug("leave not delivered", zap.String("room", s.roomID), zap.Error(sendErr))
		}
	})
	return err
}

func roomChannel(roomID string) string  { return "liveroom:room:" + roomID }
func inboxChannel(roomID string) string { return "liveroom:engine:" + roomID }
