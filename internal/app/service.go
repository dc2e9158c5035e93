package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"liveroom/api/internal/auth"
	"liveroom/api/internal/listing"
	"liveroom/api/internal/notify"
	"liveroom/api/internal/rbac"
	"liveroom/api/internal/realtime"
	"liveroom/api/internal/search"
	"liveroom/api/internal/store"
	"liveroom/api/internal/threads"
	"liveroom/api/internal/util"
)

const (
	maxTitleLength = 200
	publishTimeout = 3 * time.Second
)

type dataStore interface {
	CreateRoom(context.Context, store.Room) error
	ListRoomsFor(context.Context, string) ([]store.Room, error)
	GetRoom(context.Context, string) (store.Room, error)
	DeleteRoom(context.Context, string, store.Authorizer) error
	SetGrant(context.Context, string, string, []rbac.Permission, store.Authorizer) (store.Room, error)
	UpdateMetadata(context.Context, string, map[string]any, store.Authorizer) (store.Room, error)
	ListThreads(context.Context, string) ([]store.Thread, error)
	InsertNotification(context.Context, store.Notification) error
	ListUnreadNotifications(context.Context, string) ([]store.Notification, error)
	CountUnreadNotifications(context.Context, string) (int, error)
	MarkNotificationRead(context.Context, string, string) error
	UpsertUser(context.Context, store.User) error
	LookupUsers(context.Context, []string) ([]rbac.Profile, error)
	Ping(context.Context) error
}

// liveEngine is the realtime bus. Nil when no engine is configured; rooms
// still work, they just cannot be opened live.
type liveEngine interface {
	Publish(context.Context, realtime.Event) error
	Send(context.Context, realtime.Event) error
	Join(ctx context.Context, roomID, userKey string, editable bool) (*realtime.Subscription, error)
	Ping(context.Context) error
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexRoom(search.RoomRecord)
	DeleteRoom(string)
}

type tokenVerifier interface {
	Verify(string) (auth.Identity, error)
}

type Service struct {
	store    dataStore
	engine   liveEngine
	search   searchIndex
	verifier tokenVerifier
	log      *zap.Logger
	now      func() time.Time
	creates  singleflight.Group
}

type Options struct {
	Engine   liveEngine
	Search   searchIndex
	Verifier tokenVerifier
	Logger   *zap.Logger
}

func New(dataStore dataStore, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    dataStore,
		engine:   opts.Engine,
		search:   opts.Search,
		verifier: opts.Verifier,
		log:      log.Named("service"),
		now:      time.Now,
	}
}

type DocumentSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	CreatedAt    *int64 `json:"createdAt"`
	CreatedLabel string `json:"createdLabel"`
	Href         string `json:"href"`
}

type CollaboratorView struct {
	Email  string    `json:"email"`
	Name   string    `json:"name"`
	Avatar string    `json:"avatar"`
	Role   rbac.Role `json:"role"`
}

type DocumentView struct {
	ID            string             `json:"id"`
	Title         string             `json:"title"`
	Role          rbac.Role          `json:"role"`
	Editable      bool               `json:"editable"`
	CreatedAt     *int64             `json:"createdAt"`
	CreatedLabel  string             `json:"createdLabel"`
	Href          string             `json:"href"`
	Collaborators []CollaboratorView `json:"collaborators"`
}

type ThreadList struct {
	OpenCount int              `json:"openCount"`
	Threads   []threads.Thread `json:"threads"`
}

type Inbox struct {
	UnreadCount int           `json:"unreadCount"`
	Badge       string        `json:"badge"`
	Items       []notify.Item `json:"items"`
}

// Identify resolves a bearer token to the caller. Every failure is reported
// as AUTHENTICATION_REQUIRED; the cause is only logged.
func (s *Service) Identify(token string) (auth.Identity, error) {
	if s.verifier == nil || strings.TrimSpace(token) == "" {
		return auth.Identity{}, ErrAuthenticationRequired
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		s.log.Debug("token rejected", zap.Error(err))
		return auth.Identity{}, ErrAuthenticationRequired
	}
	return identity, nil
}

// Create makes a new room owned by the caller. Concurrent creates for the same
// owner collapse into one; the later callers receive the same room.
func (s *Service) Create(ctx context.Context, owner auth.Identity) (store.Room, error) {
	if owner.Key == "" {
		return store.Room{}, ErrAuthenticationRequired
	}
	ctx = context.WithoutCancel(ctx)
	value, err, shared := s.creates.Do(owner.Key, func() (any, error) {
		room := store.Room{
			ID:        util.NewID("room"),
			Metadata:  map[string]any{},
			Grants:    rbac.Grants{owner.Key: rbac.PermissionsFor(rbac.RoleEditor)},
			CreatedAt: listing.FromTime(s.now().UTC()),
		}
		if err := s.store.CreateRoom(ctx, room); err != nil {
			return store.Room{}, s.storageError("create room", err)
		}
		s.rememberUser(ctx, owner)
		s.index(room)
		s.log.Info("room created", zap.String("room", room.ID), zap.String("owner", owner.Key))
		return room, nil
	})
	if shared {
		s.log.Debug("create collapsed", zap.String("owner", owner.Key))
	}
	if err != nil {
		return store.Room{}, err
	}
	return value.(store.Room), nil
}

// ListFor returns the rooms userKey holds any grant on, in storage order.
func (s *Service) ListFor(ctx context.Context, userKey string) ([]store.Room, error) {
	rooms, err := s.store.ListRoomsFor(ctx, userKey)
	if err != nil {
		return nil, s.storageError("list rooms", err)
	}
	return rooms, nil
}

// DocumentList is the caller's room list, newest first.
func (s *Service) DocumentList(ctx context.Context, userKey string) ([]DocumentSummary, error) {
	rooms, err := s.ListFor(ctx, userKey)
	if err != nil {
		return nil, err
	}
	now := s.now()
	sorted := listing.SortNewestFirst(rooms, func(room store.Room) listing.Timestamp { return room.CreatedAt })
	out := make([]DocumentSummary, 0, len(sorted))
	for _, room := range sorted {
		out = append(out, summaryOf(room, now))
	}
	return out, nil
}

func summaryOf(room store.Room, now time.Time) DocumentSummary {
	return DocumentSummary{
		ID:           room.ID,
		Title:        listing.Title(room.Metadata),
		CreatedAt:    room.CreatedAt.MillisPtr(),
		CreatedLabel: listing.CreatedLabel(room.CreatedAt, now),
		Href:         listing.DocumentPath(room.ID),
	}
}

// Get loads a room for userKey. A room the caller holds no grant on is
// reported exactly like a missing one.
func (s *Service) Get(ctx context.Context, roomID, userKey string) (store.Room, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return store.Room{}, s.storageError("get room", err)
	}
	if !room.Grants.Has(userKey) {
		return store.Room{}, ErrNotFound
	}
	return room, nil
}

// RoleIn re-derives the caller's current role from stored grants.
func (s *Service) RoleIn(ctx context.Context, roomID, userKey string) (rbac.Role, error) {
	room, err := s.Get(ctx, roomID, userKey)
	if err != nil {
		return "", err
	}
	return rbac.RoleOf(room.Grants, userKey), nil
}

// Open composes everything the document page needs before it goes live.
func (s *Service) Open(ctx context.Context, roomID string, viewer auth.Identity) (DocumentView, error) {
	room, err := s.Get(ctx, roomID, viewer.Key)
	if err != nil {
		return DocumentView{}, err
	}
	s.rememberUser(ctx, viewer)

	collaborators, err := rbac.CollaboratorsOf(ctx, room.Grants, s.store)
	if err != nil {
		return DocumentView{}, s.storageError("lookup collaborators", err)
	}
	views := make([]CollaboratorView, 0, len(collaborators))
	for _, c := range collaborators {
		views = append(views, CollaboratorView{Email: c.Key, Name: c.Name, Avatar: c.AvatarURL, Role: c.Role})
	}

	summary := summaryOf(room, s.now())
	role := rbac.RoleOf(room.Grants, viewer.Key)
	return DocumentView{
		ID:            room.ID,
		Title:         summary.Title,
		Role:          role,
		Editable:      role == rbac.RoleEditor,
		CreatedAt:     summary.CreatedAt,
		CreatedLabel:  summary.CreatedLabel,
		Href:          summary.Href,
		Collaborators: views,
	}, nil
}

// Delete removes a room. Only editors may delete; the check runs against the
// locked row so a concurrent revoke cannot slip past it.
func (s *Service) Delete(ctx context.Context, roomID, userKey string) error {
	ctx = context.WithoutCancel(ctx)
	err := s.store.DeleteRoom(ctx, roomID, requireEditor(userKey, "Only editors can delete this document"))
	if err != nil {
		return s.storageError("delete room", err)
	}
	s.publish(ctx, realtime.Event{Type: realtime.EventRoomDeleted, RoomID: roomID, UserKey: userKey})
	if s.search != nil {
		s.search.DeleteRoom(roomID)
	}
	s.log.Info("room deleted", zap.String("room", roomID), zap.String("by", userKey))
	return nil
}

// Rename sets the title metadata key. A blank title clears it back to the
// default.
func (s *Service) Rename(ctx context.Context, roomID, userKey, title string) (store.Room, error) {
	title = strings.TrimSpace(title)
	if len([]rune(title)) > maxTitleLength {
		return store.Room{}, validation("Title is too long", map[string]any{"maxLength": maxTitleLength})
	}
	room, err := s.store.UpdateMetadata(context.WithoutCancel(ctx), roomID, map[string]any{"title": title},
		requireEditor(userKey, "Only editors can rename this document"))
	if err != nil {
		return store.Room{}, s.storageError("rename room", err)
	}
	s.index(room)
	return room, nil
}

// Share grants email the given role, replacing any previous grant, and drops
// an access-change notification into their inbox.
func (s *Service) Share(ctx context.Context, roomID string, requester auth.Identity, email string, role rbac.Role) (store.Room, error) {
	target := auth.NormalizeEmail(email)
	if !strings.Contains(target, "@") {
		return store.Room{}, validation("A valid email is required", map[string]any{"field": "email"})
	}
	if role != rbac.RoleEditor && role != rbac.RoleViewer {
		return store.Room{}, validation("Role must be editor or viewer", map[string]any{"field": "role"})
	}
	ctx = context.WithoutCancel(ctx)
	permissions := rbac.PermissionsFor(role)

	room, err := s.store.SetGrant(ctx, roomID, target, permissions, func(room store.Room) error {
		if err := requireEditor(requester.Key, "Only editors can share this document")(room); err != nil {
			return err
		}
		after := room.Grants.Clone()
		after[target] = permissions
		return keepsWriter(after)
	})
	if err != nil {
		return store.Room{}, s.storageError("share room", err)
	}

	s.index(room)
	s.publish(ctx, realtime.Event{Type: realtime.EventAccessChanged, RoomID: roomID, UserKey: target})
	if target != requester.Key {
		s.notifyAccess(ctx, room, requester, target, role)
	}
	return room, nil
}

// Revoke removes email's grant entirely.
func (s *Service) Revoke(ctx context.Context, roomID, requesterKey, email string) (store.Room, error) {
	target := auth.NormalizeEmail(email)
	ctx = context.WithoutCancel(ctx)
	room, err := s.store.SetGrant(ctx, roomID, target, nil, func(room store.Room) error {
		if err := requireEditor(requesterKey, "Only editors can change access")(room); err != nil {
			return err
		}
		if !room.Grants.Has(target) {
			return validation("That person has no access to remove", map[string]any{"email": target})
		}
		after := room.Grants.Clone()
		delete(after, target)
		return keepsWriter(after)
	})
	if err != nil {
		return store.Room{}, s.storageError("revoke access", err)
	}
	s.index(room)
	s.publish(ctx, realtime.Event{Type: realtime.EventAccessChanged, RoomID: roomID, UserKey: target})
	return room, nil
}

func (s *Service) notifyAccess(ctx context.Context, room store.Room, requester auth.Identity, target string, role rbac.Role) {
	name := requester.Name
	if strings.TrimSpace(name) == "" {
		name = requester.Key
	}
	payload := notify.AccessChangePayload{
		Title:  fmt.Sprintf("%s gave you %s access to %s", name, role, listing.Title(room.Metadata)),
		Avatar: requester.Avatar,
	}
	record := store.Notification{
		ID:        util.NewID("ntf"),
		UserKey:   target,
		Kind:      string(notify.KindAccessChange),
		RoomID:    room.ID,
		Payload:   notify.EncodePayload(payload),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertNotification(ctx, record); err != nil {
		s.log.Warn("access notification not stored", zap.String("room", room.ID), zap.String("user", target), zap.Error(err))
		return
	}

	item := notify.Present(notificationOf(record))
	raw, err := json.Marshal(item)
	if err != nil {
		return
	}
	s.publish(ctx, realtime.Event{Type: realtime.EventNotification, RoomID: room.ID, UserKey: target, Payload: raw})
}

// Threads returns the room's threads, unresolved first.
func (s *Service) Threads(ctx context.Context, roomID, userKey string) (ThreadList, error) {
	if _, err := s.Get(ctx, roomID, userKey); err != nil {
		return ThreadList{}, err
	}
	rows, err := s.store.ListThreads(ctx, roomID)
	if err != nil {
		return ThreadList{}, s.storageError("list threads", err)
	}
	items := make([]threads.Thread, 0, len(rows))
	for _, row := range rows {
		items = append(items, threads.Thread{
			ID:             row.ID,
			RoomID:         row.RoomID,
			Resolved:       row.Resolved,
			LastActivityAt: row.LastActivityAt,
		})
	}
	return ThreadList{OpenCount: threads.OpenCount(items), Threads: threads.Order(items)}, nil
}

// Notifications is the caller's inbox: unread items only, newest first.
func (s *Service) Notifications(ctx context.Context, userKey string) (Inbox, error) {
	unread, err := s.store.CountUnreadNotifications(ctx, userKey)
	if err != nil {
		return Inbox{}, s.storageError("count notifications", err)
	}
	rows, err := s.store.ListUnreadNotifications(ctx, userKey)
	if err != nil {
		return Inbox{}, s.storageError("list notifications", err)
	}
	feed := make([]notify.Notification, 0, len(rows))
	for _, row := range rows {
		feed = append(feed, notificationOf(row))
	}
	return Inbox{
		UnreadCount: unread,
		Badge:       notify.BadgeLabel(unread),
		Items:       notify.PresentAll(notify.Unread(feed)),
	}, nil
}

func notificationOf(row store.Notification) notify.Notification {
	kind := notify.Kind(row.Kind)
	return notify.Notification{
		ID:        row.ID,
		Kind:      kind,
		RoomID:    row.RoomID,
		ReadAt:    row.ReadAt,
		Payload:   notify.DecodePayload(kind, row.Payload),
		CreatedAt: row.CreatedAt,
	}
}

func (s *Service) MarkNotificationRead(ctx context.Context, notificationID, userKey string) error {
	err := s.store.MarkNotificationRead(ctx, notificationID, userKey)
	if errors.Is(err, store.ErrNotFound) {
		return domainError(http.StatusNotFound, ErrNotFound.Code, "Notification not found", nil)
	}
	if err != nil {
		return s.storageError("mark notification read", err)
	}
	return nil
}

func (s *Service) Search(ctx context.Context, userKey, text string) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: strings.TrimSpace(text)}
	}
	return s.search.Search(ctx, search.Query{Text: text, UserKey: userKey})
}

// Forward relays a client edit to the engine. Callers check the session is
// editable first.
func (s *Service) Forward(ctx context.Context, roomID, userKey string, payload json.RawMessage) error {
	if s.engine == nil {
		return ErrLiveUnavailable
	}
	return s.engine.Send(ctx, realtime.Event{Type: realtime.EventEdit, RoomID: roomID, UserKey: userKey, Payload: payload})
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	if s.engine != nil {
		if err := s.engine.Ping(ctx); err != nil {
			return fmt.Errorf("realtime: %w", err)
		}
	}
	return nil
}

func requireEditor(userKey, message string) store.Authorizer {
	return func(room store.Room) error {
		if !room.Grants.Has(userKey) {
			return ErrNotFound
		}
		if rbac.RoleOf(room.Grants, userKey) != rbac.RoleEditor {
			return forbidden(message)
		}
		return nil
	}
}

func keepsWriter(grants rbac.Grants) error {
	if len(grants.Writers()) == 0 {
		return validation("A document needs at least one editor", nil)
	}
	return nil
}

func (s *Service) rememberUser(ctx context.Context, identity auth.Identity) {
	if identity.Key == "" {
		return
	}
	user := store.User{Email: identity.Key, DisplayName: identity.Name, AvatarURL: identity.Avatar}
	if err := s.store.UpsertUser(ctx, user); err != nil {
		s.log.Warn("user profile not stored", zap.String("user", identity.Key), zap.Error(err))
	}
}

func (s *Service) index(room store.Room) {
	if s.search != nil {
		s.search.IndexRoom(search.RecordOf(room))
	}
}

func (s *Service) publish(ctx context.Context, ev realtime.Event) {
	if s.engine == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := s.engine.Publish(ctx, ev); err != nil {
		s.log.Warn("event not published", zap.String("type", string(ev.Type)), zap.String("room", ev.RoomID), zap.Error(err))
	}
}

// storageError passes domain errors through, maps a missing row to NOT_FOUND,
// and reports anything else as a persistence failure.
func (s *Service) storageError(op string, err error) error {
	var domain *DomainError
	if errors.As(err, &domain) {
		return domain
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	s.log.Error(op+" failed", zap.Error(err))
	return ErrPersistence
}
