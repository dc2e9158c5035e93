package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"liveroom/api/internal/auth"
	"liveroom/api/internal/rbac"
	"liveroom/api/internal/realtime"
	"liveroom/api/internal/session"
)

const (
	liveWriteWait      = 10 * time.Second
	liveMaxMessageSize = 1 << 20
)

type clientFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type viewFrame struct {
	Type string `json:"type"`
	session.Surface
}

type editorFrame struct {
	Type string `json:"type"`
	session.EditorOptions
}

type feedFrame struct {
	Type    string          `json:"type"`
	UserKey string          `json:"userKey,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Threads *ThreadList     `json:"threads,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// handleLive hosts one document view. Identity is checked before the
// upgrade; everything after it is reported as frames.
func (s *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request, identity auth.Identity, documentID string) {
	if s.service.engine == nil {
		writeFailure(w, ErrLiveUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("live upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(liveMaxMessageSize)

	ctx := r.Context()
	log := s.log.With(zap.String("room", documentID), zap.String("user", identity.Key))

	view, err := s.service.Open(ctx, documentID, identity)
	if err != nil {
		writeFrame(conn, failureFrame(err))
		closeSocket(conn, websocket.ClosePolicyViolation, "document unavailable")
		return
	}

	live := &liveSession{
		conn:     conn,
		service:  s.service,
		identity: identity,
		machine:  session.New(documentID, view.Role),
		log:      log,
		ping:     s.pingInterval,
	}

	options := live.machine.EditorOptions()
	sub, err := s.service.engine.Join(ctx, documentID, identity.Key, options.Editable)
	if err != nil {
		log.Warn("realtime join failed", zap.Error(err))
		live.apply(session.CollaboratorFailed{Err: errors.New("realtime engine unavailable")})
		closeSocket(conn, websocket.CloseInternalServerErr, "engine unavailable")
		return
	}
	live.machine.OnRelease(func() {
		if err := sub.Close(); err != nil {
			log.Debug("subscription close", zap.Error(err))
		}
	})

	writeFrame(conn, editorFrame{Type: "editor", EditorOptions: options})
	live.send()
	live.run(ctx, sub)
}

// liveSession owns the machine for one socket. Only run's goroutine touches
// the machine or writes data frames.
type liveSession struct {
	conn     *websocket.Conn
	service  *Service
	identity auth.Identity
	machine  *session.Machine
	log      *zap.Logger
	ping     time.Duration

	// roleStale is set when the engine reports an access change for this
	// viewer; the next edit re-reads the grant.
	roleStale bool
	revoked   bool
}

func (l *liveSession) run(ctx context.Context, sub *realtime.Subscription) {
	frames := make(chan clientFrame)
	readDone := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go l.read(frames, readDone, stop)

	ticker := time.NewTicker(l.ping)
	defer ticker.Stop()

	for !l.machine.Terminal() {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				l.apply(session.CollaboratorFailed{Err: errors.New("realtime feed closed")})
				continue
			}
			l.handleEvent(ctx, ev)
		case frame := <-frames:
			l.handleFrame(ctx, frame)
		case <-readDone:
			l.machine.Apply(session.ViewClosed{})
		case <-ctx.Done():
			l.machine.Apply(session.ViewClosed{})
		case <-ticker.C:
			deadline := time.Now().Add(liveWriteWait)
			if err := l.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				l.machine.Apply(session.ViewClosed{})
			}
		}
	}

	if l.machine.State() == session.StateFailed {
		closeSocket(l.conn, websocket.CloseNormalClosure, l.machine.Surface().Error)
	}
}

func (l *liveSession) read(frames chan<- clientFrame, done chan<- struct{}, stop <-chan struct{}) {
	defer close(done)
	for {
		var frame clientFrame
		if err := l.conn.ReadJSON(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				continue
			}
			return
		}
		select {
		case frames <- frame:
		case <-stop:
			return
		}
	}
}

func (l *liveSession) handleEvent(ctx context.Context, ev realtime.Event) {
	switch ev.Type {
	case realtime.EventStatus:
		l.apply(session.ConnectivityReported{Status: session.State(ev.Status)})
	case realtime.EventConnectionDropped:
		l.apply(session.ConnectionDropped{})
	case realtime.EventConnectionRestored:
		l.apply(session.ConnectionRestored{})
	case realtime.EventRoomDeleted:
		l.apply(session.DocumentDeleted{})
	case realtime.EventFailure:
		reason := ev.Error
		if reason == "" {
			reason = "collaborator failed"
		}
		l.apply(session.CollaboratorFailed{Err: errors.New(reason)})
	case realtime.EventAccessChanged:
		if ev.UserKey == l.identity.Key {
			l.roleStale = true
			writeFrame(l.conn, feedFrame{Type: "access-changed", UserKey: ev.UserKey})
		}
	case realtime.EventNotification:
		if ev.UserKey == l.identity.Key {
			writeFrame(l.conn, feedFrame{Type: "notification", Payload: ev.Payload})
		}
	case realtime.EventThreadsChanged:
		list, err := l.service.Threads(ctx, l.machine.DocumentID(), l.identity.Key)
		if err != nil {
			l.log.Debug("threads refresh failed", zap.Error(err))
			return
		}
		writeFrame(l.conn, feedFrame{Type: "threads", Threads: &list})
	case realtime.EventEdit:
		if ev.UserKey != l.identity.Key {
			writeFrame(l.conn, feedFrame{Type: "edit", UserKey: ev.UserKey, Payload: ev.Payload})
		}
	}
}

func (l *liveSession) handleFrame(ctx context.Context, frame clientFrame) {
	switch frame.Type {
	case "edit":
		if err := l.authorizeEdit(ctx); err != nil {
			writeFrame(l.conn, failureFrame(err))
			return
		}
		if err := l.service.Forward(ctx, l.machine.DocumentID(), l.identity.Key, frame.Payload); err != nil {
			l.log.Warn("edit not forwarded", zap.Error(err))
			writeFrame(l.conn, failureFrame(ErrLiveUnavailable))
		}
	case "close":
		l.apply(session.ViewClosed{})
	default:
		writeFrame(l.conn, failureFrame(validation("Unknown frame type", map[string]any{"type": frame.Type})))
	}
}

// authorizeEdit applies both permission layers: the machine must currently
// allow editing, and after an access change the stored grant must still
// make the viewer an editor.
func (l *liveSession) authorizeEdit(ctx context.Context) error {
	if l.revoked || !l.machine.Editable() {
		return forbidden("This document is read-only")
	}
	if !l.roleStale {
		return nil
	}
	role, err := l.service.RoleIn(ctx, l.machine.DocumentID(), l.identity.Key)
	if errors.Is(err, ErrNotFound) {
		role, err = rbac.RoleViewer, nil
	}
	if err != nil {
		return err
	}
	l.roleStale = false
	if role != rbac.RoleEditor {
		l.revoked = true
		return forbidden("You no longer have edit access")
	}
	return nil
}

func (l *liveSession) apply(ev session.Event) {
	if l.machine.Apply(ev) {
		l.send()
	}
}

func (l *liveSession) send() {
	writeFrame(l.conn, viewFrame{Type: "view", Surface: l.machine.Surface()})
}

func failureFrame(err error) errorFrame {
	_, code, message, details := mapError(err)
	return errorFrame{Type: "error", Code: code, Error: message, Details: details}
}

func writeFrame(conn *websocket.Conn, frame any) {
	_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
	_ = conn.WriteJSON(frame)
}

func closeSocket(conn *websocket.Conn, code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(liveWriteWait))
}
