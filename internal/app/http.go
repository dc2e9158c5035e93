package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"liveroom/api/internal/auth"
	"liveroom/api/internal/rbac"
)

type HTTPServer struct {
	service      *Service
	corsOrigin   string
	log          *zap.Logger
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

func NewHTTPServer(service *Service, corsOrigin string, pingInterval time.Duration, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	s := &HTTPServer{
		service:      service,
		corsOrigin:   corsOrigin,
		log:          log.Named("http"),
		pingInterval: pingInterval,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)

	if r.URL.Path == "/api/documents" {
		switch r.Method {
		case http.MethodGet:
			documents, err := s.service.DocumentList(r.Context(), identity.Key)
			if err != nil {
				writeFailure(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": documents})
			return
		case http.MethodPost:
			room, err := s.service.Create(r.Context(), identity)
			if err != nil {
				writeFailure(w, err)
				return
			}
			summary := summaryOf(room, time.Now())
			writeJSON(w, http.StatusCreated, map[string]any{
				"id":       room.ID,
				"href":     summary.Href,
				"document": summary,
			})
			return
		}
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/notifications" {
		inbox, err := s.service.Notifications(r.Context(), identity.Key)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inbox)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "notifications" && parts[3] == "read" {
		if err := s.service.MarkNotificationRead(r.Context(), parts[2], identity.Key); err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		writeJSON(w, http.StatusOK, s.service.Search(r.Context(), identity.Key, r.URL.Query().Get("q")))
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocuments(w, r, identity, parts[2], parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, identity auth.Identity, documentID string, parts []string) {
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			view, err := s.service.Open(r.Context(), documentID, identity)
			if err != nil {
				writeFailure(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"document": view})
			return
		case http.MethodPatch:
			var body struct {
				Title string `json:"title"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			room, err := s.service.Rename(r.Context(), documentID, identity.Key, body.Title)
			if err != nil {
				writeFailure(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"document": summaryOf(room, time.Now())})
			return
		case http.MethodDelete:
			if err := s.service.Delete(r.Context(), documentID, identity.Key); err != nil {
				writeFailure(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "redirect": "/"})
			return
		}
	}

	if len(parts) == 4 && parts[3] == "access" && r.Method == http.MethodPut {
		var body struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		// An unparsable role stays empty and Share rejects it.
		role, _ := rbac.ParseRole(body.Role)
		if _, err := s.service.Share(r.Context(), documentID, identity, body.Email, role); err != nil {
			writeFailure(w, err)
			return
		}
		s.writeDocumentView(w, r, documentID, identity)
		return
	}

	if len(parts) == 5 && parts[3] == "access" && r.Method == http.MethodDelete {
		if _, err := s.service.Revoke(r.Context(), documentID, identity.Key, parts[4]); err != nil {
			writeFailure(w, err)
			return
		}
		// Revoking yourself leaves nothing to show.
		if auth.NormalizeEmail(parts[4]) == identity.Key {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "redirect": "/"})
			return
		}
		s.writeDocumentView(w, r, documentID, identity)
		return
	}

	if len(parts) == 4 && parts[3] == "threads" && r.Method == http.MethodGet {
		list, err := s.service.Threads(r.Context(), documentID, identity.Key)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
		return
	}

	if len(parts) == 4 && parts[3] == "live" && r.Method == http.MethodGet {
		s.handleLive(w, r, identity, documentID)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// writeDocumentView answers an access change with the refreshed view. The
// requester may have just removed their own edit access, so the view is
// re-read rather than assumed.
func (s *HTTPServer) writeDocumentView(w http.ResponseWriter, r *http.Request, documentID string, identity auth.Identity) {
	view, err := s.service.Open(r.Context(), documentID, identity)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": view})
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token := bearerToken(r)
	if token == "" && websocket.IsWebSocketUpgrade(r) {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	identity, err := s.service.Identify(token)
	if err != nil {
		writeFailure(w, err)
		return auth.Identity{}, false
	}
	return identity, true
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.corsOrigin == "*" {
		return true
	}
	return strings.EqualFold(origin, s.corsOrigin)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the live endpoint upgrade through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeFailure(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// mapError turns an error into a response. Sign-in and not-found failures
// carry a redirect hint so the page can navigate without showing an error.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		details = domainErr.Details
		if details == nil {
			switch domainErr.Code {
			case ErrAuthenticationRequired.Code:
				details = map[string]any{"redirect": "/sign-in"}
			case ErrNotFound.Code:
				details = map[string]any{"redirect": "/"}
			}
		}
		return domainErr.Status, domainErr.Code, domainErr.Message, details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
