package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"darwinbox/api/internal/changes"
	"darwinbox/api/internal/search"
	"darwinbox/api/internal/session"
	"darwinbox/api/internal/snapshot"
	"darwinbox/api/internal/store"
	"darwinbox/api/internal/tree"
	"darwinbox/api/internal/util"
)

// Client frames are discarded, so a small limit is enough for control frames.
const maxClientFrameSize = 4096

type HTTPServer struct {
	service    *Service
	corsOrigin string
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
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
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/listen_directory_changes" {
		s.handleListen(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "directories" {
		s.handleDirectories(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	feedState := s.service.ChangeFeedState()
	checks := map[string]any{
		"database":   map[string]any{"status": "ok"},
		"changeFeed": map[string]any{"status": feedState.String()},
	}

	if feedState != changes.StateListening {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
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
}

func (s *HTTPServer) handleDirectories(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodPost:
			var body struct {
				Name     string `json:"name"`
				ParentID *int32 `json:"parent_id"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			s.respond(w, http.StatusCreated)(s.service.CreateDirectory(r.Context(), body.Name, body.ParentID))
		case http.MethodGet:
			s.respond(w, http.StatusOK)(s.service.GetRoot(r.Context()))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch rest[0] {
	case "search":
		if r.Method != http.MethodGet || len(rest) != 1 {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleSearch(w, r)
		return
	case "snapshots":
		s.handleSnapshots(w, r, rest[1:])
		return
	}

	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	id, err := parseDirectoryID(rest[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", err.Error(), nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.respond(w, http.StatusOK)(s.service.GetDirectory(r.Context(), id))
	case http.MethodPut:
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, http.StatusOK)(s.service.RenameDirectory(r.Context(), id, body.Name))
	case http.MethodDelete:
		s.respond(w, http.StatusOK)(s.service.DeleteDirectory(r.Context(), id))
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{Text: strings.TrimSpace(query.Get("q"))}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be an integer", nil)
			return
		}
		q.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "offset must be an integer", nil)
			return
		}
		q.Offset = offset
	}

	resp, err := s.service.SearchDirectories(r.Context(), q)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleSnapshots(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		info, err := s.service.ExportSnapshot(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, info)
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	body, err := s.service.FetchSnapshot(r.Context(), strings.Join(rest, "/"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleListen subscribes before upgrading so no event published after the
// handshake completes is missed.
func (s *HTTPServer) handleListen(w http.ResponseWriter, r *http.Request) {
	sub, err := s.service.SubscribeChanges()
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		log.Printf("listen: upgrade: %v", err)
		return
	}
	conn.SetReadLimit(maxClientFrameSize)

	id := requestIDFromContext(r.Context())
	err = session.New(conn, sub, s.service.SessionOptions(id)).Serve(r.Context())
	if err != nil && !errors.Is(err, session.ErrSessionIO) && !errors.Is(err, session.ErrFeedClosed) && !errors.Is(err, context.Canceled) {
		log.Printf("listen %s: session ended: %v", id, err)
	}
}

// respond returns a writer for the common (payload, error) service result.
func (s *HTTPServer) respond(w http.ResponseWriter, status int) func(map[string]any, error) {
	return func(payload map[string]any, err error) {
		if err != nil {
			status, code, message, details := mapError(err)
			if status >= http.StatusInternalServerError {
				log.Printf("api: %v", err)
			}
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, status, payload)
	}
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	if s.corsOrigin == "" || s.corsOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.corsOrigin
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseDirectoryID(raw string) (int32, error) {
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("directory id must be a 32-bit integer")
	}
	return int32(id), nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, tree.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Directory not found", nil
	case errors.Is(err, tree.ErrCorruptTree):
		return http.StatusInternalServerError, "CORRUPT_TREE", "Directory tree is corrupt", nil
	case errors.Is(err, store.ErrParentNotFound):
		return http.StatusUnprocessableEntity, "PARENT_NOT_FOUND", "Parent directory not found", nil
	case errors.Is(err, snapshot.ErrInvalidKey):
		return http.StatusBadRequest, "INVALID_KEY", "Invalid snapshot key", nil
	case errors.Is(err, snapshot.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Snapshot not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
