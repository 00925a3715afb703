package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smartdec/cs-comments-service/internal/search"
	"github.com/smartdec/cs-comments-service/internal/store"
)

type HTTPServer struct {
	service *Service
}

func NewHTTPServer(service *Service) *HTTPServer {
	return &HTTPServer{service: service}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
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
			"search": map[string]any{
				"status":         "ok",
				"pending_writes": s.service.PendingIndexWrites(),
			},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		if !s.service.SearchHealthy() {
			// search degrades, it does not gate readiness
			checks["search"] = map[string]any{
				"status":         "degraded",
				"pending_writes": s.service.PendingIndexWrites(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "v1" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	parts = parts[2:]

	switch parts[0] {
	case "users":
		s.handleUsers(w, r, parts)
		return
	case "search":
		s.handleSearch(w, r, parts)
		return
	case "blocked_hashes":
		if len(parts) == 2 && parts[1] == "refresh" && r.Method == http.MethodPost {
			if err := s.service.RefreshBlocklist(r.Context()); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		if len(parts) == 1 && r.Method == http.MethodPost {
			var body struct {
				Body string `json:"body"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			hash, err := s.service.BlockContent(r.Context(), body.Body)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"hash": hash})
			return
		}
	case "threads":
		if len(parts) >= 2 {
			s.handleThreads(w, r, parts[1], parts[2:])
			return
		}
	case "comments":
		if len(parts) >= 2 {
			s.handleComments(w, r, parts[1], parts[2:])
			return
		}
	default:
		// /:commentable_id/threads
		if len(parts) == 2 && parts[1] == "threads" {
			s.handleCommentableThreads(w, r, parts[0])
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 1 && r.Method == http.MethodPost {
		var body struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.UpsertUser(r.Context(), body.ID, body.Username)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	if len(parts) == 2 && r.Method == http.MethodGet {
		view, err := s.service.GetUser(r.Context(), parts[1])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	if len(parts) == 3 && parts[2] == "read" && r.Method == http.MethodPost {
		var body struct {
			SourceType string `json:"source_type"`
			SourceID   string `json:"source_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.SourceType != store.SourceThread {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "source_type must be thread", nil)
			return
		}
		if err := s.service.MarkThreadRead(r.Context(), parts[1], body.SourceID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 3 && parts[2] == "subscriptions" {
		var body struct {
			SourceType string `json:"source_type"`
			SourceID   string `json:"source_id"`
		}
		_ = decodeBody(r, &body)
		if body.SourceType == "" {
			body.SourceType = strings.TrimSpace(r.URL.Query().Get("source_type"))
		}
		if body.SourceID == "" {
			body.SourceID = strings.TrimSpace(r.URL.Query().Get("source_id"))
		}

		switch r.Method {
		case http.MethodPost:
			if err := s.service.Subscribe(r.Context(), parts[1], body.SourceType, body.SourceID); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case http.MethodDelete:
			if err := s.service.Unsubscribe(r.Context(), parts[1], body.SourceType, body.SourceID); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 2 && parts[1] == "threads" && r.Method == http.MethodGet {
		filterType := search.ResultType(strings.TrimSpace(r.URL.Query().Get("type")))
		if filterType != "" && filterType != search.ResultThread && filterType != search.ResultComment {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "type must be thread or comment", nil)
			return
		}
		q := search.Query{
			Text:          strings.TrimSpace(r.URL.Query().Get("text")),
			FilterType:    filterType,
			CourseID:      strings.TrimSpace(r.URL.Query().Get("course_id")),
			CommentableID: strings.TrimSpace(r.URL.Query().Get("commentable_id")),
			GroupID:       strings.TrimSpace(r.URL.Query().Get("group_id")),
			Limit:         20,
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer", nil)
				return
			}
			q.Limit = parsed
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "offset must be a non-negative integer", nil)
				return
			}
			q.Offset = parsed
		}
		writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
		return
	}

	if len(parts) == 2 && parts[1] == "rebuild_index" && r.Method == http.MethodPost {
		if err := s.service.RebuildIndex(r.Context()); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleThreads(w http.ResponseWriter, r *http.Request, threadID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
			respSkip := 0
			if raw := strings.TrimSpace(r.URL.Query().Get("resp_skip")); raw != "" {
				parsed, err := strconv.Atoi(raw)
				if err != nil || parsed < 0 {
					writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "resp_skip must be a non-negative integer", nil)
					return
				}
				respSkip = parsed
			}
			respLimit := -1
			if raw := strings.TrimSpace(r.URL.Query().Get("resp_limit")); raw != "" {
				parsed, err := strconv.Atoi(raw)
				if err != nil || parsed <= 0 {
					writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "resp_limit must be a positive integer", nil)
					return
				}
				respLimit = parsed
			}
			markAsRead := r.URL.Query().Get("mark_as_read") == "true"
			view, err := s.service.GetThread(r.Context(), threadID, userID, respSkip, respLimit, markAsRead)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
			return
		case http.MethodPut:
			var body struct {
				Title string `json:"title"`
				Body  string `json:"body"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			view, err := s.service.UpdateThread(r.Context(), threadID, body.Title, body.Body)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
			return
		case http.MethodDelete:
			if err := s.service.DeleteThread(r.Context(), threadID); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(rest) == 1 && rest[0] == "comments" && r.Method == http.MethodPost {
		var body CommentRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.CreateResponse(r.Context(), threadID, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	if len(rest) == 1 && rest[0] == "votes" {
		s.handleVotes(w, r, store.ContentThread, threadID)
		return
	}

	if len(rest) == 1 && (rest[0] == "abuse_flag" || rest[0] == "abuse_unflag") && r.Method == http.MethodPut {
		s.handleAbuseFlag(w, r, store.ContentThread, threadID, rest[0] == "abuse_flag")
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, commentID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			view, err := s.service.GetComment(r.Context(), commentID)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
			return
		case http.MethodPost:
			var body CommentRequest
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			view, err := s.service.CreateReply(r.Context(), commentID, body)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
			return
		case http.MethodPut:
			var body struct {
				Body     string `json:"body"`
				Endorsed *bool  `json:"endorsed"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			view, err := s.service.UpdateComment(r.Context(), commentID, body.Body, body.Endorsed)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
			return
		case http.MethodDelete:
			if err := s.service.DeleteComment(r.Context(), commentID); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(rest) == 1 && rest[0] == "votes" {
		s.handleVotes(w, r, store.ContentComment, commentID)
		return
	}

	if len(rest) == 1 && (rest[0] == "abuse_flag" || rest[0] == "abuse_unflag") && r.Method == http.MethodPut {
		s.handleAbuseFlag(w, r, store.ContentComment, commentID, rest[0] == "abuse_flag")
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleVotes(w http.ResponseWriter, r *http.Request, contentType, contentID string) {
	var body struct {
		UserID string `json:"user_id"`
		Value  string `json:"value"`
	}
	_ = decodeBody(r, &body)
	if body.UserID == "" {
		body.UserID = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}

	switch r.Method {
	case http.MethodPut:
		view, err := s.service.Vote(r.Context(), contentType, contentID, body.UserID, body.Value)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	case http.MethodDelete:
		view, err := s.service.Unvote(r.Context(), contentType, contentID, body.UserID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleAbuseFlag(w http.ResponseWriter, r *http.Request, contentType, contentID string, flagged bool) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.SetAbuseFlag(r.Context(), contentType, contentID, body.UserID, flagged); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleCommentableThreads(w http.ResponseWriter, r *http.Request, commentableID string) {
	switch r.Method {
	case http.MethodGet:
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		payload, err := s.service.ListCommentableThreads(r.Context(), commentableID, userID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	case http.MethodPost:
		var body ThreadRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.CreateThread(r.Context(), commentableID, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	case http.MethodDelete:
		if err := s.service.DeleteCommentableThreads(r.Context(), commentableID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

// fail maps an error onto the wire. Blocked content is sent as a bare
// JSON array holding the message, which is what forum clients expect.
func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if code == "BLOCKED_CONTENT" {
		writeJSON(w, status, []string{message})
		return
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) authorized(r *http.Request) bool {
	key := s.service.APIKey()
	if key == "" {
		return true
	}
	given := r.Header.Get("X-Edx-Api-Key")
	return subtle.ConstantTimeCompare([]byte(given), []byte(key)) == 1
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
		writer.Header().Set("Content-Type", "application/json")
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
