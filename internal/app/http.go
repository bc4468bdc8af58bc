package app

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"murmur/internal/bridge"
	"murmur/internal/identity"
	"murmur/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	adminToken string
}

func NewHTTPServer(service *Service, corsOrigin, adminToken string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, adminToken: adminToken}
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
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/challenge" {
		writeJSON(w, http.StatusOK, map[string]any{"challenge": s.service.IssueChallenge()})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// /api/admin/{tenant}/comments/{id}
	if parts[1] == "admin" {
		s.handleAdmin(w, r, parts)
		return
	}

	tenant, err := identity.ParseTenantID(parts[1])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	switch {
	case len(parts) == 3 && parts[2] == "comments" && r.Method == http.MethodPost:
		s.handleSubmitComment(w, r, tenant)
	case len(parts) == 4 && parts[2] == "comments" && r.Method == http.MethodGet:
		s.handleListComments(w, r, tenant, parts[3])
	case len(parts) == 4 && parts[2] == "comments" && r.Method == http.MethodPut:
		s.handleEditComment(w, r, tenant, parts[3])
	case len(parts) == 4 && parts[2] == "comments" && r.Method == http.MethodDelete:
		s.handleDeleteComment(w, r, tenant, parts[3])
	case len(parts) == 3 && parts[2] == "search" && r.Method == http.MethodGet:
		s.handleSearch(w, r, tenant)
	case len(parts) == 4 && parts[2] == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r, tenant, parts[3])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request, tenant identity.TenantID, slug string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	comments, total, err := s.service.ListComments(r.Context(), tenant, slug, limit, offset)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"comments": comments,
		"total":    total,
	})
}

func (s *HTTPServer) handleSubmitComment(w http.ResponseWriter, r *http.Request, tenant identity.TenantID) {
	var body struct {
		Slug       string `json:"slug"`
		Content    string `json:"content"`
		Nickname   string `json:"nickname"`
		Email      string `json:"email"`
		GuestToken string `json:"guestToken"`
		ReplyTo    string `json:"replyTo"`
		TxnID      string `json:"txnId"`
		Challenge  string `json:"challenge"`
		Nonce      string `json:"nonce"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Slug == "" || body.Content == "" || body.Nickname == "" || body.GuestToken == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "slug, content, nickname and guestToken are required", nil)
		return
	}

	// Admission gate before any remote round trip.
	if !s.service.VerifyProof(r.Context(), body.Challenge, body.Nonce) {
		writeError(w, http.StatusForbidden, "POW_REJECTED", "Proof of work rejected", nil)
		return
	}

	err := s.service.SubmitComment(r.Context(), SubmitCommentInput{
		Tenant:     tenant,
		Slug:       body.Slug,
		Content:    body.Content,
		Nickname:   body.Nickname,
		Email:      body.Email,
		GuestToken: body.GuestToken,
		ReplyTo:    body.ReplyTo,
		TxnID:      body.TxnID,
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "txnId": body.TxnID})
}

func (s *HTTPServer) handleEditComment(w http.ResponseWriter, r *http.Request, tenant identity.TenantID, commentID string) {
	var body struct {
		Slug       string `json:"slug"`
		Content    string `json:"content"`
		Email      string `json:"email"`
		GuestToken string `json:"guestToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Slug == "" || body.Content == "" || body.GuestToken == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "slug, content and guestToken are required", nil)
		return
	}

	fp := s.service.Fingerprint(body.Email, body.GuestToken)
	if err := s.service.EditComment(r.Context(), tenant, body.Slug, commentID, body.Content, fp); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request, tenant identity.TenantID, commentID string) {
	var body struct {
		Slug       string `json:"slug"`
		Email      string `json:"email"`
		GuestToken string `json:"guestToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Slug == "" || body.GuestToken == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "slug and guestToken are required", nil)
		return
	}

	fp := s.service.Fingerprint(body.Email, body.GuestToken)
	if err := s.service.DeleteComment(r.Context(), tenant, body.Slug, commentID, fp); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, parts []string) {
	if s.adminToken == "" {
		writeError(w, http.StatusServiceUnavailable, "ADMIN_DISABLED", "Admin API not configured", nil)
		return
	}
	token := bearerToken(r)
	if token == "" || !hmac.Equal([]byte(token), []byte(s.adminToken)) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	// DELETE /api/admin/{tenant}/comments/{id}
	if len(parts) != 5 || parts[3] != "comments" || r.Method != http.MethodDelete {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	tenant, err := identity.ParseTenantID(parts[2])
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	var body struct {
		Slug   string `json:"slug"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Slug == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "slug is required", nil)
		return
	}

	if err := s.service.AdminRedactComment(r.Context(), tenant, body.Slug, parts[4], body.Reason); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, tenant identity.TenantID) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	resp := s.service.Search(search.Query{
		Text:     query.Get("q"),
		SiteID:   tenant.String(),
		PostSlug: query.Get("slug"),
		Limit:    limit,
		Offset:   offset,
	})
	writeJSON(w, http.StatusOK, resp)
}

const sseHeartbeat = 25 * time.Second

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, tenant identity.TenantID, slug string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	notifications, cancel := s.service.Subscribe()
	defer cancel()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if n.Tenant != tenant.String() || n.Slug != slug {
				continue
			}
			writeSSE(w, n)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, n bridge.Notification) {
	var payload any
	if n.Comment != nil {
		payload = n.Comment
	} else {
		payload = map[string]string{"id": n.CommentID}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data)
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

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
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
