package app

import (
	"context"
	"crypto/rand"
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

	"dropz/api/internal/editing"
	"dropz/api/internal/session"
)

// maxAssetSize caps multipart uploads at 25 MiB.
const maxAssetSize = 25 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
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

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signout" {
		if token := bearerToken(r); token != "" {
			_ = s.service.SignOut(r.Context(), token)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
			return
		}
		sess, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "username": sess.Username, "userId": sess.UserID})
		return
	}

	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/user/...
	if r.Method == http.MethodGet && r.URL.Path == "/api/user/profile" {
		payload, err := s.service.Profile(r.Context(), sess.UserID)
		s.respond(w, payload, err)
		return
	}
	if r.Method == http.MethodPut && r.URL.Path == "/api/user/profile" {
		var body struct {
			Email     string `json:"email"`
			AvatarURL string `json:"avatarUrl"`
			Bio       string `json:"bio"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateProfile(r.Context(), sess.UserID, body.Email, body.AvatarURL, body.Bio)
		s.respond(w, payload, err)
		return
	}
	if r.Method == http.MethodDelete && r.URL.Path == "/api/user" {
		if err := s.service.DeleteAccount(r.Context(), sess); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
		return
	}
	if (r.Method == http.MethodGet || r.Method == http.MethodPost) && r.URL.Path == "/api/user/workspace" {
		payload, err := s.service.Workspace(r.Context(), sess.UserID)
		s.respond(w, payload, err)
		return
	}

	// /api/editing/...
	if r.Method == http.MethodPost && r.URL.Path == "/api/editing/start" {
		payload, err := s.service.StartEditing(r.Context(), sess)
		s.respond(w, payload, err)
		return
	}
	if r.Method == http.MethodGet && r.URL.Path == "/api/editing/status" {
		payload, err := s.service.EditingStatus(r.Context(), sess)
		s.respond(w, payload, err)
		return
	}
	if r.Method == http.MethodPost && (r.URL.Path == "/api/editing/apply" || r.URL.Path == "/api/editing/discard") {
		var body struct {
			SessionID string `json:"sessionId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.SessionID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sessionId is required", nil)
			return
		}
		var payload map[string]any
		var err error
		if strings.HasSuffix(r.URL.Path, "/apply") {
			payload, err = s.service.ApplyEditing(r.Context(), sess, body.SessionID)
		} else {
			payload, err = s.service.DiscardEditing(r.Context(), sess, body.SessionID)
		}
		s.respond(w, payload, err)
		return
	}

	// /api/nodes...
	if r.Method == http.MethodPost && r.URL.Path == "/api/nodes" {
		var body struct {
			Slug      string         `json:"slug"`
			Title     string         `json:"title"`
			Namespace string         `json:"namespace"`
			Type      string         `json:"type"`
			Content   string         `json:"content"`
			Metadata  map[string]any `json:"metadata"`
			SortOrder int            `json:"sortOrder"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateNode(r.Context(), sess, editing.CreateNodeInput{
			Slug:      body.Slug,
			Title:     body.Title,
			Namespace: body.Namespace,
			Type:      body.Type,
			Content:   body.Content,
			Metadata:  body.Metadata,
			SortOrder: body.SortOrder,
		})
		s.respond(w, payload, err)
		return
	}
	if len(parts) == 3 && parts[0] == "api" && parts[1] == "nodes" {
		nodeID := parts[2]
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetNode(r.Context(), sess.UserID, nodeID)
			s.respond(w, payload, err)
			return
		case http.MethodPut:
			var body struct {
				Title     *string        `json:"title"`
				Content   *string        `json:"content"`
				Metadata  map[string]any `json:"metadata"`
				SortOrder *int           `json:"sortOrder"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateNode(r.Context(), sess, nodeID, editing.UpdateNodeInput{
				Title:     body.Title,
				Content:   body.Content,
				Metadata:  body.Metadata,
				SortOrder: body.SortOrder,
			})
			s.respond(w, payload, err)
			return
		case http.MethodDelete:
			payload, err := s.service.DeleteNode(r.Context(), sess, nodeID)
			s.respond(w, payload, err)
			return
		}
	}
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "nodes" && parts[3] == "assets" && r.Method == http.MethodPost {
		s.handleUploadAsset(w, r, sess, parts[2])
		return
	}
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "nodes" && parts[3] == "export.pdf" && r.Method == http.MethodGet {
		result, err := s.service.ExportNodePDF(r.Context(), sess, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	// /api/planets...
	if r.Method == http.MethodGet && r.URL.Path == "/api/planets" {
		payload, err := s.service.ListPlanets(r.Context())
		s.respond(w, payload, err)
		return
	}
	if len(parts) == 3 && parts[0] == "api" && parts[1] == "planets" && r.Method == http.MethodPut {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.RenamePlanet(r.Context(), sess.UserID, parts[2], body.Name)
		s.respond(w, payload, err)
		return
	}
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "planets" && parts[3] == "tree" && r.Method == http.MethodGet {
		payload, err := s.service.PlanetTree(r.Context(), parts[2])
		s.respond(w, payload, err)
		return
	}
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "planets" && parts[3] == "history" && r.Method == http.MethodGet {
		limit, ok := queryInt(w, r, "limit", 20)
		if !ok {
			return
		}
		payload, err := s.service.PlanetHistory(r.Context(), parts[2], limit)
		s.respond(w, payload, err)
		return
	}

	// /api/search
	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		limit, ok := queryInt(w, r, "limit", 20)
		if !ok {
			return
		}
		offset, ok := queryInt(w, r, "offset", 0)
		if !ok {
			return
		}
		payload, err := s.service.Search(r.Context(), sess.UserID, q, limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.SignUp(r.Context(), body.Username, body.Email, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":    sess.Token,
		"userId":   sess.UserID,
		"username": sess.Username,
	})
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    sess.Token,
		"userId":   sess.UserID,
		"username": sess.Username,
	})
}

func (s *HTTPServer) handleUploadAsset(w http.ResponseWriter, r *http.Request, sess Session, nodeID string) {
	if err := r.ParseMultipartForm(maxAssetSize); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file field is required", nil)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	payload, err := s.service.UploadAsset(r.Context(), sess, nodeID, header.Filename, contentType, header.Size, file)
	s.respond(w, payload, err)
}

func (s *HTTPServer) respond(w http.ResponseWriter, payload map[string]any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, session.ErrTokenNotFound) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return sess, true
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

func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be a non-negative integer", nil)
		return 0, false
	}
	return parsed, true
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErr *editing.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validationErr.Message, nil
	}
	switch {
	case errors.Is(err, sql.ErrNoRows),
		errors.Is(err, editing.ErrNodeNotFound),
		errors.Is(err, editing.ErrSessionNotFound),
		errors.Is(err, editing.ErrParentNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, editing.ErrNoActiveSession):
		return http.StatusForbidden, "EDITING_DISABLED", "No active editing session", nil
	case errors.Is(err, editing.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, editing.ErrNodeExists):
		return http.StatusConflict, "NODE_EXISTS", "A node already exists at that path", nil
	case errors.Is(err, editing.ErrFolderNotEmpty):
		return http.StatusConflict, "FOLDER_NOT_EMPTY", "Folder is not empty", nil
	case errors.Is(err, session.ErrTokenNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
