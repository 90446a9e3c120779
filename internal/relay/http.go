package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// Pinger is what readiness probing needs from the backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPServer struct {
	store      *CardStore
	hub        *Hub
	pinger     Pinger
	corsOrigin string
}

// NewHTTPServer wires the sync endpoint and the collaboration hub. pinger
// may be nil when the store has no connectivity to probe.
func NewHTTPServer(store *CardStore, hub *Hub, pinger Pinger, corsOrigin string) *HTTPServer {
	return &HTTPServer{store: store, hub: hub, pinger: pinger, corsOrigin: corsOrigin}
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
			"store": map[string]any{"status": "ok"},
		}
		if s.pinger != nil {
			if err := s.pinger.Ping(ctx); err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks["store"] = map[string]any{"status": "error", "error": err.Error()}
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 2 && parts[0] == "sync" {
		s.handleSync(w, r, parts[1])
		return
	}

	if len(parts) == 2 && parts[0] == "collaboration" && r.Method == http.MethodGet {
		// ServeWS hijacks the connection; the middleware's JSON headers do
		// not apply once the upgrade succeeds.
		s.hub.ServeWS(w, r, parts[1])
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "cards" && r.Method == http.MethodGet {
		payload, err := s.store.Get(r.Context(), parts[2])
		if err != nil {
			if errors.Is(err, ErrCardNotFound) {
				writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
				return
			}
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not load card", nil)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleSync applies one queued mutation. Create and update arrive as POST,
// delete as DELETE; a stale update gets a 409 whose body is the server's
// current card state.
func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request, action string) {
	wantMethod := http.MethodPost
	if action == "delete" {
		wantMethod = http.MethodDelete
	}
	if r.Method != wantMethod {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	var body struct {
		Data      map[string]any    `json:"data"`
		Metadata  map[string]string `json:"metadata"`
		Timestamp time.Time         `json:"timestamp"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if len(body.Data) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "data is required", nil)
		return
	}

	authoritative, err := s.store.Apply(r.Context(), action, body.Data)
	if err != nil {
		var conflictErr *ConflictError
		if errors.As(err, &conflictErr) {
			writeJSON(w, http.StatusConflict, conflictErr.Current)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	if authoritative == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, authoritative)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Websocket upgrades must not go through the recording writer:
		// Hijack would be hidden behind it.
		if strings.HasPrefix(r.URL.Path, "/collaboration/") {
			next.ServeHTTP(w, r)
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

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
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
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
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
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
