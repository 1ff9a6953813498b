// ABOUTME: HTTP handlers for the relay API: session lifecycle, SSE streaming,
// ABOUTME: permission resolution, stop, and usage stats.

package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ccshell/relay/internal/events"
	"github.com/ccshell/relay/internal/runtime"
	"github.com/ccshell/relay/internal/session"
)

// deniedByUserReason is the fixed message attached to an explicit denial.
const deniedByUserReason = "User denied this action"

// stoppedByUserReason is the fixed message attached to a stop teardown.
const stoppedByUserReason = "Session stopped by user"

type createSessionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
}

type sendMessageRequest struct {
	Content    string `json:"content"`
	Model      string `json:"model"`
	WorkingDir string `json:"cwd"`
}

type permissionRequest struct {
	RequestID string `json:"requestId"`
	Allow     bool   `json:"allow"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, s.config.Models.Available)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.history.ListSessions()
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []runtime.SessionInfo{}
	}
	sendJSON(w, http.StatusOK, sessions)
}

// handleCreateSession registers a provisional session and dispatches its first
// turn. The returned id is replaced by the runtime's canonical id, announced
// over the stream as a system_init event.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Prompt == "" {
		sendJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	model := req.Model
	if model == "" {
		model = s.config.Models.Default
	}

	provisionalID := "temp-" + uuid.New().String()
	rec := s.registry.FindOrCreate(provisionalID, model)

	if err := s.driver.Start(s.turnCtx, rec, req.Prompt); err != nil {
		// A freshly minted record cannot be busy; treat any failure as internal.
		s.logger.Error("failed to start session", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	s.logger.Info("session created", "session_id", provisionalID, "model", model)
	sendJSON(w, http.StatusOK, createSessionResponse{
		SessionID: rec.ID(),
		Model:     rec.Model(),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	messages, err := s.history.Messages(sessionID)
	if err != nil {
		s.logger.Error("failed to read session history", "session_id", sessionID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to read session history")
		return
	}
	if messages == nil {
		messages = []events.ChatMessage{}
	}
	sendJSON(w, http.StatusOK, messages)
}

// handleStream attaches the caller as an SSE subscriber. Buffered frames are
// replayed first, then a fresh system_init, then live events until the client
// disconnects or the subscriber is evicted as unwritable.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	rec := s.lookupOrAdopt(sessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subID, frames := rec.Attach()
	defer rec.Detach(subID)

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				// Evicted by the publisher; the client should reconnect.
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	rec := s.lookupOrAdopt(sessionID)
	rec.SetModel(req.Model)
	rec.SetWorkingDir(req.WorkingDir)

	if err := s.driver.Start(s.turnCtx, rec, req.Content); err != nil {
		if errors.Is(err, session.ErrBusy) {
			sendJSONError(w, http.StatusConflict, "session is busy processing a request")
			return
		}
		s.logger.Error("failed to start turn", "session_id", sessionID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to start turn")
		return
	}

	sendJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RequestID == "" {
		sendJSONError(w, http.StatusBadRequest, "requestId is required")
		return
	}

	rec, ok := s.registry.Find(sessionID)
	if !ok {
		sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	decision := session.Decision{Allow: req.Allow}
	if !req.Allow {
		decision.Reason = deniedByUserReason
	}

	if err := rec.ResolveApproval(req.RequestID, decision); err != nil {
		if errors.Is(err, session.ErrNoPendingPermission) {
			sendJSONError(w, http.StatusNotFound, "No pending permission")
			return
		}
		s.logger.Error("failed to resolve permission", "session_id", sessionID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to resolve permission")
		return
	}

	s.logger.Info("permission resolved",
		"session_id", sessionID,
		"request_id", req.RequestID,
		"allow", req.Allow,
	)
	sendJSON(w, http.StatusOK, okResponse{OK: true})
}

// handleStop cancels the in-flight turn and force-denies pending approvals.
// Returns before the runtime teardown completes.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	rec, ok := s.registry.Find(sessionID)
	if !ok {
		sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	rec.Stop(stoppedByUserReason)
	s.logger.Info("session stopped", "session_id", sessionID)
	sendJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		sendJSONError(w, http.StatusInternalServerError, "usage ledger unavailable")
		return
	}

	totals, err := s.ledger.Totals(r.Context())
	if err != nil {
		s.logger.Error("failed to read usage totals", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to read usage stats")
		return
	}
	perSession, err := s.ledger.PerSession(r.Context())
	if err != nil {
		s.logger.Error("failed to read per-session usage", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to read usage stats")
		return
	}

	sendJSON(w, http.StatusOK, map[string]any{
		"totals":   totals,
		"sessions": perSession,
	})
}

// lookupOrAdopt finds a live record or creates one for an externally supplied
// id. An adopted id came from the caller (typically a historical session), so
// it is canonical and later turns resume it.
func (s *Server) lookupOrAdopt(sessionID string) *session.Record {
	if rec, ok := s.registry.Find(sessionID); ok {
		return rec
	}
	rec := s.registry.FindOrCreate(sessionID, s.config.Models.Default)
	rec.MarkCanonical()
	return rec
}

func sendJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already out; an encode failure here is unrecoverable.
	_ = json.NewEncoder(w).Encode(payload)
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}
