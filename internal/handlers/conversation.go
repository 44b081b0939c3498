package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/adi-253/Talkie/realtime/internal/apperror"
	"github.com/adi-253/Talkie/realtime/internal/dispatch"
	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/services"
	"github.com/adi-253/Talkie/realtime/internal/websocket"
)

// ConversationHandler contains HTTP handlers for conversation operations.
// All handlers follow RESTful conventions and return JSON responses.
type ConversationHandler struct {
	conversations *services.ConversationService
}

// NewConversationHandler creates a new ConversationHandler instance.
func NewConversationHandler(conversations *services.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

// CreateConversation handles POST /api/conversations
// Called by the matching service once two users match.
func (h *ConversationHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req models.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "create_conversation", apperror.Validation("invalid request body"))
		return
	}

	conv, err := h.conversations.CreateConversation(r.Context(), req)
	if err != nil {
		writeError(w, "create_conversation", err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// GetConversation handles GET /api/conversations/{id}
func (h *ConversationHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	conv, err := h.conversations.GetConversation(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, "get_conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// ArchiveConversation handles POST /api/conversations/{id}/archive
// Either participant may archive; no new messages are accepted afterwards.
func (h *ConversationHandler) ArchiveConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	conv, err := h.conversations.Archive(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, "archive_conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Unread handles GET /api/conversations/{id}/unread
func (h *ConversationHandler) Unread(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	n, err := h.conversations.Unread(r.Context(), id, userID)
	if err != nil {
		writeError(w, "unread", err)
		return
	}
	writeJSON(w, http.StatusOK, models.UnreadResponse{ConversationID: id, UserID: userID, Unread: n})
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := websocket.UserID(r)
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

// statusOf maps a rejection kind to an HTTP status.
func statusOf(kind apperror.Kind) int {
	switch kind {
	case apperror.KindValidation:
		return http.StatusBadRequest
	case apperror.KindAuthorization, apperror.KindSecurityBlocked:
		return http.StatusForbidden
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindRateLimit:
		return http.StatusTooManyRequests
	case apperror.KindModerationBlocked:
		return http.StatusUnprocessableEntity
	case apperror.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case apperror.KindUpstreamFailure:
		return http.StatusBadGateway
	case apperror.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with the same body the websocket error event carries.
func writeError(w http.ResponseWriter, event string, err error) {
	ev := dispatch.ErrorEvent(event, err)
	writeJSON(w, statusOf(apperror.KindOf(err)), ev.Payload)
}

// writeJSON is a helper to write JSON responses
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
