package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/adi-253/Talkie/realtime/internal/apperror"
	"github.com/adi-253/Talkie/realtime/internal/models"
	"github.com/adi-253/Talkie/realtime/internal/services"
)

// MessageHandler contains HTTP handlers for message operations.
// Provides a polling-based fallback when the websocket is unavailable.
type MessageHandler struct {
	conversations *services.ConversationService
}

// NewMessageHandler creates a new MessageHandler instance.
func NewMessageHandler(conversations *services.ConversationService) *MessageHandler {
	return &MessageHandler{conversations: conversations}
}

// SendMessage handles POST /api/conversations/{id}/messages
// Runs the same pipeline as send_message; connected clients receive the
// new_message event as usual.
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")

	var req models.SendMessagePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.EventSendMessage, apperror.Validation("invalid request body"))
		return
	}

	metadata := map[string]string{"remoteAddr": r.RemoteAddr, "userAgent": r.UserAgent()}
	view, err := h.conversations.SendMessage(r.Context(), conversationID, userID, req, metadata)
	if err != nil {
		writeError(w, models.EventSendMessage, err)
		return
	}
	logrus.WithFields(logrus.Fields{
		"component":       "http",
		"conversation_id": conversationID,
		"message_id":      view.ID,
	}).Debug("message stored via polling fallback")
	writeJSON(w, http.StatusCreated, view)
}

// GetMessages handles GET /api/conversations/{id}/messages
// Query params:
//   - limit: page size, capped by the store
//   - before: only messages with a lower sequence number (for paging back)
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, "get_messages", apperror.Validation("invalid 'limit' value"))
		return
	}
	before, err := queryInt(r, "before")
	if err != nil {
		writeError(w, "get_messages", apperror.Validation("invalid 'before' value"))
		return
	}

	messages, err := h.conversations.GetMessages(r.Context(), chi.URLParam(r, "id"), userID, int(limit), before)
	if err != nil {
		writeError(w, "get_messages", err)
		return
	}
	if messages == nil {
		messages = []models.MessageView{}
	}

	writeJSON(w, http.StatusOK, models.GetMessagesResponse{Messages: messages})
}

func queryInt(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
