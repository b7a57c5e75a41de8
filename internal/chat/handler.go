package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	myMiddleware "marketchat/internal/middleware"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Store is what the REST handlers read and write.
type Store interface {
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
	FindOrCreateConversation(ctx context.Context, a, b int64) (*Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID, beforeID int64, limit int) ([]*Message, error)
}

type Handler struct {
	store  Store
	logger *zap.Logger
}

func NewHandler(store Store, logger *zap.Logger) *Handler {
	return &Handler{store: store, logger: logger.Named("chat")}
}

type startConversationRequest struct {
	TargetID int64 `json:"target_id"`
}

// StartConversation finds or creates the conversation between the caller
// and target_id.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserIDFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.TargetID <= 0 {
		http.Error(w, "target_id is required", http.StatusBadRequest)
		return
	}

	conv, err := h.store.FindOrCreateConversation(r.Context(), userID, req.TargetID)
	if err != nil {
		if errors.Is(err, ErrSelfConversation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("start conversation", zap.Int64("user_id", userID), zap.Int64("target_id", req.TargetID), zap.Error(err))
		http.Error(w, "could not start conversation", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// ListConversations returns the caller's conversations, most recent first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserIDFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	list, err := h.store.ListConversations(r.Context(), userID)
	if err != nil {
		h.logger.Error("list conversations", zap.Int64("user_id", userID), zap.Error(err))
		http.Error(w, "could not load conversations", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetChatHistory returns messages of one conversation, newest first.
// ?before= pages backwards by message id.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserIDFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	conversationID, err := strconv.ParseInt(q.Get("conversation_id"), 10, 64)
	if err != nil || conversationID <= 0 {
		http.Error(w, "invalid conversation_id", http.StatusBadRequest)
		return
	}

	limit := defaultHistoryLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	var before int64
	if s := q.Get("before"); s != "" {
		before, err = strconv.ParseInt(s, 10, 64)
		if err != nil || before < 0 {
			http.Error(w, "invalid before", http.StatusBadRequest)
			return
		}
	}

	ok, err = h.store.IsParticipant(r.Context(), conversationID, userID)
	if err != nil {
		h.logger.Error("check participant", zap.Int64("conversation_id", conversationID), zap.Error(err))
		http.Error(w, "could not load conversation", http.StatusInternalServerError)
		return
	}
	// Unknown and foreign conversations look the same to the caller.
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), conversationID, before, limit)
	if err != nil {
		h.logger.Error("list messages", zap.Int64("conversation_id", conversationID), zap.Error(err))
		http.Error(w, "could not load messages", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
