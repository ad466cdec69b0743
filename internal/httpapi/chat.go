package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"manifold/internal/rag/chat"
	"manifold/internal/rag/generator"
	"manifold/internal/rag/model"
	"manifold/internal/rag/store"
)

// ChatStore is the subset of internal/rag/store.Store the chat endpoints
// need beyond what chat.Coordinator itself requires.
type ChatStore interface {
	GetConversation(ctx context.Context, id string) (model.Conversation, error)
	ListConversations(ctx context.Context, f store.ConversationFilter, limit, offset int) ([]model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	ToggleArchive(ctx context.Context, id string) (bool, error)
	UpsertFeedback(ctx context.Context, f model.Feedback) error
}

// ChatHandlers implements the §6 /api/v1/chat/* surface.
type ChatHandlers struct {
	Coordinator *chat.Coordinator
	Store       ChatStore
}

type chatRequestBody struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	Stream         bool   `json:"stream"`
}

func decodeChatRequest(r *http.Request) (chat.Request, error) {
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return chat.Request{}, model.Validation("malformed request body", err)
	}
	if body.Message == "" {
		return chat.Request{}, model.Validation("message is required", nil)
	}
	if body.ConversationID == "" {
		body.ConversationID = uuid.NewString()
	}
	return chat.Request{ConversationID: body.ConversationID, Message: body.Message}, nil
}

// Send handles POST /chat: the non-streaming path.
func (h *ChatHandlers) Send(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	resp, err := h.Coordinator.Handle(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": req.ConversationID,
		"message":         resp.Message,
		"sources":         resp.Sources,
		"cache_hit":       resp.CacheHit,
	})
}

// Stream handles POST /chat/stream over SSE, relaying the coordinator's
// event channel in the order §6 mandates: start, token*, sources, metadata,
// done.
func (h *ChatHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	start, events, err := h.Coordinator.HandleStream(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, model.Permanent("streaming unsupported", nil))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "", map[string]any{"type": "start", "conversation_id": start.ConversationID, "message_id": start.MessageID})
	flusher.Flush()

	for ev := range events {
		writeSSE(w, "", streamEventPayload(ev))
		flusher.Flush()
		if ev.Kind == generator.EventDone {
			break
		}
	}
	writeSSERaw(w, "[DONE]")
	flusher.Flush()
}

func streamEventPayload(ev generator.StreamEvent) map[string]any {
	switch ev.Kind {
	case generator.EventToken:
		return map[string]any{"type": "token", "content": ev.Token}
	case generator.EventSources:
		return map[string]any{"type": "sources", "sources": ev.Sources}
	case generator.EventMetadata:
		return map[string]any{
			"type":                  "metadata",
			"tokens_input":          ev.Metadata.TokensInput,
			"tokens_output":         ev.Metadata.TokensOutput,
			"model_used":            ev.Metadata.ModelUsed,
			"response_time_seconds": ev.Metadata.ResponseTimeSeconds,
		}
	case generator.EventError:
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return map[string]any{"type": "error", "message": msg}
	default:
		return map[string]any{"type": "done"}
	}
}

// ListConversations handles GET /chat/conversations.
func (h *ChatHandlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page <= 0 {
		page = 1
	}
	const limit = 20
	includeArchived, _ := strconv.ParseBool(q.Get("include_archived"))

	convs, err := h.Store.ListConversations(r.Context(), store.ConversationFilter{
		OwnerID:         r.Header.Get("X-User-Id"),
		IncludeArchived: includeArchived,
		Search:          q.Get("search"),
	}, limit, (page-1)*limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": convs, "page": page})
}

// ConversationDetail handles GET /chat/conversations/{id}: the conversation
// plus its messages.
func (h *ChatHandlers) ConversationDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := h.Store.GetConversation(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	msgs, err := h.Store.ListMessages(r.Context(), id, 0)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversation": conv, "messages": msgs})
}

// ToggleArchive handles PUT /chat/conversations/{id}/archive.
func (h *ChatHandlers) ToggleArchive(w http.ResponseWriter, r *http.Request) {
	archived, err := h.Store.ToggleArchive(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"archived": archived})
}

type feedbackBody struct {
	Rating  int     `json:"rating"`
	Comment *string `json:"comment"`
}

// Feedback handles POST /chat/messages/{id}/feedback.
func (h *ChatHandlers) Feedback(w http.ResponseWriter, r *http.Request) {
	var body feedbackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, model.Validation("malformed request body", err))
		return
	}
	if body.Rating != 1 && body.Rating != -1 {
		respondError(w, model.Validation("rating must be +1 or -1", nil))
		return
	}
	f := model.Feedback{
		ID:        uuid.NewString(),
		MessageID: r.PathValue("id"),
		UserID:    r.Header.Get("X-User-Id"),
		Rating:    body.Rating,
		Comment:   body.Comment,
	}
	if err := h.Store.UpsertFeedback(r.Context(), f); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, f)
}
