// Package httpapi exposes the RAG service's §6 HTTP surface: document
// ingestion and status tracking, and the chat/conversation endpoints. It is
// a thin adapter layer — every handler delegates to internal/rag/pipeline,
// internal/rag/chat, or internal/rag/store and translates their typed
// model.Error values into status codes.
package httpapi

import "net/http"

// Server exposes the RAG HTTP API. It composes the document-ingestion
// handlers with the chat handlers, so one process can serve both ingestion
// and query traffic.
type Server struct {
	Documents *DocumentHandlers
	Chat      *ChatHandlers

	mux *http.ServeMux
}

// NewServer wires a Server from its component handler groups.
func NewServer(docs *DocumentHandlers, chatH *ChatHandlers) *Server {
	s := &Server{Documents: docs, Chat: chatH, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/v1/documents/upload", s.Documents.Upload)
	s.mux.HandleFunc("GET /api/v1/documents", s.Documents.List)
	s.mux.HandleFunc("GET /api/v1/documents/{id}", s.Documents.Detail)
	s.mux.HandleFunc("GET /api/v1/documents/{id}/status", s.Documents.StatusStream)
	s.mux.HandleFunc("POST /api/v1/documents/{id}/retry", s.Documents.Retry)
	s.mux.HandleFunc("DELETE /api/v1/documents/{id}", s.Documents.Delete)

	s.mux.HandleFunc("POST /api/v1/chat", s.Chat.Send)
	s.mux.HandleFunc("POST /api/v1/chat/stream", s.Chat.Stream)
	s.mux.HandleFunc("GET /api/v1/chat/conversations", s.Chat.ListConversations)
	s.mux.HandleFunc("GET /api/v1/chat/conversations/{id}", s.Chat.ConversationDetail)
	s.mux.HandleFunc("PUT /api/v1/chat/conversations/{id}/archive", s.Chat.ToggleArchive)
	s.mux.HandleFunc("POST /api/v1/chat/messages/{id}/feedback", s.Chat.Feedback)
}
