package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"manifold/internal/persistence/databases"
	"manifold/internal/rag/model"
	"manifold/internal/rag/pipeline"
	"manifold/internal/rag/store"
)

// DocumentStore is the subset of internal/rag/store.Store the document
// endpoints need.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (model.Document, error)
	ListDocuments(ctx context.Context, f store.DocumentFilter, limit, offset int) ([]model.Document, error)
	ChunksByDocument(ctx context.Context, documentID string) ([]model.Chunk, error)
	DeleteDocument(ctx context.Context, id string) error
	InvalidateCacheForDocument(ctx context.Context, documentID string) error
}

// DocumentHandlers implements the §6 /api/v1/documents/* surface. Upload
// admission and retry delegate to the pipeline; everything else reads or
// mutates the relational store directly.
type DocumentHandlers struct {
	Store     DocumentStore
	Admitter  *pipeline.Admitter
	Pipe      *pipeline.Orchestrator
	Vector    databases.VectorStore
	Search    databases.FullTextSearch
	MaxMemory int64 // multipart parse buffer, bytes; 0 uses http's default
}

// Upload handles POST /documents/upload: a multipart batch of files plus a
// category_id field. Every file is admitted independently, so a batch with
// one oversized file still admits the rest (§6's per-file 413 behavior).
func (h *DocumentHandlers) Upload(w http.ResponseWriter, r *http.Request) {
	maxMemory := h.MaxMemory
	if maxMemory <= 0 {
		maxMemory = 32 << 20
	}
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		respondError(w, model.Validation("malformed multipart upload", err))
		return
	}
	categoryID := r.FormValue("category_id")
	uploaderID := r.Header.Get("X-User-Id")

	fileHeaders := r.MultipartForm.File["files"]
	if len(fileHeaders) == 0 {
		respondError(w, model.Validation("no files provided under field \"files\"", nil))
		return
	}
	files := make([]pipeline.UploadFile, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			respondError(w, model.Validation(fmt.Sprintf("cannot open %s", fh.Filename), err))
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			respondError(w, model.Validation(fmt.Sprintf("cannot read %s", fh.Filename), err))
			return
		}
		files = append(files, pipeline.UploadFile{Filename: fh.Filename, Data: data})
	}

	results, err := h.Admitter.Admit(r.Context(), files, categoryID, uploaderID)
	if err != nil {
		respondError(w, err)
		return
	}

	type admissionResponse struct {
		Filename   string `json:"filename"`
		DocumentID string `json:"document_id,omitempty"`
		Error      string `json:"error,omitempty"`
	}
	out := make([]admissionResponse, 0, len(results))
	anyOK := false
	for _, res := range results {
		ar := admissionResponse{Filename: res.Filename}
		if res.Err != nil {
			ar.Error = res.Err.Error()
		} else {
			ar.DocumentID = res.DocumentID
			anyOK = true
		}
		out = append(out, ar)
	}
	status := http.StatusCreated
	if !anyOK {
		status = http.StatusBadRequest
	}
	respondJSON(w, status, map[string]any{"results": out})
}

// List handles GET /documents with §6's filter parameters.
func (h *DocumentHandlers) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.DocumentFilter{
		CategoryID: q.Get("category_id"),
		Status:     model.DocumentStatus(q.Get("status")),
		Search:     q.Get("search"),
	}
	if types := q.Get("file_types"); types != "" {
		f.FileTypes = strings.Split(types, ",")
	}
	if from := q.Get("date_from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			f.DateFrom = t
		}
	}
	if to := q.Get("date_to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			f.DateTo = t
		}
	}
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	docs, err := h.Store.ListDocuments(r.Context(), f, limit, offset)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"documents": docs, "page": page, "limit": limit})
}

// Detail handles GET /documents/{id}.
func (h *DocumentHandlers) Detail(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Store.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

// StatusStream handles GET /documents/{id}/status over SSE, relaying the
// pipeline's StatusFeed until it reaches a terminal event.
func (h *DocumentHandlers) StatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, model.Permanent("streaming unsupported", nil))
		return
	}
	id := r.PathValue("id")
	if _, err := h.Store.GetDocument(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events := h.Pipe.Status.Subscribe(id)
	defer h.Pipe.Status.Unsubscribe(id, events)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, "", h.statusEventPayload(r.Context(), id, ev))
			flusher.Flush()
		}
	}
}

// statusEventPayload fills §6's {status, processing_stage, retry_count,
// error_message?, total_chunks?} shape. retry_count/total_chunks aren't
// carried on StatusEvent itself (it's a broadcast of the state transition,
// not a document snapshot), so this re-reads the document; a best-effort
// read failure just omits those two fields rather than breaking the stream.
func (h *DocumentHandlers) statusEventPayload(ctx context.Context, documentID string, ev pipeline.StatusEvent) map[string]any {
	payload := map[string]any{
		"status":           ev.Status,
		"processing_stage": ev.Stage,
	}
	if ev.ErrorMessage != nil {
		payload["error_message"] = *ev.ErrorMessage
	}
	if doc, err := h.Store.GetDocument(ctx, documentID); err == nil {
		payload["retry_count"] = doc.RetryCount
		payload["total_chunks"] = doc.TotalChunks
	}
	return payload
}

// Retry handles POST /documents/{id}/retry.
func (h *DocumentHandlers) Retry(w http.ResponseWriter, r *http.Request) {
	if err := h.Pipe.Retry(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "retrying"})
}

// Delete handles DELETE /documents/{id}: drops the vector entries for every
// chunk, then the relational row (chunks cascade via FK), then any cache
// entries that cited this document.
func (h *DocumentHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	chunks, err := h.Store.ChunksByDocument(ctx, id)
	if err != nil {
		respondError(w, err)
		return
	}
	for _, c := range chunks {
		if c.VectorID == "" {
			continue
		}
		_ = h.Vector.Delete(ctx, c.VectorID)
		_ = h.Search.Remove(ctx, c.ID)
	}
	if err := h.Store.DeleteDocument(ctx, id); err != nil {
		respondError(w, err)
		return
	}
	if err := h.Store.InvalidateCacheForDocument(ctx, id); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
