package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"manifold/internal/config"
	"manifold/internal/llm"
	"manifold/internal/persistence/databases"
	ragcache "manifold/internal/rag/cache"
	"manifold/internal/rag/chat"
	"manifold/internal/rag/embedder"
	"manifold/internal/rag/generator"
	"manifold/internal/rag/model"
	"manifold/internal/rag/pipeline"
	"manifold/internal/rag/retrieve"
	"manifold/internal/rag/store"
)

// --- shared fakes ---------------------------------------------------------

// fakeStore backs both DocumentStore and pipeline.Store, plus the parts of
// ChatStore the coordinator needs, the way internal/rag/pipeline's own test
// fake does for the same interfaces.
type fakeStore struct {
	mu            sync.Mutex
	docs          map[string]model.Document
	chunks        map[string][]model.Chunk
	leases        map[string]string
	conversations map[string]model.Conversation
	messages      []model.Message
	deleted       []string
	invalidated   []string
	feedback      []model.Feedback
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:          map[string]model.Document{},
		chunks:        map[string][]model.Chunk{},
		leases:        map[string]string{},
		conversations: map[string]model.Conversation{"c1": {ID: "c1", Title: model.DefaultConversationTitle}},
	}
}

func (s *fakeStore) CreateDocument(_ context.Context, d model.Document) (model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[d.ID] = d
	return d, nil
}

func (s *fakeStore) GetDocument(_ context.Context, id string) (model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return model.Document{}, model.NotFound("document not found", nil)
	}
	return d, nil
}

func (s *fakeStore) ListDocuments(_ context.Context, f store.DocumentFilter, limit, offset int) ([]model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Document
	for _, d := range s.docs {
		if f.CategoryID != "" && d.CategoryID != f.CategoryID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *fakeStore) UpdateStage(_ context.Context, id string, status model.DocumentStatus, stage model.ProcessingStage, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.docs[id]
	d.Status = status
	d.ProcessingStage = stage
	d.ErrorMessage = errMsg
	s.docs[id] = d
	return nil
}

func (s *fakeStore) IncrementRetry(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.docs[id]
	d.RetryCount++
	s.docs[id] = d
	return d.RetryCount, nil
}

func (s *fakeStore) SetExtraction(context.Context, string, model.ExtractionMethod, string, bool, int, int, float64) error {
	return nil
}
func (s *fakeStore) SetChunkStats(context.Context, string, int, float64) error { return nil }
func (s *fakeStore) SetCost(context.Context, string, float64, float64, float64, float64) error {
	return nil
}
func (s *fakeStore) ReplaceChunks(_ context.Context, documentID string, chunks []model.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[documentID] = chunks
	return nil
}

func (s *fakeStore) ChunksByDocument(_ context.Context, documentID string) ([]model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks[documentID], nil
}

func (s *fakeStore) FinalizeVectors(context.Context, []string) error { return nil }

func (s *fakeStore) AcquireLease(_ context.Context, documentID, workerID string, _ model.ProcessingStage, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.leases[documentID]; ok && owner != workerID {
		return false, nil
	}
	s.leases[documentID] = workerID
	return true, nil
}

func (s *fakeStore) ReleaseLease(_ context.Context, documentID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases[documentID] == workerID {
		delete(s.leases, documentID)
	}
	return nil
}

func (s *fakeStore) StalledDocuments(context.Context, time.Duration) ([]model.Document, error) {
	return nil, nil
}

func (s *fakeStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return model.NotFound("document not found", nil)
	}
	delete(s.docs, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) InvalidateCacheForDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, documentID)
	return nil
}

func (s *fakeStore) GetConversation(_ context.Context, id string) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return model.Conversation{}, model.NotFound("conversation not found", nil)
	}
	return c, nil
}

func (s *fakeStore) ListConversations(_ context.Context, f store.ConversationFilter, limit, offset int) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Conversation
	for _, c := range s.conversations {
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeStore) ListMessages(_ context.Context, conversationID string, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) AppendMessage(_ context.Context, msg model.Message, _ []model.Source) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *fakeStore) RenameConversation(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversations[id]
	c.Title = title
	s.conversations[id] = c
	return nil
}

func (s *fakeStore) ToggleArchive(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return false, model.NotFound("conversation not found", nil)
	}
	c.Archived = !c.Archived
	s.conversations[id] = c
	return c.Archived, nil
}

func (s *fakeStore) UpsertFeedback(_ context.Context, f model.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, f)
	return nil
}

type fakeBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{data: map[string][]byte{}} }

func (b *fakeBlobs) Put(_ context.Context, documentID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[documentID] = data
	return nil
}
func (b *fakeBlobs) Get(_ context.Context, documentID string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[documentID], nil
}
func (b *fakeBlobs) Delete(_ context.Context, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, documentID)
	return nil
}

type fakeVector struct{ deleted []string }

func (f *fakeVector) Upsert(context.Context, string, []float32, map[string]string) error { return nil }
func (f *fakeVector) Delete(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}
func (f *fakeVector) SimilaritySearch(context.Context, []float32, int, map[string]string) ([]databases.VectorResult, error) {
	return nil, nil
}

type fakeSearch struct{ removed []string }

func (f *fakeSearch) Index(context.Context, string, string, map[string]string) error { return nil }
func (f *fakeSearch) Remove(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}
func (f *fakeSearch) Search(context.Context, string, int) ([]databases.SearchResult, error) {
	return nil, nil
}

func newOrchestrator(t *testing.T, st *fakeStore) *pipeline.Orchestrator {
	t.Helper()
	queues := map[pipeline.Stage]pipeline.Queue{}
	for _, s := range []pipeline.Stage{pipeline.StageExtraction, pipeline.StageChunking, pipeline.StageEmbedding, pipeline.StageIndexing} {
		q, err := pipeline.NewQueue(config.PipelineConfig{}, string(s))
		if err != nil {
			t.Fatalf("NewQueue: %v", err)
		}
		queues[s] = q
	}
	return &pipeline.Orchestrator{
		Store:  st,
		Status: pipeline.NewStatusFeed(),
		Queues: queues,
	}
}

// --- document handler tests -----------------------------------------------

func newDocumentHandlers(t *testing.T) (*DocumentHandlers, *fakeStore, *fakeVector, *fakeSearch) {
	t.Helper()
	st := newFakeStore()
	orch := newOrchestrator(t, st)
	blobs := newFakeBlobs()
	admitter := pipeline.NewAdmitter(st, blobs, orch, config.UploadConfig{})
	vec := &fakeVector{}
	search := &fakeSearch{}
	return &DocumentHandlers{Store: st, Admitter: admitter, Pipe: orch, Vector: vec, Search: search}, st, vec, search
}

func TestDocumentsDetail_NotFound(t *testing.T) {
	h, _, _, _ := newDocumentHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/missing", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	h.Detail(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDocumentsUploadAndList(t *testing.T) {
	h, st, _, _ := newDocumentHandlers(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("category_id", "cat1"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	fw, err := mw.CreateFormFile("files", "policy.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write([]byte("policy text")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-Id", "user1")
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(st.docs) != 1 {
		t.Fatalf("expected 1 admitted document, got %d", len(st.docs))
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/documents?category_id=cat1", nil)
	listRec := httptest.NewRecorder()
	h.List(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listRec.Code)
	}
	var out struct {
		Documents []model.Document `json:"documents"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Documents) != 1 {
		t.Fatalf("expected 1 document in list, got %d", len(out.Documents))
	}
}

func TestDocumentsRetry_RejectsNonFailedDocument(t *testing.T) {
	h, st, _, _ := newDocumentHandlers(t)
	st.docs["doc1"] = model.Document{ID: "doc1", Status: model.DocumentProcessing}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/doc1/retry", nil)
	req.SetPathValue("id", "doc1")
	rec := httptest.NewRecorder()
	h.Retry(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for non-failed retry, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDocumentsRetry_RequeuesFailedDocument(t *testing.T) {
	h, st, _, _ := newDocumentHandlers(t)
	st.docs["doc1"] = model.Document{ID: "doc1", Status: model.DocumentFailed, ProcessingStage: model.StageExtraction}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/doc1/retry", nil)
	req.SetPathValue("id", "doc1")
	rec := httptest.NewRecorder()
	h.Retry(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDocumentsDelete_RemovesChunksAndInvalidatesCache(t *testing.T) {
	h, st, vec, search := newDocumentHandlers(t)
	st.docs["doc1"] = model.Document{ID: "doc1"}
	st.chunks["doc1"] = []model.Chunk{{ID: "chunk1", DocumentID: "doc1", VectorID: "vec1"}}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/documents/doc1", nil)
	req.SetPathValue("id", "doc1")
	rec := httptest.NewRecorder()
	h.Delete(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(vec.deleted) != 1 || vec.deleted[0] != "vec1" {
		t.Fatalf("expected vector delete for vec1, got %v", vec.deleted)
	}
	if len(search.removed) != 1 || search.removed[0] != "chunk1" {
		t.Fatalf("expected search removal for chunk1, got %v", search.removed)
	}
	if len(st.invalidated) != 1 || st.invalidated[0] != "doc1" {
		t.Fatalf("expected cache invalidation for doc1, got %v", st.invalidated)
	}
	if _, ok := st.docs["doc1"]; ok {
		t.Fatalf("expected document removed from store")
	}
}

func TestDocumentsStatusStream_EmitsPublishedEvent(t *testing.T) {
	h, st, _, _ := newDocumentHandlers(t)
	st.docs["doc1"] = model.Document{ID: "doc1", RetryCount: 2, TotalChunks: 5}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc1/status", nil)
	req.SetPathValue("id", "doc1")
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.StatusStream(rec, req)
		close(done)
	}()

	// give StatusStream time to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	h.Pipe.Status.Publish("doc1", pipeline.StatusEvent{Status: model.DocumentProcessing, Stage: model.StageChunking})
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if !strings.Contains(body, `"status":"PROCESSING"`) {
		t.Fatalf("expected status event in SSE body, got %q", body)
	}
	if !strings.Contains(body, `"retry_count":2`) || !strings.Contains(body, `"total_chunks":5`) {
		t.Fatalf("expected retry_count/total_chunks backfilled from document, got %q", body)
	}
}

// --- chat handler tests ----------------------------------------------------

type fakeProvider struct {
	content string
	tokens  []string
}

func (f *fakeProvider) Chat(context.Context, []llm.Message, []llm.ToolSchema, string) (llm.Message, error) {
	return llm.Message{Content: f.content}, nil
}

func (f *fakeProvider) ChatStream(_ context.Context, _ []llm.Message, _ []llm.ToolSchema, _ string, h llm.StreamHandler) error {
	for _, t := range f.tokens {
		h.OnDelta(t)
	}
	return nil
}

type fakeCostComputer struct{}

func (fakeCostComputer) Compute(_ context.Context, op model.TokenOperation, modelName string, tokensIn, tokensOut int) (model.TokenUsage, error) {
	return model.TokenUsage{ID: "u1", Operation: op, Model: modelName, TokensInput: tokensIn, TokensOutput: tokensOut}, nil
}

type fakeCacheStore struct{ byHash map[string]model.QueryCacheEntry }

func (f *fakeCacheStore) CacheByHash(_ context.Context, hash string) (model.QueryCacheEntry, error) {
	if e, ok := f.byHash[hash]; ok {
		return e, nil
	}
	return model.QueryCacheEntry{}, model.NotFound("no cache entry", nil)
}
func (f *fakeCacheStore) CacheCandidates(context.Context, int) ([]model.QueryCacheEntry, error) {
	return nil, nil
}
func (f *fakeCacheStore) UpsertCacheEntry(_ context.Context, e model.QueryCacheEntry) error {
	f.byHash[e.NormalizedHash] = e
	return nil
}
func (f *fakeCacheStore) TouchCacheEntry(context.Context, string) error { return nil }
func (f *fakeCacheStore) LinkCacheDocuments(context.Context, string, []string) error {
	return nil
}
func (f *fakeCacheStore) InvalidateCacheForDocument(context.Context, string) error { return nil }

func newChatHandlers(t *testing.T, st *fakeStore, search databases.FullTextSearch, vector databases.VectorStore) *ChatHandlers {
	t.Helper()
	c, err := ragcache.New(config.CacheConfig{L2SimilarityThresh: 0.9}, &fakeCacheStore{byHash: map[string]model.QueryCacheEntry{}})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	emb := embedder.NewDeterministic(8, true, 1)
	gen := generator.New(&fakeProvider{content: "grounded answer", tokens: []string{"grounded ", "answer"}}, "gen-model", "title-model")
	coord := chat.New(st, c, emb, search, vector, retrieve.NoopReranker{}, gen, fakeCostComputer{})
	return &ChatHandlers{Coordinator: coord, Store: st}
}

func TestChatSend_NoContextReply(t *testing.T) {
	st := newFakeStore()
	h := newChatHandlers(t, st, &fakeSearch{}, &fakeVector{})

	body, _ := json.Marshal(map[string]string{"conversation_id": "c1", "message": "anything"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Send(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestChatSend_RejectsEmptyMessage(t *testing.T) {
	st := newFakeStore()
	h := newChatHandlers(t, st, &fakeSearch{}, &fakeVector{})

	body, _ := json.Marshal(map[string]string{"conversation_id": "c1", "message": ""})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Send(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", rec.Code)
	}
}

func TestChatStream_EmitsStartThenDone(t *testing.T) {
	st := newFakeStore()
	h := newChatHandlers(t, st, &fakeSearch{}, &fakeVector{})

	body, _ := json.Marshal(map[string]string{"conversation_id": "c1", "message": "what is the policy"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Stream(rec, req)

	out := rec.Body.String()
	if !strings.Contains(out, `"type":"start"`) {
		t.Fatalf("expected a start frame, got %q", out)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "[DONE]") {
		t.Fatalf("expected stream to end with [DONE] sentinel, got %q", out)
	}
}

func TestChatToggleArchive(t *testing.T) {
	st := newFakeStore()
	h := newChatHandlers(t, st, &fakeSearch{}, &fakeVector{})

	req := httptest.NewRequest(http.MethodPut, "/api/v1/chat/conversations/c1/archive", nil)
	req.SetPathValue("id", "c1")
	rec := httptest.NewRecorder()
	h.ToggleArchive(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Archived bool `json:"archived"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.Archived {
		t.Fatalf("expected conversation toggled to archived")
	}
}

func TestChatFeedback_RejectsInvalidRating(t *testing.T) {
	st := newFakeStore()
	h := newChatHandlers(t, st, &fakeSearch{}, &fakeVector{})

	body, _ := json.Marshal(map[string]int{"rating": 2})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/messages/m1/feedback", bytes.NewReader(body))
	req.SetPathValue("id", "m1")
	rec := httptest.NewRecorder()
	h.Feedback(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid rating, got %d", rec.Code)
	}
}

func TestChatFeedback_AcceptsValidRating(t *testing.T) {
	st := newFakeStore()
	h := newChatHandlers(t, st, &fakeSearch{}, &fakeVector{})

	body, _ := json.Marshal(map[string]int{"rating": 1})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/messages/m1/feedback", bytes.NewReader(body))
	req.SetPathValue("id", "m1")
	rec := httptest.NewRecorder()
	h.Feedback(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(st.feedback) != 1 || st.feedback[0].Rating != 1 {
		t.Fatalf("expected one persisted feedback entry, got %v", st.feedback)
	}
}

// --- error mapping / SSE helpers -------------------------------------------

func TestStatusFromError_MapsKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{model.Validation("bad", nil), http.StatusBadRequest},
		{model.Permission("forbidden", nil), http.StatusForbidden},
		{model.NotFound("missing", nil), http.StatusNotFound},
		{model.Conflict("conflict", nil), http.StatusConflict},
		{model.Transient("retry later", nil), http.StatusServiceUnavailable},
		{model.Permanent("broken", nil), http.StatusInternalServerError},
		{errors.New("untyped"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFromError(c.err); got != c.want {
			t.Errorf("statusFromError(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestWriteSSE_FramesAsDataLine(t *testing.T) {
	rec := httptest.NewRecorder()
	writeSSE(rec, "", map[string]any{"type": "token", "content": "hi"})
	if got := rec.Body.String(); !strings.HasPrefix(got, "data: ") || !strings.HasSuffix(got, "\n\n") {
		t.Fatalf("unexpected SSE frame: %q", got)
	}
}
