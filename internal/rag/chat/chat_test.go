package chat

import (
	"context"
	"testing"

	"manifold/internal/config"
	"manifold/internal/llm"
	"manifold/internal/persistence/databases"
	ragcache "manifold/internal/rag/cache"
	"manifold/internal/rag/embedder"
	"manifold/internal/rag/generator"
	"manifold/internal/rag/model"
	"manifold/internal/rag/retrieve"
)

// --- fakes ------------------------------------------------------------

type fakeStore struct {
	messages      []model.Message
	conversations map[string]model.Conversation
	renamed       []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{conversations: map[string]model.Conversation{
		"c1": {ID: "c1", Title: model.DefaultConversationTitle},
	}}
}

func (f *fakeStore) AppendMessage(_ context.Context, msg model.Message, sources []model.Source) (model.Message, error) {
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeStore) ListMessages(_ context.Context, conversationID string, limit int) ([]model.Message, error) {
	var out []model.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) GetConversation(_ context.Context, id string) (model.Conversation, error) {
	return f.conversations[id], nil
}

func (f *fakeStore) RenameConversation(_ context.Context, id, title string) error {
	f.renamed = append(f.renamed, title)
	c := f.conversations[id]
	c.Title = title
	f.conversations[id] = c
	return nil
}

type fakeSearch struct{ results []databases.SearchResult }

func (f *fakeSearch) Index(context.Context, string, string, map[string]string) error { return nil }
func (f *fakeSearch) Remove(context.Context, string) error                           { return nil }
func (f *fakeSearch) Search(context.Context, string, int) ([]databases.SearchResult, error) {
	return f.results, nil
}

type fakeVector struct{ results []databases.VectorResult }

func (f *fakeVector) Upsert(context.Context, string, []float32, map[string]string) error { return nil }
func (f *fakeVector) Delete(context.Context, string) error                               { return nil }
func (f *fakeVector) SimilaritySearch(context.Context, []float32, int, map[string]string) ([]databases.VectorResult, error) {
	return f.results, nil
}

type fakeCostComputer struct{}

func (fakeCostComputer) Compute(_ context.Context, op model.TokenOperation, modelName string, tokensIn, tokensOut int) (model.TokenUsage, error) {
	return model.TokenUsage{ID: "u1", Operation: op, Model: modelName, TokensInput: tokensIn, TokensOutput: tokensOut, CostUSD: 0.001}, nil
}

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

func newCoordinator(t *testing.T, store *fakeStore, search *fakeSearch, vector *fakeVector) (*Coordinator, *ragcache.Cache) {
	t.Helper()
	c, err := ragcache.New(config.CacheConfig{L2SimilarityThresh: 0.9}, &fakeCacheStore{byHash: map[string]model.QueryCacheEntry{}})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	emb := embedder.NewDeterministic(8, true, 1)
	gen := generator.New(&fakeProvider{content: "grounded answer", tokens: []string{"grounded ", "answer"}}, "gen-model", "title-model")
	return New(store, c, emb, search, vector, retrieve.NoopReranker{}, gen, fakeCostComputer{}), c
}

type fakeCacheStore struct {
	byHash map[string]model.QueryCacheEntry
}

func (f *fakeCacheStore) CacheByHash(_ context.Context, hash string) (model.QueryCacheEntry, error) {
	if e, ok := f.byHash[hash]; ok {
		return e, nil
	}
	return model.QueryCacheEntry{}, model.NotFound("no cache entry", nil)
}
func (f *fakeCacheStore) CacheCandidates(context.Context, int) ([]model.QueryCacheEntry, error) {
	var out []model.QueryCacheEntry
	for _, e := range f.byHash {
		out = append(out, e)
	}
	return out, nil
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

// --- tests --------------------------------------------------------------

func TestHandle_NoContextReplyWhenNoCandidates(t *testing.T) {
	store := newFakeStore()
	c, _ := newCoordinator(t, store, &fakeSearch{}, &fakeVector{})
	resp, err := c.Handle(context.Background(), Request{ConversationID: "c1", Message: "anything"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != noContextReply {
		t.Fatalf("expected no-context reply, got %q", resp.Message.Content)
	}
	if len(resp.Sources) != 0 {
		t.Fatalf("expected no sources, got %v", resp.Sources)
	}
}

func TestHandle_GeneratesGroundedAnswerWithSources(t *testing.T) {
	store := newFakeStore()
	search := &fakeSearch{results: []databases.SearchResult{{ID: "chunk1", Score: 1.0, Metadata: map[string]string{"doc_id": "doc1"}}}}
	c, _ := newCoordinator(t, store, search, &fakeVector{})
	resp, err := c.Handle(context.Background(), Request{ConversationID: "c1", Message: "what is the policy"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Message.Content != "grounded answer" {
		t.Fatalf("expected generated answer, got %q", resp.Message.Content)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].DocumentID != "doc1" {
		t.Fatalf("expected one source from doc1, got %v", resp.Sources)
	}
	// user + assistant messages persisted
	if len(store.messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(store.messages))
	}
}

func TestHandle_CacheHitSkipsGeneration(t *testing.T) {
	store := newFakeStore()
	search := &fakeSearch{results: []databases.SearchResult{{ID: "chunk1", Score: 1.0, Metadata: map[string]string{"doc_id": "doc1"}}}}
	c, cch := newCoordinator(t, store, search, &fakeVector{})

	if err := cch.Put(context.Background(), "what is the policy", nil, "cached answer", nil, "gen-model", 5, 5, 0.001, 0.6, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	resp, err := c.Handle(context.Background(), Request{ConversationID: "c1", Message: "what is the policy"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.CacheHit {
		t.Fatalf("expected cache hit")
	}
	if resp.Message.Content != "cached answer" {
		t.Fatalf("expected cached content, got %q", resp.Message.Content)
	}
}

func TestHandleStream_ReturnsStartInfoAndEndsWithDone(t *testing.T) {
	store := newFakeStore()
	search := &fakeSearch{results: []databases.SearchResult{{ID: "chunk1", Score: 1.0, Metadata: map[string]string{"doc_id": "doc1"}}}}
	c, _ := newCoordinator(t, store, search, &fakeVector{})

	start, events, err := c.HandleStream(context.Background(), Request{ConversationID: "c1", Message: "what is the policy"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if start.ConversationID != "c1" || start.MessageID == "" {
		t.Fatalf("expected populated StartInfo, got %+v", start)
	}
	var kinds []generator.EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) == 0 || kinds[len(kinds)-1] != generator.EventDone {
		t.Fatalf("expected stream to end with done, got %v", kinds)
	}
}
