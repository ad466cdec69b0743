package cache

import (
	"context"
	"testing"

	"manifold/internal/config"
	"manifold/internal/rag/model"
)

type fakeStore struct {
	byHash      map[string]model.QueryCacheEntry
	candidates  []model.QueryCacheEntry
	touched     []string
	linked      map[string][]string
	invalidated []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{byHash: map[string]model.QueryCacheEntry{}, linked: map[string][]string{}}
}

func (f *fakeStore) CacheByHash(_ context.Context, hash string) (model.QueryCacheEntry, error) {
	if e, ok := f.byHash[hash]; ok {
		return e, nil
	}
	return model.QueryCacheEntry{}, model.NotFound("no cache entry", nil)
}

func (f *fakeStore) CacheCandidates(_ context.Context, _ int) ([]model.QueryCacheEntry, error) {
	return f.candidates, nil
}

func (f *fakeStore) UpsertCacheEntry(_ context.Context, e model.QueryCacheEntry) error {
	f.byHash[e.NormalizedHash] = e
	f.candidates = append(f.candidates, e)
	return nil
}

func (f *fakeStore) TouchCacheEntry(_ context.Context, id string) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeStore) LinkCacheDocuments(_ context.Context, cacheEntryID string, documentIDs []string) error {
	f.linked[cacheEntryID] = documentIDs
	return nil
}

func (f *fakeStore) InvalidateCacheForDocument(_ context.Context, documentID string) error {
	f.invalidated = append(f.invalidated, documentID)
	return nil
}

func newTestCache(t *testing.T, store Store) *Cache {
	t.Helper()
	c, err := New(config.CacheConfig{L2SimilarityThresh: 0.9}, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNormalizeQuery_CollapsesWhitespaceAndCase(t *testing.T) {
	a := NormalizeQuery("  What   is\tRAG?  ")
	b := NormalizeQuery("what is rag?")
	if a != b {
		t.Fatalf("expected normalized forms to match, got %q vs %q", a, b)
	}
}

func TestLookup_L1MissL2Hit(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, store)
	ctx := context.Background()

	emb := []float32{1, 0, 0}
	if err := c.Put(ctx, "original question", emb, "answer", nil, "m", 10, 20, 0.01, 6.0, []string{"doc1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	similarEmb := []float32{0.99, 0.01, 0}
	res, err := c.Lookup(ctx, "a totally different phrasing", similarEmb)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !res.Hit || res.Level != "L2" {
		t.Fatalf("expected L2 hit, got %+v", res)
	}
	if len(store.touched) != 1 {
		t.Fatalf("expected TouchCacheEntry called once, got %d", len(store.touched))
	}
}

func TestLookup_ExactHashHitsL1Path(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, store)
	ctx := context.Background()

	emb := []float32{1, 0, 0}
	if err := c.Put(ctx, "same question", emb, "answer", nil, "m", 1, 1, 0, 0, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, err := c.Lookup(ctx, "Same   Question", nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !res.Hit || res.Level != "L1" {
		t.Fatalf("expected L1 hit via store fallback, got %+v", res)
	}
}

func TestLookup_MissBelowThreshold(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, store)
	ctx := context.Background()
	_ = c.Put(ctx, "question one", []float32{1, 0, 0}, "answer", nil, "m", 1, 1, 0, 0, nil)

	res, err := c.Lookup(ctx, "unrelated query text", []float32{0, 1, 0})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Hit {
		t.Fatalf("expected miss for orthogonal embedding, got hit")
	}
	if c.Stats().Misses != 1 {
		t.Fatalf("expected 1 miss recorded, got %d", c.Stats().Misses)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if sim := cosineSimilarity([]float32{1, 0}, []float32{1, 0}); sim < 0.999 {
		t.Fatalf("expected ~1.0, got %v", sim)
	}
	if sim := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); sim > 0.001 {
		t.Fatalf("expected ~0.0, got %v", sim)
	}
	if sim := cosineSimilarity(nil, []float32{0, 1}); sim != -1 {
		t.Fatalf("expected -1 for empty vector, got %v", sim)
	}
}

func TestInvalidateForDocument(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(t, store)
	if err := c.InvalidateForDocument(context.Background(), "doc1"); err != nil {
		t.Fatalf("InvalidateForDocument: %v", err)
	}
	if len(store.invalidated) != 1 || store.invalidated[0] != "doc1" {
		t.Fatalf("expected doc1 invalidated, got %v", store.invalidated)
	}
}
