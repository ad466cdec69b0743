package rerank

import (
	"context"
	"errors"
	"testing"

	"manifold/internal/llm"
	"manifold/internal/rag/retrieve"
)

type fakeProvider struct {
	scores map[string]string
	err    error
}

func (f *fakeProvider) Chat(_ context.Context, msgs []llm.Message, _ []llm.ToolSchema, _ string) (llm.Message, error) {
	if f.err != nil {
		return llm.Message{}, f.err
	}
	last := msgs[len(msgs)-1].Content
	for k, v := range f.scores {
		if containsSubstr(last, k) {
			return llm.Message{Role: "assistant", Content: v}, nil
		}
	}
	return llm.Message{Role: "assistant", Content: "0"}, nil
}

func (f *fakeProvider) ChatStream(context.Context, []llm.Message, []llm.ToolSchema, string, llm.StreamHandler) error {
	return errors.New("not implemented")
}

func containsSubstr(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestRerank_OrdersByScore(t *testing.T) {
	provider := &fakeProvider{scores: map[string]string{
		"low passage":  `{"score": 2, "reason": "tangential"}`,
		"high passage": `{"score": 9, "reason": "answers the query"}`,
	}}
	r := New(provider, "judge-model", 2)
	items := []retrieve.RetrievedItem{
		{ID: "a", Text: "low passage text"},
		{ID: "b", Text: "high passage text"},
	}
	out, err := r.Rerank(context.Background(), "q", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].ID != "b" {
		t.Fatalf("expected b first, got %s", out[0].ID)
	}
	if out[0].Explanation["rerank_score"].(float64) < 0.89 {
		t.Fatalf("expected high score near 0.9, got %v", out[0].Explanation["rerank_score"])
	}
}

func TestRerank_FailureScoresZero(t *testing.T) {
	provider := &fakeProvider{err: errors.New("boom")}
	r := New(provider, "judge-model", 1)
	items := []retrieve.RetrievedItem{{ID: "a", Text: "anything"}}
	out, err := r.Rerank(context.Background(), "q", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Explanation["rerank_score"].(float64) != 0 {
		t.Fatalf("expected score 0 on failure, got %v", out[0].Explanation["rerank_score"])
	}
	if out[0].Explanation["rerank_reason"] != rerankFailed {
		t.Fatalf("expected rerank_failed reason, got %v", out[0].Explanation["rerank_reason"])
	}
}

func TestRerank_EmptyInput(t *testing.T) {
	r := New(&fakeProvider{}, "judge-model", 1)
	out, err := r.Rerank(context.Background(), "q", nil)
	if err != nil || len(out) != 0 {
		t.Fatalf("expected empty result, got %v, %v", out, err)
	}
}
