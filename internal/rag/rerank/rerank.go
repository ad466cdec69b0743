// Package rerank scores retrieved candidates with an LLM judge and reorders
// them by that score, per §4.7. It implements retrieve.Reranker so it can be
// dropped into the existing hybrid retrieval pipeline.
package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"manifold/internal/llm"
	"manifold/internal/rag/retrieve"
)

// rerankFailed is the reason recorded on a candidate whose judge call errors
// or returns an unparsable score; it is scored 0 rather than dropped so the
// caller's item count is preserved.
const rerankFailed = "rerank_failed"

// Reranker scores each candidate independently via one Chat call per
// candidate, run concurrently with a small worker cap to bound provider
// load.
type Reranker struct {
	Provider    llm.Provider
	Model       string
	Concurrency int
}

func New(provider llm.Provider, model string, concurrency int) *Reranker {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Reranker{Provider: provider, Model: model, Concurrency: concurrency}
}

var _ retrieve.Reranker = (*Reranker)(nil)

type scoredItem struct {
	item   retrieve.RetrievedItem
	score  float64
	reason string
}

func (r *Reranker) Rerank(ctx context.Context, query string, items []retrieve.RetrievedItem) ([]retrieve.RetrievedItem, error) {
	if len(items) == 0 {
		return items, nil
	}
	scored := make([]scoredItem, len(items))
	sem := make(chan struct{}, r.Concurrency)
	var wg sync.WaitGroup
	for i, it := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, it retrieve.RetrievedItem) {
			defer wg.Done()
			defer func() { <-sem }()
			score, reason := r.scoreOne(ctx, query, it)
			scored[i] = scoredItem{item: it, score: score, reason: reason}
		}(i, it)
	}
	wg.Wait()

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	out := make([]retrieve.RetrievedItem, len(scored))
	for i, s := range scored {
		it := s.item
		if it.Explanation == nil {
			it.Explanation = map[string]any{}
		}
		it.Explanation["rerank_score"] = s.score
		if s.reason != "" {
			it.Explanation["rerank_reason"] = s.reason
		}
		out[i] = it
	}
	return out, nil
}

// judgeVerdict is the structured response the judge model is asked for: a
// relevance score plus the reasoning behind it, so a real reason is
// available on the success path rather than only on failure.
type judgeVerdict struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// scoreOne asks the judge model for a JSON verdict, clamps its score into
// [0,10] before dividing by 10, and scores 0 with a recorded reason on any
// failure rather than aborting the whole rerank pass.
func (r *Reranker) scoreOne(ctx context.Context, query string, it retrieve.RetrievedItem) (float64, string) {
	text := it.Text
	if text == "" {
		text = it.Snippet
	}
	prompt := fmt.Sprintf(
		"Query: %s\n\nPassage:\n%s\n\nRate how relevant this passage is to answering the query, from 0 (irrelevant) to 10 (directly answers it).",
		query, truncate(text, 2000))

	msgs := []llm.Message{
		{Role: "system", Content: `You are a strict relevance judge. Respond with only a JSON object of the form {"score": <0-10>, "reason": "<one short sentence>"} and nothing else.`},
		{Role: "user", Content: prompt},
	}
	resp, err := r.Provider.Chat(ctx, msgs, nil, r.Model)
	if err != nil {
		return 0, rerankFailed
	}
	v, ok := parseVerdict(resp.Content)
	if !ok {
		return 0, rerankFailed
	}
	n := v.Score
	if n < 0 {
		n = 0
	}
	if n > 10 {
		n = 10
	}
	reason := strings.TrimSpace(v.Reason)
	if reason == "" {
		reason = "no reason given"
	}
	return n / 10.0, reason
}

// parseVerdict decodes a judgeVerdict, tolerating a markdown code fence or
// leading/trailing prose around the JSON object.
func parseVerdict(s string) (judgeVerdict, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return judgeVerdict{}, false
	}
	var v judgeVerdict
	if err := json.Unmarshal([]byte(s[start:end+1]), &v); err != nil {
		return judgeVerdict{}, false
	}
	return v, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
