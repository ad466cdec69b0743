package prompt

import (
	"strings"
	"testing"

	"manifold/internal/rag/model"
	"manifold/internal/rag/retrieve"
)

func TestDetectFormat(t *testing.T) {
	cases := map[string]Format{
		"show me a table of results":         FormatTable,
		"python vs go, which is better":      FormatComparison,
		"how do I set up the pipeline":       FormatStepByStep,
		"give me the timeline of events":     FormatChronological,
		"rank the top 5 documents":           FormatNumbered,
		"write a code snippet for this":      FormatCode,
		"what are the supported file types":  FormatList,
		"what is the capital of France":      FormatDefault,
	}
	for q, want := range cases {
		if got := DetectFormat(q); got != want {
			t.Errorf("DetectFormat(%q) = %v, want %v", q, got, want)
		}
	}
}

func TestBuild_ContextOmitsScores(t *testing.T) {
	items := []retrieve.RetrievedItem{
		{DocID: "d1", Text: "first chunk text", Score: 0.87, Doc: retrieve.DocumentMeta{Title: "Policy"}},
	}
	p := Build(Input{Query: "what is the policy", Items: items})
	if strings.Contains(p.Context, "0.87") {
		t.Fatalf("context must not leak relevance score: %s", p.Context)
	}
	if !strings.Contains(p.Context, "[Document 1]") {
		t.Fatalf("expected numbered citation marker, got: %s", p.Context)
	}
	if !strings.Contains(p.Context, "Policy") {
		t.Fatalf("expected document title in context, got: %s", p.Context)
	}
}

func TestBuild_HistoryWindowTruncates(t *testing.T) {
	turns := []Turn{
		{Role: model.RoleUser, Content: "t1"},
		{Role: model.RoleAssistant, Content: "t2"},
		{Role: model.RoleUser, Content: "t3"},
		{Role: model.RoleAssistant, Content: "t4"},
		{Role: model.RoleUser, Content: "t5"},
		{Role: model.RoleAssistant, Content: "t6"},
		{Role: model.RoleUser, Content: "t7"},
	}
	p := Build(Input{Query: "q", History: turns, HistoryWindow: 2})
	if strings.Contains(p.History, "t1") || strings.Contains(p.History, "t5") {
		t.Fatalf("expected only last 2 turns, got: %s", p.History)
	}
	if !strings.Contains(p.History, "t6") || !strings.Contains(p.History, "t7") {
		t.Fatalf("expected last 2 turns present, got: %s", p.History)
	}
}

func TestBuild_DeterministicForSameInput(t *testing.T) {
	in := Input{Query: "compare a and b", Items: []retrieve.RetrievedItem{{DocID: "d1", Text: "x"}}}
	a := Build(in)
	b := Build(in)
	if a != b {
		t.Fatalf("expected deterministic output, got %+v vs %+v", a, b)
	}
}

func TestBuild_EmptyContextWhenNoItems(t *testing.T) {
	p := Build(Input{Query: "q"})
	if p.Context != "" {
		t.Fatalf("expected empty context, got %q", p.Context)
	}
}
