// Package prompt assembles the three-part grounding-strict prompt handed to
// the generator: a system prompt, a context section built from reranked
// chunks, and an optional conversation history window. Building is pure:
// the same inputs always produce the same output.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"manifold/internal/rag/model"
	"manifold/internal/rag/retrieve"
)

// Format is an auto-detected response-shape hint injected into the prompt.
type Format string

const (
	FormatTable        Format = "TABLE"
	FormatList         Format = "LIST"
	FormatNumbered     Format = "NUMBERED"
	FormatCode         Format = "CODE"
	FormatComparison   Format = "COMPARISON"
	FormatChronological Format = "CHRONOLOGICAL"
	FormatStepByStep   Format = "STEP_BY_STEP"
	FormatDefault      Format = "DEFAULT"
)

const defaultHistoryWindow = 5

var systemPrompt = strings.TrimSpace(`
You answer strictly using the provided context. Do not invent facts, do not
speculate, and do not offer recommendations or hedging phrases such as
"as an indication" or "generic process". If the context does not contain
the answer, say so plainly. Every claim must cite its source inline as
[Document N], where N refers to the numbered context entries below.
`)

var (
	reTable      = regexp.MustCompile(`(?i)\b(table|compare.*columns|tabulate)\b`)
	reComparison = regexp.MustCompile(`(?i)\b(vs\.?|versus|compare|difference between|which is better)\b`)
	reNumbered   = regexp.MustCompile(`(?i)\b(how many|list the top \d+|rank|ranked)\b`)
	reList       = regexp.MustCompile(`(?i)\b(list|enumerate|what are the)\b`)
	reCode       = regexp.MustCompile(`(?i)\b(code|snippet|function|implement|script)\b`)
	reChrono     = regexp.MustCompile(`(?i)\b(timeline|history of|chronolog|over time|evolution of)\b`)
	reStepByStep = regexp.MustCompile(`(?i)\b(how do i|how to|steps to|step by step|walk me through)\b`)
)

// DetectFormat inspects a query and returns the best-matching response-format
// hint. Checks run in priority order since a query can match more than one.
func DetectFormat(query string) Format {
	switch {
	case reTable.MatchString(query):
		return FormatTable
	case reComparison.MatchString(query):
		return FormatComparison
	case reStepByStep.MatchString(query):
		return FormatStepByStep
	case reChrono.MatchString(query):
		return FormatChronological
	case reNumbered.MatchString(query):
		return FormatNumbered
	case reCode.MatchString(query):
		return FormatCode
	case reList.MatchString(query):
		return FormatList
	default:
		return FormatDefault
	}
}

func formatHint(f Format) string {
	switch f {
	case FormatTable:
		return "Prefer a markdown table in your response."
	case FormatList:
		return "Prefer a bulleted list in your response."
	case FormatNumbered:
		return "Prefer a numbered list in your response."
	case FormatCode:
		return "Prefer a fenced code block in your response."
	case FormatComparison:
		return "Prefer a side-by-side comparison in your response."
	case FormatChronological:
		return "Prefer chronological ordering in your response."
	case FormatStepByStep:
		return "Prefer numbered, sequential steps in your response."
	default:
		return ""
	}
}

// Turn is one prior exchange included in the history window.
type Turn struct {
	Role    model.MessageRole
	Content string
}

// Input carries everything the builder needs for one prompt assembly.
type Input struct {
	Query         string
	Items         []retrieve.RetrievedItem
	History       []Turn
	HistoryWindow int // 0 uses the default
}

// Prompt is the assembled three-part output.
type Prompt struct {
	System  string
	Context string
	History string
	Format  Format
}

// Build assembles the system prompt, context section, and history window.
// It never includes relevance scores in the context section — those are
// internal-only per the wire invariants.
func Build(in Input) Prompt {
	return Prompt{
		System:  buildSystem(in.Query),
		Context: buildContext(in.Items),
		History: buildHistory(in.History, in.HistoryWindow),
		Format:  DetectFormat(in.Query),
	}
}

func buildSystem(query string) string {
	hint := formatHint(DetectFormat(query))
	if hint == "" {
		return systemPrompt
	}
	return systemPrompt + "\n\n" + hint
}

func buildContext(items []retrieve.RetrievedItem) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Context:\n")
	for i, it := range items {
		title := it.Doc.Title
		if title == "" {
			title = it.DocID
		}
		text := it.Text
		if text == "" {
			text = it.Snippet
		}
		fmt.Fprintf(&b, "\n[Document %d] %s (id: %s)\n%s\n", i+1, title, it.DocID, text)
	}
	return b.String()
}

func buildHistory(turns []Turn, window int) string {
	if len(turns) == 0 {
		return ""
	}
	if window <= 0 {
		window = defaultHistoryWindow
	}
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	var b strings.Builder
	b.WriteString("Conversation history:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return b.String()
}
