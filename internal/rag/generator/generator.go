// Package generator wraps internal/llm.Provider with the two entry points
// the chat path needs: a one-shot generate and a strictly-ordered streaming
// generate, plus cheap title generation. Temperature for grounded answers
// (0.2) is carried on the provider's own config (ExtraParams), since
// llm.Provider.Chat/ChatStream take no per-call sampling parameters.
package generator

import (
	"context"
	"strings"

	"manifold/internal/llm"
	"manifold/internal/rag/model"
	"manifold/internal/rag/prompt"
)

const groundedTemperature = 0.2
const maxTitleLen = 50

// EventKind tags a StreamEvent's payload.
type EventKind string

const (
	EventStart    EventKind = "start"
	EventToken    EventKind = "token"
	EventSources  EventKind = "sources"
	EventMetadata EventKind = "metadata"
	EventDone     EventKind = "done"
	EventError    EventKind = "error"
)

// StreamEvent is one frame of a generation stream. Exactly one of the
// payload fields is populated, matching Kind.
type StreamEvent struct {
	Kind     EventKind
	Token    string
	Sources  []model.Source
	Metadata Metadata
	Err      error
}

// Metadata summarizes one generation call for billing/UI display.
type Metadata struct {
	TokensInput        int
	TokensOutput       int
	ModelUsed          string
	ResponseTimeSeconds float64
}

// Generator produces grounded answers and conversation titles.
type Generator struct {
	Provider   llm.Provider
	Model      string
	TitleModel string
}

func New(provider llm.Provider, model, titleModel string) *Generator {
	if titleModel == "" {
		titleModel = model
	}
	return &Generator{Provider: provider, Model: model, TitleModel: titleModel}
}

func toMessages(p prompt.Prompt) []llm.Message {
	var user strings.Builder
	if p.Context != "" {
		user.WriteString(p.Context)
		user.WriteString("\n")
	}
	if p.History != "" {
		user.WriteString(p.History)
		user.WriteString("\n")
	}
	return []llm.Message{
		{Role: "system", Content: p.System},
		{Role: "user", Content: user.String()},
	}
}

// Generate performs a single non-streaming grounded completion.
func (g *Generator) Generate(ctx context.Context, p prompt.Prompt) (string, Metadata, error) {
	msgs := toMessages(p)
	resp, err := g.Provider.Chat(ctx, msgs, nil, g.Model)
	if err != nil {
		return "", Metadata{}, err
	}
	return resp.Content, Metadata{ModelUsed: g.Model}, nil
}

// streamCollector adapts llm.StreamHandler's callback style into ordered
// StreamEvent sends on a channel, buffering tokens so the caller only needs
// to range over events.
type streamCollector struct {
	ch chan StreamEvent
}

func (c *streamCollector) OnDelta(content string) {
	c.ch <- StreamEvent{Kind: EventToken, Token: content}
}
func (c *streamCollector) OnToolCall(llm.ToolCall)          {}
func (c *streamCollector) OnImage(llm.GeneratedImage)       {}
func (c *streamCollector) OnThoughtSummary(string)          {}

// GenerateStream runs a grounded completion and emits events in strict
// order: zero or more token, then sources, then metadata, then done (or a
// single error event at any point on failure). sources MUST NOT be sent
// before the underlying stream completes.
func (g *Generator) GenerateStream(ctx context.Context, p prompt.Prompt, sources []model.Source) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		collector := &streamCollector{ch: out}
		msgs := toMessages(p)

		done := make(chan error, 1)
		go func() {
			done <- g.Provider.ChatStream(ctx, msgs, nil, g.Model, collector)
		}()

		err := <-done
		if err != nil {
			out <- StreamEvent{Kind: EventError, Err: err}
			return
		}
		out <- StreamEvent{Kind: EventSources, Sources: sources}
		out <- StreamEvent{Kind: EventMetadata, Metadata: Metadata{ModelUsed: g.Model}}
		out <- StreamEvent{Kind: EventDone}
	}()
	return out
}

// GenerateTitle produces a short conversation title from the first exchange
// using the cheaper title model, clamped to maxTitleLen runes.
func (g *Generator) GenerateTitle(ctx context.Context, firstUser, firstAssistant string) (string, error) {
	msgs := []llm.Message{
		{Role: "system", Content: "Summarize this exchange as a short conversation title, no quotes, no trailing punctuation, under 50 characters."},
		{Role: "user", Content: "User: " + firstUser + "\nAssistant: " + firstAssistant},
	}
	resp, err := g.Provider.Chat(ctx, msgs, nil, g.TitleModel)
	if err != nil {
		return "", err
	}
	title := strings.TrimSpace(resp.Content)
	title = strings.Trim(title, `"'`)
	runes := []rune(title)
	if len(runes) > maxTitleLen {
		title = string(runes[:maxTitleLen])
	}
	return title, nil
}
