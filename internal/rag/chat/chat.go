// Package chat implements the full RAG request as one logical operation
// (§4.11): persist the user turn, try both cache levels, retrieve and
// rerank context, generate a grounded streaming answer, then persist and
// cache the result. Sequential remote calls, no locks held between stages.
package chat

import (
	"context"

	"github.com/google/uuid"

	"manifold/internal/persistence/databases"
	"manifold/internal/rag/cache"
	"manifold/internal/rag/embedder"
	"manifold/internal/rag/generator"
	"manifold/internal/rag/model"
	"manifold/internal/rag/prompt"
	"manifold/internal/rag/retrieve"
	"manifold/internal/rag/service"
)

const noContextReply = "I don't have enough information in the indexed documents to answer that."

// Store is the subset of internal/rag/store.Store the coordinator needs.
type Store interface {
	AppendMessage(ctx context.Context, msg model.Message, sources []model.Source) (model.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	GetConversation(ctx context.Context, id string) (model.Conversation, error)
	RenameConversation(ctx context.Context, id, title string) error
}

// CostComputer turns a token count into billed cost and a persisted usage
// row; implemented by internal/rag/costs.Accountant.
type CostComputer interface {
	Compute(ctx context.Context, operation model.TokenOperation, modelName string, tokensIn, tokensOut int) (model.TokenUsage, error)
}

// Coordinator wires every RAG stage into one request handler.
type Coordinator struct {
	Store     Store
	Cache     *cache.Cache
	Embedder  embedder.Embedder
	Search    databases.FullTextSearch
	Vector    databases.VectorStore
	Reranker  retrieve.Reranker
	Generator *generator.Generator
	Costs     CostComputer

	HistoryWindow int
	RetrieveOpts  retrieve.RetrieveOptions

	Clock service.Clock
}

func New(store Store, c *cache.Cache, emb embedder.Embedder, search databases.FullTextSearch, vector databases.VectorStore, rerank retrieve.Reranker, gen *generator.Generator, costs CostComputer) *Coordinator {
	return &Coordinator{
		Store: store, Cache: c, Embedder: emb, Search: search, Vector: vector,
		Reranker: rerank, Generator: gen, Costs: costs,
		Clock: service.SystemClock{},
	}
}

// Request is one chat turn.
type Request struct {
	ConversationID string
	Message        string
}

// Response is the non-streaming result returned by Handle; HandleStream
// returns its events on a channel instead.
type Response struct {
	Message  model.Message
	Sources  []model.Source
	CacheHit bool
}

// Handle runs steps 1-8 of §4.11 and returns the final persisted message.
// Use HandleStream for an SSE-driven caller that needs token-by-token
// events; Handle collects the full stream internally and returns once done.
func (c *Coordinator) Handle(ctx context.Context, req Request) (Response, error) {
	userMsg, err := c.Store.AppendMessage(ctx, model.Message{
		ID: uuid.NewString(), ConversationID: req.ConversationID, Role: model.RoleUser, Content: req.Message,
	}, nil)
	if err != nil {
		return Response{}, err
	}

	if res, err := c.Cache.LookupExact(ctx, req.Message); err != nil {
		return Response{}, err
	} else if res.Hit {
		return c.persistCacheHit(ctx, req.ConversationID, res.Entry)
	}

	embs, err := c.Embedder.EmbedBatch(ctx, []string{req.Message})
	if err != nil {
		return Response{}, err
	}
	var queryVec []float32
	if len(embs) > 0 {
		queryVec = embs[0]
	}

	if res, err := c.Cache.LookupSimilar(ctx, req.Message, queryVec); err != nil {
		return Response{}, err
	} else if res.Hit {
		return c.persistCacheHit(ctx, req.ConversationID, res.Entry)
	}

	items, err := c.retrieveAndRerank(ctx, req.Message, queryVec)
	if err != nil {
		return Response{}, err
	}

	if len(items) == 0 {
		return c.persistNoContext(ctx, req.ConversationID)
	}

	history, err := c.loadHistory(ctx, req.ConversationID)
	if err != nil {
		return Response{}, err
	}
	p := prompt.Build(prompt.Input{Query: req.Message, Items: items, History: history, HistoryWindow: c.HistoryWindow})

	start := c.Clock.Now()
	text, _, err := c.Generator.Generate(ctx, p)
	if err != nil {
		return Response{}, err
	}
	elapsed := c.Clock.Now().Sub(start).Seconds()

	sources := sourcesFromItems(items)
	usage, err := c.Costs.Compute(ctx, model.OpResponseGeneration, c.Generator.Model, estimateTokens(p.System+p.Context+p.History), estimateTokens(text))
	if err != nil {
		return Response{}, err
	}

	assistantMsg, err := c.Store.AppendMessage(ctx, model.Message{
		ID: uuid.NewString(), ConversationID: req.ConversationID, Role: model.RoleAssistant, Content: text,
		TokensInput: usage.TokensInput, TokensOutput: usage.TokensOutput, CostUSD: usage.CostUSD, CostXAF: usage.CostXAF,
		ResponseTimeSecond: elapsed, ModelUsed: c.Generator.Model,
	}, sources)
	if err != nil {
		return Response{}, err
	}

	docIDs := documentIDs(items)
	if err := c.Cache.Put(ctx, req.Message, queryVec, text, sources, c.Generator.Model, usage.TokensInput, usage.TokensOutput, usage.CostUSD, usage.CostXAF, docIDs); err != nil {
		return Response{}, err
	}

	c.maybeGenerateTitle(ctx, req.ConversationID, userMsg.Content, text)

	return Response{Message: assistantMsg, Sources: sources}, nil
}

// StartInfo identifies the turn a stream belongs to, known synchronously
// (before any generation happens) so an SSE adapter can emit the `start`
// frame immediately rather than waiting on the first generator event.
type StartInfo struct {
	ConversationID string
	MessageID      string // the just-persisted USER message's id
}

// HandleStream runs the same path but drives the generator's streaming
// entry point, returning an event channel. On context cancellation the
// partial text collected so far is persisted with Partial=true and no
// cache entry is written, per §4.11's cancellation rule.
func (c *Coordinator) HandleStream(ctx context.Context, req Request) (StartInfo, <-chan generator.StreamEvent, error) {
	userMsg, err := c.Store.AppendMessage(ctx, model.Message{
		ID: uuid.NewString(), ConversationID: req.ConversationID, Role: model.RoleUser, Content: req.Message,
	}, nil)
	if err != nil {
		return StartInfo{}, nil, err
	}
	start := StartInfo{ConversationID: req.ConversationID, MessageID: userMsg.ID}

	if res, err := c.Cache.LookupExact(ctx, req.Message); err != nil {
		return StartInfo{}, nil, err
	} else if res.Hit {
		return start, c.streamCacheHit(ctx, req.ConversationID, res.Entry), nil
	}

	embs, err := c.Embedder.EmbedBatch(ctx, []string{req.Message})
	if err != nil {
		return StartInfo{}, nil, err
	}
	var queryVec []float32
	if len(embs) > 0 {
		queryVec = embs[0]
	}

	if res, err := c.Cache.LookupSimilar(ctx, req.Message, queryVec); err != nil {
		return StartInfo{}, nil, err
	} else if res.Hit {
		return start, c.streamCacheHit(ctx, req.ConversationID, res.Entry), nil
	}

	items, err := c.retrieveAndRerank(ctx, req.Message, queryVec)
	if err != nil {
		return StartInfo{}, nil, err
	}
	if len(items) == 0 {
		return start, c.streamNoContext(ctx, req.ConversationID), nil
	}

	history, err := c.loadHistory(ctx, req.ConversationID)
	if err != nil {
		return StartInfo{}, nil, err
	}
	p := prompt.Build(prompt.Input{Query: req.Message, Items: items, History: history, HistoryWindow: c.HistoryWindow})
	sources := sourcesFromItems(items)
	docIDs := documentIDs(items)

	upstream := c.Generator.GenerateStream(ctx, p, sources)
	out := make(chan generator.StreamEvent, 16)
	go c.pumpStream(ctx, upstream, out, req, p, sources, docIDs, queryVec, userMsg.ID)
	return start, out, nil
}

func (c *Coordinator) pumpStream(ctx context.Context, upstream <-chan generator.StreamEvent, out chan<- generator.StreamEvent, req Request, p prompt.Prompt, sources []model.Source, docIDs []string, queryVec []float32, userMsgID string) {
	defer close(out)
	start := c.Clock.Now()
	var text string
	var cancelled bool
	for ev := range upstream {
		select {
		case <-ctx.Done():
			cancelled = true
		default:
		}
		if ev.Kind == generator.EventToken {
			text += ev.Token
		}
		out <- ev
		if ev.Kind == generator.EventError {
			if ctx.Err() == nil {
				return
			}
			cancelled = true
			break
		}
	}
	elapsed := c.Clock.Now().Sub(start).Seconds()

	usage, err := c.Costs.Compute(context.WithoutCancel(ctx), model.OpResponseGeneration, c.Generator.Model, estimateTokens(p.System+p.Context+p.History), estimateTokens(text))
	if err != nil {
		out <- generator.StreamEvent{Kind: generator.EventError, Err: err}
		return
	}

	msg := model.Message{
		ID: uuid.NewString(), ConversationID: req.ConversationID, Role: model.RoleAssistant, Content: text,
		TokensInput: usage.TokensInput, TokensOutput: usage.TokensOutput, CostUSD: usage.CostUSD, CostXAF: usage.CostXAF,
		ResponseTimeSecond: elapsed, ModelUsed: c.Generator.Model, Partial: cancelled,
	}
	if _, err := c.Store.AppendMessage(context.WithoutCancel(ctx), msg, sources); err != nil {
		return
	}
	if cancelled {
		return
	}
	_ = c.Cache.Put(context.WithoutCancel(ctx), req.Message, queryVec, text, sources, c.Generator.Model, usage.TokensInput, usage.TokensOutput, usage.CostUSD, usage.CostXAF, docIDs)
	c.maybeGenerateTitle(context.WithoutCancel(ctx), req.ConversationID, req.Message, text)
}

func (c *Coordinator) retrieveAndRerank(ctx context.Context, query string, queryVec []float32) ([]retrieve.RetrievedItem, error) {
	opt := c.RetrieveOpts
	plan := retrieve.BuildQueryPlan(ctx, query, opt)
	ftRes, vecRes, _, err := retrieve.ParallelCandidates(ctx, c.Search, c.Vector, plan, queryVec)
	if err != nil {
		return nil, err
	}
	items := retrieve.FuseAndDiversify(ftRes, vecRes, plan, opt)
	if !opt.Rerank || c.Reranker == nil || len(items) == 0 {
		return items, nil
	}
	return c.Reranker.Rerank(ctx, query, items)
}

func (c *Coordinator) loadHistory(ctx context.Context, conversationID string) ([]prompt.Turn, error) {
	window := c.HistoryWindow
	if window <= 0 {
		window = 5
	}
	msgs, err := c.Store.ListMessages(ctx, conversationID, window)
	if err != nil {
		return nil, err
	}
	turns := make([]prompt.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, prompt.Turn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

func (c *Coordinator) persistCacheHit(ctx context.Context, conversationID string, entry model.QueryCacheEntry) (Response, error) {
	msg, err := c.Store.AppendMessage(ctx, model.Message{
		ID: uuid.NewString(), ConversationID: conversationID, Role: model.RoleAssistant, Content: entry.ResponseContent,
		TokensInput: entry.TokensInput, TokensOutput: entry.TokensOutput, CostUSD: entry.CostUSD, CostXAF: entry.CostXAF,
		CacheHit: true, ModelUsed: entry.ModelUsed,
	}, entry.Sources)
	if err != nil {
		return Response{}, err
	}
	return Response{Message: msg, Sources: entry.Sources, CacheHit: true}, nil
}

func (c *Coordinator) streamCacheHit(ctx context.Context, conversationID string, entry model.QueryCacheEntry) <-chan generator.StreamEvent {
	out := make(chan generator.StreamEvent, 4)
	go func() {
		defer close(out)
		if _, err := c.persistCacheHit(ctx, conversationID, entry); err != nil {
			out <- generator.StreamEvent{Kind: generator.EventError, Err: err}
			return
		}
		out <- generator.StreamEvent{Kind: generator.EventToken, Token: entry.ResponseContent}
		out <- generator.StreamEvent{Kind: generator.EventSources, Sources: entry.Sources}
		out <- generator.StreamEvent{Kind: generator.EventMetadata, Metadata: generator.Metadata{
			TokensInput: entry.TokensInput, TokensOutput: entry.TokensOutput, ModelUsed: entry.ModelUsed,
		}}
		out <- generator.StreamEvent{Kind: generator.EventDone}
	}()
	return out
}

func (c *Coordinator) persistNoContext(ctx context.Context, conversationID string) (Response, error) {
	msg, err := c.Store.AppendMessage(ctx, model.Message{
		ID: uuid.NewString(), ConversationID: conversationID, Role: model.RoleAssistant, Content: noContextReply,
	}, nil)
	if err != nil {
		return Response{}, err
	}
	return Response{Message: msg, Sources: nil}, nil
}

func (c *Coordinator) streamNoContext(ctx context.Context, conversationID string) <-chan generator.StreamEvent {
	out := make(chan generator.StreamEvent, 4)
	go func() {
		defer close(out)
		if _, err := c.persistNoContext(ctx, conversationID); err != nil {
			out <- generator.StreamEvent{Kind: generator.EventError, Err: err}
			return
		}
		out <- generator.StreamEvent{Kind: generator.EventToken, Token: noContextReply}
		out <- generator.StreamEvent{Kind: generator.EventSources, Sources: nil}
		out <- generator.StreamEvent{Kind: generator.EventMetadata}
		out <- generator.StreamEvent{Kind: generator.EventDone}
	}()
	return out
}

func (c *Coordinator) maybeGenerateTitle(ctx context.Context, conversationID, firstUser, firstAssistant string) {
	conv, err := c.Store.GetConversation(ctx, conversationID)
	if err != nil || (conv.Title != "" && conv.Title != model.DefaultConversationTitle) {
		return
	}
	go func() {
		title, err := c.Generator.GenerateTitle(context.Background(), firstUser, firstAssistant)
		if err != nil || title == "" {
			return
		}
		_ = c.Store.RenameConversation(context.Background(), conversationID, title)
	}()
}

func sourcesFromItems(items []retrieve.RetrievedItem) []model.Source {
	out := make([]model.Source, 0, len(items))
	for _, it := range items {
		out = append(out, model.Source{
			DocumentID:     it.DocID,
			ChunkID:        it.ID,
			Title:          it.Doc.Title,
			RelevanceScore: it.Score,
			Excerpt:        it.Snippet,
		})
	}
	return out
}

func documentIDs(items []retrieve.RetrievedItem) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, it := range items {
		if it.DocID == "" {
			continue
		}
		if _, ok := seen[it.DocID]; ok {
			continue
		}
		seen[it.DocID] = struct{}{}
		out = append(out, it.DocID)
	}
	return out
}

// estimateTokens is a chars/4 heuristic (rounded up) for usage accounting
// when no tokenizer is wired; internal/rag/embedder uses chars/4 rounded
// down with a minimum of 1.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
