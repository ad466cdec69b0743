package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"manifold/internal/config"
	"manifold/internal/rag/chunker"
	"manifold/internal/rag/embedder"
	"manifold/internal/rag/extract"
	"manifold/internal/rag/model"
	"manifold/internal/rag/service"

	"manifold/internal/persistence/databases"
)

// Store is the subset of internal/rag/store.Store the pipeline needs.
type Store interface {
	GetDocument(ctx context.Context, id string) (model.Document, error)
	UpdateStage(ctx context.Context, id string, status model.DocumentStatus, stage model.ProcessingStage, errMsg *string) error
	IncrementRetry(ctx context.Context, id string) (int, error)
	SetExtraction(ctx context.Context, id string, method model.ExtractionMethod, text string, hasImages bool, imageCount, pageCount int, seconds float64) error
	SetChunkStats(ctx context.Context, id string, totalChunks int, seconds float64) error
	SetCost(ctx context.Context, id string, addUSD, addXAF, embeddingSeconds, indexingSeconds float64) error
	ReplaceChunks(ctx context.Context, documentID string, chunks []model.Chunk) error
	ChunksByDocument(ctx context.Context, documentID string) ([]model.Chunk, error)
	FinalizeVectors(ctx context.Context, chunkIDs []string) error
	AcquireLease(ctx context.Context, documentID, workerID string, stage model.ProcessingStage, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, documentID, workerID string) error
	StalledDocuments(ctx context.Context, staleThreshold time.Duration) ([]model.Document, error)
}

// RetryPolicy is the exponential backoff shared by every stage: base 2s,
// cap 60s, 3 attempts, matching the orchestrator's own retry policy that
// internal/rag/embedder.callWithRetry already follows for embedding calls.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 2 * time.Second, Cap: 60 * time.Second, MaxAttempts: 3}
}

// WorkerCounts sizes each stage's pool, one knob per queue per §4.5.
type WorkerCounts struct {
	Extraction int
	Chunking   int
	Embedding  int
	Indexing   int
}

// Orchestrator runs the four stage worker pools plus the reconciler. Each
// pool consumes Tasks off its own Queue, advances the document's state
// machine, writes the result, then enqueues the next stage's Task
// ("write-then-enqueue") so a crash between write and enqueue is exactly
// what the reconciler exists to repair.
type Orchestrator struct {
	Store     Store
	Blobs     Blobs
	Extractor *extract.Extractor
	Embedder  embedder.Embedder
	Search    databases.FullTextSearch
	Vector    databases.VectorStore
	Chunking  chunker.Options

	Queues   map[Stage]Queue
	Workers  WorkerCounts
	Retry    RetryPolicy
	LeaseTTL time.Duration

	ReconcileInterval time.Duration
	StaleThreshold    time.Duration

	Status *StatusFeed
	Clock  service.Clock
	Logger service.Logger

	workerID string
}

// New builds an Orchestrator. Queues not supplied default to in-memory
// channel queues so tests and single-process deployments work without a
// Kafka cluster.
func New(store Store, blobs Blobs, extractor *extract.Extractor, emb embedder.Embedder, search databases.FullTextSearch, vector databases.VectorStore, chunking chunker.Options) *Orchestrator {
	queues := make(map[Stage]Queue, 4)
	for _, s := range []Stage{StageExtraction, StageChunking, StageEmbedding, StageIndexing} {
		queues[s] = newMemoryQueue(256)
	}
	return &Orchestrator{
		Store:     store,
		Blobs:     blobs,
		Extractor: extractor,
		Embedder:  emb,
		Search:    search,
		Vector:    vector,
		Chunking:  chunking,
		Queues:    queues,
		Workers:   WorkerCounts{Extraction: 2, Chunking: 2, Embedding: 2, Indexing: 2},
		Retry:     defaultRetryPolicy(),
		LeaseTTL:  5 * time.Minute,
		ReconcileInterval: time.Minute,
		StaleThreshold:    10 * time.Minute,
		Status:    NewStatusFeed(),
		Clock:     service.SystemClock{},
		Logger:    noopLogger{},
		workerID:  uuid.NewString(),
	}
}

// NewFromConfig builds an Orchestrator with per-queue worker counts, queue
// backend, lease TTL, and reconciler cadence sourced from
// config.PipelineConfig, one knob per queue per §4.5.
func NewFromConfig(cfg config.PipelineConfig, store Store, blobs Blobs, extractor *extract.Extractor, emb embedder.Embedder, search databases.FullTextSearch, vector databases.VectorStore, chunking chunker.Options) (*Orchestrator, error) {
	o := New(store, blobs, extractor, emb, search, vector, chunking)
	for _, s := range []Stage{StageExtraction, StageChunking, StageEmbedding, StageIndexing} {
		q, err := NewQueue(cfg, "rag-"+string(s))
		if err != nil {
			return nil, err
		}
		o.Queues[s] = q
	}
	o.Workers = WorkerCounts{
		Extraction: cfg.ExtractionWorkers,
		Chunking:   cfg.ChunkingWorkers,
		Embedding:  cfg.EmbeddingWorkers,
		Indexing:   cfg.IndexingWorkers,
	}
	if cfg.LeaseTTLSeconds > 0 {
		o.LeaseTTL = time.Duration(cfg.LeaseTTLSeconds) * time.Second
	}
	if cfg.ReconcileInterval > 0 {
		o.ReconcileInterval = time.Duration(cfg.ReconcileInterval) * time.Second
	}
	if cfg.StaleThreshold > 0 {
		o.StaleThreshold = time.Duration(cfg.StaleThreshold) * time.Second
	}
	return o, nil
}

type noopLogger struct{}

func (noopLogger) Info(string, map[string]any)  {}
func (noopLogger) Error(string, map[string]any) {}
func (noopLogger) Debug(string, map[string]any) {}

// Submit admits a newly validated document: writes its initial state (the
// caller has already called store.CreateDocument) and enqueues EXTRACTION.
// VALIDATION itself runs synchronously on the upload path, never queued.
func (o *Orchestrator) Submit(ctx context.Context, documentID string) error {
	if err := o.Store.UpdateStage(ctx, documentID, model.DocumentProcessing, model.StageExtraction, nil); err != nil {
		return err
	}
	o.Status.Publish(documentID, StatusEvent{Status: model.DocumentProcessing, Stage: model.StageExtraction})
	return o.Queues[StageExtraction].Enqueue(ctx, Task{DocumentID: documentID, Stage: StageExtraction})
}

// Retry explicitly re-admits a FAILED document at its recorded stage cursor.
func (o *Orchestrator) Retry(ctx context.Context, documentID string) error {
	doc, err := o.Store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status != model.DocumentFailed {
		return model.Conflict("document is not in a failed state", nil)
	}
	stage := stageFromProcessing(doc.ProcessingStage)
	if err := o.Store.UpdateStage(ctx, documentID, model.DocumentProcessing, doc.ProcessingStage, nil); err != nil {
		return err
	}
	o.Status.Publish(documentID, StatusEvent{Status: model.DocumentProcessing, Stage: doc.ProcessingStage})
	return o.Queues[stage].Enqueue(ctx, Task{DocumentID: documentID, Stage: stage})
}

func stageFromProcessing(p model.ProcessingStage) Stage {
	switch p {
	case model.StageChunking:
		return StageChunking
	case model.StageEmbedding:
		return StageEmbedding
	case model.StageIndexing:
		return StageIndexing
	default:
		return StageExtraction
	}
}

// Run starts every stage's worker pool and the reconciler, blocking until
// ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	pools := []struct {
		stage   Stage
		count   int
		handler func(context.Context, Task) error
	}{
		{StageExtraction, o.Workers.Extraction, o.runExtraction},
		{StageChunking, o.Workers.Chunking, o.runChunking},
		{StageEmbedding, o.Workers.Embedding, o.runEmbedding},
		{StageIndexing, o.Workers.Indexing, o.runIndexing},
	}
	for _, p := range pools {
		n := p.count
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			go o.workerLoop(ctx, p.stage, p.handler)
		}
	}
	go o.reconcileLoop(ctx)
	<-ctx.Done()
}

func (o *Orchestrator) workerLoop(ctx context.Context, stage Stage, handle func(context.Context, Task) error) {
	q := o.Queues[stage]
	for {
		task, ack, err := q.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		o.handleWithRetry(ctx, task, handle)
		ack()
	}
}

// handleWithRetry retries transient failures in place with exponential
// backoff, bounded at Retry.MaxAttempts, per §4.5. A permanent failure or a
// transient failure that exhausts its retries marks the document FAILED.
func (o *Orchestrator) handleWithRetry(ctx context.Context, task Task, handle func(context.Context, Task) error) {
	delay := o.Retry.Base
	var lastErr error
	for attempt := 0; attempt < o.Retry.MaxAttempts; attempt++ {
		lastErr = handle(ctx, task)
		if lastErr == nil {
			return
		}
		if !model.Retriable(lastErr) {
			break
		}
		if attempt == o.Retry.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > o.Retry.Cap {
			delay = o.Retry.Cap
		}
	}
	o.fail(ctx, task.DocumentID, task.Stage.ProcessingStage(), lastErr)
}

func (o *Orchestrator) fail(ctx context.Context, documentID string, stage model.ProcessingStage, cause error) {
	n, _ := o.Store.IncrementRetry(ctx, documentID)
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	_ = o.Store.UpdateStage(ctx, documentID, model.DocumentFailed, stage, &msg)
	o.Status.Publish(documentID, StatusEvent{Status: model.DocumentFailed, Stage: stage, ErrorMessage: &msg})
	o.Logger.Error("pipeline_stage_failed", map[string]any{"document_id": documentID, "stage": stage, "retry_count": n, "error": msg})
}

// acquire wraps a stage handler with the lease claim/release dance so a
// crashed worker's claim expires instead of blocking the document forever.
func (o *Orchestrator) acquire(ctx context.Context, documentID string, stage model.ProcessingStage) (bool, error) {
	return o.Store.AcquireLease(ctx, documentID, o.workerID, stage, o.LeaseTTL)
}

func (o *Orchestrator) release(ctx context.Context, documentID string) {
	_ = o.Store.ReleaseLease(ctx, documentID, o.workerID)
}
