package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"manifold/internal/rag/chunker"
	"manifold/internal/rag/extract"
	"manifold/internal/rag/model"
)

// runExtraction reads the document's raw bytes, extracts text (native parse
// with OCR fallback per internal/rag/extract), and advances to CHUNKING.
// Idempotent: a retry simply rewrites extracted_text.
func (o *Orchestrator) runExtraction(ctx context.Context, task Task) error {
	ok, err := o.acquire(ctx, task.DocumentID, model.StageExtraction)
	if err != nil {
		return model.Transient("lease acquire failed", err)
	}
	if !ok {
		return nil // another worker already owns this document's lease
	}
	defer o.release(ctx, task.DocumentID)

	doc, err := o.Store.GetDocument(ctx, task.DocumentID)
	if err != nil {
		return model.Permanent("document lookup failed", err)
	}

	data, err := o.Blobs.Get(ctx, task.DocumentID)
	if err != nil {
		return model.Transient("blob read failed", err)
	}

	start := o.Clock.Now()
	result, extractErr := o.Extractor.Extract(ctx, data, doc.Extension)
	if extractErr != nil {
		if f, ok := extractErr.(*extract.Failure); ok && f.Retriable {
			return model.Transient("extraction failed", extractErr)
		}
		return model.Permanent("extraction failed", extractErr)
	}
	seconds := o.Clock.Now().Sub(start).Seconds()

	if err := o.Store.SetExtraction(ctx, task.DocumentID, result.Method, result.Text, result.HasImages, result.ImageCount, result.PageCount, seconds); err != nil {
		return model.Transient("persist extraction failed", err)
	}
	if err := o.Store.UpdateStage(ctx, task.DocumentID, model.DocumentProcessing, model.StageChunking, nil); err != nil {
		return model.Transient("stage transition failed", err)
	}
	o.Status.Publish(task.DocumentID, StatusEvent{Status: model.DocumentProcessing, Stage: model.StageChunking})
	return o.Queues[StageChunking].Enqueue(ctx, Task{DocumentID: task.DocumentID, Stage: StageChunking})
}

// runChunking splits extracted_text into overlapping passages and advances
// to EMBEDDING. Idempotent: a retry deletes and rewrites the document's
// chunks from scratch.
func (o *Orchestrator) runChunking(ctx context.Context, task Task) error {
	ok, err := o.acquire(ctx, task.DocumentID, model.StageChunking)
	if err != nil {
		return model.Transient("lease acquire failed", err)
	}
	if !ok {
		return nil
	}
	defer o.release(ctx, task.DocumentID)

	doc, err := o.Store.GetDocument(ctx, task.DocumentID)
	if err != nil {
		return model.Permanent("document lookup failed", err)
	}
	if doc.ExtractedText == nil {
		return model.Permanent("chunking requires extracted text", nil)
	}

	start := o.Clock.Now()
	opts := o.Chunking
	opts.HasOCR = doc.ExtractionMethod == model.MethodOCR || doc.ExtractionMethod == model.MethodHybrid
	chunks, err := chunker.Chunk(*doc.ExtractedText, opts)
	if err != nil {
		return model.Permanent("chunking failed", err)
	}
	for i := range chunks {
		chunks[i].DocumentID = task.DocumentID
		if chunks[i].ID == "" {
			chunks[i].ID = uuid.NewString()
		}
	}
	seconds := o.Clock.Now().Sub(start).Seconds()

	if err := o.Store.ReplaceChunks(ctx, task.DocumentID, chunks); err != nil {
		return model.Transient("persist chunks failed", err)
	}
	if err := o.Store.SetChunkStats(ctx, task.DocumentID, len(chunks), seconds); err != nil {
		return model.Transient("persist chunk stats failed", err)
	}
	if err := o.Store.UpdateStage(ctx, task.DocumentID, model.DocumentProcessing, model.StageEmbedding, nil); err != nil {
		return model.Transient("stage transition failed", err)
	}
	o.Status.Publish(task.DocumentID, StatusEvent{Status: model.DocumentProcessing, Stage: model.StageEmbedding})
	return o.Queues[StageEmbedding].Enqueue(ctx, Task{DocumentID: task.DocumentID, Stage: StageEmbedding})
}

// runEmbedding embeds every chunk not yet upserted into the vector store
// (idempotent: chunks a prior attempt already embedded are skipped) and
// writes each one's vector under its provisional vector id, assigned back
// at CHUNKING.
func (o *Orchestrator) runEmbedding(ctx context.Context, task Task) error {
	ok, err := o.acquire(ctx, task.DocumentID, model.StageEmbedding)
	if err != nil {
		return model.Transient("lease acquire failed", err)
	}
	if !ok {
		return nil
	}
	defer o.release(ctx, task.DocumentID)

	chunks, err := o.Store.ChunksByDocument(ctx, task.DocumentID)
	if err != nil {
		return model.Permanent("chunk lookup failed", err)
	}

	var pending []int
	var texts []string
	for i, c := range chunks {
		if !c.VectorUpserted {
			pending = append(pending, i)
			texts = append(texts, c.Text)
		}
	}

	start := o.Clock.Now()
	if len(pending) > 0 {
		vectors, err := o.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err // already a typed *model.Error from the embedder
		}
		for j, idx := range pending {
			if chunks[idx].VectorID == "" {
				chunks[idx].VectorID = uuid.NewString()
			}
			meta := map[string]string{
				"document_id": task.DocumentID,
				"chunk_id":    chunks[idx].ID,
				"chunk_index": strconv.Itoa(chunks[idx].ChunkIndex),
				"page":        strconv.Itoa(chunks[idx].Page),
				"language":    string(chunks[idx].Language),
			}
			if err := o.Vector.Upsert(ctx, chunks[idx].VectorID, vectors[j], meta); err != nil {
				return model.Transient("vector upsert failed", err)
			}
			chunks[idx].VectorUpserted = true
		}
	}
	seconds := o.Clock.Now().Sub(start).Seconds()

	if err := o.Store.ReplaceChunks(ctx, task.DocumentID, chunks); err != nil {
		return model.Transient("persist chunk vector ids failed", err)
	}
	if err := o.Store.SetCost(ctx, task.DocumentID, 0, 0, seconds, 0); err != nil {
		return model.Transient("persist embedding duration failed", err)
	}
	if err := o.Store.UpdateStage(ctx, task.DocumentID, model.DocumentProcessing, model.StageIndexing, nil); err != nil {
		return model.Transient("stage transition failed", err)
	}
	o.Status.Publish(task.DocumentID, StatusEvent{Status: model.DocumentProcessing, Stage: model.StageIndexing})
	return o.Queues[StageIndexing].Enqueue(ctx, Task{DocumentID: task.DocumentID, Stage: StageIndexing})
}

// runIndexing upserts each chunk's text into full-text search keyed by its
// stable chunk id, finalizes its vector id, and marks the document
// COMPLETED. Idempotent: re-running upserts the same stable ids again.
func (o *Orchestrator) runIndexing(ctx context.Context, task Task) error {
	ok, err := o.acquire(ctx, task.DocumentID, model.StageIndexing)
	if err != nil {
		return model.Transient("lease acquire failed", err)
	}
	if !ok {
		return nil
	}
	defer o.release(ctx, task.DocumentID)

	doc, err := o.Store.GetDocument(ctx, task.DocumentID)
	if err != nil {
		return model.Permanent("document lookup failed", err)
	}
	chunks, err := o.Store.ChunksByDocument(ctx, task.DocumentID)
	if err != nil {
		return model.Permanent("chunk lookup failed", err)
	}

	start := o.Clock.Now()
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		meta := map[string]string{
			"document_id": task.DocumentID,
			"category_id": doc.CategoryID,
			"page":        strconv.Itoa(c.Page),
			"chunk_index": strconv.Itoa(c.ChunkIndex),
			"title":       doc.OriginalFilename,
		}
		if err := o.Search.Index(ctx, c.ID, c.Text, meta); err != nil {
			return model.Transient("full-text index failed", err)
		}
		ids = append(ids, c.ID)
	}
	if err := o.Store.FinalizeVectors(ctx, ids); err != nil {
		return model.Transient("finalize vectors failed", err)
	}
	seconds := o.Clock.Now().Sub(start).Seconds()
	if err := o.Store.SetCost(ctx, task.DocumentID, 0, 0, 0, seconds); err != nil {
		return model.Transient("persist indexing duration failed", err)
	}
	if err := o.Store.UpdateStage(ctx, task.DocumentID, model.DocumentCompleted, model.StageIndexing, nil); err != nil {
		return model.Transient("stage transition failed", err)
	}
	o.Status.Publish(task.DocumentID, StatusEvent{Status: model.DocumentCompleted, Stage: model.StageIndexing})
	return nil
}

// reconcileLoop periodically requeues documents stuck in PROCESSING with a
// stage cursor but no task: a crash between write and enqueue, or a worker
// whose lease expired without completing its task.
func (o *Orchestrator) reconcileLoop(ctx context.Context) {
	interval := o.ReconcileInterval
	if interval <= 0 {
		interval = time.Minute
	}
	staleThreshold := o.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reconcileOnce(ctx, staleThreshold)
		}
	}
}

func (o *Orchestrator) reconcileOnce(ctx context.Context, staleThreshold time.Duration) {
	stalled, err := o.Store.StalledDocuments(ctx, staleThreshold)
	if err != nil {
		o.Logger.Error("pipeline_reconcile_scan_failed", map[string]any{"error": err.Error()})
		return
	}
	for _, doc := range stalled {
		stage := stageFromProcessing(doc.ProcessingStage)
		if err := o.Queues[stage].Enqueue(ctx, Task{DocumentID: doc.ID, Stage: stage}); err != nil {
			o.Logger.Error("pipeline_reconcile_requeue_failed", map[string]any{"document_id": doc.ID, "error": err.Error()})
			continue
		}
		o.Logger.Info("pipeline_reconcile_requeued", map[string]any{"document_id": doc.ID, "stage": stage})
	}
}
