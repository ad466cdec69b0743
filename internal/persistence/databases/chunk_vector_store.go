package databases

import (
	"context"
	"fmt"
	"strconv"
)

// ChunkMetadataKeys are the filter/payload keys the Vector Index Adapter
// writes and reads on every chunk vector, shared across the pgvector and
// Qdrant backends so hybrid retrieval can filter by document or category
// regardless of which backend is configured.
const (
	MetaDocumentID = "document_id"
	MetaChunkID    = "chunk_id"
	MetaCategoryID = "category_id"
	MetaChunkIndex = "chunk_index"
	MetaLanguage   = "language"
)

// UpsertFailure reports one chunk that failed to index within an otherwise
// successful batch, per §4.4's partial-failure reporting requirement.
type UpsertFailure struct {
	Index int
	Err   error
}

func (f UpsertFailure) Error() string { return fmt.Sprintf("chunk %d: %v", f.Index, f.Err) }

// BatchUpsertError wraps the subset of a batch that failed; callers inspect
// Failures to retry just those chunks rather than the whole document.
type BatchUpsertError struct {
	Failures []UpsertFailure
}

func (e *BatchUpsertError) Error() string {
	return fmt.Sprintf("%d of the batch failed to index", len(e.Failures))
}

// ChunkVector is one chunk's embedding plus the metadata the retriever's
// filters need without a round trip to the relational store.
type ChunkVector struct {
	VectorID   string
	DocumentID string
	ChunkID    string
	CategoryID string
	ChunkIndex int
	Language   string
	Vector     []float32
}

// ChunkVectorStore layers document-scoped batch operations on top of the
// plain VectorStore a single chunk at a time interface. Both pgVector and
// qdrantVector implement it directly since their per-id Upsert/Delete
// primitives are already document-agnostic key-value operations.
type ChunkVectorStore interface {
	VectorStore

	// EnsureCollection prepares the backend for a given embedding
	// dimensionality; a no-op for backends that don't require pre-declared
	// schemas (e.g. pgvector's ALTER TABLE path already runs in the
	// constructor, so this mainly matters for Qdrant).
	EnsureCollection(ctx context.Context, dimensions int) error

	// BatchUpsertChunks indexes every chunk in cs, continuing past
	// individual failures, and returns a *BatchUpsertError naming which
	// indices failed so the pipeline orchestrator can retry just those.
	BatchUpsertChunks(ctx context.Context, cs []ChunkVector) error

	// DeleteByDocument removes every vector belonging to documentID. Used
	// both on document delete and before a reprocessing pass re-indexes a
	// document's chunks.
	DeleteByDocument(ctx context.Context, documentID string, chunkVectorIDs []string) error
}

func chunkMetadata(c ChunkVector) map[string]string {
	return map[string]string{
		MetaDocumentID: c.DocumentID,
		MetaChunkID:    c.ChunkID,
		MetaCategoryID: c.CategoryID,
		MetaChunkIndex: strconv.Itoa(c.ChunkIndex),
		MetaLanguage:   c.Language,
	}
}

// batchUpsert is the shared continue-past-failures loop both concrete
// backends drive through their own Upsert; neither pgvector nor Qdrant
// exposes a native multi-document batch primitive that also reports
// per-item failures, so a single chunk at a time with error collection is
// the portable choice.
func batchUpsert(ctx context.Context, vs VectorStore, cs []ChunkVector) error {
	var failures []UpsertFailure
	for i, c := range cs {
		if err := vs.Upsert(ctx, c.VectorID, c.Vector, chunkMetadata(c)); err != nil {
			failures = append(failures, UpsertFailure{Index: i, Err: err})
		}
	}
	if len(failures) > 0 {
		return &BatchUpsertError{Failures: failures}
	}
	return nil
}

func (p *pgVector) EnsureCollection(ctx context.Context, dimensions int) error {
	if dimensions > 0 && p.dimensions == 0 {
		p.dimensions = dimensions
	}
	return nil
}

func (p *pgVector) BatchUpsertChunks(ctx context.Context, cs []ChunkVector) error {
	return batchUpsert(ctx, p, cs)
}

func (p *pgVector) DeleteByDocument(ctx context.Context, documentID string, chunkVectorIDs []string) error {
	if len(chunkVectorIDs) > 0 {
		_, err := p.pool.Exec(ctx, `DELETE FROM embeddings WHERE id = ANY($1)`, chunkVectorIDs)
		return err
	}
	_, err := p.pool.Exec(ctx, `DELETE FROM embeddings WHERE metadata @> $1`, map[string]string{MetaDocumentID: documentID})
	return err
}

func (q *qdrantVector) EnsureCollection(ctx context.Context, dimensions int) error {
	if dimensions > 0 {
		q.dimension = dimensions
	}
	return q.ensureCollection(ctx)
}

func (q *qdrantVector) BatchUpsertChunks(ctx context.Context, cs []ChunkVector) error {
	return batchUpsert(ctx, q, cs)
}

// DeleteByDocument on Qdrant deletes only the points named in chunkVectorIDs;
// documentID is not used, so an empty list deletes nothing.
func (q *qdrantVector) DeleteByDocument(ctx context.Context, documentID string, chunkVectorIDs []string) error {
	var failures []UpsertFailure
	for i, id := range chunkVectorIDs {
		if err := q.Delete(ctx, id); err != nil {
			failures = append(failures, UpsertFailure{Index: i, Err: err})
		}
	}
	if len(failures) > 0 {
		return &BatchUpsertError{Failures: failures}
	}
	return nil
}

// NewMemoryChunkVector returns an in-process ChunkVectorStore for tests and
// single-node deployments without Postgres or Qdrant.
func NewMemoryChunkVector() ChunkVectorStore { return &memoryVector{vectors: make(map[string]vec)} }

func (m *memoryVector) EnsureCollection(ctx context.Context, dimensions int) error { return nil }

func (m *memoryVector) BatchUpsertChunks(ctx context.Context, cs []ChunkVector) error {
	return batchUpsert(ctx, m, cs)
}

func (m *memoryVector) DeleteByDocument(ctx context.Context, documentID string, chunkVectorIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(chunkVectorIDs) > 0 {
		for _, id := range chunkVectorIDs {
			delete(m.vectors, id)
		}
		return nil
	}
	for id, v := range m.vectors {
		if v.metadata[MetaDocumentID] == documentID {
			delete(m.vectors, id)
		}
	}
	return nil
}
