// Package store is the Postgres-backed system of record for documents,
// chunks, conversations, messages, feedback, exchange rates, and the
// cache-to-document invalidation map. It is deliberately independent of the
// vector index: chunk text and metadata live here, chunk vectors live in
// whichever persistence/databases.VectorStore backend is configured.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"manifold/internal/rag/model"
)

// Store is the relational system of record for the RAG domain.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("rag store requires a pool")
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS rag_documents (
    id UUID PRIMARY KEY,
    original_filename TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    size_bytes BIGINT NOT NULL,
    extension TEXT NOT NULL,
    category_id TEXT NOT NULL DEFAULT '',
    uploader_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'PENDING',
    processing_stage TEXT NOT NULL DEFAULT 'VALIDATION',
    extraction_method TEXT NOT NULL DEFAULT '',
    has_images BOOLEAN NOT NULL DEFAULT FALSE,
    image_count INTEGER NOT NULL DEFAULT 0,
    page_count INTEGER NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    extracted_text TEXT,
    total_chunks INTEGER NOT NULL DEFAULT 0,
    extraction_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    chunking_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    embedding_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    indexing_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_processing_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    cost_xaf DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    uploaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    processed_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS rag_documents_hash_idx ON rag_documents(content_hash);
CREATE INDEX IF NOT EXISTS rag_documents_status_idx ON rag_documents(status, processing_stage);

CREATE TABLE IF NOT EXISTS rag_chunks (
    id UUID PRIMARY KEY,
    document_id UUID NOT NULL REFERENCES rag_documents(id) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    text TEXT NOT NULL,
    token_count INTEGER NOT NULL DEFAULT 0,
    char_start INTEGER NOT NULL DEFAULT 0,
    char_end INTEGER NOT NULL DEFAULT 0,
    page INTEGER NOT NULL DEFAULT 0,
    language TEXT NOT NULL DEFAULT 'unknown',
    has_ocr_content BOOLEAN NOT NULL DEFAULT FALSE,
    has_table BOOLEAN NOT NULL DEFAULT FALSE,
    vector_id UUID NOT NULL,
    vector_upserted BOOLEAN NOT NULL DEFAULT FALSE,
    vector_final BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE(document_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS rag_conversations (
    id UUID PRIMARY KEY,
    owner_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT 'Nouvelle conversation',
    archived BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS rag_conversations_owner_idx ON rag_conversations(owner_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS rag_messages (
    id UUID PRIMARY KEY,
    conversation_id UUID NOT NULL REFERENCES rag_conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    tokens_input INTEGER NOT NULL DEFAULT 0,
    tokens_output INTEGER NOT NULL DEFAULT 0,
    cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    cost_xaf DOUBLE PRECISION NOT NULL DEFAULT 0,
    cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
    partial BOOLEAN NOT NULL DEFAULT FALSE,
    response_time_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    model_used TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS rag_messages_conv_created_idx ON rag_messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS rag_message_sources (
    message_id UUID NOT NULL REFERENCES rag_messages(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    document_id UUID NOT NULL,
    chunk_id UUID NOT NULL,
    page INTEGER NOT NULL DEFAULT 0,
    chunk_index INTEGER NOT NULL DEFAULT 0,
    title TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    excerpt TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (message_id, position)
);

CREATE TABLE IF NOT EXISTS rag_feedback (
    id UUID PRIMARY KEY,
    message_id UUID NOT NULL REFERENCES rag_messages(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL DEFAULT '',
    rating SMALLINT NOT NULL,
    comment TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE(message_id, user_id)
);

CREATE TABLE IF NOT EXISTS rag_query_cache (
    id UUID PRIMARY KEY,
    normalized_hash TEXT NOT NULL,
    query_embedding DOUBLE PRECISION[] NOT NULL,
    response_content TEXT NOT NULL,
    sources JSONB NOT NULL DEFAULT '[]',
    model_used TEXT NOT NULL DEFAULT '',
    tokens_input INTEGER NOT NULL DEFAULT 0,
    tokens_output INTEGER NOT NULL DEFAULT 0,
    cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    cost_xaf DOUBLE PRECISION NOT NULL DEFAULT 0,
    hit_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    ttl_seconds INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS rag_query_cache_hash_idx ON rag_query_cache(normalized_hash);

CREATE TABLE IF NOT EXISTS rag_cache_document_map (
    cache_entry_id UUID NOT NULL REFERENCES rag_query_cache(id) ON DELETE CASCADE,
    document_id UUID NOT NULL,
    PRIMARY KEY (cache_entry_id, document_id)
);
CREATE INDEX IF NOT EXISTS rag_cache_document_map_doc_idx ON rag_cache_document_map(document_id);

CREATE TABLE IF NOT EXISTS rag_token_usage (
    id UUID PRIMARY KEY,
    operation TEXT NOT NULL,
    tokens_input INTEGER NOT NULL DEFAULT 0,
    tokens_output INTEGER NOT NULL DEFAULT 0,
    cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    cost_xaf DOUBLE PRECISION NOT NULL DEFAULT 0,
    exchange_rate_used DOUBLE PRECISION NOT NULL DEFAULT 0,
    model TEXT NOT NULL DEFAULT '',
    document_id UUID,
    message_id UUID,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS rag_token_usage_created_idx ON rag_token_usage(created_at);

CREATE TABLE IF NOT EXISTS rag_exchange_rates (
    id UUID PRIMARY KEY,
    pair TEXT NOT NULL,
    rate DOUBLE PRECISION NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS rag_exchange_rates_pair_idx ON rag_exchange_rates(pair, created_at DESC);

CREATE TABLE IF NOT EXISTS rag_system_config (
    key TEXT NOT NULL,
    value JSONB NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    updated_by TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    version INTEGER NOT NULL,
    PRIMARY KEY (key, version)
);
CREATE INDEX IF NOT EXISTS rag_system_config_key_idx ON rag_system_config(key, version DESC);

CREATE TABLE IF NOT EXISTS rag_document_leases (
    document_id UUID PRIMARY KEY,
    worker_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    acquired_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rag_document_leases_expires_idx ON rag_document_leases(expires_at);
`

// --- Documents ---------------------------------------------------------

func (s *Store) CreateDocument(ctx context.Context, d model.Document) (model.Document, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO rag_documents
 (id, original_filename, content_hash, size_bytes, extension, category_id, uploader_id, status, processing_stage, uploaded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
ON CONFLICT (content_hash) DO UPDATE SET original_filename = rag_documents.original_filename
RETURNING id, original_filename, content_hash, size_bytes, extension, category_id, uploader_id,
 status, processing_stage, extraction_method, has_images, image_count, page_count, retry_count,
 error_message, extracted_text, total_chunks, extraction_seconds, chunking_seconds, embedding_seconds,
 indexing_seconds, total_processing_seconds, cost_usd, cost_xaf, created_at, updated_at, uploaded_at, processed_at`,
		d.ID, d.OriginalFilename, d.ContentHash, d.SizeBytes, d.Extension, d.CategoryID, d.UploaderID,
		model.DocumentPending, model.StageValidation)
	return scanDocument(row)
}

func (s *Store) GetDocument(ctx context.Context, id string) (model.Document, error) {
	row := s.pool.QueryRow(ctx, documentSelect+` WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Document{}, model.NotFound("document not found", err)
	}
	return doc, err
}

func (s *Store) GetDocumentByHash(ctx context.Context, hash string) (model.Document, error) {
	row := s.pool.QueryRow(ctx, documentSelect+` WHERE content_hash = $1`, hash)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Document{}, model.NotFound("document not found", err)
	}
	return doc, err
}

// DocumentFilter narrows ListDocuments to the subset of §6's query
// parameters that map onto indexed or cheaply-filterable columns. Zero
// values are "no filter".
type DocumentFilter struct {
	CategoryID string
	Status     model.DocumentStatus
	FileTypes  []string
	DateFrom   time.Time
	DateTo     time.Time
	Search     string // matched against original_filename, case-insensitive
}

func (s *Store) ListDocuments(ctx context.Context, f DocumentFilter, limit, offset int) ([]model.Document, error) {
	query := documentSelect
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.CategoryID != "" {
		clauses = append(clauses, "category_id = "+arg(f.CategoryID))
	}
	if f.Status != "" {
		clauses = append(clauses, "status = "+arg(f.Status))
	}
	if len(f.FileTypes) > 0 {
		clauses = append(clauses, "extension = ANY("+arg(f.FileTypes)+")")
	}
	if !f.DateFrom.IsZero() {
		clauses = append(clauses, "created_at >= "+arg(f.DateFrom))
	}
	if !f.DateTo.IsZero() {
		clauses = append(clauses, "created_at <= "+arg(f.DateTo))
	}
	if f.Search != "" {
		clauses = append(clauses, "original_filename ILIKE "+arg("%"+f.Search+"%"))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, clampLimit(limit), offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateStage transitions a document's status/stage and records an optional
// error message, per §4.5's {status}x{processing_stage} state machine.
func (s *Store) UpdateStage(ctx context.Context, id string, status model.DocumentStatus, stage model.ProcessingStage, errMsg *string) error {
	cmd, err := s.pool.Exec(ctx, `
UPDATE rag_documents
SET status = $2, processing_stage = $3, error_message = $4, updated_at = NOW(),
    processed_at = CASE WHEN $2 = 'COMPLETED' THEN NOW() ELSE processed_at END
WHERE id = $1`, id, status, stage, errMsg)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return model.NotFound("document not found", nil)
	}
	return nil
}

func (s *Store) IncrementRetry(ctx context.Context, id string) (int, error) {
	row := s.pool.QueryRow(ctx, `UPDATE rag_documents SET retry_count = retry_count + 1, updated_at = NOW() WHERE id = $1 RETURNING retry_count`, id)
	var n int
	err := row.Scan(&n)
	return n, err
}

// AcquireLease claims the document for workerID at the given stage for ttl,
// refusing if another worker already holds an unexpired lease. A worker may
// re-acquire (renew) its own lease. Crashed workers release automatically
// once expires_at passes, letting the reconciler hand the document to a new
// worker without an explicit release.
func (s *Store) AcquireLease(ctx context.Context, documentID, workerID string, stage model.ProcessingStage, ttl time.Duration) (bool, error) {
	cmd, err := s.pool.Exec(ctx, `
INSERT INTO rag_document_leases (document_id, worker_id, stage, acquired_at, expires_at)
VALUES ($1, $2, $3, NOW(), NOW() + $4::interval)
ON CONFLICT (document_id) DO UPDATE
SET worker_id = $2, stage = $3, acquired_at = NOW(), expires_at = NOW() + $4::interval
WHERE rag_document_leases.expires_at < NOW() OR rag_document_leases.worker_id = $2`,
		documentID, workerID, stage, ttl.String())
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// ReleaseLease drops a worker's claim on documentID, e.g. once a stage
// finishes and the next stage's own AcquireLease call can proceed
// immediately rather than waiting out the TTL.
func (s *Store) ReleaseLease(ctx context.Context, documentID, workerID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM rag_document_leases WHERE document_id = $1 AND worker_id = $2`, documentID, workerID)
	return err
}

// StalledDocuments finds documents stuck mid-pipeline: status PROCESSING,
// last updated before the stale threshold, with no unexpired lease. These
// are candidates for the reconciler to requeue at their current stage.
func (s *Store) StalledDocuments(ctx context.Context, staleThreshold time.Duration) ([]model.Document, error) {
	query := documentSelect + ` d WHERE d.status = 'PROCESSING' AND d.updated_at < NOW() - $1::interval
AND NOT EXISTS (
    SELECT 1 FROM rag_document_leases l WHERE l.document_id = d.id AND l.expires_at >= NOW()
)`
	rows, err := s.pool.Query(ctx, query, staleThreshold.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) SetExtraction(ctx context.Context, id string, method model.ExtractionMethod, text string, hasImages bool, imageCount, pageCount int, seconds float64) error {
	_, err := s.pool.Exec(ctx, `
UPDATE rag_documents
SET extraction_method = $2, extracted_text = $3, has_images = $4, image_count = $5, page_count = $6,
    extraction_seconds = $7, updated_at = NOW()
WHERE id = $1`, id, method, text, hasImages, imageCount, pageCount, seconds)
	return err
}

func (s *Store) SetChunkStats(ctx context.Context, id string, totalChunks int, seconds float64) error {
	_, err := s.pool.Exec(ctx, `UPDATE rag_documents SET total_chunks = $2, chunking_seconds = $3, updated_at = NOW() WHERE id = $1`, id, totalChunks, seconds)
	return err
}

func (s *Store) SetCost(ctx context.Context, id string, addUSD, addXAF, embeddingSeconds, indexingSeconds float64) error {
	_, err := s.pool.Exec(ctx, `
UPDATE rag_documents
SET cost_usd = cost_usd + $2, cost_xaf = cost_xaf + $3,
    embedding_seconds = embedding_seconds + $4, indexing_seconds = indexing_seconds + $5,
    total_processing_seconds = extraction_seconds + chunking_seconds + embedding_seconds + indexing_seconds,
    updated_at = NOW()
WHERE id = $1`, id, addUSD, addXAF, embeddingSeconds, indexingSeconds)
	return err
}

func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	cmd, err := s.pool.Exec(ctx, `DELETE FROM rag_documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return model.NotFound("document not found", nil)
	}
	return nil
}

const documentSelect = `
SELECT id, original_filename, content_hash, size_bytes, extension, category_id, uploader_id,
 status, processing_stage, extraction_method, has_images, image_count, page_count, retry_count,
 error_message, extracted_text, total_chunks, extraction_seconds, chunking_seconds, embedding_seconds,
 indexing_seconds, total_processing_seconds, cost_usd, cost_xaf, created_at, updated_at, uploaded_at, processed_at
FROM rag_documents`

func scanDocument(row pgx.Row) (model.Document, error) {
	var d model.Document
	var errMsg, text sql.NullString
	var processedAt sql.NullTime
	err := row.Scan(&d.ID, &d.OriginalFilename, &d.ContentHash, &d.SizeBytes, &d.Extension, &d.CategoryID, &d.UploaderID,
		&d.Status, &d.ProcessingStage, &d.ExtractionMethod, &d.HasImages, &d.ImageCount, &d.PageCount, &d.RetryCount,
		&errMsg, &text, &d.TotalChunks, &d.ExtractionSeconds, &d.ChunkingSeconds, &d.EmbeddingSeconds,
		&d.IndexingSeconds, &d.TotalProcessingS, &d.CostUSD, &d.CostXAF, &d.CreatedAt, &d.UpdatedAt, &d.UploadedAt, &processedAt)
	if err != nil {
		return model.Document{}, err
	}
	if errMsg.Valid {
		d.ErrorMessage = &errMsg.String
	}
	if text.Valid {
		d.ExtractedText = &text.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		d.ProcessedAt = &t
	}
	return d, nil
}

// --- Chunks --------------------------------------------------------------

// ReplaceChunks performs an idempotent replace keyed on (document_id,
// chunk_index): reprocessing the same document produces the same rows
// rather than duplicates (§8 idempotence).
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []model.Chunk) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM rag_chunks WHERE document_id = $1`, documentID); err != nil {
		return err
	}
	for _, c := range chunks {
		if _, err := tx.Exec(ctx, `
INSERT INTO rag_chunks (id, document_id, chunk_index, text, token_count, char_start, char_end, page,
 language, has_ocr_content, has_table, vector_id, vector_upserted, vector_final)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (document_id, chunk_index) DO UPDATE SET
 text = EXCLUDED.text, token_count = EXCLUDED.token_count, char_start = EXCLUDED.char_start,
 char_end = EXCLUDED.char_end, vector_id = EXCLUDED.vector_id, vector_upserted = EXCLUDED.vector_upserted,
 vector_final = EXCLUDED.vector_final`,
			c.ID, documentID, c.ChunkIndex, c.Text, c.TokenCount, c.CharStart, c.CharEnd, c.Page,
			c.Language, c.HasOCRContent, c.HasTable, c.VectorID, c.VectorUpserted, c.VectorFinal); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) FinalizeVectors(ctx context.Context, chunkIDs []string) error {
	_, err := s.pool.Exec(ctx, `UPDATE rag_chunks SET vector_final = TRUE WHERE id = ANY($1)`, chunkIDs)
	return err
}

const chunkSelect = `
SELECT id, document_id, chunk_index, text, token_count, char_start, char_end, page, language,
 has_ocr_content, has_table, vector_id, vector_upserted, vector_final
FROM rag_chunks`

func scanChunk(row pgx.Row) (model.Chunk, error) {
	var c model.Chunk
	err := row.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Text, &c.TokenCount, &c.CharStart, &c.CharEnd,
		&c.Page, &c.Language, &c.HasOCRContent, &c.HasTable, &c.VectorID, &c.VectorUpserted, &c.VectorFinal)
	return c, err
}

func (s *Store) ChunksByDocument(ctx context.Context, documentID string) ([]model.Chunk, error) {
	rows, err := s.pool.Query(ctx, chunkSelect+` WHERE document_id = $1 ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ChunksByIDs(ctx context.Context, ids []string) ([]model.Chunk, error) {
	rows, err := s.pool.Query(ctx, chunkSelect+` WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Conversations & messages ---------------------------------------------

func (s *Store) CreateConversation(ctx context.Context, id, ownerID string) (model.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO rag_conversations (id, owner_id, title) VALUES ($1,$2,$3)
RETURNING id, owner_id, title, archived, created_at, updated_at`,
		id, ownerID, model.DefaultConversationTitle)
	return scanConversation(row)
}

func (s *Store) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, owner_id, title, archived, created_at, updated_at FROM rag_conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Conversation{}, model.NotFound("conversation not found", err)
	}
	return c, err
}

// ConversationFilter narrows ListConversations to §6's query parameters.
type ConversationFilter struct {
	OwnerID         string
	IncludeArchived bool
	Search          string // matched against title, case-insensitive
}

func (s *Store) ListConversations(ctx context.Context, f ConversationFilter, limit, offset int) ([]model.Conversation, error) {
	query := `SELECT id, owner_id, title, archived, created_at, updated_at FROM rag_conversations WHERE owner_id = $1`
	args := []any{f.OwnerID}
	if !f.IncludeArchived {
		query += ` AND archived = FALSE`
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		query += fmt.Sprintf(` AND title ILIKE $%d`, len(args))
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT %d OFFSET %d`, clampLimit(limit), offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) RenameConversation(ctx context.Context, id, title string) error {
	if strings.TrimSpace(title) == "" {
		return model.Validation("title required", nil)
	}
	_, err := s.pool.Exec(ctx, `UPDATE rag_conversations SET title = $2, updated_at = NOW() WHERE id = $1`, id, title)
	return err
}

// ToggleArchive flips a conversation's archived flag and returns the new
// value, backing §6's PUT .../archive "toggle" semantics.
func (s *Store) ToggleArchive(ctx context.Context, id string) (bool, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE rag_conversations SET archived = NOT archived, updated_at = NOW()
WHERE id = $1 RETURNING archived`, id)
	var archived bool
	err := row.Scan(&archived)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, model.NotFound("conversation not found", err)
	}
	return archived, err
}

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Archived, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// AppendMessage persists one message and, when sources are present, its
// citation rows in the same transaction.
func (s *Store) AppendMessage(ctx context.Context, msg model.Message, sources []model.Source) (model.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
INSERT INTO rag_messages (id, conversation_id, role, content, tokens_input, tokens_output, cost_usd, cost_xaf,
 cache_hit, partial, response_time_seconds, model_used)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING id, conversation_id, role, content, tokens_input, tokens_output, cost_usd, cost_xaf, cache_hit,
 partial, response_time_seconds, model_used, created_at`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.TokensInput, msg.TokensOutput, msg.CostUSD, msg.CostXAF,
		msg.CacheHit, msg.Partial, msg.ResponseTimeSecond, msg.ModelUsed)
	out, err := scanMessage(row)
	if err != nil {
		return model.Message{}, err
	}
	for i, src := range sources {
		if _, err := tx.Exec(ctx, `
INSERT INTO rag_message_sources (message_id, position, document_id, chunk_id, page, chunk_index, title,
 category, relevance_score, excerpt)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			out.ID, i, src.DocumentID, src.ChunkID, src.Page, src.ChunkIndex, src.Title, src.Category,
			src.RelevanceScore, src.Excerpt); err != nil {
			return model.Message{}, err
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE rag_conversations SET updated_at = NOW() WHERE id = $1`, msg.ConversationID); err != nil {
		return model.Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Message{}, err
	}
	return out, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	query := `
SELECT id, conversation_id, role, content, tokens_input, tokens_output, cost_usd, cost_xaf, cache_hit,
 partial, response_time_seconds, model_used, created_at
FROM rag_messages WHERE conversation_id = $1 ORDER BY created_at ASC`
	args := []any{conversationID}
	if limit > 0 {
		query = `
SELECT * FROM (
  SELECT id, conversation_id, role, content, tokens_input, tokens_output, cost_usd, cost_xaf, cache_hit,
   partial, response_time_seconds, model_used, created_at
  FROM rag_messages WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2
) sub ORDER BY created_at ASC`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var m model.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.TokensInput, &m.TokensOutput, &m.CostUSD,
		&m.CostXAF, &m.CacheHit, &m.Partial, &m.ResponseTimeSecond, &m.ModelUsed, &m.CreatedAt)
	return m, err
}

// --- Feedback --------------------------------------------------------------

func (s *Store) UpsertFeedback(ctx context.Context, f model.Feedback) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO rag_feedback (id, message_id, user_id, rating, comment)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (message_id, user_id) DO UPDATE SET rating = EXCLUDED.rating, comment = EXCLUDED.comment, created_at = NOW()`,
		f.ID, f.MessageID, f.UserID, f.Rating, f.Comment)
	return err
}

// --- Exchange rates ----------------------------------------------------

func (s *Store) LatestExchangeRate(ctx context.Context, pair string) (model.ExchangeRate, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, pair, rate, source, created_at FROM rag_exchange_rates WHERE pair = $1 ORDER BY created_at DESC LIMIT 1`, pair)
	var r model.ExchangeRate
	err := row.Scan(&r.ID, &r.Pair, &r.Rate, &r.Source, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ExchangeRate{}, model.NotFound("no exchange rate on record", err)
	}
	return r, err
}

func (s *Store) InsertExchangeRate(ctx context.Context, r model.ExchangeRate) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO rag_exchange_rates (id, pair, rate, source) VALUES ($1,$2,$3,$4)`, r.ID, r.Pair, r.Rate, r.Source)
	return err
}

// --- System config ---------------------------------------------------------

// LatestConfigEntry returns the highest-versioned row for key, or a NotFound
// error if the key has never been set.
func (s *Store) LatestConfigEntry(ctx context.Context, key string) (model.SystemConfigEntry, error) {
	row := s.pool.QueryRow(ctx, `
SELECT key, value, description, updated_by, updated_at, version
FROM rag_system_config WHERE key = $1 ORDER BY version DESC LIMIT 1`, key)
	e, err := scanConfigEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SystemConfigEntry{}, model.NotFound("config key not set", err)
	}
	return e, err
}

// AllLatestConfigEntries returns the current value of every known key, used
// to warm the in-process cache on startup.
func (s *Store) AllLatestConfigEntries(ctx context.Context) ([]model.SystemConfigEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT ON (key) key, value, description, updated_by, updated_at, version
FROM rag_system_config ORDER BY key, version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SystemConfigEntry
	for rows.Next() {
		e, err := scanConfigEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ConfigHistory returns every version ever written for key, newest first —
// the append-only audit trail.
func (s *Store) ConfigHistory(ctx context.Context, key string) ([]model.SystemConfigEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT key, value, description, updated_by, updated_at, version
FROM rag_system_config WHERE key = $1 ORDER BY version DESC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SystemConfigEntry
	for rows.Next() {
		e, err := scanConfigEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutConfigEntry appends a new version for key. It never updates a row in
// place: every write is a new (key, version) row, which is what makes
// ConfigHistory an audit trail rather than a mutable log.
func (s *Store) PutConfigEntry(ctx context.Context, key string, value any, description, updatedBy string) (model.SystemConfigEntry, error) {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return model.SystemConfigEntry{}, model.Validation("config value is not JSON-serializable", err)
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO rag_system_config (key, value, description, updated_by, updated_at, version)
VALUES ($1, $2, $3, $4, NOW(),
 COALESCE((SELECT MAX(version) FROM rag_system_config WHERE key = $1), 0) + 1)
RETURNING key, value, description, updated_by, updated_at, version`,
		key, valueJSON, description, updatedBy)
	return scanConfigEntry(row)
}

func scanConfigEntry(row pgx.Row) (model.SystemConfigEntry, error) {
	var e model.SystemConfigEntry
	var valueJSON []byte
	if err := row.Scan(&e.Key, &valueJSON, &e.Description, &e.UpdatedBy, &e.UpdatedAt, &e.Version); err != nil {
		return model.SystemConfigEntry{}, err
	}
	var v any
	if err := json.Unmarshal(valueJSON, &v); err != nil {
		return model.SystemConfigEntry{}, err
	}
	e.Value = v
	return e, nil
}

func scanConfigEntryRows(rows pgx.Rows) (model.SystemConfigEntry, error) {
	var e model.SystemConfigEntry
	var valueJSON []byte
	if err := rows.Scan(&e.Key, &valueJSON, &e.Description, &e.UpdatedBy, &e.UpdatedAt, &e.Version); err != nil {
		return model.SystemConfigEntry{}, err
	}
	var v any
	if err := json.Unmarshal(valueJSON, &v); err != nil {
		return model.SystemConfigEntry{}, err
	}
	e.Value = v
	return e, nil
}

// --- Token usage ---------------------------------------------------------

func (s *Store) RecordTokenUsage(ctx context.Context, u model.TokenUsage) error {
	var docID, msgID any
	if u.DocumentID != "" {
		docID = u.DocumentID
	}
	if u.MessageID != "" {
		msgID = u.MessageID
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO rag_token_usage (id, operation, tokens_input, tokens_output, cost_usd, cost_xaf, exchange_rate_used,
 model, document_id, message_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		u.ID, u.Operation, u.TokensInput, u.TokensOutput, u.CostUSD, u.CostXAF, u.ExchangeRateUsed, u.Model, docID, msgID)
	return err
}

// --- Query cache (L2) ---------------------------------------------------

// CacheByHash looks up an exact L1 match by normalized-query hash.
func (s *Store) CacheByHash(ctx context.Context, hash string) (model.QueryCacheEntry, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, normalized_hash, query_embedding, response_content, sources, model_used, tokens_input, tokens_output,
 cost_usd, cost_xaf, hit_count, created_at, last_accessed_at, ttl_seconds
FROM rag_query_cache WHERE normalized_hash = $1`, hash)
	return scanCacheEntry(row)
}

// CacheCandidates returns cache entries to scan for an L2 similarity match.
// Expired entries (ttl_seconds elapsed since last_accessed_at) are excluded.
func (s *Store) CacheCandidates(ctx context.Context, limit int) ([]model.QueryCacheEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, normalized_hash, query_embedding, response_content, sources, model_used, tokens_input, tokens_output,
 cost_usd, cost_xaf, hit_count, created_at, last_accessed_at, ttl_seconds
FROM rag_query_cache
WHERE ttl_seconds = 0 OR last_accessed_at + (ttl_seconds || ' seconds')::interval > NOW()
ORDER BY last_accessed_at DESC
LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.QueryCacheEntry
	for rows.Next() {
		e, err := scanCacheEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertCacheEntry writes a new cache entry or refreshes an existing one
// keyed by normalized hash.
func (s *Store) UpsertCacheEntry(ctx context.Context, e model.QueryCacheEntry) error {
	sourcesJSON, err := json.Marshal(e.Sources)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO rag_query_cache (id, normalized_hash, query_embedding, response_content, sources, model_used,
 tokens_input, tokens_output, cost_usd, cost_xaf, hit_count, ttl_seconds)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (normalized_hash) DO UPDATE SET
 response_content = EXCLUDED.response_content, sources = EXCLUDED.sources, model_used = EXCLUDED.model_used,
 tokens_input = EXCLUDED.tokens_input, tokens_output = EXCLUDED.tokens_output, cost_usd = EXCLUDED.cost_usd,
 cost_xaf = EXCLUDED.cost_xaf, ttl_seconds = EXCLUDED.ttl_seconds, last_accessed_at = NOW()`,
		e.ID, e.NormalizedHash, toFloat64Slice(e.QueryEmbedding), e.ResponseContent, sourcesJSON, e.ModelUsed,
		e.TokensInput, e.TokensOutput, e.CostUSD, e.CostXAF, e.HitCount, e.TTLSeconds)
	return err
}

// TouchCacheEntry increments hit_count and refreshes last_accessed_at on a hit.
func (s *Store) TouchCacheEntry(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE rag_query_cache SET hit_count = hit_count + 1, last_accessed_at = NOW() WHERE id = $1`, id)
	return err
}

// LinkCacheDocuments records which source documents back a cache entry, so
// the entry can be invalidated when any of them change.
func (s *Store) LinkCacheDocuments(ctx context.Context, cacheEntryID string, documentIDs []string) error {
	for _, docID := range documentIDs {
		if _, err := s.pool.Exec(ctx, `
INSERT INTO rag_cache_document_map (cache_entry_id, document_id) VALUES ($1,$2)
ON CONFLICT DO NOTHING`, cacheEntryID, docID); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateCacheForDocument deletes every cache entry backed by documentID.
func (s *Store) InvalidateCacheForDocument(ctx context.Context, documentID string) error {
	_, err := s.pool.Exec(ctx, `
DELETE FROM rag_query_cache WHERE id IN (
 SELECT cache_entry_id FROM rag_cache_document_map WHERE document_id = $1
)`, documentID)
	return err
}

func scanCacheEntry(row pgx.Row) (model.QueryCacheEntry, error) {
	var e model.QueryCacheEntry
	var embedding []float64
	var sourcesJSON []byte
	err := row.Scan(&e.ID, &e.NormalizedHash, &embedding, &e.ResponseContent, &sourcesJSON, &e.ModelUsed,
		&e.TokensInput, &e.TokensOutput, &e.CostUSD, &e.CostXAF, &e.HitCount, &e.CreatedAt, &e.LastAccessedAt, &e.TTLSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.QueryCacheEntry{}, model.NotFound("no cache entry on record", err)
	}
	if err != nil {
		return model.QueryCacheEntry{}, err
	}
	e.QueryEmbedding = toFloat32Slice(embedding)
	if err := json.Unmarshal(sourcesJSON, &e.Sources); err != nil {
		return model.QueryCacheEntry{}, err
	}
	return e, nil
}

func scanCacheEntryRows(rows pgx.Rows) (model.QueryCacheEntry, error) {
	var e model.QueryCacheEntry
	var embedding []float64
	var sourcesJSON []byte
	err := rows.Scan(&e.ID, &e.NormalizedHash, &embedding, &e.ResponseContent, &sourcesJSON, &e.ModelUsed,
		&e.TokensInput, &e.TokensOutput, &e.CostUSD, &e.CostXAF, &e.HitCount, &e.CreatedAt, &e.LastAccessedAt, &e.TTLSeconds)
	if err != nil {
		return model.QueryCacheEntry{}, err
	}
	e.QueryEmbedding = toFloat32Slice(embedding)
	if err := json.Unmarshal(sourcesJSON, &e.Sources); err != nil {
		return model.QueryCacheEntry{}, err
	}
	return e, nil
}

func toFloat64Slice(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func toFloat32Slice(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func clampLimit(n int) int {
	if n <= 0 || n > 500 {
		return 50
	}
	return n
}
