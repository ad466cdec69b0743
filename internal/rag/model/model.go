// Package model defines the entities shared across the ingestion pipeline
// and the RAG query path: documents, chunks, conversations, messages,
// cache entries, token usage, and system configuration.
package model

import "time"

type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "PENDING"
	DocumentProcessing DocumentStatus = "PROCESSING"
	DocumentCompleted  DocumentStatus = "COMPLETED"
	DocumentFailed     DocumentStatus = "FAILED"
)

type ProcessingStage string

const (
	StageValidation ProcessingStage = "VALIDATION"
	StageExtraction ProcessingStage = "EXTRACTION"
	StageChunking   ProcessingStage = "CHUNKING"
	StageEmbedding  ProcessingStage = "EMBEDDING"
	StageIndexing   ProcessingStage = "INDEXING"
)

type ExtractionMethod string

const (
	MethodText    ExtractionMethod = "TEXT"
	MethodOCR     ExtractionMethod = "OCR"
	MethodHybrid  ExtractionMethod = "HYBRID"
	MethodFallback ExtractionMethod = "FALLBACK"
)

// Document is the unit of ingestion admission and the owner of its Chunks.
type Document struct {
	ID                string
	OriginalFilename  string
	ContentHash       string // SHA-256 of the raw bytes, immutable post-creation
	SizeBytes         int64
	Extension         string
	CategoryID        string
	UploaderID        string
	Status            DocumentStatus
	ProcessingStage   ProcessingStage
	ExtractionMethod  ExtractionMethod
	HasImages         bool
	ImageCount        int
	PageCount         int
	RetryCount        int
	ErrorMessage      *string
	ExtractedText     *string
	TotalChunks       int
	ExtractionSeconds float64
	ChunkingSeconds   float64
	EmbeddingSeconds  float64
	IndexingSeconds   float64
	TotalProcessingS  float64
	CostUSD           float64
	CostXAF           float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	UploadedAt        time.Time
	ProcessedAt       *time.Time
}

type Language string

const (
	LangFrench  Language = "fr"
	LangEnglish Language = "en"
	LangUnknown Language = "unknown"
)

// Chunk is a bounded, overlapping passage of a Document's text.
type Chunk struct {
	ID             string
	DocumentID     string
	ChunkIndex     int
	Text           string
	TokenCount     int
	CharStart      int
	CharEnd        int
	Page           int
	Language       Language
	HasOCRContent  bool
	HasTable       bool
	VectorID       string // provisional (UUID) until indexing finalizes it
	VectorUpserted bool   // true once EMBEDDING has written VectorID's vector to the store
	VectorFinal    bool
}

type Conversation struct {
	ID        string
	OwnerID   string
	Title     string
	Archived  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DefaultConversationTitle is used until the first exchange's title
// generation succeeds; title-gen failures leave this in place permanently
// rather than retrying inline (a later background job may retry).
const DefaultConversationTitle = "Nouvelle conversation"

type MessageRole string

const (
	RoleUser      MessageRole = "USER"
	RoleAssistant MessageRole = "ASSISTANT"
)

type Message struct {
	ID                 string
	ConversationID     string
	Role               MessageRole
	Content            string
	TokensInput        int
	TokensOutput       int
	CostUSD            float64
	CostXAF            float64
	CacheHit           bool
	Partial            bool
	ResponseTimeSecond float64
	ModelUsed          string
	CreatedAt          time.Time
}

type Feedback struct {
	ID        string
	MessageID string
	UserID    string
	Rating    int // +1 or -1
	Comment   *string
	CreatedAt time.Time
}

// Source is the wire/persisted shape of one citation inside a cached or
// streamed answer.
type Source struct {
	DocumentID     string
	ChunkID        string
	Page           int
	ChunkIndex     int
	Title          string
	Category       string
	RelevanceScore float64 // in [0,1]
	Excerpt        string
}

type QueryCacheEntry struct {
	ID                 string
	NormalizedHash     string
	QueryEmbedding     []float32
	ResponseContent    string
	Sources            []Source
	ModelUsed          string
	TokensInput        int
	TokensOutput       int
	CostUSD            float64
	CostXAF            float64
	HitCount           int
	CreatedAt          time.Time
	LastAccessedAt     time.Time
	TTLSeconds         int
}

// CacheDocumentMap is the weak many-to-many edge used to invalidate cache
// entries when a source document is deleted or content-changed.
type CacheDocumentMap struct {
	CacheEntryID string
	DocumentID   string
}

type TokenOperation string

const (
	OpEmbedding         TokenOperation = "EMBEDDING"
	OpReranking         TokenOperation = "RERANKING"
	OpTitleGeneration   TokenOperation = "TITLE_GENERATION"
	OpResponseGeneration TokenOperation = "RESPONSE_GENERATION"
)

type TokenUsage struct {
	ID               string
	Operation        TokenOperation
	TokensInput      int
	TokensOutput     int
	CostUSD          float64
	CostXAF          float64
	ExchangeRateUsed float64
	Model            string
	DocumentID       string // set for ingest operations
	MessageID        string // set for RAG operations
	CreatedAt        time.Time
}

// SystemConfigEntry is one versioned key in the config store.
type SystemConfigEntry struct {
	Key         string
	Value       any
	Description string
	UpdatedBy   string
	UpdatedAt   time.Time
	Version     int
}

type ExchangeRate struct {
	ID        string
	Pair      string // e.g. "USD_XAF"
	Rate      float64
	Source    string
	CreatedAt time.Time
}
