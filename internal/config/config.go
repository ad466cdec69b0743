// manifold/config.go

package config

import (
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pterm/pterm"
	"gopkg.in/yaml.v2"
)

type ServiceConfig struct {
	Name      string   `yaml:"name"`
	Host      string   `yaml:"host"`
	Port      int      `yaml:"port"`
	Command   string   `yaml:"command"`
	GPULayers string   `yaml:"gpu_layers,omitempty"`
	Args      []string `yaml:"args,omitempty"`
	Model     string   `yaml:"model,omitempty"`
}

type ToolConfig struct {
	Name       string                 `yaml:"name"`
	Parameters map[string]interface{} `yaml:"parameters"`
}

type DatabaseConfig struct {
	ConnectionString string `yaml:"connection_string"`
}

type ReactAgentConfig struct {
	MaxSteps int  `yaml:"max_steps"`
	Memory   bool `yaml:"memory"`
	NumTools int  `yaml:"num_tools"`
}

type FleetWorker struct {
	Name         string  `json:"name"`
	Model        string  `json:"model,omitempty"`
	Role         string  `json:"role"`
	Endpoint     string  `json:"endpoint"`
	CtxSize      int     `json:"ctx_size"`
	Temperature  float64 `json:"temperature"`
	ApiKey       string  `json:"api_key,omitempty"`
	Instructions string  `json:"instructions"`
	MaxSteps     int     `json:"max_steps"`
	Memory       bool    `json:"memory"`
}

type AgentFleet struct {
	Workers []FleetWorker `json:"workers"`
}

type AgenticMemoryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// A2AConfig defines settings for the Agent2Agent protocol.
type A2AConfig struct {
	// Role specifies the node's role in the cluster ("master" or "worker").
	Role string `yaml:"role"`
	// Token is the shared secret used for authenticating A2A requests.
	Token string `yaml:"token"`
	// Nodes lists the URLs of remote nodes participating in the cluster.
	Nodes []string `yaml:"nodes"`
}

type CompletionsConfig struct {
	DefaultHost      string           `yaml:"default_host"`
	SummaryHost      string           `yaml:"summary_host,omitempty"`
	KeywordsHost     string           `yaml:"keywords_host,omitempty"`
	Backend          string           `yaml:"backend"` // e.g., "openai", "llamacpp", "mlx"
	CompletionsModel string           `yaml:"completions_model"`
	Temperature      float64          `yaml:"temperature"`
	CtxSize          int              `yaml:"ctx_size"`
	APIKey           string           `yaml:"api_key"`
	ReactAgentConfig ReactAgentConfig `yaml:"agent"`
}

type EmbeddingsConfig struct {
	Host         string `yaml:"host"`
	APIKey       string `yaml:"api_key"`
	Dimensions   int    `yaml:"dimensions"`
	EmbedPrefix  string `yaml:"embed_prefix"`
	SearchPrefix string `yaml:"search_prefix"`
}

// EmbeddingConfig describes the HTTP embedding endpoint used by
// internal/embedding and internal/rag/embedder. Kept distinct from
// EmbeddingsConfig (the legacy host/prefix shape) since the RAG embedder
// needs a generic OpenAI-compatible request shape with a configurable batch
// size. The retry budget is not configurable here: the embedder always
// makes at most 3 attempts.
type EmbeddingConfig struct {
	BaseURL   string            `yaml:"base_url"`
	Path      string            `yaml:"path"`
	Model     string            `yaml:"model"`
	APIKey    string            `yaml:"api_key"`
	APIHeader string            `yaml:"api_header"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Timeout   int               `yaml:"timeout_seconds"`
	BatchSize int               `yaml:"batch_size"`
}

type RerankerConfig struct {
	Host string `yaml:"host"`
}

// OCRConfig points the extractor's image/low-yield-page fallback at an HTTP
// OCR service. A blank Endpoint disables OCR: extraction then keeps the
// native text, and image-only documents extract as FALLBACK with empty text
// (later rejected by chunking) instead of crashing.
type OCRConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

type AuthConfig struct {
	SecretKey   string `yaml:"secret_key"`
	TokenExpiry int    `yaml:"token_expiry"` // Token expiry in hours
}

type WebSearchToolConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Backend    string `yaml:"backend"`            // e.g., "serpapi", "bing"
	Endpoint   string `yaml:"endpoint,omniempty"` // API endpoint for the search service
	ResultSize int    `yaml:"result_size"`        // Number of results to fetch
}

type IngestionConfig struct {
	MaxWorkers  int  `yaml:"max_workers"`
	UseAdvanced bool `yaml:"use_advanced_splitting"`
}

// PipelineConfig sizes the per-stage worker pools and queue backend for the
// staged document-processing pipeline (validation/extraction/chunking/
// embedding/indexing), one worker-count knob per queue per §4.5.
type PipelineConfig struct {
	Backend            string `yaml:"backend"` // "memory"|"kafka"
	KafkaBrokers        []string `yaml:"kafka_brokers"`
	ExtractionWorkers   int      `yaml:"extraction_workers"`
	ChunkingWorkers     int      `yaml:"chunking_workers"`
	EmbeddingWorkers    int      `yaml:"embedding_workers"`
	IndexingWorkers     int      `yaml:"indexing_workers"`
	QueueDepth          int      `yaml:"queue_depth"`
	ReconcileInterval   int      `yaml:"reconcile_interval_seconds"`
	StaleThreshold      int      `yaml:"stale_threshold_seconds"`
	LeaseTTLSeconds     int      `yaml:"lease_ttl_seconds"`
}

// UploadConfig enforces admission limits at the ingestion boundary per §4.5.
type UploadConfig struct {
	MaxFileSizeMB     int      `yaml:"max_file_size_mb"`
	MaxBatchSizeMB    int      `yaml:"max_batch_size_mb"`
	MaxFilesPerBatch  int      `yaml:"max_files_per_batch"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

type ToolsConfig struct {
	Search WebSearchToolConfig
}

// ClickHouseConfig points the cost accountant's analytical mirror at a
// ClickHouse table. Distinct from the request/trace metrics ClickHouse
// surface the root agent platform wires separately: this one table holds
// one append-only row per §4.13 TokenUsage event for dashboards.
type ClickHouseConfig struct {
	DSN             string `yaml:"dsn"`
	Database        string `yaml:"database"`
	TokenUsageTable string `yaml:"token_usage_table"`
}

// AnalyticsConfig groups the RAG domain's analytical-store settings.
type AnalyticsConfig struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// PricingConfig names the tariff table: per-million-token USD rates by
// (model, operation), consulted by internal/rag/costs. It is the only
// tariff source: a pair missing here has no rate, and tariffs are not read
// from SystemConfig.
type PricingConfig struct {
	Tariffs []TariffEntry `yaml:"tariffs"`
}

// TariffEntry is one (model, operation) → per-million-token rate pair.
type TariffEntry struct {
	Model        string  `yaml:"model"`
	Operation    string  `yaml:"operation"`
	InputPerM    float64 `yaml:"input_per_million"`
	OutputPerM   float64 `yaml:"output_per_million"`
}

// TelemetryConfig controls OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// SearchConfig, VectorConfig, and ChatConfig each describe one pluggable
// persistence/databases backend. Backend is one of
// "memory"|"auto"|"postgres"|"none"; an empty DSN falls back to
// DBConfig.DefaultDSN.
type SearchConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
	Index   string `yaml:"index"`
}

type VectorConfig struct {
	Backend    string `yaml:"backend"`
	DSN        string `yaml:"dsn"`
	Index      string `yaml:"index"`
	Dimensions int    `yaml:"dimensions"`
	Metric     string `yaml:"metric"`
}

type ChatConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

// DBConfig is the persistence/databases factory's configuration surface.
type DBConfig struct {
	DefaultDSN string       `yaml:"default_dsn"`
	Search     SearchConfig `yaml:"search"`
	Vector     VectorConfig `yaml:"vector"`
	Chat       ChatConfig   `yaml:"chat"`
}

// AnthropicPromptCacheConfig controls which message parts get Anthropic's
// prompt-cache_control breakpoints.
type AnthropicPromptCacheConfig struct {
	Enabled       bool `yaml:"enabled"`
	CacheSystem   bool `yaml:"cache_system"`
	CacheTools    bool `yaml:"cache_tools"`
	CacheMessages bool `yaml:"cache_messages"`
}

type AnthropicConfig struct {
	APIKey      string                     `yaml:"api_key"`
	BaseURL     string                     `yaml:"base_url"`
	Model       string                     `yaml:"model"`
	PromptCache AnthropicPromptCacheConfig `yaml:"prompt_cache"`
	ExtraParams map[string]any             `yaml:"extra_params,omitempty"`
}

type OpenAIConfig struct {
	APIKey      string         `yaml:"api_key"`
	BaseURL     string         `yaml:"base_url"`
	Model       string         `yaml:"model"`
	API         string         `yaml:"api"` // "completions" or "responses"
	ExtraParams map[string]any `yaml:"extra_params,omitempty"`
	LogPayloads bool           `yaml:"log_payloads,omitempty"`
}

type GoogleConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Timeout int    `yaml:"timeout_seconds"`
}

// RedisConfig configures the L1 exact-match query cache backend.
type RedisConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Addr                  string `yaml:"addr"`
	Password              string `yaml:"password,omitempty"`
	DB                    int    `yaml:"db"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify,omitempty"`
}

// CacheConfig controls the two-level query cache (§4.8): L1 exact hash in
// Redis, L2 cosine-similarity scan in Postgres.
type CacheConfig struct {
	Redis               RedisConfig `yaml:"redis"`
	L1TTLSeconds        int         `yaml:"l1_ttl_seconds"`
	L2TTLSeconds        int         `yaml:"l2_ttl_seconds"`
	L2SimilarityThresh  float64     `yaml:"l2_similarity_threshold"`
	L2MaxCandidates     int         `yaml:"l2_max_candidates"`
}

// LLMClientConfig selects and configures the chat-completion provider used
// by the reranker, generator, and title-generation paths.
type LLMClientConfig struct {
	Provider  string          `yaml:"provider"` // ""|"openai"|"local"|"anthropic"|"google"
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Google    GoogleConfig    `yaml:"google"`
}

type Config struct {
	Host                      string              `yaml:"host"`
	Port                      int                 `yaml:"port"`
	DataPath                  string              `yaml:"data_path"`
	SingleNodeInstance        bool                `yaml:"single_node_instance,omitempty"`
	GitHubPersonalAccessToken string              `yaml:"github_personal_access_token"`
	AnthropicKey              string              `yaml:"anthropic_key,omitempty"`
	OpenAIAPIKey              string              `yaml:"openai_api_key,omitempty"`
	GoogleGeminiKey           string              `yaml:"google_gemini_key,omitempty"`
	HuggingFaceToken          string              `yaml:"hf_token,omitempty"`
	Database                  DatabaseConfig      `yaml:"database"`
	DBPool                    *pgxpool.Pool       `yaml:"-"` // PgxPool is not serialized, used for database connections
	Completions               CompletionsConfig   `yaml:"completions"`
	Embeddings                EmbeddingsConfig    `yaml:"embeddings"`
	Embedding                 EmbeddingConfig     `yaml:"embedding"`
	Reranker                  RerankerConfig      `yaml:"reranker"`
	OCR                       OCRConfig           `yaml:"ocr"`
	Auth                      AuthConfig          `yaml:"auth"`
	AgentFleet                AgentFleet          `yaml:"agent_fleet,omitempty"`
	AgenticMemory             AgenticMemoryConfig `yaml:"agentic_memory"`
	A2A                       A2AConfig           `yaml:"a2a,omitempty"`
	Tools                     ToolsConfig         `yaml:"tools,omitempty"`
	OTel                      TelemetryConfig     `yaml:"otel"`
	Ingestion                 IngestionConfig     `yaml:"ingestion"`
	Databases                 DBConfig            `yaml:"databases"`
	LLMClient                 LLMClientConfig     `yaml:"llm_client"`
	Cache                     CacheConfig         `yaml:"cache"`
	Pipeline                  PipelineConfig      `yaml:"pipeline"`
	Upload                    UploadConfig        `yaml:"upload"`
	Analytics                 AnalyticsConfig     `yaml:"analytics"`
	Pricing                   PricingConfig       `yaml:"pricing"`
}

// LoadConfig reads the configuration from a YAML file, unmarshals it into a Config struct,
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		pterm.Error.Printf("Error reading config file: %v\n", err)
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		pterm.Error.Printf("Error unmarshaling config: %v\n", err)
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Set default values for Auth if not provided
	if config.Auth.SecretKey == "" {
		config.Auth.SecretKey = "your-secret-key" // Default fallback (should be changed in production)
		pterm.Warning.Println("No JWT secret key provided in config, using default (insecure).")
	}

	if config.Auth.TokenExpiry <= 0 {
		config.Auth.TokenExpiry = 72 // Default to 72 hours
		pterm.Info.Println("No token expiry specified, using default (72 hours).")
	}

	// Set default values for Ingestion if not provided
	if config.Ingestion.MaxWorkers <= 0 {
		config.Ingestion.MaxWorkers = 4 // Default to 4 workers
		pterm.Info.Println("No max_workers specified for ingestion, using default (4).")
	}

	// Default to using advanced splitting for better code structure awareness
	if !config.Ingestion.UseAdvanced {
		config.Ingestion.UseAdvanced = true
		pterm.Info.Println("Advanced splitting enabled by default for better code structure preservation.")
	}

	if config.OTel.ServiceName == "" {
		config.OTel.ServiceName = "manifold"
	}

	pterm.Success.Println("Configuration loaded successfully.")
	return &config, nil
}
