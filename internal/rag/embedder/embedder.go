package embedder

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"manifold/internal/config"
	"manifold/internal/embedding"
	"manifold/internal/rag/model"
)

// Embedder defines the interface for converting text to embedding vectors.
type Embedder interface {
	// EmbedBatch returns an embedding vector per input text.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Name returns a model identifier string.
	Name() string
	// Dimension returns the embedding dimensionality (0 for variable/unknown).
	Dimension() int
	// Ping checks if the embedding service is reachable.
	Ping(ctx context.Context) error
}

// UsageRecorder receives a §4.13 TokenUsage event for every batch call.
// Embedder implementations that can't count tokens precisely should still
// report a best-effort estimate rather than skip the call.
type UsageRecorder interface {
	RecordEmbeddingUsage(ctx context.Context, tokensIn int, model string)
}

// clientEmbedder wraps the embedding.EmbedText HTTP client for real embeddings.
type clientEmbedder struct {
	cfg       config.EmbeddingConfig
	dim       int
	batchSize int // max texts per API call (embedding.batch_size)
	mu        sync.Mutex
	lastCall  time.Time
	minDelay  time.Duration
	usage     UsageRecorder
}

// Config bundles the retry/batching knobs §4.3 names; BatchSize defaults to
// 32 per the spec, retry is bounded at 3 attempts with backoff base 2s
// capped at 60s to match the orchestrator's own retry policy (§4.5).
type Config struct {
	EmbeddingConfig config.EmbeddingConfig
	Dimension       int
	BatchSize       int
	Usage           UsageRecorder
}

func NewClient(cfg Config) Embedder {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 32
	}
	return &clientEmbedder{cfg: cfg.EmbeddingConfig, dim: cfg.Dimension, batchSize: batch, usage: cfg.Usage}
}

func (c *clientEmbedder) Name() string   { return c.cfg.Model }
func (c *clientEmbedder) Dimension() int { return c.dim }

func (c *clientEmbedder) Ping(ctx context.Context) error {
	return embedding.CheckReachability(ctx, c.cfg)
}

func (c *clientEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var allEmbeddings [][]float32
	for i := 0; i < len(texts); i += c.batchSize {
		end := i + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]
		embeddings, err := c.callWithRetry(ctx, batch)
		if err != nil {
			return allEmbeddings, err
		}
		allEmbeddings = append(allEmbeddings, embeddings...)
	}
	return allEmbeddings, nil
}

// callWithRetry retries transient failures with exponential backoff
// (base 2s, cap 60s), bounded at 3 attempts per §4.3.
func (c *clientEmbedder) callWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	const maxAttempts = 3
	base := 2 * time.Second
	cap := 60 * time.Second

	var lastErr error
	delay := base
	for attempt := 0; attempt < maxAttempts; attempt++ {
		vecs, err := c.rateLimitedCall(ctx, texts)
		if err == nil {
			c.recordUsage(ctx, texts)
			return vecs, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, model.Permanent("embedding failed", err)
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cap {
			delay = cap
		}
	}
	return nil, model.Transient("embedding retries exhausted", lastErr)
}

func (c *clientEmbedder) recordUsage(ctx context.Context, texts []string) {
	if c.usage == nil {
		return
	}
	tokens := 0
	for _, t := range texts {
		n := len(t) / 4
		if n == 0 && t != "" {
			n = 1
		}
		tokens += n
	}
	c.usage.RecordEmbeddingUsage(ctx, tokens, c.cfg.Model)
}

// isTransient classifies errors from the embedding HTTP client. Without a
// typed error from that client, network errors and deadline exceeded are
// treated as transient; anything else is treated as permanent to avoid
// infinite retry loops on a genuinely broken request.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return embedding.IsRetriable(err)
}

func (c *clientEmbedder) rateLimitedCall(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	if !c.lastCall.IsZero() {
		elapsed := time.Since(c.lastCall)
		if elapsed < c.minDelay {
			time.Sleep(c.minDelay - elapsed)
		}
	}
	c.lastCall = time.Now()
	c.mu.Unlock()

	return embedding.EmbedText(ctx, c.cfg, texts)
}

// deterministicEmbedder is a lightweight, deterministic embedder suitable for tests.
type deterministicEmbedder struct {
	dim       int
	normalize bool
	seed      uint64
	name      string
}

func NewDeterministic(dim int, normalize bool, seed uint64) Embedder {
	if dim <= 0 {
		dim = 64
	}
	return &deterministicEmbedder{dim: dim, normalize: normalize, seed: seed, name: "deterministic"}
}

func (d *deterministicEmbedder) Name() string   { return d.name }
func (d *deterministicEmbedder) Dimension() int { return d.dim }

func (d *deterministicEmbedder) Ping(_ context.Context) error { return nil }

func (d *deterministicEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.embedOne(t)
	}
	return out, nil
}

func (d *deterministicEmbedder) embedOne(s string) []float32 {
	v := make([]float32, d.dim)
	if len(s) == 0 {
		return v
	}
	b := []byte(s)
	if len(b) < 3 {
		add(d.seed, b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			add(d.seed, b[i:i+3], v)
		}
	}
	if d.normalize {
		normalizeInPlace(v)
	}
	return v
}

// normalizeInPlace L2-normalizes v so cosine similarity reduces to a plain
// dot product downstream (§9 resolved open question).
func normalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum > 0 {
		inv := float32(1.0 / math.Sqrt(sum))
		for i := range v {
			v[i] *= inv
		}
	}
}

func add(seed uint64, gram []byte, v []float32) {
	h := fnv.New64a()
	if seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}
