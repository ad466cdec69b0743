// Package sysconfig resolves every runtime tunable named throughout the RAG
// domain (chunking sizes, hybrid search weighting, cache TTLs, upload
// limits, model names, per-million-token tariffs, the USD→XAF rate) from the
// versioned rag_system_config table rather than compiled constants. Reads go
// through a short-TTL in-process cache; writes are validated and always
// appended as a new version, never mutated in place.
package sysconfig

import (
	"context"
	"fmt"
	"sync"
	"time"

	"manifold/internal/rag/model"
)

// Well-known keys. Callers may resolve arbitrary dotted keys too; these
// constants exist so call sites don't retype the strings.
const (
	KeyChunkingSize               = "chunking.size"
	KeyChunkingOverlap            = "chunking.overlap"
	KeySearchHybridAlpha          = "search.hybrid_alpha"
	KeySearchTopK                 = "search.top_k"
	KeyRerankingTopK              = "models.reranking.top_k"
	KeyCacheQueryTTLSeconds       = "cache.query_ttl_seconds"
	KeyCacheSimilarityThreshold   = "cache.similarity_threshold"
	KeyEmbeddingBatchSize         = "embedding.batch_size"
	KeyUploadMaxFileSizeMB        = "upload.max_file_size_mb"
	KeyUploadMaxBatchSizeMB       = "upload.max_batch_size_mb"
	KeyUploadMaxFilesPerBatch     = "upload.max_files_per_batch"
	KeyUploadAllowedExtensions    = "upload.allowed_extensions"
	KeyExchangeRateUSDToXAF       = "pricing.usd_xaf_rate"
)

// Defaults mirror the values named in the system's description of each
// tunable; they apply only when a key has never been written.
var defaults = map[string]any{
	KeyChunkingSize:             float64(1000),
	KeyChunkingOverlap:          float64(200),
	KeySearchHybridAlpha:        0.7,
	KeySearchTopK:               float64(10),
	KeyRerankingTopK:            float64(3),
	KeyCacheQueryTTLSeconds:     float64(604800),
	KeyCacheSimilarityThreshold: 0.95,
	KeyEmbeddingBatchSize:       float64(32),
	KeyUploadMaxFileSizeMB:      float64(50),
	KeyUploadMaxBatchSizeMB:     float64(200),
	KeyUploadMaxFilesPerBatch:   float64(20),
	KeyExchangeRateUSDToXAF:     600.0,
}

// Validator checks a candidate value before it is committed, returning a
// descriptive error if the value is out of range or the wrong shape.
type Validator func(value any) error

// validators enforces the ranges named in the system's tunable
// descriptions. A key with no entry here accepts any JSON-serializable
// value.
var validators = map[string]Validator{
	KeyChunkingSize:             intRange(50, 2048),
	KeyChunkingOverlap:          intRange(0, 1024),
	KeySearchHybridAlpha:        floatRange(0, 1),
	KeySearchTopK:               intRange(1, 100),
	KeyRerankingTopK:            intRange(1, 100),
	KeyCacheQueryTTLSeconds:     intRange(0, 7*24*3600),
	KeyCacheSimilarityThreshold: floatRange(0, 1),
	KeyEmbeddingBatchSize:       intRange(1, 512),
	KeyUploadMaxFileSizeMB:      intRange(1, 4096),
	KeyUploadMaxBatchSizeMB:     intRange(1, 16384),
	KeyUploadMaxFilesPerBatch:   intRange(1, 1000),
	KeyExchangeRateUSDToXAF:     floatRange(0, 1_000_000),
}

func intRange(min, max int) Validator {
	return func(v any) error {
		f, ok := asFloat(v)
		if !ok {
			return fmt.Errorf("value must be a number")
		}
		if f != float64(int(f)) {
			return fmt.Errorf("value must be an integer")
		}
		if int(f) < min || int(f) > max {
			return fmt.Errorf("value must be in [%d, %d]", min, max)
		}
		return nil
	}
}

func floatRange(min, max float64) Validator {
	return func(v any) error {
		f, ok := asFloat(v)
		if !ok {
			return fmt.Errorf("value must be a number")
		}
		if f < min || f > max {
			return fmt.Errorf("value must be in [%g, %g]", min, max)
		}
		return nil
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// Store is the persistence contract the resolver relies on.
type Store interface {
	LatestConfigEntry(ctx context.Context, key string) (model.SystemConfigEntry, error)
	AllLatestConfigEntries(ctx context.Context) ([]model.SystemConfigEntry, error)
	ConfigHistory(ctx context.Context, key string) ([]model.SystemConfigEntry, error)
	PutConfigEntry(ctx context.Context, key string, value any, description, updatedBy string) (model.SystemConfigEntry, error)
}

// Clock abstracts time for testable TTL expiry.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type cacheEntry struct {
	entry     model.SystemConfigEntry
	expiresAt time.Time
}

// Resolver is the read-through/write-through system config facade. A single
// Resolver is meant to be shared process-wide: its cache is what keeps the
// hot retrieval and chat paths from round-tripping to Postgres on every
// call.
type Resolver struct {
	store Store
	clock Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New constructs a Resolver with the given cache TTL (default 60s per the
// system's tunable-resolution description; ttl<=0 selects the default).
func New(store Store, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Resolver{store: store, clock: systemClock{}, ttl: ttl, cache: map[string]cacheEntry{}}
}

// WithClock injects a custom clock, for tests.
func (r *Resolver) WithClock(c Clock) *Resolver {
	r.clock = c
	return r
}

// Warm loads every known key from the store into the cache, so the first
// request after startup doesn't pay a cold lookup per tunable.
func (r *Resolver) Warm(ctx context.Context) error {
	entries, err := r.store.AllLatestConfigEntries(ctx)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.cache[e.Key] = cacheEntry{entry: e, expiresAt: now.Add(r.ttl)}
	}
	return nil
}

// Get resolves key, consulting the cache first. A cache miss or expired
// entry triggers a store read; a key that was never written falls back to
// its compiled default (still cached, so repeated misses don't repeatedly
// hit the store for a key nobody has configured).
func (r *Resolver) Get(ctx context.Context, key string) (any, error) {
	if v, ok := r.fromCache(key); ok {
		return v, nil
	}

	entry, err := r.store.LatestConfigEntry(ctx, key)
	if err != nil {
		if model.KindOf(err) != model.KindNotFound {
			return nil, err
		}
		def, ok := defaults[key]
		if !ok {
			return nil, model.NotFound("no config value or default for key "+key, err)
		}
		r.storeCache(key, model.SystemConfigEntry{Key: key, Value: def})
		return def, nil
	}

	r.storeCache(key, entry)
	return entry.Value, nil
}

func (r *Resolver) fromCache(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cache[key]
	if !ok || r.clock.Now().After(c.expiresAt) {
		return nil, false
	}
	return c.entry.Value, true
}

func (r *Resolver) storeCache(key string, entry model.SystemConfigEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = cacheEntry{entry: entry, expiresAt: r.clock.Now().Add(r.ttl)}
}

// Set validates and persists a new version for key, invalidating the cache
// entry so the next Get observes it immediately rather than waiting out the
// TTL.
func (r *Resolver) Set(ctx context.Context, key string, value any, description, updatedBy string) (model.SystemConfigEntry, error) {
	if v, ok := validators[key]; ok {
		if err := v(value); err != nil {
			return model.SystemConfigEntry{}, model.Validation(fmt.Sprintf("invalid value for %s", key), err)
		}
	}
	entry, err := r.store.PutConfigEntry(ctx, key, value, description, updatedBy)
	if err != nil {
		return model.SystemConfigEntry{}, err
	}
	r.storeCache(key, entry)
	return entry, nil
}

// History returns the append-only audit trail for key, newest first.
func (r *Resolver) History(ctx context.Context, key string) ([]model.SystemConfigEntry, error) {
	return r.store.ConfigHistory(ctx, key)
}

// GetFloat and GetInt are convenience accessors for the common numeric
// tunables; both tolerate values stored as either JSON numbers (float64, the
// common case after a round trip through jsonb) or plain Go ints.
func (r *Resolver) GetFloat(ctx context.Context, key string) (float64, error) {
	v, err := r.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	f, ok := asFloat(v)
	if !ok {
		return 0, model.Integrity(fmt.Sprintf("config key %s is not numeric", key), nil)
	}
	return f, nil
}

func (r *Resolver) GetInt(ctx context.Context, key string) (int, error) {
	f, err := r.GetFloat(ctx, key)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// GetStringSlice resolves a key expected to hold a list of strings, such as
// upload.allowed_extensions.
func (r *Resolver) GetStringSlice(ctx context.Context, key string) ([]string, error) {
	v, err := r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, model.Integrity(fmt.Sprintf("config key %s is not a list", key), nil)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, model.Integrity(fmt.Sprintf("config key %s has a non-string element", key), nil)
		}
		out = append(out, s)
	}
	return out, nil
}
