// Package cache implements the two-level query cache (§4.8): an L1 exact
// match on a normalized query hash backed by Redis, and an L2
// cosine-similarity scan over recent cache entries backed by Postgres.
package cache

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"

	"manifold/internal/config"
	"manifold/internal/rag/model"
)

// Store is the subset of internal/rag/store.Store the cache needs.
type Store interface {
	CacheByHash(ctx context.Context, hash string) (model.QueryCacheEntry, error)
	CacheCandidates(ctx context.Context, limit int) ([]model.QueryCacheEntry, error)
	UpsertCacheEntry(ctx context.Context, e model.QueryCacheEntry) error
	TouchCacheEntry(ctx context.Context, id string) error
	LinkCacheDocuments(ctx context.Context, cacheEntryID string, documentIDs []string) error
	InvalidateCacheForDocument(ctx context.Context, documentID string) error
}

// Stats tracks cache effectiveness for the cost dashboard.
type Stats struct {
	Hits        int64
	Misses      int64
	TokensSaved int64
	CostSaved   float64
}

// Result is a cache lookup outcome.
type Result struct {
	Hit     bool
	Level   string // "L1" or "L2"
	Entry   model.QueryCacheEntry
}

const defaultL2Threshold = 0.95
const defaultL2Candidates = 200

// Cache is the two-level query cache.
type Cache struct {
	store     Store
	redis     redis.UniversalClient
	l1ttl     time.Duration
	l2ttl     int
	threshold float64
	maxCand   int
	stats     Stats
}

// New builds a Cache. A nil/disabled Redis config still allows L2-only
// operation (Redis is purely an L1 accelerator over the same Postgres
// truth, so its absence degrades performance, not correctness).
func New(cfg config.CacheConfig, store Store) (*Cache, error) {
	c := &Cache{
		store:     store,
		l1ttl:     time.Duration(cfg.L1TTLSeconds) * time.Second,
		l2ttl:     cfg.L2TTLSeconds,
		threshold: cfg.L2SimilarityThresh,
		maxCand:   cfg.L2MaxCandidates,
	}
	if c.threshold <= 0 {
		c.threshold = defaultL2Threshold
	}
	if c.maxCand <= 0 {
		c.maxCand = defaultL2Candidates
	}
	if cfg.Redis.Enabled {
		opts := &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		if cfg.Redis.TLSInsecureSkipVerify {
			opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
		}
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("cache redis ping: %w", err)
		}
		c.redis = client
	}
	return c, nil
}

// NormalizeQuery applies NFKC normalization and collapses whitespace, the
// canonical form hashed for L1 lookups.
func NormalizeQuery(query string) string {
	normalized := norm.NFKC.String(query)
	fields := strings.Fields(normalized)
	return strings.ToLower(strings.Join(fields, " "))
}

func hashQuery(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func redisKey(hash string) string { return "ragcache:" + hash }

// Lookup tries L1 then L2, in that order, returning the first hit. It is a
// convenience wrapper for callers that already have the query embedding in
// hand; the chat coordinator instead calls LookupExact and LookupSimilar
// separately so it can skip embedding the query entirely on an L1 hit.
func (c *Cache) Lookup(ctx context.Context, query string, queryEmbedding []float32) (Result, error) {
	if res, err := c.LookupExact(ctx, query); err != nil || res.Hit {
		return res, err
	}
	if len(queryEmbedding) == 0 {
		c.stats.Misses++
		return Result{Hit: false}, nil
	}
	return c.LookupSimilar(ctx, query, queryEmbedding)
}

// LookupExact checks the L1 exact-hash index: Redis first, falling back to
// the Postgres-backed index (which Redis may have evicted). It requires no
// query embedding and is meant to run before the query is embedded.
func (c *Cache) LookupExact(ctx context.Context, query string) (Result, error) {
	hash := hashQuery(NormalizeQuery(query))

	if entry, ok := c.lookupL1(ctx, hash); ok {
		c.recordHit(ctx, entry)
		return Result{Hit: true, Level: "L1", Entry: entry}, nil
	}

	entry, err := c.store.CacheByHash(ctx, hash)
	if err == nil {
		c.warmL1(ctx, hash, entry)
		c.recordHit(ctx, entry)
		return Result{Hit: true, Level: "L1", Entry: entry}, nil
	}

	return Result{Hit: false}, nil
}

// LookupSimilar runs the L2 cosine-similarity scan against a query
// embedding. Call only after LookupExact has missed.
func (c *Cache) LookupSimilar(ctx context.Context, query string, queryEmbedding []float32) (Result, error) {
	entry, ok, err := c.lookupL2(ctx, queryEmbedding)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		c.stats.Misses++
		return Result{Hit: false}, nil
	}
	c.recordHit(ctx, entry)
	return Result{Hit: true, Level: "L2", Entry: entry}, nil
}

func (c *Cache) recordHit(ctx context.Context, entry model.QueryCacheEntry) {
	c.stats.Hits++
	c.stats.TokensSaved += int64(entry.TokensInput + entry.TokensOutput)
	c.stats.CostSaved += entry.CostUSD
	_ = c.store.TouchCacheEntry(ctx, entry.ID)
}

func (c *Cache) lookupL1(ctx context.Context, hash string) (model.QueryCacheEntry, bool) {
	if c.redis == nil {
		return model.QueryCacheEntry{}, false
	}
	val, err := c.redis.Get(ctx, redisKey(hash)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("hash", hash).Msg("query_cache_l1_get_error")
		}
		return model.QueryCacheEntry{}, false
	}
	var entry model.QueryCacheEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		log.Debug().Err(err).Msg("query_cache_l1_unmarshal_error")
		return model.QueryCacheEntry{}, false
	}
	return entry, true
}

func (c *Cache) warmL1(ctx context.Context, hash string, entry model.QueryCacheEntry) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	ttl := c.l1ttl
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := c.redis.Set(ctx, redisKey(hash), data, ttl).Err(); err != nil {
		log.Debug().Err(err).Str("hash", hash).Msg("query_cache_l1_set_error")
	}
}

// lookupL2 scans recent cache candidates for the highest cosine similarity
// above threshold, breaking ties by most-recently-accessed.
func (c *Cache) lookupL2(ctx context.Context, queryEmbedding []float32) (model.QueryCacheEntry, bool, error) {
	candidates, err := c.store.CacheCandidates(ctx, c.maxCand)
	if err != nil {
		return model.QueryCacheEntry{}, false, err
	}
	var best model.QueryCacheEntry
	bestSim := -1.0
	found := false
	for _, cand := range candidates {
		sim := cosineSimilarity(queryEmbedding, cand.QueryEmbedding)
		if sim < c.threshold {
			continue
		}
		if !found || sim > bestSim || (sim == bestSim && cand.LastAccessedAt.After(best.LastAccessedAt)) {
			best = cand
			bestSim = sim
			found = true
		}
	}
	return best, found, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Put writes a fresh cache entry at both levels and links it to its source
// documents for later invalidation.
func (c *Cache) Put(ctx context.Context, query string, queryEmbedding []float32, responseContent string, sources []model.Source, modelUsed string, tokensIn, tokensOut int, costUSD, costXAF float64, documentIDs []string) error {
	normalized := NormalizeQuery(query)
	entry := model.QueryCacheEntry{
		ID:              uuid.NewString(),
		NormalizedHash:  hashQuery(normalized),
		QueryEmbedding:  queryEmbedding,
		ResponseContent: responseContent,
		Sources:         sources,
		ModelUsed:       modelUsed,
		TokensInput:     tokensIn,
		TokensOutput:    tokensOut,
		CostUSD:         costUSD,
		CostXAF:         costXAF,
		TTLSeconds:      c.l2ttl,
	}
	if err := c.store.UpsertCacheEntry(ctx, entry); err != nil {
		return err
	}
	if err := c.store.LinkCacheDocuments(ctx, entry.ID, documentIDs); err != nil {
		return err
	}
	c.warmL1(ctx, entry.NormalizedHash, entry)
	return nil
}

// InvalidateForDocument removes every cache entry backed by documentID from
// the Postgres-backed store. Redis entries are not individually tracked by document, so
// L1 entries for the invalidated hash simply expire on TTL; callers relying
// on immediate invalidation should treat L2 (Postgres) as authoritative.
func (c *Cache) InvalidateForDocument(ctx context.Context, documentID string) error {
	return c.store.InvalidateCacheForDocument(ctx, documentID)
}

// Stats returns a snapshot of cache effectiveness counters.
func (c *Cache) Stats() Stats { return c.stats }
