package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/deskflow/internal/observability"
	"github.com/harun/deskflow/pkg/models"
)

// DefaultHalfLife is the time after which an unaccessed entry scores half its importance.
const DefaultHalfLife = 30 * 24 * time.Hour

// Ranker orders memory entries by importance and recency of access.
type Ranker struct {
	HalfLife time.Duration
}

// Decay returns 0.5^(elapsed/halfLife). Negative elapsed counts as zero.
func (r Ranker) Decay(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 1
	}
	halfLife := r.HalfLife
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	return math.Pow(0.5, float64(elapsed)/float64(halfLife))
}

// Score returns importance × decay(now − last_accessed).
func (r Ranker) Score(e *models.MemoryEntry, now time.Time) float64 {
	return e.Importance * r.Decay(now.Sub(e.LastAccessed))
}

// Rank sorts entries in place, best first. Ties break by access count, then
// last access, then creation time, all descending.
func (r Ranker) Rank(entries []*models.MemoryEntry, now time.Time) {
	scores := make(map[*models.MemoryEntry]float64, len(entries))
	for _, e := range entries {
		scores[e] = r.Score(e, now)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if sa, sb := scores[a], scores[b]; sa != sb {
			return sa > sb
		}
		if a.AccessCount != b.AccessCount {
			return a.AccessCount > b.AccessCount
		}
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.After(b.LastAccessed)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

// Retriever gathers candidates from full-text and vector search and ranks them.
type Retriever struct {
	store    *Store
	embedder EmbeddingProvider
	ranker   Ranker
	queries  *LRUCache[[]string]
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRetriever creates a retriever. embedder may be nil.
func NewRetriever(store *Store, embedder EmbeddingProvider, halfLife time.Duration, queryCacheSize int, logger zerolog.Logger) *Retriever {
	return &Retriever{
		store:    store,
		embedder: embedder,
		ranker:   Ranker{HalfLife: halfLife},
		queries:  NewLRUCache[[]string](queryCacheSize),
		logger:   logger.With().Str("component", "memory_retriever").Logger(),
		now:      time.Now,
	}
}

// Retrieve returns at most limit entries for query, best first. It does not
// record accesses.
func (r *Retriever) Retrieve(ctx context.Context, query string, memType models.MemoryType, limit int) ([]*models.MemoryEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	key := queryKey(query, limit, memType)

	var candidates []*models.MemoryEntry
	if ids, ok := r.queries.Get(key); ok {
		observability.RecordCacheLookup("query", true)
		entries, err := r.store.GetMany(ctx, ids)
		if err != nil {
			return nil, err
		}
		candidates = entries
	} else {
		observability.RecordCacheLookup("query", false)
		entries, err := r.gather(ctx, query, memType, candidateLimit(limit))
		if err != nil {
			return nil, err
		}
		candidates = entries

		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		r.queries.Put(key, ids)
	}

	r.ranker.Rank(candidates, r.now())
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// Invalidate drops cached query results.
func (r *Retriever) Invalidate() {
	r.queries.Clear()
}

// CacheStats returns the query cache counters.
func (r *Retriever) CacheStats() CacheStats {
	return r.queries.Stats()
}

func (r *Retriever) gather(ctx context.Context, query string, memType models.MemoryType, limit int) ([]*models.MemoryEntry, error) {
	entries, err := r.store.SearchFTS(ctx, query, memType, limit)
	if err != nil {
		return nil, err
	}
	if r.embedder == nil || !r.store.VectorsEnabled() {
		return entries, nil
	}

	embedding, err := r.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Query embedding failed, using full-text results only")
		return entries, nil
	}
	matches, err := r.store.SearchVector(ctx, embedding, limit)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Vector search failed, using full-text results only")
		return entries, nil
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.ID] = true
	}
	var extra []string
	for _, m := range matches {
		if !seen[m.ID] {
			seen[m.ID] = true
			extra = append(extra, m.ID)
		}
	}
	if len(extra) == 0 {
		return entries, nil
	}

	more, err := r.store.GetMany(ctx, extra)
	if err != nil {
		return nil, err
	}
	for _, e := range more {
		if memType == "" || e.Type == memType {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func candidateLimit(limit int) int {
	if n := limit * 4; n > 20 {
		return n
	}
	return 20
}

// queryKey is sha256(query|limit|type) truncated to 16 hex characters.
func queryKey(query string, limit int, memType models.MemoryType) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", query, limit, memType)))
	return hex.EncodeToString(sum[:])[:16]
}
