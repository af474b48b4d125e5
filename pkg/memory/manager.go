package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/deskflow/internal/observability"
	"github.com/harun/deskflow/internal/tracing"
	"github.com/harun/deskflow/pkg/models"
)

// Config holds memory manager configuration
type Config struct {
	Path      string
	CacheSize int
	HalfLife  time.Duration
	Logger    zerolog.Logger

	// EmbeddingProvider is optional; when nil only full-text search is used.
	EmbeddingProvider EmbeddingProvider
}

// Stats summarizes the memory subsystem.
type Stats struct {
	Entries    int        `json:"entries"`
	EntryCache CacheStats `json:"entry_cache"`
	QueryCache CacheStats `json:"query_cache"`
	Vectors    bool       `json:"vectors"`
}

// Manager owns the store, the entry cache and the retriever.
type Manager struct {
	store     *Store
	entries   *LRUCache[models.MemoryEntry]
	retriever *Retriever
	embedder  EmbeddingProvider
	logger    zerolog.Logger
	now       func() time.Time
}

// NewManager opens the store at cfg.Path.
func NewManager(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	dim := 0
	if cfg.EmbeddingProvider != nil {
		dim = cfg.EmbeddingProvider.Dimension()
	}
	store, err := NewStore(StoreConfig{Path: cfg.Path, VectorDimension: dim, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	m := NewManagerWithStore(store, cfg)
	if n, err := store.Count(context.Background()); err == nil {
		observability.SetMemoryEntries(n)
	}
	m.logger.Info().Bool("vectors", store.VectorsEnabled()).Msg("Memory manager initialized")
	return m, nil
}

// NewManagerWithStore builds a manager over an existing store.
func NewManagerWithStore(store *Store, cfg Config) *Manager {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = DefaultHalfLife
	}
	return &Manager{
		store:     store,
		entries:   NewLRUCache[models.MemoryEntry](cfg.CacheSize),
		retriever: NewRetriever(store, cfg.EmbeddingProvider, cfg.HalfLife, cfg.CacheSize, cfg.Logger),
		embedder:  cfg.EmbeddingProvider,
		logger:    cfg.Logger.With().Str("component", "memory").Logger(),
		now:       time.Now,
	}
}

// Close closes the store.
func (m *Manager) Close() error {
	m.logger.Info().Msg("Closing memory manager")
	return m.store.Close()
}

// Add validates and stores a new entry. Missing id and timestamps are filled in.
func (m *Manager) Add(ctx context.Context, e *models.MemoryEntry) (err error) {
	ctx, span := tracing.StartSpan(ctx, "deskflow.memory", "memory.add")
	defer func() {
		observability.RecordMemoryWrite(err == nil)
		tracing.EndSpan(span, err)
	}()

	if e == nil || strings.TrimSpace(e.Content) == "" {
		return errors.New("memory content is required")
	}
	if e.Type == "" {
		e.Type = models.MemoryFact
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown memory type %q", e.Type)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := m.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastAccessed.IsZero() {
		e.LastAccessed = e.CreatedAt
	}
	e.Importance = models.ClampImportance(e.Importance)
	span.SetAttributes(attribute.String("memory.type", string(e.Type)))

	if err := m.store.Add(ctx, e); err != nil {
		return err
	}

	if m.embedder != nil && m.store.VectorsEnabled() {
		if vec, embErr := m.embedder.GenerateEmbedding(ctx, e.Content); embErr != nil {
			m.logger.Warn().Err(embErr).Str("id", e.ID).Msg("Embedding failed, entry stored without vector")
		} else if vecErr := m.store.AddVector(ctx, e.ID, vec); vecErr != nil {
			m.logger.Warn().Err(vecErr).Str("id", e.ID).Msg("Failed to store embedding")
		}
	}

	m.entries.Put(e.ID, *e)
	m.retriever.Invalidate()

	if n, cErr := m.store.Count(ctx); cErr == nil {
		observability.SetMemoryEntries(n)
	}
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Debug().Str("id", e.ID).Str("type", string(e.Type)).Msg("Memory stored")
	return nil
}

// Get returns an entry by id, reading through the cache, and records the access.
func (m *Manager) Get(ctx context.Context, id string) (*models.MemoryEntry, error) {
	now := m.now()
	if cached, ok := m.entries.Get(id); ok {
		observability.RecordCacheLookup("entry", true)
		if err := m.store.Touch(ctx, now, id); err != nil {
			return nil, err
		}
		touch := func(e models.MemoryEntry) models.MemoryEntry {
			e.AccessCount++
			e.LastAccessed = now
			return e
		}
		if updated, ok := m.entries.Update(id, touch); ok {
			return &updated, nil
		}
		// evicted since the lookup
		cached = touch(cached)
		m.entries.Put(id, cached)
		return &cached, nil
	}

	observability.RecordCacheLookup("entry", false)
	e, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.entries.Put(id, *e)
	return e, nil
}

// Retrieve returns the best entries for query and records an access on each.
func (m *Manager) Retrieve(ctx context.Context, query string, memType models.MemoryType, limit int) ([]*models.MemoryEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "deskflow.memory", "memory.retrieve", attribute.Int("limit", limit))
	start := time.Now()

	entries, err := m.retriever.Retrieve(ctx, query, memType, limit)
	observability.RecordMemorySearch(time.Since(start))
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}

	if len(entries) > 0 {
		now := m.now()
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		if err := m.store.Touch(ctx, now, ids...); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to record memory access")
		} else {
			for _, e := range entries {
				e.AccessCount++
				e.LastAccessed = now
				m.entries.Update(e.ID, func(c models.MemoryEntry) models.MemoryEntry {
					c.AccessCount++
					c.LastAccessed = now
					return c
				})
			}
		}
	}

	span.SetAttributes(attribute.Int("results", len(entries)))
	tracing.EndSpan(span, nil)
	return entries, nil
}

// Recent returns the newest entries without recording access.
func (m *Manager) Recent(ctx context.Context, limit int) ([]*models.MemoryEntry, error) {
	return m.store.Recent(ctx, limit)
}

// Count returns the number of stored entries.
func (m *Manager) Count(ctx context.Context) (int, error) {
	return m.store.Count(ctx)
}

// Stats reports entry count and cache counters. A count failure reports -1.
func (m *Manager) Stats(ctx context.Context) Stats {
	n, err := m.store.Count(ctx)
	if err != nil {
		n = -1
	}
	return Stats{
		Entries:    n,
		EntryCache: m.entries.Stats(),
		QueryCache: m.retriever.CacheStats(),
		Vectors:    m.store.VectorsEnabled(),
	}
}
