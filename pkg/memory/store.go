package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/deskflow/pkg/models"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

var (
	// ErrDuplicateMemory is returned when adding an id that already exists
	ErrDuplicateMemory = errors.New("memory entry already exists")

	// ErrMemoryNotFound is returned for an unknown id
	ErrMemoryNotFound = errors.New("memory entry not found")

	// ErrStorage wraps failures of the underlying database
	ErrStorage = errors.New("memory storage error")
)

const memoryColumns = `id, content, type, importance, tags, source_conversation_id, created_at, last_accessed, access_count`

// StoreConfig configures a Store.
type StoreConfig struct {
	Path string
	// VectorDimension enables the vec0 table when > 0.
	VectorDimension int
	Logger          zerolog.Logger
}

// Store is the durable, append-only memory table with full-text search.
type Store struct {
	db        *sql.DB
	logger    zerolog.Logger
	ftsOK     bool
	vectorDim int
}

// NewStore opens (or creates) the SQLite database at cfg.Path.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := NewStoreFromDB(db, cfg.Logger)
	if err := s.initSchema(cfg.VectorDimension); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewStoreFromDB wraps an already migrated database. Full-text search is
// assumed to be available.
func NewStoreFromDB(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "memory_store").Logger(),
		ftsOK:  true,
	}
}

func (s *Store) initSchema(vectorDim int) error {
	schema := `
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			importance REAL NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			source_conversation_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
		CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	ftsSchema := `
		CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content,
			content='memories',
			content_rowid='rowid',
			tokenize='porter unicode61'
		);
		CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END;
		CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
		END;
	`
	if _, err := s.db.Exec(ftsSchema); err != nil {
		// Builds without the sqlite_fts5 tag still work through LIKE search.
		s.logger.Warn().Err(err).Msg("FTS5 unavailable, using LIKE search")
		s.ftsOK = false
	}

	if vectorDim > 0 {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(
				memory_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, vectorDim)
		if _, err := s.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
		s.vectorDim = vectorDim
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// VectorsEnabled reports whether the vec0 table exists.
func (s *Store) VectorsEnabled() bool {
	return s.vectorDim > 0
}

// Add inserts a new entry. Entries are never updated in place.
func (s *Store) Add(ctx context.Context, e *models.MemoryEntry) error {
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	if e.Tags == nil {
		tags = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (`+memoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Content, string(e.Type), e.Importance, string(tags), e.SourceConversationID,
		e.CreatedAt.UnixMilli(), e.LastAccessed.UnixMilli(), e.AccessCount,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateMemory, e.ID)
		}
		return fmt.Errorf("%w: insert: %v", ErrStorage, err)
	}
	return nil
}

// AddVector stores the embedding for an entry.
func (s *Store) AddVector(ctx context.Context, id string, embedding []float32) error {
	if !s.VectorsEnabled() {
		return nil
	}
	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("serialize embedding: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_vectors (memory_id, embedding) VALUES (?, ?)`, id, blob); err != nil {
		return fmt.Errorf("%w: insert vector: %v", ErrStorage, err)
	}
	return nil
}

// Get returns an entry and records the access.
func (s *Store) Get(ctx context.Context, id string) (*models.MemoryEntry, error) {
	if err := s.Touch(ctx, time.Now(), id); err != nil {
		return nil, err
	}
	entries, err := s.GetMany(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMemoryNotFound, id)
	}
	return entries[0], nil
}

// GetMany returns the entries for ids, skipping unknown ones. It does not
// record an access.
func (s *Store) GetMany(ctx context.Context, ids []string) ([]*models.MemoryEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE id IN (` + placeholders(len(ids)) + `)`
	return s.query(ctx, query, args...)
}

// Touch increments access_count and sets last_accessed for ids.
func (s *Store) Touch(ctx context.Context, at time.Time, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("%w: touch: %v", ErrStorage, err)
	}
	return nil
}

// SearchFTS runs a phrase match over content, falling back to a term-OR LIKE
// search when FTS finds nothing or fails. An empty memType matches all types.
func (s *Store) SearchFTS(ctx context.Context, query string, memType models.MemoryType, limit int) ([]*models.MemoryEntry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	if s.ftsOK {
		results, err := s.searchPhrase(ctx, query, memType, limit)
		if err == nil && len(results) > 0 {
			return results, nil
		}
		if err != nil {
			s.logger.Debug().Err(err).Msg("FTS search failed, falling back to LIKE")
		}
	}
	return s.searchLike(ctx, query, memType, limit)
}

func (s *Store) searchPhrase(ctx context.Context, query string, memType models.MemoryType, limit int) ([]*models.MemoryEntry, error) {
	phrase := `"` + strings.ReplaceAll(query, `"`, `""`) + `"`
	sqlQuery := `
		SELECT m.id, m.content, m.type, m.importance, m.tags, m.source_conversation_id,
		       m.created_at, m.last_accessed, m.access_count
		FROM memories_fts f
		JOIN memories m ON m.rowid = f.rowid
		WHERE memories_fts MATCH ?`
	args := []any{phrase}
	if memType != "" {
		sqlQuery += ` AND m.type = ?`
		args = append(args, string(memType))
	}
	sqlQuery += ` ORDER BY bm25(memories_fts) LIMIT ?`
	args = append(args, limit)
	return s.query(ctx, sqlQuery, args...)
}

func (s *Store) searchLike(ctx context.Context, query string, memType models.MemoryType, limit int) ([]*models.MemoryEntry, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	conds := make([]string, 0, len(terms))
	args := make([]any, 0, len(terms)+2)
	for _, term := range terms {
		conds = append(conds, `LOWER(content) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(term)+"%")
	}
	sqlQuery := `SELECT ` + memoryColumns + ` FROM memories WHERE (` + strings.Join(conds, " OR ") + `)`
	if memType != "" {
		sqlQuery += ` AND type = ?`
		args = append(args, string(memType))
	}
	sqlQuery += ` ORDER BY importance DESC, created_at DESC LIMIT ?`
	args = append(args, limit)
	return s.query(ctx, sqlQuery, args...)
}

// VectorMatch is a memory id with its cosine distance to the query.
type VectorMatch struct {
	ID       string
	Distance float64
}

// SearchVector returns the nearest entries to embedding.
func (s *Store) SearchVector(ctx context.Context, embedding []float32, limit int) ([]VectorMatch, error) {
	if !s.VectorsEnabled() {
		return nil, nil
	}
	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return nil, fmt.Errorf("serialize embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, distance
		FROM memory_vectors
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance`, blob, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %v", ErrStorage, err)
	}
	defer rows.Close()

	var matches []VectorMatch
	for rows.Next() {
		var m VectorMatch
		if err := rows.Scan(&m.ID, &m.Distance); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStorage, err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Recent returns the newest entries.
func (s *Store) Recent(ctx context.Context, limit int) ([]*models.MemoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, `SELECT `+memoryColumns+` FROM memories ORDER BY created_at DESC LIMIT ?`, limit)
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrStorage, err)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*models.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrStorage, err)
	}
	defer rows.Close()

	var entries []*models.MemoryEntry
	for rows.Next() {
		var (
			e                       models.MemoryEntry
			memType, tags           string
			createdAt, lastAccessed int64
		)
		if err := rows.Scan(&e.ID, &e.Content, &memType, &e.Importance, &tags, &e.SourceConversationID,
			&createdAt, &lastAccessed, &e.AccessCount); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStorage, err)
		}
		e.Type = models.MemoryType(memType)
		e.CreatedAt = time.UnixMilli(createdAt)
		e.LastAccessed = time.UnixMilli(lastAccessed)
		if tags != "" && tags != "[]" {
			if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
				s.logger.Warn().Err(err).Str("id", e.ID).Msg("Ignoring malformed tags")
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", ErrStorage, err)
	}
	return entries, nil
}

func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
