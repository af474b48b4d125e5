package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/deskflow/internal/observability"
	"github.com/harun/deskflow/internal/tracing"
	"github.com/harun/deskflow/pkg/models"
)

var (
	// ErrNotFound is returned when a conversation does not exist
	ErrNotFound = errors.New("conversation not found")

	// ErrInvalidID is returned for ids that are empty or unsafe
	ErrInvalidID = errors.New("invalid conversation id")
)

const titleLength = 60

// Config configures a Store.
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// Store persists conversations and their messages.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (or creates) the conversation database.
func NewStore(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := NewStoreFromDB(db, cfg.Logger)
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	s.logger.Info().Str("path", cfg.Path).Msg("Conversation store initialized")
	return s, nil
}

// NewStoreFromDB wraps an already migrated database.
func NewStoreFromDB(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger.With().Str("component", "conversations").Logger()}
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			tool_calls TEXT,
			tool_results TEXT,
			tool_call_id TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			PRIMARY KEY (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// validateID rejects ids that could not have come from the runtime.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > 128 {
		return fmt.Errorf("%w: too long", ErrInvalidID)
	}
	if strings.ContainsAny(id, "/\\\x00") || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Save writes the conversation, replacing any stored messages.
func (s *Store) Save(ctx context.Context, conv *models.Conversation) (err error) {
	if conv == nil {
		return errors.New("conversation is required")
	}
	if err := validateID(conv.ID); err != nil {
		return err
	}

	ctx, span := tracing.StartSpan(ctx, "deskflow.session", "conversation.save",
		attribute.String("conversation_id", conv.ID),
		attribute.Int("messages", len(conv.Messages)))
	start := time.Now()
	defer func() {
		observability.RecordConversationSave(time.Since(start))
		tracing.EndSpan(span, err)
	}()

	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	if conv.Title == "" {
		conv.Title = deriveTitle(conv.Messages)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at`,
		conv.ID, conv.Title, conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (conversation_id, seq, id, role, content, timestamp, tool_calls, tool_results, tool_call_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range conv.Messages {
		calls, results, meta, encErr := encodeMessageJSON(msg)
		if encErr != nil {
			err = encErr
			return err
		}
		if _, err = stmt.ExecContext(ctx, conv.ID, i, msg.ID, string(msg.Role), msg.Content,
			msg.Timestamp.UnixMilli(), calls, results, msg.ToolCallID, meta); err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug().Str("conversation_id", conv.ID).Int("messages", len(conv.Messages)).Msg("Conversation saved")
	return nil
}

// Load returns a conversation with all of its messages.
func (s *Store) Load(ctx context.Context, id string) (_ *models.Conversation, err error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, "deskflow.session", "conversation.load", attribute.String("conversation_id", id))
	start := time.Now()
	defer func() {
		observability.RecordConversationLoad(time.Since(start))
		if errors.Is(err, ErrNotFound) {
			tracing.EndSpan(span, nil)
			return
		}
		tracing.EndSpan(span, err)
	}()

	conv := &models.Conversation{ID: id}
	var createdAt, updatedAt int64
	err = s.db.QueryRowContext(ctx,
		`SELECT title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	conv.CreatedAt = time.UnixMilli(createdAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, timestamp, tool_calls, tool_results, tool_call_id, metadata
		FROM messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	conv.Messages = []models.Message{}
	for rows.Next() {
		var (
			msg                  models.Message
			role                 string
			ts                   int64
			calls, results, meta sql.NullString
		)
		if err = rows.Scan(&msg.ID, &role, &msg.Content, &ts, &calls, &results, &msg.ToolCallID, &meta); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.Timestamp = time.UnixMilli(ts)
		if err = decodeMessageJSON(&msg, calls, results, meta); err != nil {
			return nil, err
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	return conv, nil
}

// List returns conversation summaries, most recently updated first.
func (s *Store) List(ctx context.Context, limit int) ([]models.ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		ORDER BY c.updated_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	summaries := []models.ConversationSummary{}
	for rows.Next() {
		var (
			sum                  models.ConversationSummary
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&sum.ID, &sum.Title, &createdAt, &updatedAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		sum.CreatedAt = time.UnixMilli(createdAt)
		sum.UpdatedAt = time.UnixMilli(updatedAt)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Delete removes a conversation and its messages.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Info().Str("conversation_id", id).Msg("Conversation deleted")
	return nil
}

// Prune deletes conversations not updated since before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ms := cutoff.UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE updated_at < ?)`, ms); err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("prune conversations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("Pruned old conversations")
	}
	return int(n), nil
}

// deriveTitle uses the start of the first user message.
func deriveTitle(msgs []models.Message) string {
	for _, m := range msgs {
		if m.Role != models.RoleUser {
			continue
		}
		title := strings.Join(strings.Fields(m.Content), " ")
		if utf8.RuneCountInString(title) > titleLength {
			title = string([]rune(title)[:titleLength]) + "…"
		}
		return title
	}
	return ""
}

func encodeMessageJSON(msg models.Message) (calls, results, meta sql.NullString, err error) {
	enc := func(v any, empty bool) (sql.NullString, error) {
		if empty {
			return sql.NullString{}, nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return sql.NullString{}, fmt.Errorf("encode message %s: %w", msg.ID, err)
		}
		return sql.NullString{String: string(data), Valid: true}, nil
	}
	if calls, err = enc(msg.ToolCalls, len(msg.ToolCalls) == 0); err != nil {
		return
	}
	if results, err = enc(msg.ToolResults, len(msg.ToolResults) == 0); err != nil {
		return
	}
	meta, err = enc(msg.Metadata, len(msg.Metadata) == 0)
	return
}

func decodeMessageJSON(msg *models.Message, calls, results, meta sql.NullString) error {
	if calls.Valid {
		if err := json.Unmarshal([]byte(calls.String), &msg.ToolCalls); err != nil {
			return fmt.Errorf("decode tool calls for %s: %w", msg.ID, err)
		}
	}
	if results.Valid {
		if err := json.Unmarshal([]byte(results.String), &msg.ToolResults); err != nil {
			return fmt.Errorf("decode tool results for %s: %w", msg.ID, err)
		}
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &msg.Metadata); err != nil {
			return fmt.Errorf("decode metadata for %s: %w", msg.ID, err)
		}
	}
	return nil
}
