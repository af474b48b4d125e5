// Package session persists conversations in SQLite.
//
// Invariants:
// - Conversation ids are validated before any query.
// - Save replaces the stored message list atomically in one transaction.
// - Save/load operations are observable via tracing and metrics.
//
// Usage:
//
//	store, _ := session.NewStore(session.Config{Path: "/data/conversations.db"})
//	defer store.Close()
//	_ = store.Save(ctx, conv)
//	conv, _ = store.Load(ctx, conv.ID)
package session
