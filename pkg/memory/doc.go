// Package memory stores long-term memory entries and ranks them for prompts.
//
// Invariants:
// - Content, type and importance never change after Add; only access_count
//   and last_accessed are updated, and only by retrieval.
// - Cache writes (population, promotion, eviction) are serialized; reads run concurrently.
// - Ranking is importance times an exponential decay of the time since last access.
//
// Usage:
//
//	mgr, _ := memory.NewManager(memory.Config{Path: "/data/memory.db"})
//	defer mgr.Close()
//	_ = mgr.Add(ctx, &models.MemoryEntry{Content: "prefers tabs", Type: models.MemoryPreference, Importance: 0.8})
//	entries, _ := mgr.Retrieve(ctx, "tabs", "", 5)
//	_ = entries
package memory
