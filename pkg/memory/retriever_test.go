package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/harun/deskflow/pkg/models"
)

func TestRanker(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Ranker{HalfLife: 10 * 24 * time.Hour}

	t.Run("should halve the score after one half-life", func(t *testing.T) {
		assert.InDelta(t, 1.0, r.Decay(0), 1e-9)
		assert.InDelta(t, 0.5, r.Decay(10*24*time.Hour), 1e-9)
		assert.InDelta(t, 0.25, r.Decay(20*24*time.Hour), 1e-9)
	})

	t.Run("should treat a future access as no decay", func(t *testing.T) {
		e := &models.MemoryEntry{Importance: 0.8, LastAccessed: now.Add(time.Hour)}
		assert.InDelta(t, 0.8, r.Score(e, now), 1e-9)
	})

	t.Run("should be monotonically non-increasing", func(t *testing.T) {
		prev := r.Decay(0)
		for d := time.Hour; d < 200*24*time.Hour; d += 7 * time.Hour {
			cur := r.Decay(d)
			assert.LessOrEqual(t, cur, prev)
			prev = cur
		}
	})

	t.Run("should rank by score then tie-breakers", func(t *testing.T) {
		old := &models.MemoryEntry{ID: "old", Importance: 0.9, LastAccessed: now.Add(-40 * 24 * time.Hour)}
		fresh := &models.MemoryEntry{ID: "fresh", Importance: 0.6, LastAccessed: now}
		popular := &models.MemoryEntry{ID: "popular", Importance: 0.5, LastAccessed: now, AccessCount: 9}
		quiet := &models.MemoryEntry{ID: "quiet", Importance: 0.5, LastAccessed: now, AccessCount: 1}
		newer := &models.MemoryEntry{ID: "newer", Importance: 0.5, LastAccessed: now, AccessCount: 1, CreatedAt: now}
		older := &models.MemoryEntry{ID: "older", Importance: 0.5, LastAccessed: now, AccessCount: 1, CreatedAt: now.Add(-time.Hour)}

		entries := []*models.MemoryEntry{older, old, quiet, popular, fresh, newer}
		r.Rank(entries, now)

		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		// old scores 0.9 * 0.0625 = 0.056, below every fresh entry.
		assert.Equal(t, []string{"fresh", "popular", "newer", "older", "quiet", "old"}, ids)
	})

	t.Run("should default the half-life", func(t *testing.T) {
		assert.InDelta(t, 0.5, Ranker{}.Decay(DefaultHalfLife), 1e-9)
	})
}

func TestQueryKey(t *testing.T) {
	a := queryKey("dark mode", 5, "")
	assert.Len(t, a, 16)
	assert.Equal(t, a, queryKey("dark mode", 5, ""))
	assert.NotEqual(t, a, queryKey("dark mode", 6, ""))
	assert.NotEqual(t, a, queryKey("dark mode", 5, models.MemoryPreference))
}
