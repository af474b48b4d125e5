package llm

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor() (*HealthMonitor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := NewHealthMonitor(HealthConfig{})
	h.now = clock.now
	return h, clock
}

func transient(err error) error {
	return &ProviderError{Provider: "p", Err: err, Transient: true}
}

func TestHealthMonitor(t *testing.T) {
	t.Run("should degrade before the threshold and cool down at it", func(t *testing.T) {
		h, clock := newTestMonitor()
		serverErr := transient(fmt.Errorf("%w: 502", ErrServer))

		h.RecordFailure("p", serverErr)
		h.RecordFailure("p", serverErr)
		assert.Equal(t, StateDegraded, h.Get("p").State)
		assert.False(t, h.InCooldown("p"))

		h.RecordFailure("p", serverErr)
		ph := h.Get("p")
		assert.Equal(t, StateUnhealthy, ph.State)
		assert.Equal(t, clock.t.Add(30*time.Second), ph.CooldownUntil)
		assert.True(t, h.InCooldown("p"))

		clock.advance(31 * time.Second)
		assert.False(t, h.InCooldown("p"))
	})

	t.Run("should double the cooldown per failure up to the cap", func(t *testing.T) {
		h, _ := newTestMonitor()
		tests := map[int]time.Duration{
			3: 30 * time.Second,
			4: 60 * time.Second,
			5: 120 * time.Second,
			6: 240 * time.Second,
			7: 300 * time.Second,
			9: 300 * time.Second,
		}
		for failures, want := range tests {
			assert.Equal(t, want, h.cooldown(failures), "failures=%d", failures)
		}
	})

	t.Run("should cool down immediately on a rate limit", func(t *testing.T) {
		h, clock := newTestMonitor()
		h.RecordFailure("p", transient(ErrRateLimited))

		ph := h.Get("p")
		assert.Equal(t, StateRateLimited, ph.State)
		assert.Equal(t, clock.t.Add(30*time.Second), ph.CooldownUntil)
	})

	t.Run("should treat a hard failure as reaching the threshold", func(t *testing.T) {
		h, _ := newTestMonitor()
		h.RecordFailure("p", &ProviderError{Provider: "p", Err: errors.New("401")})
		assert.Equal(t, StateUnhealthy, h.Get("p").State)
		assert.True(t, h.InCooldown("p"))
	})

	t.Run("should recover after consecutive successes", func(t *testing.T) {
		h, _ := newTestMonitor()
		h.RecordFailure("p", transient(ErrRateLimited))

		h.RecordSuccess("p")
		assert.Equal(t, StateRateLimited, h.Get("p").State)

		h.RecordSuccess("p")
		ph := h.Get("p")
		assert.Equal(t, StateHealthy, ph.State)
		assert.True(t, ph.CooldownUntil.IsZero())
		assert.Equal(t, 0, ph.ConsecutiveFailures)
		assert.Equal(t, int64(3), ph.TotalRequests)
		assert.Equal(t, int64(1), ph.TotalFailures)
	})

	t.Run("should move cooling providers to the end without dropping them", func(t *testing.T) {
		h, _ := newTestMonitor()
		h.RecordFailure("b", transient(ErrRateLimited))

		assert.Equal(t, []string{"a", "c", "b"}, h.Order([]string{"a", "b", "c"}))
		assert.Len(t, h.Summary(), 1)
	})
}

func TestUsageTracker(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 23, 59, 0, 0, time.Local)}
	u := NewUsageTracker()
	u.now = clock.now

	u.Record(Usage{InputTokens: 100, OutputTokens: 20})
	u.Record(Usage{InputTokens: 5, OutputTokens: 5})
	s := u.Snapshot()
	assert.Equal(t, int64(130), s.TotalTokens)
	assert.Equal(t, int64(130), s.TodayTokens)
	assert.Equal(t, int64(2), s.RequestCount)

	clock.advance(2 * time.Minute)
	s = u.Snapshot()
	assert.Equal(t, int64(130), s.TotalTokens)
	assert.Equal(t, int64(0), s.TodayTokens)
	assert.Equal(t, "2026-03-02", s.Day)
}
