package llm

import (
	"sync"
	"time"
)

// UsageStats is a snapshot of token accounting.
type UsageStats struct {
	TotalTokens  int64  `json:"total_tokens"`
	TodayTokens  int64  `json:"today_tokens"`
	RequestCount int64  `json:"request_count"`
	Day          string `json:"day"`
}

// UsageTracker accumulates token usage. The daily counter resets when the
// local date changes.
type UsageTracker struct {
	mu       sync.Mutex
	total    int64
	today    int64
	requests int64
	day      string
	now      func() time.Time
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{now: time.Now}
}

// Record adds one request's usage.
func (u *UsageTracker) Record(usage Usage) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.rollover()
	n := int64(usage.Total())
	u.total += n
	u.today += n
	u.requests++
}

// Snapshot returns the current counters.
func (u *UsageTracker) Snapshot() UsageStats {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.rollover()
	return UsageStats{
		TotalTokens:  u.total,
		TodayTokens:  u.today,
		RequestCount: u.requests,
		Day:          u.day,
	}
}

func (u *UsageTracker) rollover() {
	day := u.now().Format("2006-01-02")
	if day != u.day {
		u.day = day
		u.today = 0
	}
}
