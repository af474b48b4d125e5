package agent

import "sync/atomic"

// Stats holds process-wide orchestrator counters.
type Stats struct {
	totalConversations atomic.Int64
	totalTurns         atomic.Int64
	totalToolCalls     atomic.Int64
	totalTokensUsed    atomic.Int64
	activeTools        atomic.Int64
}

// StatsSnapshot is a consistent-enough copy of Stats for reporting.
type StatsSnapshot struct {
	TotalConversations int64 `json:"total_conversations"`
	TotalTurns         int64 `json:"total_turns"`
	TotalToolCalls     int64 `json:"total_tool_calls"`
	TotalTokensUsed    int64 `json:"total_tokens_used"`
	ActiveTools        int64 `json:"active_tools"`
}

func (s *Stats) conversationStarted() { s.totalConversations.Add(1) }
func (s *Stats) turnStarted()         { s.totalTurns.Add(1) }
func (s *Stats) addTokens(n int)      { s.totalTokensUsed.Add(int64(n)) }

func (s *Stats) toolStarted() {
	s.totalToolCalls.Add(1)
	s.activeTools.Add(1)
}

func (s *Stats) toolFinished() { s.activeTools.Add(-1) }

// Snapshot reads all counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TotalConversations: s.totalConversations.Load(),
		TotalTurns:         s.totalTurns.Load(),
		TotalToolCalls:     s.totalToolCalls.Load(),
		TotalTokensUsed:    s.totalTokensUsed.Load(),
		ActiveTools:        s.activeTools.Load(),
	}
}
