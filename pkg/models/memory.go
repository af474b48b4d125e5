package models

import (
	"fmt"
	"time"
)

// MemoryType classifies a long-term memory entry.
type MemoryType string

const (
	MemoryFact       MemoryType = "fact"
	MemoryPreference MemoryType = "preference"
	MemorySkill      MemoryType = "skill"
	MemoryError      MemoryType = "error"
	MemoryRule       MemoryType = "rule"
)

// Valid reports whether t is a known memory type.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryFact, MemoryPreference, MemorySkill, MemoryError, MemoryRule:
		return true
	}
	return false
}

// ParseMemoryType converts a string into a MemoryType.
func ParseMemoryType(s string) (MemoryType, error) {
	t := MemoryType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown memory type %q", s)
	}
	return t, nil
}

// MemoryEntry is a unit of long-term memory.
// Content, Type and Importance never change after the entry is stored;
// only AccessCount and LastAccessed are updated, on retrieval.
type MemoryEntry struct {
	ID                   string     `json:"id"`
	Content              string     `json:"content"`
	Type                 MemoryType `json:"type"`
	Importance           float64    `json:"importance"`
	Tags                 []string   `json:"tags,omitempty"`
	SourceConversationID string     `json:"source_conversation_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	LastAccessed         time.Time  `json:"last_accessed"`
	AccessCount          int        `json:"access_count"`
}

// ClampImportance bounds v to [0,1].
func ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
