package memory

import (
	"strings"
	"time"
)

// EmbeddingDim is the fixed vector dimension for every persisted embedding.
// The vector index is created with this dimension; a mismatch anywhere in the
// pipeline is non-recoverable.
const EmbeddingDim = 768

// MinConfidence is the default persistence floor, used when no floor is
// configured. Records under the effective floor are never stored.
const MinConfidence = 0.4

type Type string

const (
	TypePreference       Type = "preference"
	TypePersonalFact     Type = "personal_fact"
	TypeTechnicalContext Type = "technical_context"
	TypeDecision         Type = "decision"
	TypeCorrection       Type = "correction"
)

func (t Type) Valid() bool {
	switch t {
	case TypePreference, TypePersonalFact, TypeTechnicalContext, TypeDecision, TypeCorrection:
		return true
	}
	return false
}

func ParseType(s string) (Type, bool) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

// Metadata holds the known typed fields extracted alongside a memory, plus a
// free-form side table for anything the extraction model volunteers.
type Metadata struct {
	// Supersedes names the memory id a correction overrides.
	Supersedes string `json:"supersedes,omitempty"`
	// Explicit marks first-person statements ("I prefer...", "my setup is...").
	Explicit bool `json:"explicit,omitempty"`
	// Contradicts marks candidates the extractor flagged as conflicting with
	// prior memory.
	Contradicts bool `json:"contradicts,omitempty"`
	// MentionCount is how many transcript passages support the memory.
	MentionCount int `json:"mention_count,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// Record is the central persisted entity. The in-process representation never
// holds pointers to other records; supersession is expressed through the two
// optional id strings and lives as an edge in the graph.
type Record struct {
	ID         string  `json:"memory_id"`
	Type       Type    `json:"memory_type"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category,omitempty"`

	SourceConversationID string `json:"source_conversation_id"`

	ExtractionTimestamp time.Time  `json:"extraction_timestamp"`
	LearnedAt           time.Time  `json:"learned_at"`
	ValidFrom           time.Time  `json:"valid_from"`
	ValidUntil          *time.Time `json:"valid_until,omitempty"`

	Supersedes   string `json:"supersedes,omitempty"`
	SupersededBy string `json:"superseded_by,omitempty"`

	Embedding          []float32  `json:"embedding,omitempty"`
	HasEmbedding       bool       `json:"has_embedding"`
	EmbeddingVersion   string     `json:"embedding_version,omitempty"`
	EmbeddingUpdatedAt *time.Time `json:"embedding_updated_at,omitempty"`

	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	AccessCount  int64      `json:"access_count"`

	Metadata Metadata `json:"metadata"`
}

// CurrentlyValid reports whether the record has not been superseded.
func (r *Record) CurrentlyValid() bool {
	return r != nil && r.ValidUntil == nil
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type TriggerReason string

const (
	TriggerMessageDrop TriggerReason = "idle_and_message_drop"
	TriggerHashChange  TriggerReason = "idle_and_hash_change"
	TriggerBoth        TriggerReason = "idle_and_both"
)

// Transcript is the immutable record of a closed conversation.
type Transcript struct {
	SessionID     string        `json:"session_id"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	MessageCount  int           `json:"message_count"`
	TriggerReason TriggerReason `json:"trigger_reason"`
	Messages      []Message     `json:"messages"`
}

// SessionMeta is the mutable in-memory state for one live conversation.
type SessionMeta struct {
	SessionID        string
	FirstSeen        time.Time
	LastSeen         time.Time
	LastMessageCount int
	FirstMessageHash string
}
