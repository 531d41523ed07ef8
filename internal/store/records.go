package store

import (
	"encoding/json"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/memtide/memtide/internal/memory"
)

// recordParams flattens a Record into node properties. Times are stored as
// RFC3339Nano strings; the metadata side table is serialized as JSON.
func recordParams(rec *memory.Record) map[string]any {
	props := map[string]any{
		"id":                     rec.ID,
		"memory_type":            string(rec.Type),
		"content":                rec.Content,
		"confidence":             rec.Confidence,
		"category":               rec.Category,
		"source_conversation_id": rec.SourceConversationID,
		"extraction_timestamp":   rec.ExtractionTimestamp.UTC().Format(time.RFC3339Nano),
		"learned_at":             rec.LearnedAt.UTC().Format(time.RFC3339Nano),
		"valid_from":             rec.ValidFrom.UTC().Format(time.RFC3339Nano),
		"has_embedding":          rec.HasEmbedding,
		"access_count":           rec.AccessCount,
		"explicit":               rec.Metadata.Explicit,
		"contradicts":            rec.Metadata.Contradicts,
		"mention_count":          int64(rec.Metadata.MentionCount),
	}
	if rec.ValidUntil != nil {
		props["valid_until"] = rec.ValidUntil.UTC().Format(time.RFC3339Nano)
	}
	if rec.Supersedes != "" {
		props["supersedes"] = rec.Supersedes
	}
	if rec.SupersededBy != "" {
		props["superseded_by"] = rec.SupersededBy
	}
	if rec.HasEmbedding {
		props["embedding"] = rec.Embedding
		props["embedding_version"] = rec.EmbeddingVersion
		if rec.EmbeddingUpdatedAt != nil {
			props["embedding_updated_at"] = rec.EmbeddingUpdatedAt.UTC().Format(time.RFC3339Nano)
		}
	}
	if rec.LastAccessed != nil {
		props["last_accessed"] = rec.LastAccessed.UTC().Format(time.RFC3339Nano)
	}
	if len(rec.Metadata.Extra) > 0 {
		if b, err := json.Marshal(rec.Metadata.Extra); err == nil {
			props["metadata_json"] = string(b)
		}
	}
	return props
}

// recordFromProps reverses recordParams for nodes coming back from queries.
// The embedding vector is only populated when the node carries one.
func recordFromProps(props map[string]any) *memory.Record {
	rec := &memory.Record{}
	rec.ID, _ = props["id"].(string)
	if t, ok := props["memory_type"].(string); ok {
		rec.Type = memory.Type(t)
	}
	rec.Content, _ = props["content"].(string)
	rec.Confidence, _ = props["confidence"].(float64)
	rec.Category, _ = props["category"].(string)
	rec.SourceConversationID, _ = props["source_conversation_id"].(string)

	rec.ExtractionTimestamp = parseTime(props["extraction_timestamp"])
	rec.LearnedAt = parseTime(props["learned_at"])
	rec.ValidFrom = parseTime(props["valid_from"])
	if t := parseTime(props["valid_until"]); !t.IsZero() {
		rec.ValidUntil = &t
	}

	rec.Supersedes, _ = props["supersedes"].(string)
	rec.SupersededBy, _ = props["superseded_by"].(string)

	rec.HasEmbedding, _ = props["has_embedding"].(bool)
	rec.EmbeddingVersion, _ = props["embedding_version"].(string)
	if t := parseTime(props["embedding_updated_at"]); !t.IsZero() {
		rec.EmbeddingUpdatedAt = &t
	}
	if raw, ok := props["embedding"].([]any); ok {
		vec := make([]float32, 0, len(raw))
		for _, v := range raw {
			if f, ok := v.(float64); ok {
				vec = append(vec, float32(f))
			}
		}
		rec.Embedding = vec
	}

	if t := parseTime(props["last_accessed"]); !t.IsZero() {
		rec.LastAccessed = &t
	}
	switch v := props["access_count"].(type) {
	case int64:
		rec.AccessCount = v
	case float64:
		rec.AccessCount = int64(v)
	}

	rec.Metadata.Explicit, _ = props["explicit"].(bool)
	rec.Metadata.Contradicts, _ = props["contradicts"].(bool)
	switch v := props["mention_count"].(type) {
	case int64:
		rec.Metadata.MentionCount = int(v)
	case float64:
		rec.Metadata.MentionCount = int(v)
	}
	if raw, ok := props["metadata_json"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &rec.Metadata.Extra)
	}
	return rec
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	case time.Time:
		return t
	}
	return time.Time{}
}

func nodeProps(v any) (map[string]any, bool) {
	switch n := v.(type) {
	case neo4j.Node:
		return n.Props, true
	case map[string]any:
		return n, true
	}
	return nil, false
}
