package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/memtide/memtide/internal/memory"
	"github.com/memtide/memtide/internal/platform/logger"
	"github.com/memtide/memtide/internal/platform/neo4jdb"
)

// contradictionThreshold is the minimum cosine similarity between a new
// memory and an existing valid one of the same type before the pair is
// treated as a potential contradiction.
const contradictionThreshold = 0.75

// EmbedFunc produces the vector for a memory's content. Inline embedding is
// best-effort: a failure leaves the memory unembedded for the backfill
// worker.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Store persists memories and their relationships in Neo4j. A nil graph
// client degrades every operation to a logged no-op so the chat path keeps
// working without persistence.
type Store struct {
	client *neo4jdb.Client
	embed  EmbedFunc
	log    *logger.Logger

	now func() time.Time
}

func New(client *neo4jdb.Client, embed EmbedFunc, log *logger.Logger) *Store {
	return &Store{client: client, embed: embed, log: log, now: time.Now}
}

// Enabled reports whether a graph backend is configured.
func (s *Store) Enabled() bool { return s != nil && s.client != nil && s.client.Driver != nil }

var schemaStatements = []string{
	`CREATE CONSTRAINT memory_id_unique IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE`,
	`CREATE CONSTRAINT conversation_id_unique IF NOT EXISTS FOR (c:Conversation) REQUIRE c.id IS UNIQUE`,
	`CREATE CONSTRAINT person_id_unique IF NOT EXISTS FOR (p:Person) REQUIRE p.id IS UNIQUE`,
	`CREATE CONSTRAINT interest_id_unique IF NOT EXISTS FOR (i:Interest) REQUIRE i.id IS UNIQUE`,
	`CREATE CONSTRAINT infrastructure_id_unique IF NOT EXISTS FOR (n:Infrastructure) REQUIRE n.id IS UNIQUE`,
	`CREATE CONSTRAINT tech_preference_id_unique IF NOT EXISTS FOR (t:TechPreference) REQUIRE t.id IS UNIQUE`,
	`CREATE CONSTRAINT fact_id_unique IF NOT EXISTS FOR (f:Fact) REQUIRE f.id IS UNIQUE`,
	`CREATE CONSTRAINT decision_id_unique IF NOT EXISTS FOR (d:Decision) REQUIRE d.id IS UNIQUE`,
	`CREATE INDEX memory_type_idx IF NOT EXISTS FOR (m:Memory) ON (m.memory_type)`,
	`CREATE INDEX memory_valid_idx IF NOT EXISTS FOR (m:Memory) ON (m.valid_until)`,
	`CREATE INDEX memory_has_embedding_idx IF NOT EXISTS FOR (m:Memory) ON (m.has_embedding)`,
	fmt.Sprintf(`CREATE VECTOR INDEX memory_embeddings IF NOT EXISTS
FOR (m:Memory) ON (m.embedding)
OPTIONS {indexConfig: {` + "`vector.dimensions`" + `: %d, ` + "`vector.similarity_function`" + `: 'cosine'}}`, memory.EmbeddingDim),
}

// InitSchema creates constraints and the vector index. Failures are logged
// and swallowed; restricted users may lack schema privileges.
func (s *Store) InitSchema(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	session := s.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.client.Database,
	})
	defer session.Close(ctx)

	for _, stmt := range schemaStatements {
		res, err := session.Run(ctx, stmt, nil)
		if err != nil {
			s.log.Warn("graph schema init failed (continuing)", "error", err)
			continue
		}
		_, _ = res.Consume(ctx)
	}
}

// StoreRecords persists one extraction batch. Records are handled
// sequentially so a correction can supersede a memory stored moments
// earlier. Returns how many records were persisted.
func (s *Store) StoreRecords(ctx context.Context, conversationID string, recs []*memory.Record) (int, error) {
	if !s.Enabled() {
		s.log.Warn("graph store disabled, dropping extraction batch",
			"conversation_id", conversationID,
			"records", len(recs),
		)
		return 0, nil
	}
	if len(recs) == 0 {
		return 0, nil
	}

	s.ensureConversation(ctx, conversationID)

	stored := 0
	for _, rec := range recs {
		if err := s.storeOne(ctx, conversationID, rec); err != nil {
			s.log.Error("memory store failed",
				"memory_id", rec.ID,
				"memory_type", string(rec.Type),
				"error", err,
			)
			continue
		}
		stored++
	}
	return stored, nil
}

func (s *Store) ensureConversation(ctx context.Context, conversationID string) {
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MERGE (c:Conversation {id: $id})
ON CREATE SET c.created_at = $now
`, map[string]any{"id": conversationID, "now": s.now().UTC().Format(time.RFC3339Nano)})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		s.log.Warn("conversation node upsert failed", "error", err)
	}
}

func (s *Store) storeOne(ctx context.Context, conversationID string, rec *memory.Record) error {
	// Inline embedding is best-effort; a miss leaves the record for backfill.
	if s.embed != nil && !rec.HasEmbedding {
		if vec, err := s.embed(ctx, rec.Content); err == nil && len(vec) == memory.EmbeddingDim {
			now := s.now().UTC()
			rec.Embedding = vec
			rec.HasEmbedding = true
			rec.EmbeddingUpdatedAt = &now
		} else if err != nil {
			s.log.Warn("inline embedding failed, deferring to backfill",
				"memory_id", rec.ID,
				"error", err,
			)
		}
	}

	supersededID, err := s.resolveSupersession(ctx, rec)
	if err != nil {
		s.log.Warn("supersession check failed, storing without chain",
			"memory_id", rec.ID,
			"error", err,
		)
		supersededID = ""
	}
	if supersededID != "" {
		rec.Supersedes = supersededID
	}

	session := s.writeSession(ctx)
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, storeMemoryQuery, map[string]any{
			"conversation_id": conversationID,
			"props":           recordParams(rec),
		})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}

		if rec.Supersedes != "" {
			res, err := tx.Run(ctx, supersedeQuery, map[string]any{
				"new_id": rec.ID,
				"old_id": rec.Supersedes,
				// The old memory stops being valid exactly when the
				// correction starts, not when the write lands.
				"valid_from": rec.ValidFrom.UTC().Format(time.RFC3339Nano),
				"now":        s.now().UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

const storeMemoryQuery = `
MATCH (c:Conversation {id: $conversation_id})
MERGE (m:Memory {id: $props.id})
SET m += $props
MERGE (c)-[:CONTAINS_MEMORY]->(m)
`

const supersedeQuery = `
MATCH (new:Memory {id: $new_id})
MATCH (old:Memory {id: $old_id})
SET old.valid_until = $valid_from,
    old.superseded_by = $new_id
MERGE (new)-[r:SUPERSEDES]->(old)
ON CREATE SET r.created_at = $now
`

// resolveSupersession decides which existing memory, if any, the new record
// invalidates. Corrections resolve through their hint first; anything with
// an embedding is also checked against near neighbours of the same type.
func (s *Store) resolveSupersession(ctx context.Context, rec *memory.Record) (string, error) {
	if rec.Type == memory.TypeCorrection {
		if hint := rec.Metadata.Extra["supersedes_hint"]; strings.TrimSpace(hint) != "" {
			id, err := s.findByContentHint(ctx, hint)
			if err != nil {
				return "", err
			}
			if id != "" {
				return id, nil
			}
		}
	}
	if !rec.HasEmbedding {
		return "", nil
	}
	return s.findContradiction(ctx, rec)
}

func (s *Store) findByContentHint(ctx context.Context, hint string) (string, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (m:Memory)
WHERE m.valid_until IS NULL AND toLower(m.content) CONTAINS toLower($hint)
RETURN m.id AS id
ORDER BY m.learned_at DESC
LIMIT 1
`, map[string]any{"hint": strings.TrimSpace(hint)})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			// No match is not an error for a hint lookup.
			return "", nil
		}
		id, _ := rec.Get("id")
		str, _ := id.(string)
		return str, nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// Timestamps are stored RFC3339 in UTC, so the overlap comparison works on
// the string ordering.
const contradictionQuery = `
CALL db.index.vector.queryNodes('memory_embeddings', $k, $vec)
YIELD node, score
WHERE score >= $threshold
  AND node.memory_type = $memory_type
  AND (node.valid_until IS NULL OR node.valid_until > $valid_from)
  AND node.id <> $id
  AND node.content <> $content
RETURN node.id AS id, score
ORDER BY score DESC
LIMIT 1
`

// findContradiction looks for a temporally overlapping memory of the same
// type whose embedding sits above the similarity threshold but whose content
// differs. The closest such neighbour is the superseded one.
func (s *Store) findContradiction(ctx context.Context, rec *memory.Record) (string, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, contradictionQuery, map[string]any{
			"k":           10,
			"vec":         rec.Embedding,
			"threshold":   contradictionThreshold,
			"memory_type": string(rec.Type),
			"id":          rec.ID,
			"content":     rec.Content,
			"valid_from":  rec.ValidFrom.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, err
		}
		row, err := res.Single(ctx)
		if err != nil {
			return "", nil
		}
		id, _ := row.Get("id")
		str, _ := id.(string)
		return str, nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (s *Store) writeSession(ctx context.Context) neo4j.SessionWithContext {
	return s.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.client.Database,
	})
}

func (s *Store) readSession(ctx context.Context) neo4j.SessionWithContext {
	return s.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: s.client.Database,
	})
}
