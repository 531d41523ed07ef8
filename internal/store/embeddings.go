package store

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/memtide/memtide/internal/memory"
)

// FindMissingEmbeddings returns up to limit memories that still need a
// vector, oldest first so no record starves behind newer ones.
func (s *Store) FindMissingEmbeddings(ctx context.Context, limit int) ([]*memory.Record, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	session := s.readSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (m:Memory)
WHERE coalesce(m.has_embedding, false) = false
RETURN m
ORDER BY m.learned_at ASC
LIMIT $limit
`, map[string]any{"limit": limit})
		if err != nil {
			return nil, err
		}
		var recs []*memory.Record
		for res.Next(ctx) {
			nv, _ := res.Record().Get("m")
			props, ok := nodeProps(nv)
			if !ok {
				continue
			}
			recs = append(recs, recordFromProps(props))
		}
		return recs, res.Err()
	})
	if err != nil {
		return nil, err
	}
	return out.([]*memory.Record), nil
}

// StoreEmbedding attaches a backfilled vector to an existing memory.
func (s *Store) StoreEmbedding(ctx context.Context, memoryID string, vec []float32, version string) error {
	if !s.Enabled() {
		return nil
	}
	if len(vec) != memory.EmbeddingDim {
		return fmt.Errorf("store: embedding for %s has dimension %d, want %d", memoryID, len(vec), memory.EmbeddingDim)
	}

	session := s.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (m:Memory {id: $id})
SET m.embedding = $vec,
    m.has_embedding = true,
    m.embedding_version = $version,
    m.embedding_updated_at = $now
RETURN m.id
`, map[string]any{
			"id":      memoryID,
			"vec":     vec,
			"version": version,
			"now":     s.now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, err
		}
		if _, err := res.Single(ctx); err != nil {
			return nil, fmt.Errorf("store: memory %s not found", memoryID)
		}
		return nil, nil
	})
	return err
}
