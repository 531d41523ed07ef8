package store

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/memtide/memtide/internal/memory"
	"github.com/memtide/memtide/internal/platform/apierr"
)

// Hit pairs a memory with its vector similarity to the query.
type Hit struct {
	Record     *memory.Record
	Similarity float64
}

// SearchOptions narrows a vector search. Zero values mean no filter.
type SearchOptions struct {
	Types         []memory.Type
	MinConfidence float64
	// MinSimilarity drops hits whose vector score falls under it.
	MinSimilarity float64
	// IncludeSuperseded keeps invalidated memories in the result set.
	IncludeSuperseded bool
}

const vectorSearchQuery = `
CALL db.index.vector.queryNodes('memory_embeddings', $k, $vec)
YIELD node, score
WHERE ($include_superseded OR node.valid_until IS NULL)
  AND (size($types) = 0 OR node.memory_type IN $types)
  AND node.confidence >= $min_confidence
  AND score >= $min_similarity
RETURN node, score
ORDER BY score DESC
`

// SearchByVector runs the vector index query and hydrates full records.
func (s *Store) SearchByVector(ctx context.Context, vec []float32, topK int, opts SearchOptions) ([]Hit, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}

	types := make([]string, 0, len(opts.Types))
	for _, t := range opts.Types {
		types = append(types, string(t))
	}

	session := s.readSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, vectorSearchQuery, map[string]any{
			"k":                  topK,
			"vec":                vec,
			"types":              types,
			"min_confidence":     opts.MinConfidence,
			"min_similarity":     opts.MinSimilarity,
			"include_superseded": opts.IncludeSuperseded,
		})
		if err != nil {
			return nil, err
		}

		var hits []Hit
		for res.Next(ctx) {
			row := res.Record()
			nv, _ := row.Get("node")
			props, ok := nodeProps(nv)
			if !ok {
				continue
			}
			score, _ := row.Get("score")
			sim, _ := score.(float64)
			hits = append(hits, Hit{Record: recordFromProps(props), Similarity: sim})
		}
		return hits, res.Err()
	})
	if err != nil {
		return nil, err
	}
	return out.([]Hit), nil
}

// GetByID fetches one memory. Missing ids map to apierr.ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id string) (*memory.Record, error) {
	if !s.Enabled() {
		return nil, apierr.ErrNotFound
	}
	session := s.readSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (m:Memory {id: $id}) RETURN m`, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		row, err := res.Single(ctx)
		if err != nil {
			return nil, apierr.ErrNotFound
		}
		nv, _ := row.Get("m")
		props, ok := nodeProps(nv)
		if !ok {
			return nil, apierr.ErrNotFound
		}
		return recordFromProps(props), nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*memory.Record), nil
}

// RecordAccess bumps access counters for retrieved memories. Best effort:
// a write failure only costs ranking signal, never a request.
func (s *Store) RecordAccess(ctx context.Context, counts map[string]int64, at time.Time) error {
	if !s.Enabled() || len(counts) == 0 {
		return nil
	}
	updates := make([]map[string]any, 0, len(counts))
	for id, n := range counts {
		if n <= 0 {
			continue
		}
		updates = append(updates, map[string]any{"id": id, "n": n})
	}
	if len(updates) == 0 {
		return nil
	}

	session := s.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
UNWIND $updates AS u
MATCH (m:Memory {id: u.id})
SET m.access_count = coalesce(m.access_count, 0) + u.n,
    m.last_accessed = $now
`, map[string]any{
			"updates": updates,
			"now":     at.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	return err
}

// Stats summarizes the graph for readiness and the backfill progress report.
type Stats struct {
	Total          int64 `json:"total"`
	WithEmbedding  int64 `json:"with_embedding"`
	MissingVectors int64 `json:"missing_vectors"`
	Superseded     int64 `json:"superseded"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if !s.Enabled() {
		return Stats{}, nil
	}
	session := s.readSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (m:Memory)
RETURN count(m) AS total,
       count(CASE WHEN m.has_embedding THEN 1 END) AS with_embedding,
       count(CASE WHEN m.valid_until IS NOT NULL THEN 1 END) AS superseded
`, nil)
		if err != nil {
			return nil, err
		}
		row, err := res.Single(ctx)
		if err != nil {
			return Stats{}, nil
		}
		var st Stats
		if v, ok := row.Get("total"); ok {
			st.Total, _ = v.(int64)
		}
		if v, ok := row.Get("with_embedding"); ok {
			st.WithEmbedding, _ = v.(int64)
		}
		if v, ok := row.Get("superseded"); ok {
			st.Superseded, _ = v.(int64)
		}
		st.MissingVectors = st.Total - st.WithEmbedding
		return st, nil
	})
	if err != nil {
		return Stats{}, err
	}
	return out.(Stats), nil
}
