package retrieval

import (
	"context"
	"time"

	"github.com/memtide/memtide/internal/memory"
	"github.com/memtide/memtide/internal/platform/logger"
	"github.com/memtide/memtide/internal/store"
	"github.com/memtide/memtide/internal/tokencount"
)

const (
	defaultTopK = 5
	// overfetchFactor widens the vector search so dedup and filters still
	// leave enough candidates.
	overfetchFactor = 2
)

// VectorStore is the graph-side search surface the service needs.
type VectorStore interface {
	SearchByVector(ctx context.Context, vec []float32, topK int, opts store.SearchOptions) ([]store.Hit, error)
}

// QueryEmbedder turns query text into a vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Request describes one retrieval.
type Request struct {
	QueryText     string
	TopK          int
	Types         []memory.Type
	MinConfidence float64
	// MinSimilarity drops candidates whose vector score falls under it.
	MinSimilarity float64
	// TokenBudget of 0 disables budget enforcement entirely.
	TokenBudget int
	Strategy    Strategy
}

// ResultItem is one retrieved memory with its ranking factors exposed.
type ResultItem struct {
	Record         *memory.Record `json:"record"`
	Similarity     float64        `json:"similarity"`
	RelevanceScore float64        `json:"relevance_score"`
	TokenCount     int            `json:"token_count,omitempty"`
	BudgetEnforced bool           `json:"budget_enforced,omitempty"`
	Truncated      bool           `json:"truncated,omitempty"`
}

// Result carries the items plus the timings and counts logged per request.
type Result struct {
	Items []ResultItem `json:"items"`

	Candidates int `json:"candidates"`
	AfterDedup int `json:"after_dedup"`
	Returned   int `json:"returned"`
	TokensUsed int `json:"tokens_used,omitempty"`

	SupersededCount int         `json:"superseded_count"`
	DuplicateCount  int         `json:"duplicate_count"`
	SimilarCount    int         `json:"similar_count"`
	DedupMetadata   *DedupStats `json:"dedup_metadata,omitempty"`

	EmbedLatency  time.Duration `json:"-"`
	SearchLatency time.Duration `json:"-"`
	TotalLatency  time.Duration `json:"-"`
}

// Service runs the retrieval pipeline: embed, search, dedup, rank, budget.
type Service struct {
	store    VectorStore
	embedder QueryEmbedder
	tracker  *AccessTracker
	counter  *tokencount.Counter
	log      *logger.Logger

	now func() time.Time
}

func NewService(vs VectorStore, embedder QueryEmbedder, tracker *AccessTracker, counter *tokencount.Counter, log *logger.Logger) *Service {
	return &Service{
		store:    vs,
		embedder: embedder,
		tracker:  tracker,
		counter:  counter,
		log:      log,
		now:      time.Now,
	}
}

// Retrieve runs one query through the pipeline. An empty graph yields an
// empty result, not an error.
func (s *Service) Retrieve(ctx context.Context, req Request) (*Result, error) {
	start := s.now()
	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	res := &Result{}

	embedStart := s.now()
	vec, err := s.embedder.Embed(ctx, req.QueryText)
	if err != nil {
		return nil, err
	}
	res.EmbedLatency = s.now().Sub(embedStart)

	searchStart := s.now()
	hits, err := s.store.SearchByVector(ctx, vec, topK*overfetchFactor, store.SearchOptions{
		Types:         req.Types,
		MinConfidence: req.MinConfidence,
		MinSimilarity: req.MinSimilarity,
	})
	if err != nil {
		return nil, err
	}
	res.SearchLatency = s.now().Sub(searchStart)
	res.Candidates = len(hits)

	if len(hits) > 0 {
		var stats DedupStats
		hits, stats, err = Dedup(hits)
		if err != nil {
			return nil, err
		}
		res.SupersededCount = stats.SupersededCount
		res.DuplicateCount = stats.DuplicateCount
		res.SimilarCount = stats.SimilarCount
		if len(stats.RemovedMemoryIDs) > 0 {
			res.DedupMetadata = &stats
		}
	}
	res.AfterDedup = len(hits)

	ranked := Rank(hits, s.now())
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	for _, r := range ranked {
		res.Items = append(res.Items, ResultItem{
			Record:         r.Hit.Record,
			Similarity:     r.SimilarityScore,
			RelevanceScore: r.Score,
		})
	}

	if req.TokenBudget > 0 && len(res.Items) > 0 {
		s.applyBudget(res, req)
	}
	res.Returned = len(res.Items)

	if s.tracker != nil && len(res.Items) > 0 {
		ids := make([]string, 0, len(res.Items))
		for _, it := range res.Items {
			ids = append(ids, it.Record.ID)
		}
		s.tracker.Track(ctx, ids)
	}

	res.TotalLatency = s.now().Sub(start)
	s.log.Info("memories retrieved",
		"candidates", res.Candidates,
		"after_dedup", res.AfterDedup,
		"duplicates", res.DuplicateCount,
		"similar", res.SimilarCount,
		"superseded", res.SupersededCount,
		"returned", res.Returned,
		"embed_ms", res.EmbedLatency.Milliseconds(),
		"search_ms", res.SearchLatency.Milliseconds(),
		"total_ms", res.TotalLatency.Milliseconds(),
	)
	return res, nil
}

func (s *Service) applyBudget(res *Result, req Request) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = HardCutoff
	}
	items := make([]Item, 0, len(res.Items))
	for _, it := range res.Items {
		items = append(items, Item{
			Content:        it.Record.Content,
			RelevanceScore: it.RelevanceScore,
		})
	}
	budgeted := ApplyBudget(s.counter, items, req.TokenBudget, strategy)

	kept := res.Items[:0]
	for _, bi := range budgeted.Items {
		it := res.Items[bi.Pos()]
		it.TokenCount = bi.TokenCount
		it.BudgetEnforced = true
		if bi.Content != it.Record.Content {
			// Budget-trimmed view; the stored record is untouched.
			trimmed := *it.Record
			trimmed.Content = bi.Content
			it.Record = &trimmed
			it.Truncated = true
		}
		kept = append(kept, it)
	}
	res.Items = kept
	res.TokensUsed = budgeted.TokensUsed
}
