package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/memtide/memtide/internal/memory"
	"github.com/memtide/memtide/internal/platform/logger"
	"github.com/memtide/memtide/internal/store"
	"github.com/memtide/memtide/internal/tokencount"
)

type fakeVectorStore struct {
	hits    []store.Hit
	err     error
	gotTopK int
	gotOpts store.SearchOptions
}

func (f *fakeVectorStore) SearchByVector(_ context.Context, _ []float32, topK int, opts store.SearchOptions) ([]store.Hit, error) {
	f.gotTopK = topK
	f.gotOpts = opts
	return f.hits, f.err
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return unitVec(1, 0), nil
}

func newService(t *testing.T, vs VectorStore, emb QueryEmbedder) *Service {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewService(vs, emb, nil, tokencount.New(), log)
}

func TestRetrievePipeline(t *testing.T) {
	now := time.Now()
	vs := &fakeVectorStore{hits: []store.Hit{
		rankedHit(t, "m-1", 0.95, 0.9, now.Add(-time.Hour), 3),
		rankedHit(t, "m-2", 0.90, 0.8, now.Add(-48*time.Hour), 0),
		rankedHit(t, "m-3", 0.85, 0.7, now.AddDate(0, 0, -200), 0),
	}}
	svc := newService(t, vs, &fakeEmbedder{})

	res, err := svc.Retrieve(context.Background(), Request{QueryText: "proxmox setup", TopK: 2})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if vs.gotTopK != 4 {
		t.Fatalf("overfetch topK = %d, want 2x requested", vs.gotTopK)
	}
	if res.Candidates != 3 || res.Returned != 2 {
		t.Fatalf("counts: %+v", res)
	}
	if res.Items[0].Record.ID != "m-1" {
		t.Fatalf("best candidate not first: %s", res.Items[0].Record.ID)
	}
	if res.TotalLatency < 0 {
		t.Fatalf("latency not measured")
	}
}

func TestRetrieveEmptyGraph(t *testing.T) {
	svc := newService(t, &fakeVectorStore{}, &fakeEmbedder{})
	res, err := svc.Retrieve(context.Background(), Request{QueryText: "anything"})
	if err != nil {
		t.Fatalf("empty graph must not error: %v", err)
	}
	if res.Returned != 0 || len(res.Items) != 0 {
		t.Fatalf("expected empty result: %+v", res)
	}
}

func TestRetrieveEmbedFailurePropagates(t *testing.T) {
	svc := newService(t, &fakeVectorStore{}, &fakeEmbedder{err: errors.New("embed down")})
	if _, err := svc.Retrieve(context.Background(), Request{QueryText: "q"}); err == nil {
		t.Fatalf("embedding failure swallowed")
	}
}

func TestRetrieveSearchFailurePropagates(t *testing.T) {
	svc := newService(t, &fakeVectorStore{err: errors.New("graph down")}, &fakeEmbedder{})
	if _, err := svc.Retrieve(context.Background(), Request{QueryText: "q"}); err == nil {
		t.Fatalf("search failure swallowed")
	}
}

func TestRetrievePassesFilters(t *testing.T) {
	vs := &fakeVectorStore{}
	svc := newService(t, vs, &fakeEmbedder{})
	_, err := svc.Retrieve(context.Background(), Request{
		QueryText:     "q",
		Types:         []memory.Type{memory.TypePreference},
		MinConfidence: 0.7,
		MinSimilarity: 0.65,
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(vs.gotOpts.Types) != 1 || vs.gotOpts.Types[0] != memory.TypePreference {
		t.Fatalf("type filter not passed: %+v", vs.gotOpts)
	}
	if vs.gotOpts.MinConfidence != 0.7 {
		t.Fatalf("confidence filter not passed: %+v", vs.gotOpts)
	}
	if vs.gotOpts.MinSimilarity != 0.65 {
		t.Fatalf("similarity filter not passed: %+v", vs.gotOpts)
	}
}

func TestRetrieveAppliesBudget(t *testing.T) {
	now := time.Now()
	vs := &fakeVectorStore{hits: []store.Hit{
		rankedHit(t, "m-1", 0.95, 0.9, now, 0),
		rankedHit(t, "m-2", 0.90, 0.8, now, 0),
	}}
	svc := newService(t, vs, &fakeEmbedder{})

	// A tiny budget keeps at most one short memory (content + overhead).
	res, err := svc.Retrieve(context.Background(), Request{
		QueryText:   "q",
		TopK:        5,
		TokenBudget: 25,
		Strategy:    HardCutoff,
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("budget not applied: %d items", len(res.Items))
	}
	if !res.Items[0].BudgetEnforced {
		t.Fatalf("budget_enforced not set")
	}
	if res.TokensUsed == 0 || res.TokensUsed > 25 {
		t.Fatalf("tokens_used = %d", res.TokensUsed)
	}
}

func TestRetrieveDedupsBeforeRanking(t *testing.T) {
	now := time.Now()
	a := rankedHit(t, "m-1", 0.95, 0.9, now, 0)
	b := rankedHit(t, "m-2", 0.90, 0.8, now, 0)
	b.Record.Content = a.Record.Content // exact duplicate
	vs := &fakeVectorStore{hits: []store.Hit{a, b}}
	svc := newService(t, vs, &fakeEmbedder{})

	res, err := svc.Retrieve(context.Background(), Request{QueryText: "q"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.AfterDedup != 1 || res.Returned != 1 {
		t.Fatalf("dedup not applied: %+v", res)
	}
	if res.DuplicateCount != 1 {
		t.Fatalf("duplicate_count = %d", res.DuplicateCount)
	}
	if res.DedupMetadata == nil || res.DedupMetadata.RemovalReasons["m-2"] != "exact_duplicate" {
		t.Fatalf("dedup_metadata = %+v", res.DedupMetadata)
	}
}
