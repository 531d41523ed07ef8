package retrieval

import (
	"errors"
	"testing"
	"time"

	"github.com/memtide/memtide/internal/memory"
	"github.com/memtide/memtide/internal/platform/apierr"
	"github.com/memtide/memtide/internal/store"
)

// unitVec builds an embedding along two axes so cosine similarity between
// test vectors is easy to reason about.
func unitVec(x, y float64) []float32 {
	v := make([]float32, memory.EmbeddingDim)
	v[0] = float32(x)
	v[1] = float32(y)
	return v
}

func hit(t *testing.T, id, content string, conf float64, vec []float32) store.Hit {
	t.Helper()
	rec, err := memory.NewRecord(memory.TypePreference, content, conf, "conv-1", time.Now())
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	rec.ID = id
	if vec != nil {
		rec.Embedding = vec
		rec.HasEmbedding = true
	}
	return store.Hit{Record: rec, Similarity: 0.9}
}

func ids(hits []store.Hit) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Record.ID)
	}
	return out
}

func TestDedupEmptyInputIsError(t *testing.T) {
	if _, _, err := Dedup(nil); !errors.Is(err, apierr.ErrInvalidArgument) {
		t.Fatalf("want ErrInvalidArgument, got %v", err)
	}
}

func TestDedupSupersededDropped(t *testing.T) {
	old := hit(t, "m-old", "Uses Apache", 0.7, unitVec(1, 0))
	corr := hit(t, "m-new", "Actually uses nginx", 0.8, unitVec(0, 1))
	corr.Record.Type = memory.TypeCorrection
	corr.Record.Supersedes = "m-old"

	out, _, err := Dedup([]store.Hit{old, corr})
	if err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	if len(out) != 1 || out[0].Record.ID != "m-new" {
		t.Fatalf("superseded record survived: %v", ids(out))
	}
}

func TestDedupInvalidatedDropped(t *testing.T) {
	stale := hit(t, "m-stale", "Old fact", 0.7, unitVec(1, 0))
	until := time.Now().Add(-time.Hour)
	stale.Record.ValidUntil = &until
	live := hit(t, "m-live", "Current fact", 0.7, unitVec(0, 1))

	out, _, err := Dedup([]store.Hit{stale, live})
	if err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	if len(out) != 1 || out[0].Record.ID != "m-live" {
		t.Fatalf("invalidated record survived: %v", ids(out))
	}
}

func TestDedupExactDuplicates(t *testing.T) {
	a := hit(t, "m-a", "Prefers dark mode", 0.8, unitVec(1, 0))
	b := hit(t, "m-b", "prefers  dark MODE", 0.7, unitVec(0, 1)) // same after normalization
	c := hit(t, "m-c", "Something else entirely", 0.7, unitVec(1, 0))

	out, _, err := Dedup([]store.Hit{a, b, c})
	if err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	// b collapses into a by content; c shares a's vector (sim 1.0) and goes too.
	if len(out) != 1 || out[0].Record.ID != "m-a" {
		t.Fatalf("exact duplicates survived: %v", ids(out))
	}
}

func TestDedupExactKeepsHigherConfidence(t *testing.T) {
	// Identical embeddings, lower-confidence record first in the input.
	low := hit(t, "m-low", "Runs Kubernetes at home", 0.6, unitVec(1, 0))
	high := hit(t, "m-high", "Operates a home Kubernetes cluster", 0.9, unitVec(1, 0))

	out, stats, err := Dedup([]store.Hit{low, high})
	if err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	if len(out) != 1 || out[0].Record.ID != "m-high" {
		t.Fatalf("exact pass kept first-seen over higher confidence: %v", ids(out))
	}
	if stats.RemovalReasons["m-low"] != "exact_duplicate" {
		t.Fatalf("removal reasons = %v", stats.RemovalReasons)
	}
}

func TestDedupStats(t *testing.T) {
	old := hit(t, "m-old", "Uses Apache", 0.7, unitVec(1, 0))
	corr := hit(t, "m-corr", "Actually uses nginx", 0.8, unitVec(0, 1))
	corr.Record.Type = memory.TypeCorrection
	corr.Record.Supersedes = "m-old"
	dupA := hit(t, "m-dup-a", "Prefers dark mode", 0.8, unitVec(1, 0))
	dupB := hit(t, "m-dup-b", "prefers dark mode", 0.7, unitVec(0, -1))
	nearA := hit(t, "m-near-a", "Runs Proxmox", 0.9, unitVec(0.7071, 0.7071))
	nearB := hit(t, "m-near-b", "Runs a Proxmox box", 0.6, unitVec(0.766, 0.6428)) // ~0.98 vs m-near-a

	out, stats, err := Dedup([]store.Hit{old, corr, dupA, dupB, nearA, nearB})
	if err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("survivors = %v", ids(out))
	}
	if stats.SupersededCount != 1 || stats.DuplicateCount != 1 || stats.SimilarCount != 1 {
		t.Fatalf("counts = %+v", stats)
	}
	want := map[string]string{
		"m-old":    "superseded",
		"m-dup-b":  "exact_duplicate",
		"m-near-b": "semantic_duplicate",
	}
	if len(stats.RemovedMemoryIDs) != 3 {
		t.Fatalf("removed ids = %v", stats.RemovedMemoryIDs)
	}
	for id, reason := range want {
		if stats.RemovalReasons[id] != reason {
			t.Fatalf("reason[%s] = %q, want %q", id, stats.RemovalReasons[id], reason)
		}
	}
}

func TestDedupSemanticKeepsHigherConfidence(t *testing.T) {
	// cos(0°, 20°) ≈ 0.94: inside the semantic band.
	lower := hit(t, "m-lo", "Runs Proxmox on one node", 0.6, unitVec(1, 0))
	higher := hit(t, "m-hi", "Runs a Proxmox host at home", 0.9, unitVec(0.9397, 0.3420))

	out, _, err := Dedup([]store.Hit{lower, higher})
	if err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	if len(out) != 1 || out[0].Record.ID != "m-hi" {
		t.Fatalf("lower-confidence near-duplicate won: %v", ids(out))
	}
}

func TestDedupSemanticTieKeepsEarlier(t *testing.T) {
	first := hit(t, "m-1", "Likes Go for backend work", 0.8, unitVec(1, 0))
	second := hit(t, "m-2", "Enjoys writing Go services", 0.8, unitVec(0.9397, 0.3420))

	out, _, err := Dedup([]store.Hit{first, second})
	if err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	if len(out) != 1 || out[0].Record.ID != "m-1" {
		t.Fatalf("tie should keep the earlier entry: %v", ids(out))
	}
}

func TestDedupBelowBandKeepsBoth(t *testing.T) {
	// cos(0°, 45°) ≈ 0.707: related but distinct memories.
	a := hit(t, "m-a", "Prefers tabs", 0.8, unitVec(1, 0))
	b := hit(t, "m-b", "Prefers small commits", 0.8, unitVec(0.7071, 0.7071))

	out, _, err := Dedup([]store.Hit{a, b})
	if err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("distinct memories collapsed: %v", ids(out))
	}
}

func TestDedupIdempotent(t *testing.T) {
	in := []store.Hit{
		hit(t, "m-1", "Prefers dark mode", 0.8, unitVec(1, 0)),
		hit(t, "m-2", "prefers dark mode", 0.7, unitVec(0, 1)),
		hit(t, "m-3", "Runs Proxmox", 0.9, unitVec(0.7071, 0.7071)),
		hit(t, "m-4", "Runs a Proxmox box", 0.6, unitVec(0.766, 0.6428)), // ~0.98 vs m-3
	}
	once, _, err := Dedup(in)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	twice, _, err := Dedup(once)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(once) != len(twice) {
		t.Fatalf("not idempotent: %v vs %v", ids(once), ids(twice))
	}
	for i := range once {
		if once[i].Record.ID != twice[i].Record.ID {
			t.Fatalf("not idempotent at %d: %v vs %v", i, ids(once), ids(twice))
		}
	}
}

func TestCosine(t *testing.T) {
	if got := cosine(unitVec(1, 0), unitVec(1, 0)); got < 0.9999 {
		t.Fatalf("identical vectors = %v", got)
	}
	if got := cosine(unitVec(1, 0), unitVec(0, 1)); got != 0 {
		t.Fatalf("orthogonal vectors = %v", got)
	}
	if got := cosine(nil, unitVec(1, 0)); got != 0 {
		t.Fatalf("empty vector = %v", got)
	}
	if got := cosine(unitVec(1, 0), make([]float32, 3)); got != 0 {
		t.Fatalf("mismatched lengths = %v", got)
	}
}
