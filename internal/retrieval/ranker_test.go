package retrieval

import (
	"math"
	"testing"
	"time"

	"github.com/memtide/memtide/internal/memory"
	"github.com/memtide/memtide/internal/store"
)

func rankedHit(t *testing.T, id string, sim, conf float64, learnedAt time.Time, accessCount int64) store.Hit {
	t.Helper()
	rec, err := memory.NewRecord(memory.TypePreference, "content "+id, conf, "conv-1", learnedAt)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	rec.ID = id
	rec.AccessCount = accessCount
	return store.Hit{Record: rec, Similarity: sim}
}

func TestRankWeights(t *testing.T) {
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	h := rankedHit(t, "m-1", 1.0, 1.0, now, 0)

	out := Rank([]store.Hit{h}, now)
	if len(out) != 1 {
		t.Fatalf("ranked = %d", len(out))
	}
	// sim 1.0, recency 1.0 (learned now), confidence 1.0, frequency 0.
	want := 0.40 + 0.25 + 0.20
	if math.Abs(out[0].Score-want) > 1e-9 {
		t.Fatalf("score = %v, want %v", out[0].Score, want)
	}
}

// Confidence carries more weight than recency: a fully trusted memory one
// half-life old must outrank a half-trusted memory learned just now.
func TestRankConfidenceOutweighsRecency(t *testing.T) {
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	halfLife := time.Duration(recencyHalfLifeDays * 24 * float64(time.Hour))

	trusted := rankedHit(t, "m-trusted", 0.5, 1.0, now.Add(-halfLife), 0)
	fresh := rankedHit(t, "m-fresh", 0.5, 0.5, now, 0)

	out := Rank([]store.Hit{fresh, trusted}, now)
	if out[0].Hit.Record.ID != "m-trusted" {
		t.Fatalf("confidence should outweigh recency: %s first (%v vs %v)",
			out[0].Hit.Record.ID, out[0].Score, out[1].Score)
	}
	// sim .5*.40 + conf 1.0*.25 + rec .5*.20 = 0.550 vs .20 + .125 + .20 = 0.525.
	if math.Abs(out[0].Score-0.550) > 0.001 || math.Abs(out[1].Score-0.525) > 0.001 {
		t.Fatalf("scores = %v, %v", out[0].Score, out[1].Score)
	}
}

func TestRankWithCustomWeights(t *testing.T) {
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	similar := rankedHit(t, "m-similar", 0.95, 0.5, now.AddDate(0, 0, -90), 0)
	trusted := rankedHit(t, "m-trusted", 0.5, 0.95, now.AddDate(0, 0, -90), 0)

	def, err := RankWithWeights([]store.Hit{similar, trusted}, now, DefaultWeights())
	if err != nil {
		t.Fatalf("RankWithWeights: %v", err)
	}
	if def[0].Hit.Record.ID != "m-similar" {
		t.Fatalf("default weights: %s first", def[0].Hit.Record.ID)
	}

	confOnly := Weights{Confidence: 1.0}
	out, err := RankWithWeights([]store.Hit{similar, trusted}, now, confOnly)
	if err != nil {
		t.Fatalf("RankWithWeights: %v", err)
	}
	if out[0].Hit.Record.ID != "m-trusted" {
		t.Fatalf("confidence-only weights: %s first", out[0].Hit.Record.ID)
	}
}

func TestRankWithWeightsValidation(t *testing.T) {
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	h := rankedHit(t, "m-1", 0.8, 0.8, now, 0)

	if _, err := RankWithWeights([]store.Hit{h}, now, Weights{Similarity: -0.1, Confidence: 0.5}); err == nil {
		t.Fatal("negative weight accepted")
	}
	if _, err := RankWithWeights([]store.Hit{h}, now, Weights{}); err == nil {
		t.Fatal("all-zero weights accepted")
	}
}

func TestRankRecencyHalfLife(t *testing.T) {
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

	recent := rankedHit(t, "m-recent", 0.8, 0.8, now.Add(-time.Hour), 0)
	old := rankedHit(t, "m-old", 0.8, 0.8, now.AddDate(0, 0, -180), 0)

	out := Rank([]store.Hit{old, recent}, now)
	if out[0].Hit.Record.ID != "m-recent" {
		t.Fatalf("recent record not ranked first: %s", out[0].Hit.Record.ID)
	}
	if out[0].RecencyScore < 0.99 {
		t.Fatalf("1-hour-old recency = %v, want ~1.0", out[0].RecencyScore)
	}
	if out[1].RecencyScore >= 0.1 {
		t.Fatalf("180-day-old recency = %v, want < 0.1", out[1].RecencyScore)
	}
	// One half-life of age scores exactly 0.5.
	halfLife := time.Duration(recencyHalfLifeDays * 24 * float64(time.Hour))
	half := recencyScore(now.Add(-halfLife), now)
	if math.Abs(half-0.5) > 0.001 {
		t.Fatalf("half-life recency = %v, want 0.5", half)
	}
}

func TestRankFrequencySaturates(t *testing.T) {
	if got := frequencyScore(0); got != 0 {
		t.Fatalf("zero accesses = %v", got)
	}
	low := frequencyScore(1)
	mid := frequencyScore(10)
	high := frequencyScore(10000)
	if !(low < mid && mid < high) {
		t.Fatalf("frequency not monotone: %v %v %v", low, mid, high)
	}
	if high >= 1.0 {
		t.Fatalf("frequency must stay under 1.0, got %v", high)
	}
	// log(1+n)/log(1+n+10) for n=10: log(11)/log(21).
	want := math.Log(11) / math.Log(21)
	if math.Abs(mid-want) > 1e-9 {
		t.Fatalf("frequency(10) = %v, want %v", mid, want)
	}
}

func TestRankDeterministic(t *testing.T) {
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	hits := []store.Hit{
		rankedHit(t, "m-1", 0.9, 0.7, now.AddDate(0, 0, -10), 5),
		rankedHit(t, "m-2", 0.7, 0.9, now.AddDate(0, 0, -1), 50),
		rankedHit(t, "m-3", 0.8, 0.8, now.AddDate(0, 0, -100), 0),
	}
	first := Rank(hits, now)
	for i := 0; i < 10; i++ {
		again := Rank(hits, now)
		for j := range first {
			if first[j].Hit.Record.ID != again[j].Hit.Record.ID || first[j].Score != again[j].Score {
				t.Fatalf("ranking not deterministic at %d", j)
			}
		}
	}
}

func TestRankTieBreaksByID(t *testing.T) {
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	a := rankedHit(t, "m-b", 0.8, 0.8, now, 0)
	b := rankedHit(t, "m-a", 0.8, 0.8, now, 0)
	out := Rank([]store.Hit{a, b}, now)
	if out[0].Hit.Record.ID != "m-a" {
		t.Fatalf("tie not broken by id: %s first", out[0].Hit.Record.ID)
	}
}

func TestRecencyFutureTimestampClamps(t *testing.T) {
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	if got := recencyScore(now.Add(time.Hour), now); got != 1.0 {
		t.Fatalf("future learned_at = %v, want clamp to 1.0", got)
	}
	if got := recencyScore(time.Time{}, now); got != 1.0 {
		t.Fatalf("zero learned_at = %v, want 1.0", got)
	}
}
