package retrieval

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/memtide/memtide/internal/platform/apierr"
	"github.com/memtide/memtide/internal/store"
)

// recencyHalfLifeDays halves a memory's recency score roughly every six
// weeks.
const recencyHalfLifeDays = 43.3

// Weights blends the four ranking factors. All components must be
// non-negative and at least one must be positive.
type Weights struct {
	Similarity float64
	Confidence float64
	Recency    float64
	Frequency  float64
}

// DefaultWeights lets similarity dominate; confidence, recency and access
// frequency break near-ties between equally relevant memories.
func DefaultWeights() Weights {
	return Weights{Similarity: 0.40, Confidence: 0.25, Recency: 0.20, Frequency: 0.15}
}

func (w Weights) validate() error {
	if w.Similarity < 0 || w.Confidence < 0 || w.Recency < 0 || w.Frequency < 0 {
		return fmt.Errorf("%w: ranking weights must be non-negative", apierr.ErrInvalidArgument)
	}
	if w.Similarity+w.Confidence+w.Recency+w.Frequency == 0 {
		return fmt.Errorf("%w: ranking weights sum to zero", apierr.ErrInvalidArgument)
	}
	return nil
}

// Ranked is a candidate with its composite score and the factors behind it.
type Ranked struct {
	Hit   store.Hit
	Score float64

	SimilarityScore float64
	RecencyScore    float64
	ConfidenceScore float64
	FrequencyScore  float64
}

// Rank scores and orders candidates with the default weights, best first.
func Rank(hits []store.Hit, now time.Time) []Ranked {
	out, _ := RankWithWeights(hits, now, DefaultWeights())
	return out
}

// RankWithWeights scores and orders candidates with caller-supplied weights.
// Ties break by memory id so the ordering is stable across calls.
func RankWithWeights(hits []store.Hit, now time.Time, w Weights) ([]Ranked, error) {
	if err := w.validate(); err != nil {
		return nil, err
	}
	out := make([]Ranked, 0, len(hits))
	for _, h := range hits {
		r := Ranked{
			Hit:             h,
			SimilarityScore: clamp01(h.Similarity),
			RecencyScore:    recencyScore(h.Record.LearnedAt, now),
			ConfidenceScore: clamp01(h.Record.Confidence),
			FrequencyScore:  frequencyScore(h.Record.AccessCount),
		}
		r.Score = w.Similarity*r.SimilarityScore +
			w.Confidence*r.ConfidenceScore +
			w.Recency*r.RecencyScore +
			w.Frequency*r.FrequencyScore
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Hit.Record.ID < out[j].Hit.Record.ID
	})
	return out, nil
}

// recencyScore decays exponentially with age. A memory learned now scores
// 1.0; one learned a half-life ago scores 0.5.
func recencyScore(learnedAt, now time.Time) float64 {
	if learnedAt.IsZero() || !learnedAt.Before(now) {
		return 1.0
	}
	ageDays := now.Sub(learnedAt).Hours() / 24
	return math.Pow(0.5, ageDays/recencyHalfLifeDays)
}

// frequencyScore saturates logarithmically so heavy hitters cannot drown
// out relevance.
func frequencyScore(accessCount int64) float64 {
	if accessCount <= 0 {
		return 0
	}
	n := float64(accessCount)
	return math.Log(1+n) / math.Log(1+n+10)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
