package retrieval

import (
	"strings"

	"github.com/memtide/memtide/internal/platform/apierr"
	"github.com/memtide/memtide/internal/store"
)

// Similarity bands for duplicate collapsing. At or above exact the pair is
// the same memory; inside the semantic band the lower-value entry goes.
const (
	exactDupThreshold    = 0.999
	semanticDupThreshold = 0.92
)

// Removal reasons recorded per dropped memory.
const (
	reasonSuperseded = "superseded"
	reasonDuplicate  = "exact_duplicate"
	reasonSimilar    = "semantic_duplicate"
)

// DedupStats reports what each pass removed.
type DedupStats struct {
	SupersededCount int `json:"superseded_count"`
	DuplicateCount  int `json:"duplicate_count"`
	SimilarCount    int `json:"similar_count"`

	RemovedMemoryIDs []string          `json:"removed_memory_ids,omitempty"`
	RemovalReasons   map[string]string `json:"removal_reasons,omitempty"`
}

func (st *DedupStats) removed(id, reason string) {
	if st.RemovalReasons == nil {
		st.RemovalReasons = make(map[string]string)
	}
	st.RemovedMemoryIDs = append(st.RemovedMemoryIDs, id)
	st.RemovalReasons[id] = reason
	switch reason {
	case reasonSuperseded:
		st.SupersededCount++
	case reasonDuplicate:
		st.DuplicateCount++
	case reasonSimilar:
		st.SimilarCount++
	}
}

// Dedup collapses a candidate list in three passes: supersession chains
// first, then exact duplicates, then near-duplicates. The operation is
// idempotent; running it on its own output changes nothing. An empty input
// is an invalid call, not an empty result.
func Dedup(hits []store.Hit) ([]store.Hit, DedupStats, error) {
	var stats DedupStats
	if len(hits) == 0 {
		return nil, stats, apierr.ErrInvalidArgument
	}

	out := dropSuperseded(hits, &stats)
	out = dropExactDuplicates(out, &stats)
	out = dropSemanticDuplicates(out, &stats)
	return out, stats, nil
}

// dropSuperseded removes any candidate that another candidate in the same
// set supersedes, and anything already marked invalid.
func dropSuperseded(hits []store.Hit, stats *DedupStats) []store.Hit {
	superseded := make(map[string]struct{})
	for _, h := range hits {
		if h.Record.Supersedes != "" {
			superseded[h.Record.Supersedes] = struct{}{}
		}
	}
	out := make([]store.Hit, 0, len(hits))
	for _, h := range hits {
		if _, gone := superseded[h.Record.ID]; gone {
			stats.removed(h.Record.ID, reasonSuperseded)
			continue
		}
		if !h.Record.CurrentlyValid() {
			stats.removed(h.Record.ID, reasonSuperseded)
			continue
		}
		out = append(out, h)
	}
	return out
}

// dropExactDuplicates collapses each equivalence class to its highest
// confidence member; on a tie the one earlier in the list survives.
func dropExactDuplicates(hits []store.Hit, stats *DedupStats) []store.Hit {
	out := make([]store.Hit, 0, len(hits))
	for _, h := range hits {
		merged := false
		for i, kept := range out {
			if !sameMemory(kept, h) {
				continue
			}
			if h.Record.Confidence > kept.Record.Confidence {
				stats.removed(kept.Record.ID, reasonDuplicate)
				out[i] = h
			} else {
				stats.removed(h.Record.ID, reasonDuplicate)
			}
			merged = true
			break
		}
		if !merged {
			out = append(out, h)
		}
	}
	return out
}

func sameMemory(a, b store.Hit) bool {
	if normalize(a.Record.Content) == normalize(b.Record.Content) {
		return true
	}
	if len(a.Record.Embedding) == 0 || len(b.Record.Embedding) == 0 {
		return false
	}
	return cosine(a.Record.Embedding, b.Record.Embedding) >= exactDupThreshold
}

// dropSemanticDuplicates removes near-duplicates, keeping the higher
// confidence entry; on a tie the one earlier in the list survives.
func dropSemanticDuplicates(hits []store.Hit, stats *DedupStats) []store.Hit {
	drop := make(map[int]struct{})
	for i := 0; i < len(hits); i++ {
		if _, gone := drop[i]; gone {
			continue
		}
		for j := i + 1; j < len(hits); j++ {
			if _, gone := drop[j]; gone {
				continue
			}
			a, b := hits[i], hits[j]
			if len(a.Record.Embedding) == 0 || len(b.Record.Embedding) == 0 {
				continue
			}
			sim := cosine(a.Record.Embedding, b.Record.Embedding)
			if sim <= semanticDupThreshold || sim >= exactDupThreshold {
				continue
			}
			if b.Record.Confidence > a.Record.Confidence {
				drop[i] = struct{}{}
				break
			}
			drop[j] = struct{}{}
		}
	}
	out := make([]store.Hit, 0, len(hits))
	for i, h := range hits {
		if _, gone := drop[i]; gone {
			stats.removed(h.Record.ID, reasonSimilar)
			continue
		}
		out = append(out, h)
	}
	return out
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
