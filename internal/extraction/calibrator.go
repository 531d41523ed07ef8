package extraction

import (
	"strings"

	"github.com/memtide/memtide/internal/memory"
)

// Calibration adjustments applied on top of the model's base confidence.
const (
	correctionConfidence = 0.80
	explicitBonus        = 0.10
	mentionBonus         = 0.05
	mentionBonusCap      = 0.20
	contradictionPenalty = 0.30
)

// Calibrate turns a model-reported base confidence into the final score.
// Corrections get a fixed score; everything else is the base plus bonuses for
// explicit first-person phrasing and repeated mentions, minus a penalty when
// the extractor flagged a contradiction, clamped to [0, 1].
func Calibrate(t memory.Type, base float64, md memory.Metadata) float64 {
	if t == memory.TypeCorrection {
		return correctionConfidence
	}
	score := base
	if md.Explicit {
		score += explicitBonus
	}
	if md.MentionCount > 1 {
		bonus := mentionBonus * float64(md.MentionCount-1)
		if bonus > mentionBonusCap {
			bonus = mentionBonusCap
		}
		score += bonus
	}
	if md.Contradicts {
		score -= contradictionPenalty
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

var explicitMarkers = []string{
	"i prefer", "i like", "i use", "i am", "i'm", "i have", "i've",
	"my setup", "my name", "my preference", "i always", "i never", "i work",
}

// isExplicit detects first-person statements when the model did not label
// the candidate itself.
func isExplicit(content string) bool {
	lc := strings.ToLower(content)
	for _, m := range explicitMarkers {
		if strings.Contains(lc, m) {
			return true
		}
	}
	return false
}

var stopwords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "being": {}, "below": {},
	"between": {}, "could": {}, "doing": {}, "during": {}, "every": {},
	"should": {}, "their": {}, "there": {}, "these": {}, "thing": {},
	"think": {}, "those": {}, "through": {}, "under": {}, "until": {},
	"using": {}, "where": {}, "which": {}, "while": {}, "would": {},
	"really": {}, "please": {}, "thanks": {}, "because": {},
}

// keywords extracts the significant terms of a memory: lowercase words longer
// than four characters that are not stopwords.
func keywords(content string) []string {
	fields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, w := range fields {
		if len(w) <= 4 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// countMentions counts user messages that share at least one keyword with
// the memory content. A memory with no keywords counts as one mention.
func countMentions(content string, messages []memory.Message) int {
	kws := keywords(content)
	if len(kws) == 0 {
		return 1
	}
	count := 0
	for _, m := range messages {
		if m.Role != memory.RoleUser {
			continue
		}
		lc := strings.ToLower(m.Content)
		for _, kw := range kws {
			if strings.Contains(lc, kw) {
				count++
				break
			}
		}
	}
	if count < 1 {
		count = 1
	}
	return count
}
