package retrieval

import (
	"github.com/memtide/memtide/internal/tokencount"
)

// Strategy selects how the budget manager handles overflow.
type Strategy string

const (
	// HardCutoff keeps whole items in rank order and drops the rest once
	// the next item would overflow.
	HardCutoff Strategy = "HARD_CUTOFF"
	// Truncate gives every item a proportional share of the budget and
	// shortens content to fit its share.
	Truncate Strategy = "TRUNCATE"
)

const (
	// perMemoryOverhead covers the formatting around one injected memory
	// (bullet, type tag, separators) on top of its content tokens.
	perMemoryOverhead = 20
	// safetyBuffer is held back from large budgets so prompt assembly
	// never lands exactly on the model limit. Small budgets skip it; a
	// 60-token budget minus 50 would be useless.
	safetyBuffer          = 50
	safetyBufferThreshold = 100

	// minTruncatedTokens is the floor a truncated item may shrink to
	// before the overall budget forces it lower.
	minTruncatedTokens = 50
)

// Item is one budget candidate. TokenCount is filled from the counter when
// zero.
type Item struct {
	Content        string  `json:"content"`
	RelevanceScore float64 `json:"relevance_score"`
	TokenCount     int     `json:"token_count"`
	BudgetEnforced bool    `json:"budget_enforced"`

	// pos is the item's index in the input, so callers can map survivors
	// back after drops.
	pos int
}

// BudgetResult reports what survived and what it cost.
type BudgetResult struct {
	Items      []Item `json:"items"`
	TokensUsed int    `json:"tokens_used"`
	Dropped    int    `json:"dropped"`
	Truncated  int    `json:"truncated"`
}

// ApplyBudget fits ranked items into a token budget, preserving order.
// A zero or negative budget yields nothing.
func ApplyBudget(counter *tokencount.Counter, items []Item, budget int, strategy Strategy) BudgetResult {
	var res BudgetResult
	if budget <= 0 || len(items) == 0 {
		res.Dropped = len(items)
		return res
	}

	effective := budget
	if budget >= safetyBufferThreshold {
		effective = budget - safetyBuffer
	}

	sized := make([]Item, len(items))
	copy(sized, items)
	for i := range sized {
		if sized[i].TokenCount <= 0 {
			sized[i].TokenCount = counter.Count(sized[i].Content) + perMemoryOverhead
		}
		sized[i].BudgetEnforced = true
		sized[i].pos = i
	}

	if strategy == Truncate {
		return truncateProportionally(counter, sized, effective)
	}
	return hardCutoff(sized, effective)
}

func hardCutoff(items []Item, effective int) BudgetResult {
	var res BudgetResult
	used := 0
	for i, it := range items {
		if used+it.TokenCount > effective {
			res.Dropped = len(items) - i
			break
		}
		res.Items = append(res.Items, it)
		used += it.TokenCount
	}
	res.TokensUsed = used
	return res
}

// truncateProportionally allocates the budget by relevance share, enforcing
// a per-item minimum that scales down when the budget cannot cover it.
func truncateProportionally(counter *tokencount.Counter, items []Item, effective int) BudgetResult {
	var res BudgetResult

	total := 0
	for _, it := range items {
		total += it.TokenCount
	}
	if total <= effective {
		res.Items = items
		res.TokensUsed = total
		return res
	}

	var scoreSum float64
	for _, it := range items {
		if it.RelevanceScore > 0 {
			scoreSum += it.RelevanceScore
		}
	}

	minTokens := minTruncatedTokens
	if perItem := effective / len(items); perItem < minTokens {
		minTokens = perItem
	}

	used := 0
	for _, it := range items {
		share := effective / len(items)
		if scoreSum > 0 && it.RelevanceScore > 0 {
			share = int(float64(effective) * (it.RelevanceScore / scoreSum))
		}
		if share < minTokens {
			share = minTokens
		}
		if share > effective-used {
			share = effective - used
		}
		if share <= 0 {
			res.Dropped++
			continue
		}
		if it.TokenCount <= share {
			res.Items = append(res.Items, it)
			used += it.TokenCount
			continue
		}
		cut, tokens := truncateToTokens(counter, it.Content, share-perMemoryOverhead)
		if cut == "" {
			res.Dropped++
			continue
		}
		it.Content = cut
		it.TokenCount = tokens + perMemoryOverhead
		res.Items = append(res.Items, it)
		res.Truncated++
		used += it.TokenCount
	}
	res.TokensUsed = used
	return res
}

// Pos returns the item's index in the original ApplyBudget input.
func (it Item) Pos() int { return it.pos }

// truncateToTokens binary-searches the longest prefix of text whose token
// count fits maxTokens, returning the prefix and its count.
func truncateToTokens(counter *tokencount.Counter, text string, maxTokens int) (string, int) {
	if maxTokens <= 0 {
		return "", 0
	}
	if n := counter.Count(text); n <= maxTokens {
		return text, n
	}
	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.Count(text[:mid]) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return "", 0
	}
	cut := text[:lo]
	return cut, counter.Count(cut)
}
