package tokencount

import (
	"container/list"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const cacheSize = 4096

// Counter estimates token counts for budget decisions. It prefers a real
// tokenizer and falls back to a 4-characters-per-token heuristic when the
// encoding cannot be loaded (offline environments without the BPE data).
type Counter struct {
	enc *tiktoken.Tiktoken

	mu    sync.Mutex
	cache map[string]*list.Element
	order *list.List
}

type cacheEntry struct {
	text   string
	tokens int
}

// New loads the cl100k_base encoding; the heuristic fallback engages when
// loading fails.
func New() *Counter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &Counter{
		enc:   enc,
		cache: make(map[string]*list.Element, cacheSize),
		order: list.New(),
	}
}

// Exact reports whether a real tokenizer backs the counts.
func (c *Counter) Exact() bool { return c.enc != nil }

// Count returns the token count of text. Results are memoized with an LRU
// keyed by the full text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}

	c.mu.Lock()
	if el, ok := c.cache[text]; ok {
		c.order.MoveToFront(el)
		n := el.Value.(*cacheEntry).tokens
		c.mu.Unlock()
		return n
	}
	c.mu.Unlock()

	n := c.countUncached(text)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache[text]; !ok {
		el := c.order.PushFront(&cacheEntry{text: text, tokens: n})
		c.cache[text] = el
		if c.order.Len() > cacheSize {
			oldest := c.order.Back()
			c.order.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).text)
		}
	}
	return n
}

func (c *Counter) countUncached(text string) int {
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	// Heuristic: roughly 4 characters per token, rounding up.
	return (len(text) + 3) / 4
}
