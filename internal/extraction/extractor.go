package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/memtide/memtide/internal/config"
	"github.com/memtide/memtide/internal/llm"
	"github.com/memtide/memtide/internal/memory"
	"github.com/memtide/memtide/internal/platform/logger"
)

const systemPrompt = `You analyze a finished conversation transcript and extract durable facts about the user worth remembering across conversations.

Extract only information stated or strongly implied by the USER. Ignore assistant speculation. Each memory must be one of:
  preference          - likes, dislikes, habits, working style
  personal_fact       - stable facts about the user or their environment
  technical_context   - systems, tools, versions, infrastructure they run
  decision            - choices the user committed to
  correction          - the user correcting something previously believed

For each memory report: memory_type, content (one self-contained sentence), confidence (0.0-1.0 for how certain the transcript supports it), category (short free-form tag), explicit (true when the user states it in first person), contradicts (true when it conflicts with something said earlier in this transcript), and supersedes_hint (verbatim phrase being corrected, corrections only).

Return nothing for small talk. Do not invent details.`

// extractionSchema constrains the model output to the envelope Extract parses.
var extractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"memories": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"memory_type":     map[string]any{"type": "string", "enum": []string{"preference", "personal_fact", "technical_context", "decision", "correction"}},
					"content":         map[string]any{"type": "string"},
					"confidence":      map[string]any{"type": "number"},
					"category":        map[string]any{"type": "string"},
					"explicit":        map[string]any{"type": "boolean"},
					"contradicts":     map[string]any{"type": "boolean"},
					"supersedes_hint": map[string]any{"type": "string"},
				},
				"required": []string{"memory_type", "content", "confidence"},
			},
		},
	},
	"required": []string{"memories"},
}

// Result is the outcome of extracting one transcript. A failed model call
// yields an empty record list with Err set; the transcript itself is never
// retried by the extractor.
type Result struct {
	ConversationID string
	Records        []*memory.Record
	Dropped        int
	Err            error
}

type Extractor struct {
	client llm.Client
	cfg    config.ExtractionConfig
	sem    *semaphore.Weighted
	log    *logger.Logger

	now func() time.Time
}

func NewExtractor(client llm.Client, cfg config.ExtractionConfig, log *logger.Logger) *Extractor {
	concurrency := int64(cfg.MaxConcurrency)
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Extractor{
		client: client,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(concurrency),
		log:    log,
		now:    time.Now,
	}
}

// Extract runs one transcript through the model and calibrates the
// candidates. The returned Result always carries the conversation id; on
// model failure it has no records and a non-nil Err.
func (e *Extractor) Extract(ctx context.Context, tr *memory.Transcript) *Result {
	res := &Result{ConversationID: tr.SessionID}
	if len(tr.Messages) == 0 {
		return res
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		res.Err = err
		return res
	}
	defer e.sem.Release(1)

	raw, err := e.client.GenerateJSON(ctx, systemPrompt, renderTranscript(tr), "memory_extraction", extractionSchema)
	if err != nil {
		e.log.Error("extraction model call failed",
			"conversation_id", tr.SessionID,
			"error", err,
		)
		res.Err = err
		return res
	}

	candidates := parseCandidates(raw)
	now := e.now()
	for _, c := range candidates {
		t, ok := memory.ParseType(c.MemoryType)
		if !ok {
			res.Dropped++
			continue
		}
		if strings.TrimSpace(c.Content) == "" {
			res.Dropped++
			continue
		}
		if c.Confidence < e.cfg.MinBaseConfidence {
			res.Dropped++
			continue
		}

		md := memory.Metadata{
			Explicit:    c.Explicit || isExplicit(c.Content),
			Contradicts: c.Contradicts,
		}
		md.MentionCount = countMentions(c.Content, tr.Messages)
		if t == memory.TypeCorrection && strings.TrimSpace(c.SupersedesHint) != "" {
			md.Extra = map[string]string{"supersedes_hint": strings.TrimSpace(c.SupersedesHint)}
		}

		score := Calibrate(t, c.Confidence, md)
		rec, err := memory.NewRecordWithFloor(t, strings.TrimSpace(c.Content), score, e.cfg.MinConfidence, tr.SessionID, now)
		if err != nil {
			res.Dropped++
			continue
		}
		rec.Category = strings.TrimSpace(c.Category)
		rec.Metadata = md
		res.Records = append(res.Records, rec)
	}

	e.log.Info("transcript extracted",
		"conversation_id", tr.SessionID,
		"candidates", len(candidates),
		"kept", len(res.Records),
		"dropped", res.Dropped,
	)
	return res
}

// ExtractBatch processes transcripts concurrently, bounded by the semaphore.
// One result per transcript, input order preserved.
func (e *Extractor) ExtractBatch(ctx context.Context, trs []*memory.Transcript) []*Result {
	results := make([]*Result, len(trs))
	done := make(chan int, len(trs))
	for i, tr := range trs {
		go func(i int, tr *memory.Transcript) {
			results[i] = e.Extract(ctx, tr)
			done <- i
		}(i, tr)
	}
	for range trs {
		<-done
	}
	return results
}

type candidate struct {
	MemoryType     string  `json:"memory_type"`
	Content        string  `json:"content"`
	Confidence     float64 `json:"confidence"`
	Category       string  `json:"category"`
	Explicit       bool    `json:"explicit"`
	Contradicts    bool    `json:"contradicts"`
	SupersedesHint string  `json:"supersedes_hint"`
}

func parseCandidates(raw map[string]any) []candidate {
	arr, ok := raw["memories"].([]any)
	if !ok {
		return nil
	}
	out := make([]candidate, 0, len(arr))
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var c candidate
		c.MemoryType, _ = obj["memory_type"].(string)
		c.Content, _ = obj["content"].(string)
		if f, ok := obj["confidence"].(float64); ok {
			c.Confidence = f
		}
		c.Category, _ = obj["category"].(string)
		c.Explicit, _ = obj["explicit"].(bool)
		c.Contradicts, _ = obj["contradicts"].(bool)
		c.SupersedesHint, _ = obj["supersedes_hint"].(string)
		out = append(out, c)
	}
	return out
}

// renderTranscript flattens the conversation into role-labelled lines the
// model can attribute statements from.
func renderTranscript(tr *memory.Transcript) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation %s (%d messages, %s to %s):\n\n",
		tr.SessionID, tr.MessageCount,
		tr.StartTime.Format(time.RFC3339), tr.EndTime.Format(time.RFC3339))
	for _, m := range tr.Messages {
		role := strings.ToUpper(string(m.Role))
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
