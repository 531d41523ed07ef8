package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/memtide/memtide/internal/boundary"
	"github.com/memtide/memtide/internal/config"
	"github.com/memtide/memtide/internal/llm"
	"github.com/memtide/memtide/internal/memory"
	"github.com/memtide/memtide/internal/platform/logger"
	"github.com/memtide/memtide/internal/profile"
	"github.com/memtide/memtide/internal/retrieval"
	"github.com/memtide/memtide/internal/tokencount"
)

// BoundaryTracker is the boundary-detection surface the orchestrator pokes
// on every request. It runs off the critical path.
type BoundaryTracker interface {
	ProcessRequest(sessionID string, messages []memory.Message) boundary.Detection
}

// Retriever fetches memory context for a query.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

// Request is one chat completion, already parsed from the wire.
type Request struct {
	SessionID   string
	Messages    []llm.Message
	Temperature float64
	MaxTokens   int
}

// Response is the buffered outcome; streaming callers also receive deltas
// through the callback while this accumulates.
type Response struct {
	Content          string
	Model            string
	Usage            llm.Usage
	MemoriesInjected int
}

type Orchestrator struct {
	client    llm.Client
	retriever Retriever
	tracker   BoundaryTracker
	profile   *profile.Profile
	counter   *tokencount.Counter
	cfg       config.LLMConfig
	log       *logger.Logger

	memoryBudget int
}

func NewOrchestrator(client llm.Client, retriever Retriever, tracker BoundaryTracker, prof *profile.Profile, counter *tokencount.Counter, cfg config.LLMConfig, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		client:       client,
		retriever:    retriever,
		tracker:      tracker,
		profile:      prof,
		counter:      counter,
		cfg:          cfg,
		log:          log,
		memoryBudget: 1000,
	}
}

// ResolveSessionID picks the conversation identity: an explicit header wins,
// otherwise the client fingerprint is hashed so the same client keeps the
// same session without cooperating.
func ResolveSessionID(headerValue, clientIP, userAgent string) string {
	if id := strings.TrimSpace(headerValue); id != "" {
		return id
	}
	sum := sha256.Sum256([]byte(clientIP + ":" + userAgent))
	return hex.EncodeToString(sum[:])[:16]
}

// Complete runs a buffered chat completion.
func (o *Orchestrator) Complete(ctx context.Context, req Request) (*Response, error) {
	return o.run(ctx, req, nil)
}

// Stream runs a streaming completion, invoking onDelta for each text chunk.
func (o *Orchestrator) Stream(ctx context.Context, req Request, onDelta func(delta string)) (*Response, error) {
	return o.run(ctx, req, onDelta)
}

func (o *Orchestrator) run(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("chat: no messages")
	}

	o.dispatchBoundary(req)

	memCtx, injected := o.memoryContext(ctx, req)
	prompt := o.composePrompt(req, memCtx)

	opts := llm.GenerateOptions{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	var (
		content string
		usage   llm.Usage
		err     error
	)
	if onDelta != nil {
		content, usage, err = o.client.StreamText(ctx, prompt, opts, onDelta)
	} else {
		content, usage, err = o.client.GenerateText(ctx, prompt, opts)
	}
	if err != nil {
		return nil, err
	}

	usage = o.fillUsage(usage, prompt, content)
	return &Response{
		Content:          content,
		Model:            o.client.Model(),
		Usage:            usage,
		MemoriesInjected: injected,
	}, nil
}

// dispatchBoundary hands the request to the boundary tracker without
// touching the response path. A panic in tracking is contained.
func (o *Orchestrator) dispatchBoundary(req Request) {
	if o.tracker == nil {
		return
	}
	msgs := make([]memory.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, memory.Message{
			Role:    memory.Role(m.Role),
			Content: m.Content,
		})
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("boundary tracking panic", "panic", r)
			}
		}()
		_ = o.tracker.ProcessRequest(req.SessionID, msgs)
	}()
}

// memoryContext retrieves memories for the last user message. Any failure
// degrades to an empty context; the chat always answers.
func (o *Orchestrator) memoryContext(ctx context.Context, req Request) (string, int) {
	if o.retriever == nil {
		return "", 0
	}
	query := lastUserMessage(req.Messages)
	if query == "" {
		return "", 0
	}

	res, err := o.retriever.Retrieve(ctx, retrieval.Request{
		QueryText:   query,
		TokenBudget: o.memoryBudget,
		Strategy:    retrieval.HardCutoff,
	})
	if err != nil {
		o.log.Warn("memory retrieval failed, continuing without context",
			"session_id", req.SessionID,
			"error", err,
		)
		return "", 0
	}
	if len(res.Items) == 0 {
		return "", 0
	}

	var b strings.Builder
	b.WriteString("Relevant information remembered from previous conversations:\n")
	for _, it := range res.Items {
		fmt.Fprintf(&b, "- [%s] %s\n", it.Record.Type, it.Record.Content)
	}
	return strings.TrimSpace(b.String()), len(res.Items)
}

// composePrompt builds the upstream message list: system prompt, static
// profile, retrieved memory context, then the trailing slice of history.
func (o *Orchestrator) composePrompt(req Request, memCtx string) []llm.Message {
	var sys []string
	if s := strings.TrimSpace(o.cfg.SystemPrompt); s != "" {
		sys = append(sys, s)
	}
	if p := o.profile.Render(); p != "" {
		sys = append(sys, p)
	}
	if memCtx != "" {
		sys = append(sys, memCtx)
	}
	// Caller-supplied system prompts fold into ours, scanned over the full
	// request so they survive the history window below.
	for _, m := range req.Messages {
		if m.Role == "system" {
			if s := strings.TrimSpace(m.Content); s != "" {
				sys = append(sys, s)
			}
		}
	}

	history := req.Messages
	if n := o.cfg.ContextWindowMessages; n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}

	out := make([]llm.Message, 0, len(history)+1)
	if len(sys) > 0 {
		out = append(out, llm.Message{Role: "system", Content: strings.Join(sys, "\n\n")})
	}
	for _, m := range history {
		if m.Role == "system" {
			// Already merged into the leading system message.
			continue
		}
		out = append(out, m)
	}
	return out
}

// fillUsage keeps upstream-reported token counts when present and computes
// them locally otherwise.
func (o *Orchestrator) fillUsage(usage llm.Usage, prompt []llm.Message, completion string) llm.Usage {
	if usage.TotalTokens > 0 {
		return usage
	}
	promptTokens := 0
	for _, m := range prompt {
		promptTokens += o.counter.Count(m.Content)
	}
	completionTokens := o.counter.Count(completion)
	return llm.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}

func lastUserMessage(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}
