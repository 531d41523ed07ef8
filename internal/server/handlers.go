package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/memtide/memtide/internal/chat"
	"github.com/memtide/memtide/internal/memory"
	"github.com/memtide/memtide/internal/platform/apierr"
	"github.com/memtide/memtide/internal/retrieval"
)

const conversationHeader = "X-Conversation-ID"

func (s *Server) handleChatCompletions(c *gin.Context) {
	var req chatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		badRequest(c, "messages must not be empty")
		return
	}

	sessionID := chat.ResolveSessionID(
		c.GetHeader(conversationHeader),
		c.ClientIP(),
		c.Request.UserAgent(),
	)

	chatReq := chat.Request{
		SessionID:   sessionID,
		Messages:    toLLMMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	if req.Stream {
		s.streamCompletion(c, chatReq)
		return
	}

	resp, err := s.chat.Complete(c.Request.Context(), chatReq)
	if err != nil {
		upstreamError(c, err)
		return
	}

	c.JSON(http.StatusOK, chatCompletionResponse{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: nowUnix(),
		Model:   resp.Model,
		Choices: []chatCompletionChoice{{
			Index:        0,
			Message:      wireMessage{Role: "assistant", Content: resp.Content},
			FinishReason: "stop",
		}},
		Usage: usageFrom(resp.Usage),
	})
}

func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, modelList{
		Object: "list",
		Data: []modelEntry{{
			ID:      s.cfg.LLM.Selection.Model,
			Object:  "model",
			Created: nowUnix(),
			OwnedBy: s.cfg.LLM.Selection.Provider,
		}},
	})
}

type memorySearchRequest struct {
	Query         string   `json:"query"`
	TopK          int      `json:"top_k"`
	Types         []string `json:"types"`
	MinConfidence float64  `json:"min_confidence"`
	MinSimilarity float64  `json:"min_similarity"`
	TokenBudget   int      `json:"token_budget"`
}

func (s *Server) handleMemorySearch(c *gin.Context) {
	var req memorySearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		badRequest(c, "query must not be empty")
		return
	}

	var types []memory.Type
	for _, raw := range req.Types {
		t, ok := memory.ParseType(raw)
		if !ok {
			badRequest(c, "unknown memory type: "+raw)
			return
		}
		types = append(types, t)
	}

	res, err := s.searcher.Retrieve(c.Request.Context(), retrieval.Request{
		QueryText:     req.Query,
		TopK:          req.TopK,
		Types:         types,
		MinConfidence: req.MinConfidence,
		MinSimilarity: req.MinSimilarity,
		TokenBudget:   req.TokenBudget,
	})
	if err != nil {
		upstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleBackfillStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"progress":     s.backfill.GetProgress(),
		"dead_letters": s.backfill.DeadLetters(),
	})
}

type backfillRetryRequest struct {
	MemoryID string `json:"memory_id"`
}

// handleBackfillRetry drains the whole dead letter queue; a memory_id in the
// body narrows the retry to that one entry.
func (s *Server) handleBackfillRetry(c *gin.Context) {
	var req backfillRetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.MemoryID) == "" {
		retried, remaining := s.backfill.RetryAllDeadLetters(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"status": "ok", "retried": retried, "remaining": remaining})
		return
	}
	if err := s.backfill.RetryDeadLetter(c.Request.Context(), req.MemoryID); err != nil {
		writeError(c, http.StatusUnprocessableEntity, "retry_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "memory_id": req.MemoryID})
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReadyz reports dependency state. The service stays "ready" in
// degraded mode without a graph; the payload says what is missing.
func (s *Server) handleReadyz(c *gin.Context) {
	report := gin.H{
		"status": "ok",
		"graph":  "disabled",
	}
	if s.graph != nil && s.graph.Enabled() {
		if st, err := s.graph.Stats(c.Request.Context()); err != nil {
			report["graph"] = "unreachable"
			report["status"] = "degraded"
		} else {
			report["graph"] = "ok"
			report["memories"] = st
		}
	}
	if s.backfill != nil {
		report["backfill"] = s.backfill.GetProgress()
	}
	c.JSON(http.StatusOK, report)
}

func badRequest(c *gin.Context, msg string) {
	writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

// upstreamError maps pipeline failures onto HTTP: rate limits surface as
// 429 so callers can back off, lookups as 404, bad input as 400, and
// anything else as a 502 from the upstream model.
func upstreamError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apierr.ErrRateLimited):
		writeError(c, http.StatusTooManyRequests, "rate_limit_error", err.Error())
	case errors.Is(err, apierr.ErrNotFound):
		writeError(c, http.StatusNotFound, "not_found_error", err.Error())
	case errors.Is(err, apierr.ErrInvalidArgument):
		writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	default:
		writeError(c, http.StatusBadGateway, "upstream_error", err.Error())
	}
}

// writeError emits the OpenAI-style error envelope. Every error body carries
// the request's correlation id so callers can quote it back.
func writeError(c *gin.Context, status int, errType, msg string) {
	cid, _ := c.Get("correlation_id")
	cidStr, _ := cid.(string)
	c.JSON(status, errorResponse{Error: errorBody{
		Message:       msg,
		Type:          errType,
		CorrelationID: cidStr,
	}})
}
