package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/memtide/memtide/internal/chat"
)

// streamCompletion writes an OpenAI-style SSE stream: one role-tagged chunk,
// per-delta content chunks, a usage chunk, then the [DONE] sentinel. A client
// disconnect is observed through the request context; partial output is
// discarded and logged.
func (s *Server) streamCompletion(c *gin.Context, req chat.Request) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		upstreamError(c, errStreamingUnsupported)
		return
	}

	id := newCompletionID()
	created := nowUnix()
	model := s.cfg.LLM.Selection.Model

	writeChunk := func(chunk chatCompletionChunk) {
		raw, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		_, _ = c.Writer.WriteString("data: ")
		_, _ = c.Writer.Write(raw)
		_, _ = c.Writer.WriteString("\n\n")
		flusher.Flush()
	}

	writeChunk(chatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []streamChoice{{Delta: streamDelta{Role: "assistant"}}},
	})

	resp, err := s.chat.Stream(c.Request.Context(), req, func(delta string) {
		writeChunk(chatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []streamChoice{{Delta: streamDelta{Content: delta}}},
		})
	})
	if err != nil {
		if c.Request.Context().Err() != nil {
			s.log.Info("client disconnected mid-stream", "error", err)
			return
		}
		s.log.Error("stream generation failed", "error", err)
		writeChunk(chatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []streamChoice{{Delta: streamDelta{}, FinishReason: strPtr("error")}},
		})
		_, _ = c.Writer.WriteString("data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	usage := usageFrom(resp.Usage)
	writeChunk(chatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: resp.Model,
		Choices: []streamChoice{{Delta: streamDelta{}, FinishReason: strPtr("stop")}},
		Usage:   &usage,
	})
	_, _ = c.Writer.WriteString("data: [DONE]\n\n")
	flusher.Flush()
}

func strPtr(s string) *string { return &s }

var errStreamingUnsupported = errNoFlusher{}

type errNoFlusher struct{}

func (errNoFlusher) Error() string { return "streaming unsupported by connection" }
