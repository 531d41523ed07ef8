package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/memtide/memtide/internal/backfill"
	"github.com/memtide/memtide/internal/chat"
	"github.com/memtide/memtide/internal/config"
	"github.com/memtide/memtide/internal/platform/logger"
	"github.com/memtide/memtide/internal/retrieval"
	"github.com/memtide/memtide/internal/store"
)

// ChatService is the orchestrator surface the handlers call.
type ChatService interface {
	Complete(ctx context.Context, req chat.Request) (*chat.Response, error)
	Stream(ctx context.Context, req chat.Request, onDelta func(delta string)) (*chat.Response, error)
}

// MemorySearcher backs the memory search endpoint.
type MemorySearcher interface {
	Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

// BackfillController exposes the worker's operational surface.
type BackfillController interface {
	GetProgress() backfill.Progress
	DeadLetters() []*backfill.DeadLetter
	RetryDeadLetter(ctx context.Context, memoryID string) error
	RetryAllDeadLetters(ctx context.Context) (retried, remaining int)
}

// GraphStats backs the readiness report.
type GraphStats interface {
	Enabled() bool
	Stats(ctx context.Context) (store.Stats, error)
}

type Server struct {
	chat     ChatService
	searcher MemorySearcher
	backfill BackfillController
	graph    GraphStats
	cfg      config.Config
	log      *logger.Logger

	engine *gin.Engine
}

func New(chatSvc ChatService, searcher MemorySearcher, bf BackfillController, graph GraphStats, cfg config.Config, log *logger.Logger) *Server {
	if strings.EqualFold(cfg.Env, "production") || strings.EqualFold(cfg.Env, "prod") {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		chat:     chatSvc,
		searcher: searcher,
		backfill: bf,
		graph:    graph,
		cfg:      cfg,
		log:      log,
	}

	r := gin.New()
	r.Use(correlationID())
	r.Use(accessLog(log))
	r.Use(recovery(log))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", "Authorization", "X-Conversation-ID", correlationHeader},
	}))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)

	v1 := r.Group("/v1")
	{
		v1.POST("/chat/completions", s.handleChatCompletions)
		v1.GET("/models", s.handleModels)
		v1.POST("/memory/search", s.handleMemorySearch)
		v1.GET("/memory/backfill", s.handleBackfillStatus)
		v1.POST("/memory/backfill/retry", s.handleBackfillRetry)
	}

	s.engine = r
	return s
}

// Handler exposes the router for http.Server wiring and tests.
func (s *Server) Handler() http.Handler { return s.engine }
