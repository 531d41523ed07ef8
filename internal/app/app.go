package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/memtide/memtide/internal/backfill"
	"github.com/memtide/memtide/internal/boundary"
	"github.com/memtide/memtide/internal/chat"
	"github.com/memtide/memtide/internal/config"
	"github.com/memtide/memtide/internal/embedding"
	"github.com/memtide/memtide/internal/extraction"
	"github.com/memtide/memtide/internal/llm"
	"github.com/memtide/memtide/internal/memory"
	"github.com/memtide/memtide/internal/platform/logger"
	"github.com/memtide/memtide/internal/platform/neo4jdb"
	"github.com/memtide/memtide/internal/platform/redisdb"
	"github.com/memtide/memtide/internal/profile"
	"github.com/memtide/memtide/internal/retrieval"
	"github.com/memtide/memtide/internal/server"
	"github.com/memtide/memtide/internal/store"
	"github.com/memtide/memtide/internal/tokencount"
)

// App owns every long-lived component and their shutdown order.
type App struct {
	cfg *config.Config
	log *logger.Logger

	graph *neo4jdb.Client
	redis *goredis.Client

	memStore *store.Store
	worker   *backfill.Worker
	tracker  *retrieval.AccessTracker
	httpSrv  *http.Server
}

// New wires the full service. Optional backends (graph, redis) missing from
// the environment degrade the relevant features instead of failing startup.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	graph, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		return nil, fmt.Errorf("app: graph: %w", err)
	}
	if graph == nil {
		log.Warn("GRAPH_URI not set; memory persistence disabled")
	}

	rdb, err := redisdb.NewFromEnv(log)
	if err != nil {
		// Redis only accelerates access counting; run without it.
		log.Warn("redis unavailable, using in-process access counters", "error", err)
		rdb = nil
	}

	llmClient, err := llm.NewHTTPClient(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("app: llm client: %w", err)
	}

	embedClient, err := embedding.NewClient(cfg.Embedding, log)
	if err != nil {
		return nil, fmt.Errorf("app: embedding client: %w", err)
	}

	prof, err := profile.Load(cfg.LLM.ProfilePath)
	if err != nil {
		return nil, fmt.Errorf("app: profile: %w", err)
	}

	counter := tokencount.New()
	memStore := store.New(graph, embedClient.Embed, log)

	extractor := extraction.NewExtractor(llmClient, cfg.Extraction, log)

	sink, err := boundary.NewFileSink(cfg.Boundary.TranscriptDir, log)
	if err != nil {
		return nil, fmt.Errorf("app: transcript sink: %w", err)
	}

	// Closed transcripts flow straight into extraction and then the graph.
	handler := func(ctx context.Context, tr *memory.Transcript) {
		res := extractor.Extract(ctx, tr)
		if res.Err != nil {
			return
		}
		if len(res.Records) == 0 {
			return
		}
		if _, err := memStore.StoreRecords(ctx, tr.SessionID, res.Records); err != nil {
			log.Error("extraction batch store failed",
				"conversation_id", tr.SessionID,
				"error", err,
			)
		}
	}

	convTracker := boundary.NewTracker(
		boundary.Thresholds{
			IdleThreshold: cfg.Boundary.IdleThreshold,
			DropFraction:  cfg.Boundary.DropFraction,
		},
		cfg.Boundary.MaxTrackedSessions,
		sink,
		handler,
		log,
	)

	accessTracker := retrieval.NewAccessTracker(rdb, memStore, time.Minute, log)
	retrievalSvc := retrieval.NewService(memStore, embedClient, accessTracker, counter, log)
	worker := backfill.NewWorker(memStore, embedClient, cfg.Backfill, log)

	orchestrator := chat.NewOrchestrator(llmClient, retrievalSvc, convTracker, prof, counter, cfg.LLM, log)

	srv := server.New(orchestrator, retrievalSvc, worker, memStore, *cfg, log)

	return &App{
		cfg:      cfg,
		log:      log,
		graph:    graph,
		redis:    rdb,
		memStore: memStore,
		worker:   worker,
		tracker:  accessTracker,
		httpSrv: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run starts the background loops and serves HTTP until ctx is cancelled,
// then shuts everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	a.memStore.InitSchema(initCtx)
	cancel()

	a.worker.Start(ctx)
	a.tracker.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", a.cfg.Addr())
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.shutdown()
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown incomplete", "error", err)
	}

	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	a.worker.Stop()
	a.tracker.Stop()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.graph != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.graph.Close(closeCtx)
		cancel()
	}
	a.log.Sync()
}
