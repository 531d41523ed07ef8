package backfill

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/memtide/memtide/internal/config"
	"github.com/memtide/memtide/internal/embedding"
	"github.com/memtide/memtide/internal/memory"
	"github.com/memtide/memtide/internal/platform/logger"
)

// MemoryStore is the slice of the graph store the worker needs.
type MemoryStore interface {
	FindMissingEmbeddings(ctx context.Context, limit int) ([]*memory.Record, error)
	StoreEmbedding(ctx context.Context, memoryID string, vec []float32, version string) error
}

// Embedder is the slice of the embedding client the worker needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Health(ctx context.Context) error
}

// Progress is a point-in-time snapshot of the worker's counters.
type Progress struct {
	Running        bool       `json:"running"`
	LastPoll       *time.Time `json:"last_poll,omitempty"`
	Processed      int64      `json:"processed"`
	Failed         int64      `json:"failed"`
	DeadLettered   int64      `json:"dead_lettered"`
	DeadLetterSize int        `json:"dead_letter_size"`
}

// DeadLetter is a memory the worker gave up on, kept in process for manual
// retry. Only non-recoverable failures land here; transient ones are simply
// retried on the next poll.
type DeadLetter struct {
	MemoryID string    `json:"memory_id"`
	Content  string    `json:"content"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
	Attempts int       `json:"attempts"`
}

// Worker polls for memories without embeddings and fills them in batches.
type Worker struct {
	store    MemoryStore
	embedder Embedder
	cfg      config.BackfillConfig
	log      *logger.Logger

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	doneCh     chan struct{}
	lastPoll   *time.Time
	processed  int64
	failed     int64
	deadTotal  int64
	deadLetter map[string]*DeadLetter

	now func() time.Time
}

func NewWorker(store MemoryStore, embedder Embedder, cfg config.BackfillConfig, log *logger.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > embedding.MaxBatchSize {
		cfg.BatchSize = embedding.MaxBatchSize
	}
	return &Worker{
		store:      store,
		embedder:   embedder,
		cfg:        cfg,
		log:        log,
		deadLetter: make(map[string]*DeadLetter),
		now:        time.Now,
	}
}

// Start launches the poll loop. Idempotent; a second call is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.loop(loopCtx)
	w.log.Info("backfill worker started",
		"poll_interval", w.cfg.PollInterval.String(),
		"batch_size", w.cfg.BatchSize,
	)
}

// Stop halts the loop and waits for the in-flight poll to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	done := w.doneCh
	w.mu.Unlock()

	cancel()
	<-done

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	w.log.Info("backfill worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	// One immediate pass so a restart doesn't wait a full interval.
	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	now := w.now()
	w.mu.Lock()
	w.lastPoll = &now
	w.mu.Unlock()

	recs, err := w.store.FindMissingEmbeddings(ctx, w.cfg.BatchSize)
	if err != nil {
		w.log.Warn("backfill scan failed", "error", err)
		return
	}
	if len(recs) == 0 {
		return
	}

	// Skip records already dead-lettered; they wait for a manual retry.
	pending := recs[:0]
	w.mu.Lock()
	for _, r := range recs {
		if _, dead := w.deadLetter[r.ID]; !dead {
			pending = append(pending, r)
		}
	}
	w.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	w.processBatch(ctx, pending)
}

func (w *Worker) processBatch(ctx context.Context, recs []*memory.Record) {
	texts := make([]string, len(recs))
	for i, r := range recs {
		texts[i] = r.Content
	}

	vecs, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		w.handleBatchFailure(recs, err)
		return
	}

	for i, r := range recs {
		if err := w.store.StoreEmbedding(ctx, r.ID, vecs[i], w.embedder.Model()); err != nil {
			w.log.Warn("embedding write failed", "memory_id", r.ID, "error", err)
			w.mu.Lock()
			w.failed++
			w.mu.Unlock()
			continue
		}
		w.mu.Lock()
		w.processed++
		w.mu.Unlock()
	}
	w.log.Info("backfill batch complete", "batch", len(recs))
}

func (w *Worker) handleBatchFailure(recs []*memory.Record, err error) {
	var eerr *embedding.Error
	recoverable := true
	reason := err.Error()
	if errors.As(err, &eerr) {
		recoverable = eerr.Recoverable()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.failed += int64(len(recs))
	if recoverable {
		// Transient upstream trouble; the next poll retries the same records.
		w.log.Warn("backfill batch failed, will retry next poll", "error", err)
		return
	}
	for _, r := range recs {
		if dl, ok := w.deadLetter[r.ID]; ok {
			dl.Attempts++
			dl.FailedAt = w.now()
			dl.Reason = reason
			continue
		}
		w.deadLetter[r.ID] = &DeadLetter{
			MemoryID: r.ID,
			Content:  r.Content,
			Reason:   reason,
			FailedAt: w.now(),
			Attempts: 1,
		}
		w.deadTotal++
	}
	w.log.Error("backfill batch dead-lettered", "records", len(recs), "error", err)
}

// RetryDeadLetter re-embeds one dead-lettered memory immediately.
func (w *Worker) RetryDeadLetter(ctx context.Context, memoryID string) error {
	w.mu.Lock()
	dl, ok := w.deadLetter[memoryID]
	w.mu.Unlock()
	if !ok {
		return errors.New("backfill: memory not in dead letter queue")
	}

	vecs, err := w.embedder.EmbedBatch(ctx, []string{dl.Content})
	if err != nil {
		w.mu.Lock()
		dl.Attempts++
		dl.FailedAt = w.now()
		dl.Reason = err.Error()
		w.mu.Unlock()
		return err
	}
	if err := w.store.StoreEmbedding(ctx, memoryID, vecs[0], w.embedder.Model()); err != nil {
		return err
	}

	w.mu.Lock()
	delete(w.deadLetter, memoryID)
	w.processed++
	w.mu.Unlock()
	return nil
}

// RetryAllDeadLetters drains the queue, re-embedding every entry. Entries
// that fail again stay queued with an updated reason. Returns how many went
// through and how many remain.
func (w *Worker) RetryAllDeadLetters(ctx context.Context) (retried, remaining int) {
	w.mu.Lock()
	ids := make([]string, 0, len(w.deadLetter))
	for id := range w.deadLetter {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := w.RetryDeadLetter(ctx, id); err != nil {
			remaining++
			continue
		}
		retried++
	}
	if len(ids) > 0 {
		w.log.Info("dead letter queue drained", "retried", retried, "remaining", remaining)
	}
	return retried, remaining
}

// DeadLetters lists the queue for the operations endpoint.
func (w *Worker) DeadLetters() []*DeadLetter {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*DeadLetter, 0, len(w.deadLetter))
	for _, dl := range w.deadLetter {
		cp := *dl
		out = append(out, &cp)
	}
	return out
}

// GetProgress snapshots the counters.
func (w *Worker) GetProgress() Progress {
	w.mu.Lock()
	defer w.mu.Unlock()
	var lp *time.Time
	if w.lastPoll != nil {
		t := *w.lastPoll
		lp = &t
	}
	return Progress{
		Running:        w.running,
		LastPoll:       lp,
		Processed:      w.processed,
		Failed:         w.failed,
		DeadLettered:   w.deadTotal,
		DeadLetterSize: len(w.deadLetter),
	}
}

// Health checks the embedding upstream on behalf of readiness probes.
func (w *Worker) Health(ctx context.Context) error {
	return w.embedder.Health(ctx)
}
