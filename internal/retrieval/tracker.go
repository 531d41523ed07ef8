package retrieval

import (
	"context"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/memtide/memtide/internal/platform/logger"
)

const accessHashKey = "memtide:access:pending"

// AccessStore is the graph-side write the tracker flushes into.
type AccessStore interface {
	RecordAccess(ctx context.Context, counts map[string]int64, at time.Time) error
}

// AccessTracker counts memory retrievals. Counts accumulate in Redis (or in
// process when Redis is absent) and flush to the graph periodically. Every
// operation is best-effort: losing a count costs ranking signal, nothing
// else.
type AccessTracker struct {
	rdb   *goredis.Client
	store AccessStore
	log   *logger.Logger

	flushInterval time.Duration

	mu     sync.Mutex
	local  map[string]int64
	cancel context.CancelFunc
	doneCh chan struct{}

	now func() time.Time
}

func NewAccessTracker(rdb *goredis.Client, store AccessStore, flushInterval time.Duration, log *logger.Logger) *AccessTracker {
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}
	return &AccessTracker{
		rdb:           rdb,
		store:         store,
		log:           log,
		flushInterval: flushInterval,
		local:         make(map[string]int64),
		now:           time.Now,
	}
}

// Track bumps the pending count for each retrieved memory.
func (t *AccessTracker) Track(ctx context.Context, memoryIDs []string) {
	if len(memoryIDs) == 0 {
		return
	}
	if t.rdb != nil {
		pipe := t.rdb.Pipeline()
		for _, id := range memoryIDs {
			pipe.HIncrBy(ctx, accessHashKey, id, 1)
		}
		if _, err := pipe.Exec(ctx); err == nil {
			return
		} else {
			t.log.Warn("access counter write failed, falling back to local", "error", err)
		}
	}
	t.mu.Lock()
	for _, id := range memoryIDs {
		t.local[id]++
	}
	t.mu.Unlock()
}

// Pending returns counts not yet flushed to the graph, for callers that
// want live totals.
func (t *AccessTracker) Pending(ctx context.Context) map[string]int64 {
	out := make(map[string]int64)
	if t.rdb != nil {
		if vals, err := t.rdb.HGetAll(ctx, accessHashKey).Result(); err == nil {
			for id, raw := range vals {
				if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
					out[id] = n
				}
			}
		}
	}
	t.mu.Lock()
	for id, n := range t.local {
		out[id] += n
	}
	t.mu.Unlock()
	return out
}

// Start launches the periodic flush loop.
func (t *AccessTracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.doneCh = make(chan struct{})
	t.mu.Unlock()

	go func() {
		defer close(t.doneCh)
		ticker := time.NewTicker(t.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				// Final drain with a short grace period.
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				t.Flush(flushCtx)
				cancel()
				return
			case <-ticker.C:
				t.Flush(loopCtx)
			}
		}
	}()
}

// Stop halts the loop after a final drain.
func (t *AccessTracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.doneCh
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Flush moves pending counts into the graph. Counts survive a failed flush
// and retry next interval.
func (t *AccessTracker) Flush(ctx context.Context) {
	counts := make(map[string]int64)

	if t.rdb != nil {
		vals, err := t.rdb.HGetAll(ctx, accessHashKey).Result()
		if err != nil {
			t.log.Warn("access counter read failed", "error", err)
		} else if len(vals) > 0 {
			for id, raw := range vals {
				if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
					counts[id] = n
				}
			}
			if err := t.rdb.Del(ctx, accessHashKey).Err(); err != nil {
				t.log.Warn("access counter reset failed", "error", err)
			}
		}
	}

	t.mu.Lock()
	for id, n := range t.local {
		counts[id] += n
	}
	t.local = make(map[string]int64)
	t.mu.Unlock()

	if len(counts) == 0 || t.store == nil {
		return
	}
	if err := t.store.RecordAccess(ctx, counts, t.now()); err != nil {
		t.log.Warn("access flush to graph failed, re-queuing", "error", err)
		t.mu.Lock()
		for id, n := range counts {
			t.local[id] += n
		}
		t.mu.Unlock()
		return
	}
	t.log.Debug("access counts flushed", "memories", len(counts))
}

