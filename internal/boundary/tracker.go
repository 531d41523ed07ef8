package boundary

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/memtide/memtide/internal/memory"
	"github.com/memtide/memtide/internal/platform/logger"
)

// TranscriptSink receives closed transcripts. Implementations must tolerate
// failure: a sink error is logged and never reaches the chat path.
type TranscriptSink interface {
	Write(ctx context.Context, t *memory.Transcript) error
}

// BoundaryHandler is invoked off the hot path with each closed transcript
// (typically the extraction pipeline).
type BoundaryHandler func(ctx context.Context, t *memory.Transcript)

type session struct {
	meta   memory.SessionMeta
	buffer []memory.Message
	lru    *list.Element
}

// Tracker owns the session_id -> metadata map and its LRU index. One mutex
// guards both; the critical section does no I/O beyond spawning the boundary
// goroutine.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*session
	order    *list.List // front = most recently touched

	cfg        Thresholds
	maxTracked int

	sink    TranscriptSink
	handler BoundaryHandler
	log     *logger.Logger
	now     func() time.Time
}

func NewTracker(cfg Thresholds, maxTracked int, sink TranscriptSink, handler BoundaryHandler, log *logger.Logger) *Tracker {
	if maxTracked < 1 {
		maxTracked = 1
	}
	return &Tracker{
		sessions:   map[string]*session{},
		order:      list.New(),
		cfg:        cfg,
		maxTracked: maxTracked,
		sink:       sink,
		handler:    handler,
		log:        log.With("component", "ConversationTracker"),
		now:        time.Now,
	}
}

// ProcessRequest evaluates the request against the tracked session state and
// returns the boundary decision. On a detected boundary the prior session's
// transcript is assembled and dispatched asynchronously; the state is reset
// to represent the new conversation begun by this request.
func (t *Tracker) ProcessRequest(sessionID string, messages []memory.Message) Detection {
	if sessionID == "" || len(messages) == 0 {
		return Detection{}
	}
	now := t.now().UTC()
	newHash := hashContent(messages[0].Content)
	newCount := len(messages)

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		s = &session{
			meta: memory.SessionMeta{
				SessionID:        sessionID,
				FirstSeen:        now,
				LastSeen:         now,
				LastMessageCount: newCount,
				FirstMessageHash: newHash,
			},
			buffer: cloneMessages(messages),
		}
		s.lru = t.order.PushFront(sessionID)
		t.sessions[sessionID] = s
		t.evictLocked()
		return Detection{}
	}

	det := Detect(s.meta, newCount, newHash, now, t.cfg)
	if det.Detected {
		tr := t.assembleLocked(s, det.Reason, now)
		t.log.Info("conversation boundary detected",
			"session_id", sessionID,
			"reason", string(det.Reason),
			"idle_seconds", det.IdleSeconds,
			"drop_percent", det.DropPercent,
			"hash_changed", det.HashChanged,
			"message_count", tr.MessageCount,
		)
		go t.dispatch(tr)

		s.meta.FirstSeen = now
		s.meta.LastSeen = now
		s.meta.LastMessageCount = newCount
		s.meta.FirstMessageHash = newHash
		s.buffer = cloneMessages(messages)
	} else {
		s.meta.LastSeen = now
		s.meta.LastMessageCount = newCount
		s.meta.FirstMessageHash = newHash
		s.buffer = cloneMessages(messages)
	}

	t.order.MoveToFront(s.lru)
	t.evictLocked()
	return det
}

// TrackedSessions returns the number of live sessions (for readiness/ops).
func (t *Tracker) TrackedSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// assembleLocked builds the transcript for the prior session. Per-message
// timestamps are not recoverable from the chat API, so they are linearly
// interpolated between the session start and now; downstream consumers treat
// them as approximate.
func (t *Tracker) assembleLocked(s *session, reason memory.TriggerReason, now time.Time) *memory.Transcript {
	msgs := make([]memory.Message, len(s.buffer))
	copy(msgs, s.buffer)

	start := s.meta.FirstSeen
	span := now.Sub(start)
	n := len(msgs)
	for i := range msgs {
		if n > 1 {
			msgs[i].Timestamp = start.Add(time.Duration(int64(span) * int64(i) / int64(n-1)))
		} else {
			msgs[i].Timestamp = start
		}
	}

	return &memory.Transcript{
		SessionID:     s.meta.SessionID,
		StartTime:     start,
		EndTime:       now,
		MessageCount:  n,
		TriggerReason: reason,
		Messages:      msgs,
	}
}

// dispatch runs outside the tracker lock. Sink and handler failures are
// contained here; boundary processing must never block or fail a chat
// response.
func (t *Tracker) dispatch(tr *memory.Transcript) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("boundary dispatch panic", "session_id", tr.SessionID, "panic", r)
		}
	}()
	ctx := context.Background()
	if t.sink != nil {
		if err := t.sink.Write(ctx, tr); err != nil {
			t.log.Warn("transcript write failed", "session_id", tr.SessionID, "error", err)
		}
	}
	if t.handler != nil {
		t.handler(ctx, tr)
	}
}

func (t *Tracker) evictLocked() {
	for len(t.sessions) > t.maxTracked {
		back := t.order.Back()
		if back == nil {
			return
		}
		id, _ := back.Value.(string)
		t.order.Remove(back)
		delete(t.sessions, id)
		t.log.Debug("evicted least recently used session", "session_id", id)
	}
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func cloneMessages(in []memory.Message) []memory.Message {
	out := make([]memory.Message, len(in))
	copy(out, in)
	return out
}
