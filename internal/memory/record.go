package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memtide/memtide/internal/platform/apierr"
)

// NewRecord produces a Record with the default persistence floor.
func NewRecord(t Type, content string, confidence float64, conversationID string, now time.Time) (*Record, error) {
	return NewRecordWithFloor(t, content, confidence, MinConfidence, conversationID, now)
}

// NewRecordWithFloor is the only way to produce a Record. It enforces the
// given persistence floor and the field invariants, so anything holding a
// *Record can rely on them without rechecking. The floor is configurable
// through EXTRACTION_MIN_CONFIDENCE; a non-positive floor falls back to the
// default.
func NewRecordWithFloor(t Type, content string, confidence, floor float64, conversationID string, now time.Time) (*Record, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: memory type %q", apierr.ErrInvalidArgument, string(t))
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: empty memory content", apierr.ErrInvalidArgument)
	}
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0, 1]", apierr.ErrInvalidArgument, confidence)
	}
	if floor <= 0 {
		floor = MinConfidence
	}
	if confidence < floor {
		return nil, fmt.Errorf("%w: %.2f < %.2f", apierr.ErrBelowThreshold, confidence, floor)
	}
	now = now.UTC()
	return &Record{
		ID:                   uuid.NewString(),
		Type:                 t,
		Content:              content,
		Confidence:           confidence,
		SourceConversationID: strings.TrimSpace(conversationID),
		ExtractionTimestamp:  now,
		LearnedAt:            now,
		ValidFrom:            now,
	}, nil
}

// AttachEmbedding validates the vector dimension and marks the record
// embedded. Dimension mismatch is a validation error, not retryable.
func (r *Record) AttachEmbedding(vec []float32, version string, now time.Time) error {
	if len(vec) != EmbeddingDim {
		return fmt.Errorf("%w: embedding dimension %d, want %d", apierr.ErrInvalidArgument, len(vec), EmbeddingDim)
	}
	now = now.UTC()
	r.Embedding = vec
	r.HasEmbedding = true
	r.EmbeddingVersion = version
	r.EmbeddingUpdatedAt = &now
	return nil
}
