package boundary

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/memtide/memtide/internal/memory"
	"github.com/memtide/memtide/internal/platform/logger"
)

// FileSink writes one JSON file per closed session into a flat directory,
// named <session_id_prefix8>_<YYYYMMDD_HHMMSS>.json.
type FileSink struct {
	dir string
	log *logger.Logger
}

func NewFileSink(dir string, log *logger.Logger) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("transcript dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	return &FileSink{dir: dir, log: log.With("component", "TranscriptSink")}, nil
}

func (s *FileSink) Write(ctx context.Context, t *memory.Transcript) error {
	if t == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := t.SessionID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	name := fmt.Sprintf("%s_%s.json", prefix, t.EndTime.UTC().Format("20060102_150405"))
	path := filepath.Join(s.dir, name)

	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	s.log.Debug("transcript written", "session_id", t.SessionID, "path", path, "messages", t.MessageCount)
	return nil
}
