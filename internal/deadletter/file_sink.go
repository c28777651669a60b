package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kafq/kafq/internal/domain"
)

type fileRecord struct {
	Key       []byte            `json:"key"`
	Value     []byte            `json:"value"`
	Topic     string            `json:"topic"`
	Partition int32             `json:"partition"`
	Offset    int64             `json:"offset"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	WrittenAt time.Time         `json:"written_at"`
}

// FileSink appends dead-lettered records to a local JSONL file. Intended as
// a fallback for when the dead-letter topic itself is unreachable.
type FileSink struct {
	mu   sync.Mutex
	path string
}

func NewFileSink(path string) (*FileSink, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create dead-letter fallback directory: %w", err)
	}
	return &FileSink{path: path}, nil
}

func (f *FileSink) Publish(_ context.Context, rec domain.Record, key []byte) error {
	entry := fileRecord{
		Key:       key,
		Value:     rec.Value,
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Headers:   rec.Headers,
		Timestamp: rec.Timestamp,
		WrittenAt: time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter record: %w", err)
	}
	data = append(data, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open dead-letter fallback file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write dead-letter fallback record: %w", err)
	}
	return nil
}
