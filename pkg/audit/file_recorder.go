package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileRecorder appends entries as NDJSON to a local file with size-based
// rotation. It is meant as a secondary sink behind MultiRecorder (local
// forensic copy, tail -f debugging), not as the durable store of record.
type FileRecorder struct {
	mu     sync.Mutex
	file   *os.File
	size   int64
	config FileRecorderConfig
}

// FileRecorderConfig configures file output and rotation
type FileRecorderConfig struct {
	Path       string
	MaxSize    int64 // bytes before rotation
	MaxBackups int   // rotated files to keep
}

// DefaultFileRecorderConfig returns sensible rotation defaults
func DefaultFileRecorderConfig() FileRecorderConfig {
	return FileRecorderConfig{
		Path:       "audit.ndjson",
		MaxSize:    50 * 1024 * 1024,
		MaxBackups: 5,
	}
}

// NewFileRecorder opens (or creates) the audit file for appending
func NewFileRecorder(config FileRecorderConfig) (*FileRecorder, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("audit file path is required")
	}
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultFileRecorderConfig().MaxSize
	}
	r := &FileRecorder{config: config}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRecorder) open() error {
	file, err := os.OpenFile(r.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat audit file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

func (r *FileRecorder) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit file for rotation: %w", err)
	}
	rotated := fmt.Sprintf("%s.%s", r.config.Path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(r.config.Path, rotated); err != nil {
		return fmt.Errorf("failed to rotate audit file: %w", err)
	}
	if err := r.cleanupBackups(); err != nil {
		return err
	}
	return r.open()
}

func (r *FileRecorder) cleanupBackups() error {
	if r.config.MaxBackups <= 0 {
		return nil
	}
	matches, err := filepath.Glob(r.config.Path + ".*")
	if err != nil {
		return fmt.Errorf("failed to list rotated audit files: %w", err)
	}
	if len(matches) <= r.config.MaxBackups {
		return nil
	}
	sort.Strings(matches)
	for _, stale := range matches[:len(matches)-r.config.MaxBackups] {
		if err := os.Remove(stale); err != nil {
			return fmt.Errorf("failed to remove rotated audit file: %w", err)
		}
	}
	return nil
}

// Record appends the entry and fsyncs before returning
func (r *FileRecorder) Record(ctx context.Context, entry *Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(line)) > r.config.MaxSize {
		if err := r.rotate(); err != nil {
			return err
		}
	}

	n, err := r.file.Write(line)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	r.size += int64(n)
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit file: %w", err)
	}
	return nil
}

// Close closes the underlying file
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// ReadAll reads back every entry in the current file, oldest first
func (r *FileRecorder) ReadAll() ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit file: %w", err)
	}

	var entries []*Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		entry := &Entry{}
		if err := dec.Decode(entry); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
