package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"ai_billing/internal/models"
)

// FileWriter appends batches of usage events to local JSON Lines files,
// rotating once a file reaches maxSize and keeping at most maxFiles.
type FileWriter struct {
	fileTemplate string // e.g. "/var/log/ai-billing/usage-%s.jsonl"
	maxSize      int64
	maxFiles     int

	mu          sync.Mutex
	currentFile string
	file        *os.File
	writer      *bufio.Writer
	currentSize int64
	sequence    int
	now         func() time.Time
}

// NewFileWriter opens the first file. fileTemplate must contain one %s,
// which is replaced by the file's creation timestamp.
func NewFileWriter(fileTemplate string, maxSize int64, maxFiles int) (*FileWriter, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("max file size must be positive")
	}
	w := &FileWriter{
		fileTemplate: fileTemplate,
		maxSize:      maxSize,
		maxFiles:     maxFiles,
		now:          time.Now,
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// newFileName applies the current timestamp to the template. The sequence
// suffix keeps names unique when two rotations land in the same second.
func (w *FileWriter) newFileName() string {
	w.sequence++
	stamp := fmt.Sprintf("%s-%04d", w.now().UTC().Format("20060102150405"), w.sequence)
	return fmt.Sprintf(w.fileTemplate, stamp)
}

func (w *FileWriter) openFile() error {
	w.currentFile = w.newFileName()

	dir := filepath.Dir(w.currentFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(w.currentFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	w.currentSize = fi.Size()
	w.file = file
	w.writer = bufio.NewWriter(file)
	return nil
}

// rotate closes the current file and opens a new one. Caller holds mu.
func (w *FileWriter) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := w.openFile(); err != nil {
		return err
	}
	return w.cleanupOldFiles()
}

// cleanupOldFiles removes the oldest rotated files beyond maxFiles
func (w *FileWriter) cleanupOldFiles() error {
	if w.maxFiles <= 0 {
		return nil
	}
	matches, err := filepath.Glob(fmt.Sprintf(w.fileTemplate, "*"))
	if err != nil {
		return err
	}

	// Names embed a sortable timestamp and sequence.
	sort.Strings(matches)
	excess := len(matches) - w.maxFiles
	for i := 0; i < excess; i++ {
		if matches[i] == w.currentFile {
			continue
		}
		_ = os.Remove(matches[i])
	}
	return nil
}

// WriteBatch appends the events and flushes them to disk. Returns the file
// holding the last event written.
func (w *FileWriter) WriteBatch(ctx context.Context, events []*models.UsageEvent) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return "", ErrSinkClosed
	}

	for _, event := range events {
		if err := ctx.Err(); err != nil {
			_ = w.writer.Flush()
			return w.currentFile, err
		}

		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		line := append(data, '\n')

		if w.currentSize > 0 && w.currentSize+int64(len(line)) > w.maxSize {
			if err := w.rotate(); err != nil {
				return w.currentFile, fmt.Errorf("failed to rotate audit file: %w", err)
			}
		}

		n, err := w.writer.Write(line)
		w.currentSize += int64(n)
		if err != nil {
			return w.currentFile, fmt.Errorf("failed to write audit file: %w", err)
		}
	}

	if err := w.writer.Flush(); err != nil {
		return w.currentFile, fmt.Errorf("failed to flush audit file: %w", err)
	}
	return w.currentFile, nil
}

// CurrentFile returns the file currently being written
func (w *FileWriter) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentFile
}

// Close flushes and closes the current file
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	flushErr := w.writer.Flush()
	closeErr := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
