package state

import (
	"encoding/json"
	"os"
	"sync"
)

// FileHistory appends records as JSON lines. It stands in for the external
// time-series store in deployments that have none.
type FileHistory struct {
	mu   sync.Mutex
	file *os.File
}

// OpenFileHistory opens (or creates) the append-only series file.
func OpenFileHistory(path string) (*FileHistory, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileHistory{file: file}, nil
}

// Append writes one record as a JSON line.
func (h *FileHistory) Append(record Record) error {
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.file.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// Close flushes and closes the underlying file.
func (h *FileHistory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}
