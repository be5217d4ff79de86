package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kilianp07/solarcharge/core/model"
	"github.com/kilianp07/solarcharge/core/schedule"
)

// FileStore persists the single schedule record as a JSON file. Writes go to
// a temp file in the same directory followed by a rename, so a crash mid-save
// never leaves a torn record behind.
type FileStore struct {
	path string
}

// NewFileStore creates the parent directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("schedule store path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, schedule.PersistenceError("mkdir", err)
		}
	}
	return &FileStore{path: path}, nil
}

// Load returns the persisted schedule, or nil when none has been saved yet.
func (f *FileStore) Load() (*model.Schedule, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, schedule.PersistenceError("read", err)
	}
	var s model.Schedule
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, schedule.PersistenceError("decode", err)
	}
	return &s, nil
}

// Save atomically replaces the persisted schedule.
func (f *FileStore) Save(s *model.Schedule) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return schedule.PersistenceError("encode", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".schedule-*.json")
	if err != nil {
		return schedule.PersistenceError("tempfile", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return schedule.PersistenceError("write", err)
	}
	if err := tmp.Close(); err != nil {
		return schedule.PersistenceError("close", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return schedule.PersistenceError("rename", err)
	}
	return nil
}
