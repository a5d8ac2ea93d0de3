package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Journal stores one JSON file per task index so that a restarted operator
// can tell which tasks it already answered. An empty dir disables it.
type Journal struct {
	dir string
	mu  sync.Mutex
}

// NewJournal creates a journal rooted at dir.
func NewJournal(dir string) *Journal {
	return &Journal{dir: dir}
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Put writes r, replacing any previous entry for the same task.
func (j *Journal) Put(r Record) error {
	if j.dir == "" {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return fmt.Errorf("creating journal directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	// write-then-rename so a crash never leaves a torn entry
	path := j.recordPath(r.TaskIndex)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("committing journal entry: %w", err)
	}
	return nil
}

// Load reads every entry. A missing directory is an empty journal. Entries
// that fail to parse are reported, not skipped, since skipping one could
// let the task be answered twice.
func (j *Journal) Load() ([]Record, error) {
	if j.dir == "" {
		return nil, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading journal directory: %w", err)
	}

	var out []Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		if _, err := strconv.ParseUint(strings.TrimSuffix(name, ".json"), 10, 32); err != nil {
			continue
		}

		data, err := os.ReadFile(filepath.Join(j.dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading journal entry %s: %w", name, err)
		}

		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parsing journal entry %s: %w", name, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (j *Journal) recordPath(taskIndex uint32) string {
	return filepath.Join(j.dir, strconv.FormatUint(uint64(taskIndex), 10)+".json")
}
