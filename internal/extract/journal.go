package extract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JournalEntry is one recorded run failure.
type JournalEntry struct {
	Kind       string    `json:"resource_kind"`
	Table      string    `json:"destination_table"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Journal persists fatal run errors to a JSON file between extraction
// cycles. The logs run drains it, folding the accumulated failures into the
// log record it writes.
type Journal struct {
	mu   sync.Mutex
	path string
}

func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Record appends one failure to the journal. Best effort: a journal write
// failure must never mask the run error being recorded.
func (j *Journal) Record(entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.load()
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	return j.save(entries)
}

// Drain returns all recorded failures and clears the journal.
func (j *Journal) Drain() ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.load()
	if err != nil {
		return nil, err
	}
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("clear journal: %w", err)
	}
	return entries, nil
}

func (j *Journal) load() ([]JournalEntry, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read journal: %w", err)
	}

	var entries []JournalEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt journal should not wedge the pipeline; start fresh.
		return nil, nil
	}
	return entries, nil
}

func (j *Journal) save(entries []JournalEntry) error {
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}
	return os.WriteFile(j.path, data, 0o644)
}
