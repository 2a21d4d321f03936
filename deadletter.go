package tilth

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DeadLetterEntry is a permanently failed work item retained for later
// replay. Immutable once appended; entries persist across resume and are
// never silently dropped.
type DeadLetterEntry struct {
	RunID        string    `json:"run_id"`
	ItemIndex    int       `json:"item_index"`
	ItemID       string    `json:"item_id"`
	Item         any       `json:"item"`
	Reason       string    `json:"reason"`
	ErrorType    string    `json:"error_type,omitempty"`
	Attempts     int       `json:"attempts"`
	AgentID      string    `json:"agent_id,omitempty"`
	FirstAttempt time.Time `json:"first_attempt,omitzero"`
	LastAttempt  time.Time `json:"last_attempt,omitzero"`
}

// DeadLetterStore is an append-only set of dead-letter entries, queryable
// and replayable by run identifier.
type DeadLetterStore interface {
	// Append records a dead-lettered item
	Append(ctx context.Context, entry *DeadLetterEntry) error

	// List returns all entries for a run, in append order
	List(ctx context.Context, runID string) ([]*DeadLetterEntry, error)

	// Remove deletes the entries for the given item indices of a run,
	// used after a successful replay
	Remove(ctx context.Context, runID string, itemIndices []int) error
}

// FileDeadLetterStore appends entries to a JSONL file per run.
type FileDeadLetterStore struct {
	dataDir string
	mu      sync.Mutex
}

// NewFileDeadLetterStore creates a file-backed dead letter store rooted at
// dataDir. An empty dataDir defaults to ~/.tilth/dlq.
func NewFileDeadLetterStore(dataDir string) (*FileDeadLetterStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".tilth", "dlq")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dlq directory %s: %w", dataDir, err)
	}
	return &FileDeadLetterStore{dataDir: dataDir}, nil
}

func (s *FileDeadLetterStore) path(runID string) string {
	return filepath.Join(s.dataDir, runID+".jsonl")
}

func (s *FileDeadLetterStore) Append(ctx context.Context, entry *DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter entry: %w", err)
	}
	f, err := os.OpenFile(s.path(entry.RunID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open dead letter file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append dead letter entry: %w", err)
	}
	return nil
}

func (s *FileDeadLetterStore) List(ctx context.Context, runID string) ([]*DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAll(runID)
}

func (s *FileDeadLetterStore) readAll(runID string) ([]*DeadLetterEntry, error) {
	f, err := os.Open(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open dead letter file: %w", err)
	}
	defer f.Close()

	var entries []*DeadLetterEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry DeadLetterEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("corrupt dead letter entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dead letter file: %w", err)
	}
	return entries, nil
}

func (s *FileDeadLetterStore) Remove(ctx context.Context, runID string, itemIndices []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAll(runID)
	if err != nil {
		return err
	}
	drop := make(map[int]bool, len(itemIndices))
	for _, idx := range itemIndices {
		drop[idx] = true
	}

	var kept []*DeadLetterEntry
	for _, entry := range entries {
		if !drop[entry.ItemIndex] {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		if err := os.Remove(s.path(runID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove dead letter file: %w", err)
		}
		return nil
	}

	tmpPath := s.path(runID) + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to rewrite dead letter file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, entry := range kept {
		data, err := json.Marshal(entry)
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to marshal dead letter entry: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("failed to write dead letter entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush dead letter file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close dead letter file: %w", err)
	}
	return os.Rename(tmpPath, s.path(runID))
}

// NullDeadLetterStore keeps entries in memory only.
type NullDeadLetterStore struct {
	mu      sync.Mutex
	entries map[string][]*DeadLetterEntry
}

func NewNullDeadLetterStore() *NullDeadLetterStore {
	return &NullDeadLetterStore{entries: map[string][]*DeadLetterEntry{}}
}

func (s *NullDeadLetterStore) Append(ctx context.Context, entry *DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.RunID] = append(s.entries[entry.RunID], entry)
	return nil
}

func (s *NullDeadLetterStore) List(ctx context.Context, runID string) ([]*DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*DeadLetterEntry, len(s.entries[runID]))
	copy(out, s.entries[runID])
	return out, nil
}

func (s *NullDeadLetterStore) Remove(ctx context.Context, runID string, itemIndices []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[int]bool, len(itemIndices))
	for _, idx := range itemIndices {
		drop[idx] = true
	}
	var kept []*DeadLetterEntry
	for _, entry := range s.entries[runID] {
		if !drop[entry.ItemIndex] {
			kept = append(kept, entry)
		}
	}
	s.entries[runID] = kept
	return nil
}
