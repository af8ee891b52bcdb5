package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal defines the interface for persisting run state. The journal is
// advisory progress tracking; domains that need a durable recovery point
// keep their own record (see the renew package's attempt store).
type Journal interface {
	// Save persists the current run state.
	Save(ctx context.Context, runID string, state RunState) error

	// Load retrieves a run state by ID.
	Load(ctx context.Context, runID string) (*RunState, error)

	// Delete removes a run state.
	Delete(ctx context.Context, runID string) error
}

// RunState contains the information needed to inspect or reconcile a run.
type RunState struct {
	RunID     string           `json:"run_id"`
	SagaName  string           `json:"saga_name"`
	Status    string           `json:"status"`
	Completed []CompletedPhase `json:"completed_phases"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// CompletedPhase records a phase that has been successfully executed, along
// with its output.
type CompletedPhase struct {
	Name       string          `json:"name"`
	Output     json.RawMessage `json:"output,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Run status constants.
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusRollingBack = "rolling_back"
	StatusRolledBack  = "rolled_back"
)

// MemoryJournal provides an in-memory implementation of Journal for testing
// or scenarios where persistence is not required.
type MemoryJournal struct {
	states map[string]*RunState
	mu     sync.RWMutex

	// FailSave forces Save to error, for testing journal fault handling.
	FailSave bool
}

// NewMemoryJournal creates a new in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		states: make(map[string]*RunState),
	}
}

// Save stores the run state in memory.
func (m *MemoryJournal) Save(ctx context.Context, runID string, state RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSave {
		return fmt.Errorf("journal unavailable")
	}

	stateCopy := state
	stateCopy.UpdatedAt = time.Now()

	m.states[runID] = &stateCopy
	return nil
}

// Load retrieves the run state from memory.
func (m *MemoryJournal) Load(ctx context.Context, runID string) (*RunState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.states[runID]
	if !exists {
		return nil, fmt.Errorf("run %s not found", runID)
	}

	stateCopy := *state
	return &stateCopy, nil
}

// Delete removes the run state from memory.
func (m *MemoryJournal) Delete(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, runID)
	return nil
}

// FileJournal provides a file-based implementation of Journal that persists
// run state as JSON files on disk.
type FileJournal struct {
	basePath string
	mu       sync.Mutex // Protects file operations
}

// NewFileJournal creates a new file-based journal that saves run state to
// the specified directory.
func NewFileJournal(basePath string) (*FileJournal, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileJournal{
		basePath: basePath,
	}, nil
}

// Save persists the run state to a JSON file.
func (f *FileJournal) Save(ctx context.Context, runID string, state RunState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	filename := f.filename(runID)
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}

// Load retrieves the run state from a JSON file.
func (f *FileJournal) Load(ctx context.Context, runID string) (*RunState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	filename := f.filename(runID)
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}

	return &state, nil
}

// Delete removes the run state file.
func (f *FileJournal) Delete(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	filename := f.filename(runID)
	if err := os.Remove(filename); err != nil {
		if os.IsNotExist(err) {
			// Already deleted, not an error
			return nil
		}
		return fmt.Errorf("failed to delete state file: %w", err)
	}

	return nil
}

// filename returns the full path for a run's state file.
func (f *FileJournal) filename(runID string) string {
	return filepath.Join(f.basePath, runID+".json")
}
