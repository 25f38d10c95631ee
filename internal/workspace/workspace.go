package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Workspace is the per-run directory holding human-readable run metadata
// next to the database.
type Workspace struct {
	Path string
}

type RunMetadata struct {
	RunID     string    `json:"run_id"`
	SpecName  string    `json:"spec_name"`
	SpecPath  string    `json:"spec_path"`
	SpecHash  string    `json:"spec_hash"`
	Seed      int64     `json:"seed"`
	Planned   int       `json:"planned"`
	Judges    []string  `json:"judges"`
	Modes     []string  `json:"modes"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is one invocation of run or resume against the run.
type Session struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	PID        int       `json:"pid"`
	Status     string    `json:"status"`
	Planned    int       `json:"planned"`
	Skipped    int       `json:"skipped"`
	Dispatched int       `json:"dispatched"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Abandoned  int       `json:"abandoned"`
	Retries    int       `json:"retries"`
	Duration   string    `json:"duration"`
	Error      string    `json:"error,omitempty"`
}

type Summary struct {
	RunID    string    `json:"run_id"`
	Sessions []Session `json:"sessions"`
}

const (
	runFile     = "run.json"
	summaryFile = "summary.json"
)

func Create(baseDir, runID string) (*Workspace, error) {
	w := &Workspace{Path: filepath.Join(baseDir, runID)}
	if err := os.MkdirAll(w.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}
	return w, nil
}

func Open(baseDir, runID string) (*Workspace, error) {
	path := filepath.Join(baseDir, runID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace for run %s does not exist", runID)
	}
	return &Workspace{Path: path}, nil
}

// Remove deletes the workspace directory; a missing directory is not an error.
func Remove(baseDir, runID string) error {
	return os.RemoveAll(filepath.Join(baseDir, runID))
}

func (w *Workspace) WriteRunMetadata(meta *RunMetadata) error {
	return w.writeJSON(runFile, meta)
}

func (w *Workspace) ReadRunMetadata() (*RunMetadata, error) {
	var meta RunMetadata
	if err := w.readJSON(runFile, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// AppendSession adds a session to summary.json, creating it if needed.
func (w *Workspace) AppendSession(runID string, s Session) error {
	summary, err := w.ReadSummary()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		summary = &Summary{RunID: runID}
	}
	summary.Sessions = append(summary.Sessions, s)
	return w.writeJSON(summaryFile, summary)
}

func (w *Workspace) ReadSummary() (*Summary, error) {
	var s Summary
	if err := w.readJSON(summaryFile, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// writeJSON replaces the file atomically so a crash never leaves it truncated.
func (w *Workspace) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp := filepath.Join(w.Path, name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(w.Path, name)); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (w *Workspace) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(w.Path, name))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}
