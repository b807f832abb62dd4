// Package report records the outcome of every migration run. A report is
// written whether the run succeeded or failed; it carries the counts, the
// skipped activations, and the path to the rollback artifact.
package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RunKind labels what a run did.
type RunKind string

const (
	KindExport   RunKind = "export"
	KindImport   RunKind = "import"
	KindSnapshot RunKind = "snapshot"
)

// Counts pairs an expected figure with what was actually observed.
type Counts struct {
	Expected int `json:"expected"`
	Actual   int `json:"actual"`
}

// RunReport is the structured outcome of one run.
type RunReport struct {
	RunID       string  `json:"run_id"`
	Kind        RunKind `json:"kind"`
	Environment string  `json:"environment"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`

	PackagePath string `json:"package_path,omitempty"`

	// BackupPath is the rollback anchor: the last line of defense if the
	// import left the destination in a bad state.
	BackupPath string `json:"backup_path,omitempty"`

	Workflows   Counts `json:"workflows"`
	Credentials Counts `json:"credentials"`
	Activated   Counts `json:"activated"`

	SkippedActivations []string `json:"skipped_activations,omitempty"`
	Warnings           []string `json:"warnings,omitempty"`
}

// AddWarning appends a warning line.
func (r *RunReport) AddWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Summary renders the operator-facing one-screen summary.
func (r *RunReport) Summary() string {
	var b strings.Builder

	status := "SUCCEEDED"
	if !r.Success {
		status = "FAILED"
	}

	fmt.Fprintf(&b, "%s run %s %s (%s)\n", r.Kind, r.RunID, status, r.Environment)
	fmt.Fprintf(&b, "  workflows:   %d expected, %d actual\n", r.Workflows.Expected, r.Workflows.Actual)
	fmt.Fprintf(&b, "  credentials: %d expected, %d actual\n", r.Credentials.Expected, r.Credentials.Actual)
	fmt.Fprintf(&b, "  activated:   %d expected, %d actual\n", r.Activated.Expected, r.Activated.Actual)

	if len(r.SkippedActivations) > 0 {
		fmt.Fprintf(&b, "  skipped activations: %s\n", strings.Join(r.SkippedActivations, ", "))
	}

	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", w)
	}

	if r.BackupPath != "" {
		fmt.Fprintf(&b, "  rollback artifact: %s\n", r.BackupPath)
	}

	if r.Error != "" {
		fmt.Fprintf(&b, "  error: %s\n", r.Error)
	}

	return b.String()
}

// Store persists reports as JSON files under one directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{dir: dir, logger: logger}
}

// Save writes the report and returns its path. Save never fails the run it
// reports on: errors are returned for logging, not for aborting.
func (s *Store) Save(r *RunReport) (string, error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create report directory %s: %w", s.dir, err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%s.json", r.FinishedAt.UTC().Format("20060102T150405.000000000Z"), r.Kind, r.RunID)
	path := filepath.Join(s.dir, name)

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write report %s: %w", path, err)
	}

	return path, nil
}

// List returns all stored reports, newest first.
func (s *Store) List() ([]*RunReport, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read report directory %s: %w", s.dir, err)
	}

	var reports []*RunReport

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read report %s: %w", e.Name(), err)
		}

		var r RunReport
		if err := json.Unmarshal(data, &r); err != nil {
			s.logger.Warn("Skipping unreadable report", "file", e.Name(), "error", err)

			continue
		}

		reports = append(reports, &r)
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].FinishedAt.After(reports[j].FinishedAt)
	})

	return reports, nil
}

// Latest returns the most recent report, or nil when none exist.
func (s *Store) Latest() (*RunReport, error) {
	reports, err := s.List()
	if err != nil {
		return nil, err
	}

	if len(reports) == 0 {
		return nil, nil
	}

	return reports[0], nil
}
