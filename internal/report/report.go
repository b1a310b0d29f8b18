// Package report owns the run's persisted outputs: the append-only
// installation log and the final JSON installation report.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oqs-tools/pqsetup/internal/fsutil"
	"github.com/oqs-tools/pqsetup/internal/pipeline"
)

// Log is the append-only installation log: timestamped lines, one per
// event, shared by the structured logger and the command recorder.
type Log struct {
	mu sync.Mutex
	f  *os.File
}

// OpenLog opens (creating if needed) the log file for appending.
func OpenLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("report: creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("report: opening log %s: %w", path, err)
	}
	return &Log{f: f}, nil
}

// Line appends one timestamped line.
func (l *Log) Line(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.f, "%s %s\n", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

// RecordCommand implements execx.Recorder.
func (l *Log) RecordCommand(name string, args []string, exitCode int, d time.Duration) {
	l.Line("exec command=%q args=%q exit_code=%d duration_ms=%d", name, args, exitCode, d.Milliseconds())
}

// Writer returns a mutex-guarded writer over the log file, suitable as a
// second slog sink.
func (l *Log) Writer() io.Writer {
	return &lockedWriter{log: l}
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

type lockedWriter struct {
	log *Log
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.log.mu.Lock()
	defer w.log.mu.Unlock()
	return w.log.f.Write(p)
}

// Report summarizes one finished run for scripting consumers.
type Report struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Prefix        string `json:"prefix"`
	LiboqsVersion string `json:"liboqs_version,omitempty"`
	LiboqsCommit  string `json:"liboqs_commit,omitempty"`
	SSHVersion    string `json:"ssh_version,omitempty"`
	SSHCommit     string `json:"ssh_commit,omitempty"`

	ConfigPath  string `json:"config_path,omitempty"`
	HostKeyPath string `json:"host_key_path,omitempty"`
	UnitPath    string `json:"unit_path,omitempty"`
	LogFile     string `json:"log_file"`

	Steps []pipeline.StepSnapshot `json:"steps"`
}

// Write persists the report as indented JSON, atomically.
func Write(path string, r *Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("report: creating report directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("report: encoding report: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("report: writing %s: %w", path, err)
	}
	return nil
}
