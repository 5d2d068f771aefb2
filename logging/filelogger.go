// Package logging writes per-run log artifacts: captured step output, raw
// test event streams and the frozen dependency snapshot.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	RunDirectoryPrefix = "jobrun-" // Standardized prefix for run directories
	SummaryFilename    = "summary.log"
	AllLogsFilename    = "all.log"
	FreezeFilename     = "dependencies.txt"
)

// FileLogger handles writing job output to files under a per-run directory.
type FileLogger struct {
	baseDir string // Base directory for logs
	runDir  string // Directory for this run
	mu      sync.Mutex
	allLogs *AsyncFile // Combined log across steps and targets
	runID   string
}

// NewFileLogger creates the run directory and the combined log writer.
func NewFileLogger(baseDir string, runID string) (*FileLogger, error) {
	runDir := filepath.Join(baseDir, RunDirectoryPrefix+runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory %s: %w", runDir, err)
	}

	allLogs, err := NewAsyncFile(filepath.Join(runDir, AllLogsFilename))
	if err != nil {
		return nil, err
	}

	return &FileLogger{
		baseDir: baseDir,
		runDir:  runDir,
		allLogs: allLogs,
		runID:   runID,
	}, nil
}

// RunDir returns the directory holding this run's log artifacts.
func (l *FileLogger) RunDir() string {
	return l.runDir
}

// GetRunID returns the run ID this logger was created for.
func (l *FileLogger) GetRunID() string {
	return l.runID
}

// WriteTargetOutput stores the raw event stream of one test target and
// appends it to the combined log.
func (l *FileLogger) WriteTargetOutput(target string, data []byte) error {
	name := sanitizeFilename(target) + ".jsonl"
	if err := l.writeFile(filepath.Join("targets", name), data); err != nil {
		return err
	}
	header := fmt.Sprintf("=== target %s ===\n", target)
	if err := l.allLogs.Write(append([]byte(header), data...)); err != nil {
		return err
	}
	return nil
}

// WriteStepLog stores the captured stdout and stderr of one step.
func (l *FileLogger) WriteStepLog(step string, stdout, stderr string) error {
	var b strings.Builder
	b.WriteString("--- stdout ---\n")
	b.WriteString(stdout)
	if !strings.HasSuffix(stdout, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("--- stderr ---\n")
	b.WriteString(stderr)
	if stderr != "" && !strings.HasSuffix(stderr, "\n") {
		b.WriteString("\n")
	}

	name := sanitizeFilename(step) + ".log"
	if err := l.writeFile(filepath.Join("steps", name), []byte(b.String())); err != nil {
		return err
	}
	header := fmt.Sprintf("=== step %s ===\n", step)
	return l.allLogs.Write(append([]byte(header), []byte(b.String())...))
}

// WriteFreeze stores the frozen dependency set for reproducibility audits.
func (l *FileLogger) WriteFreeze(data string) error {
	return l.writeFile(FreezeFilename, []byte(data))
}

// WriteSummary stores the human-readable run summary.
func (l *FileLogger) WriteSummary(summary string) error {
	return l.writeFile(SummaryFilename, []byte(summary))
}

// Complete flushes and closes the combined log. Call once, after all
// results have been written.
func (l *FileLogger) Complete() error {
	return l.allLogs.Close()
}

func (l *FileLogger) writeFile(rel string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.runDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write log file %s: %w", path, err)
	}
	return nil
}

var filenameReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_", "..", "_")

func sanitizeFilename(name string) string {
	s := filenameReplacer.Replace(name)
	if s == "" {
		s = "unnamed"
	}
	return s
}

// AsyncFile provides non-blocking file writing capabilities.
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewAsyncFile creates a new AsyncFile for non-blocking writes.
func NewAsyncFile(filepath string) (*AsyncFile, error) {
	file, err := os.Create(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", filepath, err)
	}

	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 100), // Buffer channel to reduce blocking
	}

	// Start the background writer
	af.wg.Add(1)
	go af.processQueue()

	return af, nil
}

// Write queues data to be written asynchronously.
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.stopped {
		return fmt.Errorf("async file is closed")
	}

	// Copy so the caller may reuse its buffer
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	af.queue <- dataCopy
	return nil
}

// processQueue processes the write queue in the background.
func (af *AsyncFile) processQueue() {
	defer af.wg.Done()

	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing to file: %v\n", err)
		}
	}
}

// Close stops the writer, drains the queue and closes the file.
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if af.stopped {
		af.mu.Unlock()
		return nil
	}
	af.stopped = true
	close(af.queue)
	af.mu.Unlock()

	af.wg.Wait()
	return af.file.Close()
}
