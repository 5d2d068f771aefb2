package publisher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ci-harness/ci-harness/report"
)

const (
	StepsFilename    = "steps.json"
	CoverageFilename = "coverage.json"
)

// ArtifactStore persists run artifacts to the durable artifact directory.
// The JUnit report lands at its configured relative path so report viewers
// can find it at a fixed location across runs.
type ArtifactStore struct {
	dir        string
	reportPath string // relative path of the JUnit report within dir
	log        *zap.SugaredLogger
}

// NewArtifactStore creates the artifact directory if needed.
func NewArtifactStore(dir, reportPath string, log *zap.SugaredLogger) (*ArtifactStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if reportPath == "" {
		return nil, fmt.Errorf("report path is required")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory %s: %w", absDir, err)
	}
	return &ArtifactStore{dir: absDir, reportPath: reportPath, log: log}, nil
}

// ReportPath returns the absolute path the JUnit report is written to.
func (s *ArtifactStore) ReportPath() string {
	return filepath.Join(s.dir, s.reportPath)
}

// Dir returns the artifact directory root.
func (s *ArtifactStore) Dir() string {
	return s.dir
}

// StoreRun writes the JUnit report, the step records and the coverage
// summary. The report is written first: it must exist on disk before the
// job is allowed to reach a terminal status.
func (s *ArtifactStore) StoreRun(rep *report.TestReport, cov *report.CoverageReport, steps []report.StepRecord) error {
	path := s.ReportPath()
	if err := report.WriteJUnit(rep, path); err != nil {
		return fmt.Errorf("storing junit report: %w", err)
	}
	s.log.Infow("JUnit report written", "path", path)

	if err := s.storeSteps(rep.RunID, steps); err != nil {
		return err
	}
	if cov != nil {
		if err := s.storeCoverage(rep.RunID, cov); err != nil {
			return err
		}
	}
	return nil
}

type stepRecordJSON struct {
	Name              string    `json:"name"`
	ExitCode          int       `json:"exit_code"`
	ContinueOnFailure bool      `json:"continue_on_failure"`
	StartTime         time.Time `json:"start_time"`
	DurationSeconds   float64   `json:"duration_seconds"`
	StdoutTail        string    `json:"stdout_tail,omitempty"`
	StderrTail        string    `json:"stderr_tail,omitempty"`
}

func (s *ArtifactStore) storeSteps(runID string, steps []report.StepRecord) error {
	records := make([]stepRecordJSON, 0, len(steps))
	for _, step := range steps {
		records = append(records, stepRecordJSON{
			Name:              step.Name,
			ExitCode:          step.ExitCode,
			ContinueOnFailure: step.ContinueOnFailure,
			StartTime:         step.StartTime,
			DurationSeconds:   step.Duration.Seconds(),
			StdoutTail:        step.StdoutTail,
			StderrTail:        step.StderrTail,
		})
	}
	return s.writeJSON(runID, StepsFilename, records)
}

type coverageJSON struct {
	Scope   string                  `json:"scope,omitempty"`
	Percent float64                 `json:"percent"`
	Files   map[string]fileCoverage `json:"files"`
}

func (s *ArtifactStore) storeCoverage(runID string, cov *report.CoverageReport) error {
	out := coverageJSON{
		Scope:   cov.Scope,
		Percent: cov.Percent(),
		Files:   make(map[string]fileCoverage, len(cov.Files)),
	}
	for path, f := range cov.Files {
		out.Files[path] = fileCoverage{Covered: f.Covered, Uncovered: f.Uncovered}
	}
	return s.writeJSON(runID, CoverageFilename, out)
}

func (s *ArtifactStore) writeJSON(runID, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}
	dir := filepath.Join(s.dir, "runs", runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating run artifact directory: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
