// Package report holds the result model shared by the runner, the
// publisher and the orchestrator, and serializes test reports.
package report

import (
	"fmt"
	"strings"
	"time"
)

// TestStatus represents the possible states of a test execution.
type TestStatus string

const (
	TestStatusPass  TestStatus = "pass"
	TestStatusFail  TestStatus = "fail"
	TestStatusSkip  TestStatus = "skip"
	TestStatusError TestStatus = "error"
)

// TestResult captures the outcome of a single test.
type TestResult struct {
	Name     string
	Target   string // test target (path) this test belongs to
	Status   TestStatus
	Error    error
	Duration time.Duration
	Stdout   string // captured output for failing tests
	TimedOut bool
	Crashed  bool // the worker process died instead of reporting a verdict
	SubTests map[string]*TestResult
}

// TargetResult aggregates the results of one test target.
type TargetResult struct {
	Path     string
	Tests    map[string]*TestResult
	Status   TestStatus
	Duration time.Duration
	Stats    Stats
}

// TestReport captures the complete results of the testing step.
type TestReport struct {
	RunID    string
	JobName  string
	Targets  map[string]*TargetResult
	Status   TestStatus
	Duration time.Duration
	Stats    Stats
}

// Stats tracks test statistics at each aggregation level.
type Stats struct {
	Total     int
	Passed    int
	Failed    int
	Skipped   int
	Errored   int
	StartTime time.Time
	EndTime   time.Time
}

// PassRate returns the fraction of non-skipped tests that passed.
func (s Stats) PassRate() float64 {
	ran := s.Total - s.Skipped
	if ran <= 0 {
		return 1.0
	}
	return float64(s.Passed) / float64(ran)
}

// StepRecord is the durable record of one ordered unit of work within a
// job. ContinueOnFailure is true only for non-critical steps; the job's
// terminal status is failed iff a step without it exited non-zero.
type StepRecord struct {
	Name              string
	ExitCode          int
	StdoutTail        string
	StderrTail        string
	ContinueOnFailure bool
	StartTime         time.Time
	Duration          time.Duration
}

// Failed reports whether this step's outcome counts against the job.
func (s StepRecord) Failed() bool {
	return s.ExitCode != 0 && !s.ContinueOnFailure
}

// CoverageReport maps each source unit in scope to its line counts.
type CoverageReport struct {
	Scope string
	Files map[string]*FileCoverage
}

// FileCoverage holds covered/uncovered line counts for one source unit.
type FileCoverage struct {
	Covered   int
	Uncovered int
}

// Percent returns the overall covered-line percentage.
func (c *CoverageReport) Percent() float64 {
	var covered, total int
	for _, f := range c.Files {
		covered += f.Covered
		total += f.Covered + f.Uncovered
	}
	if total == 0 {
		return 0
	}
	return 100 * float64(covered) / float64(total)
}

// NewTestReport creates an empty report for a run.
func NewTestReport(runID, jobName string, start time.Time) *TestReport {
	return &TestReport{
		RunID:   runID,
		JobName: jobName,
		Targets: make(map[string]*TargetResult),
		Stats:   Stats{StartTime: start},
	}
}

// AddResult merges one test result into the report under its target,
// updating statistics at both levels. Called only after the worker pool has
// joined; the report is never shared between live workers.
func (r *TestReport) AddResult(test *TestResult) {
	target, ok := r.Targets[test.Target]
	if !ok {
		target = &TargetResult{
			Path:  test.Target,
			Tests: make(map[string]*TestResult),
		}
		r.Targets[test.Target] = target
	}

	target.Tests[test.Name] = test
	target.Duration += test.Duration
	target.Stats.count(test.Status)
	r.Stats.count(test.Status)
	r.Duration += test.Duration

	for _, sub := range test.SubTests {
		target.Stats.count(sub.Status)
		r.Stats.count(sub.Status)
	}

	target.Status = combineStatus(target.Status, effectiveStatus(test))
	r.Status = combineStatus(r.Status, effectiveStatus(test))
}

// Finalize stamps the end time and settles the terminal status. A report
// with zero tests passes: an empty suite is a success, not an error.
func (r *TestReport) Finalize() {
	r.Stats.EndTime = time.Now()
	if r.Stats.Total == 0 || r.Status == "" {
		r.Status = TestStatusPass
	}
}

// Passed reports whether the testing step as a whole succeeded.
func (r *TestReport) Passed() bool {
	return r.Status == TestStatusPass || r.Status == TestStatusSkip
}

func (s *Stats) count(status TestStatus) {
	s.Total++
	switch status {
	case TestStatusPass:
		s.Passed++
	case TestStatusFail:
		s.Failed++
	case TestStatusSkip:
		s.Skipped++
	case TestStatusError:
		s.Errored++
	}
}

// effectiveStatus folds error into fail for aggregation purposes; a crashed
// worker must never leave a green report behind.
func effectiveStatus(test *TestResult) TestStatus {
	if test.Status == TestStatusError {
		return TestStatusFail
	}
	return test.Status
}

// combineStatus merges a child status into an aggregate one. Failure is
// sticky; a skip-only aggregate stays skipped.
func combineStatus(agg, child TestStatus) TestStatus {
	if agg == TestStatusFail || child == TestStatusFail {
		return TestStatusFail
	}
	if agg == "" {
		return child
	}
	if agg == TestStatusPass || child == TestStatusPass {
		return TestStatusPass
	}
	return TestStatusSkip
}

// String returns a formatted summary of the test report.
func (r *TestReport) String() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Test Report (%s):\n", formatDuration(r.Duration)))
	b.WriteString(fmt.Sprintf("Total: %d, Passed: %d, Failed: %d, Skipped: %d, Errored: %d\n",
		r.Stats.Total, r.Stats.Passed, r.Stats.Failed, r.Stats.Skipped, r.Stats.Errored))

	for path, target := range r.Targets {
		b.WriteString(fmt.Sprintf("\nTarget: %s (%s)\n", path, formatDuration(target.Duration)))
		b.WriteString(fmt.Sprintf("├── Status: %s\n", target.Status))
		b.WriteString(fmt.Sprintf("├── Tests: %d passed, %d failed, %d skipped\n",
			target.Stats.Passed, target.Stats.Failed, target.Stats.Skipped))

		for testName, test := range target.Tests {
			b.WriteString(fmt.Sprintf("├── Test: %s (%s) [status=%s]\n",
				testName, formatDuration(test.Duration), test.Status))
			if test.Error != nil {
				b.WriteString(fmt.Sprintf("│       └── Error: %s\n", test.Error.Error()))
			}
		}
	}
	return b.String()
}

// formatDuration formats the duration to seconds with 1 decimal place.
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
