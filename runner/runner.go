// Package runner executes the test step: it fans test targets out to a
// bounded worker pool, parses each target's event stream, and aggregates a
// TestReport plus an optional CoverageReport.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ci-harness/ci-harness/environ"
	"github.com/ci-harness/ci-harness/jobspec"
	"github.com/ci-harness/ci-harness/logging"
	"github.com/ci-harness/ci-harness/metrics"
	"github.com/ci-harness/ci-harness/report"
	"github.com/ci-harness/ci-harness/shell"
)

const stderrTailLines = 20

// Coverage collection error policies.
const (
	CoveragePolicyWarn   = "warn"   // log and continue without coverage
	CoveragePolicyStrict = "strict" // a coverage error fails the testing step
)

// TestExecutionError is the fatal error class for the testing step: the
// harness could not execute a test worker at all. A worker that started and
// then crashed is recorded in the report instead, so the failure is visible
// per target rather than aborting aggregation.
type TestExecutionError struct {
	Target string
	Err    error
}

func (e *TestExecutionError) Error() string {
	return fmt.Sprintf("executing tests for %s: %v", e.Target, e.Err)
}

func (e *TestExecutionError) Unwrap() error {
	return e.Err
}

// IsTestExecutionError checks if the error is or wraps a TestExecutionError.
func IsTestExecutionError(err error) bool {
	var tErr *TestExecutionError
	return err != nil && errors.As(err, &tErr)
}

// TestRunner defines the interface for running the test step.
type TestRunner interface {
	RunAll(ctx context.Context) (*report.TestReport, *report.CoverageReport, error)
}

// Config holds configuration for creating a new runner.
type Config struct {
	Spec           *jobspec.Spec
	Env            environ.Env
	WorkDir        string
	Executor       shell.Executor
	Log            *zap.SugaredLogger
	FileLogger     *logging.FileLogger
	Parallelism    int    // overrides the spec value when > 0
	FailFast       bool   // overrides the spec value when true
	CoveragePolicy string // CoveragePolicyWarn or CoveragePolicyStrict
	RunID          string
}

type testRunner struct {
	spec           *jobspec.Spec
	env            environ.Env
	workDir        string
	executor       shell.Executor
	log            *zap.SugaredLogger
	fileLogger     *logging.FileLogger
	parallelism    int
	failFast       bool
	coveragePolicy string
	runID          string
}

// NewTestRunner creates a new test runner instance.
func NewTestRunner(cfg Config) (TestRunner, error) {
	if cfg.Spec == nil {
		return nil, fmt.Errorf("job spec is required")
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work directory is required")
	}
	if len(cfg.Spec.Test.Targets) > 0 && cfg.Env.IsZero() {
		return nil, fmt.Errorf("environment handle is required")
	}
	if cfg.Executor == nil {
		cfg.Executor = shell.NewExecutor()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}

	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = cfg.Spec.Test.Parallelism
	}
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}

	policy := cfg.CoveragePolicy
	if policy == "" {
		policy = CoveragePolicyWarn
	}
	if policy != CoveragePolicyWarn && policy != CoveragePolicyStrict {
		return nil, fmt.Errorf("invalid coverage policy %q", policy)
	}

	runID := cfg.RunID
	if cfg.FileLogger != nil {
		runID = cfg.FileLogger.GetRunID()
	}
	if runID == "" {
		runID = uuid.New().String()
	}

	return &testRunner{
		spec:           cfg.Spec,
		env:            cfg.Env,
		workDir:        cfg.WorkDir,
		executor:       cfg.Executor,
		log:            cfg.Log,
		fileLogger:     cfg.FileLogger,
		parallelism:    parallelism,
		failFast:       cfg.FailFast || cfg.Spec.Test.FailFast,
		coveragePolicy: policy,
		runID:          runID,
	}, nil
}

// RunAll implements the TestRunner interface. Workers share no mutable
// state; results are merged into the report only after the pool has joined.
func (r *testRunner) RunAll(ctx context.Context) (*report.TestReport, *report.CoverageReport, error) {
	start := time.Now()
	rep := report.NewTestReport(r.runID, r.spec.Name, start)

	targets := r.spec.Test.Targets
	if len(targets) == 0 {
		r.log.Infow("No test targets declared, empty report", "job", r.spec.Name)
		rep.Finalize()
		return rep, nil, nil
	}

	r.log.Infow("Starting test execution",
		"job", r.spec.Name,
		"targets", len(targets),
		"parallelism", r.parallelism,
		"failFast", r.failFast)

	outcomes, err := r.executeParallel(ctx, targets)
	if err != nil {
		return nil, nil, err
	}

	var profilePaths []string
	for _, outcome := range outcomes {
		for _, test := range outcome.Results {
			rep.AddResult(test)
			metrics.RecordTest(r.spec.Name, r.runID, test.Target, test.Status)
		}
		if outcome.ProfilePath != "" {
			profilePaths = append(profilePaths, outcome.ProfilePath)
		}
	}

	cov, covErr := r.collectCoverage(profilePaths)
	if covErr != nil {
		switch r.coveragePolicy {
		case CoveragePolicyStrict:
			rep.AddResult(&report.TestResult{
				Name:   "coverage-collection",
				Target: r.spec.Test.Coverage.Scope,
				Status: report.TestStatusError,
				Error:  covErr,
			})
		default:
			r.log.Warnw("Coverage collection failed, continuing without coverage", "error", covErr)
			metrics.RecordErrorDetails("coverage collection", covErr)
		}
		cov = nil
	}

	rep.Duration = time.Since(start)
	rep.Finalize()

	r.log.Infow("Test execution completed",
		"job", r.spec.Name,
		"run_id", r.runID,
		"status", rep.Status,
		"total", rep.Stats.Total,
		"failed", rep.Stats.Failed)

	return rep, cov, nil
}

// collectCoverage parses the per-target profile files when coverage is
// configured.
func (r *testRunner) collectCoverage(profilePaths []string) (*report.CoverageReport, error) {
	if r.spec.Test.Coverage.Profile == "" {
		return nil, nil
	}
	if len(profilePaths) == 0 {
		return nil, &CoverageError{
			Profile: r.spec.Test.Coverage.Profile,
			Err:     errors.New("no coverage profiles were produced"),
		}
	}
	sort.Strings(profilePaths)
	return parseCoverProfiles(profilePaths, r.spec.Test.Coverage.Scope)
}

// runTarget executes the test command for a single target and parses its
// event stream. Only inability to execute at all is returned as an error;
// every other outcome, crashes included, is represented in the results.
func (r *testRunner) runTarget(ctx context.Context, target jobspec.TargetConfig) (*targetOutcome, error) {
	outcome := &targetOutcome{Target: target}

	if target.Timeout != nil {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, *target.Timeout)
		defer cancel()
	}

	profilePath := ""
	if r.spec.Test.Coverage.Profile != "" {
		profilePath = filepath.Join(r.workDir, r.spec.Test.Coverage.Profile+"."+sanitizeTarget(target.Path))
	}

	argv := shell.Expand(r.spec.Test.Command, map[string]string{
		"env":     r.env.Root,
		"bin":     r.env.BinDir,
		"runtime": r.env.Runtime,
		"target":  target.Path,
		"scope":   r.spec.Test.Coverage.Scope,
		"profile": profilePath,
	})

	r.log.Infow("Running test target", "target", target.Path)
	r.log.Debugw("Running test command", "command", argv, "dir", r.workDir, "timeout", target.Timeout)

	start := time.Now()
	res, err := r.executor.Run(ctx, r.workDir, r.env.Overlay(), argv[0], argv[1:]...)
	elapsed := time.Since(start)

	if r.fileLogger != nil {
		if logErr := r.fileLogger.WriteTargetOutput(target.Path, []byte(res.Stdout)); logErr != nil {
			r.log.Errorw("Failed to store raw target output", "target", target.Path, "error", logErr)
		}
	}

	if ctx.Err() == context.DeadlineExceeded {
		timeoutErr := errors.New("test target timed out")
		if target.Timeout != nil {
			timeoutErr = fmt.Errorf("test target timed out after %v", *target.Timeout)
		}
		outcome.Results = []*report.TestResult{{
			Name:     targetEntryName(target.Path),
			Target:   target.Path,
			Status:   report.TestStatusError,
			TimedOut: true,
			Duration: elapsed,
			Error:    timeoutErr,
		}}
		return outcome, nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		// Aborted by fail-fast cancellation; the triggering failure is
		// already recorded by another worker.
		return outcome, nil
	}
	if err != nil {
		return nil, &TestExecutionError{Target: target.Path, Err: err}
	}

	tests, hasValidEvent := parseEventStream([]byte(res.Stdout), target.Path)

	if !hasValidEvent {
		if res.ExitCode == 0 && !res.Crashed && strings.TrimSpace(res.Stdout) == "" {
			// Nothing discovered: an empty target is a success, not an error.
			return outcome, nil
		}
		outcome.Results = []*report.TestResult{crashResult(target.Path, res, elapsed)}
		return outcome, nil
	}

	for _, test := range tests {
		outcome.Results = append(outcome.Results, test)
	}

	// The process died after emitting events but no test reported failure:
	// record the crash explicitly so the report cannot be falsely green.
	if (res.Crashed || res.ExitCode != 0) && !anyFailed(tests) {
		outcome.Results = append(outcome.Results, crashResult(target.Path, res, elapsed))
	}

	if profilePath != "" {
		outcome.ProfilePath = profilePath
	}
	return outcome, nil
}

func anyFailed(tests map[string]*report.TestResult) bool {
	for _, test := range tests {
		if test.Status == report.TestStatusFail || test.Status == report.TestStatusError {
			return true
		}
	}
	return false
}

func crashResult(target string, res shell.Result, elapsed time.Duration) *report.TestResult {
	msg := fmt.Sprintf("test worker exited with code %d before reporting results", res.ExitCode)
	if res.Crashed {
		msg = "test worker crashed"
	}
	if tail := shell.Tail(res.Stderr, stderrTailLines); tail != "" {
		msg = fmt.Sprintf("%s\nstderr: %s", msg, tail)
	}
	return &report.TestResult{
		Name:     targetEntryName(target),
		Target:   target,
		Status:   report.TestStatusError,
		Crashed:  true,
		Duration: elapsed,
		Error:    errors.New(msg),
	}
}

// targetEntryName names the synthetic report entry for a target-level
// failure.
func targetEntryName(target string) string {
	parts := strings.Split(strings.TrimSuffix(target, "/"), "/")
	return parts[len(parts)-1]
}

var targetReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")

func sanitizeTarget(target string) string {
	return targetReplacer.Replace(target)
}

// Make sure the runner type implements the interface.
var _ TestRunner = &testRunner{}
