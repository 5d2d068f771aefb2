// Package harness orchestrates a job run as an ordered pipeline of steps:
// provision an isolated environment, install the package under test, run the
// test suite with coverage capture, and publish artifacts best-effort.
package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ci-harness/ci-harness/environ"
	"github.com/ci-harness/ci-harness/exitcodes"
	"github.com/ci-harness/ci-harness/installer"
	"github.com/ci-harness/ci-harness/jobspec"
	"github.com/ci-harness/ci-harness/logging"
	"github.com/ci-harness/ci-harness/metrics"
	"github.com/ci-harness/ci-harness/publisher"
	"github.com/ci-harness/ci-harness/report"
	"github.com/ci-harness/ci-harness/runner"
	"github.com/ci-harness/ci-harness/shell"
)

// JobStatus is the lifecycle state of a job run.
type JobStatus string

const (
	JobStatusPending      JobStatus = "pending"
	JobStatusProvisioning JobStatus = "provisioning"
	JobStatusInstalling   JobStatus = "installing"
	JobStatusTesting      JobStatus = "testing"
	JobStatusPublishing   JobStatus = "publishing"
	JobStatusSucceeded    JobStatus = "succeeded"
	JobStatusFailed       JobStatus = "failed"
)

// RunRecord captures everything one job run produced.
type RunRecord struct {
	RunID    string
	Status   JobStatus
	Report   *report.TestReport
	Coverage *report.CoverageReport
	Steps    []report.StepRecord
	Duration time.Duration
}

// Harness drives the job pipeline. It implements a Start/Stop/Stopped
// lifecycle with run-once and interval modes.
type Harness struct {
	ctx     context.Context
	config  *Config
	version string

	registry    *jobspec.Registry
	spec        *jobspec.Spec
	executor    shell.Executor
	provisioner *environ.Provisioner
	installer   *installer.Installer
	publisher   *publisher.Publisher
	results     publisher.ResultStore

	status  JobStatus
	lastRun *RunRecord
	mu      sync.Mutex

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Harness, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debugw("Creating harness with config",
		"specFile", config.SpecFile,
		"workDir", config.WorkDir,
		"artifactDir", config.ArtifactDir,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce)

	reg, err := jobspec.NewRegistry(jobspec.Config{
		Log:            config.Log,
		SpecFile:       config.SpecFile,
		DefaultTimeout: config.TestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	spec := reg.Spec()

	executor := shell.NewExecutor()

	provisioner, err := environ.NewProvisioner(environ.Config{
		EnvRoot:  filepath.Join(config.WorkDir, ".ci-harness", "envs"),
		Executor: executor,
		Log:      config.Log,
		Timeout:  config.ProvisionTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provisioner: %w", err)
	}

	inst, err := installer.New(installer.Config{
		WorkDir:  config.WorkDir,
		Executor: executor,
		Log:      config.Log,
		Timeout:  config.InstallTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create installer: %w", err)
	}

	pub, results, err := newPublisher(ctx, config, spec)
	if err != nil {
		return nil, err
	}

	config.Log.Info("harness.New: created registry, provisioner, installer and publisher")

	return &Harness{
		ctx:              ctx,
		config:           config,
		version:          version,
		registry:         reg,
		spec:             spec,
		executor:         executor,
		provisioner:      provisioner,
		installer:        inst,
		publisher:        pub,
		results:          results,
		status:           JobStatusPending,
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}, nil
}

// newPublisher wires the publish channels that are enabled by config: the
// artifact store is always on, the coverage uploader and the results store
// only when an endpoint or database URI is configured. The job spec may
// supply either when the flags leave them empty.
func newPublisher(ctx context.Context, config *Config, spec *jobspec.Spec) (*publisher.Publisher, publisher.ResultStore, error) {
	store, err := publisher.NewArtifactStore(config.ArtifactDir, spec.Test.ReportPath, config.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create artifact store: %w", err)
	}

	endpoint := config.CoverageEndpoint
	if endpoint == "" {
		endpoint = spec.Publish.CoverageEndpoint
	}
	var uploader publisher.CoverageUploader
	if endpoint != "" {
		uploader, err = publisher.NewHTTPUploader(endpoint, config.Log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create coverage uploader: %w", err)
		}
	}

	dbURI := config.DatabaseURI
	if dbURI == "" {
		dbURI = spec.Publish.DatabaseURI
	}
	var results publisher.ResultStore
	if dbURI != "" {
		results, err = publisher.NewResultStore(ctx, dbURI)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to results store: %w", err)
		}
	}

	pub, err := publisher.New(publisher.Config{
		Uploader: uploader,
		Store:    store,
		Results:  results,
		Log:      config.Log,
		JobName:  spec.Name,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create publisher: %w", err)
	}
	return pub, results, nil
}

// Start runs the job immediately and then, unless in run-once mode,
// periodically at the configured interval.
func (h *Harness) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if r := recover(); r != nil {
			h.config.Log.Errorw("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	h.ctx = ctx
	h.done = make(chan struct{})
	h.running.Store(true)

	if h.config.RunOnce {
		h.config.Log.Infow("Starting ci-harness in run-once mode", "job", h.spec.Name)
	} else {
		h.config.Log.Infow("Starting ci-harness in continuous mode", "job", h.spec.Name, "interval", h.config.RunInterval)
	}

	// Run the job immediately on startup
	err := h.runJob()
	if err != nil {
		// For runtime errors (provisioning, install, configuration), exit code 2
		h.config.Log.Errorw("Runtime error running job", "error", err)
		return cli.Exit(err.Error(), exitcodes.RuntimeErr)
	}

	if h.config.RunOnce {
		h.config.Log.Info("Job completed, exiting (run-once mode)")

		if last := h.LastRun(); last != nil && last.Status == JobStatusFailed {
			h.config.Log.Warn("Run-once job completed with failures, returning exit code 1")
			return NewTestFailureError(last.Report.String())
		}

		// Only need to call this when we're in run-once mode and the job succeeded
		go func() {
			h.shutdownCallback(nil)
		}()
		return nil
	}

	// Start a goroutine for periodic job execution
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.config.Log.Debugw("Starting periodic job runner goroutine", "interval", h.config.RunInterval)

		for {
			select {
			case <-time.After(h.config.RunInterval):
				if !h.running.Load() {
					h.config.Log.Debug("Service stopped, exiting periodic job runner")
					return
				}

				h.config.Log.Info("Running periodic job")
				if err := h.runJob(); err != nil {
					h.config.Log.Errorw("Error running periodic job", "error", err)
				}

			case <-h.done:
				h.config.Log.Debug("Done signal received, stopping periodic job runner")
				return

			case <-ctx.Done():
				h.config.Log.Debug("Context canceled, stopping periodic job runner")
				h.running.Store(false)
				return
			}
		}
	}()
	h.config.Log.Debug("ci-harness started successfully")
	return nil
}

// Stop stops the harness service.
func (h *Harness) Stop(ctx context.Context) error {
	h.config.Log.Info("Stopping ci-harness")

	if !h.running.Load() {
		h.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	// Update running state first to prevent new job runs
	h.running.Store(false)

	h.config.Log.Debug("Sending done signal to goroutines")
	close(h.done)

	if h.results != nil {
		if err := h.results.Close(); err != nil {
			h.config.Log.Warnw("Error closing results store", "error", err)
		}
	}

	h.config.Log.Info("ci-harness stopped successfully")
	return nil
}

// Stopped returns true if the harness service is stopped.
func (h *Harness) Stopped() bool {
	return !h.running.Load()
}

// LastRun returns the record of the most recent job run.
func (h *Harness) LastRun() *RunRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastRun
}

// Status returns the current pipeline state.
func (h *Harness) Status() JobStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Harness) setStatus(s JobStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
	h.config.Log.Debugw("Job status transition", "status", s)
}

// runJob executes the pipeline once. Steps run strictly in order; a failing
// critical step skips the remaining critical steps but still publishes
// whatever partial artifacts exist. Only runtime errors are returned; a test
// failure is recorded on the run record instead.
func (h *Harness) runJob() error {
	runID := uuid.New().String()
	start := time.Now()
	h.config.Log.Infow("Starting job run", "job", h.spec.Name, "run_id", runID)

	fileLogger, err := logging.NewFileLogger(filepath.Join(h.config.ArtifactDir, "logs"), runID)
	if err != nil {
		return NewRuntimeError(fmt.Errorf("failed to create run logger: %w", err))
	}
	defer func() {
		if err := fileLogger.Complete(); err != nil {
			h.config.Log.Warnw("Error closing run logger", "error", err)
		}
	}()

	rec := &RunRecord{RunID: runID, Status: JobStatusFailed}
	var steps []report.StepRecord

	finish := func(rep *report.TestReport, cov *report.CoverageReport, runtimeErr error) error {
		if rep == nil {
			// Keep the artifact invariant: a report exists for every run,
			// even one that failed before testing.
			rep = report.NewTestReport(runID, h.spec.Name, start)
			rep.Finalize()
		}

		failed := runtimeErr != nil
		for _, step := range steps {
			if step.Failed() {
				failed = true
			}
		}
		status := JobStatusSucceeded
		if failed {
			status = JobStatusFailed
		}

		h.logPreviousRun(rep)

		h.setStatus(JobStatusPublishing)
		steps = append(steps, h.publishArtifacts(rep, cov, steps, status))

		rec.Status = status
		rec.Report = rep
		rec.Coverage = cov
		rec.Steps = steps
		rec.Duration = time.Since(start)

		h.mu.Lock()
		h.lastRun = rec
		h.mu.Unlock()
		h.setStatus(status)

		h.recordRun(rec)
		h.printResultsTable(rec)
		if err := fileLogger.WriteSummary(rep.String()); err != nil {
			h.config.Log.Warnw("Error writing run summary", "error", err)
		}

		h.config.Log.Infow("Job run completed",
			"job", h.spec.Name,
			"run_id", runID,
			"status", status,
			"duration", rec.Duration)

		if runtimeErr != nil {
			return NewRuntimeError(runtimeErr)
		}
		return nil
	}

	// Provisioning
	h.setStatus(JobStatusProvisioning)
	stepStart := time.Now()
	env, provOut, provErr := h.provisioner.Provision(h.ctx, h.spec.Env, h.spec.Runtime, runID)
	steps = append(steps, stepRecord("provision", stepStart, provOut, provErr, false))
	h.logStep(fileLogger, "provision", provOut, provErr)
	if provErr != nil {
		metrics.RecordErrorDetails("provision", provErr)
		return finish(nil, nil, provErr)
	}
	defer func() {
		if err := h.provisioner.Release(env); err != nil {
			h.config.Log.Warnw("Error releasing environment", "env", env.Name, "error", err)
		}
	}()

	// Installing
	h.setStatus(JobStatusInstalling)
	stepStart = time.Now()
	installOut, installErr := h.installer.Install(h.ctx, env, h.spec.Install)
	steps = append(steps, stepRecord("install", stepStart, installOut, installErr, false))
	h.logStep(fileLogger, "install", installOut, installErr)
	if installErr != nil {
		metrics.RecordErrorDetails("install", installErr)
		return finish(nil, nil, installErr)
	}
	h.recordFreeze(env, fileLogger)

	// Testing
	h.setStatus(JobStatusTesting)
	stepStart = time.Now()
	testRunner, err := runner.NewTestRunner(runner.Config{
		Spec:           h.spec,
		Env:            env,
		WorkDir:        h.config.WorkDir,
		Executor:       h.executor,
		Log:            h.config.Log,
		FileLogger:     fileLogger,
		Parallelism:    h.config.Parallelism,
		FailFast:       h.config.FailFast,
		CoveragePolicy: h.config.CoveragePolicy,
	})
	if err != nil {
		steps = append(steps, stepRecord("test", stepStart, "", err, false))
		return finish(nil, nil, fmt.Errorf("failed to create test runner: %w", err))
	}
	rep, cov, testErr := testRunner.RunAll(h.ctx)
	if testErr != nil {
		steps = append(steps, stepRecord("test", stepStart, "", testErr, false))
		metrics.RecordErrorDetails("test execution", testErr)
		return finish(nil, nil, testErr)
	}
	var verdictErr error
	if !rep.Passed() {
		verdictErr = fmt.Errorf("%d of %d tests failed", rep.Stats.Failed+rep.Stats.Errored, rep.Stats.Total)
	}
	steps = append(steps, stepRecord("test", stepStart, "", verdictErr, false))

	return finish(rep, cov, nil)
}

// publishArtifacts is the one place a PublishError is discarded: publishing
// is best-effort and must never change the outcome determined by testing.
func (h *Harness) publishArtifacts(rep *report.TestReport, cov *report.CoverageReport, steps []report.StepRecord, status JobStatus) report.StepRecord {
	ctx := h.ctx
	if h.config.PublishTimeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, h.config.PublishTimeout)
		defer cancel()
	}

	stepStart := time.Now()
	outcome := h.publisher.Publish(ctx, rep, cov, steps, string(status))

	var firstErr error
	for _, err := range []error{outcome.ReportErr, outcome.CoverageErr, outcome.DatabaseErr} {
		if err != nil {
			h.config.Log.Warnw("Publish channel failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return stepRecord("publish", stepStart, "", firstErr, true)
}

// logPreviousRun reports how this run compares to the last stored run of the
// same job. Read before this run is inserted, so the comparison is always
// against the predecessor.
func (h *Harness) logPreviousRun(rep *report.TestReport) {
	if h.results == nil {
		return
	}
	prev, err := h.results.LastJob(h.ctx, h.spec.Name)
	if err != nil {
		h.config.Log.Warnw("Failed to load previous run", "error", err)
		return
	}
	if prev == nil {
		return
	}
	h.config.Log.Infow("Previous run of this job",
		"previous_run_id", prev.RunID,
		"previous_status", prev.Status,
		"passed_delta", rep.Stats.Passed-prev.Passed,
		"failed_delta", rep.Stats.Failed-prev.Failed)
}

// recordFreeze snapshots the resolved dependency set. A freeze failure is a
// warning only; it does not gate the run.
func (h *Harness) recordFreeze(env environ.Env, fileLogger *logging.FileLogger) {
	frozen, err := h.installer.Freeze(h.ctx, env, h.spec.Install)
	if err != nil {
		h.config.Log.Warnw("Failed to freeze dependency set", "error", err)
		return
	}
	if frozen == "" {
		return
	}
	if err := fileLogger.WriteFreeze(frozen); err != nil {
		h.config.Log.Warnw("Failed to store frozen dependency set", "error", err)
	}
}

func (h *Harness) recordRun(rec *RunRecord) {
	metrics.RecordJob(
		h.spec.Name,
		rec.RunID,
		string(rec.Status),
		rec.Report.Stats.Total,
		rec.Report.Stats.Passed,
		rec.Report.Stats.Failed,
		rec.Duration,
	)
	for _, step := range rec.Steps {
		metrics.RecordStep(h.spec.Name, rec.RunID, step.Name, step.Duration)
	}
}

func (h *Harness) logStep(fileLogger *logging.FileLogger, name, stdout string, stepErr error) {
	stderr := ""
	if stepErr != nil {
		stderr = stepErr.Error()
	}
	if err := fileLogger.WriteStepLog(name, stdout, stderr); err != nil {
		h.config.Log.Warnw("Error writing step log", "step", name, "error", err)
	}
}

const stepTailLines = 20

// stepRecord builds the durable record for a completed step. Error classes
// carrying a stderr tail surface it here so a failure always names the step
// and shows what the command printed.
func stepRecord(name string, start time.Time, stdout string, err error, continueOnFailure bool) report.StepRecord {
	rec := report.StepRecord{
		Name:              name,
		StdoutTail:        shell.Tail(stdout, stepTailLines),
		ContinueOnFailure: continueOnFailure,
		StartTime:         start,
		Duration:          time.Since(start),
	}
	if err != nil {
		rec.ExitCode = 1
		rec.StderrTail = stepStderr(err)
	}
	return rec
}

func stepStderr(err error) string {
	var provErr *environ.ProvisionError
	if errors.As(err, &provErr) && provErr.Stderr != "" {
		return provErr.Stderr
	}
	var instErr *installer.InstallError
	if errors.As(err, &instErr) && instErr.Stderr != "" {
		return instErr.Stderr
	}
	return err.Error()
}

// WaitForShutdown blocks until all goroutines have terminated.
// This is useful in tests to ensure complete cleanup before moving to the next test.
func (h *Harness) WaitForShutdown(ctx context.Context) error {
	h.config.Log.Debug("Waiting for all goroutines to terminate")

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.config.Log.Debug("All goroutines terminated successfully")
		return nil
	case <-ctx.Done():
		h.config.Log.Warnw("Timed out waiting for goroutines to terminate", "error", ctx.Err())
		return ctx.Err()
	}
}
