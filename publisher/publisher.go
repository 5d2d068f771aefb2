// Package publisher persists run artifacts: best-effort coverage upload to
// an external aggregation service, durable report storage, and an optional
// queryable Postgres results store.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ci-harness/ci-harness/metrics"
	"github.com/ci-harness/ci-harness/report"
)

// PublishError is the error class for publishing failures. It is never
// fatal: the orchestrator logs it and discards it at exactly one call site.
type PublishError struct {
	Kind string // "coverage", "report" or "database"
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing %s: %v", e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsPublishError checks if the error is or wraps a PublishError.
func IsPublishError(err error) bool {
	var pErr *PublishError
	return err != nil && errors.As(err, &pErr)
}

// Outcome collects the per-channel results of the publish step. Each field
// is nil on success; callers decide how loudly to report each failure.
type Outcome struct {
	CoverageErr error
	ReportErr   error
	DatabaseErr error
}

// Publisher drives all publish channels for a job run.
type Publisher struct {
	uploader CoverageUploader
	store    *ArtifactStore
	results  ResultStore
	log      *zap.SugaredLogger
	job      string
}

// Config holds configuration for creating a Publisher. Uploader and
// Results may be nil to disable those channels; Store is required.
type Config struct {
	Uploader CoverageUploader
	Store    *ArtifactStore
	Results  ResultStore
	Log      *zap.SugaredLogger
	JobName  string
}

// New creates a new Publisher.
func New(cfg Config) (*Publisher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Publisher{
		uploader: cfg.Uploader,
		store:    cfg.Store,
		results:  cfg.Results,
		log:      cfg.Log,
		job:      cfg.JobName,
	}, nil
}

// Publish persists whatever artifacts exist for the run. It always attempts
// every channel, even when an earlier one failed, and never returns a
// process-level error: partial reports from a failed run are still worth
// publishing.
func (p *Publisher) Publish(ctx context.Context, rep *report.TestReport, cov *report.CoverageReport, steps []report.StepRecord, status string) Outcome {
	var outcome Outcome

	if rep != nil {
		if err := p.store.StoreRun(rep, cov, steps); err != nil {
			outcome.ReportErr = &PublishError{Kind: "report", Err: err}
			metrics.RecordPublishFailure(p.job, "report")
		}
	}

	if p.uploader != nil && cov != nil {
		if err := p.uploader.Upload(ctx, cov, Metadata{Job: p.job, RunID: runID(rep), Status: status}); err != nil {
			outcome.CoverageErr = &PublishError{Kind: "coverage", Err: err}
			metrics.RecordPublishFailure(p.job, "coverage")
		}
	}

	if p.results != nil && rep != nil {
		if err := p.storeResults(ctx, rep, steps, status); err != nil {
			outcome.DatabaseErr = &PublishError{Kind: "database", Err: err}
			metrics.RecordPublishFailure(p.job, "database")
		}
	}

	return outcome
}

func runID(rep *report.TestReport) string {
	if rep == nil {
		return ""
	}
	return rep.RunID
}

// storeResults inserts the run into the queryable results store in one
// transaction.
func (p *Publisher) storeResults(ctx context.Context, rep *report.TestReport, steps []report.StepRecord, status string) error {
	tx, err := p.results.Begin()
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if err = tx.InsertJob(ctx, JobRow{
		RunID:     rep.RunID,
		Name:      rep.JobName,
		Status:    status,
		Total:     rep.Stats.Total,
		Passed:    rep.Stats.Passed,
		Failed:    rep.Stats.Failed,
		Skipped:   rep.Stats.Skipped,
		StartedAt: rep.Stats.StartTime,
		StoppedAt: rep.Stats.EndTime,
	}); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	for i, step := range steps {
		if err = tx.InsertStep(ctx, StepRow{
			RunID:    rep.RunID,
			Ordinal:  i,
			Name:     step.Name,
			ExitCode: step.ExitCode,
			Stderr:   step.StderrTail,
			Runtime:  step.Duration.Seconds(),
		}); err != nil {
			return fmt.Errorf("failed to insert step: %w", err)
		}
	}

	for _, target := range rep.Targets {
		for _, test := range target.Tests {
			if _, err = tx.InsertTestResult(ctx, TestRow{
				RunID:   rep.RunID,
				Target:  test.Target,
				Name:    test.Name,
				Runtime: test.Duration.Seconds(),
				Status:  string(test.Status),
				Message: testMessage(test),
			}); err != nil {
				return fmt.Errorf("failed to insert test result: %w", err)
			}
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func testMessage(test *report.TestResult) string {
	if test.Error == nil {
		return ""
	}
	return test.Error.Error()
}
