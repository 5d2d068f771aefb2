package runner

import (
	"context"
	"errors"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/ci-harness/ci-harness/jobspec"
	"github.com/ci-harness/ci-harness/report"
)

// errFailFast cancels the remaining targets once one has failed. It never
// escapes ExecuteTargets; the failure itself is already in the results.
var errFailFast = errors.New("fail-fast: aborting remaining targets")

// targetOutcome is the unit of work result produced by one worker.
type targetOutcome struct {
	Target      jobspec.TargetConfig
	Results     []*report.TestResult
	ProfilePath string
}

// executeParallel fans the targets out to a bounded pool of workers.
// Workers share nothing; outcomes land in a mutex-guarded slice and are
// read only after Wait, the join point.
func (r *testRunner) executeParallel(ctx context.Context, targets []jobspec.TargetConfig) ([]*targetOutcome, error) {
	var (
		mu       sync.Mutex
		outcomes []*targetOutcome
	)

	p := pool.New().
		WithErrors().
		WithMaxGoroutines(r.parallelism).
		WithContext(ctx)
	if r.failFast {
		p = p.WithCancelOnError()
	}

	for _, target := range targets {
		target := target
		p.Go(func(ctx context.Context) error {
			outcome, err := r.runTarget(ctx, target)
			if err != nil {
				return err
			}

			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()

			if r.failFast && hasFailure(outcome.Results) {
				return errFailFast
			}
			return nil
		})
	}

	err := p.Wait()
	if err != nil && !onlyFailFast(err) {
		return nil, err
	}

	return outcomes, nil
}

func hasFailure(results []*report.TestResult) bool {
	for _, test := range results {
		if test.Status == report.TestStatusFail || test.Status == report.TestStatusError {
			return true
		}
	}
	return false
}

// onlyFailFast reports whether every joined error is the fail-fast sentinel
// or a cancellation it caused.
func onlyFailFast(err error) bool {
	if err == nil {
		return true
	}
	if !errors.Is(err, errFailFast) && !errors.Is(err, context.Canceled) {
		return false
	}
	// A real execution error may be joined with the sentinel; surface it.
	var tErr *TestExecutionError
	return !errors.As(err, &tErr)
}
