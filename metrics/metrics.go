package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ci-harness/ci-harness/report"
)

const (
	MetricsNamespace = "ci_harness"
)

var (
	Debug                bool = true
	validResults              = []report.TestStatus{report.TestStatusPass, report.TestStatusFail, report.TestStatusSkip, report.TestStatusError}
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	testsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tests_total",
		Help:      "Count of executed tests",
	}, []string{
		"job",
		"run_id",
		"target",
		"result",
	})

	jobResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "job_results",
		Help:      "Terminal status of job runs",
	}, []string{
		"job",
		"run_id",
		"status",
	})

	jobTestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "job_test_total",
		Help:      "Total number of tests in a job run",
	}, []string{
		"job",
		"run_id",
	})

	jobTestPassed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "job_test_passed",
		Help:      "Number of passed tests in a job run",
	}, []string{
		"job",
		"run_id",
	})

	jobTestFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "job_test_failed",
		Help:      "Number of failed tests in a job run",
	}, []string{
		"job",
		"run_id",
	})

	jobDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "job_duration_seconds",
		Help:      "Duration of job runs",
	}, []string{
		"job",
		"run_id",
	})

	stepDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "step_duration_seconds",
		Help:      "Duration of individual job steps",
	}, []string{
		"job",
		"run_id",
		"step",
	})

	publishFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "publish_failures_total",
		Help:      "Count of best-effort publish failures",
	}, []string{
		"job",
		"kind",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		zap.S().Debugw("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordTest(job string, runID string, target string, result report.TestStatus) {
	if !isValidResult(result) {
		zap.S().Errorw("RecordTest - invalid result", "result", result)
		return
	}
	if Debug {
		zap.S().Debugw("metric inc",
			"m", "tests_total",
			"job", job,
			"run_id", runID,
			"target", target,
			"result", result)
	}
	testsTotal.WithLabelValues(job, runID, target, string(result)).Inc()
}

func RecordJob(
	job string,
	runID string,
	status string,
	total int,
	passed int,
	failed int,
	duration time.Duration,
) {
	jobResults.WithLabelValues(job, runID, status).Set(1)
	jobTestTotal.WithLabelValues(job, runID).Add(float64(total))
	jobTestPassed.WithLabelValues(job, runID).Add(float64(passed))
	jobTestFailed.WithLabelValues(job, runID).Add(float64(failed))
	jobDuration.WithLabelValues(job, runID).Set(duration.Seconds())
}

func RecordStep(job string, runID string, step string, duration time.Duration) {
	stepDuration.WithLabelValues(job, runID, step).Set(duration.Seconds())
}

func RecordPublishFailure(job string, kind string) {
	publishFailuresTotal.WithLabelValues(job, kind).Inc()
}

func isValidResult(result report.TestStatus) bool {
	return slices.Contains(validResults, result)
}
