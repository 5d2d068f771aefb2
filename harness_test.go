package harness

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ci-harness/ci-harness/publisher"
)

const passingTestCommand = `'echo "{\"Action\": \"pass\", \"Test\": \"TestOne\"}"'`

func writeJobSpec(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestConfig(t *testing.T, specFile string) *Config {
	t.Helper()
	return &Config{
		SpecFile:         specFile,
		WorkDir:          t.TempDir(),
		ArtifactDir:      t.TempDir(),
		RunOnce:          true,
		CoveragePolicy:   "warn",
		ProvisionTimeout: time.Minute,
		InstallTimeout:   time.Minute,
		TestTimeout:      time.Minute,
		PublishTimeout:   30 * time.Second,
		Log:              zap.NewNop().Sugar(),
	}
}

func stepNames(rec *RunRecord) []string {
	names := make([]string, 0, len(rec.Steps))
	for _, step := range rec.Steps {
		names = append(names, step.Name)
	}
	return names
}

func TestRunJobSucceeds(t *testing.T) {
	dir := t.TempDir()
	specFile := writeJobSpec(t, dir, `
name: demo-job
runtime: "1.0"
install:
  package: "."
  command: [sh, -c, "echo resolving dependencies"]
  freeze: [sh, -c, "echo frozen==1.0"]
test:
  command:
    - sh
    - -c
    - `+passingTestCommand+`
  targets:
    - path: tests/unit
`)

	cfg := newTestConfig(t, specFile)
	h, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)

	require.NoError(t, h.runJob())

	rec := h.LastRun()
	require.NotNil(t, rec)
	assert.Equal(t, JobStatusSucceeded, rec.Status)
	assert.Equal(t, JobStatusSucceeded, h.Status())
	assert.Equal(t, []string{"provision", "install", "test", "publish"}, stepNames(rec))
	for _, step := range rec.Steps {
		assert.Zero(t, step.ExitCode, "step %s", step.Name)
	}
	assert.Equal(t, "resolving dependencies", rec.Steps[1].StdoutTail)

	assert.Equal(t, 1, rec.Report.Stats.Total)
	assert.Equal(t, 1, rec.Report.Stats.Passed)

	// The JUnit report reached the artifact store before the terminal status
	assert.FileExists(t, filepath.Join(cfg.ArtifactDir, "reports", "junit.xml"))
	// The frozen dependency set was persisted
	assert.FileExists(t, filepath.Join(cfg.ArtifactDir, "logs", "jobrun-"+rec.RunID, "dependencies.txt"))
	// The environment was released
	assert.NoDirExists(t, filepath.Join(cfg.WorkDir, ".ci-harness", "envs", "demo-job-"+rec.RunID))
}

func TestRunJobInstallFailureSkipsTesting(t *testing.T) {
	dir := t.TempDir()
	specFile := writeJobSpec(t, dir, `
name: demo-job
runtime: "1.0"
install:
  package: "."
  command: [sh, -c, "echo unresolvable constraint >&2; exit 1"]
test:
  command:
    - sh
    - -c
    - `+passingTestCommand+`
  targets:
    - path: tests/unit
`)

	cfg := newTestConfig(t, specFile)
	h, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)

	err = h.runJob()
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))

	rec := h.LastRun()
	require.NotNil(t, rec)
	assert.Equal(t, JobStatusFailed, rec.Status)
	// Testing never ran; publishing was still attempted
	assert.Equal(t, []string{"provision", "install", "publish"}, stepNames(rec))
	assert.Equal(t, 1, rec.Steps[1].ExitCode)
	assert.Contains(t, rec.Steps[1].StderrTail, "unresolvable constraint")

	// A report exists even for a run that failed before testing
	assert.FileExists(t, filepath.Join(cfg.ArtifactDir, "reports", "junit.xml"))
}

func TestRunJobTestFailure(t *testing.T) {
	dir := t.TempDir()
	specFile := writeJobSpec(t, dir, `
name: demo-job
runtime: "1.0"
test:
  command:
    - sh
    - -c
    - 'echo "{\"Action\": \"fail\", \"Test\": \"TestBroken\"}"; exit 1'
  targets:
    - path: tests/unit
`)

	cfg := newTestConfig(t, specFile)
	h, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)

	// A test failure is not a runtime error
	require.NoError(t, h.runJob())

	rec := h.LastRun()
	require.NotNil(t, rec)
	assert.Equal(t, JobStatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Report.Stats.Failed)

	var testStep *int
	for i := range rec.Steps {
		if rec.Steps[i].Name == "test" {
			testStep = &rec.Steps[i].ExitCode
		}
	}
	require.NotNil(t, testStep)
	assert.Equal(t, 1, *testStep)
}

func TestRunJobPublishFailureNeverFlipsOutcome(t *testing.T) {
	dir := t.TempDir()
	specFile := writeJobSpec(t, dir, `
name: demo-job
runtime: "1.0"
test:
  command:
    - sh
    - -c
    - 'echo "mode: set" > {profile}; echo "pkg/a.py:1.1,1.1 1 1" >> {profile}; echo "{\"Action\": \"pass\", \"Test\": \"TestOne\"}"'
  targets:
    - path: tests/unit
  coverage:
    scope: pkg/
    profile: coverage.out
publish:
  coverage_endpoint: "http://127.0.0.1:1/coverage"
`)

	cfg := newTestConfig(t, specFile)
	h, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)

	require.NoError(t, h.runJob())

	rec := h.LastRun()
	require.NotNil(t, rec)
	assert.Equal(t, JobStatusSucceeded, rec.Status, "a publish failure must never flip a succeeded job")
	require.NotNil(t, rec.Coverage)

	publish := rec.Steps[len(rec.Steps)-1]
	assert.Equal(t, "publish", publish.Name)
	assert.Equal(t, 1, publish.ExitCode)
	assert.True(t, publish.ContinueOnFailure)
	assert.False(t, publish.Failed())
}

func TestRunJobZeroTargets(t *testing.T) {
	dir := t.TempDir()
	specFile := writeJobSpec(t, dir, `
name: demo-job
runtime: "1.0"
`)

	cfg := newTestConfig(t, specFile)
	h, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)

	require.NoError(t, h.runJob())

	rec := h.LastRun()
	require.NotNil(t, rec)
	assert.Equal(t, JobStatusSucceeded, rec.Status)
	assert.Equal(t, 0, rec.Report.Stats.Total)
}

type stubResultStore struct {
	prev     *publisher.JobRow
	lastJobs int
}

func (s *stubResultStore) LastJob(ctx context.Context, name string) (*publisher.JobRow, error) {
	s.lastJobs++
	return s.prev, nil
}

func (s *stubResultStore) Begin() (publisher.Transactor, error) {
	return nil, errors.New("begin not supported")
}

func (s *stubResultStore) Close() error { return nil }

func TestRunJobComparesAgainstPreviousRun(t *testing.T) {
	dir := t.TempDir()
	specFile := writeJobSpec(t, dir, `
name: demo-job
runtime: "1.0"
test:
  command:
    - sh
    - -c
    - `+passingTestCommand+`
  targets:
    - path: tests/unit
`)

	cfg := newTestConfig(t, specFile)
	h, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)

	store := &stubResultStore{prev: &publisher.JobRow{
		RunID:  "earlier-run",
		Name:   "demo-job",
		Status: "failed",
		Total:  1,
		Failed: 1,
	}}
	h.results = store

	require.NoError(t, h.runJob())
	assert.Equal(t, 1, store.lastJobs, "each run consults the store for its predecessor")
}

func TestFreezeIsReproducible(t *testing.T) {
	dir := t.TempDir()
	specFile := writeJobSpec(t, dir, `
name: demo-job
runtime: "1.0"
install:
  package: "."
  command: [sh, -c, "true"]
  freeze: [sh, -c, "echo alpha==1.0; echo beta==2.0"]
`)

	cfg := newTestConfig(t, specFile)
	h, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)

	readFreeze := func() string {
		require.NoError(t, h.runJob())
		rec := h.LastRun()
		data, err := os.ReadFile(filepath.Join(cfg.ArtifactDir, "logs", "jobrun-"+rec.RunID, "dependencies.txt"))
		require.NoError(t, err)
		return string(data)
	}

	first := readFreeze()
	second := readFreeze()
	assert.Equal(t, first, second, "the same job spec must freeze to identical dependency sets")
}

func TestStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	specFile := writeJobSpec(t, dir, `
name: demo-job
runtime: "1.0"
`)

	cfg := newTestConfig(t, specFile)
	h, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)

	assert.True(t, h.Stopped())
	h.running.Store(true)
	require.NoError(t, h.Stop(context.Background()))
	assert.True(t, h.Stopped())
	require.NoError(t, h.Stop(context.Background()))
	require.NoError(t, h.WaitForShutdown(context.Background()))
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, "test", func(error) {})
	require.Error(t, err)
}

func TestNewRejectsInvalidSpec(t *testing.T) {
	dir := t.TempDir()
	specFile := writeJobSpec(t, dir, `
name: ""
`)

	cfg := newTestConfig(t, specFile)
	_, err := New(context.Background(), cfg, "test", func(error) {})
	require.Error(t, err)
}
