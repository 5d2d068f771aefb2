package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ci-harness/ci-harness/environ"
	"github.com/ci-harness/ci-harness/jobspec"
	"github.com/ci-harness/ci-harness/report"
	"github.com/ci-harness/ci-harness/shell"
)

// scriptedExecutor routes each invocation to a per-target script. The test
// command is ["run-tests", "{target}", "{profile}"], so the target is always
// args[0] and the profile path args[1].
type scriptedExecutor struct {
	scripts map[string]func(profilePath string) (shell.Result, error)
}

func (s *scriptedExecutor) Run(ctx context.Context, dir string, overlay []string, name string, args ...string) (shell.Result, error) {
	if err := ctx.Err(); err != nil {
		return shell.Result{}, fmt.Errorf("command %s timed out: %w", name, err)
	}
	script, ok := s.scripts[args[0]]
	if !ok {
		return shell.Result{}, fmt.Errorf("no script for target %s", args[0])
	}
	profile := ""
	if len(args) > 1 {
		profile = args[1]
	}
	return script(profile)
}

func passEvents(names ...string) string {
	out := ""
	for _, name := range names {
		out += fmt.Sprintf(`{"Action":"run","Test":"%s"}`+"\n", name)
		out += fmt.Sprintf(`{"Action":"pass","Test":"%s","Elapsed":0.1}`+"\n", name)
	}
	return out
}

func failEvents(name string) string {
	return fmt.Sprintf(`{"Action":"run","Test":"%s"}`+"\n", name) +
		fmt.Sprintf(`{"Action":"output","Test":"%s","Output":"assertion failed\n"}`+"\n", name) +
		fmt.Sprintf(`{"Action":"fail","Test":"%s","Elapsed":0.1}`+"\n", name)
}

func testSpec(targets ...string) *jobspec.Spec {
	spec := &jobspec.Spec{
		Name: "demo-job",
		Test: jobspec.TestSpec{
			Command: []string{"run-tests", "{target}", "{profile}"},
		},
	}
	for _, target := range targets {
		spec.Test.Targets = append(spec.Test.Targets, jobspec.TargetConfig{Path: target})
	}
	return spec
}

func testEnv() environ.Env {
	return environ.Env{Name: "demo-run-1", Root: "/envs/demo-run-1", BinDir: "/envs/demo-run-1/bin"}
}

func newRunner(t *testing.T, spec *jobspec.Spec, ex shell.Executor, opts ...func(*Config)) TestRunner {
	t.Helper()
	cfg := Config{
		Spec:     spec,
		Env:      testEnv(),
		WorkDir:  t.TempDir(),
		Executor: ex,
		RunID:    "run-1",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	r, err := NewTestRunner(cfg)
	require.NoError(t, err)
	return r
}

func TestRunAllAggregatesResults(t *testing.T) {
	ex := &scriptedExecutor{scripts: map[string]func(string) (shell.Result, error){
		"tests/unit": func(string) (shell.Result, error) {
			return shell.Result{Stdout: passEvents("TestAdd", "TestSub")}, nil
		},
		"tests/integration": func(string) (shell.Result, error) {
			return shell.Result{ExitCode: 1, Stdout: failEvents("TestRoundTrip")}, nil
		},
	}}

	r := newRunner(t, testSpec("tests/unit", "tests/integration"), ex)
	rep, cov, err := r.RunAll(context.Background())
	require.NoError(t, err)
	require.Nil(t, cov)

	assert.Equal(t, 3, rep.Stats.Total)
	assert.Equal(t, 2, rep.Stats.Passed)
	assert.Equal(t, 1, rep.Stats.Failed)
	assert.Equal(t, report.TestStatusFail, rep.Status)
	assert.False(t, rep.Passed())
}

func TestRunAllEmptyTargetsPasses(t *testing.T) {
	r := newRunner(t, testSpec(), &scriptedExecutor{})
	rep, cov, err := r.RunAll(context.Background())
	require.NoError(t, err)
	require.Nil(t, cov)

	assert.Equal(t, 0, rep.Stats.Total)
	assert.True(t, rep.Passed())
}

func TestRunAllRecordsWorkerCrash(t *testing.T) {
	ex := &scriptedExecutor{scripts: map[string]func(string) (shell.Result, error){
		"tests/unit": func(string) (shell.Result, error) {
			return shell.Result{Stdout: passEvents("TestAdd")}, nil
		},
		"tests/crash": func(string) (shell.Result, error) {
			return shell.Result{ExitCode: -1, Crashed: true, Stdout: "Segmentation fault\n", Stderr: "signal: segmentation fault\n"}, nil
		},
	}}

	r := newRunner(t, testSpec("tests/unit", "tests/crash"), ex)
	rep, _, err := r.RunAll(context.Background())
	require.NoError(t, err, "a crashed worker is a recorded failure, not a runtime error")

	crashTarget := rep.Targets["tests/crash"]
	require.NotNil(t, crashTarget, "the crash must never be silently absent")
	require.Len(t, crashTarget.Tests, 1)
	for _, test := range crashTarget.Tests {
		assert.Equal(t, report.TestStatusError, test.Status)
		assert.True(t, test.Crashed)
		assert.Contains(t, test.Error.Error(), "crashed")
	}
	assert.False(t, rep.Passed())
}

func TestRunAllHiddenFailureRecorded(t *testing.T) {
	// The worker emitted only passing events but exited non-zero; the report
	// must not be green.
	ex := &scriptedExecutor{scripts: map[string]func(string) (shell.Result, error){
		"tests/unit": func(string) (shell.Result, error) {
			return shell.Result{ExitCode: 1, Stdout: passEvents("TestAdd")}, nil
		},
	}}

	r := newRunner(t, testSpec("tests/unit"), ex)
	rep, _, err := r.RunAll(context.Background())
	require.NoError(t, err)

	assert.False(t, rep.Passed())
	assert.Equal(t, 2, rep.Stats.Total)
}

func TestRunAllZeroDiscoveredTests(t *testing.T) {
	ex := &scriptedExecutor{scripts: map[string]func(string) (shell.Result, error){
		"tests/empty": func(string) (shell.Result, error) {
			return shell.Result{}, nil
		},
	}}

	r := newRunner(t, testSpec("tests/empty"), ex)
	rep, _, err := r.RunAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Stats.Total)
	assert.True(t, rep.Passed())
}

func TestRunAllTargetTimeout(t *testing.T) {
	timeout := 100 * time.Millisecond
	spec := &jobspec.Spec{
		Name: "demo-job",
		Test: jobspec.TestSpec{
			Command: []string{"sleep", "5"},
			Targets: []jobspec.TargetConfig{{Path: "tests/slow", Timeout: &timeout}},
		},
	}

	r := newRunner(t, spec, shell.NewExecutor())
	rep, _, err := r.RunAll(context.Background())
	require.NoError(t, err, "a timed out target is a recorded failure, not a runtime error")

	slow := rep.Targets["tests/slow"]
	require.NotNil(t, slow)
	require.Len(t, slow.Tests, 1)
	for _, test := range slow.Tests {
		assert.Equal(t, report.TestStatusError, test.Status)
		assert.True(t, test.TimedOut)
		assert.Contains(t, test.Error.Error(), "timed out")
	}
	assert.False(t, rep.Passed())
}

func TestRunAllExecutorErrorIsFatal(t *testing.T) {
	ex := &scriptedExecutor{scripts: map[string]func(string) (shell.Result, error){
		"tests/unit": func(string) (shell.Result, error) {
			return shell.Result{}, errors.New("run-tests: command not found")
		},
	}}

	r := newRunner(t, testSpec("tests/unit"), ex)
	_, _, err := r.RunAll(context.Background())
	require.Error(t, err)
	assert.True(t, IsTestExecutionError(err))
}

func TestRunAllFailFast(t *testing.T) {
	ex := &scriptedExecutor{scripts: map[string]func(string) (shell.Result, error){
		"tests/a": func(string) (shell.Result, error) {
			return shell.Result{ExitCode: 1, Stdout: failEvents("TestBroken")}, nil
		},
		"tests/b": func(string) (shell.Result, error) {
			return shell.Result{Stdout: passEvents("TestFine")}, nil
		},
	}}

	spec := testSpec("tests/a", "tests/b")
	r := newRunner(t, spec, ex, func(cfg *Config) {
		cfg.FailFast = true
		cfg.Parallelism = 1
	})

	rep, _, err := r.RunAll(context.Background())
	require.NoError(t, err, "fail-fast cancellation is not a runtime error")

	require.Contains(t, rep.Targets, "tests/a")
	assert.False(t, rep.Passed())
	// The second target was canceled before producing results
	assert.NotContains(t, rep.Targets, "tests/b")
}

func TestRunAllCollectsCoverage(t *testing.T) {
	ex := &scriptedExecutor{scripts: map[string]func(string) (shell.Result, error){
		"tests/unit": func(profile string) (shell.Result, error) {
			content := "mode: set\npkg/calc.py:1.1,2.5 1 1\npkg/calc.py:4.1,5.5 1 0\n"
			if err := os.WriteFile(profile, []byte(content), 0o644); err != nil {
				return shell.Result{}, err
			}
			return shell.Result{Stdout: passEvents("TestAdd")}, nil
		},
	}}

	spec := testSpec("tests/unit")
	spec.Test.Coverage = jobspec.CoverageSpec{Scope: "pkg/", Profile: "coverage.out"}

	r := newRunner(t, spec, ex)
	rep, cov, err := r.RunAll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cov)

	assert.True(t, rep.Passed())
	assert.Equal(t, "pkg/", cov.Scope)
	assert.Equal(t, 2, cov.Files["pkg/calc.py"].Covered)
	assert.Equal(t, 2, cov.Files["pkg/calc.py"].Uncovered)
}

func TestCoverageFailureWarnPolicy(t *testing.T) {
	// The test command never writes a profile; under the default policy the
	// run continues without coverage.
	ex := &scriptedExecutor{scripts: map[string]func(string) (shell.Result, error){
		"tests/unit": func(string) (shell.Result, error) {
			return shell.Result{Stdout: passEvents("TestAdd")}, nil
		},
	}}

	spec := testSpec("tests/unit")
	spec.Test.Coverage = jobspec.CoverageSpec{Scope: "pkg/", Profile: "coverage.out"}

	r := newRunner(t, spec, ex)
	rep, cov, err := r.RunAll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cov)
	assert.True(t, rep.Passed())
}

func TestCoverageFailureStrictPolicy(t *testing.T) {
	ex := &scriptedExecutor{scripts: map[string]func(string) (shell.Result, error){
		"tests/unit": func(string) (shell.Result, error) {
			return shell.Result{Stdout: passEvents("TestAdd")}, nil
		},
	}}

	spec := testSpec("tests/unit")
	spec.Test.Coverage = jobspec.CoverageSpec{Scope: "pkg/", Profile: "coverage.out"}

	r := newRunner(t, spec, ex, func(cfg *Config) {
		cfg.CoveragePolicy = CoveragePolicyStrict
	})
	rep, cov, err := r.RunAll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cov)
	assert.False(t, rep.Passed())

	covTarget := rep.Targets["pkg/"]
	require.NotNil(t, covTarget)
	assert.Contains(t, covTarget.Tests, "coverage-collection")
}

func TestNewTestRunnerValidation(t *testing.T) {
	_, err := NewTestRunner(Config{})
	require.Error(t, err)

	_, err = NewTestRunner(Config{Spec: testSpec(), WorkDir: "."})
	require.NoError(t, err, "a spec without targets needs no environment")

	_, err = NewTestRunner(Config{Spec: testSpec("tests/unit"), WorkDir: "."})
	require.Error(t, err, "targets require an environment handle")

	_, err = NewTestRunner(Config{Spec: testSpec(), WorkDir: ".", CoveragePolicy: "bogus"})
	require.Error(t, err)
}
