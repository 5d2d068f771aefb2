package jobspec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSpecFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewRegistryLoadsSpec(t *testing.T) {
	path := writeSpecFile(t, `
name: demo-job
runtime: "3.12"
env:
  name: demo
  bootstrap: ["sh", "-c", "true"]
install:
  package: "."
  extras: [develop, test]
  command: ["{bin}/pip", "install", "-e", "{spec}"]
  freeze: ["{bin}/pip", "freeze"]
test:
  command: ["{bin}/pytest", "--json-stream", "{target}"]
  targets:
    - path: tests/unit
    - path: tests/integration
      timeout: 2m
  parallelism: 4
  coverage:
    scope: pkg/
    profile: coverage.out
`)

	reg, err := NewRegistry(Config{SpecFile: path, DefaultTimeout: 10 * time.Minute})
	require.NoError(t, err)

	spec := reg.Spec()
	assert.Equal(t, "demo-job", spec.Name)
	assert.Equal(t, "3.12", spec.Runtime)
	assert.Equal(t, "demo", spec.Env.Name)
	assert.Equal(t, []string{"develop", "test"}, spec.Install.Extras)
	assert.Len(t, spec.Test.Targets, 2)
	assert.Equal(t, 4, spec.Test.Parallelism)

	// Defaults applied
	assert.Equal(t, DefaultReportPath, spec.Test.ReportPath)
	require.NotNil(t, spec.Test.Targets[0].Timeout)
	assert.Equal(t, 10*time.Minute, *spec.Test.Targets[0].Timeout)
	// Explicit per-target timeout wins over the default
	require.NotNil(t, spec.Test.Targets[1].Timeout)
	assert.Equal(t, 2*time.Minute, *spec.Test.Targets[1].Timeout)
}

func TestNewRegistryMissingFile(t *testing.T) {
	_, err := NewRegistry(Config{SpecFile: filepath.Join(t.TempDir(), "nope.yaml")})
	require.Error(t, err)
}

func TestNewRegistryRequiresSpecFile(t *testing.T) {
	_, err := NewRegistry(Config{})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	timeout := time.Minute
	badTimeout := -time.Second

	tests := []struct {
		name    string
		spec    Spec
		wantErr string
	}{
		{
			name: "valid minimal",
			spec: Spec{Name: "job"},
		},
		{
			name:    "missing name",
			spec:    Spec{},
			wantErr: "job name is required",
		},
		{
			name: "package without install command",
			spec: Spec{
				Name:    "job",
				Install: InstallSpec{Package: "."},
			},
			wantErr: "install command is required",
		},
		{
			name: "targets without test command",
			spec: Spec{
				Name: "job",
				Test: TestSpec{Targets: []TargetConfig{{Path: "tests"}}},
			},
			wantErr: "test command is required",
		},
		{
			name: "target without path",
			spec: Spec{
				Name: "job",
				Test: TestSpec{
					Command: []string{"run"},
					Targets: []TargetConfig{{}},
				},
			},
			wantErr: "has no path",
		},
		{
			name: "non-positive target timeout",
			spec: Spec{
				Name: "job",
				Test: TestSpec{
					Command: []string{"run"},
					Targets: []TargetConfig{{Path: "tests", Timeout: &badTimeout}},
				},
			},
			wantErr: "non-positive timeout",
		},
		{
			name: "coverage scope without profile",
			spec: Spec{
				Name: "job",
				Test: TestSpec{Coverage: CoverageSpec{Scope: "pkg/"}},
			},
			wantErr: "coverage profile path is required",
		},
		{
			name: "invalid env name",
			spec: Spec{
				Name: "job",
				Env:  EnvSpec{Name: "bad env!"},
			},
			wantErr: "invalid environment name",
		},
		{
			name: "valid with explicit timeout",
			spec: Spec{
				Name: "job",
				Test: TestSpec{
					Command: []string{"run"},
					Targets: []TargetConfig{{Path: "tests", Timeout: &timeout}},
				},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.spec)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestEmptyTargetListIsValid(t *testing.T) {
	// A job with zero discovered tests succeeds with an empty report, so a
	// spec without targets must load.
	err := Validate(&Spec{Name: "job", Test: TestSpec{Command: []string{"run"}}})
	assert.NoError(t, err)
}

func TestApplyDefaultsDerivesEnvName(t *testing.T) {
	spec := &Spec{Name: "My Job (v2)"}
	applyDefaults(spec, 0)
	assert.Equal(t, "My-Job-v2", spec.Env.Name)
}

func TestPackageArgument(t *testing.T) {
	assert.Equal(t, ".", InstallSpec{Package: "."}.PackageArgument())
	assert.Equal(t, ".[develop,test]", InstallSpec{Package: ".", Extras: []string{"develop", "test"}}.PackageArgument())
}
