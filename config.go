package harness

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ci-harness/ci-harness/flags"
	"github.com/ci-harness/ci-harness/runner"
)

// Config holds the application configuration
type Config struct {
	SpecFile    string // Path to the job specification file
	WorkDir     string // Directory the job's commands execute in
	ArtifactDir string // Directory for reports, step logs and run artifacts

	RunInterval time.Duration // Interval between job runs
	RunOnce     bool          // Indicates if the service should exit after one run

	Parallelism    int    // Number of concurrent test workers (0 = spec value, or one per CPU)
	FailFast       bool   // Abort the test step on the first failing target
	CoveragePolicy string // What to do when coverage collection errors

	CoverageEndpoint string // Coverage aggregation service URL; upload disabled when empty
	DatabaseURI      string // Postgres results store URI; disabled when empty

	ProvisionTimeout time.Duration
	InstallTimeout   time.Duration
	TestTimeout      time.Duration // Default per-target timeout, overridable in the job spec
	PublishTimeout   time.Duration

	Log *zap.SugaredLogger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log *zap.SugaredLogger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	specFile, err := filepath.Abs(ctx.String(flags.JobSpec.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for job spec '%s': %w", ctx.String(flags.JobSpec.Name), err)
	}
	workDir, err := filepath.Abs(ctx.String(flags.WorkDir.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for work directory '%s': %w", ctx.String(flags.WorkDir.Name), err)
	}
	artifactDir, err := filepath.Abs(ctx.String(flags.ArtifactDir.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for artifact directory '%s': %w", ctx.String(flags.ArtifactDir.Name), err)
	}

	policy := ctx.String(flags.CoveragePolicy.Name)
	if policy != runner.CoveragePolicyWarn && policy != runner.CoveragePolicyStrict {
		return nil, fmt.Errorf("invalid coverage policy %q: must be %q or %q",
			policy, runner.CoveragePolicyWarn, runner.CoveragePolicyStrict)
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)
	runOnce := runInterval == 0

	return &Config{
		SpecFile:         specFile,
		WorkDir:          workDir,
		ArtifactDir:      artifactDir,
		RunInterval:      runInterval,
		RunOnce:          runOnce,
		Parallelism:      ctx.Int(flags.Parallelism.Name),
		FailFast:         ctx.Bool(flags.FailFast.Name),
		CoveragePolicy:   policy,
		CoverageEndpoint: ctx.String(flags.CoverageEndpoint.Name),
		DatabaseURI:      ctx.String(flags.DatabaseURI.Name),
		ProvisionTimeout: ctx.Duration(flags.ProvisionTimeout.Name),
		InstallTimeout:   ctx.Duration(flags.InstallTimeout.Name),
		TestTimeout:      ctx.Duration(flags.TestTimeout.Name),
		PublishTimeout:   ctx.Duration(flags.PublishTimeout.Name),
		Log:              log,
	}, nil
}
