package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "CI_HARNESS"

// prefixEnvVars builds the environment variable names for a flag.
func prefixEnvVars(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	JobSpec = &cli.StringFlag{
		Name:     "job",
		Value:    "",
		Required: true,
		EnvVars:  prefixEnvVars("JOB"),
		Usage:    "Path to the job specification file (eg. 'job.yaml')",
	}
	WorkDir = &cli.StringFlag{
		Name:    "workdir",
		Value:   ".",
		EnvVars: prefixEnvVars("WORKDIR"),
		Usage:   "Directory in which the job's commands are executed",
	}
	ArtifactDir = &cli.StringFlag{
		Name:    "artifact-dir",
		Value:   "artifacts",
		EnvVars: prefixEnvVars("ARTIFACT_DIR"),
		Usage:   "Directory where reports and step logs are stored",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: prefixEnvVars("RUN_INTERVAL"),
		Usage:   "Interval between job runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	Parallelism = &cli.IntFlag{
		Name:    "parallelism",
		Value:   0,
		EnvVars: prefixEnvVars("PARALLELISM"),
		Usage:   "Number of concurrent test workers (0 = use the job spec value, or one per CPU)",
	}
	FailFast = &cli.BoolFlag{
		Name:    "fail-fast",
		Value:   false,
		EnvVars: prefixEnvVars("FAIL_FAST"),
		Usage:   "Abort the test step on the first failing target instead of running all targets",
	}
	CoverageEndpoint = &cli.StringFlag{
		Name:    "coverage-endpoint",
		Value:   "",
		EnvVars: prefixEnvVars("COVERAGE_ENDPOINT"),
		Usage:   "URL of the coverage aggregation service. Upload is skipped when empty.",
	}
	CoveragePolicy = &cli.StringFlag{
		Name:    "coverage-policy",
		Value:   "warn",
		EnvVars: prefixEnvVars("COVERAGE_POLICY"),
		Usage:   "What to do when coverage collection itself errors: 'warn' or 'strict'",
	}
	DatabaseURI = &cli.StringFlag{
		Name:    "database-uri",
		Value:   "",
		EnvVars: prefixEnvVars("DATABASE_URI"),
		Usage:   "Postgres URI for the queryable results store. Disabled when empty.",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: prefixEnvVars("LOG_LEVEL"),
		Usage:   "Log level (debug, info, warn, error)",
	}
	ProvisionTimeout = &cli.DurationFlag{
		Name:    "provision-timeout",
		Value:   5 * time.Minute,
		EnvVars: prefixEnvVars("PROVISION_TIMEOUT"),
		Usage:   "Wall-clock bound for the provisioning step",
	}
	InstallTimeout = &cli.DurationFlag{
		Name:    "install-timeout",
		Value:   10 * time.Minute,
		EnvVars: prefixEnvVars("INSTALL_TIMEOUT"),
		Usage:   "Wall-clock bound for the install step",
	}
	TestTimeout = &cli.DurationFlag{
		Name:    "test-timeout",
		Value:   10 * time.Minute,
		EnvVars: prefixEnvVars("TEST_TIMEOUT"),
		Usage:   "Default wall-clock bound per test target, overridable in the job spec",
	}
	PublishTimeout = &cli.DurationFlag{
		Name:    "publish-timeout",
		Value:   2 * time.Minute,
		EnvVars: prefixEnvVars("PUBLISH_TIMEOUT"),
		Usage:   "Wall-clock bound for the publish step",
	}
)

var requiredFlags = []cli.Flag{
	JobSpec,
}

var optionalFlags = []cli.Flag{
	WorkDir,
	ArtifactDir,
	RunInterval,
	Parallelism,
	FailFast,
	CoverageEndpoint,
	CoveragePolicy,
	DatabaseURI,
	LogLevel,
	ProvisionTimeout,
	InstallTimeout,
	TestTimeout,
	PublishTimeout,
}

var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
