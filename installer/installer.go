// Package installer installs the package under test, with its extras set,
// into a provisioned environment.
package installer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ci-harness/ci-harness/environ"
	"github.com/ci-harness/ci-harness/jobspec"
	"github.com/ci-harness/ci-harness/shell"
)

const stderrTailLines = 20

// InstallError is the fatal error class for dependency installation
// failures: unresolvable version constraints, unreachable package index,
// or any non-zero exit from the install command. There are no automatic
// retries; a flaky index surfaces as a job failure and retry policy is left
// to the upstream caller.
type InstallError struct {
	Package string
	Stderr  string
	Err     error
}

func (e *InstallError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("installing %s: %v\nstderr: %s", e.Package, e.Err, e.Stderr)
	}
	return fmt.Sprintf("installing %s: %v", e.Package, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// IsInstallError checks if the error is or wraps an InstallError.
func IsInstallError(err error) bool {
	var iErr *InstallError
	return err != nil && errors.As(err, &iErr)
}

// Installer runs install commands inside a target environment.
type Installer struct {
	workDir  string
	executor shell.Executor
	log      *zap.SugaredLogger
	timeout  time.Duration
}

// Config holds configuration for creating an Installer.
type Config struct {
	WorkDir  string
	Executor shell.Executor
	Log      *zap.SugaredLogger
	Timeout  time.Duration
}

// New creates a new Installer.
func New(cfg Config) (*Installer, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work directory is required")
	}
	if cfg.Executor == nil {
		cfg.Executor = shell.NewExecutor()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Installer{
		workDir:  cfg.WorkDir,
		executor: cfg.Executor,
		log:      cfg.Log,
		timeout:  cfg.Timeout,
	}, nil
}

// Install installs the package and its transitive dependencies into env and
// returns the install command's stdout. It refuses a zero environment
// handle: running the install command without the environment overlay would
// install into whatever toolchain is ambient on the host, which is exactly
// the contamination this harness exists to prevent.
func (i *Installer) Install(ctx context.Context, env environ.Env, spec jobspec.InstallSpec) (string, error) {
	if env.IsZero() {
		return "", &InstallError{Package: spec.Package, Err: errors.New("refusing to install into the base environment: no environment handle")}
	}
	if spec.Package == "" {
		i.log.Debugw("No package to install, skipping install step")
		return "", nil
	}

	if i.timeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	pkgArg := spec.PackageArgument()
	argv := shell.Expand(spec.Command, map[string]string{
		"env":     env.Root,
		"bin":     env.BinDir,
		"runtime": env.Runtime,
		"spec":    pkgArg,
		"package": spec.Package,
	})

	i.log.Infow("Installing package", "package", pkgArg, "env", env.Name)
	i.log.Debugw("Running install command", "command", argv, "dir", i.workDir)

	res, err := i.executor.Run(ctx, i.workDir, env.Overlay(), argv[0], argv[1:]...)
	if err != nil {
		return res.Stdout, &InstallError{Package: pkgArg, Err: err, Stderr: shell.Tail(res.Stderr, stderrTailLines)}
	}
	if res.ExitCode != 0 || res.Crashed {
		return res.Stdout, &InstallError{
			Package: pkgArg,
			Err:     fmt.Errorf("install command exited with code %d", res.ExitCode),
			Stderr:  shell.Tail(res.Stderr, stderrTailLines),
		}
	}

	i.log.Infow("Install completed", "package", pkgArg, "env", env.Name)
	return res.Stdout, nil
}

// Freeze records the resolved dependency set of the environment. Two runs
// of the same job spec must produce identical freeze output; the caller can
// persist it alongside the reports to audit reproducibility.
func (i *Installer) Freeze(ctx context.Context, env environ.Env, spec jobspec.InstallSpec) (string, error) {
	if env.IsZero() {
		return "", &InstallError{Err: errors.New("no environment handle")}
	}
	if len(spec.Freeze) == 0 {
		return "", nil
	}

	argv := shell.Expand(spec.Freeze, map[string]string{
		"env":     env.Root,
		"bin":     env.BinDir,
		"runtime": env.Runtime,
	})

	res, err := i.executor.Run(ctx, i.workDir, env.Overlay(), argv[0], argv[1:]...)
	if err != nil {
		return "", &InstallError{Err: fmt.Errorf("freezing dependencies: %w", err)}
	}
	if res.ExitCode != 0 {
		return "", &InstallError{
			Err:    fmt.Errorf("freeze command exited with code %d", res.ExitCode),
			Stderr: shell.Tail(res.Stderr, stderrTailLines),
		}
	}
	return res.Stdout, nil
}
