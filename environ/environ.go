// Package environ provisions isolated runtime environments. An environment
// is an explicit handle passed by value to downstream components; nothing in
// the harness mutates process-global toolchain state.
package environ

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ci-harness/ci-harness/jobspec"
	"github.com/ci-harness/ci-harness/shell"
)

// stderrTailLines bounds the diagnostic carried inside a ProvisionError.
const stderrTailLines = 20

// Env is a handle to an isolated, uniquely named runtime installation.
// The zero value is not a usable environment; consumers must check IsZero
// before running anything against it.
type Env struct {
	Name    string // unique per job run: "<spec name>-<run id>"
	Root    string // absolute environment root directory
	BinDir  string // directory prepended to PATH while the env is active
	Runtime string // runtime version identifier from the job spec
	RunID   string
}

// IsZero reports whether the handle refers to no environment.
func (e Env) IsZero() bool {
	return e.Root == ""
}

// Overlay returns the environment variable overlay that activates the
// environment for a child process.
func (e Env) Overlay() []string {
	return []string{
		"PATH=" + e.BinDir + string(os.PathListSeparator) + os.Getenv("PATH"),
		"CI_HARNESS_ENV_ROOT=" + e.Root,
		"CI_HARNESS_ENV_NAME=" + e.Name,
	}
}

// ProvisionError is the fatal error class for environment creation failures.
type ProvisionError struct {
	Env    string
	Stderr string
	Err    error
}

func (e *ProvisionError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("provisioning environment %s: %v\nstderr: %s", e.Env, e.Err, e.Stderr)
	}
	return fmt.Sprintf("provisioning environment %s: %v", e.Env, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// IsProvisionError checks if the error is or wraps a ProvisionError.
func IsProvisionError(err error) bool {
	var pErr *ProvisionError
	return err != nil && errors.As(err, &pErr)
}

// Provisioner creates and releases environments under a common root.
type Provisioner struct {
	envRoot  string
	executor shell.Executor
	log      *zap.SugaredLogger
	timeout  time.Duration
}

// Config holds configuration for creating a Provisioner.
type Config struct {
	EnvRoot  string // directory under which environments are created
	Executor shell.Executor
	Log      *zap.SugaredLogger
	Timeout  time.Duration // wall-clock bound for the bootstrap command
}

// NewProvisioner creates a new Provisioner.
func NewProvisioner(cfg Config) (*Provisioner, error) {
	if cfg.EnvRoot == "" {
		return nil, fmt.Errorf("environment root directory is required")
	}
	if cfg.Executor == nil {
		cfg.Executor = shell.NewExecutor()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	absRoot, err := filepath.Abs(cfg.EnvRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving environment root %s: %w", cfg.EnvRoot, err)
	}

	return &Provisioner{
		envRoot:  absRoot,
		executor: cfg.Executor,
		log:      cfg.Log,
		timeout:  cfg.Timeout,
	}, nil
}

// Provision creates an isolated environment for the given spec and returns
// the handle along with the bootstrap command's stdout. The run ID suffix
// keeps concurrent jobs from ever sharing an environment directory.
// Recreating an environment replaces any stale tree with the same name
// first, so a leftover from an interrupted run cannot leak dependencies
// into this one.
func (p *Provisioner) Provision(ctx context.Context, spec jobspec.EnvSpec, runtime, runID string) (Env, string, error) {
	if spec.Name == "" {
		return Env{}, "", &ProvisionError{Env: spec.Name, Err: errors.New("environment name is required")}
	}

	name := fmt.Sprintf("%s-%s", spec.Name, runID)
	root := filepath.Join(p.envRoot, name)
	env := Env{
		Name:    name,
		Root:    root,
		BinDir:  filepath.Join(root, "bin"),
		Runtime: runtime,
		RunID:   runID,
	}

	p.log.Infow("Provisioning environment", "env", name, "runtime", runtime)

	if err := os.RemoveAll(root); err != nil {
		return Env{}, "", &ProvisionError{Env: name, Err: fmt.Errorf("removing stale environment: %w", err)}
	}
	if err := os.MkdirAll(env.BinDir, 0o755); err != nil {
		return Env{}, "", &ProvisionError{Env: name, Err: fmt.Errorf("creating environment tree: %w", err)}
	}

	var stdout string
	if len(spec.Bootstrap) > 0 {
		out, err := p.bootstrap(ctx, env, spec.Bootstrap)
		if err != nil {
			return Env{}, out, err
		}
		stdout = out
	}

	p.log.Debugw("Environment ready", "env", name, "root", root)
	return env, stdout, nil
}

// bootstrap runs the configured toolchain bootstrap command inside the
// fresh environment and returns its stdout.
func (p *Provisioner) bootstrap(ctx context.Context, env Env, command []string) (string, error) {
	if p.timeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	argv := shell.Expand(command, map[string]string{
		"env":     env.Root,
		"bin":     env.BinDir,
		"runtime": env.Runtime,
	})

	p.log.Debugw("Running bootstrap command", "env", env.Name, "command", argv)

	res, err := p.executor.Run(ctx, env.Root, env.Overlay(), argv[0], argv[1:]...)
	if err != nil {
		return res.Stdout, &ProvisionError{Env: env.Name, Err: err, Stderr: shell.Tail(res.Stderr, stderrTailLines)}
	}
	if res.ExitCode != 0 || res.Crashed {
		return res.Stdout, &ProvisionError{
			Env:    env.Name,
			Err:    fmt.Errorf("bootstrap command exited with code %d", res.ExitCode),
			Stderr: shell.Tail(res.Stderr, stderrTailLines),
		}
	}
	return res.Stdout, nil
}

// Release removes the environment tree. Releasing a zero handle is a no-op.
func (p *Provisioner) Release(env Env) error {
	if env.IsZero() {
		return nil
	}
	p.log.Debugw("Releasing environment", "env", env.Name)
	if err := os.RemoveAll(env.Root); err != nil {
		return fmt.Errorf("releasing environment %s: %w", env.Name, err)
	}
	return nil
}
