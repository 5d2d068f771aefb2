package environ

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ci-harness/ci-harness/jobspec"
	"github.com/ci-harness/ci-harness/shell"
)

// fakeExecutor records invocations and plays back canned results.
type fakeExecutor struct {
	calls  []fakeCall
	result shell.Result
	err    error
}

type fakeCall struct {
	Dir     string
	Overlay []string
	Argv    []string
}

func (f *fakeExecutor) Run(ctx context.Context, dir string, overlay []string, name string, args ...string) (shell.Result, error) {
	f.calls = append(f.calls, fakeCall{Dir: dir, Overlay: overlay, Argv: append([]string{name}, args...)})
	return f.result, f.err
}

func newProvisioner(t *testing.T, ex shell.Executor) (*Provisioner, string) {
	t.Helper()
	root := t.TempDir()
	p, err := NewProvisioner(Config{EnvRoot: root, Executor: ex})
	require.NoError(t, err)
	return p, root
}

func TestProvisionCreatesUniqueEnv(t *testing.T) {
	ex := &fakeExecutor{}
	p, root := newProvisioner(t, ex)

	env, _, err := p.Provision(context.Background(), jobspec.EnvSpec{Name: "demo"}, "3.12", "run-1")
	require.NoError(t, err)

	assert.Equal(t, "demo-run-1", env.Name)
	assert.Equal(t, filepath.Join(root, "demo-run-1"), env.Root)
	assert.Equal(t, "3.12", env.Runtime)
	assert.False(t, env.IsZero())
	assert.DirExists(t, env.BinDir)

	// Concurrent jobs never share an environment directory
	env2, _, err := p.Provision(context.Background(), jobspec.EnvSpec{Name: "demo"}, "3.12", "run-2")
	require.NoError(t, err)
	assert.NotEqual(t, env.Root, env2.Root)
}

func TestProvisionReplacesStaleTree(t *testing.T) {
	ex := &fakeExecutor{}
	p, root := newProvisioner(t, ex)

	stale := filepath.Join(root, "demo-run-1", "leftover.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	env, _, err := p.Provision(context.Background(), jobspec.EnvSpec{Name: "demo"}, "3.12", "run-1")
	require.NoError(t, err)

	assert.NoFileExists(t, stale)
	assert.DirExists(t, env.BinDir)
}

func TestProvisionRunsBootstrap(t *testing.T) {
	ex := &fakeExecutor{result: shell.Result{Stdout: "runtime 3.12 installed\n"}}
	p, _ := newProvisioner(t, ex)

	spec := jobspec.EnvSpec{
		Name:      "demo",
		Bootstrap: []string{"setup-runtime", "--version", "{runtime}", "--prefix", "{env}"},
	}
	env, out, err := p.Provision(context.Background(), spec, "3.12", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "runtime 3.12 installed\n", out)

	require.Len(t, ex.calls, 1)
	call := ex.calls[0]
	assert.Equal(t, []string{"setup-runtime", "--version", "3.12", "--prefix", env.Root}, call.Argv)
	assert.Equal(t, env.Root, call.Dir)
	assert.Contains(t, call.Overlay, "CI_HARNESS_ENV_NAME=demo-run-1")
}

func TestProvisionBootstrapFailure(t *testing.T) {
	ex := &fakeExecutor{result: shell.Result{ExitCode: 1, Stderr: "runtime 3.99 not found\n"}}
	p, _ := newProvisioner(t, ex)

	_, _, err := p.Provision(context.Background(), jobspec.EnvSpec{Name: "demo", Bootstrap: []string{"setup-runtime"}}, "3.99", "run-1")
	require.Error(t, err)
	assert.True(t, IsProvisionError(err))
	assert.Contains(t, err.Error(), "runtime 3.99 not found")
}

func TestProvisionExecutorError(t *testing.T) {
	ex := &fakeExecutor{err: errors.New("binary not found")}
	p, _ := newProvisioner(t, ex)

	_, _, err := p.Provision(context.Background(), jobspec.EnvSpec{Name: "demo", Bootstrap: []string{"setup-runtime"}}, "3.12", "run-1")
	require.Error(t, err)
	assert.True(t, IsProvisionError(err))
}

func TestProvisionRequiresName(t *testing.T) {
	p, _ := newProvisioner(t, &fakeExecutor{})
	_, _, err := p.Provision(context.Background(), jobspec.EnvSpec{}, "3.12", "run-1")
	require.Error(t, err)
	assert.True(t, IsProvisionError(err))
}

func TestRelease(t *testing.T) {
	p, _ := newProvisioner(t, &fakeExecutor{})

	env, _, err := p.Provision(context.Background(), jobspec.EnvSpec{Name: "demo"}, "3.12", "run-1")
	require.NoError(t, err)
	require.NoError(t, p.Release(env))
	assert.NoDirExists(t, env.Root)

	// Releasing a zero handle is a no-op
	assert.NoError(t, p.Release(Env{}))
}

func TestOverlayPrependsBinDir(t *testing.T) {
	env := Env{Name: "demo-run-1", Root: "/envs/demo-run-1", BinDir: "/envs/demo-run-1/bin"}
	overlay := env.Overlay()
	require.NotEmpty(t, overlay)
	assert.Contains(t, overlay[0], "PATH=/envs/demo-run-1/bin")
	assert.Contains(t, overlay, "CI_HARNESS_ENV_ROOT=/envs/demo-run-1")
}
